// Package chunk splits a file into the ordered, size-bounded byte ranges that make up a chunked
// upload session and reads those ranges on demand.
package chunk

import (
	"fmt"
)

// DefaultChunkSize is the client side chunk size policy (5 MiB).
const DefaultChunkSize int64 = 5 * 1024 * 1024

// Range is a contiguous byte range of the source file.
type Range struct {
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// Plan describes how a file of TotalLength bytes is cut into chunks of ChunkSize bytes.
// A zero length file has no chunks.
type Plan struct {
	TotalLength int64
	ChunkSize   int64
	TotalChunks int
}

// NewPlan computes the chunk plan for the given file length and chunk size.
func NewPlan(totalLength, chunkSize int64) (Plan, error) {
	if chunkSize <= 0 {
		return Plan{}, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if totalLength < 0 {
		return Plan{}, fmt.Errorf("total length must not be negative, got %d", totalLength)
	}

	totalChunks := totalLength / chunkSize
	if totalLength%chunkSize != 0 {
		totalChunks++
	}

	return Plan{
		TotalLength: totalLength,
		ChunkSize:   chunkSize,
		TotalChunks: int(totalChunks),
	}, nil
}

// RangeFor returns the byte range of the chunk at the given 0-based index.
// The last chunk holds the remainder and may be shorter than ChunkSize.
func (p Plan) RangeFor(index int) (Range, error) {
	if index < 0 || index >= p.TotalChunks {
		return Range{}, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.TotalChunks)
	}

	offset := int64(index) * p.ChunkSize
	length := p.ChunkSize
	if remaining := p.TotalLength - offset; remaining < length {
		length = remaining
	}

	return Range{Offset: offset, Length: length}, nil
}

// Ranges returns every chunk range in ascending index order.
func (p Plan) Ranges() []Range {
	ranges := make([]Range, 0, p.TotalChunks)
	for i := 0; i < p.TotalChunks; i++ {
		r, _ := p.RangeFor(i) // index is always in range here
		ranges = append(ranges, r)
	}
	return ranges
}

// LastChunkSize returns the length of the final chunk, or 0 for an empty plan.
func (p Plan) LastChunkSize() int64 {
	if p.TotalChunks == 0 {
		return 0
	}
	r, _ := p.RangeFor(p.TotalChunks - 1)
	return r.Length
}
