package chunk

import (
	"fmt"
	"io"
)

// Descriptor is one chunk ready to be sent: its index, its byte range and the bytes read from it.
type Descriptor struct {
	Index   int
	Range   Range
	Payload []byte
}

// Source yields chunk descriptors in ascending index order.
type Source interface {
	// Next returns the next chunk. It returns io.EOF once every chunk has been returned.
	Next() (Descriptor, error)
	// Close releases the resources held by the source.
	Close() error
}

// Reader reads chunks of a plan from a random access file.
// The file is never written and disjoint ranges can be read in any order.
type Reader struct {
	file io.ReaderAt
	plan Plan
}

// NewReader creates a Reader over file for the given plan.
func NewReader(file io.ReaderAt, plan Plan) *Reader {
	return &Reader{file: file, plan: plan}
}

// Plan returns the plan the reader was created with.
func (r *Reader) Plan() Plan {
	return r.plan
}

// Read materialises the chunk at the given index.
func (r *Reader) Read(index int) (Descriptor, error) {
	rng, err := r.plan.RangeFor(index)
	if err != nil {
		return Descriptor{}, err
	}

	payload := make([]byte, rng.Length)
	n, err := io.ReadFull(io.NewSectionReader(r.file, rng.Offset, rng.Length), payload)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read chunk %d (offset %d, %d of %d bytes): %w", index, rng.Offset, n, rng.Length, err)
	}

	return Descriptor{Index: index, Range: rng, Payload: payload}, nil
}

// sequentialSource reads one chunk per Next call, without any read-ahead.
type sequentialSource struct {
	reader *Reader
	next   int
}

// NewSequentialSource returns a Source that reads each chunk only when it is asked for.
func NewSequentialSource(reader *Reader) Source {
	return &sequentialSource{reader: reader}
}

func (s *sequentialSource) Next() (Descriptor, error) {
	if s.next >= s.reader.plan.TotalChunks {
		return Descriptor{}, io.EOF
	}
	d, err := s.reader.Read(s.next)
	if err != nil {
		return Descriptor{}, err
	}
	s.next++
	return d, nil
}

func (s *sequentialSource) Close() error {
	return nil
}
