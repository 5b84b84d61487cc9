// Package upload transfers one local file to the scanning service over a chunked upload session.
//
// An Orchestrator runs one attempt at a time: it hashes the file, opens a session, sends the chunks
// strictly in order, finalizes the session and reports exactly one Outcome. Failed attempts are never
// resumed; Retry re-runs the whole pipeline on a fresh session.
package upload

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-scanupload/upload/chunk"
	"github.com/bitrise-io/go-scanupload/upload/digest"
)

// Target is the file of one upload. It is not modified by the upload.
type Target struct {
	File      io.ReaderAt
	Size      int64
	FileName  string
	ChunkSize int64
}

func (t Target) validate() *Error {
	if t.File == nil {
		return invalidTarget("no file to upload")
	}
	if t.FileName == "" {
		return invalidTarget("file name is empty")
	}
	if t.Size < 0 {
		return invalidTarget("invalid file size: %d", t.Size)
	}
	if t.ChunkSize <= 0 {
		return invalidTarget("invalid chunk size: %d", t.ChunkSize)
	}
	return nil
}

func (t Target) plan() (chunk.Plan, error) {
	return chunk.NewPlan(t.Size, t.ChunkSize)
}

// OpenTarget opens a local file for upload. The caller closes the returned closer.
func OpenTarget(path string, chunkSize int64) (Target, io.Closer, error) {
	file, err := os.Open(path)
	if err != nil {
		return Target{}, nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return Target{}, nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return Target{}, nil, fmt.Errorf("%s is a directory", path)
	}

	return Target{
		File:      file,
		Size:      info.Size(),
		FileName:  filepath.Base(path),
		ChunkSize: chunkSize,
	}, file, nil
}

// Outcome is the single result of one attempt.
type Outcome struct {
	State State
	// Payload is the service's completion response, forwarded verbatim.
	Payload json.RawMessage
	// Err is nil for Completed and Cancelled attempts.
	Err         error
	SessionID   string
	Digest      digest.Digest
	ChunksSent  int
	TotalChunks int
	Duration    time.Duration
}

// Succeeded ...
func (o Outcome) Succeeded() bool {
	return o.State.Phase == PhaseCompleted
}

// Cancelled ...
func (o Outcome) Cancelled() bool {
	return o.State.Phase == PhaseCancelled
}
