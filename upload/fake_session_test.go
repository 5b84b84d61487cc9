package upload

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/bitrise-io/go-scanupload/upload/network"
)

// fakeSession records calls and lets tests inject failures per operation.
type fakeSession struct {
	mu sync.Mutex

	initiated []network.InitiateRequest
	chunks    map[int][]byte
	sent      []int
	completed []string
	aborted   []string
	sessions  int

	initiateErr error
	completeErr error
	payload     json.RawMessage
	// chunkErr returns the error for a chunk, nil to accept it.
	chunkErr func(index int) error
	// onChunk runs before a chunk is accepted.
	onChunk func(ctx context.Context, index int)
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		chunks:  map[int][]byte{},
		payload: json.RawMessage(`{"scanId":"scan-1"}`),
	}
}

func (f *fakeSession) Initiate(_ context.Context, req network.InitiateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.initiated = append(f.initiated, req)
	if f.initiateErr != nil {
		return "", f.initiateErr
	}
	f.sessions++
	return sessionName(f.sessions), nil
}

func (f *fakeSession) SendChunk(ctx context.Context, sessionID string, index int, payload []byte) error {
	if f.onChunk != nil {
		f.onChunk(ctx, index)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.chunkErr != nil {
		if err := f.chunkErr(index); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, index)
	f.chunks[index] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeSession) Complete(_ context.Context, sessionID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completed = append(f.completed, sessionID)
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.payload, nil
}

func (f *fakeSession) Abort(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	f.aborted = append(f.aborted, sessionID)
	return nil
}

func (f *fakeSession) sentChunks() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sent...)
}

func sessionName(n int) string {
	return "session-" + string(rune('0'+n))
}
