package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-scanupload/upload/chunk"
	"github.com/bitrise-io/go-scanupload/upload/digest"
	"github.com/bitrise-io/go-scanupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

type recorder struct {
	mu        sync.Mutex
	progress  []Progress
	completed []json.RawMessage
	errors    []string
}

func (r *recorder) Report(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnComplete: func(payload json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, payload)
		},
		OnError: func(message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, message)
		},
	}
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := []string{"Idle"}
	for _, p := range r.progress {
		states = append(states, p.State.String())
	}
	return states
}

func (r *recorder) assertMonotonic(t *testing.T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last := 0.0
	for _, p := range r.progress {
		assert.GreaterOrEqual(t, p.Percent, last, "progress went backwards at %s", p.State)
		last = p.Percent
		if p.Preparing {
			assert.Zero(t, p.Percent, "preparing with non-zero progress at %s", p.State)
		}
		if p.Percent == 100 {
			assert.Equal(t, PhaseCompleted, p.State.Phase)
		}
	}
}

func newTestOrchestrator(session network.Session, rec *recorder, opts ...Option) *Orchestrator {
	opts = append([]Option{WithReporter(rec), WithCallbacks(rec.callbacks())}, opts...)
	return New(session, log.NewLogger(), opts...)
}

func testContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func testTarget(data []byte, chunkSize int64) Target {
	return Target{
		File:      bytes.NewReader(data),
		Size:      int64(len(data)),
		FileName:  "app-release.apk",
		ChunkSize: chunkSize,
	}
}

func TestUploadFile_TwelveMiBInThreeChunks(t *testing.T) {
	for _, readAhead := range []int{0, 1, 3} {
		t.Run(fmt.Sprintf("read ahead %d", readAhead), func(t *testing.T) {
			data := testContent(12 * mib)
			session := newFakeSession()
			rec := &recorder{}
			o := newTestOrchestrator(session, rec, WithReadAhead(readAhead))

			outcome := o.UploadFile(context.Background(), testTarget(data, 5*mib))

			require.NoError(t, outcome.Err)
			assert.True(t, outcome.Succeeded())
			assert.Equal(t, []string{
				"Idle", "Hashing", "Initiating", "Uploading(0)", "Uploading(1)", "Uploading(2)", "Finalizing", "Completed",
			}, rec.states())

			var percents []float64
			for _, p := range rec.progress {
				if len(percents) == 0 || percents[len(percents)-1] != p.Percent {
					percents = append(percents, p.Percent)
				}
			}
			require.Len(t, percents, 4)
			assert.InDelta(t, 0, percents[0], 0.01)
			assert.InDelta(t, 33.33, percents[1], 0.01)
			assert.InDelta(t, 66.67, percents[2], 0.01)
			assert.InDelta(t, 100, percents[3], 0.01)
			assert.True(t, rec.progress[0].Preparing)
			assert.True(t, rec.progress[1].Preparing)
			assert.False(t, rec.progress[2].Preparing)
			rec.assertMonotonic(t)

			require.Len(t, session.initiated, 1)
			assert.Equal(t, network.InitiateRequest{
				FileName:      "app-release.apk",
				FileSizeBytes: 12 * mib,
				FileHash:      digest.OfBytes(data).Base64(),
				TotalChunks:   3,
			}, session.initiated[0])

			assert.Equal(t, []int{0, 1, 2}, session.sentChunks())
			assert.Len(t, session.chunks[2], 2*mib)
			assert.Equal(t, data, append(append(append([]byte(nil), session.chunks[0]...), session.chunks[1]...), session.chunks[2]...))
			assert.Equal(t, []string{"session-1"}, session.completed)
			assert.Empty(t, session.aborted)

			assert.Equal(t, []json.RawMessage{json.RawMessage(`{"scanId":"scan-1"}`)}, rec.completed)
			assert.Empty(t, rec.errors)
			assert.JSONEq(t, `{"scanId":"scan-1"}`, string(outcome.Payload))
			assert.Equal(t, 3, outcome.ChunksSent)
			assert.Equal(t, "session-1", outcome.SessionID)
			assert.Equal(t, digest.OfBytes(data), outcome.Digest)
			assert.Equal(t, PhaseCompleted, o.State().Phase)
		})
	}
}

func TestUploadFile_ZeroByteFile(t *testing.T) {
	session := newFakeSession()
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)

	outcome := o.UploadFile(context.Background(), testTarget(nil, 5*mib))

	require.NoError(t, outcome.Err)
	assert.Equal(t, []string{"Idle", "Hashing", "Initiating", "Finalizing", "Completed"}, rec.states())
	require.Len(t, session.initiated, 1)
	assert.Equal(t, 0, session.initiated[0].TotalChunks)
	assert.Equal(t, int64(0), session.initiated[0].FileSizeBytes)
	assert.Empty(t, session.sentChunks())
	assert.Len(t, session.completed, 1)
	assert.Equal(t, 100.0, rec.progress[len(rec.progress)-1].Percent)
	assert.Len(t, rec.completed, 1)
	rec.assertMonotonic(t)
}

func TestUploadFile_ChunkFailureStopsTheUpload(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
		wantMsg  string
	}{
		{
			name:     "rejected",
			err:      &network.APIError{Op: network.OpChunk, StatusCode: 409, Message: "chunk 2 already received"},
			wantKind: ChunkRejected,
			wantMsg:  "chunk 2 already received",
		},
		{
			name:     "transport",
			err:      errors.New("connection reset by peer"),
			wantKind: TransportError,
		},
		{
			name:     "timeout",
			err:      fmt.Errorf("send chunk 2: %w", context.DeadlineExceeded),
			wantKind: TransportError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const failAt = 2
			session := newFakeSession()
			session.chunkErr = func(index int) error {
				if index == failAt {
					return tt.err
				}
				return nil
			}
			rec := &recorder{}
			o := newTestOrchestrator(session, rec)

			outcome := o.UploadFile(context.Background(), testTarget(testContent(1000), 100))

			require.Error(t, outcome.Err)
			assert.True(t, IsKind(outcome.Err, tt.wantKind), "got %v", outcome.Err)
			assert.Equal(t, fmt.Sprintf("Failed(%s)", tt.wantKind), outcome.State.String())
			assert.Equal(t, []int{0, 1}, session.sentChunks())
			assert.Equal(t, 2, outcome.ChunksSent)
			assert.Empty(t, session.completed)
			assert.Empty(t, rec.completed)
			require.Len(t, rec.errors, 1)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, rec.errors[0])
			}
			assert.ErrorIs(t, outcome.Err, tt.err)
			rec.assertMonotonic(t)
		})
	}
}

func TestUploadFile_CancelBeforeStart(t *testing.T) {
	session := newFakeSession()
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := o.UploadFile(ctx, testTarget(testContent(1000), 100))

	assert.True(t, outcome.Cancelled())
	assert.NoError(t, outcome.Err)
	assert.Equal(t, 0, outcome.ChunksSent)
	assert.Empty(t, session.initiated)
	assert.Empty(t, session.aborted)
	assert.Empty(t, rec.completed)
	assert.Empty(t, rec.errors)
	assert.Equal(t, "Cancelled", rec.states()[len(rec.states())-1])
}

func TestUploadFile_CancelMidUpload(t *testing.T) {
	session := newFakeSession()
	rec := &recorder{}
	var o *Orchestrator
	session.onChunk = func(ctx context.Context, index int) {
		if index == 3 {
			o.Cancel()
		}
	}
	o = newTestOrchestrator(session, rec)

	outcome := o.UploadFile(context.Background(), testTarget(testContent(1000), 100))

	assert.True(t, outcome.Cancelled())
	assert.NoError(t, outcome.Err)
	assert.Equal(t, []int{0, 1, 2}, session.sentChunks())
	assert.Equal(t, 3, outcome.ChunksSent)
	assert.Less(t, outcome.ChunksSent, outcome.TotalChunks)
	assert.Equal(t, []string{"session-1"}, session.aborted)
	assert.Empty(t, session.completed)
	assert.Empty(t, rec.completed)
	assert.Empty(t, rec.errors)
	rec.assertMonotonic(t)
}

func TestUploadFile_ParentContextCancelled(t *testing.T) {
	session := newFakeSession()
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.onChunk = func(_ context.Context, index int) {
		if index == 1 {
			cancel()
		}
	}
	o := newTestOrchestrator(session, rec)

	outcome := o.UploadFile(ctx, testTarget(testContent(1000), 100))

	assert.True(t, outcome.Cancelled())
	assert.Equal(t, []int{0}, session.sentChunks())
	assert.Equal(t, []string{"session-1"}, session.aborted)
}

func TestUploadFile_InitiateRejected(t *testing.T) {
	session := newFakeSession()
	session.initiateErr = &network.APIError{Op: network.OpInitiate, StatusCode: 413, Message: "file exceeds the 2 GB limit"}
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)

	outcome := o.UploadFile(context.Background(), testTarget(testContent(1000), 100))

	assert.True(t, IsKind(outcome.Err, SessionRejected))
	var uploadErr *Error
	require.True(t, errors.As(outcome.Err, &uploadErr))
	assert.Equal(t, 413, uploadErr.StatusCode)
	assert.Equal(t, network.OpInitiate, uploadErr.Op)
	assert.Equal(t, []string{"file exceeds the 2 GB limit"}, rec.errors)
	assert.Empty(t, session.sentChunks())
	assert.Empty(t, session.completed)
	assert.Equal(t, []string{"Idle", "Hashing", "Initiating", "Failed(SessionRejected)"}, rec.states())
}

func TestUploadFile_InitiateTransportError(t *testing.T) {
	session := newFakeSession()
	session.initiateErr = errors.New("dial tcp: connection refused")
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)

	outcome := o.UploadFile(context.Background(), testTarget(testContent(10), 100))

	assert.True(t, IsKind(outcome.Err, TransportError))
	assert.Len(t, rec.errors, 1)
}

func TestUploadFile_FinalizeRejected(t *testing.T) {
	session := newFakeSession()
	session.completeErr = &network.APIError{Op: network.OpComplete, StatusCode: 422, Message: "hash mismatch"}
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)

	outcome := o.UploadFile(context.Background(), testTarget(testContent(250), 100))

	assert.True(t, IsKind(outcome.Err, FinalizeRejected))
	assert.Equal(t, []int{0, 1, 2}, session.sentChunks())
	assert.Equal(t, []string{"hash mismatch"}, rec.errors)
	assert.Empty(t, rec.completed)
	assert.Empty(t, session.aborted)
	assert.Equal(t, "Failed(FinalizeRejected)", o.State().String())
	rec.assertMonotonic(t)
}

type unreadable struct{}

func (unreadable) ReadAt([]byte, int64) (int, error) {
	return 0, errors.New("input/output error")
}

func TestUploadFile_HashError(t *testing.T) {
	session := newFakeSession()
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)

	outcome := o.UploadFile(context.Background(), Target{File: unreadable{}, Size: 100, FileName: "a.ipa", ChunkSize: 10})

	assert.True(t, IsKind(outcome.Err, HashError))
	assert.Empty(t, session.initiated)
	assert.Len(t, rec.errors, 1)
	assert.Contains(t, rec.errors[0], "input/output error")
	assert.Equal(t, []string{"Idle", "Hashing", "Failed(HashError)"}, rec.states())
}

func TestUploadFile_ShortFileFailsBeforeInitiate(t *testing.T) {
	session := newFakeSession()
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)

	// the target claims more bytes than the reader has
	outcome := o.UploadFile(context.Background(), Target{File: bytes.NewReader(testContent(150)), Size: 300, FileName: "a.ipa", ChunkSize: 100})

	assert.True(t, IsKind(outcome.Err, HashError))
	assert.Contains(t, outcome.Err.Error(), "read 150 of 300 bytes")
	assert.Empty(t, session.initiated)
	assert.Empty(t, session.sentChunks())
	assert.Len(t, rec.errors, 1)
}

type truncatableReader struct {
	mu   sync.Mutex
	data []byte
}

func (r *truncatableReader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.NewReader(r.data).ReadAt(p, off)
}

func (r *truncatableReader) truncate(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = r.data[:size]
}

func TestUploadFile_FileShrinksDuringUpload(t *testing.T) {
	file := &truncatableReader{data: testContent(300)}
	session := newFakeSession()
	session.onChunk = func(_ context.Context, index int) {
		if index == 0 {
			file.truncate(150)
		}
	}
	rec := &recorder{}
	o := newTestOrchestrator(session, rec, WithReadAhead(0))

	outcome := o.UploadFile(context.Background(), Target{File: file, Size: 300, FileName: "a.ipa", ChunkSize: 100})

	assert.True(t, IsKind(outcome.Err, HashError))
	assert.Equal(t, []int{0}, session.sentChunks())
	assert.Empty(t, session.completed)
}

func TestUploadFile_InvalidTarget(t *testing.T) {
	tests := []struct {
		name   string
		target Target
	}{
		{name: "zero chunk size", target: Target{File: bytes.NewReader(nil), FileName: "a", ChunkSize: 0}},
		{name: "negative size", target: Target{File: bytes.NewReader(nil), FileName: "a", Size: -1, ChunkSize: 1}},
		{name: "no file", target: Target{FileName: "a", ChunkSize: 1}},
		{name: "no name", target: Target{File: bytes.NewReader(nil), ChunkSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := newFakeSession()
			rec := &recorder{}
			o := newTestOrchestrator(session, rec)

			outcome := o.UploadFile(context.Background(), tt.target)

			assert.True(t, IsKind(outcome.Err, InvalidTarget))
			assert.Empty(t, session.initiated)
			assert.Len(t, rec.errors, 1)
		})
	}
}

func TestUploadFile_SecondAttemptUsesNewSession(t *testing.T) {
	session := newFakeSession()
	calls := 0
	session.chunkErr = func(index int) error {
		calls++
		if calls == 2 {
			return errors.New("connection reset")
		}
		return nil
	}
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)
	target := testTarget(testContent(300), 100)

	first := o.UploadFile(context.Background(), target)
	require.True(t, IsKind(first.Err, TransportError))

	second := o.UploadFile(context.Background(), target)
	require.NoError(t, second.Err)

	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, "session-2", second.SessionID)
	assert.Len(t, session.initiated, 2)
	// the second attempt starts over from chunk 0
	assert.Equal(t, []int{0, 0, 1, 2}, session.sentChunks())
	assert.Len(t, rec.errors, 1)
	assert.Len(t, rec.completed, 1)
}

func TestUploadFile_RejectsConcurrentAttempts(t *testing.T) {
	session := newFakeSession()
	entered := make(chan struct{})
	release := make(chan struct{})
	session.onChunk = func(_ context.Context, index int) {
		if index == 0 {
			close(entered)
			<-release
		}
	}
	rec := &recorder{}
	o := newTestOrchestrator(session, rec)

	done := make(chan Outcome, 1)
	go func() {
		done <- o.UploadFile(context.Background(), testTarget(testContent(300), 100))
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt did not start")
	}

	second := o.UploadFile(context.Background(), testTarget(testContent(10), 100))
	assert.ErrorIs(t, second.Err, ErrAttemptInProgress)
	assert.Equal(t, PhaseFailed, second.State.Phase)

	close(release)
	first := <-done
	require.NoError(t, first.Err)

	assert.Len(t, session.initiated, 1)
	assert.Equal(t, []string{ErrAttemptInProgress.Error()}, rec.errors)
	assert.Len(t, rec.completed, 1)
}

func TestUploadFile_AbortUsesFreshContext(t *testing.T) {
	session := newFakeSession()
	ctx, cancel := context.WithCancel(context.Background())
	session.onChunk = func(_ context.Context, index int) {
		if index == 0 {
			cancel()
		}
	}
	o := newTestOrchestrator(session, &recorder{}, WithAbortTimeout(time.Second))

	outcome := o.UploadFile(ctx, testTarget(testContent(300), 100))

	assert.True(t, outcome.Cancelled())
	// the fake refuses an abort on a cancelled context
	assert.Equal(t, []string{"session-1"}, session.aborted)
}

func TestUploadFile_ChunkPlanMatchesPlanner(t *testing.T) {
	data := testContent(1001)
	session := newFakeSession()
	o := newTestOrchestrator(session, &recorder{})

	outcome := o.UploadFile(context.Background(), testTarget(data, 100))
	require.NoError(t, outcome.Err)

	plan, err := chunk.NewPlan(1001, 100)
	require.NoError(t, err)
	assert.Equal(t, plan.TotalChunks, outcome.TotalChunks)
	for i, r := range plan.Ranges() {
		assert.Equal(t, data[r.Offset:r.End()], session.chunks[i])
	}
}
