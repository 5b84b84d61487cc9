package upload

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bitrise-io/go-scanupload/upload/network"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		op       network.Op
		err      error
		wantKind Kind
		wantMsg  string
	}{
		{
			name:     "initiate rejection",
			op:       network.OpInitiate,
			err:      &network.APIError{Op: network.OpInitiate, StatusCode: 401, Message: "invalid token"},
			wantKind: SessionRejected,
			wantMsg:  "invalid token",
		},
		{
			name:     "chunk rejection",
			op:       network.OpChunk,
			err:      fmt.Errorf("send chunk 4: %w", &network.APIError{Op: network.OpChunk, StatusCode: 400, Message: "bad chunk"}),
			wantKind: ChunkRejected,
			wantMsg:  "bad chunk",
		},
		{
			name:     "complete rejection without message",
			op:       network.OpComplete,
			err:      &network.APIError{Op: network.OpComplete, StatusCode: 500},
			wantKind: FinalizeRejected,
			wantMsg:  "complete rejected (HTTP 500): Internal Server Error",
		},
		{
			name:     "timeout",
			op:       network.OpChunk,
			err:      context.DeadlineExceeded,
			wantKind: TransportError,
			wantMsg:  "chunk failed: context deadline exceeded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.op, tt.err)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantMsg, got.Error())
			assert.True(t, errors.Is(got, tt.err))
		})
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("attempt 2: %w", &Error{Kind: TransportError})
	assert.True(t, IsKind(err, TransportError))
	assert.False(t, IsKind(err, ChunkRejected))
	assert.False(t, IsKind(errors.New("plain"), TransportError))
	assert.False(t, IsKind(nil, TransportError))
}
