package network

import (
	"context"
	"encoding/json"
)

// InitiateRequest opens an upload session.
type InitiateRequest struct {
	FileName      string `json:"fileName"`
	FileSizeBytes int64  `json:"fileSizeBytes"`
	FileHash      string `json:"fileHash"`
	TotalChunks   int    `json:"totalChunks"`
}

type initiateResponse struct {
	SessionID string `json:"sessionId"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

// Session is the remote side of a chunked upload.
//
// A chunk counts as sent once SendChunk returns nil. Non-success responses are returned as *APIError,
// every other failure is a transport error.
type Session interface {
	Initiate(ctx context.Context, req InitiateRequest) (string, error)
	SendChunk(ctx context.Context, sessionID string, index int, payload []byte) error
	Complete(ctx context.Context, sessionID string) (json.RawMessage, error)
	// Abort asks the remote side to discard a session. Callers treat it as best-effort.
	Abort(ctx context.Context, sessionID string) error
}
