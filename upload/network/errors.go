package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Op names a session operation.
type Op string

// Session operations.
const (
	OpInitiate Op = "initiate"
	OpChunk    Op = "chunk"
	OpComplete Op = "complete"
	OpAbort    Op = "abort"
)

const maxErrorBodySize = 64 * 1024

// APIError is a response from the remote side that rejected an operation.
type APIError struct {
	Op         Op
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s rejected: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s rejected (HTTP %d): %s", e.Op, e.StatusCode, msg)
}

// IsTransport reports whether err is a failure without a usable response: connection errors,
// timeouts and the like.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func unwrapError(op Op, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return fmt.Errorf("read %s error response (HTTP %d): %w", op, resp.StatusCode, err)
	}

	apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}

	var parsed errorBody
	if json.Unmarshal(body, &parsed) == nil && (parsed.Message != "" || parsed.Error != "") {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		if apiErr.Message == "" {
			apiErr.Message = parsed.Error
		}
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
