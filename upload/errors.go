package upload

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-scanupload/upload/network"
)

// Kind classifies why an upload attempt failed.
type Kind int

// Failure kinds.
const (
	// HashError means the local file could not be read.
	HashError Kind = iota + 1
	// SessionRejected means the service refused to open a session.
	SessionRejected
	// ChunkRejected means the service refused a chunk.
	ChunkRejected
	// FinalizeRejected means the service refused to complete the session.
	FinalizeRejected
	// TransportError means no usable response arrived: connection failures, timeouts.
	TransportError
	// InvalidTarget means the target was unusable before any I/O happened.
	InvalidTarget
)

func (k Kind) String() string {
	switch k {
	case HashError:
		return "HashError"
	case SessionRejected:
		return "SessionRejected"
	case ChunkRejected:
		return "ChunkRejected"
	case FinalizeRejected:
		return "FinalizeRejected"
	case TransportError:
		return "TransportError"
	case InvalidTarget:
		return "InvalidTarget"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrAttemptInProgress is returned when UploadFile is called while the same orchestrator is busy.
var ErrAttemptInProgress = errors.New("an upload attempt is already in progress on this orchestrator")

// Error is the failure of one upload attempt.
type Error struct {
	Kind Kind
	// Op is the session operation that failed, empty for local failures.
	Op network.Op
	// StatusCode is the HTTP status of a rejection, 0 otherwise.
	StatusCode int
	// Message is human readable. Rejection messages are the service's own words.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var uploadErr *Error
	if !errors.As(err, &uploadErr) {
		return false
	}
	return uploadErr.Kind == kind
}

func rejectionKind(op network.Op) Kind {
	switch op {
	case network.OpInitiate:
		return SessionRejected
	case network.OpChunk:
		return ChunkRejected
	default:
		return FinalizeRejected
	}
}

// classify maps a session error to a failure kind by the operation that was running.
func classify(op network.Op, err error) *Error {
	var apiErr *network.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		return &Error{
			Kind:       rejectionKind(op),
			Op:         op,
			StatusCode: apiErr.StatusCode,
			Message:    msg,
			Err:        err,
		}
	}

	return &Error{
		Kind:    TransportError,
		Op:      op,
		Message: fmt.Sprintf("%s failed: %v", op, err),
		Err:     err,
	}
}

func hashError(err error) *Error {
	return &Error{Kind: HashError, Message: fmt.Sprintf("failed to read file: %v", err), Err: err}
}

func invalidTarget(format string, args ...interface{}) *Error {
	return &Error{Kind: InvalidTarget, Message: fmt.Sprintf(format, args...)}
}
