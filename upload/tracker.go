package upload

import (
	"errors"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type uploadTracker struct {
	tracker analytics.Tracker
}

func (t uploadTracker) logOutcome(outcome Outcome, size, chunkSize int64) {
	if t.tracker == nil {
		return
	}

	properties := analytics.Properties{
		"upload_time_s":     outcome.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": size,
		"chunk_size_bytes":  chunkSize,
		"chunk_count":       outcome.TotalChunks,
		"chunks_sent":       outcome.ChunksSent,
	}

	switch outcome.State.Phase {
	case PhaseCompleted:
		t.tracker.Enqueue("scan_upload_completed", properties)
	case PhaseCancelled:
		t.tracker.Enqueue("scan_upload_cancelled", properties)
	case PhaseFailed:
		var uploadErr *Error
		if errors.As(outcome.Err, &uploadErr) {
			properties["error_kind"] = uploadErr.Kind.String()
			properties["status_code"] = uploadErr.StatusCode
		}
		if outcome.Err != nil {
			properties["error"] = outcome.Err.Error()
		}
		t.tracker.Enqueue("scan_upload_failed", properties)
	}
}
