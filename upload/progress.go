package upload

import (
	"encoding/json"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Progress is pushed to a Reporter on every state transition.
type Progress struct {
	State State
	// Percent is in [0, 100], non-decreasing within an attempt and 100 only once Completed.
	Percent float64
	Status  string
	// Preparing is true while hashing and initiating, the phases without numeric progress.
	Preparing   bool
	ChunksSent  int
	TotalChunks int
}

// Reporter receives progress updates. Report is called from the goroutine running UploadFile.
type Reporter interface {
	Report(Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Progress)

// Report ...
func (f ReporterFunc) Report(p Progress) {
	f(p)
}

// Callbacks are the terminal notifications of an attempt. Exactly one of them fires for a completed or
// failed attempt, neither for a cancelled one.
type Callbacks struct {
	OnComplete func(payload json.RawMessage)
	OnError    func(message string)
}

type nopReporter struct{}

func (nopReporter) Report(Progress) {}

// LogReporter prints progress lines for one file.
type LogReporter struct {
	logger   log.Logger
	fileName string
	last     Phase
	lastPct  float64
}

// NewLogReporter ...
func NewLogReporter(logger log.Logger, fileName string) *LogReporter {
	return &LogReporter{logger: logger, fileName: fileName, last: PhaseIdle, lastPct: -1}
}

// Report ...
func (r *LogReporter) Report(p Progress) {
	defer func() {
		r.last = p.State.Phase
		r.lastPct = p.Percent
	}()

	switch p.State.Phase {
	case PhaseCompleted:
		r.logger.Donef("%s: upload completed", r.fileName)
	case PhaseFailed:
		r.logger.Errorf("%s: %s", r.fileName, p.Status)
	case PhaseCancelled:
		r.logger.Warnf("%s: upload cancelled after %d of %d chunks", r.fileName, p.ChunksSent, p.TotalChunks)
	case PhaseUploading:
		if r.last == PhaseUploading && p.Percent == r.lastPct {
			return
		}
		r.logger.Printf("%s: %s (%.1f%%)", r.fileName, p.Status, p.Percent)
	default:
		if p.State.Phase == r.last {
			return
		}
		r.logger.Printf("%s: %s", r.fileName, p.Status)
	}
}
