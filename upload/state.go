package upload

import (
	"errors"
	"fmt"
)

// Phase is the coarse position of an attempt in the upload pipeline.
type Phase int

// Phases in pipeline order. Completed, Failed and Cancelled are terminal.
const (
	PhaseIdle Phase = iota
	PhaseHashing
	PhaseInitiating
	PhaseUploading
	PhaseFinalizing
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseHashing:
		return "Hashing"
	case PhaseInitiating:
		return "Initiating"
	case PhaseUploading:
		return "Uploading"
	case PhaseFinalizing:
		return "Finalizing"
	case PhaseCompleted:
		return "Completed"
	case PhaseFailed:
		return "Failed"
	case PhaseCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no transition leaves the phase.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// State is the full state of an attempt. Chunk is meaningful in PhaseUploading only, Err in PhaseFailed only.
type State struct {
	Phase Phase
	Chunk int
	Err   error
}

func (s State) String() string {
	switch s.Phase {
	case PhaseUploading:
		return fmt.Sprintf("Uploading(%d)", s.Chunk)
	case PhaseFailed:
		var uploadErr *Error
		if errors.As(s.Err, &uploadErr) {
			return fmt.Sprintf("Failed(%s)", uploadErr.Kind)
		}
		return "Failed"
	default:
		return s.Phase.String()
	}
}

type eventKind int

const (
	eventStart eventKind = iota
	eventHashed
	eventInitiated
	eventChunkAcked
	eventCompleted
	eventFailed
	eventCancelled
)

func (k eventKind) String() string {
	return [...]string{"start", "hashed", "initiated", "chunk acked", "completed", "failed", "cancelled"}[k]
}

type event struct {
	kind eventKind
	err  error
}

type commandKind int

const (
	commandNone commandKind = iota
	commandHash
	commandInitiate
	commandSendChunk
	commandComplete
	commandAbort
)

// command is the side effect the pipeline runs after a transition.
type command struct {
	kind  commandKind
	chunk int
}

// machine holds the transition rules. It does no I/O.
type machine struct {
	state       State
	total       int
	acked       int
	percent     float64
	sessionOpen bool
}

func newMachine(totalChunks int) *machine {
	return &machine{total: totalChunks}
}

func (m *machine) apply(ev event) (command, error) {
	from := m.state
	if from.Phase.Terminal() {
		return command{}, fmt.Errorf("invalid transition: %s in terminal state %s", ev.kind, from)
	}

	switch ev.kind {
	case eventFailed:
		m.state = State{Phase: PhaseFailed, Err: ev.err}
		m.sessionOpen = false
		return command{kind: commandNone}, nil
	case eventCancelled:
		open := m.sessionOpen
		m.state = State{Phase: PhaseCancelled}
		m.sessionOpen = false
		if open {
			return command{kind: commandAbort}, nil
		}
		return command{kind: commandNone}, nil
	case eventStart:
		if from.Phase == PhaseIdle {
			m.state = State{Phase: PhaseHashing}
			return command{kind: commandHash}, nil
		}
	case eventHashed:
		if from.Phase == PhaseHashing {
			m.state = State{Phase: PhaseInitiating}
			return command{kind: commandInitiate}, nil
		}
	case eventInitiated:
		if from.Phase == PhaseInitiating {
			m.sessionOpen = true
			return m.advanceTo(0), nil
		}
	case eventChunkAcked:
		if from.Phase == PhaseUploading {
			m.acked = from.Chunk + 1
			return m.advanceTo(m.acked), nil
		}
	case eventCompleted:
		if from.Phase == PhaseFinalizing {
			m.state = State{Phase: PhaseCompleted}
			m.sessionOpen = false
			m.percent = 100
			return command{kind: commandNone}, nil
		}
	}

	return command{}, fmt.Errorf("invalid transition: %s in state %s", ev.kind, from)
}

// advanceTo moves to the upload of chunk next, or to finalizing once every chunk is acknowledged.
// Finalizing keeps the last percentage: 100 is reserved for Completed.
func (m *machine) advanceTo(next int) command {
	if next >= m.total {
		m.state = State{Phase: PhaseFinalizing}
		return command{kind: commandComplete}
	}

	m.state = State{Phase: PhaseUploading, Chunk: next}
	m.percent = float64(next) / float64(m.total) * 100
	return command{kind: commandSendChunk, chunk: next}
}

func (m *machine) progress() Progress {
	p := Progress{
		State:       m.state,
		Percent:     m.percent,
		ChunksSent:  m.acked,
		TotalChunks: m.total,
	}

	switch m.state.Phase {
	case PhaseIdle:
		p.Status = "idle"
	case PhaseHashing:
		p.Status = "computing hash"
		p.Preparing = true
	case PhaseInitiating:
		p.Status = "initiating session"
		p.Preparing = true
	case PhaseUploading:
		p.Status = fmt.Sprintf("uploading chunk %d of %d", m.state.Chunk+1, m.total)
	case PhaseFinalizing:
		p.Status = "finalizing"
	case PhaseCompleted:
		p.Status = "completed"
	case PhaseFailed:
		p.Status = "failed"
		if m.state.Err != nil {
			p.Status = "failed: " + m.state.Err.Error()
		}
	case PhaseCancelled:
		p.Status = "cancelled"
	}

	return p
}
