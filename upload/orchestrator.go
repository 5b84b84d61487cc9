package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-scanupload/upload/chunk"
	"github.com/bitrise-io/go-scanupload/upload/digest"
	"github.com/bitrise-io/go-scanupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/bitrise-io/go-scanupload/upload"

	// DefaultReadAhead is the number of chunks read ahead of the one being sent.
	DefaultReadAhead = 1
	// DefaultAbortTimeout bounds the best-effort abort of a cancelled session.
	DefaultAbortTimeout = 10 * time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHasher replaces the SHA-256 hasher.
func WithHasher(hasher digest.Hasher) Option {
	return func(o *Orchestrator) {
		o.hasher = hasher
	}
}

// WithReporter sets the progress sink.
func WithReporter(reporter Reporter) Option {
	return func(o *Orchestrator) {
		o.reporter = reporter
	}
}

// WithCallbacks sets the terminal notifications.
func WithCallbacks(callbacks Callbacks) Option {
	return func(o *Orchestrator) {
		o.callbacks = callbacks
	}
}

// WithReadAhead sets how many chunks may be read before they are sent. 0 reads each chunk on demand.
func WithReadAhead(depth int) Option {
	return func(o *Orchestrator) {
		o.readAhead = depth
	}
}

// WithTracker enables analytics events for finished attempts.
func WithTracker(tracker analytics.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = uploadTracker{tracker: tracker}
	}
}

// WithAbortTimeout bounds the abort request sent for a cancelled session.
func WithAbortTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.abortTimeout = timeout
	}
}

// Orchestrator drives upload attempts against a Session. One attempt runs at a time per instance.
type Orchestrator struct {
	session      network.Session
	logger       log.Logger
	hasher       digest.Hasher
	reporter     Reporter
	callbacks    Callbacks
	tracker      uploadTracker
	tracer       trace.Tracer
	readAhead    int
	abortTimeout time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	state   State
}

// New ...
func New(session network.Session, logger log.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session:      session,
		logger:       logger,
		hasher:       digest.SHA256Hasher{},
		reporter:     nopReporter{},
		tracer:       otel.Tracer(tracerName),
		readAhead:    DefaultReadAhead,
		abortTimeout: DefaultAbortTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.reporter == nil {
		o.reporter = nopReporter{}
	}
	return o
}

// State returns the state of the current or last attempt.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Cancel stops the attempt in progress. It is a no-op when the orchestrator is idle.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// UploadFile runs one attempt and blocks until it reaches a terminal state.
//
// Cancelling ctx is the same as calling Cancel. Every failure is reported through the returned Outcome and
// Callbacks.OnError; a cancelled attempt reports neither callback.
func (o *Orchestrator) UploadFile(ctx context.Context, target Target) Outcome {
	attemptCtx, err := o.begin(ctx)
	if err != nil {
		o.logger.Warnf("%s: %s", target.FileName, err)
		if o.callbacks.OnError != nil {
			o.callbacks.OnError(err.Error())
		}
		return Outcome{State: State{Phase: PhaseFailed, Err: err}, Err: err}
	}
	defer o.end()

	a := &attempt{
		o:       o,
		target:  target,
		machine: newMachine(0),
		stats:   chunk.NewStats(),
	}
	return a.run(attemptCtx)
}

func (o *Orchestrator) begin(ctx context.Context) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil, ErrAttemptInProgress
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	o.state = State{Phase: PhaseIdle}
	return attemptCtx, nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cancel()
	o.cancel = nil
	o.running = false
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = state
}

// attempt is the mutable session data of one UploadFile call. It is discarded when the call returns.
type attempt struct {
	o       *Orchestrator
	target  Target
	plan    chunk.Plan
	machine *machine
	stats   *chunk.Stats
	source  chunk.Source

	sessionID string
	digest    digest.Digest
	payload   json.RawMessage
	started   time.Time
}

func (a *attempt) run(ctx context.Context) Outcome {
	a.started = time.Now()

	ctx, span := a.o.tracer.Start(ctx, "upload.attempt", trace.WithAttributes(
		attribute.String("upload.file_name", a.target.FileName),
		attribute.Int64("upload.file_size", a.target.Size),
		attribute.Int64("upload.chunk_size", a.target.ChunkSize),
	))
	defer span.End()
	defer a.closeSource()

	cmd := a.start()
	for cmd.kind != commandNone {
		cmd = a.execute(ctx, cmd)
	}

	outcome := a.outcome()
	if outcome.Err != nil {
		recordSpanError(span, outcome.Err)
	}
	span.SetAttributes(
		attribute.String("upload.state", outcome.State.String()),
		attribute.Int("upload.chunks_sent", outcome.ChunksSent),
	)

	a.finish(outcome)
	return outcome
}

func (a *attempt) start() command {
	if err := a.target.validate(); err != nil {
		return a.transition(event{kind: eventFailed, err: err})
	}

	plan, err := a.target.plan()
	if err != nil {
		return a.transition(event{kind: eventFailed, err: invalidTarget("%s", err)})
	}
	a.plan = plan
	a.machine = newMachine(plan.TotalChunks)

	a.o.logger.Debugf("Uploading %s (%s) in %d chunk(s) of at most %s",
		a.target.FileName,
		units.HumanSizeWithPrecision(float64(a.target.Size), 3),
		plan.TotalChunks,
		units.HumanSizeWithPrecision(float64(plan.ChunkSize), 3),
	)

	return a.transition(event{kind: eventStart})
}

func (a *attempt) execute(ctx context.Context, cmd command) command {
	switch cmd.kind {
	case commandHash:
		return a.hash(ctx)
	case commandInitiate:
		return a.initiate(ctx)
	case commandSendChunk:
		return a.sendChunk(ctx, cmd.chunk)
	case commandComplete:
		return a.complete(ctx)
	case commandAbort:
		a.abort()
	}
	return command{kind: commandNone}
}

// transition applies ev and reports the new state.
func (a *attempt) transition(ev event) command {
	cmd, err := a.machine.apply(ev)
	if err != nil {
		a.o.logger.Errorf("Upload of %s: %s", a.target.FileName, err)
		a.machine.state = State{Phase: PhaseFailed, Err: err}
		cmd = command{kind: commandNone}
	}

	a.o.setState(a.machine.state)
	a.o.reporter.Report(a.machine.progress())
	return cmd
}

func (a *attempt) hash(ctx context.Context) command {
	if isCancelled(ctx) {
		return a.transition(event{kind: eventCancelled})
	}

	ctx, span := a.o.tracer.Start(ctx, "upload.hash")
	defer span.End()

	startTime := time.Now()
	content := &countingReader{r: io.NewSectionReader(a.target.File, 0, a.target.Size)}
	d, err := a.o.hasher.Hash(ctx, content)
	if err == nil && content.n != a.target.Size {
		err = fmt.Errorf("read %d of %d bytes, the file changed", content.n, a.target.Size)
	}
	if err != nil {
		if isCancelled(ctx) {
			return a.transition(event{kind: eventCancelled})
		}
		uploadErr := hashError(err)
		recordSpanError(span, uploadErr)
		return a.transition(event{kind: eventFailed, err: uploadErr})
	}

	a.digest = d
	a.o.logger.Debugf("Computed %s in %s", d, time.Since(startTime).Round(time.Millisecond))
	return a.transition(event{kind: eventHashed})
}

func (a *attempt) initiate(ctx context.Context) command {
	if isCancelled(ctx) {
		return a.transition(event{kind: eventCancelled})
	}

	ctx, span := a.o.tracer.Start(ctx, "upload.initiate")
	defer span.End()

	sessionID, err := a.o.session.Initiate(ctx, network.InitiateRequest{
		FileName:      a.target.FileName,
		FileSizeBytes: a.target.Size,
		FileHash:      a.digest.Base64(),
		TotalChunks:   a.plan.TotalChunks,
	})
	if err != nil {
		return a.fail(ctx, span, network.OpInitiate, err)
	}

	a.sessionID = sessionID
	span.SetAttributes(attribute.String("upload.session_id", sessionID))
	a.o.logger.Debugf("Upload session %s opened", sessionID)
	return a.transition(event{kind: eventInitiated})
}

func (a *attempt) sendChunk(ctx context.Context, index int) command {
	if isCancelled(ctx) {
		return a.transition(event{kind: eventCancelled})
	}

	if a.source == nil {
		a.source = a.newSource(ctx)
	}
	d, err := a.source.Next()
	if err == nil && d.Index != index {
		err = fmt.Errorf("expected chunk %d, read chunk %d", index, d.Index)
	}
	if err != nil {
		if isCancelled(ctx) {
			return a.transition(event{kind: eventCancelled})
		}
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("chunk %d is missing: %w", index, io.ErrUnexpectedEOF)
		}
		return a.transition(event{kind: eventFailed, err: hashError(err)})
	}

	ctx, span := a.o.tracer.Start(ctx, "upload.chunk", trace.WithAttributes(
		attribute.Int("upload.chunk.index", index),
		attribute.Int64("upload.chunk.size", d.Range.Length),
	))
	defer span.End()

	startTime := time.Now()
	if err := a.o.session.SendChunk(ctx, a.sessionID, index, d.Payload); err != nil {
		return a.fail(ctx, span, network.OpChunk, err)
	}
	a.stats.Update(time.Since(startTime), d.Range.Length)

	a.o.logger.Debugf("Chunk %d/%d (%s) acknowledged", index+1, a.plan.TotalChunks,
		units.HumanSizeWithPrecision(float64(d.Range.Length), 3))
	return a.transition(event{kind: eventChunkAcked})
}

func (a *attempt) complete(ctx context.Context) command {
	if isCancelled(ctx) {
		return a.transition(event{kind: eventCancelled})
	}

	ctx, span := a.o.tracer.Start(ctx, "upload.complete")
	defer span.End()

	payload, err := a.o.session.Complete(ctx, a.sessionID)
	if err != nil {
		return a.fail(ctx, span, network.OpComplete, err)
	}

	a.payload = payload
	return a.transition(event{kind: eventCompleted})
}

// abort runs on a fresh context: the attempt's own context is already cancelled.
func (a *attempt) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), a.o.abortTimeout)
	defer cancel()

	if err := a.o.session.Abort(ctx, a.sessionID); err != nil {
		a.o.logger.Warnf("Failed to abort upload session %s: %s", a.sessionID, err)
		return
	}
	a.o.logger.Debugf("Upload session %s aborted", a.sessionID)
}

func (a *attempt) fail(ctx context.Context, span trace.Span, op network.Op, err error) command {
	if isCancelled(ctx) {
		return a.transition(event{kind: eventCancelled})
	}

	uploadErr := classify(op, err)
	recordSpanError(span, uploadErr)
	return a.transition(event{kind: eventFailed, err: uploadErr})
}

func (a *attempt) newSource(ctx context.Context) chunk.Source {
	reader := chunk.NewReader(a.target.File, a.plan)
	if a.o.readAhead <= 0 {
		return chunk.NewSequentialSource(reader)
	}
	return chunk.NewPrefetcher(ctx, reader, a.o.readAhead)
}

func (a *attempt) closeSource() {
	if a.source == nil {
		return
	}
	if err := a.source.Close(); err != nil {
		a.o.logger.Debugf("Close chunk source: %s", err)
	}
}

func (a *attempt) outcome() Outcome {
	outcome := Outcome{
		State:       a.machine.state,
		SessionID:   a.sessionID,
		Digest:      a.digest,
		ChunksSent:  a.machine.acked,
		TotalChunks: a.machine.total,
		Duration:    time.Since(a.started),
	}

	switch outcome.State.Phase {
	case PhaseCompleted:
		outcome.Payload = a.payload
	case PhaseFailed:
		outcome.Err = outcome.State.Err
	}
	return outcome
}

func (a *attempt) finish(outcome Outcome) {
	switch outcome.State.Phase {
	case PhaseCompleted:
		if a.stats.FinishedCount() > 0 {
			a.o.logger.Debugf("Sent %d chunk(s) in %s, %s on average, %s/s",
				a.stats.FinishedCount(),
				a.stats.TotalDuration().Round(time.Millisecond),
				a.stats.Average().Round(time.Millisecond),
				units.HumanSizeWithPrecision(a.stats.Throughput(), 3),
			)
		}
		if a.o.callbacks.OnComplete != nil {
			a.o.callbacks.OnComplete(outcome.Payload)
		}
	case PhaseFailed:
		if a.o.callbacks.OnError != nil {
			a.o.callbacks.OnError(outcome.Err.Error())
		}
	}

	a.o.tracker.logOutcome(outcome, a.target.Size, a.target.ChunkSize)
}

// isCancelled reports whether the attempt was cancelled. An expired deadline is not a cancellation.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func isCancelled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
