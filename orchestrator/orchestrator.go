// Package orchestrator composes transport, parser, progress tracking, and
// the session state machine into one streaming API. A single event-loop
// goroutine serializes every transport callback, timer, and control
// request, so session state has exactly one writer; everything handed to
// subscribers is a copied snapshot.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Inutilepat83/OSI-Cards-sub006/card"
	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/metric"
	"github.com/Inutilepat83/OSI-Cards-sub006/offload"
	"github.com/Inutilepat83/OSI-Cards-sub006/parser"
	"github.com/Inutilepat83/OSI-Cards-sub006/progress"
	"github.com/Inutilepat83/OSI-Cards-sub006/session"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport/mock"
	"github.com/prometheus/client_golang/prometheus"
)

// ChangeType classifies one card update for consumers that render
// incrementally.
type ChangeType string

const (
	// ChangeInitial is the first update carrying any card content
	ChangeInitial ChangeType = "initial"
	// ChangeStructural means at least one section completed
	ChangeStructural ChangeType = "structural"
	// ChangeContent means existing content grew without completing a section
	ChangeContent ChangeType = "content"
	// ChangeComplete is the final update of a session
	ChangeComplete ChangeType = "complete"
)

// CardStreamUpdate is what the rendering layer consumes
type CardStreamUpdate struct {
	Card              *card.Card
	ChangeType        ChangeType
	CompletedSections []int
	IsComplete        bool
	ParseResult       parser.Result
}

// DocumentOptions tunes document-driven streaming
type DocumentOptions struct {
	// ChunkSize in bytes per replayed chunk; 0 uses a small default
	ChunkSize int
	// Delay between chunks; ignored when Instant is set
	Delay time.Duration
	// Instant delivers the whole document with no pacing
	Instant bool
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics wires engine metrics into the registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *Orchestrator) {
		o.registry = registry
		o.metrics = registry.CoreMetrics()
	}
}

// WithOffloader routes parse-adjacent operations through the worker pool
func WithOffloader(off *offload.Offloader) Option {
	return func(o *Orchestrator) { o.offloader = off }
}

// Orchestrator drives one streaming session at a time
type Orchestrator struct {
	factory   *transport.Factory
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	metrics   *metric.Metrics
	offloader *offload.Offloader

	updates   *transport.Emitter[CardStreamUpdate]
	progressE *transport.Emitter[progress.Snapshot]
	sessions  *transport.Emitter[session.Session]

	mu      sync.Mutex
	active  bool
	tr      transport.Transport
	machine *session.Machine
	parse   *parser.Parser
	tracker *progress.Tracker
	record  *session.Session
	control chan func()
	done    chan struct{}
	cancel  context.CancelFunc

	// event-loop-local state, touched only by the loop goroutine
	sawContent bool
	finished   bool
}

// New creates an orchestrator around a transport factory
func New(factory *transport.Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		factory:   factory,
		logger:    slog.Default(),
		updates:   transport.NewEmitter[CardStreamUpdate](false),
		progressE: transport.NewEmitter[progress.Snapshot](true),
		sessions:  transport.NewEmitter[session.Session](false),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Updates subscribes to card updates
func (o *Orchestrator) Updates() (<-chan CardStreamUpdate, func()) {
	return o.updates.Subscribe()
}

// Progress subscribes to progress snapshots; the latest snapshot is
// replayed to new subscribers.
func (o *Orchestrator) Progress() (<-chan progress.Snapshot, func()) {
	return o.progressE.Subscribe()
}

// Sessions subscribes to sealed session records
func (o *Orchestrator) Sessions() (<-chan session.Session, func()) {
	return o.sessions.Subscribe()
}

// SessionState returns the state-machine state, idle when no session runs
func (o *Orchestrator) SessionState() session.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.machine == nil {
		return session.StateIdle
	}
	return o.machine.State()
}

// SessionContext returns a copy of the machine context
func (o *Orchestrator) SessionContext() session.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.machine == nil {
		return session.Context{State: session.StateIdle}
	}
	return o.machine.Context()
}

// ConnectionStatus returns the transport status when a session is active
func (o *Orchestrator) ConnectionStatus() (transport.ConnectionStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tr == nil {
		return transport.ConnectionStatus{}, false
	}
	return o.tr.Status(), true
}

// StartStream connects to the configured endpoint and begins streaming.
// With an explicit protocol the factory builds exactly that transport;
// otherwise it walks the fallback chain.
func (o *Orchestrator) StartStream(ctx context.Context, cfg config.Stream) error {
	if err := cfg.Validate(); err != nil {
		return errors.WrapInvalid(err, "orchestrator", "StartStream", "validate config")
	}

	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "orchestrator", "StartStream", "check session")
	}
	o.active = true
	machine := session.NewMachine(cfg.MaxReconnectAttempts, o.logger)
	o.machine = machine
	o.mu.Unlock()

	machine.Send(session.EventConnect)

	var (
		tr  transport.Transport
		err error
	)
	if cfg.Protocol != "" {
		tr, err = o.factory.New(cfg)
		if err == nil {
			// Connect paused so chunks emitted before the event loop
			// subscribes are held, not lost
			tr.Pause()
			err = tr.Connect(ctx)
			if err != nil {
				tr.Destroy()
			}
		}
	} else {
		tr, err = o.factory.CreateWithFallback(ctx, cfg)
	}
	if err != nil {
		machine.Send(session.EventConnectionFailed, session.WithError(err))
		o.mu.Lock()
		o.active = false
		o.machine = nil
		o.mu.Unlock()
		return err
	}

	o.begin(tr, cfg, machine)
	return nil
}

// StartFromDocument streams an already-complete card document through the
// normal pipeline by replaying it on the mock transport. This is the
// simulation path for demos and tests; nothing downstream can tell the
// difference.
func (o *Orchestrator) StartFromDocument(ctx context.Context, text string, opts DocumentOptions) error {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "orchestrator", "StartFromDocument", "check session")
	}
	o.active = true
	cfg := config.Default()
	cfg.Protocol = config.ProtocolMock
	machine := session.NewMachine(cfg.MaxReconnectAttempts, o.logger)
	o.machine = machine
	o.mu.Unlock()

	delay := opts.Delay
	if opts.Instant {
		delay = 0
	} else if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	script := mock.ScriptFromDocument([]byte(text), opts.ChunkSize, delay)
	script.Instant = opts.Instant

	tr := mock.NewWithScript(cfg, transport.Options{
		Logger:  o.logger,
		Metrics: o.registry,
	}, script)

	machine.Send(session.EventConnect)
	tr.Pause()
	if err := tr.Connect(ctx); err != nil {
		machine.Send(session.EventConnectionFailed, session.WithError(err))
		tr.Destroy()
		o.mu.Lock()
		o.active = false
		o.machine = nil
		o.mu.Unlock()
		return err
	}

	o.begin(tr, cfg, machine)
	return nil
}

// begin installs the session plumbing and starts the event loop
func (o *Orchestrator) begin(tr transport.Transport, cfg config.Stream, machine *session.Machine) {
	tracker := progress.NewTracker()
	tracker.Start()
	tracker.MarkConnected()

	record := session.NewRecord(cfg.URL, tr.Protocol())

	loopCtx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.tr = tr
	o.parse = parser.New()
	o.tracker = tracker
	o.record = record
	o.control = make(chan func(), 16)
	o.done = make(chan struct{})
	o.cancel = cancel
	o.sawContent = false
	o.finished = false
	control, done := o.control, o.done
	o.mu.Unlock()

	machine.Send(session.EventConnected)

	if o.metrics != nil {
		o.metrics.SessionsActive.Inc()
	}
	o.publishProgress()

	ready := make(chan struct{})
	go o.run(loopCtx, tr, machine, control, done, ready)

	// The transport connected paused; release chunk delivery only once the
	// event loop has its subscriptions in place
	<-ready
	tr.Resume()
}

// run is the event loop: the one writer for parser, tracker, and machine
func (o *Orchestrator) run(ctx context.Context, tr transport.Transport, machine *session.Machine, control chan func(), done chan struct{}, ready chan<- struct{}) {
	defer close(done)

	chunks, cancelChunks := tr.SubscribeChunks()
	states, cancelStates := tr.SubscribeStates()
	errs, cancelErrs := tr.SubscribeErrors()
	defer cancelChunks()
	defer cancelStates()
	defer cancelErrs()

	close(ready)

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-control:
			fn()
			if o.finished {
				return
			}
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			o.handleChunk(machine, chunk)
		case st, ok := <-states:
			if !ok {
				return
			}
			// A terminal state can arrive while chunks still sit in the
			// subscription buffer; parse them before deciding the outcome
			if st == transport.StateDisconnected || st == transport.StateError {
				o.drainChunks(machine, chunks)
			}
			o.handleTransportState(machine, st)
			if o.finished {
				return
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			o.handleTransportError(machine, err)
			if o.finished {
				return
			}
		}
	}
}

// drainChunks consumes every chunk already delivered to the subscription
// without blocking for new ones
func (o *Orchestrator) drainChunks(machine *session.Machine, chunks <-chan transport.Chunk) {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			o.handleChunk(machine, chunk)
		default:
			return
		}
	}
}

// handleChunk runs the per-chunk pipeline: state machine, progress,
// parser, then an emitted update.
func (o *Orchestrator) handleChunk(machine *session.Machine, chunk transport.Chunk) {
	tr := machine.Send(session.EventChunkReceived, session.WithBytes(int64(chunk.ByteSize)))
	if !tr.Applied {
		// Terminal or paused-out state; drop silently after reporting
		return
	}

	o.tracker.RecordChunk(chunk.ByteSize)

	start := time.Now()
	res := o.parse.Feed(chunk.Data)
	if o.metrics != nil {
		o.metrics.ParseDuration.With(prometheus.Labels{"operation": "feed"}).
			Observe(time.Since(start).Seconds())
	}

	for _, idx := range res.NewlyCompletedSections {
		title := ""
		if res.Card != nil && idx < len(res.Card.Sections) {
			title = res.Card.Sections[idx].Title
		}
		o.tracker.SectionCompleted(idx, title)
		if o.metrics != nil {
			o.metrics.SectionsCompleted.With(prometheus.Labels{"session": o.record.ID}).Inc()
		}
	}
	if len(res.NewlyCompletedSections) > 0 {
		machine.Send(session.EventChunkReceived,
			session.WithSections(res.CompleteSections))
	}

	o.emitUpdate(res, false)
	o.publishProgress()
}

// handleTransportState maps connection-level states onto session events
func (o *Orchestrator) handleTransportState(machine *session.Machine, st transport.ConnectionState) {
	switch st {
	case transport.StateReconnecting:
		machine.Send(session.EventReconnect)
	case transport.StateConnected:
		if machine.State() == session.StateReconnecting {
			machine.Send(session.EventReconnectSuccess)
		}
	case transport.StateDisconnected:
		switch machine.State() {
		case session.StateStreaming, session.StateThinking, session.StatePaused, session.StateBuffering:
			// A clean close mid-stream means the producer finished
			o.finalize(machine)
		}
	case transport.StateError:
		switch machine.State() {
		case session.StateReconnecting:
			machine.Send(session.EventReconnectFailed)
			o.fail(machine, nil)
		case session.StateStreaming, session.StateThinking, session.StateBuffering, session.StateConnecting:
			o.fail(machine, nil)
		}
	}
}

// handleTransportError records an error; terminal failures end the session
func (o *Orchestrator) handleTransportError(machine *session.Machine, err error) {
	o.record.RecordError(err)
	if o.metrics != nil {
		o.metrics.ErrorsTotal.With(prometheus.Labels{
			"component": "orchestrator",
			"kind":      string(errors.KindOf(err)),
		}).Inc()
	}

	if errors.IsTransient(err) {
		// The transport is still retrying; the matching state change
		// arrives on the state channel
		o.logger.Debug("transient transport error", "error", err)
		return
	}
	o.fail(machine, err)
}

// finalize runs the best-effort final parse and completes the session
func (o *Orchestrator) finalize(machine *session.Machine) {
	o.tracker.MarkFinalizing()

	start := time.Now()
	res := o.parse.Finalize()
	if o.metrics != nil {
		o.metrics.ParseDuration.With(prometheus.Labels{"operation": "finalize"}).
			Observe(time.Since(start).Seconds())
	}

	for _, idx := range res.NewlyCompletedSections {
		title := ""
		if res.Card != nil && idx < len(res.Card.Sections) {
			title = res.Card.Sections[idx].Title
		}
		o.tracker.SectionCompleted(idx, title)
	}

	// COMPLETE only has edges from streaming and paused. A producer that
	// opened and closed without sending anything is a zero-length stream;
	// walk it through streaming so the machine lands in complete rather
	// than stranding in thinking. Buffering clears first for the same
	// reason.
	switch machine.State() {
	case session.StateThinking:
		machine.Send(session.EventStartStreaming)
	case session.StateBuffering:
		machine.Send(session.EventBufferCleared)
	}
	machine.Send(session.EventComplete)
	o.tracker.MarkComplete()

	if o.offloader != nil && res.Card != nil {
		resp := o.offloader.Execute(context.Background(), offload.Request{
			Type: offload.OpValidateCard,
			Card: res.Card,
		})
		if issues, ok := resp.Result.([]string); ok && len(issues) > 0 {
			o.logger.Warn("final card has structural issues",
				"count", len(issues), "first", issues[0])
		}
	}

	o.emitUpdate(res, true)
	o.publishProgress()
	o.seal(machine, res.Card, "complete")
}

// fail moves the session to error and seals the record with partial data
func (o *Orchestrator) fail(machine *session.Machine, err error) {
	if err != nil {
		machine.Send(session.EventError, session.WithError(err))
	} else {
		machine.Send(session.EventError)
	}
	o.tracker.MarkError()
	o.publishProgress()

	res := o.parse.Finalize()
	o.seal(machine, res.Card, "error")
}

// seal freezes the session record, emits it, and tears down
func (o *Orchestrator) seal(machine *session.Machine, finalCard *card.Card, outcome string) {
	o.record.Seal(machine.Context(), finalCard)
	o.sessions.Publish(o.record.Snapshot())

	if o.metrics != nil {
		o.metrics.SessionsActive.Dec()
		o.metrics.SessionsTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
	}

	o.finished = true

	o.mu.Lock()
	tr := o.tr
	o.tr = nil
	o.active = false
	o.mu.Unlock()

	if tr != nil {
		go tr.Destroy()
	}
}

// emitUpdate publishes one card update with a computed change type
func (o *Orchestrator) emitUpdate(res parser.Result, final bool) {
	if res.Card == nil && !final {
		return
	}

	changeType := ChangeContent
	switch {
	case final:
		changeType = ChangeComplete
	case !o.sawContent:
		changeType = ChangeInitial
	case len(res.NewlyCompletedSections) > 0:
		changeType = ChangeStructural
	}
	if res.Card != nil {
		o.sawContent = true
	}

	completed := make([]int, 0, res.CompleteSections)
	if res.Card != nil {
		for i := range res.Card.Sections {
			completed = append(completed, i)
		}
	}

	o.updates.Publish(CardStreamUpdate{
		Card:              res.Card,
		ChangeType:        changeType,
		CompletedSections: completed,
		IsComplete:        final,
		ParseResult:       res,
	})
}

func (o *Orchestrator) publishProgress() {
	o.mu.Lock()
	tracker := o.tracker
	o.mu.Unlock()
	if tracker != nil {
		o.progressE.Publish(tracker.Snapshot())
	}
}

// post runs fn on the event loop; falls back to inline execution when the
// loop already exited.
func (o *Orchestrator) post(fn func()) bool {
	o.mu.Lock()
	control, done := o.control, o.done
	o.mu.Unlock()
	if control == nil {
		return false
	}
	select {
	case control <- fn:
		return true
	case <-done:
		return false
	}
}

// Pause suspends chunk delivery and marks the session paused
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	machine, tr := o.machine, o.tr
	o.mu.Unlock()
	if machine == nil || tr == nil {
		return
	}
	o.post(func() {
		if machine.Send(session.EventPause).Applied {
			tr.Pause()
		}
	})
}

// Resume releases a paused session
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	machine, tr := o.machine, o.tr
	o.mu.Unlock()
	if machine == nil || tr == nil {
		return
	}
	o.post(func() {
		if machine.Send(session.EventResume).Applied {
			tr.Resume()
		}
	})
}

// Stop aborts the session from any state: disconnect, abort unless idle,
// reset progress, seal and emit the record. Safe to call repeatedly.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	machine := o.machine
	tr := o.tr
	tracker := o.tracker
	record := o.record
	cancel := o.cancel
	done := o.done
	o.tr = nil
	o.active = false
	o.control = nil
	o.cancel = nil
	o.mu.Unlock()

	if machine == nil {
		return
	}

	// Kill the event loop before touching the transport: Disconnect
	// publishes a disconnected state, and a live loop would read that as
	// the producer finishing and seal the session complete instead of
	// aborted. Exiting the loop also cancels its chunk subscription, which
	// releases a producer blocked on delivery.
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if tr != nil {
		tr.Disconnect("stopped by caller")
	}

	if machine.State() != session.StateIdle {
		machine.Send(session.EventAbort)
	}
	if tracker != nil {
		tracker.Reset()
		o.publishProgress()
	}
	if record != nil && !record.Sealed() {
		record.Seal(machine.Context(), nil)
		o.sessions.Publish(record.Snapshot())
		if o.metrics != nil {
			o.metrics.SessionsActive.Dec()
			o.metrics.SessionsTotal.With(prometheus.Labels{"outcome": "aborted"}).Inc()
		}
	}
	if tr != nil {
		tr.Destroy()
	}
}

// Close stops any active session and completes all subscriber channels
func (o *Orchestrator) Close() {
	o.Stop()
	o.updates.Close()
	o.progressE.Close()
	o.sessions.Close()
}
