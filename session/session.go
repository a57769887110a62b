// Package session implements the authoritative lifecycle state machine for
// one streaming attempt. Transitions are table-driven with a single guard
// on reconnection attempts; events with no matching transition are
// reported no-ops, never failures.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is one lifecycle state. Idle is both the initial state and the
// target of every RESET.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateThinking     State = "thinking"
	StateStreaming    State = "streaming"
	StatePaused       State = "paused"
	StateBuffering    State = "buffering"
	StateComplete     State = "complete"
	StateError        State = "error"
	StateAborted      State = "aborted"
	StateReconnecting State = "reconnecting"
)

// Event drives the machine
type Event string

const (
	EventConnect          Event = "CONNECT"
	EventConnected        Event = "CONNECTED"
	EventConnectionFailed Event = "CONNECTION_FAILED"
	EventStartThinking    Event = "START_THINKING"
	EventStartStreaming   Event = "START_STREAMING"
	EventChunkReceived    Event = "CHUNK_RECEIVED"
	EventPause            Event = "PAUSE"
	EventResume           Event = "RESUME"
	EventBufferOverflow   Event = "BUFFER_OVERFLOW"
	EventBufferCleared    Event = "BUFFER_CLEARED"
	EventComplete         Event = "COMPLETE"
	EventError            Event = "ERROR"
	EventAbort            Event = "ABORT"
	EventReconnect        Event = "RECONNECT"
	EventReconnectSuccess Event = "RECONNECT_SUCCESS"
	EventReconnectFailed  Event = "RECONNECT_FAILED"
	EventReset            Event = "RESET"
)

// BufferState describes chunk-buffer health as seen by the machine
type BufferState string

const (
	BufferNormal   BufferState = "normal"
	BufferOverflow BufferState = "overflow"
)

// Context is the single mutable record for one session. Every applied
// transition replaces it atomically before observers run; snapshots
// handed out are copies.
type Context struct {
	State             State          `json:"state"`
	PreviousState     State          `json:"previous_state"`
	ChunksReceived    int64          `json:"chunks_received"`
	BytesReceived     int64          `json:"bytes_received"`
	TotalBytes        int64          `json:"total_bytes,omitempty"`
	SectionsCompleted int            `json:"sections_completed"`
	TotalSections     int            `json:"total_sections,omitempty"`
	StartTime         time.Time      `json:"start_time,omitzero"`
	FirstChunkTime    time.Time      `json:"first_chunk_time,omitzero"`
	ReconnectAttempts int            `json:"reconnect_attempts"`
	MaxReconnect      int            `json:"max_reconnect_attempts"`
	ErrorCount        int            `json:"error_count"`
	IsPausedByUser    bool           `json:"is_paused_by_user"`
	BufferState       BufferState    `json:"buffer_state"`
	PartialData       string         `json:"-"`
	LastError         error          `json:"-"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func (c Context) clone() Context {
	out := c
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Transition reports the outcome of one Send. Applied is false for
// reported no-ops.
type Transition struct {
	From    State
	To      State
	Event   Event
	Applied bool
	At      time.Time
	Context Context
}

// Input carries optional event payload
type Input struct {
	Bytes    int64
	Sections int
	Err      error
}

// Option attaches payload to an event
type Option func(*Input)

// WithBytes records the byte size of a received chunk
func WithBytes(n int64) Option {
	return func(in *Input) { in.Bytes = n }
}

// WithSections records the cumulative completed-section count
func WithSections(n int) Option {
	return func(in *Input) { in.Sections = n }
}

// WithError attaches the triggering error
func WithError(err error) Option {
	return func(in *Input) { in.Err = err }
}

type transitionKey struct {
	from  State
	event Event
}

// transitions holds every explicit edge. The universal RESET escape and
// the reconnect guard are handled in Send.
var transitions = map[transitionKey]State{
	{StateIdle, EventConnect}:                StateConnecting,
	{StateConnecting, EventConnected}:        StateThinking,
	{StateConnecting, EventConnectionFailed}: StateError,
	{StateConnecting, EventAbort}:            StateIdle,
	{StateConnecting, EventReconnect}:        StateReconnecting,
	{StateThinking, EventStartStreaming}:     StateStreaming,
	{StateThinking, EventChunkReceived}:      StateStreaming,
	{StateThinking, EventError}:              StateError,
	{StateThinking, EventAbort}:              StateAborted,
	{StateStreaming, EventChunkReceived}:     StateStreaming,
	{StateStreaming, EventPause}:             StatePaused,
	{StateStreaming, EventBufferOverflow}:    StateBuffering,
	{StateStreaming, EventComplete}:          StateComplete,
	{StateStreaming, EventError}:             StateError,
	{StateStreaming, EventAbort}:             StateAborted,
	{StateStreaming, EventReconnect}:         StateReconnecting,
	{StatePaused, EventResume}:               StateStreaming,
	{StatePaused, EventComplete}:             StateComplete,
	{StatePaused, EventAbort}:                StateAborted,
	{StateBuffering, EventBufferCleared}:     StateStreaming,
	{StateBuffering, EventError}:             StateError,
	{StateBuffering, EventAbort}:             StateAborted,
	{StateError, EventReconnect}:             StateReconnecting,
	{StateError, EventReset}:                 StateIdle,
	{StateAborted, EventReset}:               StateIdle,
	{StateReconnecting, EventReconnectSuccess}: StateThinking,
	{StateReconnecting, EventReconnectFailed}:  StateError,
	{StateReconnecting, EventAbort}:            StateAborted,
	{StateComplete, EventReset}:                StateIdle,
}

// Machine is the state machine for one session
type Machine struct {
	mu        sync.Mutex
	ctx       Context
	logger    *slog.Logger
	observers map[int]func(Transition)
	nextObs   int
	now       func() time.Time
}

// NewMachine creates a machine in idle with the given reconnect budget
func NewMachine(maxReconnectAttempts int, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		ctx: Context{
			State:        StateIdle,
			MaxReconnect: maxReconnectAttempts,
			BufferState:  BufferNormal,
		},
		logger:    logger.With("component", "session"),
		observers: make(map[int]func(Transition)),
		now:       time.Now,
	}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.State
}

// Context returns a copy of the current context
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.clone()
}

// Observe registers a transition observer. Observers run synchronously
// after the context is replaced; the returned function unregisters.
func (m *Machine) Observe(fn func(Transition)) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Send applies one event. An event with no matching transition for the
// current state returns Applied=false and leaves the context untouched.
func (m *Machine) Send(event Event, opts ...Option) Transition {
	var in Input
	for _, opt := range opts {
		opt(&in)
	}

	m.mu.Lock()

	from := m.ctx.State
	to, ok := m.target(from, event)
	if !ok {
		snapshot := m.ctx.clone()
		m.mu.Unlock()
		m.logger.Debug("ignored event with no matching transition",
			"state", from, "event", event)
		return Transition{From: from, To: from, Event: event, Applied: false, At: m.now(), Context: snapshot}
	}

	m.ctx.PreviousState = from
	m.ctx.State = to
	m.apply(event, in)

	tr := Transition{From: from, To: to, Event: event, Applied: true, At: m.now(), Context: m.ctx.clone()}
	observers := make([]func(Transition), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()

	for _, fn := range observers {
		fn(tr)
	}
	return tr
}

// target resolves the destination state, honoring the reconnect guard and
// the universal RESET escape.
func (m *Machine) target(from State, event Event) (State, bool) {
	if event == EventReset {
		if from == StateIdle {
			return from, false
		}
		return StateIdle, true
	}

	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return from, false
	}

	if from == StateError && event == EventReconnect &&
		m.ctx.ReconnectAttempts >= m.ctx.MaxReconnect {
		return from, false
	}
	return to, true
}

// apply updates derived context fields for an accepted event
func (m *Machine) apply(event Event, in Input) {
	switch event {
	case EventConnect:
		start := m.now()
		m.ctx = Context{
			State:         m.ctx.State,
			PreviousState: m.ctx.PreviousState,
			MaxReconnect:  m.ctx.MaxReconnect,
			Metadata:      m.ctx.Metadata,
			BufferState:   BufferNormal,
			StartTime:     start,
		}
	case EventChunkReceived:
		m.ctx.ChunksReceived++
		m.ctx.BytesReceived += in.Bytes
		if in.Sections > m.ctx.SectionsCompleted {
			m.ctx.SectionsCompleted = in.Sections
		}
		if m.ctx.FirstChunkTime.IsZero() {
			m.ctx.FirstChunkTime = m.now()
		}
	case EventPause:
		m.ctx.IsPausedByUser = true
	case EventResume:
		m.ctx.IsPausedByUser = false
	case EventBufferOverflow:
		m.ctx.BufferState = BufferOverflow
	case EventBufferCleared:
		m.ctx.BufferState = BufferNormal
	case EventConnectionFailed, EventError, EventReconnectFailed:
		m.ctx.ErrorCount++
		if in.Err != nil {
			m.ctx.LastError = in.Err
		}
	case EventReconnect:
		m.ctx.ReconnectAttempts++
	case EventReset:
		m.ctx = Context{
			State:         StateIdle,
			PreviousState: m.ctx.PreviousState,
			MaxReconnect:  m.ctx.MaxReconnect,
			BufferState:   BufferNormal,
		}
	}
}

// SetTotals records expected totals when the producer announces them
func (m *Machine) SetTotals(bytes int64, sections int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bytes > 0 {
		m.ctx.TotalBytes = bytes
	}
	if sections > 0 {
		m.ctx.TotalSections = sections
	}
}

// SetPartialData stores the latest raw buffer tail for diagnostics
func (m *Machine) SetPartialData(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.PartialData = data
}

// SetMetadata attaches one metadata entry
func (m *Machine) SetMetadata(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Metadata == nil {
		m.ctx.Metadata = make(map[string]any)
	}
	m.ctx.Metadata[key] = value
}

// CanSend reports whether an event would be applied in the current state
func (m *Machine) CanSend(event Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.target(m.ctx.State, event)
	return ok
}

// IsTerminal reports whether the state only leaves via RESET
func (s State) IsTerminal() bool {
	switch s {
	case StateComplete, StateAborted:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

func (e Event) String() string { return string(e) }

// String renders a transition for logs
func (t Transition) String() string {
	if !t.Applied {
		return fmt.Sprintf("%s --%s--> (no-op)", t.From, t.Event)
	}
	return fmt.Sprintf("%s --%s--> %s", t.From, t.Event, t.To)
}
