package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/metric"
	"github.com/Inutilepat83/OSI-Cards-sub006/pkg/retry"
)

// Base carries the connection bookkeeping shared by every transport
// implementation: state, counters, sequence assignment, the four
// notification emitters, and pause gating. Implementations embed *Base and
// provide only connection setup, framing, and duplex capability.
type Base struct {
	cfg      config.Stream
	protocol config.Protocol
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu                sync.Mutex
	state             ConnectionState
	sequence          int64
	bytesReceived     int64
	chunksReceived    int64
	reconnectAttempts int
	lastConnectedAt   time.Time
	latency           time.Duration
	destroyed         bool

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	chunks   *Emitter[Chunk]
	states   *Emitter[ConnectionState]
	statuses *Emitter[ConnectionStatus]
	errs     *Emitter[error]
}

// NewBase creates the shared bookkeeping for a transport. logger may be nil
// (slog.Default is used); registry may be nil to disable metrics.
func NewBase(cfg config.Stream, protocol config.Protocol, logger *slog.Logger, registry *metric.MetricsRegistry) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	var m *metric.Metrics
	if registry != nil {
		m = registry.CoreMetrics()
	}
	return &Base{
		cfg:      cfg,
		protocol: protocol,
		logger:   logger.With("protocol", string(protocol)),
		metrics:  m,
		state:    StateDisconnected,
		chunks:   NewLosslessEmitter[Chunk](),
		states:   NewEmitter[ConnectionState](true),
		statuses: NewEmitter[ConnectionStatus](true),
		errs:     NewEmitter[error](false),
	}
}

// Config returns the transport configuration
func (b *Base) Config() config.Stream { return b.cfg }

// Logger returns the transport's structured logger
func (b *Base) Logger() *slog.Logger { return b.logger }

// Protocol identifies the implementation
func (b *Base) Protocol() config.Protocol { return b.protocol }

// RetryConfig derives the backoff policy from the stream configuration
func (b *Base) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:    b.cfg.MaxReconnectAttempts,
		InitialDelay:   b.cfg.ReconnectBaseDelay,
		MaxDelay:       b.cfg.ReconnectMaxDelay,
		Multiplier:     2.0,
		JitterFraction: 0.10,
	}
}

// SetState records a connection-state change and publishes the new state
// plus a refreshed status snapshot.
func (b *Base) SetState(s ConnectionState) {
	b.mu.Lock()
	if b.destroyed || b.state == s {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = s
	if s == StateConnected {
		b.lastConnectedAt = time.Now()
	}
	status := b.statusLocked()
	b.mu.Unlock()

	b.logger.Debug("connection state changed", "from", string(prev), "to", string(s))
	b.states.Publish(s)
	b.statuses.Publish(status)
}

// State returns the current connection state
func (b *Base) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsConnected reports whether the transport is live
func (b *Base) IsConnected() bool {
	return b.State() == StateConnected
}

// EmitChunk assigns the next sequence number, updates counters, and
// publishes the chunk. Delivery blocks while the transport is paused and
// while any subscriber's buffer is full: chunk data is never dropped, the
// producer waits instead.
func (b *Base) EmitChunk(data, eventType, eventID string) {
	b.waitWhilePaused()

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.sequence++
	b.chunksReceived++
	b.bytesReceived += int64(len(data))
	chunk := Chunk{
		Data:      data,
		Sequence:  b.sequence,
		EventType: eventType,
		EventID:   eventID,
		Timestamp: time.Now(),
		ByteSize:  len(data),
	}
	status := b.statusLocked()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ChunksReceived.WithLabelValues(string(b.protocol)).Inc()
		b.metrics.BytesReceived.WithLabelValues(string(b.protocol)).Add(float64(chunk.ByteSize))
	}

	b.chunks.Publish(chunk)
	b.statuses.Publish(status)
}

// EmitError publishes a transport-level error
func (b *Base) EmitError(err error) {
	if err == nil {
		return
	}
	b.logger.Warn("transport error", "error", err)
	if b.metrics != nil {
		b.metrics.ErrorsTotal.WithLabelValues(string(b.protocol), string(errors.KindOf(err))).Inc()
	}
	b.errs.Publish(err)
}

// SetLatency records a measured round-trip latency
func (b *Base) SetLatency(d time.Duration) {
	b.mu.Lock()
	b.latency = d
	status := b.statusLocked()
	b.mu.Unlock()
	b.statuses.Publish(status)
}

// ReconnectAttempts returns the current attempt count
func (b *Base) ReconnectAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reconnectAttempts
}

// IncReconnectAttempts bumps the attempt counter and returns the new value
func (b *Base) IncReconnectAttempts() int {
	b.mu.Lock()
	b.reconnectAttempts++
	n := b.reconnectAttempts
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.ReconnectsTotal.WithLabelValues(string(b.protocol)).Inc()
	}
	return n
}

// ResetReconnectAttempts clears the attempt counter after a successful
// connection
func (b *Base) ResetReconnectAttempts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectAttempts = 0
}

// ResetCounters clears byte/chunk counters and the sequence for a fresh
// session on the same transport instance
func (b *Base) ResetCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequence = 0
	b.bytesReceived = 0
	b.chunksReceived = 0
}

// Status returns the current status snapshot
func (b *Base) Status() ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

// statusLocked builds a snapshot; callers hold b.mu
func (b *Base) statusLocked() ConnectionStatus {
	return ConnectionStatus{
		State:             b.state,
		Protocol:          b.protocol,
		URL:               b.cfg.URL,
		LastConnectedAt:   b.lastConnectedAt,
		ReconnectAttempts: b.reconnectAttempts,
		BytesReceived:     b.bytesReceived,
		ChunksReceived:    b.chunksReceived,
		Latency:           b.latency,
	}
}

// Pause suspends chunk delivery. Reads already in flight finish; their
// chunks queue behind the pause gate.
func (b *Base) Pause() {
	b.pauseMu.Lock()
	defer b.pauseMu.Unlock()
	if b.paused {
		return
	}
	b.paused = true
	b.resumeCh = make(chan struct{})
}

// Resume reverses Pause
func (b *Base) Resume() {
	b.pauseMu.Lock()
	defer b.pauseMu.Unlock()
	if !b.paused {
		return
	}
	b.paused = false
	close(b.resumeCh)
}

// waitWhilePaused blocks the delivering goroutine while the transport is
// paused
func (b *Base) waitWhilePaused() {
	b.pauseMu.Lock()
	if !b.paused {
		b.pauseMu.Unlock()
		return
	}
	ch := b.resumeCh
	b.pauseMu.Unlock()
	<-ch
}

// MarkDestroyed flags the base and completes every subscriber channel.
// Idempotent.
func (b *Base) MarkDestroyed() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.state = StateClosed
	b.mu.Unlock()

	// Unblock any paused delivery so reader goroutines can exit
	b.Resume()

	b.chunks.Close()
	b.states.Close()
	b.statuses.Close()
	b.errs.Close()
}

// Destroyed reports whether MarkDestroyed ran
func (b *Base) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// SubscribeChunks delivers data chunks in sequence order with no gaps; a
// slow subscriber applies backpressure to the producer instead of dropping.
// Cancelling the subscription releases a blocked producer.
func (b *Base) SubscribeChunks() (<-chan Chunk, func()) { return b.chunks.Subscribe() }

// SubscribeStates delivers connection-state changes with replay
func (b *Base) SubscribeStates() (<-chan ConnectionState, func()) { return b.states.Subscribe() }

// SubscribeStatus delivers status snapshots with replay
func (b *Base) SubscribeStatus() (<-chan ConnectionStatus, func()) { return b.statuses.Subscribe() }

// SubscribeErrors delivers transport-level errors
func (b *Base) SubscribeErrors() (<-chan error, func()) { return b.errs.Subscribe() }
