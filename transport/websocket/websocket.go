// Package websocket implements the bidirectional WebSocket transport.
// Incoming frames carry either a JSON envelope with type discrimination or
// raw card content; both are normalized into the common chunk shape.
// Outbound sends are queued through a bounded buffer so messages written
// while disconnected flush after reconnection.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/pkg/buffer"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	sendQueueCap = 256
)

func init() {
	transport.Register(config.ProtocolWebSocket, func(cfg config.Stream, opts transport.Options) (transport.Transport, error) {
		return New(cfg, opts)
	})
}

// Envelope wraps typed WebSocket messages.
// Supported types:
//   - "chunk"/"data": card content fragment
//   - "complete": stream finished
//   - "error": server-side failure
//   - "heartbeat": server liveness beacon; timestamp feeds latency
//   - "ping"/"pong": application-level heartbeat with RTT measurement
//   - "ack"/"control": protocol bookkeeping, never card content
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Transport is the WebSocket client transport. Fully bidirectional.
type Transport struct {
	*transport.Base

	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	cancel   context.CancelFunc
	stopping bool

	// Outbound messages queued while disconnected
	sendQueue buffer.Buffer[[]byte]

	// In-flight application pings keyed by id, for RTT measurement
	pingMu   sync.Mutex
	pingSent map[string]time.Time

	wg sync.WaitGroup
}

// New creates an unconnected WebSocket transport
func New(cfg config.Stream, opts transport.Options) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "websocket", "New", "check url")
	}

	queue, err := buffer.NewCircular[[]byte](sendQueueCap, buffer.WithOverflowPolicy[[]byte](buffer.DropOldest))
	if err != nil {
		return nil, errors.WrapInvalid(err, "websocket", "New", "build send queue")
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout:  cfg.ConnectionTimeout,
		EnableCompression: cfg.EnableCompression,
	}

	return &Transport{
		Base:      transport.NewBase(cfg, config.ProtocolWebSocket, opts.Logger, opts.Metrics),
		dialer:    dialer,
		sendQueue: queue,
		pingSent:  make(map[string]time.Time),
	}, nil
}

// Connect dials the server and starts the read and heartbeat loops
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.Destroyed() {
		t.mu.Unlock()
		return errors.WrapFatal(errors.ErrDestroyed, "websocket", "Connect", "check lifecycle")
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "websocket", "Connect", "check lifecycle")
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.stopping = false
	t.mu.Unlock()

	t.SetState(transport.StateConnecting)

	conn, err := t.dial(ctx)
	if err != nil {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
		cancel()
		t.SetState(transport.StateError)
		return err
	}

	t.attach(conn)
	t.SetState(transport.StateConnected)
	t.ResetReconnectAttempts()
	t.flushSendQueue()

	t.wg.Add(1)
	go t.readLoop(streamCtx, conn)

	if hb := t.Config().HeartbeatInterval; hb > 0 {
		t.wg.Add(1)
		go t.heartbeatLoop(streamCtx, hb)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg := t.Config()

	header := make(map[string][]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		header[k] = []string{v}
	}

	conn, resp, err := t.dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: status %d", errors.ErrConnectionFailed, resp.StatusCode),
				"websocket", "dial", "check handshake status")
		}
		return nil, errors.WithKind(fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			errors.KindConnectionFailed, "websocket", "dial", "dial server")
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (t *Transport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *Transport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// readLoop consumes frames until the connection drops
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			stopping := t.stopping
			t.conn = nil
			t.mu.Unlock()

			if stopping || ctx.Err() != nil || t.Destroyed() {
				return
			}

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.SetState(transport.StateDisconnected)
				return
			}

			t.EmitError(errors.WithKind(err, errors.KindConnectionLost, "websocket", "readLoop", "read frame"))
			if !t.Config().AutoReconnect {
				t.SetState(transport.StateError)
				return
			}
			t.reconnectLoop(ctx)
			return
		}

		conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType == websocket.BinaryMessage {
			// Binary frames carry raw card bytes
			t.EmitChunk(string(message), "", "")
			continue
		}
		t.handleText(message)
	}
}

// handleText dispatches one text frame, enveloped or raw
func (t *Transport) handleText(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
		// Not an envelope; treat the frame as raw card content
		t.EmitChunk(string(message), "", "")
		return
	}

	switch env.Type {
	case "chunk", "data":
		t.EmitChunk(string(env.Data), env.Type, env.ID)
	case "complete":
		if len(env.Data) > 0 {
			t.EmitChunk(string(env.Data), env.Type, env.ID)
		}
	case "error":
		t.EmitError(errors.WithKind(
			fmt.Errorf("server error message: %s", string(env.Data)),
			errors.KindConnectionLost, "websocket", "handleText", "handle error message"))
	case "ping":
		// Server-initiated ping; answer with a pong carrying the same id
		t.writeEnvelope(Envelope{Type: "pong", ID: env.ID, Timestamp: time.Now().UnixMilli()})
	case "pong":
		t.recordPong(env.ID)
	case "heartbeat":
		// Liveness only; a carried send time doubles as a latency sample
		if env.Timestamp > 0 {
			if d := time.Since(time.UnixMilli(env.Timestamp)); d >= 0 {
				t.SetLatency(d)
			}
		}
	case "ack", "control":
		t.Logger().Debug("control envelope", "type", env.Type, "id", env.ID)
	default:
		// Unknown envelope types must not leak into the parse buffer
		t.Logger().Debug("ignoring envelope of unknown type", "type", env.Type)
	}
}

// heartbeatLoop sends application pings alongside protocol pings and
// derives latency from matched pongs.
func (t *Transport) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := t.current()
			if conn == nil {
				continue
			}

			id := uuid.NewString()
			t.pingMu.Lock()
			t.pingSent[id] = time.Now()
			// Drop stale entries so lost pongs don't accumulate
			for k, sent := range t.pingSent {
				if time.Since(sent) > 3*interval {
					delete(t.pingSent, k)
				}
			}
			t.pingMu.Unlock()

			t.writeEnvelope(Envelope{Type: "ping", ID: id, Timestamp: time.Now().UnixMilli()})

			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.Logger().Debug("protocol ping failed", "error", err)
			}
		}
	}
}

func (t *Transport) recordPong(id string) {
	t.pingMu.Lock()
	sent, ok := t.pingSent[id]
	if ok {
		delete(t.pingSent, id)
	}
	t.pingMu.Unlock()
	if ok {
		t.SetLatency(time.Since(sent))
	}
}

func (t *Transport) writeEnvelope(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "websocket", "writeEnvelope", "marshal envelope")
	}
	return t.writeMessage(data)
}

func (t *Transport) writeMessage(data []byte) error {
	conn := t.current()
	if conn == nil {
		return errors.WithKind(errors.ErrNotConnected,
			errors.KindConnectionLost, "websocket", "writeMessage", "check connection")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WithKind(err, errors.KindConnectionLost, "websocket", "writeMessage", "write frame")
	}
	return nil
}

// Send transmits data to the server, queueing it when disconnected so it
// flushes on the next successful connection.
func (t *Transport) Send(data []byte) error {
	if t.Destroyed() {
		return errors.WrapFatal(errors.ErrDestroyed, "websocket", "Send", "check lifecycle")
	}
	if t.current() == nil {
		queued := make([]byte, len(data))
		copy(queued, data)
		if err := t.sendQueue.Write(queued); err != nil {
			return errors.WithKind(err, errors.KindBufferOverflow, "websocket", "Send", "queue message")
		}
		return nil
	}
	return t.writeMessage(data)
}

// flushSendQueue drains messages queued while disconnected
func (t *Transport) flushSendQueue() {
	for {
		data, ok := t.sendQueue.Read()
		if !ok {
			return
		}
		if err := t.writeMessage(data); err != nil {
			// Connection failed again; requeue and let reconnection retry
			t.sendQueue.Write(data)
			return
		}
	}
}

// reconnectLoop redials with exponential backoff
func (t *Transport) reconnectLoop(ctx context.Context) {
	t.SetState(transport.StateReconnecting)
	cfg := t.RetryConfig()

	for {
		attempt := t.IncReconnectAttempts()
		if attempt > cfg.MaxAttempts {
			t.EmitError(errors.WithKind(errors.ErrMaxRetriesExceeded,
				errors.KindMaxRetries, "websocket", "reconnectLoop", "retry connection"))
			t.SetState(transport.StateError)
			return
		}

		timer := time.NewTimer(cfg.DelayForAttempt(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := t.dial(ctx)
		if err != nil {
			if errors.IsFatal(err) {
				t.EmitError(err)
				t.SetState(transport.StateError)
				return
			}
			t.Logger().Debug("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		t.attach(conn)
		t.SetState(transport.StateConnected)
		t.ResetReconnectAttempts()
		t.flushSendQueue()

		t.wg.Add(1)
		go t.readLoop(ctx, conn)
		return
	}
}

// Disconnect closes the connection gracefully and stops the loops
func (t *Transport) Disconnect(reason string) {
	t.mu.Lock()
	t.stopping = true
	cancel := t.cancel
	conn := t.conn
	t.cancel = nil
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	// Release any delivery blocked behind the pause gate so the read loop
	// can observe the shutdown
	t.Resume()
	t.wg.Wait()

	t.Logger().Debug("disconnected", "reason", reason)
	if !t.Destroyed() {
		t.SetState(transport.StateDisconnected)
	}
}

// Reconnect tears down the connection and dials again
func (t *Transport) Reconnect(ctx context.Context) error {
	t.Disconnect("reconnect requested")
	t.IncReconnectAttempts()
	return t.Connect(ctx)
}

// Destroy releases all resources and completes subscriber channels
func (t *Transport) Destroy() {
	t.Disconnect("destroyed")
	t.MarkDestroyed()
	t.sendQueue.Close()
}
