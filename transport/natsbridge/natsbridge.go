// Package natsbridge implements a transport that receives card chunks over
// a NATS subject and publishes outbound messages to a companion subject.
// Reconnection is delegated to the NATS client, whose connection events are
// mapped onto the common connection states.
package natsbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
)

func init() {
	transport.Register(config.ProtocolNATS, func(cfg config.Stream, opts transport.Options) (transport.Transport, error) {
		return New(cfg, opts)
	})
}

// Transport bridges a NATS subject into the chunk stream. Bidirectional
// when a send subject is configured.
type Transport struct {
	*transport.Base

	mu       sync.Mutex
	conn     *nats.Conn
	sub      *nats.Subscription
	stopping bool
}

// New creates an unconnected NATS transport
func New(cfg config.Stream, opts transport.Options) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsbridge", "New", "check url")
	}
	if cfg.NATSSubject == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsbridge", "New", "check subject")
	}
	return &Transport{
		Base: transport.NewBase(cfg, config.ProtocolNATS, opts.Logger, opts.Metrics),
	}, nil
}

// Connect dials the NATS server and subscribes to the chunk subject.
// The NATS client manages its own dial timeout, so the context only gates
// the call itself.
func (t *Transport) Connect(_ context.Context) error {
	t.mu.Lock()
	if t.Destroyed() {
		t.mu.Unlock()
		return errors.WrapFatal(errors.ErrDestroyed, "natsbridge", "Connect", "check lifecycle")
	}
	if t.conn != nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "natsbridge", "Connect", "check lifecycle")
	}
	t.stopping = false
	t.mu.Unlock()

	t.SetState(transport.StateConnecting)

	cfg := t.Config()
	conn, err := nats.Connect(cfg.URL, t.connectionOptions()...)
	if err != nil {
		t.SetState(transport.StateError)
		return errors.WithKind(fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			errors.KindConnectionFailed, "natsbridge", "Connect", "dial server")
	}

	sub, err := conn.Subscribe(cfg.NATSSubject, t.handleMessage)
	if err != nil {
		conn.Close()
		t.SetState(transport.StateError)
		return errors.WithKind(err, errors.KindConnectionFailed, "natsbridge", "Connect", "subscribe subject")
	}

	t.mu.Lock()
	t.conn = conn
	t.sub = sub
	t.mu.Unlock()

	t.SetState(transport.StateConnected)
	t.ResetReconnectAttempts()
	return nil
}

// connectionOptions maps the reconnect config onto NATS client options.
// Backoff and retry counting live inside the client; the handlers surface
// its connection events as state transitions.
func (t *Transport) connectionOptions() []nats.Option {
	cfg := t.Config()

	maxReconnects := cfg.MaxReconnectAttempts
	if !cfg.AutoReconnect {
		maxReconnects = 0
	}
	wait := cfg.ReconnectBaseDelay
	if wait <= 0 {
		wait = time.Second
	}

	return []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.Timeout(cfg.ConnectionTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if t.isStopping() || t.Destroyed() {
				return
			}
			if err != nil {
				t.EmitError(errors.WithKind(err, errors.KindConnectionLost,
					"natsbridge", "connectionOptions", "handle disconnect"))
			}
			t.SetState(transport.StateReconnecting)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.IncReconnectAttempts()
			t.SetState(transport.StateConnected)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if t.isStopping() || t.Destroyed() {
				return
			}
			if err := nc.LastError(); err != nil {
				t.EmitError(errors.WithKind(errors.ErrMaxRetriesExceeded,
					errors.KindMaxRetries, "natsbridge", "connectionOptions", "handle close"))
				t.SetState(transport.StateError)
				return
			}
			t.SetState(transport.StateDisconnected)
		}),
	}
}

// handleMessage normalizes one NATS message into a chunk. An empty payload
// marks the end of the stream, matching the generator's completion signal.
func (t *Transport) handleMessage(msg *nats.Msg) {
	if len(msg.Data) == 0 {
		t.SetState(transport.StateDisconnected)
		return
	}
	eventType := msg.Header.Get("Event-Type")
	eventID := msg.Header.Get("Event-Id")
	t.EmitChunk(string(msg.Data), eventType, eventID)

	if rtt, err := t.rtt(); err == nil {
		t.SetLatency(rtt)
	}
}

func (t *Transport) rtt() (time.Duration, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, errors.ErrNotConnected
	}
	return conn.RTT()
}

// Send publishes to the configured send subject
func (t *Transport) Send(data []byte) error {
	if t.Destroyed() {
		return errors.WrapFatal(errors.ErrDestroyed, "natsbridge", "Send", "check lifecycle")
	}
	cfg := t.Config()
	if cfg.NATSSendSubject == "" {
		return errors.WithKind(errors.ErrSendUnsupported,
			errors.KindSendUnsupported, "natsbridge", "Send", "check send subject")
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.WithKind(errors.ErrNotConnected,
			errors.KindConnectionLost, "natsbridge", "Send", "check connection")
	}

	if err := conn.Publish(cfg.NATSSendSubject, data); err != nil {
		return errors.WithKind(err, errors.KindConnectionLost, "natsbridge", "Send", "publish message")
	}
	return nil
}

// Disconnect drains the subscription and closes the connection
func (t *Transport) Disconnect(reason string) {
	t.mu.Lock()
	t.stopping = true
	conn := t.conn
	sub := t.sub
	t.conn = nil
	t.sub = nil
	t.mu.Unlock()

	// Release any delivery blocked behind the pause gate so Drain can
	// finish delivering in-flight messages
	t.Resume()
	if sub != nil {
		sub.Drain()
	}
	if conn != nil {
		conn.Drain()
		conn.Close()
	}

	t.Logger().Debug("disconnected", "reason", reason)
	if !t.Destroyed() {
		t.SetState(transport.StateDisconnected)
	}
}

// Reconnect closes the connection and dials again
func (t *Transport) Reconnect(ctx context.Context) error {
	t.Disconnect("reconnect requested")
	t.IncReconnectAttempts()
	return t.Connect(ctx)
}

func (t *Transport) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

// Destroy releases all resources and completes subscriber channels
func (t *Transport) Destroy() {
	t.Disconnect("destroyed")
	t.MarkDestroyed()
}
