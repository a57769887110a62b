// Package mock implements a transport that replays a scripted chunk
// sequence. It backs document-driven streaming and exercises the factory,
// orchestrator, and session machinery without a live server.
package mock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
)

func init() {
	transport.Register(config.ProtocolMock, func(cfg config.Stream, opts transport.Options) (transport.Transport, error) {
		return New(cfg, opts), nil
	})
}

// ScheduledChunk is one scripted delivery
type ScheduledChunk struct {
	Data      string
	Delay     time.Duration
	EventType string
	EventID   string

	// Drop delivers nothing for this entry, simulating a lost chunk
	Drop bool
}

// Script configures a replay run
type Script struct {
	Chunks []ScheduledChunk

	// FailConnect makes Connect fail this many times before succeeding
	FailConnect int

	// FailAfter injects a connection loss after delivering this many
	// chunks; negative means never
	FailAfter int

	// FailErr overrides the injected error; defaults to a connection loss
	FailErr error

	// Instant ignores all per-chunk delays
	Instant bool

	// HoldOpen keeps the connection up after the last chunk instead of
	// signalling a clean disconnect
	HoldOpen bool
}

// Transport replays a script. Receive-only; Send records outbound data
// for inspection instead of failing, since tests drive both directions.
type Transport struct {
	*transport.Base

	mu       sync.Mutex
	script   Script
	cancel   context.CancelFunc
	stopping bool
	dialed   int
	sent     [][]byte

	wg sync.WaitGroup
}

// New creates a mock transport with an empty script
func New(cfg config.Stream, opts transport.Options) *Transport {
	return &Transport{
		Base: transport.NewBase(cfg, config.ProtocolMock, opts.Logger, opts.Metrics),
	}
}

// NewWithScript creates a mock transport that will replay the script
func NewWithScript(cfg config.Stream, opts transport.Options, script Script) *Transport {
	t := New(cfg, opts)
	t.script = script
	return t
}

// SetScript replaces the script. Takes effect on the next Connect.
func (t *Transport) SetScript(script Script) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.script = script
}

// ScriptFromDocument splits a complete card document into fixed-size
// chunks delivered at a constant cadence, approximating a generator that
// streams an already-written card.
func ScriptFromDocument(doc []byte, chunkSize int, delay time.Duration) Script {
	if chunkSize <= 0 {
		chunkSize = 64
	}
	var chunks []ScheduledChunk
	for start := 0; start < len(doc); start += chunkSize {
		end := start + chunkSize
		if end > len(doc) {
			end = len(doc)
		}
		chunks = append(chunks, ScheduledChunk{
			Data:  string(doc[start:end]),
			Delay: delay,
		})
	}
	return Script{Chunks: chunks, FailAfter: -1, Instant: delay <= 0}
}

// ScriptFromCard marshals a card value and streams it as a document
func ScriptFromCard(card any, chunkSize int, delay time.Duration) (Script, error) {
	doc, err := json.Marshal(card)
	if err != nil {
		return Script{}, errors.WrapInvalid(err, "mock", "ScriptFromCard", "marshal card")
	}
	return ScriptFromDocument(doc, chunkSize, delay), nil
}

// Connect starts replaying the script
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.Destroyed() {
		t.mu.Unlock()
		return errors.WrapFatal(errors.ErrDestroyed, "mock", "Connect", "check lifecycle")
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "mock", "Connect", "check lifecycle")
	}

	t.dialed++
	if t.dialed <= t.script.FailConnect {
		t.mu.Unlock()
		t.SetState(transport.StateError)
		return errors.WithKind(errors.ErrConnectionFailed,
			errors.KindConnectionFailed, "mock", "Connect", "scripted failure")
	}

	replayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.stopping = false
	script := t.script
	t.mu.Unlock()

	t.SetState(transport.StateConnecting)
	t.SetState(transport.StateConnected)

	t.wg.Add(1)
	go t.replay(replayCtx, script)
	return nil
}

// replay delivers the scripted chunks in order
func (t *Transport) replay(ctx context.Context, script Script) {
	defer t.wg.Done()

	delivered := 0
	for _, chunk := range script.Chunks {
		if script.FailAfter >= 0 && delivered >= script.FailAfter {
			err := script.FailErr
			if err == nil {
				err = errors.ErrConnectionLost
			}
			t.EmitError(errors.WithKind(err, errors.KindConnectionLost,
				"mock", "replay", "scripted connection loss"))
			t.SetState(transport.StateError)
			return
		}

		if !script.Instant && chunk.Delay > 0 {
			timer := time.NewTimer(chunk.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return
		}

		if chunk.Drop {
			continue
		}
		t.EmitChunk(chunk.Data, chunk.EventType, chunk.EventID)
		delivered++
	}

	if ctx.Err() != nil || t.isStopping() || t.Destroyed() {
		return
	}
	if !script.HoldOpen {
		// Clean end of stream, the same signal a finished generator sends
		t.SetState(transport.StateDisconnected)
	}
}

func (t *Transport) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

// Send records the payload for later inspection
func (t *Transport) Send(data []byte) error {
	if t.Destroyed() {
		return errors.WrapFatal(errors.ErrDestroyed, "mock", "Send", "check lifecycle")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	queued := make([]byte, len(data))
	copy(queued, data)
	t.sent = append(t.sent, queued)
	return nil
}

// Sent returns a copy of everything passed to Send
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// Disconnect stops the replay
func (t *Transport) Disconnect(reason string) {
	t.mu.Lock()
	t.stopping = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Release any delivery blocked behind the pause gate so replay can
	// observe the shutdown
	t.Resume()
	t.wg.Wait()

	t.Logger().Debug("disconnected", "reason", reason)
	if !t.Destroyed() {
		t.SetState(transport.StateDisconnected)
	}
}

// Reconnect restarts the replay from the beginning
func (t *Transport) Reconnect(ctx context.Context) error {
	t.Disconnect("reconnect requested")
	t.IncReconnectAttempts()
	return t.Connect(ctx)
}

// Destroy releases resources and completes subscriber channels
func (t *Transport) Destroy() {
	t.Disconnect("destroyed")
	t.MarkDestroyed()
}
