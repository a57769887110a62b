// Package sse implements the server-sent-events transport: a streaming GET
// with incremental event framing, named-event normalization, and
// Last-Event-ID resumption carried as a query parameter on reconnect.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
)

// Event names produced by the card generator. All are normalized into the
// same chunk shape as default messages.
const (
	eventCard      = "card"
	eventSection   = "section"
	eventField     = "field"
	eventComplete  = "complete"
	eventError     = "error"
	eventHeartbeat = "heartbeat"
)

func init() {
	transport.Register(config.ProtocolSSE, func(cfg config.Stream, opts transport.Options) (transport.Transport, error) {
		return New(cfg, opts)
	})
}

// Transport is the SSE client transport. Receive-only: Send always fails.
type Transport struct {
	*transport.Base

	client *http.Client

	mu          sync.Mutex
	cancel      context.CancelFunc
	body        io.ReadCloser
	lastEventID string
	stopping    bool

	wg sync.WaitGroup
}

// New creates an unconnected SSE transport
func New(cfg config.Stream, opts transport.Options) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "sse", "New", "check url")
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{
		Base:        transport.NewBase(cfg, config.ProtocolSSE, opts.Logger, opts.Metrics),
		client:      client,
		lastEventID: cfg.LastEventID,
	}, nil
}

// Connect opens the event stream and starts the read loop
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.Destroyed() {
		t.mu.Unlock()
		return errors.WrapFatal(errors.ErrDestroyed, "sse", "Connect", "check lifecycle")
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "sse", "Connect", "check lifecycle")
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.stopping = false
	t.mu.Unlock()

	t.SetState(transport.StateConnecting)

	body, err := t.open(streamCtx)
	if err != nil {
		t.mu.Lock()
		t.cancel = nil
		t.mu.Unlock()
		cancel()
		t.SetState(transport.StateError)
		return err
	}

	t.mu.Lock()
	t.body = body
	t.mu.Unlock()

	t.SetState(transport.StateConnected)
	t.ResetReconnectAttempts()

	t.wg.Add(1)
	go t.readLoop(streamCtx, body)
	return nil
}

// open performs one streaming GET; the body stays open for the stream's
// life and is torn down through the stream context.
func (t *Transport) open(ctx context.Context) (io.ReadCloser, error) {
	cfg := t.Config()

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "sse", "open", "parse url")
	}

	t.mu.Lock()
	lastID := t.lastEventID
	t.mu.Unlock()
	if lastID != "" {
		q := u.Query()
		q.Set("lastEventId", lastID)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "sse", "open", "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.WithKind(fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			errors.KindConnectionFailed, "sse", "open", "execute request")
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		if resp.StatusCode < 500 {
			// Client errors never resolve by retrying
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: status %d", errors.ErrConnectionFailed, resp.StatusCode),
				"sse", "open", "check response status")
		}
		return nil, errors.WithKind(
			fmt.Errorf("%w: status %d", errors.ErrConnectionFailed, resp.StatusCode),
			errors.KindConnectionFailed, "sse", "open", "check response status")
	}

	return resp.Body, nil
}

// readLoop parses the event stream until it ends, then decides between
// clean closure and reconnection.
func (t *Transport) readLoop(ctx context.Context, body io.ReadCloser) {
	defer t.wg.Done()

	err := t.consume(ctx, body)
	body.Close()

	t.mu.Lock()
	stopping := t.stopping
	t.body = nil
	t.mu.Unlock()

	if stopping || ctx.Err() != nil || t.Destroyed() {
		return
	}

	if err == nil || err == io.EOF {
		// Producer finished the stream; the orchestrator interprets a
		// clean disconnect while streaming as completion.
		t.SetState(transport.StateDisconnected)
		return
	}

	t.EmitError(errors.WithKind(err, errors.KindConnectionLost, "sse", "readLoop", "read stream"))

	if !t.Config().AutoReconnect {
		t.SetState(transport.StateError)
		return
	}
	t.reconnectLoop(ctx)
}

// consume reads and dispatches events until the stream ends
func (t *Transport) consume(ctx context.Context, body io.Reader) error {
	reader := bufio.NewReader(body)

	var dataLines []string
	eventType := ""
	eventID := ""

	flush := func() {
		if len(dataLines) == 0 && eventType == "" {
			return
		}
		data := strings.Join(dataLines, "\n")
		t.dispatch(eventType, eventID, data)
		dataLines = dataLines[:0]
		eventType = ""
		eventID = ""
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")

			switch {
			case line == "":
				flush()
			case strings.HasPrefix(line, ":"):
				// Comment line, used by servers as keep-alive
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			case strings.HasPrefix(line, "id:"):
				eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
				t.mu.Lock()
				t.lastEventID = eventID
				t.mu.Unlock()
			case strings.HasPrefix(line, "retry:"):
				// Server-suggested retry interval; our backoff policy is
				// config-driven, so this is acknowledged but not applied
			}
		}

		if err != nil {
			flush()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// dispatch normalizes one event into the common chunk shape
func (t *Transport) dispatch(eventType, eventID, data string) {
	switch eventType {
	case eventHeartbeat:
		// Keep-alive, never card content. Timestamped heartbeats double as
		// a one-way latency sample.
		if d, ok := heartbeatLatency(data, time.Now()); ok {
			t.SetLatency(d)
		}
		return
	case eventError:
		t.EmitError(errors.WithKind(
			fmt.Errorf("server error event: %s", data),
			errors.KindConnectionLost, "sse", "dispatch", "handle error event"))
		return
	case eventComplete:
		if data != "" {
			t.EmitChunk(data, eventType, eventID)
		}
		return
	case eventCard, eventSection, eventField, "":
		if data == "" {
			return
		}
		t.EmitChunk(data, eventType, eventID)
	default:
		// Unknown named events still carry data; deliver them normalized
		if data != "" {
			t.EmitChunk(data, eventType, eventID)
		}
	}
}

// heartbeatLatency derives the delivery delay from a heartbeat payload
// carrying the server's send time, either unix milliseconds or RFC 3339.
// Clock skew can make the difference negative; those are discarded.
func heartbeatLatency(data string, now time.Time) (time.Duration, bool) {
	data = strings.TrimSpace(data)
	if data == "" {
		return 0, false
	}

	var sent time.Time
	if millis, err := strconv.ParseInt(data, 10, 64); err == nil {
		sent = time.UnixMilli(millis)
	} else if ts, err := time.Parse(time.RFC3339Nano, data); err == nil {
		sent = ts
	} else {
		return 0, false
	}

	d := now.Sub(sent)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// reconnectLoop retries the connection with exponential backoff, resuming
// from the last seen event id.
func (t *Transport) reconnectLoop(ctx context.Context) {
	t.SetState(transport.StateReconnecting)
	cfg := t.RetryConfig()

	for {
		attempt := t.IncReconnectAttempts()
		if attempt > cfg.MaxAttempts {
			t.EmitError(errors.WithKind(errors.ErrMaxRetriesExceeded,
				errors.KindMaxRetries, "sse", "reconnectLoop", "retry connection"))
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

		body, err := t.open(ctx)
		if err != nil {
			if errors.IsFatal(err) {
				t.EmitError(err)
				t.SetState(transport.StateError)
				return
			}
			t.Logger().Debug("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		t.mu.Lock()
		t.body = body
		t.mu.Unlock()

		t.SetState(transport.StateConnected)
		t.ResetReconnectAttempts()

		if err := t.consume(ctx, body); err != nil && ctx.Err() == nil && !t.isStopping() {
			body.Close()
			t.SetState(transport.StateReconnecting)
			continue
		}
		body.Close()
		if ctx.Err() == nil && !t.isStopping() {
			t.SetState(transport.StateDisconnected)
		}
		return
	}
}

func (t *Transport) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

// Send is unsupported: SSE is receive-only
func (t *Transport) Send(_ []byte) error {
	return errors.WithKind(errors.ErrSendUnsupported,
		errors.KindSendUnsupported, "sse", "Send", "send data")
}

// Disconnect closes the stream and stops the read loop
func (t *Transport) Disconnect(reason string) {
	t.mu.Lock()
	t.stopping = true
	cancel := t.cancel
	body := t.body
	t.cancel = nil
	t.body = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		body.Close()
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

// Reconnect tears down the current stream and dials again, preserving the
// last event id for resumption.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.Disconnect("reconnect requested")
	t.IncReconnectAttempts()
	return t.Connect(ctx)
}

// Destroy releases all resources and completes subscriber channels
func (t *Transport) Destroy() {
	t.Disconnect("destroyed")
	t.MarkDestroyed()
}
