// Package httpstream implements the fetch-style streaming transport: a
// single HTTP request whose response body is consumed incrementally as
// newline-delimited JSON. It also provides the degraded long-poll mode,
// which issues repeated short requests when true streaming is unavailable.
package httpstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
)

func init() {
	transport.Register(config.ProtocolHTTPStream, func(cfg config.Stream, opts transport.Options) (transport.Transport, error) {
		return New(cfg, opts)
	})
	transport.Register(config.ProtocolLongPoll, func(cfg config.Stream, opts transport.Options) (transport.Transport, error) {
		return NewLongPoll(cfg, opts)
	})
}

// Transport streams newline-delimited JSON over a single HTTP response
// body, or polls repeatedly in long-poll mode. Receive-only.
type Transport struct {
	*transport.Base

	client   *http.Client
	longPoll bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	body     io.ReadCloser
	stopping bool
	cursor   string

	wg sync.WaitGroup
}

// New creates an unconnected streaming transport
func New(cfg config.Stream, opts transport.Options) (*Transport, error) {
	return newTransport(cfg, opts, config.ProtocolHTTPStream, false)
}

// NewLongPoll creates a transport running in degraded long-poll mode
func NewLongPoll(cfg config.Stream, opts transport.Options) (*Transport, error) {
	return newTransport(cfg, opts, config.ProtocolLongPoll, true)
}

func newTransport(cfg config.Stream, opts transport.Options, protocol config.Protocol, longPoll bool) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "httpstream", "New", "check url")
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{
		Base:     transport.NewBase(cfg, protocol, opts.Logger, opts.Metrics),
		client:   client,
		longPoll: longPoll,
	}, nil
}

// Connect issues the streaming request and starts consuming the body
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.Destroyed() {
		t.mu.Unlock()
		return errors.WrapFatal(errors.ErrDestroyed, "httpstream", "Connect", "check lifecycle")
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "httpstream", "Connect", "check lifecycle")
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.stopping = false
	t.mu.Unlock()

	t.SetState(transport.StateConnecting)

	if t.longPoll {
		t.SetState(transport.StateConnected)
		t.wg.Add(1)
		go t.pollLoop(streamCtx)
		return nil
	}

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

// open issues the request. A configured body turns the request into a
// POST, which matches generation endpoints that accept a prompt payload.
func (t *Transport) open(ctx context.Context) (io.ReadCloser, error) {
	cfg := t.Config()

	method := http.MethodGet
	var reqBody io.Reader
	if len(cfg.Body) > 0 {
		method = http.MethodPost
		reqBody = bytes.NewReader(cfg.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, reqBody)
	if err != nil {
		return nil, errors.WrapInvalid(err, "httpstream", "open", "build request")
	}
	req.Header.Set("Accept", "application/x-ndjson")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.WithKind(fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			errors.KindConnectionFailed, "httpstream", "open", "execute request")
	}

	if resp.StatusCode >= 400 {
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: status %d", errors.ErrConnectionFailed, resp.StatusCode),
				"httpstream", "open", "check response status")
		}
		return nil, errors.WithKind(
			fmt.Errorf("%w: status %d", errors.ErrConnectionFailed, resp.StatusCode),
			errors.KindConnectionFailed, "httpstream", "open", "check response status")
	}

	return resp.Body, nil
}

// readLoop consumes the body until it ends, then decides between clean
// closure and reconnection.
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
		t.SetState(transport.StateDisconnected)
		return
	}

	t.EmitError(errors.WithKind(err, errors.KindConnectionLost, "httpstream", "readLoop", "read stream"))

	if !t.Config().AutoReconnect {
		t.SetState(transport.StateError)
		return
	}
	t.reconnectLoop(ctx)
}

// consume reads newline-delimited frames, retaining a partial trailing
// line until the next read completes it.
func (t *Transport) consume(ctx context.Context, body io.Reader) error {
	reader := bufio.NewReader(body)

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := reader.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			// A line without a newline only arrives alongside an error
			// (usually EOF), so no frame is delivered half-built.
			t.EmitChunk(trimmed, "", "")
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// pollLoop drives degraded long-poll mode: repeated short requests whose
// complete responses are delivered as frames on the same sequence.
func (t *Transport) pollLoop(ctx context.Context) {
	defer t.wg.Done()

	cfg := t.Config()
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	failures := 0
	retryCfg := t.RetryConfig()

	for {
		if ctx.Err() != nil || t.isStopping() {
			return
		}

		done, err := t.pollOnce(ctx)
		switch {
		case err != nil:
			failures++
			if errors.IsFatal(err) || failures > retryCfg.MaxAttempts {
				t.EmitError(err)
				t.SetState(transport.StateError)
				return
			}
			t.Logger().Debug("poll failed", "failures", failures, "error", err)
		case done:
			t.SetState(transport.StateDisconnected)
			return
		default:
			failures = 0
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce performs one poll request. A 204 signals the stream is done.
func (t *Transport) pollOnce(ctx context.Context) (done bool, err error) {
	cfg := t.Config()

	url := cfg.URL
	t.mu.Lock()
	if t.cursor != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url = url + sep + "cursor=" + t.cursor
	}
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, errors.WrapInvalid(err, "httpstream", "pollOnce", "build request")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, errors.WithKind(fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err),
			errors.KindConnectionFailed, "httpstream", "pollOnce", "execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return true, nil
	}
	if resp.StatusCode >= 400 {
		wrapped := fmt.Errorf("%w: status %d", errors.ErrConnectionFailed, resp.StatusCode)
		if resp.StatusCode < 500 {
			return false, errors.WrapFatal(wrapped, "httpstream", "pollOnce", "check response status")
		}
		return false, errors.WithKind(wrapped, errors.KindConnectionFailed, "httpstream", "pollOnce", "check response status")
	}

	if cursor := resp.Header.Get("X-Stream-Cursor"); cursor != "" {
		t.mu.Lock()
		t.cursor = cursor
		t.mu.Unlock()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			t.EmitChunk(line, "", "")
		}
	}
	if err := scanner.Err(); err != nil {
		return false, errors.WithKind(err, errors.KindConnectionLost, "httpstream", "pollOnce", "read response")
	}
	return false, nil
}

// reconnectLoop retries the streaming request with exponential backoff
func (t *Transport) reconnectLoop(ctx context.Context) {
	t.SetState(transport.StateReconnecting)
	cfg := t.RetryConfig()

	for {
		attempt := t.IncReconnectAttempts()
		if attempt > cfg.MaxAttempts {
			t.EmitError(errors.WithKind(errors.ErrMaxRetriesExceeded,
				errors.KindMaxRetries, "httpstream", "reconnectLoop", "retry connection"))
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

// Send is unsupported: the stream is response-body only
func (t *Transport) Send(_ []byte) error {
	return errors.WithKind(errors.ErrSendUnsupported,
		errors.KindSendUnsupported, "httpstream", "Send", "send data")
}

// Disconnect aborts the in-flight request and stops the loops
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
	// Release any delivery blocked behind the pause gate so the loops can
	// observe the shutdown
	t.Resume()
	t.wg.Wait()

	t.Logger().Debug("disconnected", "reason", reason)
	if !t.Destroyed() {
		t.SetState(transport.StateDisconnected)
	}
}

// Reconnect tears down and re-issues the streaming request
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
