package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
)

// preferenceOrder is the deterministic protocol preference: the HTTP byte
// stream has the best single-response latency and backpressure behavior, SSE
// is the simplest resumable unidirectional option, WebSocket is duplex but
// heavier, and long-polling is the always-available degraded mode.
var preferenceOrder = []config.Protocol{
	config.ProtocolHTTPStream,
	config.ProtocolSSE,
	config.ProtocolWebSocket,
	config.ProtocolLongPoll,
}

// Factory selects and constructs transports with capability detection and
// fallback chaining. Construct one per engine; it holds no per-session
// state beyond the detection cache.
type Factory struct {
	opts Options

	mu   sync.Mutex
	caps map[config.Protocol]bool
}

// NewFactory creates a transport factory with the given shared dependencies
func NewFactory(opts Options) *Factory {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	return &Factory{
		opts: opts,
		caps: make(map[config.Protocol]bool),
	}
}

// Supported reports whether the protocol can be used on this platform.
// Results are cached after the first check.
func (f *Factory) Supported(protocol config.Protocol) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.caps[protocol]; ok {
		return cached
	}

	supported := Registered(protocol)
	switch protocol {
	case config.ProtocolHTTPStream, config.ProtocolSSE, config.ProtocolLongPoll:
		supported = supported && f.opts.HTTPClient != nil
	case config.ProtocolNATS:
		// Requires a broker URL at config time; registration is the only
		// platform capability to verify here.
	}

	f.caps[protocol] = supported
	return supported
}

// DetectBestProtocol returns the first supported protocol in preference
// order. Long-polling is always available as the degraded mode, so the
// fallback result is ProtocolLongPoll even if detection fails elsewhere.
func (f *Factory) DetectBestProtocol() config.Protocol {
	for _, p := range preferenceOrder {
		if f.Supported(p) {
			return p
		}
	}
	return config.ProtocolLongPoll
}

// New constructs a transport for the configured protocol without
// connecting. An empty protocol selects the best detected one.
func (f *Factory) New(cfg config.Stream) (Transport, error) {
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = f.DetectBestProtocol()
		cfg.Protocol = protocol
	}

	if !f.Supported(protocol) {
		return nil, errors.WithKind(
			fmt.Errorf("%w: %s", errors.ErrProtocolUnsupported, protocol),
			errors.KindProtocolUnsupported, "factory", "New", "check protocol support")
	}

	build, ok := constructor(protocol)
	if !ok {
		return nil, errors.WithKind(
			fmt.Errorf("%w: %s not registered", errors.ErrProtocolUnsupported, protocol),
			errors.KindProtocolUnsupported, "factory", "New", "lookup constructor")
	}

	return build(cfg, f.opts)
}

// CreateWithFallback attempts the preferred protocols in order, moving to
// the next candidate on connection failure, and fails only once every
// candidate is exhausted. The returned transport is connected with chunk
// delivery paused so no data is lost before the caller subscribes; call
// Resume once subscriptions are in place.
func (f *Factory) CreateWithFallback(ctx context.Context, cfg config.Stream, preferred ...config.Protocol) (Transport, error) {
	if len(preferred) == 0 {
		preferred = preferenceOrder
	}

	var attemptErrs []error
	for _, protocol := range preferred {
		if !f.Supported(protocol) {
			attemptErrs = append(attemptErrs,
				fmt.Errorf("%s: %w", protocol, errors.ErrProtocolUnsupported))
			continue
		}

		candidate := cfg.Clone()
		candidate.Protocol = protocol

		t, err := f.New(candidate)
		if err != nil {
			attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", protocol, err))
			continue
		}

		t.Pause()
		if err := t.Connect(ctx); err != nil {
			attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", protocol, err))
			t.Destroy()
			if ctx.Err() != nil {
				break
			}
			continue
		}

		return t, nil
	}

	return nil, errors.WithKind(
		fmt.Errorf("all protocols exhausted: %w", stderrors.Join(attemptErrs...)),
		errors.KindConnectionFailed, "factory", "CreateWithFallback", "connect any protocol")
}
