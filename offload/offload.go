// Package offload runs card processing operations on a bounded worker
// pool, falling back to synchronous execution when the pool is saturated
// or a request times out. The pool is created lazily and torn down after
// an idle period.
package offload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Inutilepat83/OSI-Cards-sub006/card"
	"github.com/Inutilepat83/OSI-Cards-sub006/metric"
	"github.com/Inutilepat83/OSI-Cards-sub006/pkg/worker"
)

const (
	defaultWorkers        = 2
	defaultQueueSize      = 64
	defaultRequestTimeout = 5 * time.Second
	defaultIdleTimeout    = 30 * time.Second
)

// Request describes one operation. Exactly the fields relevant to the
// operation type need to be set.
type Request struct {
	ID   string
	Type OpType

	// OpParseJSON and OpExtractSections input
	Doc string

	// OpDiffSections input
	Prev *card.Card
	Next *card.Card

	// OpValidateCard input
	Card *card.Card
}

// Response carries the outcome of one request
type Response struct {
	ID       string        `json:"id"`
	Type     OpType        `json:"type"`
	Success  bool          `json:"success"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`

	// Offloaded reports whether the pool ran the request; false means
	// the synchronous fallback did
	Offloaded bool `json:"offloaded"`
}

type pendingRequest struct {
	req    Request
	result chan Response
}

// Config tunes the offloader
type Config struct {
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}

// Option configures an Offloader
type Option func(*Offloader)

// WithConfig overrides the default pool sizing and timeouts
func WithConfig(cfg Config) Option {
	return func(o *Offloader) {
		if cfg.Workers > 0 {
			o.workers = cfg.Workers
		}
		if cfg.QueueSize > 0 {
			o.queueSize = cfg.QueueSize
		}
		if cfg.RequestTimeout > 0 {
			o.requestTimeout = cfg.RequestTimeout
		}
		if cfg.IdleTimeout > 0 {
			o.idleTimeout = cfg.IdleTimeout
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Offloader) { o.logger = logger }
}

// WithMetrics enables pool metrics on the registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *Offloader) { o.registry = registry }
}

// Offloader dispatches requests to a lazily created worker pool
type Offloader struct {
	workers        int
	queueSize      int
	requestTimeout time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
	registry       *metric.MetricsRegistry

	mu        sync.Mutex
	pool      *worker.Pool[*pendingRequest]
	poolStop  context.CancelFunc
	idleTimer *time.Timer
	closed    bool
}

// New creates an offloader. No workers start until the first request.
func New(opts ...Option) *Offloader {
	o := &Offloader{
		workers:        defaultWorkers,
		queueSize:      defaultQueueSize,
		requestTimeout: defaultRequestTimeout,
		idleTimeout:    defaultIdleTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs one request, preferring the pool and falling back to the
// calling goroutine when the pool cannot deliver in time. The fallback
// produces identical results because both paths share the same operation
// implementations.
func (o *Offloader) Execute(ctx context.Context, req Request) Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	pending := &pendingRequest{
		req:    req,
		result: make(chan Response, 1),
	}

	pool := o.ensurePool()
	if pool == nil || pool.Submit(pending) != nil {
		return o.runSync(req)
	}

	timer := time.NewTimer(o.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-pending.result:
		return resp
	case <-ctx.Done():
		return o.runSync(req)
	case <-timer.C:
		o.logger.Debug("offload request timed out, running synchronously",
			"id", req.ID, "type", req.Type)
		return o.runSync(req)
	}
}

// ensurePool returns the running pool, creating it on first use and after
// idle teardown. Returns nil once the offloader is closed.
func (o *Offloader) ensurePool() *worker.Pool[*pendingRequest] {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}

	if o.pool == nil {
		pool := worker.NewPool(o.workers, o.queueSize, o.process,
			o.poolOptions()...)
		poolCtx, cancel := context.WithCancel(context.Background())
		if err := pool.Start(poolCtx); err != nil {
			cancel()
			return nil
		}
		o.pool = pool
		o.poolStop = cancel
		o.logger.Debug("offload pool started", "workers", o.workers)
	}

	if o.idleTimer == nil {
		o.idleTimer = time.AfterFunc(o.idleTimeout, o.teardownIdle)
	} else {
		o.idleTimer.Reset(o.idleTimeout)
	}
	return o.pool
}

func (o *Offloader) poolOptions() []worker.Option[*pendingRequest] {
	if o.registry == nil {
		return nil
	}
	return []worker.Option[*pendingRequest]{
		worker.WithMetricsRegistry[*pendingRequest](o.registry, "offload"),
	}
}

// process runs inside a pool worker
func (o *Offloader) process(_ context.Context, pending *pendingRequest) error {
	resp := runOp(pending.req)
	resp.Offloaded = true
	pending.result <- resp
	return nil
}

// teardownIdle stops the pool after a quiet period; the next request
// recreates it.
func (o *Offloader) teardownIdle() {
	o.mu.Lock()
	pool := o.pool
	cancel := o.poolStop
	o.pool = nil
	o.poolStop = nil
	o.mu.Unlock()

	if pool == nil {
		return
	}
	if err := pool.Stop(time.Second); err != nil {
		o.logger.Warn("offload pool stop timed out", "error", err)
	}
	if cancel != nil {
		cancel()
	}
	o.logger.Debug("offload pool torn down after idle period")
}

// runSync executes the request on the calling goroutine
func (o *Offloader) runSync(req Request) Response {
	return runOp(req)
}

// runOp is the single execution path shared by workers and the fallback
func runOp(req Request) Response {
	start := time.Now()
	resp := Response{ID: req.ID, Type: req.Type}

	switch req.Type {
	case OpParseJSON:
		c, err := ParseJSON(req.Doc)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
			resp.Result = c
		}
	case OpDiffSections:
		resp.Success = true
		resp.Result = DiffSections(req.Prev, req.Next)
	case OpValidateCard:
		issues := ValidateCard(req.Card)
		resp.Success = len(issues) == 0
		resp.Result = issues
	case OpExtractSections:
		resp.Success = true
		resp.Result = ExtractSections(req.Doc)
	default:
		resp.Error = "unknown operation type: " + string(req.Type)
	}

	resp.Duration = time.Since(start)
	return resp
}

// Close stops the pool permanently. Later Execute calls run on the
// synchronous path only.
func (o *Offloader) Close() {
	o.mu.Lock()
	o.closed = true
	if o.idleTimer != nil {
		o.idleTimer.Stop()
		o.idleTimer = nil
	}
	pool := o.pool
	cancel := o.poolStop
	o.pool = nil
	o.poolStop = nil
	o.mu.Unlock()

	if pool != nil {
		pool.Stop(time.Second)
	}
	if cancel != nil {
		cancel()
	}
}
