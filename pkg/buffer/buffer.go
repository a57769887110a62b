// Package buffer provides a generic thread-safe circular buffer with
// configurable overflow policies. Transports use it to queue chunks and
// pending outbound sends across reconnects.
package buffer

import (
	"sync/atomic"

	"github.com/Inutilepat83/OSI-Cards-sub006/metric"
)

// OverflowPolicy controls behavior when a write hits a full buffer
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one
	DropOldest OverflowPolicy = iota
	// DropNewest discards the incoming item
	DropNewest
	// Reject returns ErrFull to the writer
	Reject
)

// Buffer is a bounded FIFO queue for items of type T
type Buffer[T any] interface {
	Write(item T) error
	Read() (T, bool)
	ReadBatch(max int) []T
	Peek() (T, bool)
	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool
	Clear()
	Stats() Stats
	Close() error
}

// Stats holds cumulative buffer counters. All fields are point-in-time
// snapshots taken under the buffer lock.
type Stats struct {
	Writes    int64 `json:"writes"`
	Reads     int64 `json:"reads"`
	Drops     int64 `json:"drops"`
	Overflows int64 `json:"overflows"`
	Size      int64 `json:"size"`
}

// statistics tracks counters with atomics so the hot path never allocates
type statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	drops     atomic.Int64
	overflows atomic.Int64
	size      atomic.Int64
}

func (s *statistics) snapshot() Stats {
	return Stats{
		Writes:    s.writes.Load(),
		Reads:     s.reads.Load(),
		Drops:     s.drops.Load(),
		Overflows: s.overflows.Load(),
		Size:      s.size.Load(),
	}
}

// Option configures a buffer at construction time
type Option[T any] func(*options[T])

type options[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   func(T)
	metricsReg     *metric.MetricsRegistry
	metricsPrefix  string
}

// WithOverflowPolicy sets the behavior for writes against a full buffer
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) {
		o.overflowPolicy = policy
	}
}

// WithDropCallback registers a callback invoked (outside the buffer lock)
// for every item dropped by the overflow policy or by Clear
func WithDropCallback[T any](cb func(T)) Option[T] {
	return func(o *options[T]) {
		o.dropCallback = cb
	}
}

// WithMetrics exposes buffer counters as Prometheus metrics under the
// given component prefix
func WithMetrics[T any](reg *metric.MetricsRegistry, prefix string) Option[T] {
	return func(o *options[T]) {
		o.metricsReg = reg
		o.metricsPrefix = prefix
	}
}
