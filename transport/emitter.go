package transport

import "sync"

// subscriberBuffer is the per-subscriber channel depth. In drop-oldest mode
// a slow subscriber loses its oldest pending value rather than blocking the
// pipeline; in lossless mode the publisher blocks instead.
const subscriberBuffer = 64

// subscriber pairs the delivery channel with a done signal that aborts any
// blocked lossless send, so cancel can never race a publisher into a send
// on a closed channel.
type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	wg   sync.WaitGroup // in-flight lossless sends
}

// Emitter fans values out to any number of independent subscribers. With
// replay enabled, a new subscriber immediately receives the most recent
// value, which gives status and state channels their snapshot semantics.
// Close completes every subscriber channel deterministically.
//
// Drop-oldest emitters favor freshness: a full subscriber discards its
// oldest pending value. Lossless emitters favor completeness: Publish
// blocks until every subscriber has accepted the value, so a single
// producer observes gap-free, order-preserving delivery. Data chunks ride
// lossless emitters; states, statuses, and errors ride drop-oldest ones.
type Emitter[T any] struct {
	mu       sync.Mutex
	subs     map[int]*subscriber[T]
	nextID   int
	last     T
	hasLast  bool
	replay   bool
	lossless bool
	closed   bool
}

// NewEmitter creates a drop-oldest emitter. replay controls last-value
// delivery to new subscribers.
func NewEmitter[T any](replay bool) *Emitter[T] {
	return &Emitter[T]{
		subs:   make(map[int]*subscriber[T]),
		replay: replay,
	}
}

// NewLosslessEmitter creates an emitter whose Publish blocks until every
// subscriber has room, preserving order with no drops. Meant for
// single-producer data paths; concurrent publishers would interleave.
func NewLosslessEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{
		subs:     make(map[int]*subscriber[T]),
		lossless: true,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed on cancel or when the emitter closes;
// cancelling also releases any publisher blocked on this subscriber.
func (e *Emitter[T]) Subscribe() (<-chan T, func()) {
	e.mu.Lock()

	ch := make(chan T, subscriberBuffer)
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}

	id := e.nextID
	e.nextID++
	sub := &subscriber[T]{ch: ch, done: make(chan struct{})}
	e.subs[id] = sub

	if e.replay && e.hasLast {
		ch <- e.last
	}
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		s, ok := e.subs[id]
		if ok {
			delete(e.subs, id)
		}
		e.mu.Unlock()
		if !ok {
			return
		}
		close(s.done)
		s.wg.Wait()
		close(s.ch)
	}
}

// Publish delivers v to all subscribers. Drop-oldest emitters never block:
// a full subscriber buffer discards its oldest pending value to make room.
// Lossless emitters block until every subscriber accepts the value or
// cancels its subscription.
func (e *Emitter[T]) Publish(v T) {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return
	}

	e.last = v
	e.hasLast = true

	if !e.lossless {
		for _, s := range e.subs {
			select {
			case s.ch <- v:
			default:
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- v:
				default:
				}
			}
		}
		e.mu.Unlock()
		return
	}

	targets := make([]*subscriber[T], 0, len(e.subs))
	for _, s := range e.subs {
		s.wg.Add(1)
		targets = append(targets, s)
	}
	e.mu.Unlock()

	for _, s := range targets {
		select {
		case s.ch <- v:
		case <-s.done:
		}
		s.wg.Done()
	}
}

// SubscriberCount returns the number of active subscribers
func (e *Emitter[T]) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close completes all subscriber channels. Publish and Subscribe become
// no-ops afterwards.
func (e *Emitter[T]) Close() {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[int]*subscriber[T])
	e.mu.Unlock()

	for _, s := range subs {
		close(s.done)
		s.wg.Wait()
		close(s.ch)
	}
}
