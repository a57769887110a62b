package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_FanOut(t *testing.T) {
	e := NewEmitter[int](false)
	a, cancelA := e.Subscribe()
	b, cancelB := e.Subscribe()
	defer cancelA()
	defer cancelB()

	e.Publish(7)

	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)
	assert.Equal(t, 2, e.SubscriberCount())
}

func TestEmitter_ReplayLastValue(t *testing.T) {
	e := NewEmitter[string](true)
	e.Publish("first")
	e.Publish("second")

	ch, cancel := e.Subscribe()
	defer cancel()

	assert.Equal(t, "second", <-ch)
}

func TestEmitter_NoReplayWithoutFlag(t *testing.T) {
	e := NewEmitter[string](false)
	e.Publish("gone")

	ch, cancel := e.Subscribe()
	defer cancel()

	select {
	case v := <-ch:
		t.Fatalf("unexpected replayed value %q", v)
	default:
	}
}

func TestEmitter_SlowSubscriberDropsOldest(t *testing.T) {
	e := NewEmitter[int](false)
	ch, cancel := e.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; the oldest pending values give way
	for i := 0; i < subscriberBuffer+10; i++ {
		e.Publish(i)
	}

	first := <-ch
	assert.Greater(t, first, 0, "oldest values should have been discarded")

	// Drain: the newest published value must still be present
	last := first
	for {
		select {
		case v := <-ch:
			last = v
		default:
			assert.Equal(t, subscriberBuffer+9, last)
			return
		}
	}
}

func TestLosslessEmitter_NoDropsInOrder(t *testing.T) {
	e := NewLosslessEmitter[int]()
	ch, cancel := e.Subscribe()
	defer cancel()

	const n = subscriberBuffer * 3
	go func() {
		for i := 0; i < n; i++ {
			e.Publish(i)
		}
	}()

	// The publisher outruns the consumer by design; every value must still
	// arrive, in publish order.
	for want := 0; want < n; want++ {
		require.Equal(t, want, <-ch)
	}
}

func TestLosslessEmitter_CancelReleasesBlockedPublisher(t *testing.T) {
	e := NewLosslessEmitter[int]()
	ch, cancel := e.Subscribe()

	published := make(chan struct{})
	go func() {
		// One more than the buffer holds; the last Publish blocks until
		// the subscription is cancelled
		for i := 0; i <= subscriberBuffer; i++ {
			e.Publish(i)
		}
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publisher should be blocked on the full subscriber")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("cancel did not release the blocked publisher")
	}
	_ = ch
}

func TestEmitter_CancelClosesChannel(t *testing.T) {
	e := NewEmitter[int](false)
	ch, cancel := e.Subscribe()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, e.SubscriberCount())

	// Cancel is idempotent
	cancel()
}

func TestEmitter_CloseCompletesAllSubscribers(t *testing.T) {
	e := NewEmitter[int](false)
	a, _ := e.Subscribe()
	b, _ := e.Subscribe()

	e.Close()

	_, okA := <-a
	_, okB := <-b
	assert.False(t, okA)
	assert.False(t, okB)

	// Publish and Subscribe become no-ops
	e.Publish(1)
	ch, cancel := e.Subscribe()
	defer cancel()
	_, ok := <-ch
	require.False(t, ok)
}
