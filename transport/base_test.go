package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
)

func newTestBase(t *testing.T) *Base {
	t.Helper()
	cfg := config.Default()
	cfg.URL = "https://cards.example.com/stream"
	return NewBase(cfg, config.ProtocolSSE, nil, nil)
}

func TestBase_ChunkSequenceMonotonic(t *testing.T) {
	b := newTestBase(t)
	ch, cancel := b.SubscribeChunks()
	defer cancel()

	b.EmitChunk("alpha", "card", "1")
	b.EmitChunk("beta", "", "")
	b.EmitChunk("gamma", "", "")

	for want := int64(1); want <= 3; want++ {
		chunk := <-ch
		assert.Equal(t, want, chunk.Sequence)
	}

	status := b.Status()
	assert.Equal(t, int64(3), status.ChunksReceived)
	assert.Equal(t, int64(len("alpha")+len("beta")+len("gamma")), status.BytesReceived)
}

func TestBase_ChunkCarriesEventMetadata(t *testing.T) {
	b := newTestBase(t)
	ch, cancel := b.SubscribeChunks()
	defer cancel()

	b.EmitChunk(`{"x":1}`, "section", "ev-9")
	chunk := <-ch

	assert.Equal(t, `{"x":1}`, chunk.Data)
	assert.Equal(t, "section", chunk.EventType)
	assert.Equal(t, "ev-9", chunk.EventID)
	assert.Equal(t, 7, chunk.ByteSize)
	assert.False(t, chunk.Timestamp.IsZero())
}

func TestBase_StateTransitionsPublished(t *testing.T) {
	b := newTestBase(t)
	states, cancel := b.SubscribeStates()
	defer cancel()

	// Replay delivers the initial state to new subscribers
	assert.Equal(t, StateDisconnected, <-states)

	b.SetState(StateConnecting)
	b.SetState(StateConnected)
	assert.Equal(t, StateConnecting, <-states)
	assert.Equal(t, StateConnected, <-states)
	assert.True(t, b.IsConnected())

	// Setting the same state again publishes nothing
	b.SetState(StateConnected)
	select {
	case s := <-states:
		t.Fatalf("unexpected duplicate state %q", s)
	default:
	}
}

func TestBase_PauseGatesChunkDelivery(t *testing.T) {
	b := newTestBase(t)
	ch, cancel := b.SubscribeChunks()
	defer cancel()

	b.Pause()

	delivered := make(chan struct{})
	go func() {
		b.EmitChunk("held", "", "")
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("chunk delivered while paused")
	case <-time.After(50 * time.Millisecond):
	}

	b.Resume()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("chunk not delivered after resume")
	}
	assert.Equal(t, "held", (<-ch).Data)
}

func TestBase_ReconnectAttemptCounter(t *testing.T) {
	b := newTestBase(t)
	assert.Equal(t, 0, b.ReconnectAttempts())
	assert.Equal(t, 1, b.IncReconnectAttempts())
	assert.Equal(t, 2, b.IncReconnectAttempts())

	b.ResetReconnectAttempts()
	assert.Equal(t, 0, b.ReconnectAttempts())
}

func TestBase_RetryConfigFromStream(t *testing.T) {
	cfg := config.Default()
	cfg.URL = "https://cards.example.com/stream"
	cfg.MaxReconnectAttempts = 7
	cfg.ReconnectBaseDelay = 250 * time.Millisecond
	cfg.ReconnectMaxDelay = 8 * time.Second

	b := NewBase(cfg, config.ProtocolWebSocket, nil, nil)
	rc := b.RetryConfig()
	assert.Equal(t, 7, rc.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, rc.InitialDelay)
	assert.Equal(t, 8*time.Second, rc.MaxDelay)
	assert.InDelta(t, 0.10, rc.JitterFraction, 1e-9)
}

func TestBase_MarkDestroyed(t *testing.T) {
	b := newTestBase(t)
	chunks, _ := b.SubscribeChunks()
	states, _ := b.SubscribeStates()

	b.MarkDestroyed()
	require.True(t, b.Destroyed())
	assert.Equal(t, StateClosed, b.State())

	// Drain the replayed state, then both channels must complete
	for range states {
	}
	_, ok := <-chunks
	assert.False(t, ok)

	// Emits after destroy are dropped silently
	b.EmitChunk("late", "", "")
	b.SetState(StateConnected)
	assert.Equal(t, StateClosed, b.State())

	// Idempotent
	b.MarkDestroyed()
}

func TestBase_ResetCounters(t *testing.T) {
	b := newTestBase(t)
	ch, cancel := b.SubscribeChunks()
	defer cancel()

	b.EmitChunk("one", "", "")
	<-ch
	b.ResetCounters()

	status := b.Status()
	assert.Equal(t, int64(0), status.ChunksReceived)
	assert.Equal(t, int64(0), status.BytesReceived)

	// Sequence restarts for the next session
	b.EmitChunk("two", "", "")
	assert.Equal(t, int64(1), (<-ch).Sequence)
}
