package sse

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
)

func testConfig(url string) config.Stream {
	cfg := config.Default()
	cfg.URL = url
	cfg.Protocol = config.ProtocolSSE
	cfg.AutoReconnect = false
	return cfg
}

func collectChunks(t *testing.T, ch <-chan transport.Chunk, n int) []transport.Chunk {
	t.Helper()
	out := make([]transport.Chunk, 0, n)
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case chunk, ok := <-ch:
			if !ok {
				t.Fatalf("chunk channel closed after %d of %d", len(out), n)
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatalf("timed out after %d of %d chunks", len(out), n)
		}
	}
	return out
}

func sseServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnect_DeliversEvents(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		f := w.(http.Flusher)
		fmt.Fprint(w, "event: card\ndata: {\"cardTitle\":\"T\"}\nid: 1\n\n")
		fmt.Fprint(w, "data: plain message\n\n")
		f.Flush()
	})

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	chunks, cancel := tr.SubscribeChunks()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	got := collectChunks(t, chunks, 2)
	assert.Equal(t, `{"cardTitle":"T"}`, got[0].Data)
	assert.Equal(t, "card", got[0].EventType)
	assert.Equal(t, "1", got[0].EventID)
	assert.Equal(t, "plain message", got[1].Data)
	assert.Empty(t, got[1].EventType)
}

func TestConsume_MultiLineDataJoined(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: line one\ndata: line two\n\n")
	})

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	chunks, cancel := tr.SubscribeChunks()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	got := collectChunks(t, chunks, 1)
	assert.Equal(t, "line one\nline two", got[0].Data)
}

func TestConsume_HeartbeatAndCommentsDropped(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
		fmt.Fprint(w, "data: real content\n\n")
	})

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	chunks, cancel := tr.SubscribeChunks()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	got := collectChunks(t, chunks, 1)
	assert.Equal(t, "real content", got[0].Data)
}

func TestConsume_TimestampedHeartbeatUpdatesLatency(t *testing.T) {
	sent := time.Now().Add(-30 * time.Millisecond).UnixMilli()
	srv := sseServer(t, func(w http.ResponseWriter, _ *http.Request) {
		f := w.(http.Flusher)
		fmt.Fprintf(w, "event: heartbeat\ndata: %d\n\n", sent)
		f.Flush()
		time.Sleep(200 * time.Millisecond)
	})

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	require.NoError(t, tr.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return tr.Status().Latency >= 30*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatLatency(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d, ok := heartbeatLatency(fmt.Sprint(now.Add(-250*time.Millisecond).UnixMilli()), now)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)

	d, ok = heartbeatLatency(now.Add(-1*time.Second).Format(time.RFC3339Nano), now)
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	// Clock skew into the future is discarded
	_, ok = heartbeatLatency(fmt.Sprint(now.Add(time.Minute).UnixMilli()), now)
	assert.False(t, ok)

	_, ok = heartbeatLatency("{}", now)
	assert.False(t, ok)
	_, ok = heartbeatLatency("", now)
	assert.False(t, ok)
}

func TestConsume_ErrorEventEmitsError(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "event: error\ndata: generator exploded\n\n")
	})

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	errs, cancel := tr.SubscribeErrors()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	select {
	case got := <-errs:
		assert.Contains(t, got.Error(), "generator exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("no error emitted for error event")
	}
}

func TestReconnect_ResumesWithLastEventID(t *testing.T) {
	requests := make(chan *http.Request, 4)
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		fmt.Fprint(w, "id: ev-42\ndata: payload\n\n")
	})

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	chunks, cancel := tr.SubscribeChunks()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))
	collectChunks(t, chunks, 1)
	<-requests

	require.NoError(t, tr.Reconnect(context.Background()))
	second := <-requests
	assert.Equal(t, "ev-42", second.URL.Query().Get("lastEventId"))
	assert.Equal(t, "ev-42", second.Header.Get("Last-Event-ID"))
}

func TestConnect_ClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, transport.StateError, tr.Status().State)
}

func TestConnect_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, errors.IsFatal(err))
	assert.Equal(t, errors.KindConnectionFailed, errors.KindOf(err))
}

func TestSend_Unsupported(t *testing.T) {
	tr, err := New(testConfig("http://unused.example.com"), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	sendErr := tr.Send([]byte("upstream"))
	require.Error(t, sendErr)
	assert.ErrorIs(t, sendErr, errors.ErrSendUnsupported)
	assert.Equal(t, errors.KindSendUnsupported, errors.KindOf(sendErr))
}

func TestNew_RequiresURL(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol = config.ProtocolSSE
	_, err := New(cfg, transport.Options{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestStreamEnd_ReadsAsDisconnect(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: only one\n\n")
	})

	tr, err := New(testConfig(srv.URL), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	states, cancel := tr.SubscribeStates()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	timeout := time.After(3 * time.Second)
	sawConnected := false
	for {
		select {
		case s := <-states:
			if s == transport.StateConnected {
				sawConnected = true
			}
			if sawConnected && s == transport.StateDisconnected {
				return
			}
		case <-timeout:
			t.Fatal("stream end did not produce a disconnect")
		}
	}
}
