package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inutilepat83/OSI-Cards-sub006/config"
	"github.com/Inutilepat83/OSI-Cards-sub006/errors"
	"github.com/Inutilepat83/OSI-Cards-sub006/transport"
)

var upgrader = gorilla.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func testConfig(url string) config.Stream {
	cfg := config.Default()
	cfg.URL = url
	cfg.Protocol = config.ProtocolWebSocket
	cfg.AutoReconnect = false
	cfg.HeartbeatInterval = 0 // heartbeats off unless a test wants them
	return cfg
}

// wsServer upgrades each connection and hands it to the handler
func wsServer(t *testing.T, handler func(conn *gorilla.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
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

func TestConnect_EnvelopedChunks(t *testing.T) {
	url := wsServer(t, func(conn *gorilla.Conn) {
		conn.WriteMessage(gorilla.TextMessage,
			[]byte(`{"type":"chunk","id":"m1","data":{"cardTitle":"T"}}`))
		conn.WriteMessage(gorilla.TextMessage,
			[]byte(`{"type":"complete","data":{"done":true}}`))
		time.Sleep(100 * time.Millisecond)
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	chunks, cancel := tr.SubscribeChunks()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	got := collectChunks(t, chunks, 2)
	assert.Equal(t, `{"cardTitle":"T"}`, got[0].Data)
	assert.Equal(t, "chunk", got[0].EventType)
	assert.Equal(t, "m1", got[0].EventID)
	assert.Equal(t, "complete", got[1].EventType)
}

func TestConnect_ControlEnvelopesNeverBecomeChunks(t *testing.T) {
	url := wsServer(t, func(conn *gorilla.Conn) {
		// Payload-bearing bookkeeping envelopes must not reach the parser
		conn.WriteMessage(gorilla.TextMessage,
			[]byte(`{"type":"heartbeat","timestamp":1,"data":{"alive":true}}`))
		conn.WriteMessage(gorilla.TextMessage,
			[]byte(`{"type":"ack","id":"a1","data":{"seq":4}}`))
		conn.WriteMessage(gorilla.TextMessage,
			[]byte(`{"type":"control","data":{"op":"throttle"}}`))
		conn.WriteMessage(gorilla.TextMessage,
			[]byte(`{"type":"chunk","id":"m1","data":{"cardTitle":"T"}}`))
		time.Sleep(100 * time.Millisecond)
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	chunks, cancel := tr.SubscribeChunks()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	got := collectChunks(t, chunks, 1)
	assert.Equal(t, `{"cardTitle":"T"}`, got[0].Data)
	assert.Equal(t, "m1", got[0].EventID)

	select {
	case extra := <-chunks:
		t.Fatalf("control envelope delivered as chunk: %q", extra.Data)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestConnect_HeartbeatEnvelopeUpdatesLatency(t *testing.T) {
	sent := time.Now().Add(-40 * time.Millisecond).UnixMilli()
	url := wsServer(t, func(conn *gorilla.Conn) {
		conn.WriteMessage(gorilla.TextMessage,
			[]byte(fmt.Sprintf(`{"type":"heartbeat","timestamp":%d}`, sent)))
		time.Sleep(200 * time.Millisecond)
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	require.NoError(t, tr.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return tr.Status().Latency >= 40*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnect_RawFramesPassThrough(t *testing.T) {
	url := wsServer(t, func(conn *gorilla.Conn) {
		conn.WriteMessage(gorilla.TextMessage, []byte(`{"cardTitle":"no envelope"}`))
		conn.WriteMessage(gorilla.BinaryMessage, []byte("raw bytes"))
		time.Sleep(100 * time.Millisecond)
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	chunks, cancel := tr.SubscribeChunks()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	got := collectChunks(t, chunks, 2)
	assert.Equal(t, `{"cardTitle":"no envelope"}`, got[0].Data)
	assert.Empty(t, got[0].EventType)
	assert.Equal(t, "raw bytes", got[1].Data)
}

func TestConnect_ErrorEnvelopeEmitsError(t *testing.T) {
	url := wsServer(t, func(conn *gorilla.Conn) {
		conn.WriteMessage(gorilla.TextMessage,
			[]byte(`{"type":"error","data":{"message":"generator failed"}}`))
		time.Sleep(100 * time.Millisecond)
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	errs, cancel := tr.SubscribeErrors()
	defer cancel()
	require.NoError(t, tr.Connect(context.Background()))

	select {
	case got := <-errs:
		assert.Contains(t, got.Error(), "generator failed")
	case <-time.After(2 * time.Second):
		t.Fatal("no error emitted for error envelope")
	}
}

func TestSend_WritesToServer(t *testing.T) {
	received := make(chan []byte, 1)
	url := wsServer(t, func(conn *gorilla.Conn) {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			received <- msg
		}
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Send([]byte(`{"action":"regenerate"}`)))

	select {
	case msg := <-received:
		assert.Equal(t, `{"action":"regenerate"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}
}

func TestSend_QueuesWhileDisconnectedAndFlushesOnConnect(t *testing.T) {
	received := make(chan []byte, 4)
	url := wsServer(t, func(conn *gorilla.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	// Not connected yet: sends are queued, not rejected
	require.NoError(t, tr.Send([]byte("queued-1")))
	require.NoError(t, tr.Send([]byte("queued-2")))

	require.NoError(t, tr.Connect(context.Background()))

	for _, want := range []string{"queued-1", "queued-2"} {
		select {
		case msg := <-received:
			assert.Equal(t, want, string(msg))
		case <-time.After(2 * time.Second):
			t.Fatalf("queued message %q never flushed", want)
		}
	}
}

func TestCleanClose_ReadsAsDisconnect(t *testing.T) {
	url := wsServer(t, func(conn *gorilla.Conn) {
		conn.WriteMessage(gorilla.TextMessage, []byte("last words"))
		conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "done"),
			time.Now().Add(time.Second))
		time.Sleep(100 * time.Millisecond)
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	states, cancelStates := tr.SubscribeStates()
	defer cancelStates()
	chunks, cancelChunks := tr.SubscribeChunks()
	defer cancelChunks()

	require.NoError(t, tr.Connect(context.Background()))
	collectChunks(t, chunks, 1)

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
			t.Fatal("normal closure did not produce a disconnect")
		}
	}
}

func TestDial_RejectedHandshakeIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestServerPing_AnsweredWithPong(t *testing.T) {
	pong := make(chan Envelope, 1)
	url := wsServer(t, func(conn *gorilla.Conn) {
		conn.WriteMessage(gorilla.TextMessage, []byte(`{"type":"ping","id":"p1"}`))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if jsonErr := json.Unmarshal(msg, &env); jsonErr == nil {
			pong <- env
		}
	})

	tr, err := New(testConfig(url), transport.Options{})
	require.NoError(t, err)
	defer tr.Destroy()

	require.NoError(t, tr.Connect(context.Background()))

	select {
	case env := <-pong:
		assert.Equal(t, "pong", env.Type)
		assert.Equal(t, "p1", env.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("server ping was not answered")
	}
}

func TestNew_RequiresURL(t *testing.T) {
	cfg := config.Default()
	_, err := New(cfg, transport.Options{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
