package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erilali/wshub/internal/logger"
	"github.com/erilali/wshub/internal/message"
)

func startServer(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	h := NewHub(cfg, WithLogger(logger.Nop()))
	h.Start()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWs))
	t.Cleanup(func() {
		_ = h.Shutdown(0)
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(v)))
}

// readUntil reads envelopes until one of kind arrives or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, kind message.Kind, timeout time.Duration) message.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env message.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Kind == kind {
			return env
		}
	}
}

// drain collects every envelope received until the connection stays quiet
// for the given duration.
func drain(conn *websocket.Conn, quiet time.Duration) []message.Envelope {
	var out []message.Envelope
	for {
		conn.SetReadDeadline(time.Now().Add(quiet))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return out
		}
		var env message.Envelope
		if json.Unmarshal(data, &env) == nil {
			out = append(out, env)
		}
	}
}

func TestWebSocketTargetedMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Minute
	_, url := startServer(t, cfg)

	alice := dial(t, url)
	sendJSON(t, alice, `{"kind":"join","payload":{"name":"alice"}}`)
	bob := dial(t, url)
	sendJSON(t, bob, `{"kind":"join","payload":{"name":"bob"}}`)

	joined := readUntil(t, alice, message.KindJoin, 2*time.Second)
	require.Equal(t, "bob", joined.From)

	sendJSON(t, alice, `{"kind":"message","to":"bob","payload":"hi"}`)

	var got []message.Envelope
	for _, env := range drain(bob, 300*time.Millisecond) {
		if env.Kind == message.KindMessage {
			got = append(got, env)
		}
	}
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].From)
	assert.JSONEq(t, `"hi"`, string(got[0].Payload))

	for _, env := range drain(alice, 100*time.Millisecond) {
		assert.NotEqual(t, message.KindMessage, env.Kind)
	}
}

func TestWebSocketCapacityRejection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Minute
	cfg.MaxTotalConnections = 1
	h, url := startServer(t, cfg)

	first := dial(t, url)
	sendJSON(t, first, `{"kind":"join","payload":{"name":"alice"}}`)
	require.Eventually(t, func() bool { return h.Stats().Identified == 1 }, 2*time.Second, 5*time.Millisecond)

	second := dial(t, url)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, ReasonCapacity, closeErr.Text)

	sendJSON(t, first, `{"kind":"message","to":"all","payload":"still here"}`)
	echo := readUntil(t, first, message.KindMessage, 2*time.Second)
	assert.Equal(t, "alice", echo.From)
}

func TestWebSocketHeartbeats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	_, url := startServer(t, cfg)

	clients := []*websocket.Conn{dial(t, url), dial(t, url)}
	sendJSON(t, clients[0], `{"kind":"join","payload":{"name":"alice"}}`)
	sendJSON(t, clients[1], `{"kind":"join","payload":{"name":"bob"}}`)

	for _, c := range clients {
		for i := 0; i < 3; i++ {
			env := readUntil(t, c, message.KindHeartbeat, time.Second)
			assert.Equal(t, message.System, env.From)
		}
	}
}

func TestWebSocketShutdownCloseFrame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Minute
	h, url := startServer(t, cfg)

	conn := dial(t, url)
	sendJSON(t, conn, `{"kind":"join","payload":{"name":"alice"}}`)
	require.Eventually(t, func() bool { return h.Stats().Identified == 1 }, 2*time.Second, 5*time.Millisecond)

	go h.Shutdown(50 * time.Millisecond)

	readUntil(t, conn, message.KindShutdown, 2*time.Second)
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, ReasonShutdown, closeErr.Text)
}

func TestWebSocketClientCloseReleasesPumps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Minute
	h, url := startServer(t, cfg)
	baseline := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		sendJSON(t, conn, `{"kind":"join","payload":{"name":"alice"}}`)
		require.Eventually(t, func() bool { return h.Stats().Identified == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return h.Stats().Connections == 0 }, 2*time.Second, 5*time.Millisecond)
	}

	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= baseline }, 2*time.Second, 10*time.Millisecond,
		"read and write pumps should exit once the peer goes away")
	assert.Equal(t, uint64(5), h.Stats().Removed)
}
