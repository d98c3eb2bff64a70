package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPingingHub(t *testing.T) (*WebsocketHub, string) {
	t.Helper()
	hub := NewWebsocketHub(noopLogger{}, nil)
	hub.pingInterval = 20 * time.Millisecond
	hub.pongWait = 100 * time.Millisecond
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := hub.Upgrade(w, r); err != nil {
			t.Errorf("upgrade: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketIdleClientStaysConnected(t *testing.T) {
	hub, wsURL := newPingingHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Reading lets the client answer pings; it never sends a message itself.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, hub.Clients(), "idle client outlives the pong wait")
}

func TestWebsocketUnresponsiveClientIsDropped(t *testing.T) {
	hub, wsURL := newPingingHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Without a reader no pong is ever sent.
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
