package control

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/pipeline"
	"github.com/funnyzak/mitmtap/internal/state"
)

// Event is one message on the live feed.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Event types.
const (
	EventRequest      = "request"
	EventInterception = "interception"
	EventState        = "state"
)

const (
	wsWriteWait    = 5 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// WebsocketHub manages live connections for flow and state broadcasts.
type WebsocketHub struct {
	logger logger.Logger
	// clients maps each connection to the channel that stops its pinger.
	clients map[*websocket.Conn]chan struct{}
	mu      sync.RWMutex
	// writeMu serializes writes; gorilla connections allow one concurrent writer.
	writeMu sync.Mutex

	upgrader     websocket.Upgrader
	pongWait     time.Duration
	pingInterval time.Duration
}

// NewWebsocketHub creates a new hub. checkOrigin may be nil to accept any origin.
func NewWebsocketHub(log logger.Logger, checkOrigin func(*http.Request) bool) *WebsocketHub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &WebsocketHub{
		logger:  log,
		clients: make(map[*websocket.Conn]chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		pongWait:     wsPongWait,
		pingInterval: wsPingInterval,
	}
}

// Upgrade upgrades the HTTP connection to WebSocket.
func (h *WebsocketHub) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	h.register(conn)
	return conn, nil
}

// Observe implements pipeline.Observer
func (h *WebsocketHub) Observe(ev pipeline.Event) {
	if ev.Record == nil {
		return
	}
	switch ev.Action {
	case state.Recorded:
		h.Broadcast(Event{Type: EventRequest, Data: ev.Record.Summary()})
	case state.Intercepted:
		h.Broadcast(Event{Type: EventInterception, Data: map[string]interface{}{
			"flow_id":     ev.FlowID,
			"method":      ev.Method,
			"url":         ev.URL,
			"template_id": strconv.FormatUint(ev.Record.ID, 10),
		}})
	}
}

// BroadcastState pushes the proxy state to every client.
func (h *WebsocketHub) BroadcastState(snap state.Snapshot) {
	h.Broadcast(Event{Type: EventState, Data: snap})
}

// Clients returns the number of connected clients.
func (h *WebsocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebsocketHub) register(conn *websocket.Conn) {
	done := make(chan struct{})
	h.mu.Lock()
	h.clients[conn] = done
	h.mu.Unlock()

	go h.readLoop(conn)
	go h.pingLoop(conn, done)
}

func (h *WebsocketHub) readLoop(conn *websocket.Conn) {
	defer h.unregister(conn)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingLoop keeps idle clients alive; browsers answer pings with pongs, which
// extend the read deadline.
func (h *WebsocketHub) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			h.writeMu.Unlock()
			if err != nil {
				h.unregister(conn)
				return
			}
		}
	}
}

func (h *WebsocketHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	done, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()

	if ok {
		close(done)
	}
	conn.Close()
}

// Broadcast sends event to all active connections.
func (h *WebsocketHub) Broadcast(event Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal websocket payload", "error", err)
		return
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("Failed to write to websocket client", "error", err)
			h.unregister(conn)
		}
	}
}

// Close terminates all connections.
func (h *WebsocketHub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn, done := range h.clients {
		conns = append(conns, conn)
		close(done)
	}
	h.clients = make(map[*websocket.Conn]chan struct{})
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for _, conn := range conns {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}
