package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/asset-service/internal/store"

	"github.com/gorilla/websocket"
)

const (
	AssetCreated   = "asset.created"
	AssetUpdated   = "asset.updated"
	AssetDeleted   = "asset.deleted"
	AssetRelations = "asset.relations_updated"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
	sendBuffer   = 16
)

// Event describes an asset change. Events are delivered only to subscribers in
// the same tenant/customer scope.
type Event struct {
	Type     string    `json:"type"`
	AssetID  string    `json:"asset_id,omitempty"`
	DeviceID string    `json:"device_id,omitempty"`
	At       time.Time `json:"at"`

	scope store.Scope
}

func NewEvent(scope store.Scope, eventType, assetID, deviceID string) Event {
	return Event{Type: eventType, AssetID: assetID, DeviceID: deviceID, scope: scope}
}

type subscriber struct {
	conn  *websocket.Conn
	out   chan []byte
	scope store.Scope
}

// Hub fans asset events out to websocket subscribers, grouped by scope.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	scopes map[store.Scope]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The route sits behind the JWT middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		scopes: map[store.Scope]map[*subscriber]struct{}{},
	}
}

// Serve upgrades the connection and subscribes it to events of scope. It
// returns when the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, scope store.Scope) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &subscriber{conn: conn, out: make(chan []byte, sendBuffer), scope: scope}
	h.join(s)

	go s.writeLoop()
	s.readLoop()
	h.leave(s)
}

func (h *Hub) Broadcast(ev Event) {
	ev.At = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.scopes[ev.scope] {
		select {
		case s.out <- payload:
		default:
			// Subscriber is not keeping up.
			h.dropLocked(s)
		}
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.scopes {
		n += len(set)
	}
	return n
}

func (h *Hub) join(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.scopes[s.scope]
	if !ok {
		set = map[*subscriber]struct{}{}
		h.scopes[s.scope] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) leave(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s)
}

func (h *Hub) dropLocked(s *subscriber) {
	set := h.scopes[s.scope]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.scopes, s.scope)
	}
	close(s.out)
	_ = s.conn.Close()
}

// readLoop only services control frames; clients never send data.
func (s *subscriber) readLoop() {
	s.conn.SetReadLimit(1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case msg, ok := <-s.out:
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind, data = websocket.TextMessage, msg
		case <-ticker.C:
			kind = websocket.PingMessage
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}
