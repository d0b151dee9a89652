// Package ws is the WebSocket transport: a hub of persistent, bidirectional
// connections grouped into per-room broadcast channels, plus one channel
// spanning every admin connection (used for heartbeat probes). The hub moves
// bytes; all game semantics live behind the Handler interface.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/optionpit/game-engine/internal/metrics"
	"github.com/optionpit/game-engine/internal/model"
)

// Envelope is the wire frame: a named event with a JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler is the inbound side of the transport, implemented by the game
// service.
type Handler interface {
	// Resolve maps a presented session id to a session, minting a fresh one
	// when resumption fails.
	Resolve(sessionID string) model.Session
	// Connected is invoked after the connection is registered; the handler
	// pushes the initial session event from here.
	Connected(sess model.Session)
	// HandleMessage dispatches one inbound frame. Frames are handled to
	// completion in connection order.
	HandleMessage(playerID string, payload []byte)
	// Disconnected is invoked when a connection drops.
	Disconnected(playerID string)
}

// Hub tracks live connections and their room/admin channel membership.
// One connection per player id: a reconnect replaces the prior socket.
type Hub struct {
	handler Handler

	mu      sync.RWMutex
	clients map[string]*client         // playerID → connection
	rooms   map[string]map[string]bool // roomID → set of playerIDs
	admins  map[string]bool            // playerIDs on the admin channel

	upgrader websocket.Upgrader
}

// NewHub creates a hub. checkOrigin implements the configured cross-origin
// policy (permissive in development, single-origin in production).
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	return &Hub{
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]bool),
		admins:  make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// SetHandler wires the game service in. Must be called before HandleWS.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// HandleWS upgrades GET /ws. The client presents its previous session id in
// the "session" query parameter, or nothing on first connect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sess := h.handler.Resolve(r.URL.Query().Get("session"))
	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		playerID: sess.PlayerID,
	}

	h.mu.Lock()
	if prev, ok := h.clients[sess.PlayerID]; ok {
		// Reconnect: the new socket wins.
		close(prev.send)
	}
	h.clients[sess.PlayerID] = c
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(total))
	slog.Info("ws client connected", "player", sess.PlayerID, "total", total)

	go c.writePump()
	go c.readPump()

	h.handler.Connected(sess)
}

// drop unregisters a client after its read pump exits.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	cur, ok := h.clients[c.playerID]
	if ok && cur == c {
		delete(h.clients, c.playerID)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok && cur == c {
		metrics.WebSocketClients.Set(float64(total))
		h.handler.Disconnected(c.playerID)
	}
}

// JoinRoom adds a player to a room's broadcast channel. Membership survives
// a disconnect; broadcasts simply skip players with no live connection.
func (h *Hub) JoinRoom(roomID, playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.rooms[roomID]
	if !ok {
		set = make(map[string]bool)
		h.rooms[roomID] = set
	}
	set[playerID] = true
}

// DropRoom removes a room's broadcast channel entirely.
func (h *Hub) DropRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

// AddAdmin puts a player on the admin heartbeat channel.
func (h *Hub) AddAdmin(playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.admins[playerID] = true
}

// RemoveAdmin takes a player off the admin heartbeat channel.
func (h *Hub) RemoveAdmin(playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.admins, playerID)
}

// SendTo delivers one event to one player, if connected. The enqueue happens
// under the read lock: send channels are only closed under the write lock, so
// a reconnect or drop can never close the channel mid-send.
func (h *Hub) SendTo(playerID, event string, payload any) {
	msg, err := marshalEnvelope(event, payload)
	if err != nil {
		return
	}

	h.mu.RLock()
	if c, ok := h.clients[playerID]; ok {
		c.enqueue(msg)
	}
	h.mu.RUnlock()
}

// BroadcastRoom delivers one event to every connected member of a room.
func (h *Hub) BroadcastRoom(roomID, event string, payload any) {
	msg, err := marshalEnvelope(event, payload)
	if err != nil {
		return
	}

	h.mu.RLock()
	for playerID := range h.rooms[roomID] {
		if c, ok := h.clients[playerID]; ok {
			c.enqueue(msg)
		}
	}
	h.mu.RUnlock()
}

// BroadcastAdmins delivers one event to every connected admin.
func (h *Hub) BroadcastAdmins(event string, payload any) {
	msg, err := marshalEnvelope(event, payload)
	if err != nil {
		return
	}

	h.mu.RLock()
	for playerID := range h.admins {
		if c, ok := h.clients[playerID]; ok {
			c.enqueue(msg)
		}
	}
	h.mu.RUnlock()
}

func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		// Drop if buffer full to avoid blocking round processing.
	}
}

func marshalEnvelope(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("ws marshal failed", "event", event, "err", err)
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}
