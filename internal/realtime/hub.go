// Package realtime implements the room-based websocket bus that carries
// live telemetry, status, alert, and twin events to operator dashboards.
package realtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the framing for both directions: server events carry Type
// (the event name) plus Room and Data; client requests carry Action
// ("join"/"leave") plus Room.
type Message struct {
	Type   string          `json:"type,omitempty"`
	Action string          `json:"action,omitempty"`
	Room   string          `json:"room,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	id    string
	rooms map[string]struct{}
}

// Hub maintains active websocket clients and their room membership.
type Hub struct {
	log        logrus.FieldLogger
	token      string
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	bridge     *Bridge
}

type envelope struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func NewHub(token string, log logrus.FieldLogger) *Hub {
	return &Hub{
		log:        log,
		token:      token,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 512),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetBridge attaches a cross-instance bridge. Must be called before Run.
func (h *Hub) SetBridge(b *Bridge) {
	h.bridge = b
}

// Run drives registration and fan-out until the context is canceled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.WithField("client", client.id).Info("realtime client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.WithField("client", client.id).Info("realtime client disconnected")

		case env := <-h.broadcast:
			h.deliver(env)

		case <-pingTicker.C:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- pingFrame():
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Emit delivers the event to every connection in the room, and forwards
// it to the bridge so other instances deliver it too. Never blocks the
// caller; a full broadcast buffer drops the event with a warning.
func (h *Hub) Emit(room, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to marshal realtime event")
		return
	}
	env := envelope{Room: room, Event: event, Data: raw}

	select {
	case h.broadcast <- env:
	default:
		h.log.WithField("event", event).Warn("realtime broadcast buffer full, dropping event")
	}

	if h.bridge != nil {
		h.bridge.Forward(env)
	}
}

// deliverRemote injects an event received from another instance.
func (h *Hub) deliverRemote(env envelope) {
	select {
	case h.broadcast <- env:
	default:
		h.log.Warn("realtime broadcast buffer full, dropping bridged event")
	}
}

func (h *Hub) deliver(env envelope) {
	frame, err := json.Marshal(Message{Type: env.Event, Room: env.Room, Data: env.Data})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if _, member := client.rooms[env.Room]; !member {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// Slow consumer; the read/write pumps will tear it down.
			h.log.WithField("client", client.id).Warn("realtime client send buffer full")
		}
	}
}

func pingFrame() []byte {
	frame, _ := json.Marshal(Message{Type: "ping"})
	return frame
}

// HandleWebSocket authenticates and upgrades a dashboard connection.
// Rejected connections carry no presence.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Error("failed to upgrade websocket connection")
		return
	}

	client := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		id:    r.RemoteAddr,
		rooms: map[string]struct{}{RoomAuthenticated: {}},
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	supplied := r.URL.Query().Get("token")
	if supplied == "" {
		supplied = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(h.token)) == 1
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("client", c.id).Warn("websocket read error")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.log.WithField("client", c.id).Debug("ignoring malformed realtime message")
			continue
		}
		switch msg.Action {
		case "join":
			if msg.Room != "" && msg.Room != RoomAuthenticated {
				c.hub.mu.Lock()
				c.rooms[msg.Room] = struct{}{}
				c.hub.mu.Unlock()
			}
		case "leave":
			if msg.Room != RoomAuthenticated {
				c.hub.mu.Lock()
				delete(c.rooms, msg.Room)
				c.hub.mu.Unlock()
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
