// Package rooms runs per-project WebSocket rooms. Members see the same
// events the SSE channels carry (BoQ edits, collaborator changes) plus
// presence, bridged from the broker's project channels.
package rooms

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skybuild/backend/internal/broker"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 64
)

func buildCheckOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSpace(o)] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// Client is one member connection in one room. All writes to the
// underlying conn go through the send channel and writePump, so ping,
// broadcast and presence frames never race.
type Client struct {
	hub       *Hub
	projectID string
	userID    string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	once      sync.Once
}

// room holds the member set and the broker bridge for one project.
type room struct {
	clients map[*Client]bool
	sub     *broker.Subscription
}

// Hub tracks rooms and bridges broker project channels into them.
type Hub struct {
	mu        sync.Mutex
	rooms     map[string]*room
	bus       *broker.Broker
	upgrader  websocket.Upgrader
	log       *slog.Logger
	onMembers func(projectID string, count int)
}

func NewHub(bus *broker.Broker, allowedOrigins []string) *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		bus:   bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     buildCheckOrigin(allowedOrigins),
		},
		log: slog.With("component", "rooms"),
	}
}

// WithMemberHook registers a callback fired with the new room size on
// every join and leave. Set before serving; not synchronized.
func (h *Hub) WithMemberHook(fn func(projectID string, count int)) *Hub {
	h.onMembers = fn
	return h
}

// Join upgrades the request and registers the authenticated user in
// the project room. Authentication and the RBAC check happen in the
// HTTP layer before this is called.
func (h *Hub) Join(w http.ResponseWriter, r *http.Request, projectID, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Client{
		hub:       h,
		projectID: projectID,
		userID:    userID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	rm, ok := h.rooms[c.projectID]
	if !ok {
		rm = &room{
			clients: make(map[*Client]bool),
			sub:     h.bus.Subscribe("project:" + c.projectID),
		}
		h.rooms[c.projectID] = rm
		go h.bridge(c.projectID, rm.sub)
	}
	rm.clients[c] = true
	size := len(rm.clients)
	h.mu.Unlock()

	if h.onMembers != nil {
		h.onMembers(c.projectID, size)
	}
	h.log.Info("room joined", "project", c.projectID, "user", c.userID)
	h.broadcast(c.projectID, frame("presence.joined", map[string]interface{}{
		"user_id": c.userID, "members": h.MemberCount(c.projectID),
	}))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	rm, ok := h.rooms[c.projectID]
	size := 0
	if ok {
		delete(rm.clients, c)
		size = len(rm.clients)
		if size == 0 {
			rm.sub.Close()
			delete(h.rooms, c.projectID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.onMembers != nil {
		h.onMembers(c.projectID, size)
	}
	h.log.Info("room left", "project", c.projectID, "user", c.userID)
	h.broadcast(c.projectID, frame("presence.left", map[string]interface{}{
		"user_id": c.userID, "members": h.MemberCount(c.projectID),
	}))
}

// bridge forwards broker events for the project into the room until
// the subscription closes with the last member.
func (h *Hub) bridge(projectID string, sub *broker.Subscription) {
	for ev := range sub.Events() {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		h.broadcast(projectID, payload)
	}
}

// broadcast fans a frame to every member; members with a full send
// buffer are dropped as dead.
func (h *Hub) broadcast(projectID string, payload []byte) {
	h.mu.Lock()
	rm, ok := h.rooms[projectID]
	if !ok {
		h.mu.Unlock()
		return
	}
	members := make([]*Client, 0, len(rm.clients))
	for c := range rm.clients {
		members = append(members, c)
	}
	h.mu.Unlock()

	for _, c := range members {
		select {
		case c.send <- payload:
		default:
			h.log.Warn("send buffer full, dropping member", "project", projectID, "user", c.userID)
			c.close()
		}
	}
}

// MemberCount reports the current size of a room.
func (h *Hub) MemberCount(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok := h.rooms[projectID]; ok {
		return len(rm.clients)
	}
	return 0
}

func frame(eventType string, data map[string]interface{}) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"type": eventType,
		"data": data,
		"ts":   time.Now().UTC(),
	})
	return payload
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

// writePump owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			// Drain what queued up while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump owns all reads. Inbound traffic is limited to keepalive;
// mutations go through the HTTP API.
func (c *Client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", "user", c.userID, "err", err)
			}
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case c.send <- frame("pong", nil):
			default:
			}
		}
	}
}
