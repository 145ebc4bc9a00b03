// Package relay routes named events between two identified parties over
// websockets and publishes presence. It carries no business logic: lookups,
// forwards and silent drops only.
package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Arghadeepdebnath15/chat-web/internal/model"
	"github.com/Arghadeepdebnath15/chat-web/internal/util"
)

const debugRingSize = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub owns the user-id → connection registry. A user id maps to at most one
// connection; a reconnect replaces (and closes) the previous one. Entries are
// mutated only by Register/unregister — never from forwarding paths.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	// Recent routed envelopes for GET /api/debug/events.
	recent *util.Ring[model.Envelope]
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		recent:  util.NewRing[model.Envelope](debugRingSize),
	}
}

// ServeWS upgrades GET /ws?userId= and runs the connection to completion.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY: upgrade failed for %s: %v", userID, err)
		return
	}

	c := h.Register(userID, conn)
	defer h.unregister(c)
	c.readPump(h)
}

// Register adds (or replaces) the connection for userID and broadcasts the
// updated online-user set to everyone.
func (h *Hub) Register(userID string, conn Conn) *client {
	c := newClient(userID, conn)

	h.mu.Lock()
	if prev, ok := h.clients[userID]; ok {
		// Last connection wins — no fan-out to multiple devices.
		prev.close()
	}
	h.clients[userID] = c
	h.mu.Unlock()

	go c.writePump()
	log.Printf("RELAY: user connected %s", userID)
	h.broadcastOnline()
	return c
}

// unregister removes the entry only if c still owns it; a replaced connection
// must not evict its successor.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.userID]; ok && cur == c {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	c.close()
	log.Printf("RELAY: user disconnected %s", c.userID)
	h.broadcastOnline()
}

// OnlineUsers returns the currently registered user ids, sorted.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (h *Hub) broadcastOnline() {
	data, _ := json.Marshal(h.OnlineUsers())
	frame, _ := json.Marshal(model.Envelope{Event: model.EvOnlineUsers, Data: data})

	h.mu.RLock()
	for _, c := range h.clients {
		c.enqueue(frame)
	}
	h.mu.RUnlock()
}

// SendTo pushes a server-originated event to one user. An offline target is
// a silent drop: no error, no queueing.
func (h *Hub) SendTo(userID, event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Printf("RELAY: marshal %s payload: %v", event, err)
			return
		}
		data = b
	}
	h.deliver(userID, model.Envelope{Event: event, Data: data})
}

func (h *Hub) deliver(userID string, env model.Envelope) {
	h.recent.Push(env)

	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Printf("RELAY: marshal envelope: %v", err)
		return
	}
	c.enqueue(frame)
}

// route forwards one client envelope to its target, rewrapping the payload
// per the wire contract. Unknown events are dropped.
func (h *Hub) route(from string, env model.Envelope) {
	if env.To == "" {
		log.Printf("RELAY: %s event from %s without target, dropping", env.Event, from)
		return
	}

	var fields map[string]json.RawMessage
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			log.Printf("RELAY: bad %s payload from %s: %v", env.Event, from, err)
			return
		}
	}

	out := map[string]json.RawMessage{}
	event := env.Event
	switch env.Event {
	case model.EvTyping, model.EvStopTyping, model.EvCallInvitation:
		out["from"] = mustJSON(from)
	case model.EvOffer:
		out["from"] = mustJSON(from)
		out["offer"] = fields["offer"]
	case model.EvAnswer:
		out["answer"] = fields["answer"]
	case model.EvCandidate:
		out["candidate"] = fields["candidate"]
	case model.EvAccept:
		event = model.EvCallAccept
	case model.EvDecline:
		event = model.EvCallDecline
	case model.EvCallEnded:
	default:
		log.Printf("RELAY: unknown event %q from %s, dropping", env.Event, from)
		return
	}

	fwd := model.Envelope{Event: event}
	if len(out) > 0 {
		data, _ := json.Marshal(out)
		fwd.Data = data
	}
	h.deliver(env.To, fwd)
}

// RecentEvents returns the debug ring contents, oldest first.
func (h *Hub) RecentEvents() []model.Envelope {
	return h.recent.Snapshot()
}

// Close drops every connection and empties the registry.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.recent.Clear()
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
