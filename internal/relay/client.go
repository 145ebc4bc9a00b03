package relay

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Arghadeepdebnath15/chat-web/internal/model"
)

// Conn is the slice of a websocket connection the relay needs. Satisfied by
// *websocket.Conn; tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client is one registered connection. Outbound frames go through a buffered
// send channel so a slow reader never blocks the hub; overflow is dropped.
type client struct {
	userID string
	conn   Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(userID string, conn Conn) *client {
	return &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 32),
		done:   make(chan struct{}),
	}
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("RELAY: send buffer full for %s, dropping frame", c.userID)
	}
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound envelopes and hands them to the hub until the
// connection dies.
func (c *client) readPump(h *Hub) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("RELAY: bad frame from %s: %v", c.userID, err)
			continue
		}
		h.route(c.userID, env)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.conn.Close()
}
