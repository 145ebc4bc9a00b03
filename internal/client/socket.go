// Package client provides the two transports the client-side core layers
// consume: the websocket event channel and the REST surface.
package client

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Arghadeepdebnath15/chat-web/internal/model"
)

// Bus is the event surface chatsync and call sessions bind to. The concrete
// Socket implements it; tests use an in-memory fake.
type Bus interface {
	On(event string, fn func(data json.RawMessage))
	Emit(event, to string, payload any) error
}

// Socket is one persistent websocket connection to the relay, addressed by
// the local user id. Handlers run on the read loop goroutine, mirroring the
// single-threaded event dispatch the relay contract assumes.
type Socket struct {
	conn *websocket.Conn

	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the relay at baseURL (http(s) scheme) as userID and
// starts the dispatch loop.
func Dial(baseURL, userID string) (*Socket, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"userId": {userID}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	s := &Socket{
		conn:     conn,
		handlers: make(map[string][]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// On registers a handler for a named event. Multiple handlers per event are
// invoked in registration order.
func (s *Socket) On(event string, fn func(data json.RawMessage)) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], fn)
	s.mu.Unlock()
}

// Emit sends a named event addressed to another user.
func (s *Socket) Emit(event, to string, payload any) error {
	env := model.Envelope{Event: event, To: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *Socket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("SOCKET: read loop ended: %v", err)
			}
			return
		}
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("SOCKET: bad frame: %v", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Socket) dispatch(env model.Envelope) {
	s.mu.Lock()
	fns := make([]func(json.RawMessage), len(s.handlers[env.Event]))
	copy(fns, s.handlers[env.Event])
	s.mu.Unlock()

	for _, fn := range fns {
		fn(env.Data)
	}
}

// Close tears the connection down. Safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
