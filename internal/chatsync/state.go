// Package chatsync keeps a client-side mirror of one user's conversations in
// step with the relay's push events and the message-store REST surface.
package chatsync

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Arghadeepdebnath15/chat-web/internal/client"
	"github.com/Arghadeepdebnath15/chat-web/internal/model"
)

// Storage is the slice of the REST surface this layer needs. *client.Rest
// satisfies it.
type Storage interface {
	SidebarUsers() ([]model.User, map[string]int, error)
	Conversation(peerID string) ([]model.Message, error)
	Send(peerID, text, image string) (model.Message, error)
	MarkSeen(messageID string) error
	Delete(messageID string) error
	DeleteAll(peerID string) error
}

// State holds the synchronized view: messages, known users, unseen counters,
// typing indicators and presence. All methods are safe for concurrent use;
// socket handlers and UI calls share the same mutex.
type State struct {
	selfID string
	bus    client.Bus
	rest   Storage

	mu       sync.Mutex
	messages []model.Message
	users    []model.User
	selected string
	loading  bool
	unseen   map[string]int
	typing   map[string]bool
	online   map[string]bool

	// Sender-side typing debounce. typingTo remembers who the pending
	// stopTyping belongs to, so a peer switch cannot misdirect it.
	debounce    time.Duration
	typingTimer *time.Timer
	typingTo    string

	listeners []chan struct{}
}

// New wires the state to the socket bus. debounce is the quiet period after
// the last keystroke before stopTyping goes out; zero picks the default.
func New(selfID string, bus client.Bus, rest Storage, debounce time.Duration) *State {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	s := &State{
		selfID:   selfID,
		bus:      bus,
		rest:     rest,
		unseen:   make(map[string]int),
		typing:   make(map[string]bool),
		online:   make(map[string]bool),
		debounce: debounce,
	}
	s.bind()
	return s
}

func (s *State) bind() {
	s.bus.On(model.EvNewMessage, s.onNewMessage)
	s.bus.On(model.EvMessageSeen, s.onMessageSeen)
	s.bus.On(model.EvMessagesSeen, s.onMessagesSeen)
	s.bus.On(model.EvTyping, s.onTyping)
	s.bus.On(model.EvStopTyping, s.onStopTyping)
	s.bus.On(model.EvMessageDeleted, s.onMessageDeleted)
	s.bus.On(model.EvAllMessagesDeleted, s.onAllMessagesDeleted)
	s.bus.On(model.EvNewChatUser, s.onNewChatUser)
	s.bus.On(model.EvOnlineUsers, s.onOnlineUsers)
}

// ── Outbound operations ──────────────────────────────────────────────────────

// LoadUsers refreshes the sidebar: conversation partners plus unseen counts.
func (s *State) LoadUsers() error {
	users, unseen, err := s.rest.SidebarUsers()
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	s.mu.Lock()
	s.users = users
	s.unseen = make(map[string]int, len(unseen))
	for id, n := range unseen {
		if n > 0 {
			s.unseen[id] = n
		}
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// SelectPeer switches the active conversation. The local list clears before
// the fetch so stale history never shows, and the unseen counter for the peer
// drops immediately; the server flips the stored rows as a side effect of the
// history fetch.
func (s *State) SelectPeer(peerID string) error {
	s.mu.Lock()
	s.selected = peerID
	s.messages = nil
	s.loading = true
	delete(s.unseen, peerID)
	s.mu.Unlock()
	s.notify()

	msgs, err := s.rest.Conversation(peerID)

	s.mu.Lock()
	s.loading = false
	if s.selected == peerID && err == nil {
		s.messages = msgs
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		return fmt.Errorf("conversation %s: %w", peerID, err)
	}
	return nil
}

// ClearSelection leaves the active conversation.
func (s *State) ClearSelection() {
	s.mu.Lock()
	s.selected = ""
	s.messages = nil
	s.mu.Unlock()
	s.notify()
}

// SendMessage sends to the selected peer.
func (s *State) SendMessage(text, image string) (model.Message, error) {
	s.mu.Lock()
	peer := s.selected
	s.mu.Unlock()
	if peer == "" {
		return model.Message{}, fmt.Errorf("no peer selected")
	}
	return s.SendMessageTo(peer, text, image)
}

// SendMessageTo sends to an explicit peer. The canonical record from the
// server is appended locally only when that peer is still the selected
// conversation, so a quick peer switch cannot leak a message into the wrong
// view. Sending also ends any pending typing indicator right away.
func (s *State) SendMessageTo(peerID, text, image string) (model.Message, error) {
	s.StopTypingNow()

	msg, err := s.rest.Send(peerID, text, image)
	if err != nil {
		return model.Message{}, fmt.Errorf("send to %s: %w", peerID, err)
	}

	s.mu.Lock()
	if s.selected == peerID {
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()
	s.notify()
	return msg, nil
}

// DeleteMessage removes one message remotely and locally.
func (s *State) DeleteMessage(messageID string) error {
	if err := s.rest.Delete(messageID); err != nil {
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	s.mu.Lock()
	s.removeMessageLocked(messageID)
	s.mu.Unlock()
	s.notify()
	return nil
}

// DeleteAllMessages wipes the conversation with peer on both sides.
func (s *State) DeleteAllMessages(peerID string) error {
	if err := s.rest.DeleteAll(peerID); err != nil {
		return fmt.Errorf("delete all %s: %w", peerID, err)
	}
	s.mu.Lock()
	s.removeConversationLocked(peerID)
	delete(s.unseen, peerID)
	s.mu.Unlock()
	s.notify()
	return nil
}

// NotifyTyping tells the selected peer we are typing and arms the stop timer.
// Call it on every keystroke; only silence longer than the debounce window
// emits stopTyping.
func (s *State) NotifyTyping() {
	s.mu.Lock()
	peer := s.selected
	if peer == "" {
		s.mu.Unlock()
		return
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTo = peer
	s.typingTimer = time.AfterFunc(s.debounce, func() { s.stopTyping(peer) })
	s.mu.Unlock()

	// Every keystroke re-emits; the debounce only governs stopTyping.
	if err := s.bus.Emit(model.EvTyping, peer, nil); err != nil {
		log.Printf("CHAT: typing emit: %v", err)
	}
}

// StopTypingNow cancels the debounce and emits stopTyping immediately.
func (s *State) StopTypingNow() {
	s.mu.Lock()
	peer := s.typingTo
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingTo = ""
	s.mu.Unlock()

	if peer != "" {
		if err := s.bus.Emit(model.EvStopTyping, peer, nil); err != nil {
			log.Printf("CHAT: stopTyping emit: %v", err)
		}
	}
}

func (s *State) stopTyping(peer string) {
	s.mu.Lock()
	if s.typingTo != peer {
		s.mu.Unlock()
		return
	}
	s.typingTimer = nil
	s.typingTo = ""
	s.mu.Unlock()

	if err := s.bus.Emit(model.EvStopTyping, peer, nil); err != nil {
		log.Printf("CHAT: stopTyping emit: %v", err)
	}
}

// ── Inbound handlers ─────────────────────────────────────────────────────────

func (s *State) onNewMessage(data json.RawMessage) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("CHAT: bad newMessage: %v", err)
		return
	}

	s.mu.Lock()
	fromSelected := msg.SenderID == s.selected
	if fromSelected {
		msg.Seen = true
	} else {
		s.unseen[msg.SenderID]++
	}
	s.messages = append(s.messages, msg)
	s.ensureUserLocked(msg.SenderID)
	s.mu.Unlock()
	s.notify()

	// The open conversation counts as read; tell the server so the sender
	// sees the tick without waiting for our next history fetch. Off the
	// handler goroutine: a slow round trip must not hold up socket dispatch.
	if fromSelected {
		go func(id string) {
			if err := s.rest.MarkSeen(id); err != nil {
				log.Printf("CHAT: mark seen %s: %v", id, err)
			}
		}(msg.ID)
	}
}

func (s *State) onMessageSeen(data json.RawMessage) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		log.Printf("CHAT: bad messageSeen: %v", err)
		return
	}
	s.markSeenIDs([]string{id})
}

func (s *State) onMessagesSeen(data json.RawMessage) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		log.Printf("CHAT: bad messagesSeen: %v", err)
		return
	}
	s.markSeenIDs(ids)
}

func (s *State) markSeenIDs(ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	s.mu.Lock()
	for i := range s.messages {
		m := &s.messages[i]
		if !set[m.ID] || m.Seen {
			continue
		}
		m.Seen = true
		if m.ReceiverID == s.selfID {
			s.decUnseenLocked(m.SenderID)
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *State) onTyping(data json.RawMessage) {
	if from := fromField(data); from != "" {
		s.mu.Lock()
		s.typing[from] = true
		s.mu.Unlock()
		s.notify()
	}
}

func (s *State) onStopTyping(data json.RawMessage) {
	if from := fromField(data); from != "" {
		s.mu.Lock()
		delete(s.typing, from)
		s.mu.Unlock()
		s.notify()
	}
}

func (s *State) onMessageDeleted(data json.RawMessage) {
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		log.Printf("CHAT: bad messageDeleted: %v", err)
		return
	}
	s.mu.Lock()
	s.removeMessageLocked(id)
	s.mu.Unlock()
	s.notify()
}

func (s *State) onAllMessagesDeleted(data json.RawMessage) {
	var p model.AllMessagesDeletedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("CHAT: bad allMessagesDeleted: %v", err)
		return
	}
	s.mu.Lock()
	s.removeConversationLocked(p.UserID)
	delete(s.unseen, p.UserID)
	s.mu.Unlock()
	s.notify()
}

func (s *State) onNewChatUser(data json.RawMessage) {
	var p model.NewChatUserPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("CHAT: bad newChatUser: %v", err)
		return
	}
	s.mu.Lock()
	added := s.addUserLocked(p.User)
	s.mu.Unlock()
	if added {
		s.notify()
	}
}

func (s *State) onOnlineUsers(data json.RawMessage) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		log.Printf("CHAT: bad online list: %v", err)
		return
	}
	s.mu.Lock()
	s.online = make(map[string]bool, len(ids))
	for _, id := range ids {
		s.online[id] = true
	}
	s.mu.Unlock()
	s.notify()
}

// ── Accessors ────────────────────────────────────────────────────────────────

func (s *State) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *State) Users() []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.User, len(s.users))
	copy(out, s.users)
	return out
}

func (s *State) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *State) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Unseen returns a copy of the unseen-count map. Peers at zero have no entry.
func (s *State) Unseen() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.unseen))
	for id, n := range s.unseen {
		out[id] = n
	}
	return out
}

func (s *State) IsTyping(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing[peerID]
}

func (s *State) IsOnline(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online[peerID]
}

func (s *State) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscribe returns a channel that receives a tick after every state change.
// Slow consumers miss ticks, never block the handlers.
func (s *State) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

func (s *State) notify() {
	s.mu.Lock()
	ls := make([]chan struct{}, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()
	for _, ch := range ls {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ── Locked helpers ───────────────────────────────────────────────────────────

func (s *State) decUnseenLocked(peerID string) {
	if n := s.unseen[peerID]; n > 1 {
		s.unseen[peerID] = n - 1
	} else {
		delete(s.unseen, peerID)
	}
}

func (s *State) removeMessageLocked(id string) {
	for i, m := range s.messages {
		if m.ID != id {
			continue
		}
		if !m.Seen && m.ReceiverID == s.selfID {
			s.decUnseenLocked(m.SenderID)
		}
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		return
	}
}

func (s *State) removeConversationLocked(peerID string) {
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.SenderID == peerID || m.ReceiverID == peerID {
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
}

func (s *State) ensureUserLocked(id string) {
	if id == s.selfID {
		return
	}
	for _, u := range s.users {
		if u.ID == id {
			return
		}
	}
	// Placeholder until the next sidebar refresh fills the profile in.
	s.users = append(s.users, model.User{ID: id, FullName: id})
}

func (s *State) addUserLocked(u model.User) bool {
	for i := range s.users {
		if s.users[i].ID == u.ID {
			if s.users[i].FullName == s.users[i].ID && u.FullName != "" {
				s.users[i] = u
				return true
			}
			return false
		}
	}
	s.users = append(s.users, u)
	return true
}

func fromField(data json.RawMessage) string {
	var p struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("CHAT: bad typing payload: %v", err)
		return ""
	}
	return p.From
}
