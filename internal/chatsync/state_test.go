package chatsync

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Arghadeepdebnath15/chat-web/internal/model"
)

type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	emitted  []emittedEvent
}

type emittedEvent struct {
	event string
	to    string
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]func(json.RawMessage))}
}

func (b *fakeBus) On(event string, fn func(json.RawMessage)) {
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], fn)
	b.mu.Unlock()
}

func (b *fakeBus) Emit(event, to string, payload any) error {
	b.mu.Lock()
	b.emitted = append(b.emitted, emittedEvent{event, to})
	b.mu.Unlock()
	return nil
}

// fire delivers an event as the relay would.
func (b *fakeBus) fire(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	b.mu.Lock()
	fns := append([]func(json.RawMessage){}, b.handlers[event]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (b *fakeBus) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.emitted {
		if e.event == event {
			n++
		}
	}
	return n
}

type fakeRest struct {
	mu           sync.Mutex
	conversation []model.Message
	markedSeen   []string
	deleted      []string
	deletedAll   []string
	nextID       int

	// markSeenGate, when set, stalls MarkSeen until closed.
	markSeenGate chan struct{}
}

func (r *fakeRest) SidebarUsers() ([]model.User, map[string]int, error) {
	return []model.User{{ID: "amy", FullName: "Amy"}}, map[string]int{"amy": 2}, nil
}

func (r *fakeRest) Conversation(peerID string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message{}, r.conversation...), nil
}

func (r *fakeRest) Send(peerID, text, image string) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return model.Message{ID: string(rune('a' + r.nextID)), SenderID: "me", ReceiverID: peerID, Text: text, Image: image}, nil
}

func (r *fakeRest) MarkSeen(id string) error {
	r.mu.Lock()
	gate := r.markSeenGate
	r.mu.Unlock()
	if gate != nil {
		<-gate
	}
	r.mu.Lock()
	r.markedSeen = append(r.markedSeen, id)
	r.mu.Unlock()
	return nil
}

func (r *fakeRest) marked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.markedSeen...)
}

func (r *fakeRest) Delete(id string) error {
	r.mu.Lock()
	r.deleted = append(r.deleted, id)
	r.mu.Unlock()
	return nil
}

func (r *fakeRest) DeleteAll(peerID string) error {
	r.mu.Lock()
	r.deletedAll = append(r.deletedAll, peerID)
	r.mu.Unlock()
	return nil
}

func newTestState(t *testing.T, debounce time.Duration) (*State, *fakeBus, *fakeRest) {
	t.Helper()
	bus := newFakeBus()
	rest := &fakeRest{}
	return New("me", bus, rest, debounce), bus, rest
}

// waitFor polls until cond passes or the deadline hits.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestIncomingFromSelectedPeerMarkedSeen(t *testing.T) {
	s, bus, rest := newTestState(t, 0)
	if err := s.SelectPeer("amy"); err != nil {
		t.Fatal(err)
	}

	bus.fire(t, model.EvNewMessage, model.Message{ID: "m1", SenderID: "amy", ReceiverID: "me", Text: "hi"})

	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].Seen {
		t.Fatalf("message from the open conversation must be seen: %+v", msgs)
	}
	if n := s.Unseen()["amy"]; n != 0 {
		t.Fatalf("unseen counter must stay empty, got %d", n)
	}
	waitFor(t, func() bool {
		marked := rest.marked()
		return len(marked) == 1 && marked[0] == "m1"
	})
}

func TestMarkSeenDoesNotStallEventHandling(t *testing.T) {
	s, bus, rest := newTestState(t, 0)
	rest.markSeenGate = make(chan struct{})
	if err := s.SelectPeer("amy"); err != nil {
		t.Fatal(err)
	}

	// The mark round trip hangs; events behind it on the socket must still
	// land immediately.
	bus.fire(t, model.EvNewMessage, model.Message{ID: "m1", SenderID: "amy", ReceiverID: "me"})
	bus.fire(t, model.EvTyping, map[string]string{"from": "amy"})
	if !s.IsTyping("amy") {
		t.Fatal("typing event stuck behind the mark-seen round trip")
	}
	if len(rest.marked()) != 0 {
		t.Fatal("mark completed while the gate was closed")
	}

	close(rest.markSeenGate)
	waitFor(t, func() bool {
		marked := rest.marked()
		return len(marked) == 1 && marked[0] == "m1"
	})
}

func TestIncomingFromOtherPeerCountsUnseen(t *testing.T) {
	s, bus, _ := newTestState(t, 0)
	if err := s.SelectPeer("amy"); err != nil {
		t.Fatal(err)
	}

	bus.fire(t, model.EvNewMessage, model.Message{ID: "m1", SenderID: "bob", ReceiverID: "me"})
	bus.fire(t, model.EvNewMessage, model.Message{ID: "m2", SenderID: "bob", ReceiverID: "me"})

	if n := s.Unseen()["bob"]; n != 2 {
		t.Fatalf("unseen[bob] = %d, want 2", n)
	}

	// Opening the conversation clears the local counter entirely.
	if err := s.SelectPeer("bob"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Unseen()["bob"]; ok {
		t.Fatal("selecting the peer must delete the unseen key")
	}
}

func TestUnseenKeyDeletedAtZero(t *testing.T) {
	s, bus, _ := newTestState(t, 0)

	bus.fire(t, model.EvNewMessage, model.Message{ID: "m1", SenderID: "bob", ReceiverID: "me"})
	if n := s.Unseen()["bob"]; n != 1 {
		t.Fatalf("unseen[bob] = %d, want 1", n)
	}

	// Deleting the only unseen message takes the counter back to zero and
	// the key must vanish, not linger at 0.
	bus.fire(t, model.EvMessageDeleted, "m1")
	if _, ok := s.Unseen()["bob"]; ok {
		t.Fatal("unseen key must be deleted at zero")
	}
	if len(s.Messages()) != 0 {
		t.Fatal("deleted message still present")
	}
}

func TestSeenEventsFlipLocalCopies(t *testing.T) {
	s, bus, _ := newTestState(t, 0)
	if err := s.SelectPeer("amy"); err != nil {
		t.Fatal(err)
	}
	sent, err := s.SendMessageTo("amy", "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	bus.fire(t, model.EvMessagesSeen, []string{sent.ID})
	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].Seen {
		t.Fatalf("sent message must flip seen: %+v", msgs)
	}
}

func TestSendAppendsOnlyForSelectedPeer(t *testing.T) {
	s, _, _ := newTestState(t, 0)
	if err := s.SelectPeer("amy"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.SendMessageTo("bob", "offlist", ""); err != nil {
		t.Fatal(err)
	}
	if len(s.Messages()) != 0 {
		t.Fatal("message to an unselected peer must not appear in the open view")
	}

	if _, err := s.SendMessageTo("amy", "onlist", ""); err != nil {
		t.Fatal(err)
	}
	if len(s.Messages()) != 1 {
		t.Fatal("message to the selected peer must append")
	}
}

func TestTypingDebounce(t *testing.T) {
	s, bus, _ := newTestState(t, 40*time.Millisecond)
	if err := s.SelectPeer("amy"); err != nil {
		t.Fatal(err)
	}

	// Keystrokes inside the window extend it; one stopTyping after silence.
	s.NotifyTyping()
	time.Sleep(15 * time.Millisecond)
	s.NotifyTyping()
	time.Sleep(15 * time.Millisecond)
	s.NotifyTyping()

	if n := bus.count(model.EvStopTyping); n != 0 {
		t.Fatalf("stopTyping fired during active typing: %d", n)
	}
	time.Sleep(80 * time.Millisecond)
	if n := bus.count(model.EvStopTyping); n != 1 {
		t.Fatalf("stopTyping count = %d, want 1", n)
	}
	if n := bus.count(model.EvTyping); n != 3 {
		t.Fatalf("typing count = %d, want one per keystroke", n)
	}
}

func TestSendCancelsTypingImmediately(t *testing.T) {
	s, bus, _ := newTestState(t, time.Hour)
	if err := s.SelectPeer("amy"); err != nil {
		t.Fatal(err)
	}

	s.NotifyTyping()
	if _, err := s.SendMessageTo("amy", "done", ""); err != nil {
		t.Fatal(err)
	}
	if n := bus.count(model.EvStopTyping); n != 1 {
		t.Fatalf("send must emit stopTyping right away, count = %d", n)
	}
}

func TestTypingIndicatorFromPeer(t *testing.T) {
	s, bus, _ := newTestState(t, 0)

	bus.fire(t, model.EvTyping, map[string]string{"from": "amy"})
	if !s.IsTyping("amy") {
		t.Fatal("typing indicator not set")
	}
	bus.fire(t, model.EvStopTyping, map[string]string{"from": "amy"})
	if s.IsTyping("amy") {
		t.Fatal("typing indicator not cleared")
	}
}

func TestUnknownSenderGetsPlaceholderUser(t *testing.T) {
	s, bus, _ := newTestState(t, 0)

	bus.fire(t, model.EvNewMessage, model.Message{ID: "m1", SenderID: "ghost", ReceiverID: "me"})
	var found bool
	for _, u := range s.Users() {
		if u.ID == "ghost" {
			found = true
		}
	}
	if !found {
		t.Fatal("sender missing from user list")
	}

	// The announcement upgrades the placeholder with the real profile.
	bus.fire(t, model.EvNewChatUser, model.NewChatUserPayload{
		User: model.User{ID: "ghost", FullName: "Casper"},
	})
	for _, u := range s.Users() {
		if u.ID == "ghost" && u.FullName != "Casper" {
			t.Fatalf("placeholder not upgraded: %+v", u)
		}
	}
}

func TestConversationWipe(t *testing.T) {
	s, bus, _ := newTestState(t, 0)
	if err := s.SelectPeer("amy"); err != nil {
		t.Fatal(err)
	}
	bus.fire(t, model.EvNewMessage, model.Message{ID: "m1", SenderID: "amy", ReceiverID: "me"})
	bus.fire(t, model.EvNewMessage, model.Message{ID: "m2", SenderID: "bob", ReceiverID: "me"})

	bus.fire(t, model.EvAllMessagesDeleted, model.AllMessagesDeletedPayload{UserID: "amy"})
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].SenderID != "bob" {
		t.Fatalf("wipe must only remove amy's conversation: %+v", msgs)
	}
}

func TestPresenceList(t *testing.T) {
	s, bus, _ := newTestState(t, 0)

	bus.fire(t, model.EvOnlineUsers, []string{"amy", "bob"})
	if !s.IsOnline("amy") || !s.IsOnline("bob") {
		t.Fatal("presence not applied")
	}
	bus.fire(t, model.EvOnlineUsers, []string{"bob"})
	if s.IsOnline("amy") {
		t.Fatal("stale presence entry survived a replace")
	}
	got := s.OnlineUsers()
	if len(got) != 1 || got[0] != "bob" {
		t.Fatalf("online = %v", got)
	}
}

func TestLoadUsersDropsZeroCounters(t *testing.T) {
	s, _, _ := newTestState(t, 0)
	if err := s.LoadUsers(); err != nil {
		t.Fatal(err)
	}
	if n := s.Unseen()["amy"]; n != 2 {
		t.Fatalf("unseen[amy] = %d, want 2", n)
	}
	users := s.Users()
	if len(users) != 1 || users[0].FullName != "Amy" {
		t.Fatalf("users = %+v", users)
	}
}
