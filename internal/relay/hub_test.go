package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Arghadeepdebnath15/chat-web/internal/model"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	once   sync.Once
	readCh chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.readCh
	if !ok {
		return 0, nil, errClosed
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.readCh) })
	return nil
}

var errClosed = &closedErr{}

type closedErr struct{}

func (*closedErr) Error() string { return "connection closed" }

// envelopes decodes every frame captured so far.
func (f *fakeConn) envelopes(t *testing.T) []model.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Envelope, 0, len(f.frames))
	for _, b := range f.frames {
		var env model.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("bad frame %q: %v", b, err)
		}
		out = append(out, env)
	}
	return out
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

func lastEvent(t *testing.T, fc *fakeConn, event string) model.Envelope {
	t.Helper()
	var got model.Envelope
	waitFor(t, func() bool {
		for _, env := range fc.envelopes(t) {
			if env.Event == event {
				got = env
			}
		}
		return got.Event == event
	})
	return got
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestOfflineTargetSilentDrop(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ca := newFakeConn()
	h.Register("alice", ca)

	// bob is not registered: drop with no error surfaced to alice.
	h.route("alice", model.Envelope{Event: model.EvTyping, To: "bob"})
	time.Sleep(20 * time.Millisecond)
	for _, env := range ca.envelopes(t) {
		if env.Event == model.EvTyping {
			t.Fatal("typing must not echo back to sender")
		}
	}

	// Once bob registers, subsequent events are delivered.
	cb := newFakeConn()
	h.Register("bob", cb)
	h.route("alice", model.Envelope{Event: model.EvTyping, To: "bob"})

	env := lastEvent(t, cb, model.EvTyping)
	var payload struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.From != "alice" {
		t.Fatalf("expected {from: alice}, got %s (%v)", env.Data, err)
	}
}

func TestForwardingRewrapsPayloads(t *testing.T) {
	h := NewHub()
	defer h.Close()
	h.Register("alice", newFakeConn())
	cb := newFakeConn()
	h.Register("bob", cb)

	t.Run("offer carries from and offer", func(t *testing.T) {
		h.route("alice", model.Envelope{
			Event: model.EvOffer,
			To:    "bob",
			Data:  raw(map[string]any{"offer": map[string]string{"type": "offer", "sdp": "v=0"}}),
		})
		env := lastEvent(t, cb, model.EvOffer)
		var p struct {
			From  string          `json:"from"`
			Offer json.RawMessage `json:"offer"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.From != "alice" || len(p.Offer) == 0 {
			t.Fatalf("bad offer payload: %s", env.Data)
		}
	})

	t.Run("answer carries only answer", func(t *testing.T) {
		h.route("alice", model.Envelope{
			Event: model.EvAnswer,
			To:    "bob",
			Data:  raw(map[string]any{"answer": map[string]string{"type": "answer", "sdp": "v=0"}}),
		})
		env := lastEvent(t, cb, model.EvAnswer)
		var p map[string]json.RawMessage
		json.Unmarshal(env.Data, &p)
		if _, ok := p["from"]; ok {
			t.Fatalf("answer must not carry from: %s", env.Data)
		}
		if _, ok := p["answer"]; !ok {
			t.Fatalf("answer payload missing: %s", env.Data)
		}
	})

	t.Run("accept renamed with empty payload", func(t *testing.T) {
		h.route("alice", model.Envelope{Event: model.EvAccept, To: "bob"})
		env := lastEvent(t, cb, model.EvCallAccept)
		if len(env.Data) != 0 {
			t.Fatalf("accept must carry no payload: %s", env.Data)
		}
	})

	t.Run("unknown event dropped", func(t *testing.T) {
		h.route("alice", model.Envelope{Event: "bogus", To: "bob"})
		time.Sleep(20 * time.Millisecond)
		for _, env := range cb.envelopes(t) {
			if env.Event == "bogus" {
				t.Fatal("unknown event must be dropped")
			}
		}
	})
}

func TestPresenceBroadcast(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ca := newFakeConn()
	h.Register("alice", ca)
	cb := newFakeConn()
	h.Register("bob", cb)

	env := lastEvent(t, ca, model.EvOnlineUsers)
	var ids []string
	json.Unmarshal(env.Data, &ids)
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", ids)
	}
}

func TestLastConnectionWins(t *testing.T) {
	h := NewHub()
	defer h.Close()
	h.Register("alice", newFakeConn())

	first := newFakeConn()
	c1 := h.Register("bob", first)
	second := newFakeConn()
	h.Register("bob", second)

	h.route("alice", model.Envelope{Event: model.EvTyping, To: "bob"})
	lastEvent(t, second, model.EvTyping)
	for _, env := range first.envelopes(t) {
		if env.Event == model.EvTyping {
			t.Fatal("replaced connection must not receive events")
		}
	}

	// Stale unregister from the replaced conn must not evict the new one.
	h.unregister(c1)
	h.route("alice", model.Envelope{Event: model.EvStopTyping, To: "bob"})
	lastEvent(t, second, model.EvStopTyping)
}
