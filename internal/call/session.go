package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Arghadeepdebnath15/chat-web/internal/client"
	"github.com/Arghadeepdebnath15/chat-web/internal/config"
	"github.com/Arghadeepdebnath15/chat-web/internal/model"
)

// State is the orchestration phase of the current call, separate from the
// transport-level connection state the engine tracks.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateIncoming   State = "incoming"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateFailed     State = "failed"
	StateDeclined   State = "declined"
)

// active reports whether the state belongs to a call in progress.
func (s State) active() bool {
	switch s {
	case StateIdle, StateFailed, StateDeclined:
		return false
	}
	return true
}

// connection is what the session drives; *Engine satisfies it. Tests swap in
// a scripted implementation to exercise orchestration without pion.
type connection interface {
	Initialize(isInitiator bool) error
	AcquireLocalMedia(wantVideo, wantAudio bool) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	HandleOffer(offer webrtc.SessionDescription) error
	HandleAnswer(answer webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	RestartICE() error
	Attempts() (int, int)
	Events() <-chan Event
	Cleanup()
}

// Session runs one user's call lifecycle over the signaling bus: who is being
// called, which phase the call is in, and the bridge between engine events
// and relayed signaling. One call at a time; a second inbound invitation is
// declined automatically.
type Session struct {
	selfID  string
	bus     client.Bus
	newConn func() connection

	// ringTimeout > 0 fails an unanswered outgoing call. Zero means ring
	// until the peer reacts.
	ringTimeout time.Duration

	mu            sync.Mutex
	state         State
	peer          string
	isCaller      bool
	conn          connection
	pendingOffer  *webrtc.SessionDescription
	pendingCands  []webrtc.ICECandidateInit
	awaitingOffer bool
	generation    uint64
	ringTimer     *time.Timer
	lastErr       error

	listeners []chan State
}

// NewSession binds a session to the signaling bus.
func NewSession(selfID string, bus client.Bus, cfg *config.Config) *Session {
	s := &Session{
		selfID:      selfID,
		bus:         bus,
		newConn:     func() connection { return NewEngine(cfg) },
		ringTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		state:       StateIdle,
	}
	s.bind()
	return s
}

func (s *Session) bind() {
	s.bus.On(model.EvCallInvitation, s.onInvitation)
	s.bus.On(model.EvOffer, s.onOffer)
	s.bus.On(model.EvAnswer, s.onAnswer)
	s.bus.On(model.EvCandidate, s.onCandidate)
	s.bus.On(model.EvCallAccept, s.onAccepted)
	s.bus.On(model.EvCallDecline, s.onDeclined)
	s.bus.On(model.EvCallEnded, s.onRemoteEnded)
}

// ── User-driven transitions ──────────────────────────────────────────────────

// Start places an outgoing call: invitation first, then connection setup and
// the offer. The callee's popup shows while our side is already gathering.
func (s *Session) Start(peerID string) error {
	s.mu.Lock()
	if s.state.active() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.reset()
	s.state = StateCalling
	s.peer = peerID
	s.isCaller = true
	gen := s.generation
	s.mu.Unlock()
	s.notify()

	if err := s.bus.Emit(model.EvCallInvitation, peerID, nil); err != nil {
		s.fail(gen, fmt.Errorf("send invitation: %w", err))
		return err
	}
	s.armRingTimer(gen)

	go s.setupCaller(gen, peerID)
	return nil
}

func (s *Session) setupCaller(gen uint64, peerID string) {
	conn := s.newConn()
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		conn.Cleanup()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	go s.pumpEvents(gen, conn)

	if err := conn.Initialize(true); err != nil {
		s.fail(gen, err)
		return
	}
	if err := conn.AcquireLocalMedia(true, true); err != nil {
		s.fail(gen, err)
		return
	}
	if _, err := conn.CreateOffer(); err != nil {
		s.fail(gen, err)
		return
	}
	// The offer itself goes out through the offerCreated event.
	s.flushHeldCandidates(conn)

	s.mu.Lock()
	if gen == s.generation && s.state == StateCalling {
		s.state = StateRinging
		s.mu.Unlock()
		s.notify()
		return
	}
	s.mu.Unlock()
}

// Accept answers the pending incoming call.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.state != StateIncoming {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("accept in state %s", st)
	}
	s.state = StateConnecting
	peer := s.peer
	gen := s.generation
	s.mu.Unlock()
	s.notify()

	if err := s.bus.Emit(model.EvAccept, peer, nil); err != nil {
		log.Printf("CALL [%s]: send accept: %v", s.selfID, err)
	}
	go s.setupCallee(gen)
	return nil
}

func (s *Session) setupCallee(gen uint64) {
	conn := s.newConn()
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		conn.Cleanup()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	go s.pumpEvents(gen, conn)

	if err := conn.Initialize(false); err != nil {
		s.fail(gen, err)
		return
	}
	if err := conn.AcquireLocalMedia(true, true); err != nil {
		s.fail(gen, err)
		return
	}
	s.flushHeldCandidates(conn)

	s.mu.Lock()
	offer := s.pendingOffer
	s.pendingOffer = nil
	if offer == nil {
		// Invitation beat the offer here; answer when it lands.
		s.awaitingOffer = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.answer(gen, conn, *offer)
}

func (s *Session) answer(gen uint64, conn connection, offer webrtc.SessionDescription) {
	if err := conn.HandleOffer(offer); err != nil {
		s.fail(gen, err)
		return
	}
	if _, err := conn.CreateAnswer(); err != nil {
		s.fail(gen, err)
	}
	// The answer goes out through the answerCreated event.
}

// Decline rejects the pending incoming call.
func (s *Session) Decline() error {
	s.mu.Lock()
	if s.state != StateIncoming {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("decline in state %s", st)
	}
	peer := s.peer
	s.teardownLocked(StateIdle)
	s.mu.Unlock()
	s.notify()

	return s.bus.Emit(model.EvDecline, peer, nil)
}

// Hangup ends the current call and tells the peer.
func (s *Session) Hangup() error {
	s.mu.Lock()
	if !s.state.active() && s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	peer := s.peer
	s.teardownLocked(StateIdle)
	s.mu.Unlock()
	s.notify()

	if peer == "" {
		return nil
	}
	return s.bus.Emit(model.EvCallEnded, peer, nil)
}

// Retry restarts connectivity after a terminal failure, if budget remains.
// Once the engine is gone or the budget is spent the only option is a fresh
// call.
func (s *Session) Retry() error {
	s.mu.Lock()
	conn := s.conn
	if s.state != StateFailed || conn == nil {
		s.mu.Unlock()
		return ErrRetriesExhausted
	}
	attempts, max := conn.Attempts()
	if attempts >= max {
		s.mu.Unlock()
		return ErrRetriesExhausted
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.notify()
	return conn.RestartICE()
}

// ── Signaling handlers ───────────────────────────────────────────────────────

func (s *Session) onInvitation(data json.RawMessage) {
	var p struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" {
		log.Printf("CALL [%s]: bad invitation payload", s.selfID)
		return
	}

	s.mu.Lock()
	if s.state.active() {
		busyWith := s.peer
		s.mu.Unlock()
		log.Printf("CALL [%s]: busy with %s, auto-declining %s", s.selfID, busyWith, p.From)
		s.bus.Emit(model.EvDecline, p.From, nil)
		return
	}
	s.reset()
	s.state = StateIncoming
	s.peer = p.From
	s.isCaller = false
	s.mu.Unlock()
	s.notify()
	log.Printf("CALL [%s]: incoming call from %s", s.selfID, p.From)
}

func (s *Session) onOffer(data json.RawMessage) {
	var p struct {
		From  string                     `json:"from"`
		Offer *webrtc.SessionDescription `json:"offer"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Offer == nil {
		log.Printf("CALL [%s]: bad offer payload", s.selfID)
		return
	}

	s.mu.Lock()
	switch {
	case s.state == StateIdle || s.state == StateFailed || s.state == StateDeclined:
		// Offer without a preceding invitation still rings.
		s.reset()
		s.state = StateIncoming
		s.peer = p.From
		s.isCaller = false
		s.pendingOffer = p.Offer
		s.mu.Unlock()
		s.notify()

	case s.peer != p.From:
		s.mu.Unlock()
		log.Printf("CALL [%s]: offer from %s while in a call with %s, ignoring", s.selfID, p.From, s.peer)

	case s.conn != nil && (s.awaitingOffer || s.state == StateConnected || s.state == StateConnecting):
		// Either the accepted call waiting for its first offer, or an
		// ICE-restart renegotiation on a live connection.
		conn := s.conn
		gen := s.generation
		s.awaitingOffer = false
		s.mu.Unlock()
		go s.answer(gen, conn, *p.Offer)

	default:
		s.pendingOffer = p.Offer
		s.mu.Unlock()
	}
}

func (s *Session) onAnswer(data json.RawMessage) {
	var p struct {
		Answer *webrtc.SessionDescription `json:"answer"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Answer == nil {
		log.Printf("CALL [%s]: bad answer payload", s.selfID)
		return
	}

	s.mu.Lock()
	conn := s.conn
	gen := s.generation
	s.mu.Unlock()
	if conn == nil {
		log.Printf("CALL [%s]: answer with no connection, dropping", s.selfID)
		return
	}
	if err := conn.HandleAnswer(*p.Answer); err != nil {
		s.fail(gen, err)
	}
}

func (s *Session) onCandidate(data json.RawMessage) {
	var p struct {
		Candidate *webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Candidate == nil {
		log.Printf("CALL [%s]: bad candidate payload", s.selfID)
		return
	}

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		// Pre-accept: no connection exists yet. Hold the candidate here; the
		// engine's own buffer takes over once setup runs.
		if s.state.active() {
			s.pendingCands = append(s.pendingCands, *p.Candidate)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := conn.AddRemoteCandidate(*p.Candidate); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.selfID, err)
	}
}

func (s *Session) onAccepted(json.RawMessage) {
	s.mu.Lock()
	if !s.isCaller || (s.state != StateCalling && s.state != StateRinging) {
		s.mu.Unlock()
		return
	}
	s.stopRingTimerLocked()
	s.state = StateConnecting
	s.mu.Unlock()
	s.notify()
}

func (s *Session) onDeclined(json.RawMessage) {
	s.mu.Lock()
	if !s.state.active() {
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.teardownLocked(StateDeclined)
	s.peer = peer // keep for the UI
	s.mu.Unlock()
	s.notify()
	log.Printf("CALL [%s]: %s declined", s.selfID, peer)
}

func (s *Session) onRemoteEnded(json.RawMessage) {
	s.mu.Lock()
	if !s.state.active() {
		s.mu.Unlock()
		return
	}
	s.teardownLocked(StateIdle)
	s.mu.Unlock()
	s.notify()
	log.Printf("CALL [%s]: peer ended the call", s.selfID)
}

// ── Engine event bridge ──────────────────────────────────────────────────────

// pumpEvents relays engine output to signaling and state transitions until
// the connection is torn down.
func (s *Session) pumpEvents(gen uint64, conn connection) {
	for ev := range conn.Events() {
		s.mu.Lock()
		stale := gen != s.generation
		peer := s.peer
		s.mu.Unlock()
		if stale {
			return
		}

		switch ev.Type {
		case EventOfferCreated:
			s.bus.Emit(model.EvOffer, peer, map[string]any{"offer": ev.SDP})
		case EventAnswerCreated:
			s.bus.Emit(model.EvAnswer, peer, map[string]any{"answer": ev.SDP})
		case EventICECandidate:
			s.bus.Emit(model.EvCandidate, peer, map[string]any{"candidate": ev.Candidate})
		case EventConnected:
			s.mu.Lock()
			if gen == s.generation && s.state.active() {
				s.stopRingTimerLocked()
				s.state = StateConnected
			}
			s.mu.Unlock()
			s.notify()
		case EventFailed:
			s.mu.Lock()
			if gen == s.generation && s.state.active() {
				s.state = StateFailed
				s.lastErr = ErrRetriesExhausted
			}
			s.mu.Unlock()
			s.notify()
		case EventError:
			if ev.Kind == ErrorMediaAccess {
				log.Printf("CALL [%s]: media: %v", s.selfID, ev.Err)
			}
		case EventCleanup:
			return
		}
	}
}

// ── Accessors ────────────────────────────────────────────────────────────────

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe returns a channel receiving the state after every transition.
// Slow consumers miss intermediate states, never block the call.
func (s *Session) Subscribe() <-chan State {
	ch := make(chan State, 8)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

func (s *Session) notify() {
	s.mu.Lock()
	st := s.state
	ls := make([]chan State, len(s.listeners))
	copy(ls, s.listeners)
	s.mu.Unlock()
	for _, ch := range ls {
		select {
		case ch <- st:
		default:
		}
	}
}

// ── Internals ────────────────────────────────────────────────────────────────

// fail moves the call to failed unless gen is stale.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation || !s.state.active() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.lastErr = err
	s.stopRingTimerLocked()
	s.mu.Unlock()
	s.notify()
	log.Printf("CALL [%s]: %v", s.selfID, err)
}

func (s *Session) armRingTimer(gen uint64) {
	if s.ringTimeout <= 0 {
		return
	}
	s.mu.Lock()
	s.ringTimer = time.AfterFunc(s.ringTimeout, func() {
		s.mu.Lock()
		expired := gen == s.generation && (s.state == StateCalling || s.state == StateRinging)
		s.mu.Unlock()
		if expired {
			s.fail(gen, fmt.Errorf("no answer after %s", s.ringTimeout))
		}
	})
	s.mu.Unlock()
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// flushHeldCandidates moves candidates that arrived before setup into the
// connection, which buffers them further if no remote description is in yet.
func (s *Session) flushHeldCandidates(conn connection) {
	s.mu.Lock()
	pend := s.pendingCands
	s.pendingCands = nil
	s.mu.Unlock()
	for _, c := range pend {
		if err := conn.AddRemoteCandidate(c); err != nil {
			log.Printf("CALL [%s]: held candidate: %v", s.selfID, err)
		}
	}
}

// reset prepares for a new call. Caller holds the lock.
func (s *Session) reset() {
	s.generation++
	s.stopRingTimerLocked()
	if s.conn != nil {
		go s.conn.Cleanup()
		s.conn = nil
	}
	s.pendingOffer = nil
	s.pendingCands = nil
	s.awaitingOffer = false
	s.peer = ""
	s.isCaller = false
	s.lastErr = nil
}

// teardownLocked ends the current call and lands in next. Caller holds the
// lock.
func (s *Session) teardownLocked(next State) {
	s.reset()
	s.state = next
}
