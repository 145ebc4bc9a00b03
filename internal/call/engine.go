// Package call implements the client-side media connection: lifecycle of one
// peer connection, SDP negotiation, candidate exchange, and the bounded
// ICE-restart retry loop, plus the per-call orchestration on top.
package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Arghadeepdebnath15/chat-web/internal/config"
)

// peerConn is the slice of *webrtc.PeerConnection the engine drives. Tests
// substitute a scripted implementation.
type peerConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// acquireFunc opens capture devices and attaches their tracks to the live
// peer connection. It returns a stop function releasing the devices and the
// toggleable track handles.
type acquireFunc func(wantVideo, wantAudio bool) (func(), []localTrack, error)

// localTrack is an outgoing track whose transmission can be paused without
// renegotiation.
type localTrack interface {
	Kind() string
	SetEnabled(enabled bool)
}

// Engine owns exactly one peer connection at a time. Every observable flows
// out through Events(); blocking operations return errors directly as well.
// After Cleanup the engine is reusable for the next call.
type Engine struct {
	iceCfg  config.ICE
	callCfg config.Call

	events chan Event

	mu      sync.Mutex
	pc      peerConn
	real    *webrtc.PeerConnection
	acquire acquireFunc

	// generation invalidates timers and pion callbacks that outlive the
	// connection they were registered on.
	generation  uint64
	isInitiator bool

	iceState  webrtc.ICEConnectionState
	connState webrtc.PeerConnectionState
	sigState  webrtc.SignalingState

	attempts   int
	maxRetries int
	retryDelay time.Duration
	retryTimer *time.Timer
	terminal   bool

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	stopMedia func()
	tracks    []localTrack
	hasLocal  bool
	hasRemote bool
	audioOn   bool
	videoOn   bool

	lastSeq    uint16
	rtpPackets uint64

	// factory overrides the pion construction path in tests.
	factory func() (peerConn, error)
}

// NewEngine builds an idle engine from config. Nothing is allocated until
// Initialize.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		iceCfg:     cfg.ICE,
		callCfg:    cfg.Call,
		events:     make(chan Event, 64),
		maxRetries: cfg.Call.MaxRetries,
		retryDelay: time.Duration(cfg.Call.RetryDelaySec) * time.Second,
	}
}

// Events is the engine's output stream. The channel is buffered; a consumer
// that stalls loses events rather than deadlocking negotiation.
func (e *Engine) Events() <-chan Event { return e.events }

// Initialize allocates the peer connection. Calling it on a live engine is an
// error: Cleanup must run between calls.
func (e *Engine) Initialize(isInitiator bool) error {
	e.mu.Lock()
	if e.pc != nil {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	e.isInitiator = isInitiator
	gen := e.generation
	e.mu.Unlock()

	var (
		pc   peerConn
		real *webrtc.PeerConnection
		acq  acquireFunc
		err  error
	)
	if e.factory != nil {
		pc, err = e.factory()
	} else {
		real, acq, err = newPeerConnection(e.iceCfg, e.callCfg)
		pc = real
	}
	if err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorInitialization, Err: err})
		return fmt.Errorf("initialize peer connection: %w", err)
	}

	e.mu.Lock()
	if gen != e.generation {
		// Cleanup raced us; discard the fresh connection.
		e.mu.Unlock()
		pc.Close()
		return ErrNotInitialized
	}
	e.pc = pc
	e.real = real
	e.acquire = acq
	e.audioOn = true
	e.videoOn = true
	e.mu.Unlock()

	if real != nil {
		e.bindCallbacks(real, gen)
	}
	log.Printf("CALL: peer connection initialized (initiator=%v)", isInitiator)
	e.emit(Event{Type: EventInitialized})
	return nil
}

// current reports whether gen still names the live connection.
func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.generation && e.pc != nil
}

// AcquireLocalMedia opens camera and microphone and attaches their tracks.
// Hard device errors surface as mediaAccess and are never retried.
func (e *Engine) AcquireLocalMedia(wantVideo, wantAudio bool) error {
	e.mu.Lock()
	if e.pc == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	acquire := e.acquire
	e.mu.Unlock()

	if acquire != nil {
		stop, tracks, err := acquire(wantVideo, wantAudio)
		if err != nil {
			e.emit(Event{Type: EventError, Kind: ErrorMediaAccess, Err: err})
			return fmt.Errorf("acquire media: %w", err)
		}
		e.mu.Lock()
		e.stopMedia = stop
		e.tracks = tracks
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.hasLocal = true
	e.mu.Unlock()
	e.emit(Event{Type: EventLocalStream})
	return nil
}

// CreateOffer produces and applies the local offer, then publishes it for
// signaling via EventOfferCreated.
func (e *Engine) CreateOffer() (webrtc.SessionDescription, error) {
	pc, err := e.conn()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorCreateOffer, Err: err})
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorCreateOffer, Err: err})
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	e.emit(Event{Type: EventOfferCreated, SDP: &offer})
	return offer, nil
}

// HandleOffer applies the remote offer and flushes any candidates that
// arrived before it.
func (e *Engine) HandleOffer(offer webrtc.SessionDescription) error {
	pc, err := e.conn()
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorHandleOffer, Err: err})
		return fmt.Errorf("apply remote offer: %w", err)
	}
	e.flushCandidates(pc)
	return nil
}

// CreateAnswer produces and applies the local answer, publishing it via
// EventAnswerCreated.
func (e *Engine) CreateAnswer() (webrtc.SessionDescription, error) {
	pc, err := e.conn()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorCreateAnswer, Err: err})
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorCreateAnswer, Err: err})
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	e.emit(Event{Type: EventAnswerCreated, SDP: &answer})
	return answer, nil
}

// HandleAnswer applies the remote answer on the offering side.
func (e *Engine) HandleAnswer(answer webrtc.SessionDescription) error {
	pc, err := e.conn()
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorHandleAnswer, Err: err})
		return fmt.Errorf("apply remote answer: %w", err)
	}
	e.flushCandidates(pc)
	return nil
}

// AddRemoteCandidate applies a relayed ICE candidate. Candidates arriving
// before the remote description are buffered and flushed in arrival order
// once it lands.
func (e *Engine) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	if e.pc == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if !e.remoteSet {
		e.pending = append(e.pending, c)
		n := len(e.pending)
		e.mu.Unlock()
		log.Printf("CALL: buffered candidate (%d pending, no remote description yet)", n)
		return nil
	}
	pc := e.pc
	e.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorAddICECandidate, Err: err})
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (e *Engine) flushCandidates(pc peerConn) {
	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("CALL: flush buffered candidate: %v", err)
			e.emit(Event{Type: EventError, Kind: ErrorAddICECandidate, Err: err})
		}
	}
	if len(pending) > 0 {
		log.Printf("CALL: flushed %d buffered candidates", len(pending))
	}
}

// RestartICE renegotiates connectivity on the existing connection. The fresh
// offer goes out through EventOfferCreated for re-signaling.
func (e *Engine) RestartICE() error {
	e.mu.Lock()
	pc := e.pc
	attempt, max := e.attempts, e.maxRetries
	e.mu.Unlock()
	if pc == nil {
		return ErrNotInitialized
	}

	log.Printf("CALL: restarting ICE (attempt %d/%d)", attempt, max)
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorICERestart, Err: err})
		return fmt.Errorf("ice restart offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		e.emit(Event{Type: EventError, Kind: ErrorICERestart, Err: err})
		return fmt.Errorf("ice restart local description: %w", err)
	}
	e.emit(Event{Type: EventOfferCreated, SDP: &offer})
	return nil
}

// ToggleAudio flips the outgoing audio mute on every local audio track and
// returns the new state.
func (e *Engine) ToggleAudio() bool {
	e.mu.Lock()
	e.audioOn = !e.audioOn
	on := e.audioOn
	tracks := e.tracks
	e.mu.Unlock()
	setTracksEnabled(tracks, "audio", on)
	e.emit(Event{Type: EventAudioToggled, Enabled: on})
	return on
}

// ToggleVideo flips the outgoing video mute on every local video track and
// returns the new state.
func (e *Engine) ToggleVideo() bool {
	e.mu.Lock()
	e.videoOn = !e.videoOn
	on := e.videoOn
	tracks := e.tracks
	e.mu.Unlock()
	setTracksEnabled(tracks, "video", on)
	e.emit(Event{Type: EventVideoToggled, Enabled: on})
	return on
}

func setTracksEnabled(tracks []localTrack, kind string, on bool) {
	for _, tr := range tracks {
		if tr.Kind() == kind {
			tr.SetEnabled(on)
		}
	}
}

// Attempts reports the retry budget: used and total.
func (e *Engine) Attempts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts, e.maxRetries
}

// Cleanup releases everything and resets the engine for the next call. Safe
// to call repeatedly and at any point in the lifecycle.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	e.generation++
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	stop := e.stopMedia
	pc := e.pc
	e.stopMedia = nil
	e.tracks = nil
	e.pc = nil
	e.real = nil
	e.acquire = nil
	e.pending = nil
	e.remoteSet = false
	e.attempts = 0
	e.terminal = false
	e.iceState = webrtc.ICEConnectionStateNew
	e.connState = webrtc.PeerConnectionStateNew
	e.sigState = webrtc.SignalingStateStable
	e.hasLocal = false
	e.hasRemote = false
	e.audioOn = false
	e.videoOn = false
	e.lastSeq = 0
	e.rtpPackets = 0
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("CALL: close peer connection: %v", err)
		}
	}
	e.emit(Event{Type: EventCleanup})
}

// Diagnostics is a point-in-time snapshot for debugging UIs.
type Diagnostics struct {
	Initialized        bool   `json:"initialized"`
	IsInitiator        bool   `json:"isInitiator"`
	ICEConnectionState string `json:"iceConnectionState"`
	ConnectionState    string `json:"connectionState"`
	SignalingState     string `json:"signalingState"`
	ConnectionAttempts int    `json:"connectionAttempts"`
	MaxRetries         int    `json:"maxRetries"`
	HasLocalMedia      bool   `json:"hasLocalMedia"`
	HasRemoteMedia     bool   `json:"hasRemoteMedia"`
	BufferedCandidates int    `json:"bufferedCandidates"`
	RTPPackets         uint64 `json:"rtpPackets"`
}

func (e *Engine) Diagnostics() Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Diagnostics{
		Initialized:        e.pc != nil,
		IsInitiator:        e.isInitiator,
		ICEConnectionState: e.iceState.String(),
		ConnectionState:    e.connState.String(),
		SignalingState:     e.sigState.String(),
		ConnectionAttempts: e.attempts,
		MaxRetries:         e.maxRetries,
		HasLocalMedia:      e.hasLocal,
		HasRemoteMedia:     e.hasRemote,
		BufferedCandidates: len(e.pending),
		RTPPackets:         e.rtpPackets,
	}
}

// ── Connection state machine ─────────────────────────────────────────────────

// handleICEState is the entry point for ICE transitions, called from the pion
// callback on real connections and directly in tests.
func (e *Engine) handleICEState(st webrtc.ICEConnectionState) {
	e.mu.Lock()
	e.iceState = st
	attempts := e.attempts
	e.mu.Unlock()
	e.emit(Event{Type: EventICEStateChange, ICEState: st, Attempt: attempts})

	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		e.markConnected()
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		e.scheduleRetry("ice " + st.String())
	}
}

func (e *Engine) handleConnState(st webrtc.PeerConnectionState) {
	e.mu.Lock()
	e.connState = st
	e.mu.Unlock()
	e.emit(Event{Type: EventConnectionStateChange, ConnState: st})

	if st == webrtc.PeerConnectionStateFailed {
		e.scheduleRetry("connection failed")
	}
}

func (e *Engine) handleSigState(st webrtc.SignalingState) {
	e.mu.Lock()
	e.sigState = st
	e.mu.Unlock()
	e.emit(Event{Type: EventSignalingStateChange, SigState: st})
}

// markConnected cancels any pending retry and refills the retry budget, so a
// later outage starts a fresh cycle.
func (e *Engine) markConnected() {
	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.attempts = 0
	e.terminal = false
	e.mu.Unlock()
	log.Printf("CALL: media path connected")
	e.emit(Event{Type: EventConnected})
}

// scheduleRetry arms one delayed ICE restart, or fails the call permanently
// once the budget is spent. A retry already in flight absorbs further failure
// signals.
func (e *Engine) scheduleRetry(reason string) {
	e.mu.Lock()
	if e.pc == nil || e.terminal || e.retryTimer != nil {
		e.mu.Unlock()
		return
	}
	if e.attempts >= e.maxRetries {
		e.terminal = true
		attempts, max := e.attempts, e.maxRetries
		e.mu.Unlock()
		log.Printf("CALL: giving up after %d attempts (%s)", attempts, reason)
		e.emit(Event{Type: EventFailed, Reason: maxRetriesReason, Attempt: attempts, MaxRetries: max})
		return
	}
	e.attempts++
	attempt, max := e.attempts, e.maxRetries
	gen := e.generation
	e.retryTimer = time.AfterFunc(e.retryDelay, func() { e.runRetry(gen) })
	e.mu.Unlock()

	log.Printf("CALL: %s, retrying in %s (attempt %d/%d)", reason, e.retryDelay, attempt, max)
	e.emit(Event{Type: EventRetrying, Attempt: attempt, MaxRetries: max, Reason: reason})
}

func (e *Engine) runRetry(gen uint64) {
	e.mu.Lock()
	if gen != e.generation || e.pc == nil {
		e.mu.Unlock()
		return
	}
	e.retryTimer = nil
	e.mu.Unlock()

	if err := e.RestartICE(); err != nil {
		log.Printf("CALL: ice restart failed: %v", err)
	}
}

// ── Internals ────────────────────────────────────────────────────────────────

func (e *Engine) conn() (peerConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return nil, ErrNotInitialized
	}
	return e.pc, nil
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Printf("CALL: event buffer full, dropping %s", ev.Type)
	}
}
