package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// EventType names every observable the connection engine publishes. Most are
// asynchronous reactions to the underlying transport, so they flow through
// one typed channel instead of return values.
type EventType string

const (
	EventInitialized           EventType = "initialized"
	EventLocalStream           EventType = "localStream"
	EventRemoteStream          EventType = "remoteStream"
	EventConnected             EventType = "connected"
	EventICEStateChange        EventType = "iceStateChange"
	EventConnectionStateChange EventType = "connectionStateChange"
	EventSignalingStateChange  EventType = "signalingStateChange"
	EventRetrying              EventType = "retrying"
	EventFailed                EventType = "failed"
	EventError                 EventType = "error"
	EventICECandidate          EventType = "iceCandidate"
	EventICEGatheringComplete  EventType = "iceGatheringComplete"
	EventOfferCreated          EventType = "offerCreated"
	EventAnswerCreated         EventType = "answerCreated"
	EventAudioToggled          EventType = "audioToggled"
	EventVideoToggled          EventType = "videoToggled"
	EventCleanup               EventType = "cleanup"
)

// ErrorKind identifies which negotiation step failed. Media and permission
// problems are never retried; connection-level failures go through the
// automatic ICE-restart path instead of this taxonomy.
type ErrorKind string

const (
	ErrorInitialization  ErrorKind = "initialization"
	ErrorMediaAccess     ErrorKind = "mediaAccess"
	ErrorCreateOffer     ErrorKind = "createOffer"
	ErrorHandleOffer     ErrorKind = "handleOffer"
	ErrorCreateAnswer    ErrorKind = "createAnswer"
	ErrorHandleAnswer    ErrorKind = "handleAnswer"
	ErrorAddICECandidate ErrorKind = "addIceCandidate"
	ErrorICERestart      ErrorKind = "iceRestart"
)

// Event is one entry on the engine's event stream. Only the fields relevant
// to Type are set.
type Event struct {
	Type EventType

	ICEState  webrtc.ICEConnectionState
	ConnState webrtc.PeerConnectionState
	SigState  webrtc.SignalingState

	// Retry bookkeeping (retrying, failed, iceStateChange).
	Attempt    int
	MaxRetries int
	Reason     string

	// Error events.
	Kind ErrorKind
	Err  error

	Candidate *webrtc.ICECandidateInit
	SDP       *webrtc.SessionDescription

	// Track kind for localStream/remoteStream, toggle state for *Toggled.
	TrackKind string
	Enabled   bool
}

var (
	ErrNotInitialized     = errors.New("peer connection not initialized")
	ErrAlreadyInitialized = errors.New("peer connection already initialized: cleanup first")
	ErrBusy               = errors.New("another call is already active")
	ErrRetriesExhausted   = errors.New("max retries exceeded, start a new call")
)

// maxRetriesReason is the terminal failure reason after the retry budget is
// spent.
const maxRetriesReason = "max retries exceeded"
