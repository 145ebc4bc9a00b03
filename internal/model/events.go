package model

import "encoding/json"

// Relayed events (client → relay → client). The relay forwards these between
// two addressed parties without interpreting the payload beyond the envelope.
const (
	EvTyping         = "typing"
	EvStopTyping     = "stopTyping"
	EvCallInvitation = "webrtc-call-invitation"
	EvOffer          = "webrtc-offer"
	EvAnswer         = "webrtc-answer"
	EvCandidate      = "webrtc-candidate"
	EvAccept         = "webrtc-accept"
	EvDecline        = "webrtc-decline"
	EvCallEnded      = "webrtc-call-ended"

	// Accept/decline arrive at the callee's peer under different names than
	// they were sent — an asymmetry inherited from the wire contract.
	EvCallAccept  = "webrtc-call-accept"
	EvCallDecline = "webrtc-call-decline"
)

// Server-push events (store mutations and presence, server → client only).
const (
	EvNewMessage         = "newMessage"
	EvMessageSeen        = "messageSeen"
	EvMessagesSeen       = "messagesSeen"
	EvMessageDeleted     = "messageDeleted"
	EvAllMessagesDeleted = "allMessagesDeleted"
	EvNewChatUser        = "newChatUser"
	EvOnlineUsers        = "getOnlineUsers"
)

// Envelope is the single frame shape on the websocket. Client → relay frames
// carry To; relay/server → client frames carry only Event and Data.
type Envelope struct {
	Event string          `json:"event"`
	To    string          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewChatUserPayload accompanies EvNewChatUser: the first message of a brand
// new conversation together with its sender, so a sidebar can show the new
// entry without refetching the user list.
type NewChatUserPayload struct {
	User    User    `json:"user"`
	Message Message `json:"message"`
}

// AllMessagesDeletedPayload accompanies EvAllMessagesDeleted.
type AllMessagesDeletedPayload struct {
	UserID string `json:"userId"`
}
