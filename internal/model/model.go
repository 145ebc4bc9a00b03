// Package model holds the records and wire event names shared by the server
// (store, relay, REST API) and the client-side layers (chatsync, call).
package model

import "time"

// User is a directory entry. Password/auth material never passes through
// this system — identity arrives already resolved by the auth collaborator.
type User struct {
	ID        string    `json:"id"`
	FullName  string    `json:"fullName"`
	Bio       string    `json:"bio,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is immutable once created except for the Seen flag and deletion.
// Exactly one of Text/Image is the primary content; both may be set when a
// message is shared with an attachment.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"createdAt"`
}
