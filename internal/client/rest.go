package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Arghadeepdebnath15/chat-web/internal/model"
)

// Rest wraps the message-store REST surface. Calls are synchronous and never
// retried: a failed action is surfaced and the user re-issues it.
type Rest struct {
	base  string
	token string
	http  *http.Client
}

func NewRest(baseURL, token string) *Rest {
	return &Rest{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// SidebarUsers returns conversation partners and the unseen-count map.
func (r *Rest) SidebarUsers() ([]model.User, map[string]int, error) {
	var out struct {
		Users          []model.User   `json:"users"`
		UnseenMessages map[string]int `json:"unseenMessages"`
	}
	if err := r.call("GET", "/api/messages/users", nil, &out); err != nil {
		return nil, nil, err
	}
	if out.UnseenMessages == nil {
		out.UnseenMessages = map[string]int{}
	}
	return out.Users, out.UnseenMessages, nil
}

// Search matches users by name.
func (r *Rest) Search(q string) ([]model.User, error) {
	var out struct {
		Users []model.User `json:"users"`
	}
	err := r.call("GET", "/api/messages/search?q="+url.QueryEscape(q), nil, &out)
	return out.Users, err
}

// Conversation fetches the history with peer. Server side effect: the peer's
// unseen messages to us flip seen and the peer is notified.
func (r *Rest) Conversation(peerID string) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	err := r.call("GET", "/api/messages/"+peerID, nil, &out)
	return out.Messages, err
}

// Send posts a message and returns the canonical stored record.
func (r *Rest) Send(peerID, text, image string) (model.Message, error) {
	var out struct {
		NewMessage model.Message `json:"newMessage"`
	}
	body := map[string]string{"text": text, "image": image}
	err := r.call("POST", "/api/messages/send/"+peerID, body, &out)
	return out.NewMessage, err
}

// MarkSeen flips one message seen.
func (r *Rest) MarkSeen(messageID string) error {
	return r.call("PUT", "/api/messages/mark/"+messageID, nil, nil)
}

// Delete removes one message.
func (r *Rest) Delete(messageID string) error {
	return r.call("DELETE", "/api/messages/"+messageID, nil, nil)
}

// DeleteAll removes the whole conversation with peer.
func (r *Rest) DeleteAll(peerID string) error {
	return r.call("DELETE", "/api/messages/all/"+peerID, nil, nil)
}

func (r *Rest) call(method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, r.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("token", r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	raw := json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if !envelope.Success {
		msg := envelope.Message
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, msg)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
