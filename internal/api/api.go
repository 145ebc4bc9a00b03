// Package api exposes the REST surface of the message store and pushes the
// matching socket events through the relay hub.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/Arghadeepdebnath15/chat-web/internal/model"
	"github.com/Arghadeepdebnath15/chat-web/internal/relay"
	"github.com/Arghadeepdebnath15/chat-web/internal/store"
)

// Authenticator resolves a request to a stable user id. Session mechanics
// live outside this system; the default implementation is a static token
// table from the config.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// TokenAuth maps bearer tokens to user ids.
type TokenAuth map[string]string

var errUnauthorized = errors.New("unauthorized")

func (t TokenAuth) Authenticate(r *http.Request) (string, error) {
	tok := r.Header.Get("token")
	if tok == "" {
		tok = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if userID, ok := t[tok]; ok && tok != "" {
		return userID, nil
	}
	return "", errUnauthorized
}

type API struct {
	db   *store.DB
	hub  *relay.Hub
	auth Authenticator
}

func New(db *store.DB, hub *relay.Hub, auth Authenticator) *API {
	return &API{db: db, hub: hub, auth: auth}
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Server is live"))
	})

	mux.HandleFunc("GET /api/messages/users", a.withAuth(a.handleSidebar))
	mux.HandleFunc("GET /api/messages/search", a.withAuth(a.handleSearch))
	mux.HandleFunc("GET /api/messages/{id}", a.withAuth(a.handleConversation))
	mux.HandleFunc("POST /api/messages/send/{id}", a.withAuth(a.handleSend))
	mux.HandleFunc("PUT /api/messages/mark/{id}", a.withAuth(a.handleMarkSeen))
	mux.HandleFunc("DELETE /api/messages/all/{id}", a.withAuth(a.handleDeleteAll))
	mux.HandleFunc("DELETE /api/messages/{id}", a.withAuth(a.handleDelete))

	mux.HandleFunc("GET /api/debug/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"online": a.hub.OnlineUsers(),
			"recent": a.hub.RecentEvents(),
		})
	})
}

func (a *API) withAuth(fn func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.Authenticate(r)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		fn(w, r, userID)
	}
}

// GET /api/messages/users — sidebar candidates plus the unseen-count map.
func (a *API) handleSidebar(w http.ResponseWriter, r *http.Request, userID string) {
	users, unseen, err := a.db.SidebarUsers(userID)
	if err != nil {
		serverError(w, "sidebar", err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "users": users, "unseenMessages": unseen})
}

// GET /api/messages/search?q= — case-insensitive name search, self excluded.
func (a *API) handleSearch(w http.ResponseWriter, r *http.Request, userID string) {
	users, err := a.db.SearchUsers(userID, r.URL.Query().Get("q"))
	if err != nil {
		serverError(w, "search", err)
		return
	}
	writeJSON(w, map[string]any{"success": true, "users": users})
}

// GET /api/messages/{peerId} — full history; marks the peer's messages to me
// seen and tells the peer which ids flipped.
func (a *API) handleConversation(w http.ResponseWriter, r *http.Request, userID string) {
	peerID := r.PathValue("id")

	seenIDs, err := a.db.MarkConversationSeen(userID, peerID)
	if err != nil {
		serverError(w, "mark seen", err)
		return
	}
	messages, err := a.db.Conversation(userID, peerID)
	if err != nil {
		serverError(w, "conversation", err)
		return
	}
	if len(seenIDs) > 0 {
		a.hub.SendTo(peerID, model.EvMessagesSeen, seenIDs)
	}
	writeJSON(w, map[string]any{"success": true, "messages": messages})
}

// POST /api/messages/send/{peerId} — body {text?, image?}.
func (a *API) handleSend(w http.ResponseWriter, r *http.Request, userID string) {
	peerID := r.PathValue("id")

	var body struct {
		Text  string `json:"text"`
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Text == "" && body.Image == "" {
		jsonError(w, http.StatusBadRequest, "empty message")
		return
	}

	existed, err := a.db.HasConversation(userID, peerID)
	if err != nil {
		serverError(w, "conversation check", err)
		return
	}

	msg, err := a.db.InsertMessage(userID, peerID, body.Text, body.Image)
	if err != nil {
		serverError(w, "send", err)
		return
	}

	a.hub.SendTo(peerID, model.EvNewMessage, msg)
	if !existed {
		if sender, err := a.db.GetUser(userID); err == nil {
			a.hub.SendTo(peerID, model.EvNewChatUser, model.NewChatUserPayload{User: sender, Message: msg})
		}
	}
	writeJSON(w, map[string]any{"success": true, "newMessage": msg})
}

// PUT /api/messages/mark/{messageId} — single-message seen flip; the sender
// learns about it via messageSeen.
func (a *API) handleMarkSeen(w http.ResponseWriter, r *http.Request, userID string) {
	msg, err := a.db.MarkSeen(r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusNotFound, "message not found")
		return
	}
	a.hub.SendTo(msg.SenderID, model.EvMessageSeen, msg.ID)
	writeJSON(w, map[string]any{"success": true})
}

// DELETE /api/messages/{messageId} — mirrored best-effort to the other
// participant; if they are offline their copy stays stale until a refetch.
func (a *API) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	msg, err := a.db.DeleteMessage(r.PathValue("id"))
	if err != nil {
		jsonError(w, http.StatusNotFound, "message not found")
		return
	}
	peer := msg.SenderID
	if peer == userID {
		peer = msg.ReceiverID
	}
	a.hub.SendTo(peer, model.EvMessageDeleted, msg.ID)
	writeJSON(w, map[string]any{"success": true})
}

// DELETE /api/messages/all/{peerId}
func (a *API) handleDeleteAll(w http.ResponseWriter, r *http.Request, userID string) {
	peerID := r.PathValue("id")
	n, err := a.db.DeleteConversation(userID, peerID)
	if err != nil {
		serverError(w, "delete all", err)
		return
	}
	a.hub.SendTo(peerID, model.EvAllMessagesDeleted, model.AllMessagesDeletedPayload{UserID: userID})
	writeJSON(w, map[string]any{"success": true, "deleted": n})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: write response: %v", err)
	}
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}

func serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("API: %s: %v", op, err)
	jsonError(w, http.StatusInternalServerError, err.Error())
}
