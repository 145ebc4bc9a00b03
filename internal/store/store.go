// Package store persists users and messages in a SQLite database. It backs
// the REST surface; everything real-time flows through the relay instead.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Arghadeepdebnath15/chat-web/internal/model"
)

// DB wraps the SQLite handle. The mutex serializes writers; SQLite in WAL
// mode handles concurrent readers on its own.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates chat.db in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := filepath.Join(dir, "chat.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			full_name  TEXT NOT NULL,
			bio        TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			sender_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			text        TEXT NOT NULL DEFAULT '',
			image       TEXT NOT NULL DEFAULT '',
			seen        INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_pair
			ON messages(sender_id, receiver_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// ── Users ────────────────────────────────────────────────────────────────────

// CreateUser inserts a directory entry and returns it.
func (d *DB) CreateUser(fullName, bio string) (model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := model.User{
		ID:        uuid.NewString(),
		FullName:  fullName,
		Bio:       bio,
		CreatedAt: time.Now().UTC(),
	}
	_, err := d.db.Exec(
		`INSERT INTO users (id, full_name, bio, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.FullName, u.Bio, u.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given id, or sql.ErrNoRows.
func (d *DB) GetUser(id string) (model.User, error) {
	row := d.db.QueryRow(`SELECT id, full_name, bio, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// SearchUsers matches full names case-insensitively, excluding self.
func (d *DB) SearchUsers(selfID, q string) ([]model.User, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return []model.User{}, nil
	}
	rows, err := d.db.Query(
		`SELECT id, full_name, bio, created_at FROM users
		 WHERE id != ? AND LOWER(full_name) LIKE '%' || LOWER(?) || '%'
		 ORDER BY full_name`,
		selfID, q,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// SidebarUsers returns every user the given user has exchanged messages with,
// plus the per-sender count of unseen messages. Zero counts are absent from
// the map, never stored as 0.
func (d *DB) SidebarUsers(selfID string) ([]model.User, map[string]int, error) {
	rows, err := d.db.Query(
		`SELECT id, full_name, bio, created_at FROM users WHERE id IN (
			SELECT sender_id   FROM messages WHERE receiver_id = ?
			UNION
			SELECT receiver_id FROM messages WHERE sender_id = ?
		 ) ORDER BY full_name`,
		selfID, selfID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sidebar users: %w", err)
	}
	defer rows.Close()
	users, err := collectUsers(rows)
	if err != nil {
		return nil, nil, err
	}

	unseen := map[string]int{}
	crows, err := d.db.Query(
		`SELECT sender_id, COUNT(*) FROM messages
		 WHERE receiver_id = ? AND seen = 0 GROUP BY sender_id`,
		selfID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unseen counts: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var sender string
		var n int
		if err := crows.Scan(&sender, &n); err != nil {
			return nil, nil, err
		}
		if n > 0 {
			unseen[sender] = n
		}
	}
	return users, unseen, crows.Err()
}

// ── Messages ─────────────────────────────────────────────────────────────────

// InsertMessage stores a new message from sender to receiver.
func (d *DB) InsertMessage(senderID, receiverID, text, image string) (model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := model.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Text:       text,
		Image:      image,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := d.db.Exec(
		`INSERT INTO messages (id, sender_id, receiver_id, text, image, seen, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.SenderID, m.ReceiverID, m.Text, m.Image, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// GetMessage returns one message by id, or sql.ErrNoRows.
func (d *DB) GetMessage(id string) (model.Message, error) {
	row := d.db.QueryRow(
		`SELECT id, sender_id, receiver_id, text, image, seen, created_at
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// HasConversation reports whether any message exists between the two users.
func (d *DB) HasConversation(a, b string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		a, b, b, a,
	).Scan(&n)
	return n > 0, err
}

// Conversation returns the full message history between self and peer in
// creation order.
func (d *DB) Conversation(selfID, peerID string) ([]model.Message, error) {
	rows, err := d.db.Query(
		`SELECT id, sender_id, receiver_id, text, image, seen, created_at FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		 ORDER BY created_at, id`,
		selfID, peerID, peerID, selfID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkConversationSeen flips every unseen message from peer to self and
// returns the ids that changed.
func (d *DB) MarkConversationSeen(selfID, peerID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(
		`SELECT id FROM messages
		 WHERE sender_id = ? AND receiver_id = ? AND seen = 0 ORDER BY created_at, id`,
		peerID, selfID,
	)
	if err != nil {
		return nil, fmt.Errorf("find unseen: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return ids, nil
	}

	_, err = d.db.Exec(
		`UPDATE messages SET seen = 1
		 WHERE sender_id = ? AND receiver_id = ? AND seen = 0`,
		peerID, selfID,
	)
	if err != nil {
		return nil, fmt.Errorf("mark conversation seen: %w", err)
	}
	return ids, nil
}

// MarkSeen flips one message and returns its updated record.
func (d *DB) MarkSeen(id string) (model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.db.Exec(`UPDATE messages SET seen = 1 WHERE id = ?`, id); err != nil {
		return model.Message{}, fmt.Errorf("mark seen: %w", err)
	}
	row := d.db.QueryRow(
		`SELECT id, sender_id, receiver_id, text, image, seen, created_at
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// DeleteMessage removes a message and returns the deleted record so the
// caller can notify the other participant.
func (d *DB) DeleteMessage(id string) (model.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.db.QueryRow(
		`SELECT id, sender_id, receiver_id, text, image, seen, created_at
		 FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return model.Message{}, err
	}
	if _, err := d.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return model.Message{}, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

// DeleteConversation removes every message between the two users and returns
// how many were deleted.
func (d *DB) DeleteConversation(selfID, peerID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(
		`DELETE FROM messages
		 WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
		selfID, peerID, peerID, selfID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete conversation: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── Scanning ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (model.User, error) {
	var u model.User
	var ts int64
	if err := r.Scan(&u.ID, &u.FullName, &u.Bio, &ts); err != nil {
		return model.User{}, err
	}
	u.CreatedAt = time.UnixMilli(ts).UTC()
	return u, nil
}

func collectUsers(rows *sql.Rows) ([]model.User, error) {
	out := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanMessage(r rowScanner) (model.Message, error) {
	var m model.Message
	var ts int64
	if err := r.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Text, &m.Image, &m.Seen, &ts); err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = time.UnixMilli(ts).UTC()
	return m, nil
}
