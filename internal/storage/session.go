package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Metadata keys tracked on the session record.
const (
	MetaCompactionCount = "compaction.count"
	MetaCompactionLast  = "compaction.last"
)

// Session is a conversation owned by one user-visible thread.
type Session struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateSession creates a new session.
func (db *DB) CreateSession(title, provider, model string) (*Session, error) {
	return db.CreateSessionWithID(uuid.New().String(), title, provider, model)
}

// CreateSessionWithID creates a session with a caller-chosen id.
func (db *DB) CreateSessionWithID(id, title, provider, model string) (*Session, error) {
	now := time.Now().UTC()

	_, err := db.Exec(
		"INSERT INTO sessions (id, title, provider, model, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, title, provider, model, "{}", now, now,
	)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:        id,
		Title:     title,
		Provider:  provider,
		Model:     model,
		Metadata:  json.RawMessage("{}"),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetSession loads a session by id.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(
		"SELECT id, title, provider, model, metadata, created_at, updated_at FROM sessions WHERE id = ?",
		id,
	)
	return scanSession(row)
}

// GetOrCreateSession returns the session, creating it when absent.
func (db *DB) GetOrCreateSession(id, title, provider, model string) (*Session, error) {
	sess, err := db.GetSession(id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return db.CreateSessionWithID(id, title, provider, model)
}

// ListSessions returns all sessions, most recently updated first.
func (db *DB) ListSessions() ([]*Session, error) {
	rows, err := db.Query(
		"SELECT id, title, provider, model, metadata, created_at, updated_at FROM sessions ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionsUpdatedSince returns sessions touched after the cutoff. Used by
// the maintenance sweep to bound its working set.
func (db *DB) ListSessionsUpdatedSince(cutoff time.Time) ([]*Session, error) {
	rows, err := db.Query(
		"SELECT id, title, provider, model, metadata, created_at, updated_at FROM sessions WHERE updated_at > ? ORDER BY updated_at DESC",
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchSession bumps updated_at.
func (db *DB) TouchSession(id string) error {
	res, err := db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSessionTitle renames a session.
func (db *DB) UpdateSessionTitle(id, title string) error {
	res, err := db.Exec(
		"UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?",
		title, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateSessionModel changes the provider/model pair for future turns.
func (db *DB) UpdateSessionModel(id, provider, model string) error {
	res, err := db.Exec(
		"UPDATE sessions SET provider = ?, model = ?, updated_at = ? WHERE id = ?",
		provider, model, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetSessionMeta sets one key in the session metadata JSON without
// round-tripping the whole document through a struct.
func (db *DB) SetSessionMeta(id, key string, value any) error {
	var meta string
	err := db.QueryRow("SELECT metadata FROM sessions WHERE id = ?", id).Scan(&meta)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	patched, err := sjson.Set(meta, key, value)
	if err != nil {
		return err
	}

	_, err = db.Exec(
		"UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?",
		patched, time.Now().UTC(), id,
	)
	return err
}

// SessionMeta reads one key from the session metadata JSON. Returns the zero
// gjson.Result when the key is absent.
func (db *DB) SessionMeta(id, key string) (gjson.Result, error) {
	var meta string
	err := db.QueryRow("SELECT metadata FROM sessions WHERE id = ?", id).Scan(&meta)
	if err == sql.ErrNoRows {
		return gjson.Result{}, ErrNotFound
	}
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.Get(meta, key), nil
}

// DeleteSession removes the session and, via foreign keys, its messages.
// Documents under the session prefix are the caller's responsibility.
func (db *DB) DeleteSession(id string) error {
	res, err := db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var meta string
	err := row.Scan(&sess.ID, &sess.Title, &sess.Provider, &sess.Model, &meta, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Metadata = json.RawMessage(meta)
	return &sess, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
