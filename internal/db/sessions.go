package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session represents one chat conversation. ProviderSessionID is the
// backend agent's own session identifier, captured so resumed turns
// continue the same provider conversation.
type Session struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Provider          string    `json:"provider"`
	ProviderSessionID *string   `json:"providerSessionId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// CreateSessionInput contains fields for creating a new session
type CreateSessionInput struct {
	Title    string
	Provider string
}

// UpdateSessionInput contains fields for updating a session
type UpdateSessionInput struct {
	Title             *string `json:"title,omitempty"`
	ProviderSessionID *string `json:"providerSessionId,omitempty"`
}

// CreateSession creates a new chat session
func (db *DB) CreateSession(input CreateSessionInput) (*Session, error) {
	id := NewID()
	now := time.Now()

	title := input.Title
	if title == "" {
		title = "Untitled session"
	}

	_, err := db.conn.Exec(`
		INSERT INTO sessions (id, title, provider, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, title, input.Provider, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return db.GetSession(id)
}

// GetSession retrieves a session by ID
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.conn.QueryRow(`
		SELECT id, title, provider, provider_session_id, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListSessions retrieves all sessions, newest first
func (db *DB) ListSessions() ([]*Session, error) {
	rows, err := db.conn.Query(`
		SELECT id, title, provider, provider_session_id, created_at, updated_at
		FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*Session, 0)
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// UpdateSession updates a session
func (db *DB) UpdateSession(id string, input UpdateSessionInput) (*Session, error) {
	query := "UPDATE sessions SET updated_at = ?"
	args := []any{time.Now()}

	if input.Title != nil {
		query += ", title = ?"
		args = append(args, *input.Title)
	}
	if input.ProviderSessionID != nil {
		query += ", provider_session_id = ?"
		args = append(args, *input.ProviderSessionID)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return db.GetSession(id)
}

// DeleteSession deletes a session and, via cascade, its messages
func (db *DB) DeleteSession(id string) error {
	result, err := db.conn.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func scanSession(scan scanFunc) (*Session, error) {
	var s Session
	var providerSessionID sql.NullString

	err := scan(&s.ID, &s.Title, &s.Provider, &providerSessionID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	s.ProviderSessionID = StringPtr(providerSessionID)
	return &s, nil
}
