package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orchestra-ai/orchestra/internal/rowmap"
)

// Message stores one chat message for a session. ContentJSON is the
// ordered array of content parts (text, tool_use, tool_output) in the
// shape the row mapper consumes.
type Message struct {
	ID                    string    `json:"id"`
	SessionID             string    `json:"sessionId"`
	Seq                   int64     `json:"seq"`
	Role                  string    `json:"role"`
	ContentJSON           string    `json:"contentJson"`
	ToolCallID            *string   `json:"toolCallId,omitempty"`
	RespondingToToolUseID *string   `json:"respondingToToolUseId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// CreateMessageInput contains fields for inserting a chat message.
type CreateMessageInput struct {
	ID                    string // optional; generated when empty
	SessionID             string
	Role                  string
	Content               []rowmap.Part
	ToolCallID            *string
	RespondingToToolUseID *string
	CreatedAt             time.Time // optional; now when zero
}

// CreateMessage inserts a chat message row, assigning the next
// sequence number within the session.
func (db *DB) CreateMessage(input CreateMessageInput) (*Message, error) {
	id := input.ID
	if id == "" {
		id = NewID()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	content := input.Content
	if content == nil {
		content = []rowmap.Part{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal message content: %w", err)
	}

	seq, err := db.GetLastMessageSeq(input.SessionID)
	if err != nil {
		return nil, err
	}
	seq++

	_, err = db.conn.Exec(`
		INSERT INTO messages (id, session_id, seq, role, content_json, tool_call_id, responding_to_tool_use_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, input.SessionID, seq, input.Role, string(contentJSON), NullString(input.ToolCallID), NullString(input.RespondingToToolUseID), createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return &Message{
		ID:                    id,
		SessionID:             input.SessionID,
		Seq:                   seq,
		Role:                  input.Role,
		ContentJSON:           string(contentJSON),
		ToolCallID:            input.ToolCallID,
		RespondingToToolUseID: input.RespondingToToolUseID,
		CreatedAt:             createdAt,
	}, nil
}

// ListMessagesBySession returns all chat messages for a session ordered by sequence.
func (db *DB) ListMessagesBySession(sessionID string) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, session_id, seq, role, content_json, tool_call_id, responding_to_tool_use_id, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC, created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]*Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ListRowsBySession returns a session's messages in the row-mapper
// shape, decoding each content array. Rows whose content fails to
// decode are returned with nil content so the mapper's degradation
// path handles them instead of the whole listing failing.
func (db *DB) ListRowsBySession(sessionID string) ([]rowmap.Row, error) {
	messages, err := db.ListMessagesBySession(sessionID)
	if err != nil {
		return nil, err
	}

	rows := make([]rowmap.Row, 0, len(messages))
	for _, msg := range messages {
		rows = append(rows, msg.Row())
	}
	return rows, nil
}

// GetLastMessageSeq returns the latest sequence number for a session.
func (db *DB) GetLastMessageSeq(sessionID string) (int64, error) {
	row := db.conn.QueryRow(`
		SELECT COALESCE(MAX(seq), 0)
		FROM messages
		WHERE session_id = ?
	`, sessionID)

	var seq sql.NullInt64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("get last message seq: %w", err)
	}
	if seq.Valid {
		return seq.Int64, nil
	}
	return 0, nil
}

// Row converts the stored message into the row-mapper input shape.
func (m *Message) Row() rowmap.Row {
	var content []rowmap.Part
	// Invalid historical content degrades to the mapper's placeholder
	// path rather than erroring.
	_ = json.Unmarshal([]byte(m.ContentJSON), &content)

	row := rowmap.Row{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   content,
		Timestamp: m.CreatedAt,
	}
	if m.ToolCallID != nil {
		row.ToolCallID = *m.ToolCallID
	}
	if m.RespondingToToolUseID != nil {
		row.RespondingToToolUseID = *m.RespondingToToolUseID
	}
	return row
}

func scanMessage(scan scanFunc) (*Message, error) {
	var msg Message
	var toolCallID, respondingTo sql.NullString
	err := scan(
		&msg.ID,
		&msg.SessionID,
		&msg.Seq,
		&msg.Role,
		&msg.ContentJSON,
		&toolCallID,
		&respondingTo,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	msg.ToolCallID = StringPtr(toolCallID)
	msg.RespondingToToolUseID = StringPtr(respondingTo)
	return &msg, nil
}
