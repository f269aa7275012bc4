// Package rowmap converts persisted chat-message rows into canonical
// events. Unlike the stream parser it carries no state: every function
// is pure and safe to call concurrently.
//
// Rows are the application's own historical data, so mapping degrades
// gracefully instead of failing: an unknown role becomes system, empty
// content becomes a placeholder message. One malformed old row must
// never block rendering a whole conversation.
package rowmap

import (
	"sort"
	"strconv"
	"time"

	"github.com/orchestra-ai/orchestra/internal/events"
)

// Part is one element of a stored row's mixed content array.
type Part struct {
	Type string `json:"type"`

	// type == "text"
	Text string `json:"text,omitempty"`

	// type == "tool_use"
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// type == "tool_output"
	ToolUseIDForOutput string `json:"tool_use_id_for_output,omitempty"`
	Output             any    `json:"output,omitempty"`
}

// Row is one persisted chat message as stored by the backend.
type Row struct {
	ID                    string    `json:"id"`
	SessionID             string    `json:"session_id"`
	Role                  string    `json:"role"`
	Content               []Part    `json:"content"`
	Timestamp             time.Time `json:"timestamp"`
	ToolCallID            string    `json:"tool_call_id,omitempty"`
	RespondingToToolUseID string    `json:"responding_to_tool_use_id,omitempty"`
}

const placeholderText = "Empty message"

// Map converts one row into its ordered canonical events: one event
// per content part, or exactly one placeholder message when the row
// has no usable content. It never fails; see the package comment.
func Map(row Row) []events.Event {
	role := normalizeRole(row.Role)

	out := make([]events.Event, 0, len(row.Content))
	for i, part := range row.Content {
		var ev events.Event
		switch part.Type {
		case "text":
			ev = baseEvent(row, role, events.KindMessage)
			ev.Content = []events.Part{events.TextPart(part.Text)}

		case "tool_use":
			ev = baseEvent(row, role, events.KindToolCall)
			ev.ToolUseID = part.ToolUseID
			ev.ToolName = part.ToolName
			ev.Args = part.ToolInput

		case "tool_output":
			ev = baseEvent(row, role, events.KindToolResult)
			ev.ToolUseID = part.ToolUseIDForOutput
			if ev.ToolUseID == "" {
				ev.ToolUseID = row.RespondingToToolUseID
			}
			ev.Result = part.Output

		default:
			// Unrecognized part shape from an old row; skip it rather
			// than reject the whole row.
			continue
		}
		if i > 0 {
			// Rows with mixed content fan out into several events; only
			// the first keeps the bare row id so event ids stay unique.
			ev.ID = row.ID + "-" + strconv.Itoa(i)
		}
		out = append(out, ev)
	}

	if len(out) == 0 {
		ev := baseEvent(row, role, events.KindMessage)
		ev.Content = []events.Part{events.TextPart(placeholderText)}
		out = append(out, ev)
	}
	return out
}

// MapBatch maps every row and flattens the results into one list
// sorted by creation time ascending. Rows are not assumed to arrive
// pre-sorted; this is the only place cross-row ordering is enforced.
func MapBatch(rows []Row) []events.Event {
	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, Map(row)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CanMap reports whether the row has the structural shape Map expects:
// an id, a session, a content array, and a timestamp. It is the hard
// pre-validation escape hatch for callers that want a boolean instead
// of relying on graceful degradation.
func CanMap(row Row) bool {
	return row.ID != "" && row.SessionID != "" && row.Content != nil && !row.Timestamp.IsZero()
}

func baseEvent(row Row, role events.Role, kind events.Kind) events.Event {
	return events.Event{
		ID:        row.ID,
		SessionID: row.SessionID,
		CreatedAt: row.Timestamp,
		Role:      role,
		Kind:      kind,
		Source:    events.SourceStore,
		Partial:   false,
	}
}

func normalizeRole(role string) events.Role {
	switch events.Role(role) {
	case events.RoleUser, events.RoleAssistant, events.RoleSystem:
		return events.Role(role)
	}
	return events.RoleSystem
}
