// Package events defines the canonical chat event model shared by the
// live-stream parser and the persisted-row mapper. Both adapters emit
// the same Event/Patch types so consumers render one unified timeline
// regardless of where a message came from.
package events

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Kind string

const (
	KindMessage    Kind = "message"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
)

// Source tags an event with its provenance. It exists for debugging and
// tap logging only; nothing dispatches on it.
type Source string

const (
	SourceStream Source = "sse"
	SourceStore  Source = "store"
)

// Part is one element of a message's ordered content sequence.
type Part struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsError bool   `json:"is_error,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// Event is one durable piece of chat content: a message, a tool call,
// or a tool result. For streamed messages the ID is stable across
// chunks (keyed by the provider's message id), so patches can target
// the event after it has been emitted.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Role      Role      `json:"role"`
	Kind      Kind      `json:"kind"`
	Source    Source    `json:"source"`
	Partial   bool      `json:"partial"`

	// Kind == KindMessage. Never empty: adapters synthesize a
	// placeholder part when a message has no usable content.
	Content []Part `json:"content,omitempty"`

	// Kind == KindToolCall or KindToolResult. ToolUseID correlates a
	// result with its earlier call; Args and Result are opaque,
	// tool-dependent payloads.
	ToolUseID string         `json:"toolUseId,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Result    any            `json:"result,omitempty"`
}

type PatchOp string

const (
	PatchAppend   PatchOp = "append"
	PatchComplete PatchOp = "complete"
)

// PatchData carries the operation-specific payload of a Patch.
type PatchData struct {
	// PatchAppend: the incremental text to append. Only the delta is
	// carried, never the accumulated content; the consumer owns
	// accumulation. Seq is advisory and never used to reorder.
	Delta string `json:"delta,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	// PatchComplete: always false.
	IsStreaming *bool `json:"isStreaming,omitempty"`
}

// Patch mutates an already-emitted Event by id. It never creates a new
// event: EventID must reference a previously emitted Event.ID.
type Patch struct {
	EventID string    `json:"eventId"`
	Op      PatchOp   `json:"operation"`
	Data    PatchData `json:"data"`
}

// Output is the sealed union returned by the adapters: either a full
// *Event (insert) or a *Patch (mutate-by-id). The marker method keeps
// the set closed so consumer switches are exhaustive.
type Output interface {
	output()
}

func (*Event) output() {}
func (*Patch) output() {}

func streamingFalse() *bool {
	v := false
	return &v
}

// CompletePatch builds the patch that marks an event as no longer
// partial.
func CompletePatch(eventID string) *Patch {
	return &Patch{
		EventID: eventID,
		Op:      PatchComplete,
		Data:    PatchData{IsStreaming: streamingFalse()},
	}
}

// AppendPatch builds the patch that grows an event's text content.
func AppendPatch(eventID, delta string, seq int64) *Patch {
	return &Patch{
		EventID: eventID,
		Op:      PatchAppend,
		Data:    PatchData{Delta: delta, Seq: seq},
	}
}
