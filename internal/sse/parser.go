// Package sse normalizes raw server-sent events from the agent
// transport into canonical chat events. The parser is stateful: it
// buffers in-flight streaming messages so the first chunk of a message
// becomes a full event and every later chunk becomes an append patch
// against that event's id.
package sse

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/orchestra-ai/orchestra/internal/events"
)

var (
	ErrInvalidInput      = errors.New("event payload is not an object")
	ErrMissingType       = errors.New("event has no type")
	ErrMissingMessageID  = errors.New("event has no messageId")
	ErrMissingToolCallID = errors.New("tool_call event has no tool call id")
	ErrMissingResult     = errors.New("tool_result event has no result")
	ErrUnknownEventType  = errors.New("unknown event type")
)

// PartialMessage tracks a streamed message that has not completed yet.
// Entries survive completion until explicitly cleared so callers can
// inspect finished streams.
type PartialMessage struct {
	ID          string
	SessionID   string
	Content     string
	CreatedAt   time.Time
	IsStreaming bool
}

// Parser converts one raw transport event per call into either a full
// canonical event or a patch. Not safe for concurrent use: events are
// expected to arrive serialized by the transport, so the buffer is not
// locked. Callers on multiple goroutines must add their own
// synchronization.
type Parser struct {
	partials map[string]*PartialMessage
	tap      chan<- events.Output
}

// NewParser returns a parser with an empty partial-message buffer.
// Separate parser instances never share state.
func NewParser() *Parser {
	return &Parser{partials: make(map[string]*PartialMessage)}
}

// NewParserWithTap returns a parser that reports every successfully
// parsed output to tap. The send is non-blocking: if the channel is
// full the output is dropped, never stalling Parse.
func NewParserWithTap(tap chan<- events.Output) *Parser {
	p := NewParser()
	p.tap = tap
	return p
}

// Parse converts one raw event object into a canonical event (first
// sighting) or a patch (streaming growth, completion). It returns a
// taxonomy error for malformed input and never partially mutates the
// buffer on failure: callers should skip the bad event and keep the
// stream alive.
func (p *Parser) Parse(data any) (events.Output, error) {
	obj, ok := data.(map[string]any)
	if !ok || obj == nil {
		return nil, ErrInvalidInput
	}

	if isEnvelope(obj) {
		return p.Parse(normalizeEnvelope(obj))
	}

	typ := asString(obj["type"])
	if typ == "" {
		return nil, ErrMissingType
	}

	var out events.Output
	var err error
	switch typ {
	case "chunk", "token":
		// token is a legacy alias for chunk with identical fields.
		out, err = p.parseChunk(obj)
	case "tool_call":
		out, err = p.parseToolCall(obj)
	case "tool_result":
		out, err = p.parseToolResult(obj)
	case "done":
		out, err = p.parseDone(obj)
	case "error":
		out, err = p.parseError(obj)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	if err != nil {
		return nil, err
	}

	p.report(out)
	return out, nil
}

// CanParse reports whether Parse would accept the object, judged by
// its type discriminator alone (after envelope unwrapping). It never
// mutates parser state, so callers can pre-filter a stream before
// committing to stateful Parse calls.
func CanParse(data any) bool {
	obj, ok := data.(map[string]any)
	if !ok || obj == nil {
		return false
	}
	if isEnvelope(obj) {
		obj = normalizeEnvelope(obj)
	}
	switch asString(obj["type"]) {
	case "chunk", "token", "tool_call", "tool_result", "done", "error":
		return true
	}
	return false
}

func (p *Parser) parseChunk(obj map[string]any) (events.Output, error) {
	messageID := asString(obj["messageId"])
	if messageID == "" {
		return nil, fmt.Errorf("chunk: %w", ErrMissingMessageID)
	}
	delta, _ := obj["delta"].(string)
	seq := asInt64(obj["seq"])

	if pm, ok := p.partials[messageID]; ok {
		pm.Content += delta
		pm.IsStreaming = true
		return events.AppendPatch(messageID, delta, seq), nil
	}

	sessionID := asString(obj["sessionId"])
	if sessionID == "" {
		sessionID = "unknown"
	}
	now := time.Now().UTC()
	p.partials[messageID] = &PartialMessage{
		ID:          messageID,
		SessionID:   sessionID,
		Content:     delta,
		CreatedAt:   now,
		IsStreaming: true,
	}
	return &events.Event{
		ID:        messageID,
		SessionID: sessionID,
		CreatedAt: now,
		Role:      events.RoleAssistant,
		Kind:      events.KindMessage,
		Source:    events.SourceStream,
		Partial:   true,
		Content:   []events.Part{events.TextPart(delta)},
	}, nil
}

func (p *Parser) parseToolCall(obj map[string]any) (events.Output, error) {
	tc, _ := obj["toolCall"].(map[string]any)
	if tc == nil {
		tc, _ = obj["tool_call"].(map[string]any)
	}
	if tc == nil {
		return nil, ErrMissingToolCallID
	}
	id := asString(tc["id"])
	if id == "" {
		return nil, ErrMissingToolCallID
	}

	args, ok := tc["input"].(map[string]any)
	if !ok {
		args, ok = tc["arguments"].(map[string]any)
	}
	if !ok || args == nil {
		args = map[string]any{}
	}

	return &events.Event{
		ID:        eventID(obj),
		SessionID: asString(obj["sessionId"]),
		CreatedAt: eventTime(obj),
		Role:      events.RoleAssistant,
		Kind:      events.KindToolCall,
		Source:    events.SourceStream,
		Partial:   false,
		ToolUseID: id,
		ToolName:  asString(tc["name"]),
		Args:      args,
	}, nil
}

func (p *Parser) parseToolResult(obj map[string]any) (events.Output, error) {
	result, ok := obj["result"]
	if !ok {
		return nil, ErrMissingResult
	}

	toolUseID := asString(obj["toolCallId"])
	if toolUseID == "" {
		if rm, ok := result.(map[string]any); ok {
			toolUseID = asString(rm["tool_use_id"])
		}
	}
	if toolUseID == "" {
		// Nothing to correlate against. Tolerated, but the result will
		// never attach to its call.
		toolUseID = NewID()
		slog.Warn("tool_result without resolvable tool use id", "generated_id", toolUseID)
	}

	return &events.Event{
		ID:        eventID(obj),
		SessionID: asString(obj["sessionId"]),
		CreatedAt: time.Now().UTC(),
		Role:      events.RoleAssistant,
		Kind:      events.KindToolResult,
		Source:    events.SourceStream,
		Partial:   false,
		ToolUseID: toolUseID,
		Result:    result,
	}, nil
}

func (p *Parser) parseDone(obj map[string]any) (events.Output, error) {
	messageID := asString(obj["messageId"])
	if messageID == "" {
		return nil, fmt.Errorf("done: %w", ErrMissingMessageID)
	}
	// A done with no buffered chunks is tolerated: the completion patch
	// still goes out so the consumer can settle its copy.
	if pm, ok := p.partials[messageID]; ok {
		pm.IsStreaming = false
	}
	return events.CompletePatch(messageID), nil
}

func (p *Parser) parseError(obj map[string]any) (events.Output, error) {
	message := "Unknown error"
	switch v := obj["error"].(type) {
	case map[string]any:
		if m := asString(v["message"]); m != "" {
			message = m
		}
	case string:
		if v != "" {
			message = v
		}
	}

	part := events.TextPart("Error: " + message)
	part.IsError = true
	return &events.Event{
		ID:        eventID(obj),
		SessionID: asString(obj["sessionId"]),
		CreatedAt: time.Now().UTC(),
		Role:      events.RoleSystem,
		Kind:      events.KindMessage,
		Source:    events.SourceStream,
		Partial:   false,
		Content:   []events.Part{part},
	}, nil
}

// GetPartialMessages returns a snapshot of the buffer. Mutating the
// returned map does not affect parser state.
func (p *Parser) GetPartialMessages() map[string]PartialMessage {
	out := make(map[string]PartialMessage, len(p.partials))
	for id, pm := range p.partials {
		out[id] = *pm
	}
	return out
}

// ClearCompleted drops every buffered message that finished streaming.
func (p *Parser) ClearCompleted() {
	for id, pm := range p.partials {
		if !pm.IsStreaming {
			delete(p.partials, id)
		}
	}
}

// ClearAll empties the buffer unconditionally.
func (p *Parser) ClearAll() {
	p.partials = make(map[string]*PartialMessage)
}

func (p *Parser) report(out events.Output) {
	if p.tap == nil {
		return
	}
	select {
	case p.tap <- out:
	default:
	}
}

// isEnvelope reports whether obj is the nested agent_event wrapper
// shape rather than a flat legacy event.
func isEnvelope(obj map[string]any) bool {
	if asString(obj["type"]) != "agent_event" {
		return false
	}
	payload, _ := obj["payload"].(map[string]any)
	return payload != nil && asString(payload["event_type"]) != ""
}

// normalizeEnvelope flattens the agent_event wrapper into the legacy
// flat shape so both inputs share one dispatch path. Fields of
// payload.data are merged last and win on conflict.
func normalizeEnvelope(obj map[string]any) map[string]any {
	payload, _ := obj["payload"].(map[string]any)
	out := make(map[string]any, len(payload)+4)

	out["type"] = payload["event_type"]
	for src, dst := range map[string]string{
		"session_id": "sessionId",
		"message_id": "messageId",
		"event_id":   "eventId",
		"timestamp":  "timestamp",
	} {
		if v, ok := payload[src]; ok {
			out[dst] = v
		}
	}
	if data, ok := payload["data"].(map[string]any); ok {
		for k, v := range data {
			out[k] = v
		}
	}
	return out
}

// NewID generates a fresh ULID for events that arrive without one.
func NewID() string {
	return ulid.Make().String()
}

func eventID(obj map[string]any) string {
	if id := asString(obj["eventId"]); id != "" {
		return id
	}
	return NewID()
}

// eventTime converts a numeric epoch-seconds timestamp when the raw
// event carries one, falling back to the current time.
func eventTime(obj map[string]any) time.Time {
	if ts, ok := obj["timestamp"].(float64); ok {
		return time.Unix(int64(ts), 0).UTC()
	}
	return time.Now().UTC()
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}
