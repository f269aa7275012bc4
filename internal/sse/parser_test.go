package sse

import (
	"errors"
	"testing"
	"time"

	"github.com/orchestra-ai/orchestra/internal/events"
)

func chunkEvent(messageID, delta string) map[string]any {
	return map[string]any{
		"type":      "chunk",
		"sessionId": "s1",
		"messageId": messageID,
		"delta":     delta,
	}
}

func parseEvent(t *testing.T, p *Parser, raw map[string]any) *events.Event {
	t.Helper()
	out, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ev, ok := out.(*events.Event)
	if !ok {
		t.Fatalf("expected full event, got %T", out)
	}
	return ev
}

func parsePatch(t *testing.T, p *Parser, raw map[string]any) *events.Patch {
	t.Helper()
	out, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	patch, ok := out.(*events.Patch)
	if !ok {
		t.Fatalf("expected patch, got %T", out)
	}
	return patch
}

func TestParserStreamingAccumulation(t *testing.T) {
	p := NewParser()

	ev := parseEvent(t, p, chunkEvent("m1", "Hello"))
	if ev.ID != "m1" {
		t.Fatalf("expected event id m1, got %q", ev.ID)
	}
	if !ev.Partial {
		t.Fatalf("first chunk should be partial")
	}
	if ev.Kind != events.KindMessage || ev.Role != events.RoleAssistant {
		t.Fatalf("unexpected kind/role: %v/%v", ev.Kind, ev.Role)
	}
	if len(ev.Content) != 1 || ev.Content[0].Text != "Hello" {
		t.Fatalf("unexpected content: %+v", ev.Content)
	}

	patch := parsePatch(t, p, chunkEvent("m1", " world"))
	if patch.EventID != "m1" {
		t.Fatalf("expected patch for m1, got %q", patch.EventID)
	}
	if patch.Op != events.PatchAppend {
		t.Fatalf("expected append patch, got %q", patch.Op)
	}
	if patch.Data.Delta != " world" {
		t.Fatalf("patch must carry only the delta, got %q", patch.Data.Delta)
	}

	partials := p.GetPartialMessages()
	if pm := partials["m1"]; pm.Content != "Hello world" {
		t.Fatalf("expected buffered content %q, got %q", "Hello world", pm.Content)
	}
}

func TestParserTokenIsChunkAlias(t *testing.T) {
	p := NewParser()

	ev := parseEvent(t, p, map[string]any{
		"type":      "token",
		"sessionId": "s1",
		"messageId": "m1",
		"delta":     "hi",
	})
	if ev.Content[0].Text != "hi" || !ev.Partial {
		t.Fatalf("token event not handled as chunk: %+v", ev)
	}

	patch := parsePatch(t, p, chunkEvent("m1", "!"))
	if patch.Data.Delta != "!" {
		t.Fatalf("token and chunk must share one buffer, got %+v", patch)
	}
}

func TestParserRejectsNonObject(t *testing.T) {
	p := NewParser()
	for _, input := range []any{nil, "chunk", 42, []any{"x"}} {
		if _, err := p.Parse(input); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("input %v: expected ErrInvalidInput, got %v", input, err)
		}
	}
}

func TestParserMissingType(t *testing.T) {
	p := NewParser()
	if _, err := p.Parse(map[string]any{"messageId": "m1"}); !errors.Is(err, ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestParserUnknownType(t *testing.T) {
	p := NewParser()
	raw := map[string]any{"type": "bogus", "sessionId": "s"}

	_, err := p.Parse(raw)
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	if CanParse(raw) {
		t.Fatalf("CanParse must reject unknown types")
	}
}

func TestParserChunkWithoutMessageID(t *testing.T) {
	p := NewParser()

	_, err := p.Parse(map[string]any{"type": "chunk", "delta": "hi"})
	if !errors.Is(err, ErrMissingMessageID) {
		t.Fatalf("expected ErrMissingMessageID, got %v", err)
	}
	if len(p.GetPartialMessages()) != 0 {
		t.Fatalf("rejected chunk must not touch the buffer")
	}
}

func TestParserToolCorrelationRoundTrip(t *testing.T) {
	p := NewParser()

	call := parseEvent(t, p, map[string]any{
		"type":      "tool_call",
		"sessionId": "s1",
		"toolCall": map[string]any{
			"id":    "tool_1",
			"name":  "read_file",
			"input": map[string]any{"path": "main.go"},
		},
	})
	if call.Kind != events.KindToolCall {
		t.Fatalf("expected tool_call event, got %q", call.Kind)
	}
	if call.Partial {
		t.Fatalf("tool_call events are never partial")
	}
	if call.ToolName != "read_file" {
		t.Fatalf("unexpected tool name %q", call.ToolName)
	}
	if call.Args["path"] != "main.go" {
		t.Fatalf("unexpected args: %+v", call.Args)
	}

	result := parseEvent(t, p, map[string]any{
		"type":       "tool_result",
		"sessionId":  "s1",
		"toolCallId": "tool_1",
		"result":     map[string]any{"ok": true},
	})
	if result.Kind != events.KindToolResult {
		t.Fatalf("expected tool_result event, got %q", result.Kind)
	}
	if call.ToolUseID != "tool_1" || result.ToolUseID != "tool_1" {
		t.Fatalf("tool use ids must correlate: %q vs %q", call.ToolUseID, result.ToolUseID)
	}
}

func TestParserToolCallSnakeCaseAndArgumentsFallback(t *testing.T) {
	p := NewParser()

	ev := parseEvent(t, p, map[string]any{
		"type": "tool_call",
		"tool_call": map[string]any{
			"id":        "tool_2",
			"name":      "bash",
			"arguments": map[string]any{"command": "ls"},
		},
	})
	if ev.ToolUseID != "tool_2" || ev.Args["command"] != "ls" {
		t.Fatalf("snake_case/arguments fallback failed: %+v", ev)
	}
}

func TestParserToolCallDefaultsArgsToEmpty(t *testing.T) {
	p := NewParser()

	ev := parseEvent(t, p, map[string]any{
		"type":     "tool_call",
		"toolCall": map[string]any{"id": "tool_3", "name": "noop"},
	})
	if ev.Args == nil || len(ev.Args) != 0 {
		t.Fatalf("expected empty args object, got %+v", ev.Args)
	}
}

func TestParserToolCallMissingID(t *testing.T) {
	p := NewParser()

	for _, raw := range []map[string]any{
		{"type": "tool_call"},
		{"type": "tool_call", "toolCall": map[string]any{"name": "bash"}},
	} {
		if _, err := p.Parse(raw); !errors.Is(err, ErrMissingToolCallID) {
			t.Fatalf("expected ErrMissingToolCallID, got %v", err)
		}
	}
}

func TestParserToolCallEpochTimestamp(t *testing.T) {
	p := NewParser()

	ev := parseEvent(t, p, map[string]any{
		"type":      "tool_call",
		"timestamp": float64(1700000000),
		"toolCall":  map[string]any{"id": "tool_4", "name": "bash"},
	})
	if !ev.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Fatalf("expected epoch-converted timestamp, got %v", ev.CreatedAt)
	}
}

func TestParserToolResultMissingResult(t *testing.T) {
	p := NewParser()
	if _, err := p.Parse(map[string]any{"type": "tool_result", "toolCallId": "t"}); !errors.Is(err, ErrMissingResult) {
		t.Fatalf("expected ErrMissingResult, got %v", err)
	}
}

func TestParserToolResultIDFromResultPayload(t *testing.T) {
	p := NewParser()

	ev := parseEvent(t, p, map[string]any{
		"type":   "tool_result",
		"result": map[string]any{"tool_use_id": "tool_5", "output": "done"},
	})
	if ev.ToolUseID != "tool_5" {
		t.Fatalf("expected tool use id from result payload, got %q", ev.ToolUseID)
	}
}

func TestParserToolResultGeneratesOrphanID(t *testing.T) {
	p := NewParser()

	ev := parseEvent(t, p, map[string]any{
		"type":   "tool_result",
		"result": "plain output",
	})
	if ev.ToolUseID == "" {
		t.Fatalf("orphan tool_result must still carry a generated id")
	}
	if ev.Result != "plain output" {
		t.Fatalf("unexpected result payload: %v", ev.Result)
	}
}

func TestParserDoneWithoutChunks(t *testing.T) {
	p := NewParser()

	patch := parsePatch(t, p, map[string]any{"type": "done", "messageId": "never_seen"})
	if patch.EventID != "never_seen" || patch.Op != events.PatchComplete {
		t.Fatalf("unexpected completion patch: %+v", patch)
	}
	if patch.Data.IsStreaming == nil || *patch.Data.IsStreaming {
		t.Fatalf("completion patch must carry isStreaming=false")
	}
}

func TestParserDoneRequiresMessageID(t *testing.T) {
	p := NewParser()
	if _, err := p.Parse(map[string]any{"type": "done"}); !errors.Is(err, ErrMissingMessageID) {
		t.Fatalf("expected ErrMissingMessageID, got %v", err)
	}
}

func TestParserDoneMarksBufferAndClearCompleted(t *testing.T) {
	p := NewParser()

	parseEvent(t, p, chunkEvent("m1", "Hello"))
	parseEvent(t, p, chunkEvent("m2", "Other"))
	parsePatch(t, p, map[string]any{"type": "done", "messageId": "m1"})

	partials := p.GetPartialMessages()
	if partials["m1"].IsStreaming {
		t.Fatalf("done must mark the buffered message complete")
	}
	if !partials["m2"].IsStreaming {
		t.Fatalf("unrelated buffered messages must stay streaming")
	}

	// Completed entries stay around until explicitly cleared.
	if len(partials) != 2 {
		t.Fatalf("expected 2 buffered messages, got %d", len(partials))
	}

	p.ClearCompleted()
	partials = p.GetPartialMessages()
	if _, ok := partials["m1"]; ok {
		t.Fatalf("ClearCompleted must drop finished messages")
	}
	if _, ok := partials["m2"]; !ok {
		t.Fatalf("ClearCompleted must keep streaming messages")
	}

	p.ClearAll()
	if len(p.GetPartialMessages()) != 0 {
		t.Fatalf("ClearAll must empty the buffer")
	}
}

func TestParserErrorEvent(t *testing.T) {
	p := NewParser()

	cases := []struct {
		raw  map[string]any
		want string
	}{
		{map[string]any{"type": "error", "error": map[string]any{"message": "boom"}}, "Error: boom"},
		{map[string]any{"type": "error", "error": "redis down"}, "Error: redis down"},
		{map[string]any{"type": "error"}, "Error: Unknown error"},
	}
	for _, tc := range cases {
		ev := parseEvent(t, p, tc.raw)
		if ev.Role != events.RoleSystem || ev.Kind != events.KindMessage {
			t.Fatalf("error events must be system messages: %+v", ev)
		}
		if len(ev.Content) != 1 || ev.Content[0].Text != tc.want {
			t.Fatalf("expected %q, got %+v", tc.want, ev.Content)
		}
		if !ev.Content[0].IsError {
			t.Fatalf("error content part must be flagged")
		}
	}
}

func TestParserEnvelopeNormalizationEquivalence(t *testing.T) {
	flat := NewParser()
	wrapped := NewParser()

	fromFlat := parseEvent(t, flat, map[string]any{
		"type": "chunk", "sessionId": "s1", "messageId": "m1", "delta": "hi",
	})
	fromEnvelope := parseEvent(t, wrapped, map[string]any{
		"type": "agent_event",
		"payload": map[string]any{
			"event_type": "chunk",
			"session_id": "s1",
			"message_id": "m1",
			"data":       map[string]any{"delta": "hi"},
		},
	})

	if fromFlat.ID != fromEnvelope.ID {
		t.Fatalf("ids differ: %q vs %q", fromFlat.ID, fromEnvelope.ID)
	}
	if fromFlat.SessionID != fromEnvelope.SessionID {
		t.Fatalf("session ids differ: %q vs %q", fromFlat.SessionID, fromEnvelope.SessionID)
	}
	if fromFlat.Content[0].Text != fromEnvelope.Content[0].Text {
		t.Fatalf("content differs: %q vs %q", fromFlat.Content[0].Text, fromEnvelope.Content[0].Text)
	}
	if fromFlat.Partial != fromEnvelope.Partial || fromFlat.Kind != fromEnvelope.Kind {
		t.Fatalf("shape differs between flat and envelope input")
	}
}

func TestCanParseEnvelope(t *testing.T) {
	raw := map[string]any{
		"type": "agent_event",
		"payload": map[string]any{
			"event_type": "done",
			"message_id": "m1",
		},
	}
	if !CanParse(raw) {
		t.Fatalf("CanParse must unwrap envelopes")
	}

	raw["payload"].(map[string]any)["event_type"] = "mystery"
	if CanParse(raw) {
		t.Fatalf("CanParse must reject unknown envelope event types")
	}
}

func TestParserBufferIsolation(t *testing.T) {
	a := NewParser()
	b := NewParser()

	outA := parseEvent(t, a, chunkEvent("m1", "from a"))
	outB := parseEvent(t, b, chunkEvent("m1", "from b"))

	// Both are first sightings in their own parser: full events, not
	// patches against each other's buffers.
	if outA.Content[0].Text != "from a" || outB.Content[0].Text != "from b" {
		t.Fatalf("parsers leaked buffered state between instances")
	}
}

func TestParserSnapshotDoesNotAliasBuffer(t *testing.T) {
	p := NewParser()
	parseEvent(t, p, chunkEvent("m1", "Hello"))

	snapshot := p.GetPartialMessages()
	snap := snapshot["m1"]
	snap.Content = "mutated"
	snapshot["m1"] = snap
	delete(snapshot, "m1")

	if pm := p.GetPartialMessages()["m1"]; pm.Content != "Hello" {
		t.Fatalf("snapshot mutation reached parser state: %q", pm.Content)
	}
}

func TestParserTapIsNonBlocking(t *testing.T) {
	tap := make(chan events.Output, 1)
	p := NewParserWithTap(tap)

	parseEvent(t, p, chunkEvent("m1", "a"))
	// Tap is full now; a second parse must not block.
	done := make(chan error, 1)
	go func() {
		_, err := p.Parse(chunkEvent("m1", "b"))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("parse blocked on a full tap channel")
	}

	out := <-tap
	if ev, ok := out.(*events.Event); !ok || ev.ID != "m1" {
		t.Fatalf("tap received unexpected output: %+v", out)
	}
}

func TestParserRejectedEventNotReportedToTap(t *testing.T) {
	tap := make(chan events.Output, 4)
	p := NewParserWithTap(tap)

	_, _ = p.Parse(map[string]any{"type": "bogus"})
	if len(tap) != 0 {
		t.Fatalf("failed parses must not reach the tap")
	}
}
