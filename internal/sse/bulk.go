package sse

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/orchestra-ai/orchestra/internal/events"
)

// ParseRaw converts a raw multi-event payload into the canonical
// events it contains. Three input shapes are accepted: a JSON array of
// event objects, a single JSON object, or SSE wire text (blocks of
// "data: {...}" lines). Malformed entries are skipped with a warning,
// never fatal to the batch.
//
// Patches produced along the way are dropped: there is no running
// consumer to apply them to, so this entry point is for offline and
// debug tooling only.
func ParseRaw(raw string) []events.Event {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var objs []any
	switch {
	case strings.HasPrefix(trimmed, "["):
		var arr []any
		if err := json.Unmarshal([]byte(trimmed), &arr); err != nil {
			slog.Warn("skipping malformed event array", "error", err)
			return nil
		}
		objs = arr
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			slog.Warn("skipping malformed event object", "error", err)
			return nil
		}
		objs = []any{obj}
	default:
		objs = parseWireFrames(trimmed)
	}

	// One throwaway parser for the whole batch keeps chunk runs inside
	// the payload collapsing into single events the same way the live
	// path does.
	p := NewParser()
	out := make([]events.Event, 0, len(objs))
	for _, o := range objs {
		res, err := p.Parse(o)
		if err != nil {
			slog.Warn("skipping unparseable event", "error", err)
			continue
		}
		if ev, ok := res.(*events.Event); ok {
			out = append(out, *ev)
		}
	}
	return out
}

// parseWireFrames extracts the JSON payloads of "data:" lines from SSE
// wire text. Lines that are not valid JSON are skipped with a warning.
func parseWireFrames(raw string) []any {
	var objs []any
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			slog.Warn("skipping malformed SSE data line", "error", err)
			continue
		}
		objs = append(objs, obj)
	}
	return objs
}
