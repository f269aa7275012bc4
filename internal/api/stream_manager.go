package api

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/orchestra-ai/orchestra/internal/db"
	"github.com/orchestra-ai/orchestra/internal/events"
	"github.com/orchestra-ai/orchestra/internal/rowmap"
	"github.com/orchestra-ai/orchestra/internal/sse"
)

var ErrStreamSessionNotFound = errors.New("stream session not found")

const streamSubBufferSize = 256

// streamSessionState holds everything live for one session: the
// stateful parser, the materialized ordered event list the way a
// consumer reducer would hold it, and the attached subscribers.
type streamSessionState struct {
	id string

	mu      sync.Mutex
	parser  *sse.Parser
	events  []events.Event
	index   map[string]int // event id → position in events
	subs    map[uint64]chan events.Output
	nextSub uint64
}

// StreamManager routes raw transport events through a per-session
// parser, applies the resulting events and patches to an in-memory
// timeline, persists durable content, and fans every output out to
// attached subscribers.
type StreamManager struct {
	db *db.DB

	mu       sync.RWMutex
	sessions map[string]*streamSessionState
}

func NewStreamManager(database *db.DB) *StreamManager {
	return &StreamManager{
		db:       database,
		sessions: make(map[string]*streamSessionState),
	}
}

// RemoveSession drops a session's live state. Persisted rows survive.
func (m *StreamManager) RemoveSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Attach returns a snapshot of the session timeline plus a channel of
// subsequent outputs. The returned cancel must be called to release
// the subscription.
func (m *StreamManager) Attach(sessionID string) ([]events.Event, <-chan events.Output, func(), error) {
	state, err := m.ensureSession(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}

	state.mu.Lock()
	snapshot := make([]events.Event, len(state.events))
	copy(snapshot, state.events)

	subID := state.nextSub
	state.nextSub++
	ch := make(chan events.Output, streamSubBufferSize)
	state.subs[subID] = ch
	state.mu.Unlock()

	cancel := func() {
		state.mu.Lock()
		if existing, ok := state.subs[subID]; ok {
			close(existing)
			delete(state.subs, subID)
		}
		state.mu.Unlock()
	}

	return snapshot, ch, cancel, nil
}

// Ingest parses one raw transport event for the session and applies
// the result. Parse failures are returned to the caller so it can
// skip the malformed event; the session state is untouched in that
// case and the stream stays usable.
func (m *StreamManager) Ingest(sessionID string, raw any) (events.Output, error) {
	state, err := m.ensureSession(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	out, err := state.parser.Parse(raw)
	if err != nil {
		state.mu.Unlock()
		return nil, err
	}

	switch v := out.(type) {
	case *events.Event:
		state.events = append(state.events, *v)
		state.index[v.ID] = len(state.events) - 1
	case *events.Patch:
		state.applyPatch(v)
	}
	subs := state.subscribers()
	state.mu.Unlock()

	m.persist(state, out)

	for _, ch := range subs {
		select {
		case ch <- out:
		default:
		}
	}
	return out, nil
}

// SendUserMessage records a user-authored message as a persisted row
// and fans the resulting canonical event out to subscribers.
func (m *StreamManager) SendUserMessage(sessionID, content string) (*events.Event, error) {
	state, err := m.ensureSession(sessionID)
	if err != nil {
		return nil, err
	}

	row, err := m.db.CreateMessage(db.CreateMessageInput{
		SessionID: sessionID,
		Role:      string(events.RoleUser),
		Content:   []rowmap.Part{{Type: "text", Text: content}},
	})
	if err != nil {
		return nil, err
	}

	mapped := rowmap.Map(row.Row())
	ev := mapped[0]

	state.mu.Lock()
	state.events = append(state.events, ev)
	state.index[ev.ID] = len(state.events) - 1
	subs := state.subscribers()
	state.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- &ev:
		default:
		}
	}
	return &ev, nil
}

// applyPatch mutates the in-memory copy of an event by id. A patch for
// an id that was never materialized is a no-op; the subscribers still
// receive it and apply it (or drop it) on their side.
func (state *streamSessionState) applyPatch(p *events.Patch) {
	idx, ok := state.index[p.EventID]
	if !ok || idx < 0 || idx >= len(state.events) {
		return
	}
	ev := &state.events[idx]

	switch p.Op {
	case events.PatchAppend:
		if len(ev.Content) == 0 {
			ev.Content = []events.Part{events.TextPart("")}
		}
		ev.Content[len(ev.Content)-1].Text += p.Data.Delta
	case events.PatchComplete:
		ev.Partial = false
	}
}

// subscribers snapshots the subscriber channels. Caller must hold
// state.mu.
func (state *streamSessionState) subscribers() []chan events.Output {
	subs := make([]chan events.Output, 0, len(state.subs))
	for _, ch := range state.subs {
		subs = append(subs, ch)
	}
	return subs
}

// persist writes durable content behind an output. Streamed messages
// are persisted once, when their completion patch arrives; tool calls,
// tool results, and non-partial messages are persisted immediately.
// Persistence failures are logged and do not fail ingestion.
func (m *StreamManager) persist(state *streamSessionState, out events.Output) {
	switch v := out.(type) {
	case *events.Event:
		if v.Partial {
			return
		}
		m.persistEvent(state.id, *v)

	case *events.Patch:
		if v.Op != events.PatchComplete {
			return
		}
		state.mu.Lock()
		idx, ok := state.index[v.EventID]
		var ev events.Event
		if ok && idx >= 0 && idx < len(state.events) {
			ev = state.events[idx]
		}
		state.mu.Unlock()
		if !ok {
			return
		}
		m.persistEvent(state.id, ev)
	}
}

func (m *StreamManager) persistEvent(sessionID string, ev events.Event) {
	input := db.CreateMessageInput{
		ID:        ev.ID,
		SessionID: sessionID,
		Role:      string(ev.Role),
		CreatedAt: ev.CreatedAt,
	}

	switch ev.Kind {
	case events.KindMessage:
		parts := make([]rowmap.Part, 0, len(ev.Content))
		for _, p := range ev.Content {
			parts = append(parts, rowmap.Part{Type: "text", Text: p.Text})
		}
		input.Content = parts

	case events.KindToolCall:
		input.Content = []rowmap.Part{{
			Type:      "tool_use",
			ToolUseID: ev.ToolUseID,
			ToolName:  ev.ToolName,
			ToolInput: ev.Args,
		}}

	case events.KindToolResult:
		input.Content = []rowmap.Part{{
			Type:               "tool_output",
			ToolUseIDForOutput: ev.ToolUseID,
			Output:             ev.Result,
		}}
		input.RespondingToToolUseID = &ev.ToolUseID
	}

	if _, err := m.db.CreateMessage(input); err != nil {
		slog.Warn("failed to persist event", "session_id", sessionID, "event_id", ev.ID, "error", err)
	}
}

// PartialMessages exposes the parser buffer for a session, for
// debugging endpoints and tests.
func (m *StreamManager) PartialMessages(sessionID string) (map[string]sse.PartialMessage, error) {
	state, err := m.ensureSession(sessionID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.parser.GetPartialMessages(), nil
}

func (m *StreamManager) ensureSession(sessionID string) (*streamSessionState, error) {
	m.mu.RLock()
	if state, ok := m.sessions[sessionID]; ok {
		m.mu.RUnlock()
		return state, nil
	}
	m.mu.RUnlock()

	if _, err := m.db.GetSession(sessionID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrStreamSessionNotFound
		}
		return nil, err
	}

	state := &streamSessionState{
		id:     sessionID,
		parser: sse.NewParser(),
		index:  make(map[string]int),
		subs:   make(map[uint64]chan events.Output),
	}

	// Rebuild the timeline from persisted rows so attaches after a
	// restart see full history.
	rows, err := m.db.ListRowsBySession(sessionID)
	if err != nil {
		return nil, err
	}
	state.events = rowmap.MapBatch(rows)
	for i, ev := range state.events {
		state.index[ev.ID] = i
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[sessionID] = state
	m.mu.Unlock()
	return state, nil
}
