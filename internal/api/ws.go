package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orchestra-ai/orchestra/internal/events"
)

type eventsWSConn struct {
	conn      *websocket.Conn
	cancel    func()
	mu        sync.Mutex
	closed    bool
	sessionID string
	server    *Server
}

type wsClientMessage struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

const (
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 90 * time.Second
)

func (s *Server) wsUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			return origin == "" || isAllowedOrigin(origin)
		},
	}
}

// handleEventsWS attaches a client to a session's canonical event
// stream: snapshot first, then live events and patches. The client may
// send user messages and raw transport events back over the socket.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	token := streamAuthToken(r)
	if token == "" || !s.auth.ValidateToken(token) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session parameter required", http.StatusBadRequest)
		return
	}

	upgrader := s.wsUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("events websocket upgrade error", "error", err)
		return
	}

	snapshot, stream, cancel, err := s.streams.Attach(sessionID)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrStreamSessionNotFound) {
			code = 4000
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "session unavailable"))
		_ = conn.Close()
		return
	}

	ws := &eventsWSConn{
		conn:      conn,
		cancel:    cancel,
		sessionID: sessionID,
		server:    s,
	}

	go ws.writeSnapshotAndStream(snapshot, stream)
	go ws.keepAlive()
	ws.readLoop()
}

func (ws *eventsWSConn) writeSnapshotAndStream(snapshot []events.Event, stream <-chan events.Output) {
	defer ws.close()

	if err := ws.writeJSON(map[string]any{
		"type":   "snapshot",
		"events": snapshot,
	}); err != nil {
		return
	}

	for out := range stream {
		frame := map[string]any{"type": "event"}
		switch v := out.(type) {
		case *events.Event:
			frame["event"] = v
		case *events.Patch:
			frame["type"] = "patch"
			frame["patch"] = v
		}
		if err := ws.writeJSON(frame); err != nil {
			return
		}
	}
}

func (ws *eventsWSConn) readLoop() {
	defer ws.close()
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, payload, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("events websocket read error", "error", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var in wsClientMessage
		if err := json.Unmarshal(payload, &in); err != nil {
			continue
		}

		switch in.Type {
		case "user_message":
			if strings.TrimSpace(in.Content) == "" {
				continue
			}
			if _, err := ws.server.streams.SendUserMessage(ws.sessionID, in.Content); err != nil {
				_ = ws.writeJSON(map[string]any{
					"type":  "error",
					"error": err.Error(),
				})
			}
		case "ingest":
			var raw any
			if err := json.Unmarshal(in.Event, &raw); err != nil {
				continue
			}
			if _, err := ws.server.streams.Ingest(ws.sessionID, raw); err != nil {
				// One malformed event never tears down the socket.
				_ = ws.writeJSON(map[string]any{
					"type":  "error",
					"error": err.Error(),
				})
			}
		}
	}
}

func (ws *eventsWSConn) keepAlive() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer ws.close()

	for range ticker.C {
		if err := ws.writePing(); err != nil {
			return
		}
	}
}

func (ws *eventsWSConn) writePing() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return websocket.ErrCloseSent
	}
	_ = ws.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.conn.WriteMessage(websocket.PingMessage, nil)
}

func (ws *eventsWSConn) writeJSON(payload any) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return websocket.ErrCloseSent
	}
	_ = ws.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.conn.WriteJSON(payload)
}

func (ws *eventsWSConn) close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	cancel := ws.cancel
	conn := ws.conn
	ws.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = conn.Close()
}
