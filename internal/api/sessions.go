package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/orchestra-ai/orchestra/internal/db"
	"github.com/orchestra-ai/orchestra/internal/events"
	"github.com/orchestra-ai/orchestra/internal/rowmap"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Title    string `json:"title"`
		Provider string `json:"provider"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.db.CreateSession(db.CreateSessionInput{
		Title:    strings.TrimSpace(input.Title),
		Provider: strings.TrimSpace(input.Provider),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.db.GetSession(urlParam(r, "id"))
	if err != nil {
		writeDBError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var input db.UpdateSessionInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.db.UpdateSession(urlParam(r, "id"), input)
	if err != nil {
		writeDBError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := s.db.DeleteSession(id); err != nil {
		writeDBError(w, err, "session")
		return
	}
	s.streams.RemoveSession(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleSessionHistory returns the session's persisted rows mapped to
// canonical events, sorted by creation time.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if _, err := s.db.GetSession(id); err != nil {
		writeDBError(w, err, "session")
		return
	}

	rows, err := s.db.ListRowsBySession(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": rowmap.MapBatch(rows),
	})
}

// ingestResponse reports what an ingest call produced. Skipped counts
// malformed events that were dropped per the one-bad-event-must-not-
// kill-the-stream policy.
type ingestResponse struct {
	Applied []events.Output `json:"applied"`
	Skipped int             `json:"skipped"`
}

// handleIngestEvents accepts one raw transport event or a batch and
// runs them through the session's parser. Malformed events in a batch
// are skipped and counted; a malformed single event is a 400.
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	var raw any
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	batch, isBatch := raw.([]any)
	if !isBatch {
		batch = []any{raw}
	}

	resp := ingestResponse{Applied: make([]events.Output, 0, len(batch))}
	for _, item := range batch {
		out, err := s.streams.Ingest(id, item)
		if err != nil {
			if errors.Is(err, ErrStreamSessionNotFound) {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			if !isBatch {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			slog.Warn("skipping malformed event in batch", "session_id", id, "error", err)
			resp.Skipped++
			continue
		}
		resp.Applied = append(resp.Applied, out)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(input.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	ev, err := s.streams.SendUserMessage(urlParam(r, "id"), input.Content)
	if err != nil {
		if errors.Is(err, ErrStreamSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}
