package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const streamHeartbeatPeriod = 25 * time.Second

// handleSessionStream serves the session timeline over SSE: the
// snapshot first, then live outputs as they arrive, each as one
// "data: {...}" frame. Heartbeat comments keep proxies from closing
// the connection.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	token := streamAuthToken(r)
	if token == "" || !s.auth.ValidateToken(token) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	snapshot, stream, cancel, err := s.streams.Attach(urlParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrStreamSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			writeError(w, http.StatusInternalServerError, "failed to attach to session")
		}
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for i := range snapshot {
		if err := writeSSEFrame(w, &snapshot[i]); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(streamHeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case out, ok := <-stream:
			if !ok {
				return
			}
			if err := writeSSEFrame(w, out); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
