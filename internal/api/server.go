package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/orchestra-ai/orchestra/internal/db"
)

// allowedOrigins defines which origins may make cross-origin requests.
// Used by both CORS middleware and WebSocket CheckOrigin.
var allowedOrigins = []string{
	"http://localhost:*",
	"https://app.orchestra.chat",
}

// isAllowedOrigin checks whether an origin matches the allowedOrigins list.
// Supports the "http://localhost:*" wildcard pattern (any port on localhost).
func isAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range allowedOrigins {
		if allowed == origin {
			return true
		}
		// Handle "http://localhost:*" — match any port on localhost.
		if strings.HasSuffix(allowed, ":*") {
			prefix := strings.TrimSuffix(allowed, ":*")
			parsed, err := url.Parse(origin)
			if err != nil {
				continue
			}
			// Rebuild without port to compare scheme+host.
			withoutPort := parsed.Scheme + "://" + parsed.Hostname()
			if withoutPort == prefix {
				return true
			}
		}
	}
	return false
}

type Server struct {
	db          *db.DB
	router      chi.Router
	auth        *AuthService
	streams     *StreamManager
	authLimiter *loginRateLimiter

	mu         sync.Mutex
	httpServer *http.Server
}

func NewServer(database *db.DB) *Server {
	s := &Server{
		db:          database,
		auth:        NewAuthService(),
		streams:     NewStreamManager(database),
		authLimiter: newLoginRateLimiter(5, 1*time.Minute),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/setup", s.handleSetup)
	r.Get("/api/auth/status", s.handleAuthStatus)

	// Streaming endpoints (public routes, auth handled in the handshake
	// because EventSource and WebSocket clients cannot set headers)
	r.Get("/ws", s.handleEventsWS)
	r.Get("/api/sessions/{id}/stream", s.handleSessionStream)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Auth
		r.Get("/api/auth/me", s.handleMe)
		r.Post("/api/auth/change-password", s.handleChangePassword)

		// Sessions
		r.Get("/api/sessions", s.handleListSessions)
		r.Post("/api/sessions", s.handleCreateSession)
		r.Get("/api/sessions/{id}", s.handleGetSession)
		r.Patch("/api/sessions/{id}", s.handleUpdateSession)
		r.Delete("/api/sessions/{id}", s.handleDeleteSession)

		// Events
		r.Get("/api/sessions/{id}/events", s.handleSessionHistory)
		r.Post("/api/sessions/{id}/events", s.handleIngestEvents)
		r.Post("/api/sessions/{id}/message", s.handleSendMessage)
	})

	s.router = r
}

func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Response helpers

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func writeDBError(w http.ResponseWriter, err error, entity string) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, entity+" not found")
	} else {
		writeError(w, http.StatusInternalServerError, "failed to get "+entity)
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// URL parameter helper
func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}
