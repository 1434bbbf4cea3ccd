package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// routes builds the HTTP handler tree.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(corsMiddleware(s.config.AllowedOrigins))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{sessionId}/events", s.handleSessionEvents)
	r.Get("/events", s.handleRecentEvents)

	if s.config.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.config.StaticDir)))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connections := 0
	s.conns.Range(func(_, _ any) bool {
		connections++
		return true
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"sessions":    s.registry.Count(),
		"orphaned":    s.registry.OrphanedCount(),
		"connections": connections,
		"journal":     s.journal != nil,
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSessionList(s.registry.List()))
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	events, err := s.journal.ListEvents(sessionID, parseEventLimit(r.URL.Query().Get("limit")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"events":    events,
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal is disabled")
		return
	}
	events, err := s.journal.Recent(parseEventLimit(r.URL.Query().Get("limit")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// parseEventLimit returns 0 for missing or invalid input; the journal then
// applies its default.
func parseEventLimit(raw string) int {
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0
	}
	return parsed
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
