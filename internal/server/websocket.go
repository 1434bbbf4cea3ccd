package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/workspace/ptymux/internal/session"
)

// handleWebSocket upgrades GET /ws and serves the multiplexed session protocol.
//
// Query parameters:
//   - defaultTab: a session id to resume or create on connect
//   - cols, rows: geometry for that default session
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		slog.Warn("WebSocket upgrade failed", "error", err, "remoteAddr", r.RemoteAddr)
		return
	}

	c := newConnection(s, ws)
	s.conns.Store(c.id, c)
	defer s.conns.Delete(c.id)

	q := r.URL.Query()
	opts := session.CreateOptions{
		Cols: queryInt(q.Get("cols")),
		Rows: queryInt(q.Get("rows")),
	}
	slog.Info("WebSocket connected", "connId", c.id, "remoteAddr", r.RemoteAddr, "defaultTab", q.Get("defaultTab"))
	c.run(q.Get("defaultTab"), opts)
}

// queryInt parses a positive integer, returning 0 for anything else so the
// registry applies its defaults.
func queryInt(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
