package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
)

// handleAgentSocket accepts the in-page agent's WebSocket connection
// (spec.md §6 "Outbound agent control protocol") and hands frames to the
// Registry until the connection closes.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	authIndex, err := strconv.Atoi(r.URL.Query().Get("authIndex"))
	if err != nil {
		http.Error(w, "missing or invalid authIndex", http.StatusBadRequest)
		return
	}
	identity := strconv.Itoa(authIndex)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("server: agent socket accept failed", "auth_index", authIndex, "error", err)
		return
	}

	sock := s.registry.OnSocketOpen(conn, identity)
	_ = sock
	defer func() {
		conn.CloseNow()
		s.registry.OnSocketClose(identity)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			slog.Debug("server: agent socket read ended", "auth_index", authIndex, "error", err)
			return
		}
		s.registry.OnSocketMessage(data)
	}
}
