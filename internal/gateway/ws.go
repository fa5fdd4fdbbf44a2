package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/workforce/internal/shared"
)

// handleWS mirrors the SSE projection over a WebSocket for clients that
// prefer a socket: each message is the frame's JSON payload without the SSE
// framing. GET /ws?project_id=X.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		httpError(w, http.StatusBadRequest, "project_id query parameter is required")
		return
	}

	s.mu.Lock()
	p, ok := s.projects[projectID]
	s.mu.Unlock()
	if !ok {
		httpError(w, http.StatusNotFound, "unknown project")
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	logger := s.requestLogger(ctx)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Debug("websocket accept failed", "project_id", projectID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")
	emit := func(frame string) error {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageText, []byte(framePayload(frame)))
	}

	adapter := NewAdapter(projectID, p.lock, p.bus, s.cfg.Heartbeat, logger)
	_ = adapter.Stream(ctx, emit)
}

// framePayload strips the SSE framing, leaving the JSON payload.
func framePayload(frame string) string {
	payload := strings.TrimPrefix(frame, "data: ")
	return strings.TrimSuffix(payload, "\n\n")
}
