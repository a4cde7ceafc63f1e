package http

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// SubscribeWebSocket handles GET /ws. It streams the same events as /events as JSON
// messages; ?channel= accepts the same filters.
func (s *Server) SubscribeWebSocket(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe, err := s.Streams.subscribe(r.URL.Query().Get("channel"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Warn("ws: accept failed", "err", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = wsjson.Write(ctx, conn, map[string]string{"type": "ready"})

	// Clients only send control frames; a failed read means they went away.
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				s.logger.Debug("ws: write failed", "err", err)
				return
			}
		}
	}
}
