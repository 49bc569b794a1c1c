package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 10 * time.Second

// handleEventsWS streams lifecycle events as JSON frames. ?thread= narrows
// the feed to one thread. Clients only receive; anything they send is
// discarded.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event feed disabled", getCorrelationID(r))
		return
	}
	// The feed starts at the handshake, not at the first read.
	feed, cancel := s.hub.Subscribe(r.URL.Query().Get("thread"))
	defer cancel()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Debug("ws_accept_failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws_subscribed", zap.String("agent", claims.AgentName))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			writeCtx, done := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			done()
			if err != nil {
				s.logger.Debug("ws_write_failed", zap.String("agent", claims.AgentName), zap.Error(err))
				return
			}
		}
	}
}
