package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStream pushes every notification to the client until either side
// goes away. The stream is one-way; client messages are discarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notifications are not enabled", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originHosts,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := s.notifier.Subscribe()
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, n)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
