package surface

import (
	"context"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/im-red/failed-requests-monitor/internal/failurelog"
)

const streamReadLimit = 1 << 20

type NotificationHandler func(failurelog.Notification) error

func (c *HTTPClient) streamURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/v1/stream"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/v1/stream"
	default:
		return c.baseURL + "/v1/stream"
	}
}

// Stream delivers pushed notifications to handler until ctx ends, the
// engine closes the stream, or handler returns an error.
func (c *HTTPClient) Stream(ctx context.Context, handler NotificationHandler) error {
	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	}
	// the websocket library refuses clients with a global timeout
	if c.httpClient != nil && c.httpClient.Timeout == 0 {
		opts.HTTPClient = c.httpClient
	}
	conn, _, err := websocket.Dial(ctx, c.streamURL(), opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream reader exited")
	conn.SetReadLimit(streamReadLimit)

	for {
		var n failurelog.Notification
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if err := handler(n); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}
