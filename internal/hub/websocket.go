package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// WebSocketTransport delivers events as JSON text frames.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an accepted connection.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// Deliver writes event to the connection.
func (t *WebSocketTransport) Deliver(ctx context.Context, event Event) error {
	return wsjson.Write(ctx, t.conn, event)
}

// Close closes the connection with a normal closure.
func (t *WebSocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// filterUpdate is the message a client sends to change its keys.
type filterUpdate struct {
	Keys []string `json:"keys"`
}

// ServeWS returns a handler that upgrades the request to a websocket and
// subscribes it. The initial filter comes from ?keys=a,b; the client may send
// {"keys": [...]} at any time to replace it. The subscription ends when the
// client disconnects.
func (h *Hub) ServeWS(originPatterns ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.stopped.Load() {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:  originPatterns,
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote_addr", r.RemoteAddr)
			return
		}

		id := h.Subscribe(NewWebSocketTransport(conn), splitKeys(r.URL.Query().Get("keys")))
		if id == NoSubscriber {
			return
		}
		defer h.Unsubscribe(id)

		h.logger.Info(r.Context(), "WebSocket subscriber connected",
			"subscriber_id", uint64(id),
			"remote_addr", r.RemoteAddr,
		)

		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
					websocket.CloseStatus(err) != websocket.StatusGoingAway {
					h.logger.Debug(r.Context(), "WebSocket read ended", "subscriber_id", uint64(id), "error", err.Error())
				}
				return
			}
			if typ != websocket.MessageText {
				continue
			}

			var update filterUpdate
			if err := json.Unmarshal(data, &update); err != nil {
				h.logger.Debug(r.Context(), "Ignoring malformed filter update", "subscriber_id", uint64(id))
				continue
			}
			if !h.UpdateFilter(id, update.Keys) {
				// Removed by the dispatcher after a failed write.
				return
			}
		}
	})
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
