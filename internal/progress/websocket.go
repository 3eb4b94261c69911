package progress

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// WebSocketHandler streams broadcast events as JSON text messages.
type WebSocketHandler struct {
	b             *Broadcaster
	allowedOrigin string
	isDev         bool
	queueSize     int
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(b *Broadcaster, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		b:             b,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		queueSize:     defaultQueueSize,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	events, cancel := h.b.Subscribe(h.queueSize)
	defer cancel()

	// Clients only listen; CloseRead handles control frames and ends ctx on close.
	ctx := ws.CloseRead(r.Context())
	slog.Info("Progress stream attached", "ip", r.RemoteAddr, "subscribers", h.b.Subscribers())

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Progress stream closed by client", "ip", r.RemoteAddr)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, ev); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					slog.Warn("WebSocket write error", "error", err)
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, ev)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
