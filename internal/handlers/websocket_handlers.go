package handlers

import (
	"net/http"

	ws "lms-realtime/internal/websocket"
	"lms-realtime/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	gateway  *ws.Gateway
	upgrader websocket.Upgrader
}

func NewWebSocketHandlers(gateway *ws.Gateway) *WebSocketHandlers {
	return &WebSocketHandlers{
		gateway: gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket upgrades without checking credentials; the gateway expects
// the token in the first frame and closes the socket if it is missing or bad.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	h.gateway.Serve(r.Context(), conn)
}
