package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
)

// HandleWebSocket handles GET /v1/ws. The caller is already authenticated;
// the connection starts with no channel memberships and joins through
// join:rider, join:driver or join:ride frames.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	p := principal(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	client := websocket.NewClient(h.Gateway.Hub(), conn, p, h.Gateway, h.Logger)
	h.Gateway.Register(client)

	h.Logger.Info("WebSocket connected",
		logger.String("connection_id", client.ID),
		logger.String("user_id", p.UserID),
		logger.String("role", string(p.Role)),
	)

	go client.WritePump()
	go client.ReadPump()
}
