package push

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jenova-marie/iris-mcp-sub002/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades /stream requests and wires the resulting client to a Hub.
type Handler struct {
	hub *Hub
	log *logger.Logger
}

func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{hub: hub, log: log}
}

// Stream upgrades the request and registers the connection with the hub.
// GET /api/v1/stream
func (h *Handler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("dashboard websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, h.hub, h.log)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// RegisterRoutes adds the streaming route to router.
func (h *Handler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/stream", h.Stream)
}
