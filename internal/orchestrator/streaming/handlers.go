package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades incoming HTTP connections onto the hub's broadcast feed.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler builds a Handler bound to hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{hub: hub, logger: log.WithFields(zap.String("component", "streaming-handler"))}
}

// Stream upgrades the connection and registers it for every future
// StateSnapshot broadcast until the client disconnects.
// GET /stream
func (h *Handler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.logger)
	h.hub.Register(client)
	h.logger.Info("streaming client connected", zap.String("client_id", clientID))

	go client.WritePump()
}
