package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stablepay/stablepay/internal/config"
	"github.com/stablepay/stablepay/pkg/logger"
)

// Handler WebSocket 处理器
type Handler struct {
	hub      *Hub
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(hub *Hub, cfg config.WebSocketConfig) *Handler {
	return &Handler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: 生产环境应该验证 Origin
				return true
			},
		},
	}
}

// HandleConnection 处理 WebSocket 连接
// GET /ws
func (h *Handler) HandleConnection(c *gin.Context) {
	// 检查连接数限制
	if h.cfg.MaxConnections > 0 && h.hub.ClientCount() >= h.cfg.MaxConnections {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "too many connections",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, h.cfg)

	logger.Info("websocket client connected",
		zap.String("client", client.ID()),
		zap.String("remote", c.Request.RemoteAddr))

	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
