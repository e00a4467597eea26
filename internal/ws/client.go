package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stablepay/stablepay/internal/config"
	"github.com/stablepay/stablepay/pkg/logger"
)

// Client WebSocket 客户端
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	cfg  config.WebSocketConfig

	// 订阅管理
	subscriptions map[string]bool
	subMu         sync.RWMutex

	// 关闭控制
	closed   bool
	closedMu sync.RWMutex
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	sendBuffer := cfg.SendBufferSize
	if sendBuffer <= 0 {
		sendBuffer = 256
	}

	return &Client{
		id:            uuid.New().String(),
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		cfg:           cfg,
		subscriptions: make(map[string]bool),
	}
}

// ID 返回客户端 ID
func (c *Client) ID() string {
	return c.id
}

// AddSubscription 添加订阅
func (c *Client) AddSubscription(orderID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscriptions[orderID] = true
}

// Subscriptions 返回所有订阅的 orderId
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	keys := make([]string, 0, len(c.subscriptions))
	for k := range c.subscriptions {
		keys = append(keys, k)
	}
	return keys
}

// ReadPump 读取消息
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(c.cfg.MaxMessageSize))
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout()))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout()))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read error",
					zap.String("client", c.id),
					zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// WritePump 写入消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait()))
			if !ok {
				// Hub 关闭了 channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理消息，无法解析的消息静默丢弃
func (c *Client) handleMessage(data []byte) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		logger.Debug("dropping invalid message", zap.String("client", c.id))
		return
	}

	c.hub.Subscribe(c, msg.OrderID)
}

// Send 发送消息，缓冲满或已关闭时返回 false
func (c *Client) Send(data []byte) bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		logger.Warn("client send buffer full", zap.String("client", c.id))
		return false
	}
}

// Close 关闭客户端 (原子操作: 标记关闭并关闭发送通道)
func (c *Client) Close() {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// IsClosed 检查客户端是否已关闭
func (c *Client) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}
