// Package ws 管理 WebSocket 连接和按订单号的支付事件推送
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stablepay/stablepay/internal/metrics"
	"github.com/stablepay/stablepay/internal/model"
	"github.com/stablepay/stablepay/pkg/logger"
)

// Hub WebSocket 连接管理中心
//
// 订阅按 orderId 维护，账单终态事件只推送给订阅了对应订单的客户端。
type Hub struct {
	// 客户端管理
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client

	// 订阅管理: orderId -> clients
	subscriptions map[string]map[*Client]bool
	subMu         sync.RWMutex

	// 广播
	broadcast chan *model.PaymentEvent

	// 控制
	done chan struct{}
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 256),
		unregister:    make(chan *Client, 256),
		subscriptions: make(map[string]map[*Client]bool),
		broadcast:     make(chan *model.PaymentEvent, 1024),
		done:          make(chan struct{}),
	}
}

// Run 运行 Hub
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.clientsMu.Unlock()
			metrics.RecordWSConnection(true)
			logger.Debug("client registered",
				zap.String("id", client.id),
				zap.Int("total", total))

		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				metrics.RecordWSConnection(false)
			}
			total := len(h.clients)
			h.clientsMu.Unlock()

			h.removeClientFromAllSubscriptions(client)
			logger.Debug("client unregistered",
				zap.String("id", client.id),
				zap.Int("total", total))

		case event := <-h.broadcast:
			h.broadcastToSubscribers(event)

		case <-ticker.C:
			h.logStats()

		case <-h.done:
			logger.Info("hub stopping")
			h.closeAllClients()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	close(h.done)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe 订阅订单事件
func (h *Hub) Subscribe(client *Client, orderID string) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if h.subscriptions[orderID] == nil {
		h.subscriptions[orderID] = make(map[*Client]bool)
	}
	h.subscriptions[orderID][client] = true
	client.AddSubscription(orderID)

	logger.Debug("client subscribed",
		zap.String("client", client.id),
		zap.String("order_id", orderID))
}

// Broadcast 广播支付事件到订阅的客户端
func (h *Hub) Broadcast(event *model.PaymentEvent) {
	select {
	case h.broadcast <- event:
	default:
		logger.Warn("broadcast channel full, dropping event",
			zap.String("order_id", event.OrderID),
			zap.String("type", string(event.Type)))
	}
}

// BroadcastAll 向所有在线客户端推送事件
func (h *Hub) BroadcastAll(event *model.PaymentEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMu.RUnlock()

	for _, client := range clients {
		if client.Send(data) {
			metrics.RecordWSMessage(string(event.Type))
		}
	}
}

// ClientCount 返回当前客户端数量
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// SubscriberCount 返回订阅了指定订单的客户端数量
func (h *Hub) SubscriberCount(orderID string) int {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subscriptions[orderID])
}

// broadcastToSubscribers 向订阅者推送
func (h *Hub) broadcastToSubscribers(event *model.PaymentEvent) {
	// 复制客户端列表，避免在迭代时被其他 goroutine 修改
	h.subMu.RLock()
	subscribers := h.subscriptions[event.OrderID]
	if len(subscribers) == 0 {
		h.subMu.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(subscribers))
	for client := range subscribers {
		clients = append(clients, client)
	}
	h.subMu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	for _, client := range clients {
		if client.Send(data) {
			metrics.RecordWSMessage(string(event.Type))
		} else {
			logger.Debug("failed to send to client (closed or full)",
				zap.String("client", client.id))
		}
	}
}

// removeClientFromAllSubscriptions 从所有订阅中移除客户端
func (h *Hub) removeClientFromAllSubscriptions(client *Client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	for _, orderID := range client.Subscriptions() {
		if clients, ok := h.subscriptions[orderID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.subscriptions, orderID)
			}
		}
	}
}

// closeAllClients 关闭所有客户端
func (h *Hub) closeAllClients() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// logStats 记录统计信息
func (h *Hub) logStats() {
	h.clientsMu.RLock()
	clientCount := len(h.clients)
	h.clientsMu.RUnlock()

	h.subMu.RLock()
	subCount := len(h.subscriptions)
	h.subMu.RUnlock()

	logger.Info("hub stats",
		zap.Int("clients", clientCount),
		zap.Int("subscriptions", subCount))
}
