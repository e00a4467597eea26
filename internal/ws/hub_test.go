package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/stablepay/internal/model"
)

// createMockClient 创建测试用客户端 (不依赖真实 websocket 连接)
func createMockClient(hub *Hub, id string) *Client {
	return &Client{
		id:            id,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
}

// receiveEvent 从客户端发送队列里取一条事件
func receiveEvent(t *testing.T, client *Client) *model.PaymentEvent {
	t.Helper()
	select {
	case data := <-client.send:
		var event model.PaymentEvent
		require.NoError(t, json.Unmarshal(data, &event))
		return &event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

// TestNewHub 测试创建 Hub
func TestNewHub(t *testing.T) {
	hub := NewHub()

	assert.NotNil(t, hub)
	assert.NotNil(t, hub.clients)
	assert.NotNil(t, hub.subscriptions)
	assert.NotNil(t, hub.register)
	assert.NotNil(t, hub.unregister)
	assert.NotNil(t, hub.broadcast)
	assert.NotNil(t, hub.done)
}

// TestHub_RegisterUnregister 测试注册和注销客户端
func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	client := createMockClient(hub, "test-client-1")

	hub.Register(client)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())

	hub.Unregister(client)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, hub.ClientCount())
	assert.True(t, client.IsClosed())
}

// TestHub_Subscribe 测试订阅
func TestHub_Subscribe(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	client := createMockClient(hub, "test-client")
	hub.Register(client)
	time.Sleep(10 * time.Millisecond)

	hub.Subscribe(client, "order-1")
	assert.Equal(t, 1, hub.SubscriberCount("order-1"))

	// 重复订阅同一订单不会叠加
	hub.Subscribe(client, "order-1")
	assert.Equal(t, 1, hub.SubscriberCount("order-1"))

	// 一个客户端可以订阅多个订单
	hub.Subscribe(client, "order-2")
	assert.Equal(t, 1, hub.SubscriberCount("order-2"))
	assert.Len(t, client.Subscriptions(), 2)
}

// TestHub_BroadcastToSubscriber 测试只推送给订阅的客户端
func TestHub_BroadcastToSubscriber(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	subscribed := createMockClient(hub, "subscribed")
	other := createMockClient(hub, "other")
	hub.Register(subscribed)
	hub.Register(other)
	time.Sleep(10 * time.Millisecond)

	hub.Subscribe(subscribed, "order-1")
	hub.Subscribe(other, "order-2")

	hub.Broadcast(&model.PaymentEvent{
		Type:    model.InvoiceStatusPaid,
		OrderID: "order-1",
		TxHash:  "0xabc",
	})

	event := receiveEvent(t, subscribed)
	assert.Equal(t, model.InvoiceStatusPaid, event.Type)
	assert.Equal(t, "order-1", event.OrderID)
	assert.Equal(t, "0xabc", event.TxHash)

	// 未订阅该订单的客户端收不到
	select {
	case <-other.send:
		t.Fatal("unsubscribed client should not receive event")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestHub_BroadcastExpiredOmitsTxHash 过期事件不携带 txHash
func TestHub_BroadcastExpiredOmitsTxHash(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	client := createMockClient(hub, "client")
	hub.Register(client)
	time.Sleep(10 * time.Millisecond)
	hub.Subscribe(client, "order-exp")

	hub.Broadcast(&model.PaymentEvent{
		Type:    model.InvoiceStatusExpired,
		OrderID: "order-exp",
	})

	select {
	case data := <-client.send:
		assert.JSONEq(t, `{"type":"EXPIRED","orderId":"order-exp"}`, string(data))
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

// TestHub_BroadcastAll 全量广播不区分订阅
func TestHub_BroadcastAll(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	subscribed := createMockClient(hub, "subscribed")
	other := createMockClient(hub, "other")
	hub.Register(subscribed)
	hub.Register(other)
	time.Sleep(10 * time.Millisecond)

	hub.Subscribe(subscribed, "order-1")

	hub.BroadcastAll(&model.PaymentEvent{
		Type:    model.InvoiceStatusPaid,
		OrderID: "order-1",
		TxHash:  "0xall",
	})

	for _, client := range []*Client{subscribed, other} {
		event := receiveEvent(t, client)
		assert.Equal(t, "order-1", event.OrderID)
		assert.Equal(t, "0xall", event.TxHash)
	}
}

// TestHub_BroadcastNoSubscribers 无订阅者时广播不报错
func TestHub_BroadcastNoSubscribers(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(&model.PaymentEvent{
		Type:    model.InvoiceStatusPaid,
		OrderID: "order-none",
	})
	time.Sleep(10 * time.Millisecond)
}

// TestHub_MultipleSubscribersSameOrder 多个客户端订阅同一订单都能收到
func TestHub_MultipleSubscribersSameOrder(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	clients := make([]*Client, 3)
	for i := 0; i < 3; i++ {
		clients[i] = createMockClient(hub, "client-"+string(rune('0'+i)))
		hub.Register(clients[i])
	}
	time.Sleep(10 * time.Millisecond)

	for _, c := range clients {
		hub.Subscribe(c, "order-shared")
	}
	assert.Equal(t, 3, hub.SubscriberCount("order-shared"))

	hub.Broadcast(&model.PaymentEvent{
		Type:    model.InvoiceStatusPaid,
		OrderID: "order-shared",
	})

	for _, c := range clients {
		event := receiveEvent(t, c)
		assert.Equal(t, "order-shared", event.OrderID)
	}
}

// TestHub_UnregisterCleansSubscriptions 注销客户端后清理订阅
func TestHub_UnregisterCleansSubscriptions(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	client := createMockClient(hub, "client")
	hub.Register(client)
	time.Sleep(10 * time.Millisecond)

	hub.Subscribe(client, "order-1")
	hub.Subscribe(client, "order-2")

	hub.Unregister(client)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 0, hub.SubscriberCount("order-1"))
	assert.Equal(t, 0, hub.SubscriberCount("order-2"))
}

// TestHub_SendToClosedClient 向已关闭客户端发送返回 false
func TestHub_SendToClosedClient(t *testing.T) {
	hub := NewHub()
	client := createMockClient(hub, "client")

	client.Close()
	assert.False(t, client.Send([]byte("data")))

	// 重复关闭不会 panic
	client.Close()
}

// TestParseClientMessage 测试客户端消息解析
func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe","orderId":"order-1"}`))
	require.NoError(t, err)
	assert.Equal(t, MsgTypeSubscribe, msg.Type)
	assert.Equal(t, "order-1", msg.OrderID)

	// 非 JSON
	_, err = ParseClientMessage([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	// 未知类型
	_, err = ParseClientMessage([]byte(`{"type":"unsubscribe","orderId":"order-1"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	// 缺少 orderId
	_, err = ParseClientMessage([]byte(`{"type":"subscribe"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// TestClient_HandleMessage 无法解析的消息静默丢弃
func TestClient_HandleMessage(t *testing.T) {
	hub := NewHub()

	go hub.Run()
	defer hub.Stop()
	time.Sleep(10 * time.Millisecond)

	client := createMockClient(hub, "client")
	hub.Register(client)
	time.Sleep(10 * time.Millisecond)

	client.handleMessage([]byte(`{"type":"subscribe","orderId":"order-1"}`))
	assert.Equal(t, 1, hub.SubscriberCount("order-1"))

	// 坏消息被忽略，不产生订阅也不报错
	client.handleMessage([]byte("garbage"))
	client.handleMessage([]byte(`{"type":"ping"}`))
	assert.Len(t, client.Subscriptions(), 1)
}
