package ws

import (
	"encoding/json"
	"errors"
)

// MsgTypeSubscribe 客户端订阅消息类型
const MsgTypeSubscribe = "subscribe"

var ErrInvalidMessage = errors.New("invalid message")

// ClientMessage 客户端消息
//
// 协议只有一种客户端消息: {"type":"subscribe","orderId":"..."}
type ClientMessage struct {
	Type    string `json:"type"`
	OrderID string `json:"orderId"`
}

// ParseClientMessage 解析客户端消息
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrInvalidMessage
	}

	if msg.Type != MsgTypeSubscribe || msg.OrderID == "" {
		return nil, ErrInvalidMessage
	}

	return &msg, nil
}
