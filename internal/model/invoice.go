package model

import (
	"strings"
	"time"
)

// TokenNative 原生币的 tokenAddress 标识
const TokenNative = "native"

// InvoiceStatus 账单状态
type InvoiceStatus string

const (
	InvoiceStatusUnpaid InvoiceStatus = "UNPAID"
	// InvoiceStatusPending 保留给客户端的乐观中间态，服务端不会写入该状态
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusExpired InvoiceStatus = "EXPIRED"
)

// IsTerminal 是否为终态
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusPaid || s == InvoiceStatusExpired
}

// Invoice 账单 (收款请求)
type Invoice struct {
	ID              string        `json:"id"`
	OrderID         string        `json:"orderId"`
	MerchantAddress string        `json:"merchantAddress"`
	TokenAddress    string        `json:"tokenAddress"`
	Amount          string        `json:"amount"` // 最小单位整数，十进制字符串
	Status          InvoiceStatus `json:"status"`
	CreatedAt       time.Time     `json:"createdAt"`
	ExpiresAt       time.Time     `json:"expiresAt"`
	TxHash          string        `json:"txHash,omitempty"`
}

// Clone 返回账单副本
func (i *Invoice) Clone() *Invoice {
	c := *i
	return &c
}

// InvoiceUpdate 账单部分更新
type InvoiceUpdate struct {
	Status InvoiceStatus
	TxHash string
}

// PaymentKey 支付匹配键: token:merchant:amount (地址统一小写)
func PaymentKey(tokenAddress, merchantAddress, amount string) string {
	return strings.ToLower(tokenAddress) + ":" + strings.ToLower(merchantAddress) + ":" + amount
}

// PaymentEvent 推送给订阅者的账单事件
type PaymentEvent struct {
	Type    InvoiceStatus `json:"type"` // PAID / EXPIRED
	OrderID string        `json:"orderId"`
	TxHash  string        `json:"txHash,omitempty"`
}
