// Package metrics 提供 stablepay 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stablepay"

// 账单指标
var (
	// InvoicesCreatedTotal 创建的账单总数
	InvoicesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_created_total",
			Help:      "创建的账单总数",
		},
	)

	// InvoicesExpiredTotal 过期的账单总数
	InvoicesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_expired_total",
			Help:      "过期扫描置为 EXPIRED 的账单总数",
		},
	)

	// PaymentsMatchedTotal 撮合成功的支付总数
	PaymentsMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_matched_total",
			Help:      "链上转账与账单撮合成功的总数",
		},
		[]string{"token_type"}, // native, erc20
	)
)

// 链监听指标
var (
	// BlocksProcessedTotal 已处理区块总数
	BlocksProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "已处理区块总数",
		},
	)

	// BlockProcessErrorsTotal 区块处理失败总数
	BlockProcessErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_process_errors_total",
			Help:      "区块处理失败次数 (失败区块下个周期重试)",
		},
	)

	// WatcherBlockLag 监听器落后链头的区块数
	WatcherBlockLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watcher_block_lag",
			Help:      "监听器游标落后链上最新高度的区块数",
		},
	)
)

// WebSocket 指标
var (
	// WSConnectionsGauge 当前连接数
	WSConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "当前 WebSocket 连接数",
		},
	)

	// WSMessagesSentTotal 推送消息总数
	WSMessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_sent_total",
			Help:      "推送给订阅者的消息总数",
		},
		[]string{"type"}, // PAID, EXPIRED
	)
)

// RecordWSConnection 记录连接建立/断开
func RecordWSConnection(connected bool) {
	if connected {
		WSConnectionsGauge.Inc()
	} else {
		WSConnectionsGauge.Dec()
	}
}

// RecordWSMessage 记录推送消息
func RecordWSMessage(eventType string) {
	WSMessagesSentTotal.WithLabelValues(eventType).Inc()
}
