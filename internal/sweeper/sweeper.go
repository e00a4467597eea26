// Package sweeper 定时扫描过期账单
package sweeper

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stablepay/stablepay/internal/metrics"
	"github.com/stablepay/stablepay/internal/model"
	"github.com/stablepay/stablepay/internal/store"
	"github.com/stablepay/stablepay/pkg/logger"
)

// Notifier 过期事件通知接口
type Notifier interface {
	Broadcast(event *model.PaymentEvent)
}

// Sweeper 账单过期扫描器
//
// 按固定周期把 expiresAt 已过的 UNPAID 账单置为 EXPIRED 并广播。
// 扫描是幂等的，已终态的账单不会被重复处理。
type Sweeper struct {
	invoices *store.InvoiceStore
	notifier Notifier
	interval time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// New 创建扫描器
func New(invoices *store.InvoiceStore, notifier Notifier, interval time.Duration) *Sweeper {
	if interval == 0 {
		interval = time.Minute
	}

	return &Sweeper{
		invoices: invoices,
		notifier: notifier,
		interval: interval,
	}
}

// Start 启动定时扫描
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.cron = cron.New()
	schedule := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return fmt.Errorf("failed to schedule expiry sweep: %w", err)
	}

	s.cron.Start()
	s.running = true

	logger.Info("sweeper started", zap.Duration("interval", s.interval))

	return nil
}

// Stop 停止扫描，等待进行中的扫描结束
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false

	logger.Info("sweeper stopped")
}

// Sweep 执行一次过期扫描
func (s *Sweeper) Sweep() {
	expired := s.invoices.ExpireOverdue(time.Now())
	if len(expired) == 0 {
		return
	}

	metrics.InvoicesExpiredTotal.Add(float64(len(expired)))

	for _, invoice := range expired {
		logger.Info("invoice expired",
			zap.String("invoice_id", invoice.ID),
			zap.String("order_id", invoice.OrderID),
			zap.String("amount", invoice.Amount))

		if s.notifier != nil {
			s.notifier.Broadcast(&model.PaymentEvent{
				Type:    model.InvoiceStatusExpired,
				OrderID: invoice.OrderID,
			})
		}
	}
}
