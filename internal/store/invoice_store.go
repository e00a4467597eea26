// Package store 提供账单的内存存储与支付匹配索引
//
// ## 索引结构
// - invoices:   id -> 账单
// - orderIndex: orderId -> id
// - pending:    支付匹配键 (token:merchant:amount) -> 未支付账单 id 列表 (创建顺序)
//
// ## 并发约束
// 所有操作由读写锁保护。撮合路径必须使用 MatchPayment: 它在同一临界区内
// 完成查找与置为 PAID，保证同一账单不会被两笔交易重复撮合，
// 且同键多账单时最早创建者优先。
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stablepay/stablepay/internal/model"
)

var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrDuplicateInvoice  = errors.New("duplicate invoice")
	ErrNoMatchingInvoice = errors.New("no matching invoice")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// InvoiceStore 账单存储
type InvoiceStore struct {
	mu         sync.RWMutex
	invoices   map[string]*model.Invoice
	orderIndex map[string]string
	pending    map[string][]string
}

// NewInvoiceStore 创建账单存储
func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{
		invoices:   make(map[string]*model.Invoice),
		orderIndex: make(map[string]string),
		pending:    make(map[string][]string),
	}
}

// Create 写入账单并建立索引
func (s *InvoiceStore) Create(invoice *model.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoices[invoice.ID]; exists {
		return ErrDuplicateInvoice
	}
	if _, exists := s.orderIndex[invoice.OrderID]; exists {
		return ErrDuplicateInvoice
	}

	// 地址统一小写存储，索引查找大小写不敏感
	stored := invoice.Clone()
	stored.MerchantAddress = strings.ToLower(stored.MerchantAddress)
	stored.TokenAddress = strings.ToLower(stored.TokenAddress)

	s.invoices[stored.ID] = stored
	s.orderIndex[stored.OrderID] = stored.ID

	key := model.PaymentKey(stored.TokenAddress, stored.MerchantAddress, stored.Amount)
	s.pending[key] = append(s.pending[key], stored.ID)

	return nil
}

// GetByID 按 id 查询
func (s *InvoiceStore) GetByID(id string) (*model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return invoice.Clone(), nil
}

// GetByOrderID 按 orderId 查询
func (s *InvoiceStore) GetByOrderID(orderID string) (*model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderIndex[orderID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return s.invoices[id].Clone(), nil
}

// ListAll 返回全部账单，按创建时间倒序
func (s *InvoiceStore) ListAll() []*model.Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Invoice, 0, len(s.invoices))
	for _, invoice := range s.invoices {
		result = append(result, invoice.Clone())
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return result
}

// Count 返回账单数量
func (s *InvoiceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invoices)
}

// Update 合并部分字段并整体替换账单
// 状态只允许 UNPAID -> PAID / UNPAID -> EXPIRED，进入终态后从匹配索引移除。
func (s *InvoiceStore) Update(id string, update model.InvoiceUpdate) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(id, update)
}

// updateLocked 持锁状态下的更新实现
func (s *InvoiceStore) updateLocked(id string, update model.InvoiceUpdate) (*model.Invoice, error) {
	invoice, ok := s.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}

	updated := invoice.Clone()

	if update.Status != "" && update.Status != invoice.Status {
		if invoice.Status != model.InvoiceStatusUnpaid || !update.Status.IsTerminal() {
			return nil, ErrInvalidTransition
		}
		updated.Status = update.Status
	}
	if update.TxHash != "" {
		updated.TxHash = update.TxHash
	}

	s.invoices[id] = updated

	if updated.Status.IsTerminal() {
		key := model.PaymentKey(updated.TokenAddress, updated.MerchantAddress, updated.Amount)
		s.removePendingLocked(key, id)
	}

	return updated.Clone(), nil
}

// FindMatch 按匹配键查找最早创建的未支付账单
func (s *InvoiceStore) FindMatch(tokenAddress, toAddress, amount string) (*model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice := s.findMatchLocked(tokenAddress, toAddress, amount)
	if invoice == nil {
		return nil, ErrNoMatchingInvoice
	}
	return invoice.Clone(), nil
}

// MatchPayment 原子撮合: 查找并置为 PAID 在同一临界区内完成
func (s *InvoiceStore) MatchPayment(tokenAddress, toAddress, amount, txHash string) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice := s.findMatchLocked(tokenAddress, toAddress, amount)
	if invoice == nil {
		return nil, ErrNoMatchingInvoice
	}

	return s.updateLocked(invoice.ID, model.InvoiceUpdate{
		Status: model.InvoiceStatusPaid,
		TxHash: txHash,
	})
}

// findMatchLocked 持锁状态下的匹配查找，id 列表即创建顺序
func (s *InvoiceStore) findMatchLocked(tokenAddress, toAddress, amount string) *model.Invoice {
	key := model.PaymentKey(tokenAddress, toAddress, amount)
	for _, id := range s.pending[key] {
		invoice := s.invoices[id]
		if invoice != nil && invoice.Status == model.InvoiceStatusUnpaid {
			return invoice
		}
	}
	return nil
}

// ExpireOverdue 将所有已过期的未支付账单置为 EXPIRED，返回本次过期的账单
// 幂等: 已是 PAID / EXPIRED 的账单不受影响。
func (s *InvoiceStore) ExpireOverdue(now time.Time) []*model.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*model.Invoice
	for id, invoice := range s.invoices {
		if invoice.Status != model.InvoiceStatusUnpaid {
			continue
		}
		if !invoice.ExpiresAt.Before(now) {
			continue
		}

		updated, err := s.updateLocked(id, model.InvoiceUpdate{Status: model.InvoiceStatusExpired})
		if err != nil {
			continue
		}
		expired = append(expired, updated)
	}

	return expired
}

// removePendingLocked 从匹配索引移除指定账单
func (s *InvoiceStore) removePendingLocked(key, id string) {
	ids := s.pending[key]
	for i, existing := range ids {
		if existing == id {
			s.pending[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.pending[key]) == 0 {
		delete(s.pending, key)
	}
}
