package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/stablepay/internal/model"
)

// newTestInvoice 创建测试账单
func newTestInvoice(id, merchant, amount string, createdAt time.Time) *model.Invoice {
	return &model.Invoice{
		ID:              id,
		OrderID:         "order-" + id,
		MerchantAddress: merchant,
		TokenAddress:    model.TokenNative,
		Amount:          amount,
		Status:          model.InvoiceStatusUnpaid,
		CreatedAt:       createdAt,
		ExpiresAt:       createdAt.Add(15 * time.Minute),
	}
}

const testMerchant = "0xABCDEF0000000000000000000000000000000001"

// TestInvoiceStore_CreateAndGet 测试创建与查询
func TestInvoiceStore_CreateAndGet(t *testing.T) {
	s := NewInvoiceStore()
	inv := newTestInvoice("inv-1", testMerchant, "1000000000000000000", time.Now())

	require.NoError(t, s.Create(inv))

	// 按 id 查询
	got, err := s.GetByID("inv-1")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", got.Amount)

	// 商户地址小写存储
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", got.MerchantAddress)

	// 按 orderId 查询
	got, err = s.GetByOrderID("order-inv-1")
	require.NoError(t, err)
	assert.Equal(t, "inv-1", got.ID)
}

// TestInvoiceStore_CreateDuplicate 测试重复创建
func TestInvoiceStore_CreateDuplicate(t *testing.T) {
	s := NewInvoiceStore()
	inv := newTestInvoice("inv-1", testMerchant, "5000", time.Now())

	require.NoError(t, s.Create(inv))
	assert.ErrorIs(t, s.Create(inv), ErrDuplicateInvoice)
}

// TestInvoiceStore_GetMissing 测试查询不存在的账单
func TestInvoiceStore_GetMissing(t *testing.T) {
	s := NewInvoiceStore()

	_, err := s.GetByID("nope")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)

	_, err = s.GetByOrderID("nope")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

// TestInvoiceStore_ListAll 测试列表按创建时间倒序
func TestInvoiceStore_ListAll(t *testing.T) {
	s := NewInvoiceStore()
	base := time.Now()

	for i := 0; i < 3; i++ {
		inv := newTestInvoice(fmt.Sprintf("inv-%d", i), testMerchant, fmt.Sprintf("%d", 1000+i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Create(inv))
	}

	all := s.ListAll()
	require.Len(t, all, 3)
	assert.Equal(t, "inv-2", all[0].ID)
	assert.Equal(t, "inv-1", all[1].ID)
	assert.Equal(t, "inv-0", all[2].ID)
}

// TestInvoiceStore_UpdateImmutable 测试更新返回独立副本
func TestInvoiceStore_UpdateImmutable(t *testing.T) {
	s := NewInvoiceStore()
	require.NoError(t, s.Create(newTestInvoice("inv-1", testMerchant, "5000", time.Now())))

	updated, err := s.Update("inv-1", model.InvoiceUpdate{Status: model.InvoiceStatusPaid, TxHash: "0xbeef"})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPaid, updated.Status)
	assert.Equal(t, "0xbeef", updated.TxHash)

	// 修改返回值不应影响存储内容
	updated.TxHash = "mutated"
	got, err := s.GetByID("inv-1")
	require.NoError(t, err)
	assert.Equal(t, "0xbeef", got.TxHash)
}

// TestInvoiceStore_UpdateMissing 测试更新不存在的账单
func TestInvoiceStore_UpdateMissing(t *testing.T) {
	s := NewInvoiceStore()
	_, err := s.Update("nope", model.InvoiceUpdate{Status: model.InvoiceStatusPaid})
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

// TestInvoiceStore_StatusMonotone 测试状态只能从 UNPAID 进入终态
func TestInvoiceStore_StatusMonotone(t *testing.T) {
	s := NewInvoiceStore()
	require.NoError(t, s.Create(newTestInvoice("inv-1", testMerchant, "5000", time.Now())))

	_, err := s.Update("inv-1", model.InvoiceUpdate{Status: model.InvoiceStatusPaid})
	require.NoError(t, err)

	// 终态不可再变
	_, err = s.Update("inv-1", model.InvoiceUpdate{Status: model.InvoiceStatusExpired})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// UNPAID -> PENDING 也不允许 (服务端不写入 PENDING)
	require.NoError(t, s.Create(newTestInvoice("inv-2", testMerchant, "6000", time.Now())))
	_, err = s.Update("inv-2", model.InvoiceUpdate{Status: model.InvoiceStatusPending})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestInvoiceStore_FindMatch 测试精确匹配与大小写归一
func TestInvoiceStore_FindMatch(t *testing.T) {
	s := NewInvoiceStore()
	require.NoError(t, s.Create(newTestInvoice("inv-1", testMerchant, "5000", time.Now())))

	// 大写地址也能命中
	got, err := s.FindMatch(model.TokenNative, testMerchant, "5000")
	require.NoError(t, err)
	assert.Equal(t, "inv-1", got.ID)

	// 金额不同不命中
	_, err = s.FindMatch(model.TokenNative, testMerchant, "5001")
	assert.ErrorIs(t, err, ErrNoMatchingInvoice)

	// token 不同不命中
	_, err = s.FindMatch("0x0000000000000000000000000000000000000099", testMerchant, "5000")
	assert.ErrorIs(t, err, ErrNoMatchingInvoice)
}

// TestInvoiceStore_FindMatch_OldestWins 测试同键多账单时最早创建者优先
func TestInvoiceStore_FindMatch_OldestWins(t *testing.T) {
	s := NewInvoiceStore()
	base := time.Now()
	require.NoError(t, s.Create(newTestInvoice("inv-old", testMerchant, "5000", base)))
	require.NoError(t, s.Create(newTestInvoice("inv-new", testMerchant, "5000", base.Add(time.Second))))

	got, err := s.FindMatch(model.TokenNative, testMerchant, "5000")
	require.NoError(t, err)
	assert.Equal(t, "inv-old", got.ID)

	// 最早的被支付后，匹配下一个
	_, err = s.MatchPayment(model.TokenNative, testMerchant, "5000", "0x01")
	require.NoError(t, err)

	got, err = s.FindMatch(model.TokenNative, testMerchant, "5000")
	require.NoError(t, err)
	assert.Equal(t, "inv-new", got.ID)
}

// TestInvoiceStore_MatchPayment 测试原子撮合
func TestInvoiceStore_MatchPayment(t *testing.T) {
	s := NewInvoiceStore()
	require.NoError(t, s.Create(newTestInvoice("inv-1", testMerchant, "5000", time.Now())))

	matched, err := s.MatchPayment(model.TokenNative, testMerchant, "5000", "0xdead")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPaid, matched.Status)
	assert.Equal(t, "0xdead", matched.TxHash)

	// 已支付账单不会再次命中
	_, err = s.MatchPayment(model.TokenNative, testMerchant, "5000", "0xdead2")
	assert.ErrorIs(t, err, ErrNoMatchingInvoice)
}

// TestInvoiceStore_MatchPayment_Concurrent 测试并发撮合不重复
func TestInvoiceStore_MatchPayment_Concurrent(t *testing.T) {
	s := NewInvoiceStore()
	require.NoError(t, s.Create(newTestInvoice("inv-1", testMerchant, "5000", time.Now())))

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan *model.Invoice, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if inv, err := s.MatchPayment(model.TokenNative, testMerchant, "5000", fmt.Sprintf("0x%02x", n)); err == nil {
				results <- inv
			}
		}(i)
	}
	wg.Wait()
	close(results)

	// 恰好一个 goroutine 撮合成功
	assert.Len(t, results, 1)
}

// TestInvoiceStore_ExpiredNotMatched 测试过期账单不参与匹配
func TestInvoiceStore_ExpiredNotMatched(t *testing.T) {
	s := NewInvoiceStore()
	inv := newTestInvoice("inv-1", testMerchant, "5000", time.Now().Add(-time.Hour))
	require.NoError(t, s.Create(inv))

	expired := s.ExpireOverdue(time.Now())
	require.Len(t, expired, 1)

	// 迟到的转账不再命中
	_, err := s.MatchPayment(model.TokenNative, testMerchant, "5000", "0xlate")
	assert.ErrorIs(t, err, ErrNoMatchingInvoice)

	got, err := s.GetByID("inv-1")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusExpired, got.Status)
	assert.Empty(t, got.TxHash)
}

// TestInvoiceStore_ExpireOverdue_Idempotent 测试过期扫描幂等
func TestInvoiceStore_ExpireOverdue_Idempotent(t *testing.T) {
	s := NewInvoiceStore()
	now := time.Now()

	require.NoError(t, s.Create(newTestInvoice("inv-overdue", testMerchant, "5000", now.Add(-time.Hour))))
	require.NoError(t, s.Create(newTestInvoice("inv-live", testMerchant, "6000", now)))

	// 已支付的账单不被过期
	require.NoError(t, s.Create(newTestInvoice("inv-paid", testMerchant, "7000", now.Add(-time.Hour))))
	_, err := s.Update("inv-paid", model.InvoiceUpdate{Status: model.InvoiceStatusPaid, TxHash: "0x01"})
	require.NoError(t, err)

	expired := s.ExpireOverdue(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "inv-overdue", expired[0].ID)
	assert.Equal(t, model.InvoiceStatusExpired, expired[0].Status)

	// 同一时刻再次扫描返回空
	assert.Empty(t, s.ExpireOverdue(now))

	// 未到期账单不受影响
	got, err := s.GetByID("inv-live")
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusUnpaid, got.Status)
}
