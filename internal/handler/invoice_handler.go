package handler

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stablepay/stablepay/internal/metrics"
	"github.com/stablepay/stablepay/internal/model"
	"github.com/stablepay/stablepay/internal/store"
	"github.com/stablepay/stablepay/pkg/logger"
)

var (
	addressRegexp = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// 金额为最小单位的正整数，不允许前导零
	amountRegexp = regexp.MustCompile(`^[1-9][0-9]*$`)
)

// CreateInvoiceRequest 创建账单请求
type CreateInvoiceRequest struct {
	MerchantAddress string `json:"merchantAddress"`
	TokenAddress    string `json:"tokenAddress"`
	Amount          string `json:"amount"`
}

// InvoiceHandler 账单处理器
type InvoiceHandler struct {
	invoices *store.InvoiceStore
	expiry   time.Duration
}

// NewInvoiceHandler 创建账单处理器
func NewInvoiceHandler(invoices *store.InvoiceStore, expiry time.Duration) *InvoiceHandler {
	if expiry == 0 {
		expiry = 15 * time.Minute
	}

	return &InvoiceHandler{
		invoices: invoices,
		expiry:   expiry,
	}
}

// CreateInvoice 创建账单
// POST /invoices
func (h *InvoiceHandler) CreateInvoice(c *gin.Context) {
	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request body")
		return
	}

	if !addressRegexp.MatchString(req.MerchantAddress) {
		BadRequest(c, "invalid merchant address")
		return
	}

	if !amountRegexp.MatchString(req.Amount) {
		BadRequest(c, "amount must be a positive integer string")
		return
	}

	tokenAddress := req.TokenAddress
	if tokenAddress == "" {
		tokenAddress = model.TokenNative
	}
	if tokenAddress != model.TokenNative && !addressRegexp.MatchString(tokenAddress) {
		BadRequest(c, "invalid token address")
		return
	}

	now := time.Now()
	invoice := &model.Invoice{
		ID:              uuid.New().String(),
		OrderID:         uuid.New().String(),
		MerchantAddress: strings.ToLower(req.MerchantAddress),
		TokenAddress:    strings.ToLower(tokenAddress),
		Amount:          req.Amount,
		Status:          model.InvoiceStatusUnpaid,
		CreatedAt:       now,
		ExpiresAt:       now.Add(h.expiry),
	}

	if err := h.invoices.Create(invoice); err != nil {
		logger.Error("failed to create invoice", zap.Error(err))
		InternalError(c)
		return
	}

	metrics.InvoicesCreatedTotal.Inc()

	logger.Info("invoice created",
		zap.String("invoice_id", invoice.ID),
		zap.String("order_id", invoice.OrderID),
		zap.String("merchant", invoice.MerchantAddress),
		zap.String("token", invoice.TokenAddress),
		zap.String("amount", invoice.Amount))

	c.JSON(http.StatusCreated, invoice)
}

// GetInvoice 查询账单，优先按 orderId 再按 id
// GET /invoices/:id
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	id := c.Param("id")

	invoice, err := h.invoices.GetByOrderID(id)
	if errors.Is(err, store.ErrInvoiceNotFound) {
		invoice, err = h.invoices.GetByID(id)
	}
	if err != nil {
		NotFound(c, "invoice not found")
		return
	}

	c.JSON(http.StatusOK, invoice)
}

// ListInvoices 列出全部账单
// GET /invoices
func (h *InvoiceHandler) ListInvoices(c *gin.Context) {
	c.JSON(http.StatusOK, h.invoices.ListAll())
}
