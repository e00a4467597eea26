// Package router 提供路由注册
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stablepay/stablepay/internal/handler"
	"github.com/stablepay/stablepay/internal/middleware"
	"github.com/stablepay/stablepay/internal/ws"
)

// Router 路由管理器
type Router struct {
	engine *gin.Engine
}

// New 创建路由管理器
func New(engine *gin.Engine) *Router {
	return &Router{engine: engine}
}

// Engine 返回底层 gin 引擎
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// RegisterMiddleware 注册全局中间件
func (r *Router) RegisterMiddleware() {
	// 中间件链: Recovery → Logger → CORS
	r.engine.Use(
		middleware.Recovery(),
		middleware.Logger(),
		middleware.CORS(),
	)
}

// RegisterRoutes 注册路由
func (r *Router) RegisterRoutes(
	healthHandler *handler.HealthHandler,
	invoiceHandler *handler.InvoiceHandler,
	wsHandler *ws.Handler,
) {
	// ========== 健康检查 ==========
	r.engine.GET("/health", healthHandler.Health)

	// ========== Prometheus 监控端点 ==========
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ========== 账单 ==========
	r.engine.POST("/invoices", invoiceHandler.CreateInvoice)
	r.engine.GET("/invoices", invoiceHandler.ListInvoices)
	r.engine.GET("/invoices/:id", invoiceHandler.GetInvoice)

	// ========== WebSocket ==========
	r.engine.GET("/ws", wsHandler.HandleConnection)
}
