// Package app 提供 stablepay 服务的应用生命周期管理
//
// ## 服务职责
// stablepay 是区块链支付网关后端，负责:
// 1. 账单账本 (Store): 内存中的账单创建、查询和状态流转
// 2. 链上监听 (Watcher): 轮询扫描区块，撮合原生币和 ERC-20 支付
// 3. 事件推送 (Hub): 按订单号向 WebSocket 订阅者推送终态事件
// 4. 过期扫描 (Sweeper): 定时将超时未支付的账单置为 EXPIRED
//
// ## 检查点
// 配置了 checkpoint.path 时区块游标落盘到 SQLite，重启后续扫;
// 未配置时游标只在内存中，重启后从链头重新开始。
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stablepay/stablepay/internal/blockchain"
	"github.com/stablepay/stablepay/internal/config"
	"github.com/stablepay/stablepay/internal/handler"
	"github.com/stablepay/stablepay/internal/model"
	"github.com/stablepay/stablepay/internal/repository"
	"github.com/stablepay/stablepay/internal/router"
	"github.com/stablepay/stablepay/internal/store"
	"github.com/stablepay/stablepay/internal/sweeper"
	"github.com/stablepay/stablepay/internal/watcher"
	"github.com/stablepay/stablepay/internal/ws"
	"github.com/stablepay/stablepay/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db             *gorm.DB
	checkpointRepo repository.CheckpointRepository

	// 核心组件
	invoices *store.InvoiceStore
	client   *blockchain.Client
	hub      *ws.Hub
	watcher  *watcher.Watcher
	sweeper  *sweeper.Sweeper

	// HTTP
	httpServer *http.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:      cfg,
		invoices: store.NewInvoiceStore(),
		stopCh:   make(chan struct{}),
	}

	if err := app.initCheckpoint(); err != nil {
		return nil, fmt.Errorf("failed to init checkpoint store: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initComponents()
	app.initHTTP()

	return app, nil
}

// initCheckpoint 初始化检查点存储
func (a *App) initCheckpoint() error {
	if a.cfg.Checkpoint.Path == "" {
		a.checkpointRepo = repository.NewMemoryCheckpointRepository()
		logger.Info("using in-memory block checkpoint")
		return nil
	}

	db, err := gorm.Open(sqlite.Open(a.cfg.Checkpoint.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	if err := db.AutoMigrate(&model.BlockCheckpoint{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	a.db = db
	a.checkpointRepo = repository.NewCheckpointRepository(db)

	logger.Info("checkpoint database opened", zap.String("path", a.cfg.Checkpoint.Path))
	return nil
}

// initBlockchain 初始化区块链客户端
func (a *App) initBlockchain() error {
	rpcURLs := append([]string{a.cfg.Blockchain.RPCURL}, a.cfg.Blockchain.BackupRPCURLs...)

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         a.cfg.Blockchain.ChainID,
		RPCURLs:         rpcURLs,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}

	a.client = client

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.String("rpc_url", a.cfg.Blockchain.RPCURL))

	return nil
}

// initComponents 初始化核心组件
func (a *App) initComponents() {
	a.hub = ws.NewHub()

	a.watcher = watcher.New(
		a.client,
		a.invoices,
		a.checkpointRepo,
		a.hub,
		&watcher.Config{
			ChainID:            a.cfg.Blockchain.ChainID,
			PollInterval:       a.cfg.Blockchain.PollInterval(),
			ReconnectDelay:     a.cfg.Blockchain.ReconnectDelay(),
			CheckpointInterval: a.cfg.Checkpoint.Interval,
		},
	)

	a.sweeper = sweeper.New(a.invoices, a.hub, a.cfg.Invoice.SweepInterval())

	logger.Info("components initialized")
}

// initHTTP 初始化 HTTP 服务
func (a *App) initHTTP() {
	if a.cfg.Service.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	r := router.New(engine)
	r.RegisterMiddleware()
	r.RegisterRoutes(
		handler.NewHealthHandler(a.cfg.Service.Name),
		handler.NewInvoiceHandler(a.invoices, a.cfg.Invoice.Expiry()),
		ws.NewHandler(a.hub, a.cfg.WebSocket),
	)

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: engine,
	}
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go a.hub.Run()

	if err := a.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	if err := a.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	if a.watcher != nil && a.watcher.IsRunning() {
		if err := a.watcher.Stop(); err != nil {
			logger.Error("watcher stop error", zap.Error(err))
		}
	}

	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	if a.hub != nil {
		a.hub.Stop()
	}

	if a.client != nil {
		a.client.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
