// ========================================
// Watcher 链上支付监听服务
// ========================================
//
// ## 功能概述
// Watcher 轮询扫描新区块，检测发给商户地址的转账并与待支付账单撮合。
// 支持两类支付:
// - 原生币转账: 扫描区块内全部交易，按 (收款地址, 金额) 匹配
// - ERC-20 转账: 过滤 Transfer(address,address,uint256) 日志，
//   按 (合约地址, 收款地址, 金额) 匹配
//
// ## 撮合语义
// 金额按最小单位 (wei) 精确匹配，撮合由 InvoiceStore.MatchPayment
// 在单个临界区内完成查找和置为 PAID，同一笔转账只会命中一张账单。
//
// ## 检查点机制
// - 每 checkpointInterval 个区块保存一次检查点
// - 重启后从检查点的下一个区块继续扫描
// - 无检查点时从当前链头开始 (不回扫历史区块)
//
// ## 重连机制
// 启动时无法连接节点不视为致命错误，reconnectDelay 后自动重试，
// 服务其余部分 (HTTP / WebSocket) 正常运行。
//
// ========================================
package watcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stablepay/stablepay/internal/metrics"
	"github.com/stablepay/stablepay/internal/model"
	"github.com/stablepay/stablepay/internal/repository"
	"github.com/stablepay/stablepay/internal/store"
	"github.com/stablepay/stablepay/pkg/logger"
)

var (
	ErrWatcherAlreadyRunning = errors.New("watcher already running")
	ErrWatcherNotRunning     = errors.New("watcher not running")
)

// transferEventTopic Transfer(address,address,uint256) 事件签名
var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainClient 链访问接口
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetBlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// Notifier 支付事件通知接口
type Notifier interface {
	Broadcast(event *model.PaymentEvent)
}

// Watcher 链上支付监听服务
type Watcher struct {
	client         ChainClient
	invoices       *store.InvoiceStore
	checkpointRepo repository.CheckpointRepository
	notifier       Notifier

	// 配置
	chainID            int64
	pollInterval       time.Duration
	reconnectDelay     time.Duration
	checkpointInterval int64 // 每多少个区块保存检查点

	// 运行状态
	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	currentBlock uint64
}

// Config 配置
type Config struct {
	ChainID            int64
	PollInterval       time.Duration
	ReconnectDelay     time.Duration
	CheckpointInterval int64
}

// New 创建监听服务
func New(
	client ChainClient,
	invoices *store.InvoiceStore,
	checkpointRepo repository.CheckpointRepository,
	notifier Notifier,
	cfg *Config,
) *Watcher {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = 5 * time.Second
	}

	checkpointInterval := cfg.CheckpointInterval
	if checkpointInterval == 0 {
		checkpointInterval = 1
	}

	return &Watcher{
		client:             client,
		invoices:           invoices,
		checkpointRepo:     checkpointRepo,
		notifier:           notifier,
		chainID:            cfg.ChainID,
		pollInterval:       pollInterval,
		reconnectDelay:     reconnectDelay,
		checkpointInterval: checkpointInterval,
	}
}

// Start 启动监听服务
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatcherAlreadyRunning
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	go w.connect(ctx)

	return nil
}

// Stop 停止监听服务
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return ErrWatcherNotRunning
	}

	close(w.stopCh)
	w.running = false

	logger.Info("watcher stopped", zap.Int64("chain_id", w.chainID))

	return nil
}

// IsRunning 检查是否运行中
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// CurrentBlock 获取当前处理的区块
func (w *Watcher) CurrentBlock() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentBlock
}

// connect 解析起始区块并进入主循环，失败后延迟重试
func (w *Watcher) connect(ctx context.Context) {
	startBlock, err := w.resolveStartBlock(ctx)
	if err != nil {
		logger.Error("failed to connect to chain, will retry",
			zap.Int64("chain_id", w.chainID),
			zap.Duration("retry_in", w.reconnectDelay),
			zap.Error(err))

		w.mu.RLock()
		stopCh := w.stopCh
		w.mu.RUnlock()

		select {
		case <-stopCh:
		case <-ctx.Done():
		case <-time.After(w.reconnectDelay):
			w.connect(ctx)
		}
		return
	}

	logger.Info("watcher started",
		zap.Int64("chain_id", w.chainID),
		zap.Uint64("start_block", startBlock))

	w.runLoop(ctx, startBlock)
}

// resolveStartBlock 获取起始区块
func (w *Watcher) resolveStartBlock(ctx context.Context) (uint64, error) {
	checkpoint, err := w.checkpointRepo.GetByChainID(ctx, w.chainID)
	if err == nil {
		return uint64(checkpoint.BlockNumber + 1), nil
	}

	if errors.Is(err, repository.ErrCheckpointNotFound) {
		// 从当前链头开始
		return w.client.BlockNumber(ctx)
	}

	return 0, err
}

// runLoop 主循环
func (w *Watcher) runLoop(ctx context.Context, startBlock uint64) {
	currentBlock := startBlock
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.mu.RLock()
	stopCh := w.stopCh
	w.mu.RUnlock()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			latestBlock, err := w.client.BlockNumber(ctx)
			if err != nil {
				logger.Error("failed to get latest block", zap.Error(err))
				continue
			}

			if latestBlock >= currentBlock {
				metrics.WatcherBlockLag.Set(float64(latestBlock - currentBlock))
			}

			// 依次处理所有新区块，失败的区块下个周期重试
			for currentBlock <= latestBlock {
				select {
				case <-stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}

				if err := w.processBlock(ctx, currentBlock); err != nil {
					logger.Error("failed to process block",
						zap.Uint64("block", currentBlock),
						zap.Error(err))
					metrics.BlockProcessErrorsTotal.Inc()
					break
				}

				w.mu.Lock()
				w.currentBlock = currentBlock
				w.mu.Unlock()

				metrics.BlocksProcessedTotal.Inc()

				// 定期保存检查点
				if currentBlock%uint64(w.checkpointInterval) == 0 {
					w.saveCheckpoint(ctx, currentBlock)
				}

				currentBlock++
			}
		}
	}
}

// processBlock 处理单个区块
func (w *Watcher) processBlock(ctx context.Context, blockNumber uint64) error {
	block, err := w.client.GetBlockByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return err
	}

	// 原生币转账: 遍历区块内交易
	for _, tx := range block.Transactions() {
		// 跳过合约创建和零值交易
		if tx.To() == nil || tx.Value().Sign() <= 0 {
			continue
		}

		w.matchPayment(model.TokenNative, tx.To().Hex(), tx.Value(), tx.Hash().Hex())
	}

	// ERC-20 转账: 过滤 Transfer 日志
	return w.processTransferLogs(ctx, blockNumber)
}

// processTransferLogs 处理区块内的 ERC-20 Transfer 日志
func (w *Watcher) processTransferLogs(ctx context.Context, blockNumber uint64) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(blockNumber),
		ToBlock:   new(big.Int).SetUint64(blockNumber),
		Topics:    [][]common.Hash{{transferEventTopic}},
	}

	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return err
	}

	for _, log := range logs {
		// Transfer(address indexed from, address indexed to, uint256 value)
		if len(log.Topics) < 3 || len(log.Data) < 32 {
			continue
		}

		recipient := common.HexToAddress(log.Topics[2].Hex()).Hex()
		value := new(big.Int).SetBytes(log.Data[:32])
		if value.Sign() <= 0 {
			continue
		}

		w.matchPayment(log.Address.Hex(), recipient, value, log.TxHash.Hex())
	}

	return nil
}

// matchPayment 尝试将一笔转账与待支付账单撮合并广播结果
func (w *Watcher) matchPayment(tokenAddress, toAddress string, amount *big.Int, txHash string) {
	invoice, err := w.invoices.MatchPayment(tokenAddress, toAddress, amount.String(), txHash)
	if err != nil {
		if errors.Is(err, store.ErrNoMatchingInvoice) {
			return
		}
		logger.Error("failed to match payment",
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return
	}

	tokenType := "erc20"
	if tokenAddress == model.TokenNative {
		tokenType = "native"
	}
	metrics.PaymentsMatchedTotal.WithLabelValues(tokenType).Inc()

	logger.Info("payment matched",
		zap.String("invoice_id", invoice.ID),
		zap.String("order_id", invoice.OrderID),
		zap.String("token", tokenAddress),
		zap.String("to", toAddress),
		zap.String("amount", decimal.NewFromBigInt(amount, -18).String()),
		zap.String("tx_hash", txHash))

	if w.notifier != nil {
		w.notifier.Broadcast(&model.PaymentEvent{
			Type:    model.InvoiceStatusPaid,
			OrderID: invoice.OrderID,
			TxHash:  txHash,
		})
	}
}

// saveCheckpoint 保存检查点
func (w *Watcher) saveCheckpoint(ctx context.Context, blockNumber uint64) {
	block, err := w.client.GetBlockByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		logger.Error("failed to get block for checkpoint", zap.Error(err))
		return
	}

	checkpoint := &model.BlockCheckpoint{
		ChainID:     w.chainID,
		BlockNumber: int64(blockNumber),
		BlockHash:   block.Hash().Hex(),
		ProcessedAt: time.Now().UnixMilli(),
	}

	if err := w.checkpointRepo.Upsert(ctx, checkpoint); err != nil {
		logger.Error("failed to save checkpoint", zap.Error(err))
		return
	}

	logger.Debug("checkpoint saved",
		zap.Int64("chain_id", w.chainID),
		zap.Uint64("block", blockNumber))
}

// Status 监听器状态
type Status struct {
	ChainID      int64  `json:"chain_id"`
	Running      bool   `json:"running"`
	CurrentBlock uint64 `json:"current_block"`
	LatestBlock  uint64 `json:"latest_block"`
	LagBlocks    int64  `json:"lag_blocks"`
}

// GetStatus 获取监听器状态
func (w *Watcher) GetStatus(ctx context.Context) (*Status, error) {
	latestBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	currentBlock := w.CurrentBlock()
	lag := int64(latestBlock) - int64(currentBlock)
	if lag < 0 {
		lag = 0
	}

	return &Status{
		ChainID:      w.chainID,
		Running:      w.IsRunning(),
		CurrentBlock: currentBlock,
		LatestBlock:  latestBlock,
		LagBlocks:    lag,
	}, nil
}
