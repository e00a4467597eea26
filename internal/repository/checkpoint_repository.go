package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stablepay/stablepay/internal/model"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointRepository 区块检查点仓储接口
type CheckpointRepository interface {
	GetByChainID(ctx context.Context, chainID int64) (*model.BlockCheckpoint, error)
	Upsert(ctx context.Context, checkpoint *model.BlockCheckpoint) error
}

// checkpointRepository 基于 SQLite 的检查点仓储实现
type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建检查点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *checkpointRepository) GetByChainID(ctx context.Context, chainID int64) (*model.BlockCheckpoint, error) {
	var checkpoint model.BlockCheckpoint
	err := r.DB(ctx).Where("chain_id = ?", chainID).First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Upsert(ctx context.Context, checkpoint *model.BlockCheckpoint) error {
	now := time.Now().UnixMilli()
	checkpoint.ProcessedAt = now
	checkpoint.UpdatedAt = now
	if checkpoint.CreatedAt == 0 {
		checkpoint.CreatedAt = now
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "block_hash", "processed_at", "updated_at"}),
	}).Create(checkpoint).Error
}

// memoryCheckpointRepository 内存检查点仓储
// 未配置检查点数据库时使用，重启后游标丢失，监听从链上最新高度重新开始。
type memoryCheckpointRepository struct {
	mu          sync.RWMutex
	checkpoints map[int64]*model.BlockCheckpoint
}

// NewMemoryCheckpointRepository 创建内存检查点仓储
func NewMemoryCheckpointRepository() CheckpointRepository {
	return &memoryCheckpointRepository{
		checkpoints: make(map[int64]*model.BlockCheckpoint),
	}
}

func (r *memoryCheckpointRepository) GetByChainID(_ context.Context, chainID int64) (*model.BlockCheckpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checkpoint, ok := r.checkpoints[chainID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	c := *checkpoint
	return &c, nil
}

func (r *memoryCheckpointRepository) Upsert(_ context.Context, checkpoint *model.BlockCheckpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	c := *checkpoint
	c.ProcessedAt = now
	c.UpdatedAt = now
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	r.checkpoints[c.ChainID] = &c
	return nil
}
