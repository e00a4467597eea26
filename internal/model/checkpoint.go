package model

// BlockCheckpoint 区块游标检查点
// 持久化最近一次处理完成的区块高度，重启后从 block_number+1 继续扫描。
type BlockCheckpoint struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID     int64  `gorm:"column:chain_id;type:int;uniqueIndex;not null" json:"chain_id"`
	BlockNumber int64  `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	BlockHash   string `gorm:"column:block_hash;type:varchar(66);not null" json:"block_hash"`
	ProcessedAt int64  `gorm:"column:processed_at;type:bigint;not null" json:"processed_at"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt   int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (BlockCheckpoint) TableName() string {
	return "block_checkpoints"
}
