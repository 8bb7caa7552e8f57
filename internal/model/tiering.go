// Package model 定义了与数据库表对应的 Go 结构体以及会话状态机。
package model

import "time"

// AccessRecord 是某个已入库对象的访问统计快照。
// 数据保存在 Redis 中（读写路径不能被统计阻塞），此结构体仅用于
// 调度器消费的快照视图。AccessCount 单调递增，仅在迁移完成后重置。
type AccessRecord struct {
	ObjectID     string      `json:"objectId"`
	Tier         StorageTier `json:"tier"`
	AccessCount  int64       `json:"accessCount"`
	LastAccessAt time.Time   `json:"lastAccessAt"`
}

// MigrationReason 说明一条迁移任务产生的原因。
type MigrationReason string

const (
	ReasonPromoteHot MigrationReason = "promote-hot" // 访问频率越过高水位，提升到热层
	ReasonDemoteCold MigrationReason = "demote-cold" // 长期未访问且访问量低，降级到冷层
	ReasonTTLExpire  MigrationReason = "ttl-expire"  // 层级驻留超时
	ReasonManual     MigrationReason = "manual"      // 管理员手动触发
)

// MigrationTask 是一条待执行的层级迁移任务。
// 任务是短命的：由调度器的评估产生，被搬运器消费一次，成功后丢弃，
// 失败时带退避重新入队，Attempts 记录已尝试次数。
type MigrationTask struct {
	ObjectID   string          `json:"objectId"`
	FromTier   StorageTier     `json:"fromTier"`
	ToTier     StorageTier     `json:"toTier"`
	Reason     MigrationReason `json:"reason"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}
