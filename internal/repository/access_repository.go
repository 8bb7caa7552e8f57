// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"mediapipeline-go/internal/model"
)

// AccessRepository 接口定义了对象访问统计的存储操作。
// 统计保存在 Redis 中：读写路径只做一次 HIncrBy/HSet，
// 快照遍历不阻塞并发的计数更新（读到的是最终一致视图）。
type AccessRepository interface {
	// RecordAccess 自增访问计数并刷新最近访问时间，返回新的计数值。
	RecordAccess(ctx context.Context, objectID string, tier model.StorageTier) (int64, error)
	// Snapshot 返回所有对象的访问统计快照。
	Snapshot(ctx context.Context) ([]model.AccessRecord, error)
	// ResetCount 在迁移完成后重置计数并写入新层级。计数只能由迁移重置。
	ResetCount(ctx context.Context, objectID string, newTier model.StorageTier) error
	// Remove 删除对象的统计记录（对象被清除时调用）。
	Remove(ctx context.Context, objectID string) error

	// 卡死迁移报告：重试耗尽的对象记录在案，供管理端查询。
	MarkStuck(ctx context.Context, objectID string, reason string) error
	ListStuck(ctx context.Context) (map[string]string, error)
	ClearStuck(ctx context.Context, objectID string) error
}

// accessRepository 是 AccessRepository 接口的 Redis 实现。
type accessRepository struct {
	redisClient *redis.Client
}

// NewAccessRepository 创建一个新的 AccessRepository 实例。
func NewAccessRepository(redisClient *redis.Client) AccessRepository {
	return &accessRepository{redisClient: redisClient}
}

const (
	accessRegistryKey = "access:objects"   // 所有被统计对象的注册集合
	stuckReportKey    = "migration:stuck"  // objectID -> 卡死原因
)

// getAccessKey 生成对象访问统计的 Redis 键。
func (r *accessRepository) getAccessKey(objectID string) string {
	return "access:obj:" + objectID
}

// RecordAccess 记录一次访问。三个写操作间不要求原子，
// 统计是建议性数据，权威状态始终在 Session Store。
func (r *accessRepository) RecordAccess(ctx context.Context, objectID string, tier model.StorageTier) (int64, error) {
	key := r.getAccessKey(objectID)
	count, err := r.redisClient.HIncrBy(ctx, key, "access_count", 1).Result()
	if err != nil {
		return 0, err
	}
	if err := r.redisClient.HSet(ctx, key,
		"tier", string(tier),
		"last_access_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return count, err
	}
	if err := r.redisClient.SAdd(ctx, accessRegistryKey, objectID).Err(); err != nil {
		return count, err
	}
	return count, nil
}

// Snapshot 遍历注册集合并读取每个对象的统计。
// 遍历期间的并发更新可能读到新旧混合的值，这是可接受的。
func (r *accessRepository) Snapshot(ctx context.Context) ([]model.AccessRecord, error) {
	objectIDs, err := r.redisClient.SMembers(ctx, accessRegistryKey).Result()
	if err != nil {
		return nil, err
	}

	records := make([]model.AccessRecord, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		fields, err := r.redisClient.HGetAll(ctx, r.getAccessKey(objectID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		count, _ := strconv.ParseInt(fields["access_count"], 10, 64)
		lastAccess, _ := time.Parse(time.RFC3339Nano, fields["last_access_at"])
		records = append(records, model.AccessRecord{
			ObjectID:     objectID,
			Tier:         model.StorageTier(fields["tier"]),
			AccessCount:  count,
			LastAccessAt: lastAccess,
		})
	}
	return records, nil
}

// ResetCount 迁移完成后将计数清零并写入新层级。
func (r *accessRepository) ResetCount(ctx context.Context, objectID string, newTier model.StorageTier) error {
	key := r.getAccessKey(objectID)
	return r.redisClient.HSet(ctx, key,
		"access_count", 0,
		"tier", string(newTier),
	).Err()
}

// Remove 删除对象的统计记录并将其移出注册集合。
func (r *accessRepository) Remove(ctx context.Context, objectID string) error {
	if err := r.redisClient.Del(ctx, r.getAccessKey(objectID)).Err(); err != nil {
		return err
	}
	return r.redisClient.SRem(ctx, accessRegistryKey, objectID).Err()
}

// MarkStuck 记录一个迁移重试耗尽的对象。
func (r *accessRepository) MarkStuck(ctx context.Context, objectID string, reason string) error {
	return r.redisClient.HSet(ctx, stuckReportKey, objectID, reason).Err()
}

// ListStuck 返回所有卡死迁移的对象及原因。
func (r *accessRepository) ListStuck(ctx context.Context) (map[string]string, error) {
	return r.redisClient.HGetAll(ctx, stuckReportKey).Result()
}

// ClearStuck 将对象移出卡死报告（例如后续迁移成功时）。
func (r *accessRepository) ClearStuck(ctx context.Context, objectID string) error {
	return r.redisClient.HDel(ctx, stuckReportKey, objectID).Err()
}
