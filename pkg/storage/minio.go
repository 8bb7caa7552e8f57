// Package storage 提供了分层对象存储（MinIO）的访问功能。
// 每个存储层级对应一个独立的 bucket，层级之间只有延迟/成本差异，语义一致。
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/internal/model"
	"mediapipeline-go/pkg/log"
)

// ErrObjectNotFound 表示指定层级中不存在该对象。
var ErrObjectNotFound = errors.New("object not found in tier")

// MinioClient 是一个全局的 MinIO 客户端实例。
var MinioClient *minio.Client

// TierStore 定义了统一的分层存储契约。
// 上传中的分片与待审内容写入 staging，审核通过后进入 hot 层，
// 迁移通过 Copy + Delete 完成，可见性切换由调用方的指针翻转决定。
type TierStore interface {
	// 分片暂存与合并
	PutChunk(ctx context.Context, sessionID string, offset int64, reader io.Reader, size int64) (string, error)
	ComposeParts(ctx context.Context, sessionID string, partPaths []string) (checksum string, err error)
	RemoveStaging(ctx context.Context, sessionID string)

	// 各层级统一的 put/get/delete/copy 契约
	Put(ctx context.Context, tier model.StorageTier, objectID string, reader io.Reader, size int64) error
	Get(ctx context.Context, tier model.StorageTier, objectID string) (io.ReadCloser, error)
	Delete(ctx context.Context, tier model.StorageTier, objectID string) error
	Copy(ctx context.Context, objectID string, fromTier, toTier model.StorageTier) error

	// 入库与清理
	StoreFromStaging(ctx context.Context, sessionID string) error
	PurgeAllTiers(ctx context.Context, objectID string) error

	// 下载链接
	PresignedGetURL(ctx context.Context, tier model.StorageTier, objectID string, expiry time.Duration) (string, error)
}

// minioTierStore 是 TierStore 的 MinIO 实现。
type minioTierStore struct {
	cfg     config.MinIOConfig
	buckets map[model.StorageTier]string
}

// InitMinIO 初始化 MinIO 客户端并确保各层级的存储桶存在。
func InitMinIO(cfg config.MinIOConfig) {
	var err error
	MinioClient, err = minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		log.Fatal("初始化 MinIO 客户端失败", err)
	}
	log.Info("MinIO 客户端初始化成功")

	ctx := context.Background()
	for _, bucket := range []string{cfg.StagingBucket, cfg.HotBucket, cfg.WarmBucket, cfg.ColdBucket} {
		exists, err := MinioClient.BucketExists(ctx, bucket)
		if err != nil {
			log.Fatal("检查 MinIO 存储桶失败", err)
		}
		if !exists {
			log.Infof("存储桶 '%s' 不存在，正在创建...", bucket)
			if err := MinioClient.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				log.Fatal("创建 MinIO 存储桶失败", err)
			}
		}
	}
}

// NewTierStore 创建一个以 MinIO 为后端的 TierStore。
func NewTierStore(cfg config.MinIOConfig) TierStore {
	return &minioTierStore{
		cfg: cfg,
		buckets: map[model.StorageTier]string{
			model.TierHot:  cfg.HotBucket,
			model.TierWarm: cfg.WarmBucket,
			model.TierCold: cfg.ColdBucket,
		},
	}
}

// bucketFor 返回层级对应的 bucket 名称。
func (s *minioTierStore) bucketFor(tier model.StorageTier) (string, error) {
	bucket, ok := s.buckets[tier]
	if !ok {
		return "", fmt.Errorf("层级 '%s' 没有对应的存储桶", tier)
	}
	return bucket, nil
}

// isNoSuchKey 判断 MinIO 错误是否为对象不存在。
func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject"
}

// stagingChunkPrefix 返回会话分片在 staging 桶中的公共前缀。
func stagingChunkPrefix(sessionID string) string {
	return fmt.Sprintf("chunks/%s/", sessionID)
}

// stagingChunkPath 返回分片在 staging 桶中的对象路径。
// 路径带一次性随机后缀：同一偏移的并发写入者各自写到不同的对象，
// 偏移比较交换的输家不可能覆盖赢家已记录的分片字节。
func stagingChunkPath(sessionID string, offset int64) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("生成分片路径失败: %w", err)
	}
	return fmt.Sprintf("%s%d-%s", stagingChunkPrefix(sessionID), offset, hex.EncodeToString(nonce)), nil
}

// PutChunk 将一个分片写入 staging 桶，返回其存储路径。
// 每次调用的路径都是唯一的，调用方在赢得偏移更新后记录自己的路径。
func (s *minioTierStore) PutChunk(ctx context.Context, sessionID string, offset int64, reader io.Reader, size int64) (string, error) {
	objectName, err := stagingChunkPath(sessionID, offset)
	if err != nil {
		return "", err
	}
	if _, err := MinioClient.PutObject(ctx, s.cfg.StagingBucket, objectName, reader, size, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("写入分片到 staging 失败: %w", err)
	}
	return objectName, nil
}

// ComposeParts 按偏移顺序将分片合并为 staging 桶中的完整对象，
// 返回合并结果的 ETag 作为内容校验和。
func (s *minioTierStore) ComposeParts(ctx context.Context, sessionID string, partPaths []string) (string, error) {
	dst := minio.CopyDestOptions{
		Bucket: s.cfg.StagingBucket,
		Object: sessionID,
	}

	if len(partPaths) == 1 {
		// 单分片直接复制
		src := minio.CopySrcOptions{Bucket: s.cfg.StagingBucket, Object: partPaths[0]}
		info, err := MinioClient.CopyObject(ctx, dst, src)
		if err != nil {
			return "", fmt.Errorf("单分片对象复制失败: %w", err)
		}
		return info.ETag, nil
	}

	srcs := make([]minio.CopySrcOptions, 0, len(partPaths))
	for _, path := range partPaths {
		srcs = append(srcs, minio.CopySrcOptions{Bucket: s.cfg.StagingBucket, Object: path})
	}
	info, err := MinioClient.ComposeObject(ctx, dst, srcs...)
	if err != nil {
		return "", fmt.Errorf("多分片对象合并失败: %w", err)
	}
	return info.ETag, nil
}

// RemoveStaging 清理会话在 staging 桶中的分片与合并对象。
// 按前缀列举而不是按记录的路径删除，偏移竞争输家遗留的未记录分片
// 也会被一并清掉。清理失败只记录日志，不阻塞调用路径。
func (s *minioTierStore) RemoveStaging(ctx context.Context, sessionID string) {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		listing := MinioClient.ListObjects(ctx, s.cfg.StagingBucket, minio.ListObjectsOptions{
			Prefix:    stagingChunkPrefix(sessionID),
			Recursive: true,
		})
		for obj := range listing {
			if obj.Err != nil {
				log.Warnf("列举 staging 分片失败: session=%s, error: %v", sessionID, obj.Err)
				continue
			}
			objectsCh <- minio.ObjectInfo{Key: obj.Key}
		}
		objectsCh <- minio.ObjectInfo{Key: sessionID}
	}()
	for result := range MinioClient.RemoveObjects(ctx, s.cfg.StagingBucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			log.Warnf("清理 staging 对象失败: %s, error: %v", result.ObjectName, result.Err)
		}
	}
}

// Put 将对象写入指定层级。
func (s *minioTierStore) Put(ctx context.Context, tier model.StorageTier, objectID string, reader io.Reader, size int64) error {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return err
	}
	if _, err := MinioClient.PutObject(ctx, bucket, objectID, reader, size, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("写入对象到层级 '%s' 失败: %w", tier, err)
	}
	return nil
}

// Get 从指定层级读取对象。
func (s *minioTierStore) Get(ctx context.Context, tier model.StorageTier, objectID string) (io.ReadCloser, error) {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return nil, err
	}
	obj, err := MinioClient.GetObject(ctx, bucket, objectID, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject 是懒加载的，Stat 确认对象确实存在
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return obj, nil
}

// Delete 从指定层级删除对象。
func (s *minioTierStore) Delete(ctx context.Context, tier model.StorageTier, objectID string) error {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return err
	}
	if err := MinioClient.RemoveObject(ctx, bucket, objectID, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrObjectNotFound
		}
		return err
	}
	return nil
}

// Copy 在两个层级之间复制对象。复制完成前目标层级不可见，
// 可见性切换由 Session Store 的层级指针翻转决定。
func (s *minioTierStore) Copy(ctx context.Context, objectID string, fromTier, toTier model.StorageTier) error {
	srcBucket, err := s.bucketFor(fromTier)
	if err != nil {
		return err
	}
	dstBucket, err := s.bucketFor(toTier)
	if err != nil {
		return err
	}
	src := minio.CopySrcOptions{Bucket: srcBucket, Object: objectID}
	dst := minio.CopyDestOptions{Bucket: dstBucket, Object: objectID}
	if _, err := MinioClient.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("对象 %s 从 '%s' 复制到 '%s' 失败: %w", objectID, fromTier, toTier, err)
	}
	return nil
}

// StoreFromStaging 将审核通过的合并对象从 staging 复制到 hot 层。
func (s *minioTierStore) StoreFromStaging(ctx context.Context, sessionID string) error {
	src := minio.CopySrcOptions{Bucket: s.cfg.StagingBucket, Object: sessionID}
	dst := minio.CopyDestOptions{Bucket: s.cfg.HotBucket, Object: sessionID}
	if _, err := MinioClient.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("对象 %s 入库 hot 层失败: %w", sessionID, err)
	}
	return nil
}

// PurgeAllTiers 从所有层级删除对象，用于审核拒绝与手动删除。
// 对象通常只存在于一个层级中，不存在的层级跳过。
func (s *minioTierStore) PurgeAllTiers(ctx context.Context, objectID string) error {
	var errs []error
	for tier, bucket := range s.buckets {
		err := MinioClient.RemoveObject(ctx, bucket, objectID, minio.RemoveObjectOptions{})
		if err != nil && !isNoSuchKey(err) {
			errs = append(errs, fmt.Errorf("层级 '%s': %w", tier, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("清除对象 %s 部分失败: %v", objectID, errors.Join(errs...))
	}
	return nil
}

// PresignedGetURL 为指定层级中的对象生成预签名下载链接。
func (s *minioTierStore) PresignedGetURL(ctx context.Context, tier model.StorageTier, objectID string, expiry time.Duration) (string, error) {
	bucket, err := s.bucketFor(tier)
	if err != nil {
		return "", err
	}
	presignedURL, err := MinioClient.PresignedGetObject(ctx, bucket, objectID, expiry, nil)
	if err != nil {
		log.Errorf("生成预签名链接失败: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}
