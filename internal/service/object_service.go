package service

import (
	"context"
	"fmt"
	"time"

	"mediapipeline-go/internal/model"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/pkg/log"
	"mediapipeline-go/pkg/storage"
)

// downloadURLExpiry 是预签名下载链接的有效期。
const downloadURLExpiry = 15 * time.Minute

// ObjectService 提供已入库对象的读取与删除。
// 读取总是跟随会话记录中的层级指针：迁移在指针翻转前对读方不可见。
type ObjectService interface {
	// DownloadURL 为对象生成预签名下载链接并记录一次访问。
	DownloadURL(ctx context.Context, objectID string, callerID uint, isAdmin bool) (string, error)

	// Delete 清除对象在所有层级的字节并把会话终结为 deleted。
	Delete(ctx context.Context, objectID string, callerID uint, isAdmin bool) error
}

type objectService struct {
	sessionRepo repository.SessionRepository
	tierStore   storage.TierStore
	tiering     TieringService
	indexer     SessionIndexer
}

// NewObjectService 创建一个新的 ObjectService 实例。
func NewObjectService(
	sessionRepo repository.SessionRepository,
	tierStore storage.TierStore,
	tiering TieringService,
	indexer SessionIndexer,
) ObjectService {
	return &objectService{
		sessionRepo: sessionRepo,
		tierStore:   tierStore,
		tiering:     tiering,
		indexer:     indexer,
	}
}

// authorize 校验调用方是对象所有者或管理员。
func (s *objectService) authorize(session *model.UploadSession, callerID uint, isAdmin bool) error {
	if !isAdmin && session.OwnerID != callerID {
		return repository.ErrNotFound // 不向非所有者泄露对象是否存在
	}
	return nil
}

// DownloadURL 从对象当前所在层级生成下载链接。
// 访问统计在链接签发后记录，统计失败不影响下载。
func (s *objectService) DownloadURL(ctx context.Context, objectID string, callerID uint, isAdmin bool) (string, error) {
	session, err := s.sessionRepo.GetByID(objectID)
	if err != nil {
		return "", err
	}
	if err := s.authorize(session, callerID, isAdmin); err != nil {
		return "", err
	}
	if session.Status != model.StatusStored {
		return "", fmt.Errorf("对象 %s 处于 %s，不可下载", objectID, session.Status)
	}

	url, err := s.tierStore.PresignedGetURL(ctx, session.StorageTier, objectID, downloadURLExpiry)
	if err != nil {
		return "", err
	}

	s.tiering.RecordAccess(ctx, objectID, session.StorageTier)
	return url, nil
}

// Delete 先清字节再终结会话，顺序保证失败时对象仍可见、可重试。
func (s *objectService) Delete(ctx context.Context, objectID string, callerID uint, isAdmin bool) error {
	session, err := s.sessionRepo.GetByID(objectID)
	if err != nil {
		return err
	}
	if err := s.authorize(session, callerID, isAdmin); err != nil {
		return err
	}
	if session.Status != model.StatusStored {
		return fmt.Errorf("对象 %s 处于 %s，不可删除", objectID, session.Status)
	}

	if err := s.tierStore.PurgeAllTiers(ctx, objectID); err != nil {
		log.Errorf("[Delete] 清除对象字节失败: object=%s, error: %v", objectID, err)
		return err
	}
	if _, err := s.sessionRepo.SetStatus(objectID, model.StatusDeleted); err != nil {
		return err
	}

	s.tiering.Forget(ctx, objectID)
	s.indexer.RemoveFromIndex(ctx, objectID)
	log.Infof("[Delete] 对象已删除: object=%s, caller=%d", objectID, callerID)
	return nil
}
