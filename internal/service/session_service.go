// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"mediapipeline-go/internal/model"
	"mediapipeline-go/internal/progress"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/pkg/log"
	"mediapipeline-go/pkg/storage"
	"mediapipeline-go/pkg/tasks"
	"mediapipeline-go/pkg/token"
)

// ModerationDispatcher 定义了会话完成后提交审核任务的出口。
// 具体实现负责投递到审核队列并通知审核服务。
type ModerationDispatcher interface {
	Dispatch(ctx context.Context, task tasks.ModerationTask) error
}

// SessionIndexer 定义了已入库会话的检索索引出口。
// 索引失败不影响主流程，实现只需记录日志。
type SessionIndexer interface {
	IndexStored(ctx context.Context, session *model.UploadSession) error
	RemoveFromIndex(ctx context.Context, sessionID string)
}

// SessionService 接口定义了可恢复上传协议的业务操作。
// 它实现了会话状态机：created → uploading → completed → moderating →
// {approved, rejected} → {stored, deleted}，任意非终态可进入 error。
type SessionService interface {
	Create(ctx context.Context, ownerID uint, fileName string, totalSize int64, metadata map[string]string) (*model.UploadSession, error)
	AppendChunk(ctx context.Context, sessionID string, suppliedOffset int64, reader io.Reader, size int64) (*model.UploadSession, error)
	Status(ctx context.Context, sessionID string) (*model.UploadSession, error)
	ListByOwner(ctx context.Context, ownerID uint) ([]model.UploadSession, error)

	// Process 消费审核结论。结论队列是 at-least-once 的，
	// 对非 moderating 状态会话的结论一律忽略而不是报错。
	Process(ctx context.Context, verdict tasks.ModerationVerdict) error
}

type sessionService struct {
	sessionRepo repository.SessionRepository
	tierStore   storage.TierStore
	hub         *progress.Hub
	dispatcher  ModerationDispatcher
	indexer     SessionIndexer
}

// NewSessionService 创建一个新的 SessionService 实例。
func NewSessionService(
	sessionRepo repository.SessionRepository,
	tierStore storage.TierStore,
	hub *progress.Hub,
	dispatcher ModerationDispatcher,
	indexer SessionIndexer,
) SessionService {
	return &sessionService{
		sessionRepo: sessionRepo,
		tierStore:   tierStore,
		hub:         hub,
		dispatcher:  dispatcher,
		indexer:     indexer,
	}
}

// Create 创建一个新的上传会话，初始状态为 created，offset 为 0。
func (s *sessionService) Create(ctx context.Context, ownerID uint, fileName string, totalSize int64, metadata map[string]string) (*model.UploadSession, error) {
	if totalSize <= 0 {
		return nil, errors.New("totalSize 必须大于 0")
	}
	if ownerID == 0 {
		return nil, errors.New("缺少调用方身份")
	}

	sessionID, err := token.GenerateSessionID()
	if err != nil {
		return nil, fmt.Errorf("生成会话 ID 失败: %w", err)
	}

	metaJSON := "{}"
	if len(metadata) > 0 {
		metaBytes, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("序列化元数据失败: %w", err)
		}
		metaJSON = string(metaBytes)
	}

	session := &model.UploadSession{
		ID:          sessionID,
		OwnerID:     ownerID,
		FileName:    fileName,
		TotalSize:   totalSize,
		Offset:      0,
		Status:      model.StatusCreated,
		StorageTier: model.TierNone,
		Metadata:    metaJSON,
	}
	if err := s.sessionRepo.Create(session); err != nil {
		log.Errorf("[Create] 创建会话记录失败, error: %v", err)
		return nil, err
	}

	log.Infof("[Create] 会话已创建: id=%s, owner=%d, totalSize=%d", sessionID, ownerID, totalSize)
	s.hub.Publish(sessionID, progress.Event{
		SessionID: sessionID,
		Type:      progress.EventCreated,
		BytesSent: 0,
		TotalSize: totalSize,
		Message:   "upload created",
	})
	return session, nil
}

// AppendChunk 在指定偏移处追加一个分片。
// 调用方必须携带它认为的当前 offset：不相等时拒绝且不改变任何状态，
// 这一检查让断线的客户端在查询状态后能正确续传，也确定性地拒绝了
// 重放、重复与乱序的分片。偏移更新是一次数据库层的比较交换，
// 并发调用者中每个 offset 值只有一个赢家，输家由客户端重查状态后重试。
func (s *sessionService) AppendChunk(ctx context.Context, sessionID string, suppliedOffset int64, reader io.Reader, size int64) (*model.UploadSession, error) {
	session, err := s.sessionRepo.GetByID(sessionID)
	if err != nil {
		return nil, err
	}

	// 完成后的重复末片：offset 已到达 totalSize 且该分片不再带来新字节，
	// 按无操作接受，避免客户端重试最后一个分片时报错
	if session.Offset == session.TotalSize &&
		session.Status != model.StatusCreated && session.Status != model.StatusUploading &&
		suppliedOffset+size == session.TotalSize {
		log.Infof("[AppendChunk] 会话 %s 已完成，重复末片按无操作接受", sessionID)
		return session, nil
	}

	if session.Status != model.StatusCreated && session.Status != model.StatusUploading {
		return nil, fmt.Errorf("会话 %s 处于 %s，不接受分片: %w", sessionID, session.Status, repository.ErrInvalidTransition)
	}
	if size <= 0 {
		return nil, errors.New("分片大小必须大于 0")
	}
	if suppliedOffset != session.Offset {
		return nil, fmt.Errorf("提交 offset=%d 与存储 offset=%d 不符: %w", suppliedOffset, session.Offset, repository.ErrConflict)
	}
	if suppliedOffset+size > session.TotalSize {
		return nil, fmt.Errorf("分片越过 totalSize: offset=%d size=%d total=%d", suppliedOffset, size, session.TotalSize)
	}

	// 先落字节再做比较交换，保证赢得比较交换的偏移一定有对应的分片数据。
	// 每次暂存的路径都是唯一的，同一偏移的并发写入者互不覆盖，
	// 最终只有赢家的路径会被记录进分片表
	partPath, err := s.tierStore.PutChunk(ctx, sessionID, suppliedOffset, reader, size)
	if err != nil {
		log.Errorf("[AppendChunk] 暂存分片失败: session=%s, offset=%d, error: %v", sessionID, suppliedOffset, err)
		return nil, err
	}

	newOffset := suppliedOffset + size
	updated, err := s.sessionRepo.PatchOffset(sessionID, newOffset, suppliedOffset)
	if err != nil {
		// 输家：偏移没有推进，由客户端重查状态后重试。
		// 暂存的字节成为未记录的孤儿分片，随会话的 staging 清理一并删除
		return nil, err
	}

	if err := s.sessionRepo.CreatePart(&model.SessionPart{
		SessionID:   sessionID,
		StartOffset: suppliedOffset,
		Size:        size,
		StoragePath: partPath,
	}); err != nil {
		log.Errorf("[AppendChunk] 记录分片信息失败: session=%s, error: %v", sessionID, err)
		return nil, err
	}

	// 第一个分片把会话从 created 推进到 uploading
	if session.Status == model.StatusCreated {
		if updated, err = s.sessionRepo.SetStatus(sessionID, model.StatusUploading); err != nil {
			return nil, err
		}
	}

	s.hub.Publish(sessionID, progress.Event{
		SessionID: sessionID,
		Type:      progress.EventProgress,
		BytesSent: newOffset,
		TotalSize: session.TotalSize,
	})
	log.Infof("[AppendChunk] 分片已接收: session=%s, offset %d -> %d / %d", sessionID, suppliedOffset, newOffset, session.TotalSize)

	if newOffset == session.TotalSize {
		return s.finalize(ctx, updated)
	}
	return updated, nil
}

// finalize 在 offset 到达 totalSize 时合并分片、计算校验和、
// 推进到 completed 并提交审核任务。
func (s *sessionService) finalize(ctx context.Context, session *model.UploadSession) (*model.UploadSession, error) {
	parts, err := s.sessionRepo.GetParts(session.ID)
	if err != nil {
		return nil, err
	}
	partPaths := make([]string, 0, len(parts))
	for _, p := range parts {
		partPaths = append(partPaths, p.StoragePath)
	}

	checksum, err := s.tierStore.ComposeParts(ctx, session.ID, partPaths)
	if err != nil {
		log.Errorf("[finalize] 合并分片失败: session=%s, error: %v", session.ID, err)
		return nil, err
	}
	if err := s.sessionRepo.SetChecksum(session.ID, checksum); err != nil {
		return nil, err
	}

	updated, err := s.sessionRepo.SetStatus(session.ID, model.StatusCompleted)
	if err != nil {
		return nil, err
	}
	updated.Checksum = checksum
	log.Infof("[finalize] 会话上传完成: session=%s, checksum=%s", session.ID, checksum)

	s.hub.Publish(session.ID, progress.Event{
		SessionID: session.ID,
		Type:      progress.EventProgress,
		BytesSent: session.TotalSize,
		TotalSize: session.TotalSize,
		Message:   "upload completed",
	})

	task := tasks.ModerationTask{
		SessionID:  session.ID,
		ContentRef: session.ID, // staging 桶中的合并对象
		FileName:   session.FileName,
		Checksum:   checksum,
		Metadata:   parseMetadata(session.Metadata),
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		// 提交失败时会话停留在 completed，由审核超时巡检暴露出来
		log.Errorf("[finalize] 提交审核任务失败: session=%s, error: %v", session.ID, err)
		return updated, nil
	}

	return s.sessionRepo.SetStatus(session.ID, model.StatusModerating)
}

// Status 只读地返回会话当前状态，续传的客户端据此得知应从哪个
// 偏移继续，服务端不保存任何连接级状态。
func (s *sessionService) Status(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	return s.sessionRepo.GetByID(sessionID)
}

// ListByOwner 返回指定用户的所有会话。
func (s *sessionService) ListByOwner(ctx context.Context, ownerID uint) ([]model.UploadSession, error) {
	return s.sessionRepo.FindByOwner(ownerID)
}

// Process 实现 kafka.VerdictProcessor，消费一条审核结论。
// 幂等性：只有 moderating 状态的会话会被处理，其余状态的结论说明
// 已经处理过（队列重复投递），直接忽略。层级复制在状态推进之前完成，
// 失败时会话停留在 moderating，等待队列重投。
func (s *sessionService) Process(ctx context.Context, verdict tasks.ModerationVerdict) error {
	session, err := s.sessionRepo.GetByID(verdict.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warnf("[Process] 审核结论对应的会话不存在，忽略: session=%s", verdict.SessionID)
			return nil
		}
		return err
	}

	if session.Status != model.StatusModerating {
		log.Infof("[Process] 会话 %s 处于 %s，重复结论已忽略", verdict.SessionID, session.Status)
		return nil
	}

	switch verdict.Verdict {
	case tasks.VerdictApproved:
		return s.approve(ctx, session)
	case tasks.VerdictRejected:
		return s.reject(ctx, session, verdict.Reason)
	default:
		log.Errorf("[Process] 未知的审核结论 '%s': session=%s", verdict.Verdict, verdict.SessionID)
		return nil
	}
}

// approve 将审核通过的对象从 staging 入库到 hot 层。
func (s *sessionService) approve(ctx context.Context, session *model.UploadSession) error {
	// 先复制字节，复制确认之前不推进状态
	if err := s.tierStore.StoreFromStaging(ctx, session.ID); err != nil {
		log.Errorf("[approve] 对象入库失败: session=%s, error: %v", session.ID, err)
		return err
	}

	if _, err := s.sessionRepo.SetStatus(session.ID, model.StatusApproved); err != nil {
		return err
	}
	// 状态推进与层级指针一次写入：stored 之前层级指针始终是 none
	updated, err := s.sessionRepo.MarkStored(session.ID, model.TierHot)
	if err != nil {
		return err
	}

	if err := s.indexer.IndexStored(ctx, updated); err != nil {
		// 索引是检索辅助，不阻塞入库
		log.Errorf("[approve] 索引会话失败: session=%s, error: %v", session.ID, err)
	}

	s.hub.Publish(session.ID, progress.Event{
		SessionID: session.ID,
		Type:      progress.EventComplete,
		BytesSent: session.TotalSize,
		TotalSize: session.TotalSize,
		Message:   "stored",
	})
	log.Infof("[approve] 会话已入库 hot 层: session=%s", session.ID)

	s.cleanupStaging(session.ID)
	return nil
}

// reject 清除审核拒绝的对象字节并终结会话。
func (s *sessionService) reject(ctx context.Context, session *model.UploadSession, reason string) error {
	// 先清字节：失败时会话停留在 moderating，由队列重投再试
	if err := s.tierStore.PurgeAllTiers(ctx, session.ID); err != nil {
		log.Errorf("[reject] 清除对象字节失败: session=%s, error: %v", session.ID, err)
		return err
	}

	if _, err := s.sessionRepo.SetStatus(session.ID, model.StatusRejected); err != nil {
		return err
	}
	if _, err := s.sessionRepo.SetStatus(session.ID, model.StatusDeleted); err != nil {
		return err
	}

	if reason == "" {
		reason = "rejected"
	}
	s.hub.Publish(session.ID, progress.Event{
		SessionID: session.ID,
		Type:      progress.EventError,
		BytesSent: session.Offset,
		TotalSize: session.TotalSize,
		Message:   reason,
	})
	log.Infof("[reject] 会话已拒绝并清除: session=%s, reason=%s", session.ID, reason)

	s.indexer.RemoveFromIndex(ctx, session.ID)
	s.cleanupStaging(session.ID)
	return nil
}

// cleanupStaging 后台清理 staging 中的分片与合并对象。
// 清理是尽力而为的，失败只记录日志。
func (s *sessionService) cleanupStaging(sessionID string) {
	go func() {
		s.tierStore.RemoveStaging(context.Background(), sessionID)
		if err := s.sessionRepo.DeleteParts(sessionID); err != nil {
			log.Warnf("[cleanupStaging] 删除分片记录失败: session=%s, error: %v", sessionID, err)
		}
	}()
}

// parseMetadata 将会话记录中的 JSON 元数据还原为键值对。
func parseMetadata(metaJSON string) map[string]string {
	meta := make(map[string]string)
	if metaJSON == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		log.Warnf("解析会话元数据失败: %v", err)
	}
	return meta
}
