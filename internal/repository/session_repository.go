// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mediapipeline-go/internal/model"
)

// SessionRepository 接口定义了上传会话的持久化操作。
// 它是会话状态的唯一写入者：协议处理器与迁移调度器都通过它请求更新，
// 绝不直接改写记录。
type SessionRepository interface {
	Create(session *model.UploadSession) error
	GetByID(id string) (*model.UploadSession, error)

	// PatchOffset 是一次比较交换：仅当存储的 offset 等于 expectedOffset
	// 时才写入 newOffset，否则返回 ErrConflict。并发或重复投递的分片
	// 中最多只有一个调用者能赢得同一个 offset。
	PatchOffset(id string, newOffset, expectedOffset int64) (*model.UploadSession, error)

	// SetStatus 按集中定义的状态图校验并写入新状态，
	// 不允许的转移返回 ErrInvalidTransition 而不是静默覆盖。
	SetStatus(id string, newStatus model.SessionStatus) (*model.UploadSession, error)

	SetTier(id string, tier model.StorageTier) (*model.UploadSession, error)
	SetChecksum(id string, checksum string) error

	// MarkStored 在一条 UPDATE 中完成 approved → stored 的状态推进
	// 与层级指针写入，对外不存在状态已是 stored 而层级仍为 none、
	// 或层级已写入而状态还没到 stored 的中间可见态。
	MarkStored(id string, tier model.StorageTier) (*model.UploadSession, error)

	CreatePart(part *model.SessionPart) error
	GetParts(sessionID string) ([]model.SessionPart, error)
	DeleteParts(sessionID string) error

	FindByOwner(ownerID uint) ([]model.UploadSession, error)
	FindInStatusOlderThan(status model.SessionStatus, cutoff time.Time) ([]model.UploadSession, error)
}

// sessionRepository 是 SessionRepository 接口的 GORM 实现。
type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository 创建一个新的 SessionRepository 实例。
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// Create 在数据库中创建一个新的会话记录。
func (r *sessionRepository) Create(session *model.UploadSession) error {
	return r.db.Create(session).Error
}

// GetByID 根据会话 ID 检索会话记录。
func (r *sessionRepository) GetByID(id string) (*model.UploadSession, error) {
	var session model.UploadSession
	err := r.db.Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// PatchOffset 以单条带条件的 UPDATE 实现 offset 的比较交换。
// WHERE 同时匹配 id 与 expectedOffset，数据库保证了并发调用者中
// 每个 offset 值只有一个赢家；影响行数为 0 时再读一次以区分
// NotFound 与 Conflict。
func (r *sessionRepository) PatchOffset(id string, newOffset, expectedOffset int64) (*model.UploadSession, error) {
	result := r.db.Model(&model.UploadSession{}).
		Where("id = ? AND offset_bytes = ?", id, expectedOffset).
		Update("offset_bytes", newOffset)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("会话 %s 期望 offset=%d: %w", id, expectedOffset, ErrConflict)
	}
	return r.GetByID(id)
}

// SetStatus 校验并写入新状态。UPDATE 的 WHERE 条件携带读取到的旧状态，
// 防止并发状态变更互相覆盖。
func (r *sessionRepository) SetStatus(id string, newStatus model.SessionStatus) (*model.UploadSession, error) {
	session, err := r.GetByID(id)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(session.Status, newStatus) {
		return nil, fmt.Errorf("会话 %s 不允许 %s -> %s: %w", id, session.Status, newStatus, ErrInvalidTransition)
	}

	result := r.db.Model(&model.UploadSession{}).
		Where("id = ? AND status = ?", id, session.Status).
		Update("status", newStatus)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// 并发变更抢先修改了状态，按转移冲突处理
		return nil, fmt.Errorf("会话 %s 状态已被并发修改: %w", id, ErrConflict)
	}
	session.Status = newStatus
	return session, nil
}

// SetTier 更新会话的层级指针。这是迁移可见性的原子切换点：
// 指针翻转之前对象一直从旧层级提供读取。
func (r *sessionRepository) SetTier(id string, tier model.StorageTier) (*model.UploadSession, error) {
	result := r.db.Model(&model.UploadSession{}).
		Where("id = ?", id).
		Update("storage_tier", tier)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(id)
}

// MarkStored 原子地把 approved 会话置为 stored 并写入层级指针。
// WHERE 条件锁定 approved 状态，影响行数为 0 时再读一次以区分
// NotFound 与非法转移。
func (r *sessionRepository) MarkStored(id string, tier model.StorageTier) (*model.UploadSession, error) {
	result := r.db.Model(&model.UploadSession{}).
		Where("id = ? AND status = ?", id, model.StatusApproved).
		Updates(map[string]interface{}{"status": model.StatusStored, "storage_tier": tier})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		session, err := r.GetByID(id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("会话 %s 处于 %s，不允许入库: %w", id, session.Status, ErrInvalidTransition)
	}
	return r.GetByID(id)
}

// SetChecksum 在会话完成时一次性写入内容校验和。
func (r *sessionRepository) SetChecksum(id string, checksum string) error {
	return r.db.Model(&model.UploadSession{}).
		Where("id = ?", id).
		Update("checksum", checksum).Error
}

// CreatePart 记录一个已暂存分片的偏移与存储路径。
func (r *sessionRepository) CreatePart(part *model.SessionPart) error {
	return r.db.Create(part).Error
}

// GetParts 按起始偏移升序返回会话的全部分片记录，供合并使用。
func (r *sessionRepository) GetParts(sessionID string) ([]model.SessionPart, error) {
	var parts []model.SessionPart
	err := r.db.Where("session_id = ?", sessionID).Order("start_offset asc").Find(&parts).Error
	return parts, err
}

// DeleteParts 删除会话的全部分片记录。
func (r *sessionRepository) DeleteParts(sessionID string) error {
	return r.db.Where("session_id = ?", sessionID).Delete(&model.SessionPart{}).Error
}

// FindByOwner 查找指定用户的所有会话。
func (r *sessionRepository) FindByOwner(ownerID uint) ([]model.UploadSession, error) {
	var sessions []model.UploadSession
	err := r.db.Where("owner_id = ?", ownerID).Order("created_at desc").Find(&sessions).Error
	return sessions, err
}

// FindInStatusOlderThan 查找在指定状态中停留超过 cutoff 的会话，
// 供审核超时巡检使用。
func (r *sessionRepository) FindInStatusOlderThan(status model.SessionStatus, cutoff time.Time) ([]model.UploadSession, error) {
	var sessions []model.UploadSession
	err := r.db.Where("status = ? AND updated_at < ?", status, cutoff).Find(&sessions).Error
	return sessions, err
}
