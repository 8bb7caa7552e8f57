// Package model 定义了与数据库表对应的 Go 结构体以及会话状态机。
package model

import "time"

// SessionStatus 表示上传会话在其生命周期中的状态。
type SessionStatus string

// 会话状态常量。状态图是固定的，所有变更都必须经过 CanTransition 校验。
const (
	StatusCreated    SessionStatus = "created"    // 会话已创建，尚未收到任何字节
	StatusUploading  SessionStatus = "uploading"  // 已收到至少一个分片
	StatusCompleted  SessionStatus = "completed"  // offset == totalSize，内容已合并
	StatusModerating SessionStatus = "moderating" // 已提交内容审核，等待审核结果
	StatusApproved   SessionStatus = "approved"   // 审核通过，待入库
	StatusRejected   SessionStatus = "rejected"   // 审核拒绝，待清理
	StatusStored     SessionStatus = "stored"     // 对象已落入存储层级，可读取与迁移
	StatusDeleted    SessionStatus = "deleted"    // 对象字节已清除（终态）
	StatusError      SessionStatus = "error"      // 不可恢复错误（终态），重试需新建会话
)

// StorageTier 表示对象所在的存储层级。
type StorageTier string

// 存储层级常量。各层级语义一致，只有延迟/成本差异。
const (
	TierNone StorageTier = "none" // 尚未入库
	TierHot  StorageTier = "hot"
	TierWarm StorageTier = "warm"
	TierCold StorageTier = "cold"
)

// transitions 是集中定义的状态转移表。
// 所有修改会话状态的代码都必须查询此表，表中没有的转移一律拒绝，
// 避免状态变更逻辑散落在各个 handler 中。
var transitions = map[SessionStatus][]SessionStatus{
	StatusCreated:    {StatusUploading, StatusCompleted, StatusError},
	StatusUploading:  {StatusCompleted, StatusError},
	StatusCompleted:  {StatusModerating, StatusError},
	StatusModerating: {StatusApproved, StatusRejected, StatusError},
	StatusApproved:   {StatusStored, StatusError},
	StatusRejected:   {StatusDeleted, StatusError},
	// stored 只能经由所有者删除离开；deleted / error 是终态，没有出边
	StatusStored:  {StatusDeleted},
	StatusDeleted: {},
	StatusError:   {},
}

// CanTransition 判断状态图中是否允许 from -> to 的转移。
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 判断一个状态是否为终态。
func (s SessionStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// UploadSession 定义了 upload_session 表的 ORM 模型。
// 它是一次可恢复上传的唯一权威记录：offset 单调递增且不超过 TotalSize，
// StorageTier 在状态到达 stored 之前始终为 none。
type UploadSession struct {
	ID          string        `gorm:"type:varchar(64);primaryKey" json:"id"`
	OwnerID     uint          `gorm:"not null;index" json:"ownerId"`
	FileName    string        `gorm:"type:varchar(255);not null" json:"fileName"`
	TotalSize   int64         `gorm:"not null" json:"totalSize"`
	Offset      int64         `gorm:"column:offset_bytes;not null;default:0" json:"offset"`
	Status      SessionStatus `gorm:"type:varchar(20);not null" json:"status"`
	StorageTier StorageTier   `gorm:"type:varchar(10);not null;default:'none'" json:"storageTier"`
	Checksum    string        `gorm:"type:varchar(64)" json:"checksum"`
	Metadata    string        `gorm:"type:text" json:"metadata"` // 创建时一次性写入的 JSON 键值对，之后不可变
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (UploadSession) TableName() string {
	return "upload_session"
}

// SessionPart 对应于数据库中的 'session_part' 表。
// 它记录了每个已暂存分片的起始偏移与存储路径，合并时按偏移升序读取。
type SessionPart struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string `gorm:"type:varchar(64);not null;index" json:"sessionId"`
	StartOffset int64  `gorm:"not null" json:"startOffset"`
	Size        int64  `gorm:"not null" json:"size"`
	StoragePath string `gorm:"type:varchar(255);not null" json:"storagePath"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (SessionPart) TableName() string {
	return "session_part"
}
