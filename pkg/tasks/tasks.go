// Package tasks 定义了经由 Kafka 流转的消息结构。
package tasks

// ModerationTask 是上传完成后发往审核队列的任务。
// ContentRef 指向 staging 中的合并对象，审核服务按引用拉取内容。
type ModerationTask struct {
	SessionID  string            `json:"session_id"`
	ContentRef string            `json:"content_ref"`
	FileName   string            `json:"file_name"`
	Checksum   string            `json:"checksum"`
	Metadata   map[string]string `json:"metadata"`
}

// 审核结论取值。
const (
	VerdictApproved = "approved"
	VerdictRejected = "rejected"
)

// ModerationVerdict 是审核服务经由结论队列回传的消息。
// 队列是 at-least-once 的，同一条结论可能被重复投递，消费侧必须幂等。
type ModerationVerdict struct {
	SessionID string `json:"session_id"`
	Verdict   string `json:"verdict"` // approved | rejected
	Reason    string `json:"reason,omitempty"`
}
