// Package model 定义了与数据库表对应的 Go 结构体以及会话状态机。
package model

// EsSession 定义了存储在 Elasticsearch 中的会话索引文档结构。
// 只有进入 stored 状态的会话才会被索引，deleted 时从索引移除。
type EsSession struct {
	SessionID   string            `json:"session_id"`
	OwnerID     uint              `json:"owner_id"`
	FileName    string            `json:"file_name"`
	TotalSize   int64             `json:"total_size"`
	Checksum    string            `json:"checksum"`
	StorageTier string            `json:"storage_tier"`
	Metadata    map[string]string `json:"metadata"`
	StoredAt    string            `json:"stored_at"`
}

// SessionSearchHit 定义了返回给管理端的会话搜索结果结构。
type SessionSearchHit struct {
	SessionID   string  `json:"sessionId"`
	OwnerID     uint    `json:"ownerId"`
	FileName    string  `json:"fileName"`
	TotalSize   int64   `json:"totalSize"`
	StorageTier string  `json:"storageTier"`
	Score       float64 `json:"score"`
}
