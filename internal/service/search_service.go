package service

import (
	"context"
	"time"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/internal/model"
	"mediapipeline-go/pkg/es"
	"mediapipeline-go/pkg/log"
)

// SearchService 维护已入库会话的 Elasticsearch 索引并提供检索。
type SearchService interface {
	SessionIndexer
	Search(ctx context.Context, keyword string, ownerID uint, size int) ([]model.SessionSearchHit, error)
}

type searchService struct {
	indexName string
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(cfg config.ESConfig) SearchService {
	return &searchService{indexName: cfg.IndexName}
}

// IndexStored 将已入库的会话写入索引。
func (s *searchService) IndexStored(ctx context.Context, session *model.UploadSession) error {
	doc := model.EsSession{
		SessionID:   session.ID,
		OwnerID:     session.OwnerID,
		FileName:    session.FileName,
		TotalSize:   session.TotalSize,
		Checksum:    session.Checksum,
		StorageTier: string(session.StorageTier),
		Metadata:    parseMetadata(session.Metadata),
		StoredAt:    time.Now().Format(time.RFC3339),
	}
	return es.IndexSession(ctx, s.indexName, doc)
}

// RemoveFromIndex 将会话从索引移除，文档不存在视为成功。
func (s *searchService) RemoveFromIndex(ctx context.Context, sessionID string) {
	if err := es.DeleteSession(ctx, s.indexName, sessionID); err != nil {
		log.Warnf("[RemoveFromIndex] 删除索引文档失败: session=%s, error: %v", sessionID, err)
	}
}

// Search 按关键词检索会话，ownerID 非零时限定为该用户的会话。
func (s *searchService) Search(ctx context.Context, keyword string, ownerID uint, size int) ([]model.SessionSearchHit, error) {
	if size <= 0 || size > 100 {
		size = 20
	}
	return es.SearchSessions(ctx, s.indexName, keyword, ownerID, size)
}
