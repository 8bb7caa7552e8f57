// Package es 提供了与 Elasticsearch 交互的客户端功能。
// 索引中只保存已入库（stored）会话的元数据，供管理端检索。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/internal/model"
	"mediapipeline-go/pkg/log"
)

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端。
func InitES(esCfg config.ESConfig) error {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg.IndexName)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它。
func createIndexIfNotExists(indexName string) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := `{
		"mappings": {
			"properties": {
				"session_id":   { "type": "keyword" },
				"owner_id":     { "type": "long" },
				"file_name":    { "type": "text" },
				"total_size":   { "type": "long" },
				"checksum":     { "type": "keyword" },
				"storage_tier": { "type": "keyword" },
				"metadata":     { "type": "object", "enabled": true },
				"stored_at":    { "type": "date" }
			}
		}
	}`

	res, err = ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// IndexSession 将一个已入库会话的元数据写入索引。
func IndexSession(ctx context.Context, indexName string, doc model.EsSession) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: doc.SessionID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引会话文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index session document")
	}
	return nil
}

// DeleteSession 从索引中移除一个会话文档。文档不存在视为成功。
func DeleteSession(ctx context.Context, indexName, sessionID string) error {
	req := esapi.DeleteRequest{
		Index:      indexName,
		DocumentID: sessionID,
		Refresh:    "true",
	}
	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		log.Errorf("从 Elasticsearch 删除会话文档出错: %s", res.String())
		return errors.New("failed to delete session document")
	}
	return nil
}

// SearchSessions 按关键字（文件名/元数据）检索会话，ownerID 为 0 时不过滤归属。
func SearchSessions(ctx context.Context, indexName, keyword string, ownerID uint, size int) ([]model.SessionSearchHit, error) {
	must := []map[string]interface{}{}
	if keyword != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  keyword,
				"fields": []string{"file_name", "metadata.*"},
			},
		})
	}
	if ownerID != 0 {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"owner_id": ownerID},
		})
	}
	query := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
	}

	queryBytes, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := ESClient.Search(
		ESClient.Search.WithContext(ctx),
		ESClient.Search.WithIndex(indexName),
		ESClient.Search.WithBody(bytes.NewReader(queryBytes)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch 检索返回错误: %s", res.String())
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Score  float64         `json:"_score"`
				Source model.EsSession `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	hits := make([]model.SessionSearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, model.SessionSearchHit{
			SessionID:   h.Source.SessionID,
			OwnerID:     h.Source.OwnerID,
			FileName:    h.Source.FileName,
			TotalSize:   h.Source.TotalSize,
			StorageTier: h.Source.StorageTier,
			Score:       h.Score,
		})
	}
	return hits, nil
}
