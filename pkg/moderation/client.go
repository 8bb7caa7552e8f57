// Package moderation 提供了一个与内容审核服务交互的客户端。
// 核心只负责按契约提交内容引用，审核模型本身在系统边界之外，
// 审核结论经由 Kafka 结论队列异步回传。
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/pkg/tasks"
)

// Client 是审核服务的 HTTP 客户端。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建一个新的审核服务客户端实例。
func NewClient(cfg config.ModerationConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// Submit 将一个审核任务提交到审核服务。
// 服务端返回 202 表示已受理，结论稍后经队列回传。
func (c *Client) Submit(ctx context.Context, task tasks.ModerationTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化审核任务失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/moderation/check", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("调用审核服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("审核服务返回错误 [%d]: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
