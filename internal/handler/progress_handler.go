// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"mediapipeline-go/internal/progress"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/internal/service"
	"mediapipeline-go/pkg/log"
	"mediapipeline-go/pkg/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// wsPingInterval 是 WebSocket 保活 ping 的发送间隔。
const wsPingInterval = 30 * time.Second

// ProgressHandler 负责把会话进度事件推送到 WebSocket 订阅者。
type ProgressHandler struct {
	hub            *progress.Hub
	sessionService service.SessionService
	jwtManager     *token.JWTManager
}

// NewProgressHandler 创建一个新的 ProgressHandler 实例。
func NewProgressHandler(hub *progress.Hub, sessionService service.SessionService, jwtManager *token.JWTManager) *ProgressHandler {
	return &ProgressHandler{
		hub:            hub,
		sessionService: sessionService,
		jwtManager:     jwtManager,
	}
}

// Subscribe 处理一个进度订阅连接。
// WebSocket 无法携带 Authorization 头，token 经查询参数传入。
// 连接建立后先推送一次当前状态快照，此后转发事件流。
func (h *ProgressHandler) Subscribe(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无效或已过期的 token"})
		return
	}

	sessionID := c.Param("id")
	session, err := h.sessionService.Status(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询会话失败"})
		return
	}
	if session.OwnerID != claims.UserID && claims.Role != "ADMIN" {
		c.JSON(http.StatusForbidden, gin.H{"error": "无权订阅该会话"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("[Subscribe] WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(sessionID)
	defer h.hub.Unsubscribe(sub)
	log.Infof("[Subscribe] 进度订阅建立: session=%s, user=%d", sessionID, claims.UserID)

	// 当前状态快照，订阅晚于上传开始的客户端据此补齐进度
	snapshot := progress.Event{
		SessionID: sessionID,
		Type:      progress.EventProgress,
		BytesSent: session.Offset,
		TotalSize: session.TotalSize,
		Message:   string(session.Status),
	}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	// 读取循环只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case event := <-sub.C:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
