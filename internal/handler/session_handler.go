// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mediapipeline-go/internal/middleware"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/internal/service"
	"mediapipeline-go/pkg/log"
)

// SessionHandler 负责处理上传会话协议的 API 请求。
type SessionHandler struct {
	sessionService service.SessionService
}

// NewSessionHandler 创建一个新的 SessionHandler 实例。
func NewSessionHandler(sessionService service.SessionService) *SessionHandler {
	return &SessionHandler{sessionService: sessionService}
}

// CreateSessionRequest 定义了创建上传会话 API 的请求体结构。
type CreateSessionRequest struct {
	FileName  string            `json:"fileName" binding:"required"`
	TotalSize int64             `json:"totalSize" binding:"required,gt=0"`
	Metadata  map[string]string `json:"metadata"`
}

// Create 处理创建上传会话的请求。
func (h *SessionHandler) Create(c *gin.Context) {
	claims, ok := middleware.CallerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Create: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    http.StatusBadRequest,
			"message": "无效的请求负载：fileName 与 totalSize 不能为空",
		})
		return
	}

	session, err := h.sessionService.Create(c.Request.Context(), claims.UserID, req.FileName, req.TotalSize, req.Metadata)
	if err != nil {
		log.Warnf("Create: Session creation failed, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":    http.StatusCreated,
		"message": "success",
		"data":    session,
	})
}

// Append 处理分片追加请求。请求体是原始字节流，
// Upload-Offset 头携带调用方认为的当前偏移。
func (h *SessionHandler) Append(c *gin.Context) {
	sessionID := c.Param("id")

	offsetHeader := c.GetHeader("Upload-Offset")
	suppliedOffset, err := strconv.ParseInt(offsetHeader, 10, 64)
	if err != nil || suppliedOffset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Upload-Offset 头缺失或非法"})
		return
	}
	size := c.Request.ContentLength
	if size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体不能为空且必须携带 Content-Length"})
		return
	}

	session, err := h.sessionService.AppendChunk(c.Request.Context(), sessionID, suppliedOffset, c.Request.Body, size)
	if err != nil {
		h.writeAppendError(c, sessionID, err)
		return
	}

	// 续传协议头：客户端据此得知下一个分片的偏移
	c.Header("Upload-Offset", strconv.FormatInt(session.Offset, 10))
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    session,
	})
}

// writeAppendError 把分片追加的业务错误映射为协议错误码。
// 偏移冲突返回 409 并附带权威偏移，客户端据此续传。
func (h *SessionHandler) writeAppendError(c *gin.Context, sessionID string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
	case errors.Is(err, repository.ErrConflict):
		resp := gin.H{"error": err.Error()}
		if session, serr := h.sessionService.Status(c.Request.Context(), sessionID); serr == nil {
			resp["currentOffset"] = session.Offset
		}
		c.JSON(http.StatusConflict, resp)
	case errors.Is(err, repository.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		log.Errorf("Append: session=%s, error: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "分片处理失败"})
	}
}

// Status 处理会话状态查询请求，断线的客户端据此决定续传偏移。
func (h *SessionHandler) Status(c *gin.Context) {
	sessionID := c.Param("id")
	session, err := h.sessionService.Status(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "会话不存在"})
			return
		}
		log.Errorf("Status: session=%s, error: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询会话失败"})
		return
	}

	c.Header("Upload-Offset", strconv.FormatInt(session.Offset, 10))
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    session,
	})
}

// List 返回当前用户的所有会话。
func (h *SessionHandler) List(c *gin.Context) {
	claims, ok := middleware.CallerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}

	sessions, err := h.sessionService.ListByOwner(c.Request.Context(), claims.UserID)
	if err != nil {
		log.Errorf("List: owner=%d, error: %v", claims.UserID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询会话列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    sessions,
	})
}
