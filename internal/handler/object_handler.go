// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mediapipeline-go/internal/middleware"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/internal/service"
	"mediapipeline-go/pkg/log"
)

// ObjectHandler 负责处理已入库对象的读取与删除请求。
type ObjectHandler struct {
	objectService service.ObjectService
}

// NewObjectHandler 创建一个新的 ObjectHandler 实例。
func NewObjectHandler(objectService service.ObjectService) *ObjectHandler {
	return &ObjectHandler{objectService: objectService}
}

// Download 签发对象的预签名下载链接。
func (h *ObjectHandler) Download(c *gin.Context) {
	claims, ok := middleware.CallerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}

	objectID := c.Param("id")
	url, err := h.objectService.DownloadURL(c.Request.Context(), objectID, claims.UserID, claims.Role == "ADMIN")
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "对象不存在"})
			return
		}
		log.Warnf("Download: object=%s, error: %v", objectID, err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    gin.H{"url": url},
	})
}

// Delete 删除一个已入库对象。
func (h *ObjectHandler) Delete(c *gin.Context) {
	claims, ok := middleware.CallerFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "无法获取用户信息"})
		return
	}

	objectID := c.Param("id")
	err := h.objectService.Delete(c.Request.Context(), objectID, claims.UserID, claims.Role == "ADMIN")
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "对象不存在"})
			return
		}
		log.Warnf("Delete: object=%s, error: %v", objectID, err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "对象已删除",
	})
}
