// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"mediapipeline-go/internal/model"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/internal/service"
	"mediapipeline-go/pkg/log"
)

// AdminHandler 负责处理管理端 API 请求。
type AdminHandler struct {
	searchService  service.SearchService
	tieringService service.TieringService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(searchService service.SearchService, tieringService service.TieringService) *AdminHandler {
	return &AdminHandler{
		searchService:  searchService,
		tieringService: tieringService,
	}
}

// SearchSessions 按关键词检索已入库的会话。
func (h *AdminHandler) SearchSessions(c *gin.Context) {
	keyword := c.Query("keyword")
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	ownerID, _ := strconv.ParseUint(c.Query("ownerId"), 10, 64)

	hits, err := h.searchService.Search(c.Request.Context(), keyword, uint(ownerID), size)
	if err != nil {
		log.Errorf("SearchSessions: keyword=%s, error: %v", keyword, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "检索失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    hits,
	})
}

// StuckMigrations 返回重试耗尽后卡死的迁移报告。
func (h *AdminHandler) StuckMigrations(c *gin.Context) {
	report, err := h.tieringService.StuckReport(c.Request.Context())
	if err != nil {
		log.Errorf("StuckMigrations: error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "查询卡死报告失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    report,
	})
}

// MigrateRequest 定义了手动迁移 API 的请求体结构。
type MigrateRequest struct {
	ToTier string `json:"toTier" binding:"required"`
}

// TriggerMigration 手动触发一次对象层级迁移。
func (h *AdminHandler) TriggerMigration(c *gin.Context) {
	var req MigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载：toTier 不能为空"})
		return
	}

	objectID := c.Param("id")
	err := h.tieringService.TriggerMigration(c.Request.Context(), objectID, model.StorageTier(req.ToTier))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "对象不存在"})
		case errors.Is(err, service.ErrMigrationBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "对象已有迁移在执行"})
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    http.StatusAccepted,
		"message": "迁移任务已入队",
	})
}
