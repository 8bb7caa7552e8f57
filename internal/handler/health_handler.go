package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health 是就绪探针用的健康检查端点。
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "mediapipeline",
	})
}
