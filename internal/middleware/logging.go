// Package middleware 存放 Gin 框架的中间件。
package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"mediapipeline-go/pkg/log"
)

// RequestLogger 是一个 Gin 中间件，用于记录请求日志。
// 分片上传与下载的请求体是二进制字节流，不做内容捕获。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		log.Infow("HTTP Request Log",
			"statusCode", c.Writer.Status(),
			"latency", latency.String(),
			"clientIP", c.ClientIP(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"bytesIn", c.Request.ContentLength,
		)
	}
}
