// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/pkg/log"
)

// RateLimitMiddleware 基于 Redis 的固定窗口限流。
// 计数键按调用方维度（认证用户 ID，未认证时退化为客户端 IP）划分，
// 第一次 INCR 时设置窗口过期。Redis 故障时放行而不是拒绝，
// 限流是保护手段，不能成为单点。
func RateLimitMiddleware(rdb *redis.Client, cfg config.RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.ClientIP()
		if claims, ok := CallerFromContext(c); ok {
			caller = fmt.Sprintf("user:%d", claims.UserID)
		}
		key := fmt.Sprintf("ratelimit:%s", caller)

		ctx := context.Background()
		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			log.Warnf("[RateLimit] Redis 计数失败, 放行请求: %v", err)
			c.Next()
			return
		}
		if count == 1 {
			rdb.Expire(ctx, key, cfg.Window)
		}

		if count > int64(cfg.Requests) {
			c.Header("Retry-After", fmt.Sprintf("%.0f", cfg.Window.Seconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "请求过于频繁, 请稍后重试"})
			return
		}

		c.Next()
	}
}
