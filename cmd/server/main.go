// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/internal/handler"
	"mediapipeline-go/internal/middleware"
	"mediapipeline-go/internal/progress"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/internal/service"
	"mediapipeline-go/pkg/database"
	"mediapipeline-go/pkg/es"
	"mediapipeline-go/pkg/kafka"
	"mediapipeline-go/pkg/log"
	"mediapipeline-go/pkg/moderation"
	"mediapipeline-go/pkg/storage"
	"mediapipeline-go/pkg/token"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储、ES 和 Kafka
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.ES); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	sessionRepo := repository.NewSessionRepository(database.DB)
	accessRepo := repository.NewAccessRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	tierStore := storage.NewTierStore(cfg.MinIO)
	hub := progress.NewHub()
	moderationClient := moderation.NewClient(cfg.Moderation)

	userService := service.NewUserService(userRepo, jwtManager)
	searchService := service.NewSearchService(cfg.ES)
	moderationService := service.NewModerationService(cfg.Moderation, moderationClient, sessionRepo)
	sessionService := service.NewSessionService(sessionRepo, tierStore, hub, moderationService, searchService)
	tieringService := service.NewTieringService(cfg.Tiering, accessRepo, sessionRepo, tierStore)
	objectService := service.NewObjectService(sessionRepo, tierStore, tieringService, searchService)

	// 6. 启动后台组件：结论消费者、迁移调度器、审核超时巡检
	go kafka.StartVerdictConsumer(cfg.Kafka, sessionService)
	tieringService.Start()
	moderationService.StartWatchdog()

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	sessionHandler := handler.NewSessionHandler(sessionService)
	progressHandler := handler.NewProgressHandler(hub, sessionService, jwtManager)
	objectHandler := handler.NewObjectHandler(objectService)
	userHandler := handler.NewUserHandler(userService)
	adminHandler := handler.NewAdminHandler(searchService, tieringService)

	// 健康检查，供负载均衡与就绪探针使用
	r.GET("/health", handler.Health)

	apiV1 := r.Group("/api/v1")
	{
		// Auth 路由组
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", userHandler.Refresh)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)
		}

		// Session 路由组：上传会话协议，需要认证和限流
		sessions := apiV1.Group("/sessions")
		sessions.Use(middleware.AuthMiddleware(jwtManager), middleware.RateLimitMiddleware(database.RDB, cfg.RateLimit))
		{
			sessions.POST("", sessionHandler.Create)
			sessions.GET("", sessionHandler.List)
			sessions.GET("/:id", sessionHandler.Status)
			sessions.PATCH("/:id", sessionHandler.Append)
		}
		// 进度订阅 (WebSocket)，token 经查询参数认证
		apiV1.GET("/sessions/:id/progress", progressHandler.Subscribe)

		// Object 路由组：已入库对象的读取与删除
		objects := apiV1.Group("/objects")
		objects.Use(middleware.AuthMiddleware(jwtManager), middleware.RateLimitMiddleware(database.RDB, cfg.RateLimit))
		{
			objects.GET("/:id/download", objectHandler.Download)
			objects.DELETE("/:id", objectHandler.Delete)
		}

		// 管理员路由组，需要同时通过认证和管理员授权两个中间件
		admin := apiV1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtManager), middleware.AdminAuthMiddleware())
		{
			admin.GET("/sessions/search", adminHandler.SearchSessions)
			admin.GET("/migrations/stuck", adminHandler.StuckMigrations)
			admin.POST("/objects/:id/migrate", adminHandler.TriggerMigration)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止后台组件，等待在途迁移落定
	moderationService.StopWatchdog()
	tieringService.Stop()
	log.Info("服务已优雅关闭")
}
