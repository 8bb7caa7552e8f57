// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	ES         ESConfig         `mapstructure:"elasticsearch"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Tiering    TieringConfig    `mapstructure:"tiering"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
// RequestTopic 承载发往审核服务的任务，VerdictTopic 承载回传的审核结论。
type KafkaConfig struct {
	Brokers      string `mapstructure:"brokers"`
	RequestTopic string `mapstructure:"request_topic"`
	VerdictTopic string `mapstructure:"verdict_topic"`
	GroupID      string `mapstructure:"group_id"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
// 每个存储层级对应一个独立的 bucket，Staging 存放上传中的分片与待审内容。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	StagingBucket   string `mapstructure:"staging_bucket"`
	HotBucket       string `mapstructure:"hot_bucket"`
	WarmBucket      string `mapstructure:"warm_bucket"`
	ColdBucket      string `mapstructure:"cold_bucket"`
}

// ESConfig 存储 Elasticsearch 相关的配置。
type ESConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// ModerationConfig 存储内容审核服务相关的配置。
type ModerationConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	VerdictWindow  time.Duration `mapstructure:"verdict_window"` // 超过该时长未收到审核结论则告警
}

// TieringConfig 存储层级迁移的策略参数。
// 这些阈值是产品层面的调优参数而非协议不变量，因此全部可配置。
type TieringConfig struct {
	EvalInterval     time.Duration `mapstructure:"eval_interval"`     // 周期评估间隔
	PromoteThreshold int64         `mapstructure:"promote_threshold"` // 观察窗口内访问次数高水位
	PromoteWindow    time.Duration `mapstructure:"promote_window"`    // 提升判定的观察窗口
	DemoteIdle       time.Duration `mapstructure:"demote_idle"`       // 降级判定的闲置时长
	DemoteMaxCount   int64         `mapstructure:"demote_max_count"`  // 低访问量上限，超过则不降级
	HotTTL           time.Duration `mapstructure:"hot_ttl"`           // hot 层驻留超时，闲置超过则回落 warm
	QueueSize        int           `mapstructure:"queue_size"`        // 迁移任务队列容量
	MaxRetries       int           `mapstructure:"max_retries"`       // 搬运失败重试上限
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`     // 重试退避基数，按次数指数放大
}

// RateLimitConfig 存储接口限流的配置。
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}
