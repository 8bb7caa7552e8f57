// Package kafka 提供了与审核队列交互的生产者与消费者。
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/pkg/database"
	"mediapipeline-go/pkg/log"
	"mediapipeline-go/pkg/tasks"
)

// VerdictProcessor 定义了审核结论的处理接口。
// 它将 Kafka 消费循环与具体的会话业务逻辑解耦；
// 队列是 at-least-once 的，实现必须在重复投递下幂等。
type VerdictProcessor interface {
	Process(ctx context.Context, verdict tasks.ModerationVerdict) error
}

var producer *kafka.Writer

// InitProducer 初始化审核任务的 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.RequestTopic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// ProduceModerationTask 发送一个审核任务到请求队列。
// Key 使用会话 ID，保证同一会话的消息落入同一分区。
func ProduceModerationTask(task tasks.ModerationTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(task.SessionID),
			Value: taskBytes,
		},
	)
}

// StartVerdictConsumer 启动审核结论的消费循环。
// 处理成功后手动提交 offset；失败时用 Redis 计数，达到阈值后提交
// offset 终止重试，避免一条坏消息阻塞整个队列。
func StartVerdictConsumer(cfg config.KafkaConfig, processor VerdictProcessor) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.VerdictTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 审核结论消费者已启动，正在监听主题 '%s'", cfg.VerdictTopic)

	for {
		m, err := r.FetchMessage(context.Background())
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break
		}

		var verdict tasks.ModerationVerdict
		if err := json.Unmarshal(m.Value, &verdict); err != nil {
			log.Errorf("无法解析审核结论消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		log.Infof("收到审核结论: session=%s, verdict=%s", verdict.SessionID, verdict.Verdict)
		if err := processor.Process(context.Background(), verdict); err != nil {
			log.Errorf("处理审核结论失败: session=%s, error: %v", verdict.SessionID, err)
			attemptsKey := fmt.Sprintf("kafka:verdict:attempts:%s", verdict.SessionID)
			attempts, incErr := database.RDB.Incr(context.Background(), attemptsKey).Result()
			if incErr == nil {
				_ = database.RDB.Expire(context.Background(), attemptsKey, 24*time.Hour).Err()
			}
			if incErr != nil {
				// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
				continue
			}
			if attempts >= 3 {
				log.Errorf("审核结论多次处理失败(>=3)，提交 offset 终止重试: session=%s", verdict.SessionID)
				if err := r.CommitMessages(context.Background(), m); err != nil {
					log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
				}
			}
		} else {
			_ = database.RDB.Del(context.Background(), fmt.Sprintf("kafka:verdict:attempts:%s", verdict.SessionID)).Err()
			if err := r.CommitMessages(context.Background(), m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}

	if err := r.Close(); err != nil {
		log.Fatalf("关闭 Kafka 消费者失败: %v", err)
	}
}
