package service

import (
	"context"
	"sync"
	"time"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/internal/model"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/pkg/kafka"
	"mediapipeline-go/pkg/log"
	"mediapipeline-go/pkg/moderation"
	"mediapipeline-go/pkg/tasks"
)

// ModerationService 负责审核任务的投递与超时巡检。
// 任务先写入 Kafka 请求队列（at-least-once），再尽力通知审核服务；
// 通知失败不影响投递结果，审核端也会消费请求队列。
type ModerationService interface {
	ModerationDispatcher

	// StartWatchdog 启动超时巡检：停留在 moderating 超过结论窗口的
	// 会话被重新投递，防止结论丢失导致会话永久挂起。
	StartWatchdog()
	StopWatchdog()
}

type moderationService struct {
	cfg         config.ModerationConfig
	client      *moderation.Client
	sessionRepo repository.SessionRepository

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewModerationService 创建一个新的 ModerationService 实例。
func NewModerationService(cfg config.ModerationConfig, client *moderation.Client, sessionRepo repository.SessionRepository) ModerationService {
	return &moderationService{
		cfg:         cfg,
		client:      client,
		sessionRepo: sessionRepo,
		stopCh:      make(chan struct{}),
	}
}

// Dispatch 投递一个审核任务。写入请求队列成功即算投递成功。
func (s *moderationService) Dispatch(ctx context.Context, task tasks.ModerationTask) error {
	if err := kafka.ProduceModerationTask(task); err != nil {
		return err
	}
	if err := s.client.Submit(ctx, task); err != nil {
		// 审核端同时消费请求队列，HTTP 通知只是加速路径
		log.Warnf("[Dispatch] 通知审核服务失败: session=%s, error: %v", task.SessionID, err)
	}
	log.Infof("[Dispatch] 审核任务已投递: session=%s", task.SessionID)
	return nil
}

// StartWatchdog 启动审核超时巡检循环。
func (s *moderationService) StartWatchdog() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.VerdictWindow)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
	log.Infof("审核超时巡检已启动, 结论窗口 %s", s.cfg.VerdictWindow)
}

// StopWatchdog 停止巡检循环。
func (s *moderationService) StopWatchdog() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// sweep 重新投递超过结论窗口仍未收到结论的会话。
// 消费端按会话状态去重，重复投递是安全的。
func (s *moderationService) sweep() {
	cutoff := time.Now().Add(-s.cfg.VerdictWindow)
	sessions, err := s.sessionRepo.FindInStatusOlderThan(model.StatusModerating, cutoff)
	if err != nil {
		log.Errorf("[sweep] 查询超时会话失败: %v", err)
		return
	}
	// completed 停留说明上次投递本身失败了，一并补投
	stranded, err := s.sessionRepo.FindInStatusOlderThan(model.StatusCompleted, cutoff)
	if err != nil {
		log.Errorf("[sweep] 查询滞留会话失败: %v", err)
	} else {
		sessions = append(sessions, stranded...)
	}
	if len(sessions) == 0 {
		return
	}

	log.Warnf("[sweep] 发现 %d 个超时未出结论的会话, 重新投递", len(sessions))
	ctx := context.Background()
	for _, sess := range sessions {
		task := tasks.ModerationTask{
			SessionID:  sess.ID,
			ContentRef: sess.ID,
			FileName:   sess.FileName,
			Checksum:   sess.Checksum,
			Metadata:   parseMetadata(sess.Metadata),
		}
		if err := s.Dispatch(ctx, task); err != nil {
			log.Errorf("[sweep] 重新投递失败: session=%s, error: %v", sess.ID, err)
			continue
		}
		if sess.Status == model.StatusCompleted {
			if _, err := s.sessionRepo.SetStatus(sess.ID, model.StatusModerating); err != nil {
				log.Errorf("[sweep] 推进会话状态失败: session=%s, error: %v", sess.ID, err)
			}
		}
	}
}
