package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/internal/model"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/pkg/log"
	"mediapipeline-go/pkg/storage"
)

// ErrMigrationBusy 表示对象已有一条迁移任务在排队或执行。
var ErrMigrationBusy = errors.New("object already has a pending migration")

// TieringService 接口定义了访问统计与层级迁移的业务操作。
// 访问统计绝不阻塞、绝不失败读路径；迁移由周期评估与阈值触发驱动，
// 同一对象同一时刻最多只有一条迁移在执行。
type TieringService interface {
	// RecordAccess 记录一次对象访问。统计失败只记录日志，
	// 绝不向调用方（下载路径）传播错误。
	RecordAccess(ctx context.Context, objectID string, tier model.StorageTier)

	// TriggerMigration 由管理员手动触发一次迁移。
	TriggerMigration(ctx context.Context, objectID string, toTier model.StorageTier) error

	// StuckReport 返回重试耗尽后卡死的迁移，objectID -> 原因。
	StuckReport(ctx context.Context) (map[string]string, error)

	// Forget 清除对象的访问统计，对象被删除时调用。
	Forget(ctx context.Context, objectID string)

	Start()
	Stop()
}

type tieringService struct {
	cfg         config.TieringConfig
	accessRepo  repository.AccessRepository
	sessionRepo repository.SessionRepository
	tierStore   storage.TierStore

	queue   chan model.MigrationTask
	nudge   chan struct{} // 阈值越线时提前唤醒评估
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once

	mu       sync.Mutex
	inFlight map[string]struct{} // 排队中或执行中的对象
}

// NewTieringService 创建一个新的 TieringService 实例。
func NewTieringService(
	cfg config.TieringConfig,
	accessRepo repository.AccessRepository,
	sessionRepo repository.SessionRepository,
	tierStore storage.TierStore,
) TieringService {
	return &tieringService{
		cfg:         cfg,
		accessRepo:  accessRepo,
		sessionRepo: sessionRepo,
		tierStore:   tierStore,
		queue:       make(chan model.MigrationTask, cfg.QueueSize),
		nudge:       make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		inFlight:    make(map[string]struct{}),
	}
}

// Start 启动评估循环与搬运循环。
func (s *tieringService) Start() {
	s.wg.Add(2)
	go s.schedulerLoop()
	go s.moverLoop()
	log.Infof("层级迁移调度器已启动, 评估间隔 %s", s.cfg.EvalInterval)
}

// Stop 停止后台循环并等待当前搬运完成。
func (s *tieringService) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	log.Info("层级迁移调度器已停止")
}

// RecordAccess 自增访问计数。计数恰好越过高水位时非阻塞地唤醒一次
// 评估，避免热点对象等待下一个评估周期。
func (s *tieringService) RecordAccess(ctx context.Context, objectID string, tier model.StorageTier) {
	count, err := s.accessRepo.RecordAccess(ctx, objectID, tier)
	if err != nil {
		log.Warnf("[RecordAccess] 记录对象访问失败: object=%s, error: %v", objectID, err)
		return
	}
	if tier != model.TierHot && count == s.cfg.PromoteThreshold {
		select {
		case s.nudge <- struct{}{}:
		default:
		}
	}
}

// Forget 清除对象的统计记录。
func (s *tieringService) Forget(ctx context.Context, objectID string) {
	if err := s.accessRepo.Remove(ctx, objectID); err != nil {
		log.Warnf("[Forget] 清除访问统计失败: object=%s, error: %v", objectID, err)
	}
}

// StuckReport 返回卡死迁移报告。
func (s *tieringService) StuckReport(ctx context.Context) (map[string]string, error) {
	return s.accessRepo.ListStuck(ctx)
}

// TriggerMigration 绕过策略评估，直接把对象从当前层级迁到目标层级。
func (s *tieringService) TriggerMigration(ctx context.Context, objectID string, toTier model.StorageTier) error {
	if _, ok := map[model.StorageTier]struct{}{
		model.TierHot: {}, model.TierWarm: {}, model.TierCold: {},
	}[toTier]; !ok {
		return fmt.Errorf("未知的目标层级 '%s'", toTier)
	}

	session, err := s.sessionRepo.GetByID(objectID)
	if err != nil {
		return err
	}
	if session.Status != model.StatusStored {
		return fmt.Errorf("对象 %s 处于 %s，只有已入库对象可迁移", objectID, session.Status)
	}
	if session.StorageTier == toTier {
		return fmt.Errorf("对象 %s 已在层级 '%s'", objectID, toTier)
	}

	task := model.MigrationTask{
		ObjectID:   objectID,
		FromTier:   session.StorageTier,
		ToTier:     toTier,
		Reason:     model.ReasonManual,
		EnqueuedAt: time.Now(),
	}
	if !s.tryEnqueue(task) {
		return ErrMigrationBusy
	}
	return nil
}

// schedulerLoop 周期性地评估访问快照，也响应阈值越线的提前唤醒。
func (s *tieringService) schedulerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.EvalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.evaluate()
		case <-s.nudge:
			s.evaluate()
		}
	}
}

// evaluate 对全量访问快照应用迁移策略并入队产生的任务。
// 提升与降级条件同时成立时提升优先。
func (s *tieringService) evaluate() {
	ctx := context.Background()
	records, err := s.accessRepo.Snapshot(ctx)
	if err != nil {
		log.Errorf("[evaluate] 读取访问快照失败: %v", err)
		return
	}

	now := time.Now()
	for _, rec := range records {
		task, ok := s.decide(rec, now)
		if !ok {
			continue
		}
		if s.tryEnqueue(task) {
			log.Infof("[evaluate] 迁移任务入队: object=%s, %s -> %s, reason=%s",
				task.ObjectID, task.FromTier, task.ToTier, task.Reason)
		}
	}
}

// decide 对单条统计记录应用策略，决定是否产生迁移任务。
func (s *tieringService) decide(rec model.AccessRecord, now time.Time) (model.MigrationTask, bool) {
	idle := now.Sub(rec.LastAccessAt)

	// 提升：观察窗口内访问次数达到高水位
	if rec.Tier != model.TierHot && rec.AccessCount >= s.cfg.PromoteThreshold && idle <= s.cfg.PromoteWindow {
		return model.MigrationTask{
			ObjectID:   rec.ObjectID,
			FromTier:   rec.Tier,
			ToTier:     model.TierHot,
			Reason:     model.ReasonPromoteHot,
			EnqueuedAt: now,
		}, true
	}

	// 降级：长期闲置且总访问量低
	if rec.Tier != model.TierCold && idle >= s.cfg.DemoteIdle && rec.AccessCount <= s.cfg.DemoteMaxCount {
		return model.MigrationTask{
			ObjectID:   rec.ObjectID,
			FromTier:   rec.Tier,
			ToTier:     model.TierCold,
			Reason:     model.ReasonDemoteCold,
			EnqueuedAt: now,
		}, true
	}

	// hot 驻留超时：热度消退的对象回落到 warm 常驻层
	if rec.Tier == model.TierHot && idle >= s.cfg.HotTTL {
		return model.MigrationTask{
			ObjectID:   rec.ObjectID,
			FromTier:   model.TierHot,
			ToTier:     model.TierWarm,
			Reason:     model.ReasonTTLExpire,
			EnqueuedAt: now,
		}, true
	}

	return model.MigrationTask{}, false
}

// tryEnqueue 在对象未在途时把任务放入队列。
// 入队成功即视为在途，直到搬运结束（成功、放弃或判定过期）才解除。
func (s *tieringService) tryEnqueue(task model.MigrationTask) bool {
	s.mu.Lock()
	if _, busy := s.inFlight[task.ObjectID]; busy {
		s.mu.Unlock()
		return false
	}
	s.inFlight[task.ObjectID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- task:
		return true
	default:
		// 队列满则放弃本轮，下一个评估周期会重新发现
		s.release(task.ObjectID)
		log.Warnf("[tryEnqueue] 迁移队列已满, 丢弃任务: object=%s", task.ObjectID)
		return false
	}
}

func (s *tieringService) release(objectID string) {
	s.mu.Lock()
	delete(s.inFlight, objectID)
	s.mu.Unlock()
}

// moverLoop 消费迁移队列。单个搬运循环天然保证了任意时刻每个对象
// 至多一条迁移在执行。
func (s *tieringService) moverLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			s.move(task)
		}
	}
}

// move 执行一条迁移：复制字节、翻转层级指针、重置计数、删除旧副本。
// 指针翻转是唯一的可见性切换点，翻转前读方继续从旧层级读取，
// 任何一步失败都不会让对象对外不可见。
func (s *tieringService) move(task model.MigrationTask) {
	ctx := context.Background()

	// 任务可能在排队期间过期：对象被删除或层级已被别的原因改变
	session, err := s.sessionRepo.GetByID(task.ObjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Infof("[move] 对象已不存在, 放弃迁移: object=%s", task.ObjectID)
			s.release(task.ObjectID)
			return
		}
		s.retry(task, err)
		return
	}
	if session.Status != model.StatusStored || session.StorageTier != task.FromTier {
		log.Infof("[move] 任务已过期, 放弃迁移: object=%s, status=%s, tier=%s",
			task.ObjectID, session.Status, session.StorageTier)
		s.release(task.ObjectID)
		return
	}

	if err := s.tierStore.Copy(ctx, task.ObjectID, task.FromTier, task.ToTier); err != nil {
		s.retry(task, err)
		return
	}

	// 指针翻转：此后读方从新层级读取
	if _, err := s.sessionRepo.SetTier(task.ObjectID, task.ToTier); err != nil {
		s.retry(task, err)
		return
	}

	if err := s.accessRepo.ResetCount(ctx, task.ObjectID, task.ToTier); err != nil {
		log.Warnf("[move] 重置访问计数失败: object=%s, error: %v", task.ObjectID, err)
	}

	// 旧副本清理失败不回滚：指针已指向新层级，旧副本只是多占了空间
	if err := s.tierStore.Delete(ctx, task.FromTier, task.ObjectID); err != nil &&
		!errors.Is(err, storage.ErrObjectNotFound) {
		log.Warnf("[move] 删除旧层级副本失败: object=%s, tier=%s, error: %v",
			task.ObjectID, task.FromTier, err)
	}

	if err := s.accessRepo.ClearStuck(ctx, task.ObjectID); err != nil {
		log.Warnf("[move] 清除卡死标记失败: object=%s, error: %v", task.ObjectID, err)
	}

	s.release(task.ObjectID)
	log.Infof("[move] 迁移完成: object=%s, %s -> %s, reason=%s",
		task.ObjectID, task.FromTier, task.ToTier, task.Reason)
}

// retry 按指数退避把失败的任务重新入队，重试耗尽后记入卡死报告。
// 等待期间对象保持在途，阻止评估为它产生新任务。
func (s *tieringService) retry(task model.MigrationTask, cause error) {
	task.Attempts++
	if task.Attempts > s.cfg.MaxRetries {
		log.Errorf("[retry] 迁移重试耗尽, 标记为卡死: object=%s, %s -> %s, error: %v",
			task.ObjectID, task.FromTier, task.ToTier, cause)
		if err := s.accessRepo.MarkStuck(context.Background(), task.ObjectID,
			fmt.Sprintf("%s->%s: %v", task.FromTier, task.ToTier, cause)); err != nil {
			log.Errorf("[retry] 记录卡死报告失败: object=%s, error: %v", task.ObjectID, err)
		}
		s.release(task.ObjectID)
		return
	}

	backoff := s.cfg.RetryBackoff * time.Duration(1<<(task.Attempts-1))
	log.Warnf("[retry] 迁移失败, %s 后第 %d 次重试: object=%s, error: %v",
		backoff, task.Attempts, task.ObjectID, cause)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stopCh:
			s.release(task.ObjectID)
		case <-time.After(backoff):
			select {
			case s.queue <- task:
			case <-s.stopCh:
				s.release(task.ObjectID)
			}
		}
	}()
}
