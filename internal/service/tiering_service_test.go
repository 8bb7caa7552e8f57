package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediapipeline-go/internal/config"
	"mediapipeline-go/internal/model"
	"mediapipeline-go/internal/repository"
)

// fakeAccessRepo 是 AccessRepository 的内存实现。
type fakeAccessRepo struct {
	mu      sync.Mutex
	records map[string]*model.AccessRecord
	stuck   map[string]string
	fail    bool
}

func newFakeAccessRepo() *fakeAccessRepo {
	return &fakeAccessRepo{
		records: make(map[string]*model.AccessRecord),
		stuck:   make(map[string]string),
	}
}

func (f *fakeAccessRepo) RecordAccess(_ context.Context, objectID string, tier model.StorageTier) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("redis down")
	}
	rec, ok := f.records[objectID]
	if !ok {
		rec = &model.AccessRecord{ObjectID: objectID}
		f.records[objectID] = rec
	}
	rec.Tier = tier
	rec.AccessCount++
	rec.LastAccessAt = time.Now()
	return rec.AccessCount, nil
}

func (f *fakeAccessRepo) Snapshot(context.Context) ([]model.AccessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.AccessRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeAccessRepo) ResetCount(_ context.Context, objectID string, newTier model.StorageTier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[objectID]; ok {
		rec.AccessCount = 0
		rec.Tier = newTier
	}
	return nil
}

func (f *fakeAccessRepo) Remove(_ context.Context, objectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, objectID)
	return nil
}

func (f *fakeAccessRepo) MarkStuck(_ context.Context, objectID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuck[objectID] = reason
	return nil
}

func (f *fakeAccessRepo) ListStuck(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.stuck))
	for k, v := range f.stuck {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAccessRepo) ClearStuck(_ context.Context, objectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stuck, objectID)
	return nil
}

func testTieringConfig() config.TieringConfig {
	return config.TieringConfig{
		EvalInterval:     time.Hour, // 测试中不依赖周期评估
		PromoteThreshold: 50,
		PromoteWindow:    10 * time.Minute,
		DemoteIdle:       720 * time.Hour,
		DemoteMaxCount:   5,
		HotTTL:           72 * time.Hour,
		QueueSize:        8,
		MaxRetries:       2,
		RetryBackoff:     time.Millisecond,
	}
}

type tieringFixture struct {
	svc        TieringService
	impl       *tieringService
	accessRepo *fakeAccessRepo
	repo       repository.SessionRepository
	store      *fakeTierStore
}

func newTieringFixture(t *testing.T) *tieringFixture {
	t.Helper()
	accessRepo := newFakeAccessRepo()
	repo := newTestRepo(t)
	store := newFakeTierStore()
	svc := NewTieringService(testTieringConfig(), accessRepo, repo, store)
	return &tieringFixture{
		svc:        svc,
		impl:       svc.(*tieringService),
		accessRepo: accessRepo,
		repo:       repo,
		store:      store,
	}
}

// storedSession 建立一个已入库指定层级的会话，对象字节放入对应层级。
func (f *tieringFixture) storedSession(t *testing.T, id string, tier model.StorageTier) {
	t.Helper()
	require.NoError(t, f.repo.Create(&model.UploadSession{
		ID: id, OwnerID: 1, FileName: "movie.mp4", TotalSize: 1000,
		Offset: 1000, Status: model.StatusStored, StorageTier: tier, Metadata: "{}",
	}))
	require.NoError(t, f.store.Put(context.Background(), tier, id, nil, 0))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDecidePolicy(t *testing.T) {
	f := newTieringFixture(t)
	now := time.Now()

	// 窗口内访问 50 次的 warm 对象被提升到 hot
	task, ok := f.impl.decide(model.AccessRecord{
		ObjectID: "hot-candidate", Tier: model.TierWarm,
		AccessCount: 50, LastAccessAt: now.Add(-time.Minute),
	}, now)
	require.True(t, ok)
	assert.Equal(t, model.TierHot, task.ToTier)
	assert.Equal(t, model.ReasonPromoteHot, task.Reason)

	// 已经在 hot 的对象不再提升
	_, ok = f.impl.decide(model.AccessRecord{
		ObjectID: "already-hot", Tier: model.TierHot,
		AccessCount: 500, LastAccessAt: now.Add(-time.Minute),
	}, now)
	assert.False(t, ok)

	// 闲置 30 天且访问量低的对象降级到 cold
	task, ok = f.impl.decide(model.AccessRecord{
		ObjectID: "cold-candidate", Tier: model.TierWarm,
		AccessCount: 2, LastAccessAt: now.Add(-800 * time.Hour),
	}, now)
	require.True(t, ok)
	assert.Equal(t, model.TierCold, task.ToTier)
	assert.Equal(t, model.ReasonDemoteCold, task.Reason)

	// 闲置但访问量高的对象不降级
	_, ok = f.impl.decide(model.AccessRecord{
		ObjectID: "busy-idle", Tier: model.TierWarm,
		AccessCount: 100, LastAccessAt: now.Add(-800 * time.Hour),
	}, now)
	assert.False(t, ok)

	// hot 对象驻留超时后回落 warm，即使总访问量仍然很高
	task, ok = f.impl.decide(model.AccessRecord{
		ObjectID: "cooled-down", Tier: model.TierHot,
		AccessCount: 200, LastAccessAt: now.Add(-100 * time.Hour),
	}, now)
	require.True(t, ok)
	assert.Equal(t, model.TierWarm, task.ToTier)
	assert.Equal(t, model.ReasonTTLExpire, task.Reason)

	// 正常访问中的对象保持不动
	_, ok = f.impl.decide(model.AccessRecord{
		ObjectID: "steady", Tier: model.TierWarm,
		AccessCount: 10, LastAccessAt: now.Add(-time.Minute),
	}, now)
	assert.False(t, ok)
}

func TestManualMigrationMovesObject(t *testing.T) {
	f := newTieringFixture(t)
	f.storedSession(t, "obj-1", model.TierHot)
	f.svc.Start()
	defer f.svc.Stop()

	require.NoError(t, f.svc.TriggerMigration(context.Background(), "obj-1", model.TierCold))

	waitFor(t, func() bool {
		session, err := f.repo.GetByID("obj-1")
		return err == nil && session.StorageTier == model.TierCold
	}, "层级指针应当翻转到 cold")

	assert.True(t, f.store.has(model.TierCold, "obj-1"))
	waitFor(t, func() bool { return !f.store.has(model.TierHot, "obj-1") }, "旧层级副本应当被删除")
}

func TestManualMigrationValidation(t *testing.T) {
	f := newTieringFixture(t)
	f.storedSession(t, "obj-1", model.TierHot)
	ctx := context.Background()

	assert.Error(t, f.svc.TriggerMigration(ctx, "obj-1", model.StorageTier("tape")))
	assert.ErrorIs(t, f.svc.TriggerMigration(ctx, "no-such", model.TierCold), repository.ErrNotFound)
	assert.Error(t, f.svc.TriggerMigration(ctx, "obj-1", model.TierHot)) // 已在目标层级

	// 未启动搬运循环时第二次触发同一对象报忙
	require.NoError(t, f.svc.TriggerMigration(ctx, "obj-1", model.TierCold))
	assert.ErrorIs(t, f.svc.TriggerMigration(ctx, "obj-1", model.TierWarm), ErrMigrationBusy)
}

func TestMigrationRetryExhaustionMarksStuck(t *testing.T) {
	f := newTieringFixture(t)
	f.storedSession(t, "obj-1", model.TierHot)
	f.store.failCopy = true
	f.svc.Start()
	defer f.svc.Stop()

	require.NoError(t, f.svc.TriggerMigration(context.Background(), "obj-1", model.TierCold))

	waitFor(t, func() bool {
		report, err := f.svc.StuckReport(context.Background())
		_, stuck := report["obj-1"]
		return err == nil && stuck
	}, "重试耗尽后应当记入卡死报告")

	// 失败的迁移不翻转层级指针
	session, err := f.repo.GetByID("obj-1")
	require.NoError(t, err)
	assert.Equal(t, model.TierHot, session.StorageTier)
}

// 排队期间过期的任务被放弃，不触碰对象。
func TestMoveSkipsStaleTask(t *testing.T) {
	f := newTieringFixture(t)
	f.storedSession(t, "obj-1", model.TierHot)

	f.impl.move(model.MigrationTask{
		ObjectID: "obj-1",
		FromTier: model.TierWarm, // 与实际层级不符
		ToTier:   model.TierCold,
		Reason:   model.ReasonDemoteCold,
	})

	session, err := f.repo.GetByID("obj-1")
	require.NoError(t, err)
	assert.Equal(t, model.TierHot, session.StorageTier)
	assert.False(t, f.store.has(model.TierCold, "obj-1"))
}

func TestRecordAccessNeverPropagatesErrors(t *testing.T) {
	f := newTieringFixture(t)
	f.accessRepo.fail = true
	// 统计失败不恐慌、不阻塞
	f.svc.RecordAccess(context.Background(), "obj-1", model.TierHot)
}

// 访问计数越过高水位时触发提前评估并产生提升任务。
func TestThresholdCrossingTriggersPromotion(t *testing.T) {
	f := newTieringFixture(t)
	f.storedSession(t, "obj-1", model.TierWarm)
	f.svc.Start()
	defer f.svc.Stop()

	ctx := context.Background()
	for i := int64(0); i < testTieringConfig().PromoteThreshold; i++ {
		f.svc.RecordAccess(ctx, "obj-1", model.TierWarm)
	}

	waitFor(t, func() bool {
		session, err := f.repo.GetByID("obj-1")
		return err == nil && session.StorageTier == model.TierHot
	}, "越过高水位的对象应当被提升到 hot")
}
