package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mediapipeline-go/internal/model"
	"mediapipeline-go/internal/progress"
	"mediapipeline-go/internal/repository"
	"mediapipeline-go/pkg/tasks"
)

// newTestRepo 在内存 SQLite 上构建一个真实的会话仓储。
func newTestRepo(t *testing.T) repository.SessionRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.UploadSession{}, &model.SessionPart{}))
	return repository.NewSessionRepository(db)
}

// fakeTierStore 是 TierStore 的内存实现。
type fakeTierStore struct {
	mu       sync.Mutex
	staging  map[string][]byte // path -> 分片字节
	objects  map[model.StorageTier][]string
	composed map[string]int // sessionID -> 合并时的分片数
	putSeq   int            // 暂存路径的唯一后缀
	failCopy bool

	// putHook 在分片字节读取之后、落入 staging 之前被调用，
	// 供测试编排并发调用者的相对顺序。
	putHook func(data []byte)
}

func newFakeTierStore() *fakeTierStore {
	return &fakeTierStore{
		staging:  make(map[string][]byte),
		objects:  make(map[model.StorageTier][]string),
		composed: make(map[string]int),
	}
}

func (f *fakeTierStore) has(tier model.StorageTier, objectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.objects[tier] {
		if id == objectID {
			return true
		}
	}
	return false
}

func (f *fakeTierStore) PutChunk(_ context.Context, sessionID string, offset int64, reader io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if f.putHook != nil {
		f.putHook(data)
	}
	f.mu.Lock()
	f.putSeq++
	path := fmt.Sprintf("chunks/%s/%d-%04d", sessionID, offset, f.putSeq)
	f.staging[path] = data
	f.mu.Unlock()
	return path, nil
}

func (f *fakeTierStore) ComposeParts(_ context.Context, sessionID string, partPaths []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var merged []byte
	for _, path := range partPaths {
		data, ok := f.staging[path]
		if !ok {
			return "", fmt.Errorf("分片缺失: %s", path)
		}
		merged = append(merged, data...)
	}
	f.staging[sessionID] = merged
	f.composed[sessionID] = len(partPaths)
	return fmt.Sprintf("etag-%d", len(merged)), nil
}

func (f *fakeTierStore) RemoveStaging(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := fmt.Sprintf("chunks/%s/", sessionID)
	for path := range f.staging {
		if strings.HasPrefix(path, prefix) {
			delete(f.staging, path)
		}
	}
	delete(f.staging, sessionID)
}

func (f *fakeTierStore) Put(_ context.Context, tier model.StorageTier, objectID string, _ io.Reader, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[tier] = append(f.objects[tier], objectID)
	return nil
}

func (f *fakeTierStore) Get(context.Context, model.StorageTier, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeTierStore) Delete(_ context.Context, tier model.StorageTier, objectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.objects[tier][:0]
	for _, id := range f.objects[tier] {
		if id != objectID {
			kept = append(kept, id)
		}
	}
	f.objects[tier] = kept
	return nil
}

func (f *fakeTierStore) Copy(_ context.Context, objectID string, _, toTier model.StorageTier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCopy {
		return errors.New("copy failed")
	}
	f.objects[toTier] = append(f.objects[toTier], objectID)
	return nil
}

func (f *fakeTierStore) StoreFromStaging(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCopy {
		return errors.New("store failed")
	}
	if _, ok := f.staging[sessionID]; !ok {
		return errors.New("staging 对象缺失")
	}
	f.objects[model.TierHot] = append(f.objects[model.TierHot], sessionID)
	return nil
}

func (f *fakeTierStore) PurgeAllTiers(_ context.Context, objectID string) error {
	for _, tier := range []model.StorageTier{model.TierHot, model.TierWarm, model.TierCold} {
		_ = f.Delete(context.Background(), tier, objectID)
	}
	return nil
}

func (f *fakeTierStore) PresignedGetURL(_ context.Context, tier model.StorageTier, objectID string, _ time.Duration) (string, error) {
	return fmt.Sprintf("https://store.local/%s/%s", tier, objectID), nil
}

// fakeDispatcher 记录投递的审核任务。
type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []tasks.ModerationTask
	fail  bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task tasks.ModerationTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("dispatch failed")
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

// fakeIndexer 记录索引操作。
type fakeIndexer struct {
	mu      sync.Mutex
	indexed []string
	removed []string
}

func (i *fakeIndexer) IndexStored(_ context.Context, session *model.UploadSession) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexed = append(i.indexed, session.ID)
	return nil
}

func (i *fakeIndexer) RemoveFromIndex(_ context.Context, sessionID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removed = append(i.removed, sessionID)
}

type sessionFixture struct {
	svc        SessionService
	repo       repository.SessionRepository
	store      *fakeTierStore
	dispatcher *fakeDispatcher
	indexer    *fakeIndexer
	hub        *progress.Hub
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	repo := newTestRepo(t)
	store := newFakeTierStore()
	dispatcher := &fakeDispatcher{}
	indexer := &fakeIndexer{}
	hub := progress.NewHub()
	return &sessionFixture{
		svc:        NewSessionService(repo, store, hub, dispatcher, indexer),
		repo:       repo,
		store:      store,
		dispatcher: dispatcher,
		indexer:    indexer,
		hub:        hub,
	}
}

func appendBytes(t *testing.T, f *sessionFixture, sessionID string, offset, size int64) (*model.UploadSession, error) {
	t.Helper()
	return f.svc.AppendChunk(context.Background(), sessionID, offset, bytes.NewReader(make([]byte, size)), size)
}

func TestCreateValidation(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, 1, "video.mp4", 0, nil)
	assert.Error(t, err)
	_, err = f.svc.Create(ctx, 1, "video.mp4", -5, nil)
	assert.Error(t, err)
	_, err = f.svc.Create(ctx, 0, "video.mp4", 100, nil)
	assert.Error(t, err)

	session, err := f.svc.Create(ctx, 1, "video.mp4", 100, map[string]string{"codec": "h264"})
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, model.StatusCreated, session.Status)
	assert.Equal(t, int64(0), session.Offset)
	assert.Equal(t, model.TierNone, session.StorageTier)
}

// 3,000,000 字节分三次追加的完整上传流程。
func TestUploadInThreeChunks(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	const total = int64(3_000_000)
	const chunk = int64(1_000_000)

	session, err := f.svc.Create(ctx, 1, "movie.mp4", total, nil)
	require.NoError(t, err)
	id := session.ID

	sub := f.hub.Subscribe(id)
	defer f.hub.Unsubscribe(sub)

	// 第一个分片: created -> uploading
	updated, err := appendBytes(t, f, id, 0, chunk)
	require.NoError(t, err)
	assert.Equal(t, chunk, updated.Offset)
	assert.Equal(t, model.StatusUploading, updated.Status)

	// 第二个分片
	updated, err = appendBytes(t, f, id, chunk, chunk)
	require.NoError(t, err)
	assert.Equal(t, 2*chunk, updated.Offset)

	// 末片: 合并、审核投递、moderating
	updated, err = appendBytes(t, f, id, 2*chunk, chunk)
	require.NoError(t, err)
	assert.Equal(t, total, updated.Offset)
	assert.Equal(t, model.StatusModerating, updated.Status)
	assert.NotEmpty(t, updated.Checksum)

	assert.Equal(t, 3, f.store.composed[id])
	require.Equal(t, 1, f.dispatcher.count())
	assert.Equal(t, id, f.dispatcher.tasks[0].SessionID)

	// 进度事件按偏移推进
	var offsets []int64
	for len(sub.C) > 0 {
		offsets = append(offsets, (<-sub.C).BytesSent)
	}
	assert.Equal(t, []int64{chunk, 2 * chunk, total, total}, offsets)
}

func TestAppendRejectsStaleOffset(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	session, err := f.svc.Create(ctx, 1, "movie.mp4", 3000, nil)
	require.NoError(t, err)

	_, err = appendBytes(t, f, session.ID, 0, 1000)
	require.NoError(t, err)

	// 重放同一个分片
	_, err = appendBytes(t, f, session.ID, 0, 1000)
	assert.ErrorIs(t, err, repository.ErrConflict)

	// 乱序的超前分片
	_, err = appendBytes(t, f, session.ID, 2000, 1000)
	assert.ErrorIs(t, err, repository.ErrConflict)

	// 拒绝不改变存储状态
	current, err := f.svc.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), current.Offset)
	assert.Equal(t, model.StatusUploading, current.Status)
}

// 同一偏移的并发追加：输家晚到的暂存写入不能覆盖赢家已记录的分片字节。
func TestConcurrentSameOffsetLoserCannotCorruptWinnerChunk(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	session, err := f.svc.Create(ctx, 1, "movie.mp4", 200, nil)
	require.NoError(t, err)
	id := session.ID

	winnerData := bytes.Repeat([]byte{'A'}, 100)
	loserData := bytes.Repeat([]byte{'B'}, 50)

	// 输家先读到 offset=0，随后卡在暂存写入上，等赢家完整提交后才继续
	entered := make(chan struct{})
	gate := make(chan struct{})
	f.store.putHook = func(data []byte) {
		if len(data) > 0 && data[0] == 'B' {
			close(entered)
			<-gate
		}
	}

	loserDone := make(chan error, 1)
	go func() {
		_, err := f.svc.AppendChunk(ctx, id, 0, bytes.NewReader(loserData), int64(len(loserData)))
		loserDone <- err
	}()
	<-entered

	updated, err := f.svc.AppendChunk(ctx, id, 0, bytes.NewReader(winnerData), int64(len(winnerData)))
	require.NoError(t, err)
	assert.Equal(t, int64(100), updated.Offset)

	close(gate)
	assert.ErrorIs(t, <-loserDone, repository.ErrConflict)

	// 分片表里只有赢家的路径，路径上暂存的就是赢家的字节
	parts, err := f.repo.GetParts(id)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, int64(100), parts[0].Size)
	f.store.mu.Lock()
	staged := f.store.staging[parts[0].StoragePath]
	f.store.mu.Unlock()
	assert.Equal(t, winnerData, staged)

	current, err := f.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), current.Offset)
}

func TestAppendRejectsOverrun(t *testing.T) {
	f := newSessionFixture(t)
	session, err := f.svc.Create(context.Background(), 1, "movie.mp4", 1500, nil)
	require.NoError(t, err)

	_, err = appendBytes(t, f, session.ID, 0, 1000)
	require.NoError(t, err)

	// 越过 totalSize 的分片
	_, err = appendBytes(t, f, session.ID, 1000, 1000)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrConflict)
}

func TestAppendUnknownSession(t *testing.T) {
	f := newSessionFixture(t)
	_, err := appendBytes(t, f, "no-such", 0, 100)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// 完成后重放末片是无操作，不报错也不重复投递审核。
func TestDuplicateFinalChunkIsNoop(t *testing.T) {
	f := newSessionFixture(t)
	session, err := f.svc.Create(context.Background(), 1, "movie.mp4", 2000, nil)
	require.NoError(t, err)

	_, err = appendBytes(t, f, session.ID, 0, 1000)
	require.NoError(t, err)
	_, err = appendBytes(t, f, session.ID, 1000, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, f.dispatcher.count())

	updated, err := appendBytes(t, f, session.ID, 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), updated.Offset)
	assert.Equal(t, model.StatusModerating, updated.Status)
	assert.Equal(t, 1, f.dispatcher.count())

	// 非末片的重放仍然是冲突
	_, err = appendBytes(t, f, session.ID, 0, 1000)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)
}

// 审核投递失败时会话停留在 completed，等待巡检补投。
func TestDispatchFailureLeavesCompleted(t *testing.T) {
	f := newSessionFixture(t)
	f.dispatcher.fail = true

	session, err := f.svc.Create(context.Background(), 1, "movie.mp4", 1000, nil)
	require.NoError(t, err)

	updated, err := appendBytes(t, f, session.ID, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, updated.Status)
}

func uploadToModerating(t *testing.T, f *sessionFixture, total int64) *model.UploadSession {
	t.Helper()
	session, err := f.svc.Create(context.Background(), 1, "movie.mp4", total, nil)
	require.NoError(t, err)
	updated, err := appendBytes(t, f, session.ID, 0, total)
	require.NoError(t, err)
	require.Equal(t, model.StatusModerating, updated.Status)
	return updated
}

func TestVerdictApproved(t *testing.T) {
	f := newSessionFixture(t)
	session := uploadToModerating(t, f, 1000)

	sub := f.hub.Subscribe(session.ID)
	defer f.hub.Unsubscribe(sub)

	err := f.svc.Process(context.Background(), tasks.ModerationVerdict{
		SessionID: session.ID,
		Verdict:   tasks.VerdictApproved,
	})
	require.NoError(t, err)

	stored, err := f.svc.Status(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStored, stored.Status)
	assert.Equal(t, model.TierHot, stored.StorageTier)
	assert.True(t, f.store.has(model.TierHot, session.ID))
	assert.Equal(t, []string{session.ID}, f.indexer.indexed)

	ev := <-sub.C
	assert.Equal(t, progress.EventComplete, ev.Type)
}

func TestVerdictRejected(t *testing.T) {
	f := newSessionFixture(t)
	session := uploadToModerating(t, f, 1000)

	sub := f.hub.Subscribe(session.ID)
	defer f.hub.Unsubscribe(sub)

	err := f.svc.Process(context.Background(), tasks.ModerationVerdict{
		SessionID: session.ID,
		Verdict:   tasks.VerdictRejected,
		Reason:    "policy violation",
	})
	require.NoError(t, err)

	deleted, err := f.svc.Status(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, deleted.Status)
	assert.False(t, f.store.has(model.TierHot, session.ID))

	ev := <-sub.C
	assert.Equal(t, progress.EventError, ev.Type)
	assert.Equal(t, "policy violation", ev.Message)
}

// 结论队列是 at-least-once 的：重复与矛盾的结论只有第一条生效。
func TestVerdictIdempotent(t *testing.T) {
	f := newSessionFixture(t)
	session := uploadToModerating(t, f, 1000)
	ctx := context.Background()

	require.NoError(t, f.svc.Process(ctx, tasks.ModerationVerdict{
		SessionID: session.ID, Verdict: tasks.VerdictApproved,
	}))

	// 重复 approved 与迟到的 rejected 都被忽略
	require.NoError(t, f.svc.Process(ctx, tasks.ModerationVerdict{
		SessionID: session.ID, Verdict: tasks.VerdictApproved,
	}))
	require.NoError(t, f.svc.Process(ctx, tasks.ModerationVerdict{
		SessionID: session.ID, Verdict: tasks.VerdictRejected,
	}))

	stored, err := f.svc.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStored, stored.Status)
	assert.Equal(t, 1, len(f.indexer.indexed))
}

func TestVerdictUnknownSessionIgnored(t *testing.T) {
	f := newSessionFixture(t)
	err := f.svc.Process(context.Background(), tasks.ModerationVerdict{
		SessionID: "no-such", Verdict: tasks.VerdictApproved,
	})
	assert.NoError(t, err)
}

// 入库复制失败时会话停留在 moderating，重投后可以成功。
func TestVerdictApprovedRetriesAfterCopyFailure(t *testing.T) {
	f := newSessionFixture(t)
	session := uploadToModerating(t, f, 1000)
	ctx := context.Background()

	f.store.failCopy = true
	err := f.svc.Process(ctx, tasks.ModerationVerdict{
		SessionID: session.ID, Verdict: tasks.VerdictApproved,
	})
	require.Error(t, err)

	current, err := f.svc.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusModerating, current.Status)

	f.store.failCopy = false
	require.NoError(t, f.svc.Process(ctx, tasks.ModerationVerdict{
		SessionID: session.ID, Verdict: tasks.VerdictApproved,
	}))
	current, err = f.svc.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStored, current.Status)
}
