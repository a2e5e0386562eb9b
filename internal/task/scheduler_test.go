package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azhengyongqin/vodsync/internal/model"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestScheduler_ScheduleDedup(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(store, nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	id1, err := sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		DedupKey: "index:src1",
		RunAt:    now.Add(time.Hour),
	})
	require.NoError(t, err)

	// 同键、更晚的请求被抑制，返回已有记录
	id2, err := sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		DedupKey: "index:src1",
		RunAt:    now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "重复入队应该返回已有记录的 id")
	assert.Equal(t, 1, store.Len())

	rec, ok := store.Get(id1)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour), rec.RunAt, "更晚的请求不能推迟已排的工作")

	// 同键、更早的请求把已有记录提前
	id3, err := sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		DedupKey: "index:src1",
		RunAt:    now.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id3)

	rec, ok = store.Get(id1)
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Minute), rec.RunAt, "更早的请求应该把记录提前")
}

func TestScheduler_ScheduleDedupIgnoresLocked(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(store, nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	id1, err := sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		DedupKey: "index:src1",
		RunAt:    now.Add(-time.Minute),
	})
	require.NoError(t, err)

	// 认领后记录处于 locked，不再挡住新的入队
	rec, err := sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	require.Equal(t, id1, rec.ID)

	id2, err := sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		DedupKey: "index:src1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2, "执行中的记录不参与去重")
	assert.Equal(t, 2, store.Len())
}

// blindFindStore 第一次去重查询返回空，模拟两个 Schedule 并发时
// 双方都通过了查找、其中一方随后在插入时输掉竞争的时序
type blindFindStore struct {
	*MemoryStore
	calls int
}

func (s *blindFindStore) FindByDedupKey(ctx context.Context, key string) (*Record, error) {
	s.calls++
	if s.calls == 1 {
		return nil, nil
	}
	return s.MemoryStore.FindByDedupKey(ctx, key)
}

func TestScheduler_ScheduleDedupInsertRace(t *testing.T) {
	store := &blindFindStore{MemoryStore: NewMemoryStore()}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(store, nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	// 竞争对手先落库
	rival := newPendingRecord("rival", now.Add(time.Hour))
	rival.DedupKey = "index:src1"
	require.NoError(t, store.MemoryStore.Insert(ctx, rival))

	// 本方查找扑空、插入撞约束后，应该回头合并而不是报错或产生重复
	id, err := sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		DedupKey: "index:src1",
		RunAt:    now.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "rival", id, "输掉插入竞争后应该归并到已有记录")
	assert.Equal(t, 1, store.Len(), "竞争不能留下重复记录")

	rec, ok := store.Get("rival")
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Minute), rec.RunAt, "更早的请求仍然要把记录提前")
}

func TestScheduler_CompletePeriodicMergesDedup(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(store, nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	id1, err := sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		DedupKey: "index:src1",
		RunAt:    now.Add(-time.Minute),
		Interval: time.Hour,
	})
	require.NoError(t, err)

	rec, err := sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)

	// 锁定期间出现了同键的新记录（去重对 locked 不生效）
	_, err = sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		DedupKey: "index:src1",
		RunAt:    now.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	// 重排吸收对方的 run_at 并消掉重复，周期记录存续
	require.NoError(t, sched.Complete(ctx, rec))
	assert.Equal(t, 1, store.Len(), "重排后不能留下同键的重复记录")

	got, ok := store.Get(id1)
	require.True(t, ok)
	assert.Equal(t, model.TaskStatePending, got.State)
	assert.Equal(t, time.Hour, got.Interval, "周期间隔要保留在原记录上")
	assert.Equal(t, now.Add(5*time.Minute), got.RunAt, "合并时取更早的 run_at")
}

func TestScheduler_ClaimMarksLocked(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(store, nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	_, err := sched.Schedule(ctx, ScheduleParams{Name: "t", RunAt: now.Add(-time.Minute)})
	require.NoError(t, err)

	rec, err := sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "w1", rec.LockedBy)
	assert.Equal(t, model.TaskStateLocked, rec.State)
	assert.Equal(t, 1, rec.Attempts)

	// 没有可认领的
	rec, err = sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestScheduler_CompleteOneShot(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(store, nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	_, err := sched.Schedule(ctx, ScheduleParams{Name: "t", RunAt: now})
	require.NoError(t, err)

	rec, err := sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)

	require.NoError(t, sched.Complete(ctx, rec))
	assert.Equal(t, 0, store.Len(), "一次性任务成功后记录应该被删除")
}

func TestScheduler_CompletePeriodic(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(store, nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	id, err := sched.Schedule(ctx, ScheduleParams{
		Name:     "index_source",
		RunAt:    now,
		Interval: time.Hour,
	})
	require.NoError(t, err)

	rec, err := sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	require.NoError(t, sched.Complete(ctx, rec))

	got, ok := store.Get(id)
	require.True(t, ok, "周期任务成功后记录必须保留")
	assert.Equal(t, model.TaskStatePending, got.State)
	assert.Equal(t, now.Add(time.Hour), got.RunAt, "重排到 now + interval")
	assert.Equal(t, 0, got.Attempts, "重排后尝试计数清零")
	assert.Empty(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)
}

func TestScheduler_FailTransientReschedules(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policy := NewBackoffPolicy(30*time.Second, 6*time.Hour, 2.0, 0)
	sched := NewScheduler(store, policy, WithClock(fixedClock(now)))
	ctx := context.Background()

	id, err := sched.Schedule(ctx, ScheduleParams{Name: "t", RunAt: now})
	require.NoError(t, err)

	rec, err := sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)

	require.NoError(t, sched.Fail(ctx, rec, errors.New("upstream timeout"), model.ErrorKindTransient))

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.TaskStatePending, got.State)
	assert.Equal(t, now.Add(30*time.Second), got.RunAt, "第一次失败按初始延迟重排")
	assert.Empty(t, got.LockedBy, "失败后必须释放锁")
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, "upstream timeout", got.LastError)
	assert.Equal(t, 1, got.Attempts, "尝试计数保留，不随失败清零")
}

func TestScheduler_FailPermanentTerminal(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(store, nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	id, err := sched.Schedule(ctx, ScheduleParams{Name: "t", RunAt: now})
	require.NoError(t, err)

	rec, err := sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)

	// 永久错误第一次失败就判死，与尝试次数无关
	require.NoError(t, sched.Fail(ctx, rec, errors.New("video removed"), model.ErrorKindPermanent))

	got, ok := store.Get(id)
	require.True(t, ok, "判死的记录保留给运维排查")
	assert.Equal(t, model.TaskStateFailed, got.State)
	require.NotNil(t, got.FailedAt)
	assert.Equal(t, now, *got.FailedAt)

	// failed 状态不会再被认领
	rec, err = sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestScheduler_FailAttemptCeiling(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	sched := NewScheduler(store, NewBackoffPolicy(time.Second, time.Minute, 2.0, 0),
		WithAttemptCeiling(3),
		WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	id, err := sched.Schedule(ctx, ScheduleParams{Name: "t", RunAt: now})
	require.NoError(t, err)

	// 前两次瞬时失败重排，第三次达到上限判死
	for i := 1; i <= 3; i++ {
		clock = clock.Add(time.Hour)
		rec, err := sched.Claim(ctx, "w1", nil)
		require.NoError(t, err)
		require.NotNil(t, rec, "第 %d 次认领", i)
		require.NoError(t, sched.Fail(ctx, rec, errors.New("flaky"), model.ErrorKindTransient))
	}

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.TaskStateFailed, got.State, "达到判死上限后状态应为 failed")
	assert.Equal(t, 3, got.Attempts)
}

func TestScheduler_FailNoCeilingRetriesForever(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	sched := NewScheduler(store, NewBackoffPolicy(time.Second, time.Minute, 2.0, 0),
		WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	id, err := sched.Schedule(ctx, ScheduleParams{Name: "t", RunAt: now})
	require.NoError(t, err)

	// 上限为 0：失败多少次都继续退避重排
	for i := 1; i <= 20; i++ {
		clock = clock.Add(time.Hour)
		rec, err := sched.Claim(ctx, "w1", nil)
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.NoError(t, sched.Fail(ctx, rec, errors.New("flaky"), model.ErrorKindTransient))
	}

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.TaskStatePending, got.State)
	assert.Equal(t, 20, got.Attempts)
	// 延迟封顶，不会无限增长
	assert.Equal(t, clock.Add(time.Minute), got.RunAt)
}

func TestScheduler_ReapStaleLocks(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	sched := NewScheduler(store, NewBackoffPolicy(time.Second, time.Minute, 2.0, 0),
		WithMaxLockAge(4*time.Hour),
		WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	id, err := sched.Schedule(ctx, ScheduleParams{Name: "t", RunAt: now})
	require.NoError(t, err)

	rec, err := sched.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// 锁龄不足，不回收
	clock = now.Add(time.Hour)
	n, err := sched.ReapStaleLocks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// worker 失联超过阈值，回收并计为一次失败尝试
	clock = now.Add(5 * time.Hour)
	n, err = sched.ReapStaleLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, model.TaskStatePending, got.State, "回收后应该重新可认领")
	assert.Empty(t, got.LockedBy)
	assert.Equal(t, 1, got.Attempts, "被中断的执行计为一次失败尝试")
	assert.Contains(t, got.LastError, "presumed dead")

	// 回收后的记录能被重新认领
	clock = got.RunAt.Add(time.Second)
	rec, err = sched.Claim(ctx, "w2", nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "w2", rec.LockedBy)
	assert.Equal(t, 2, rec.Attempts)
}

func TestScheduler_ScheduleValidation(t *testing.T) {
	sched := NewScheduler(NewMemoryStore(), nil)

	_, err := sched.Schedule(context.Background(), ScheduleParams{})
	assert.Error(t, err, "缺少任务名应该报错")
}
