package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/azhengyongqin/vodsync/internal/logger"
	"github.com/azhengyongqin/vodsync/internal/metrics"
	"github.com/azhengyongqin/vodsync/internal/model"
)

// Scheduler 任务记录的生命周期管理：入队、认领、完成、失败、回收。
// 状态机：PENDING → LOCKED → {PENDING（重排） | 删除（一次性成功） | FAILED（判死）}。
// 所有跨 worker 的同步都由 Store.TryClaim 的原子性承担。
type Scheduler struct {
	store  Store
	policy *BackoffPolicy

	// attemptCeiling 瞬时错误的判死上限；0 表示无限退避重试
	attemptCeiling int
	// maxLockAge 锁龄超过该值的记录视为 worker 崩溃遗留
	maxLockAge time.Duration

	// now 时间源，测试时替换
	now func() time.Time
}

// SchedulerOption Scheduler 的可选配置
type SchedulerOption func(*Scheduler)

// WithAttemptCeiling 设置瞬时错误的判死上限
func WithAttemptCeiling(n int) SchedulerOption {
	return func(s *Scheduler) { s.attemptCeiling = n }
}

// WithMaxLockAge 设置陈旧锁的回收阈值
func WithMaxLockAge(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.maxLockAge = d }
}

// WithClock 替换时间源（测试用）
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler 创建调度器。store 和 policy 显式注入，不用进程级单例。
func NewScheduler(store Store, policy *BackoffPolicy, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:      store,
		policy:     policy,
		maxLockAge: 4 * time.Hour,
		now:        time.Now,
	}
	if s.policy == nil {
		s.policy = DefaultBackoffPolicy()
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleParams 一次入队请求
type ScheduleParams struct {
	Name        string
	Payload     json.RawMessage
	RunAt       time.Time
	Priority    int
	Queue       string
	VerboseName string
	// DedupKey 非空时启用去重：已有同键的未锁定记录则不再插入
	DedupKey string
	// Interval 周期任务的重排间隔；0 表示一次性任务
	Interval time.Duration
}

// Schedule 插入一条任务记录，返回记录 id。
// 去重约定：存在同 dedup key 的未锁定记录时不重复插入；
// 若新请求的 run_at 早于已有记录，把已有记录提前——绝不推迟已排的工作。
// 查找和插入之间的并发窗口由存储层的唯一约束兜底，
// 插入撞上 ErrDuplicateDedup 说明输了竞争，回头走去重分支。
func (s *Scheduler) Schedule(ctx context.Context, p ScheduleParams) (string, error) {
	if p.Name == "" {
		return "", fmt.Errorf("task name is required")
	}
	now := s.now()
	if p.RunAt.IsZero() {
		p.RunAt = now
	}

	for try := 0; ; try++ {
		if p.DedupKey != "" {
			existing, err := s.store.FindByDedupKey(ctx, p.DedupKey)
			if err != nil {
				return "", fmt.Errorf("find by dedup key: %w", err)
			}
			if existing != nil {
				if p.RunAt.Before(existing.RunAt) {
					existing.RunAt = p.RunAt
					existing.UpdatedAt = now
					if err := s.store.Update(ctx, existing); err != nil {
						return "", fmt.Errorf("advance deduped record: %w", err)
					}
				}
				metrics.RecordTaskDeduped(p.Name)
				logger.Debug().
					Str("task_name", p.Name).
					Str("dedup_key", p.DedupKey).
					Str("task_id", existing.ID).
					Msg("重复入队被抑制")
				return existing.ID, nil
			}
		}

		rec := &Record{
			ID:          NewTaskID(),
			Name:        p.Name,
			Payload:     p.Payload,
			Priority:    p.Priority,
			Queue:       p.Queue,
			VerboseName: p.VerboseName,
			DedupKey:    p.DedupKey,
			RunAt:       p.RunAt,
			Interval:    p.Interval,
			State:       model.TaskStatePending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := s.store.Insert(ctx, rec)
		if err == nil {
			metrics.RecordTaskScheduled(p.Name, p.Queue)
			return rec.ID, nil
		}
		if p.DedupKey != "" && errors.Is(err, ErrDuplicateDedup) && try < 3 {
			continue
		}
		return "", fmt.Errorf("insert task record: %w", err)
	}
}

// Claim 原子认领一条到期的最高优先级记录；没有可认领的返回 (nil, nil)。
// 返回 ErrClaimConflict 表示存储层的互斥约定被打破，调用方必须让进程退出。
func (s *Scheduler) Claim(ctx context.Context, workerID string, queues []string) (*Record, error) {
	rec, err := s.store.TryClaim(ctx, ClaimQuery{
		WorkerID: workerID,
		Queues:   queues,
		Now:      s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("try claim: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	// 不变量校验：拿到的记录必须锁在自己名下
	if rec.LockedBy != workerID || rec.State != model.TaskStateLocked {
		return nil, fmt.Errorf("%w: record %s locked_by=%q", ErrClaimConflict, rec.ID, rec.LockedBy)
	}
	return rec, nil
}

// updatePending 把记录写回 pending。
// 锁定期间可能有人用同样的去重键插入了新的 pending 记录，写回会撞上
// 存储层的唯一约束。此时做合并：吸收对方更早的 run_at（绝不推迟已排
// 的工作），删除对方，保留本记录（周期间隔和尝试计数都在本记录上）。
func (s *Scheduler) updatePending(ctx context.Context, rec *Record) error {
	err := s.store.Update(ctx, rec)
	if err == nil || rec.DedupKey == "" || !errors.Is(err, ErrDuplicateDedup) {
		return err
	}

	other, ferr := s.store.FindByDedupKey(ctx, rec.DedupKey)
	if ferr != nil {
		return fmt.Errorf("find dedup duplicate: %w", ferr)
	}
	if other != nil && other.ID != rec.ID {
		if other.RunAt.Before(rec.RunAt) {
			rec.RunAt = other.RunAt
		}
		if derr := s.store.Delete(ctx, other.ID); derr != nil && !errors.Is(derr, ErrNotFound) {
			return fmt.Errorf("remove dedup duplicate: %w", derr)
		}
		logger.Debug().
			Str("task_id", rec.ID).
			Str("dedup_key", rec.DedupKey).
			Str("merged_id", other.ID).
			Msg("写回 pending 时合并了同去重键的记录")
	}
	return s.store.Update(ctx, rec)
}

// Complete 任务成功：一次性任务删除记录，周期任务重排到 now + interval
func (s *Scheduler) Complete(ctx context.Context, rec *Record) error {
	now := s.now()
	if rec.Periodic() {
		rec.State = model.TaskStatePending
		rec.RunAt = now.Add(rec.Interval)
		rec.Attempts = 0
		rec.LockedBy = ""
		rec.LockedAt = nil
		rec.LastError = ""
		rec.UpdatedAt = now
		if err := s.updatePending(ctx, rec); err != nil {
			return fmt.Errorf("rearm periodic record: %w", err)
		}
		return nil
	}
	if err := s.store.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("delete completed record: %w", err)
	}
	return nil
}

// Fail 任务失败：
// - 永久错误，或瞬时错误超过判死上限：置为 FAILED，保留给运维排查
// - 其余瞬时错误：按退避策略重排，保持 PENDING
// 两种情况都会清掉锁字段。
func (s *Scheduler) Fail(ctx context.Context, rec *Record, taskErr error, kind model.ErrorKind) error {
	now := s.now()
	rec.LockedBy = ""
	rec.LockedAt = nil
	rec.LastError = taskErr.Error()
	rec.UpdatedAt = now

	terminal := kind == model.ErrorKindPermanent ||
		(s.attemptCeiling > 0 && rec.Attempts >= s.attemptCeiling)
	if terminal {
		rec.State = model.TaskStateFailed
		rec.FailedAt = &now
		if err := s.store.Update(ctx, rec); err != nil {
			return fmt.Errorf("mark record failed: %w", err)
		}
		logger.Warn().
			Str("task_id", rec.ID).
			Str("task_name", rec.Name).
			Int("attempt", rec.Attempts).
			Str("errors", rec.LastError).
			Msg("任务永久失败")
		return nil
	}

	rec.State = model.TaskStatePending
	rec.RunAt = s.policy.NextRun(now, rec.Attempts, kind)
	if err := s.updatePending(ctx, rec); err != nil {
		return fmt.Errorf("reschedule failed record: %w", err)
	}
	metrics.RecordTaskRetry(rec.Name)
	logger.Info().
		Str("task_id", rec.ID).
		Str("task_name", rec.Name).
		Int("attempt", rec.Attempts).
		Time("run_at", rec.RunAt).
		Str("errors", rec.LastError).
		Msg("瞬时失败，已按退避重排")
	return nil
}

// ReapStaleLocks 回收锁龄超过 maxLockAge 的记录（worker 执行中崩溃）。
// 回收走与 Fail 相同的路径：这次中断计为一次失败尝试，然后退避重排。
func (s *Scheduler) ReapStaleLocks(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleLocks(ctx, s.maxLockAge, s.now())
	if err != nil {
		return 0, fmt.Errorf("list stale locks: %w", err)
	}

	reaped := 0
	for _, rec := range stale {
		lockedBy := rec.LockedBy
		err := s.Fail(ctx, rec,
			fmt.Errorf("lock held by %s for over %s, worker presumed dead", lockedBy, s.maxLockAge),
			model.ErrorKindTransient)
		if err != nil {
			logger.Error().Err(err).Str("task_id", rec.ID).Msg("回收陈旧锁失败")
			continue
		}
		metrics.RecordStaleLockReaped()
		reaped++
	}
	return reaped, nil
}

// RunReaper 周期执行陈旧锁回收，独立于正常的 claim 轮询，直到 ctx 取消
func (s *Scheduler) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReapStaleLocks(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("陈旧锁回收出错")
				metrics.RecordError("scheduler", "reap")
				continue
			}
			if n > 0 {
				logger.Warn().Int("reaped", n).Msg("回收了陈旧锁")
			}
		}
	}
}
