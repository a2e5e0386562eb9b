package task

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/azhengyongqin/vodsync/internal/model"
)

// NewTaskID 生成一个随机 task_id。
// 说明：使用 16 字节随机数编码为 hex（32 字符）。
func NewTaskID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Record 一条任务记录：一个待执行或周期执行的工作单元。
// 同一个逻辑任务在多次重排之间保持同一个 ID。
type Record struct {
	ID       string          `json:"id"`
	Name     string          `json:"task_name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority"` // 数值越小优先级越高
	Queue    string          `json:"queue,omitempty"`

	// VerboseName 给运维界面看的描述性名字，不影响调度
	VerboseName string `json:"verbose_name,omitempty"`

	// DedupKey 去重键：同名同参的任务共用一个键，抑制重复入队
	DedupKey string `json:"dedup_key,omitempty"`

	// RunAt 最早可执行时间
	RunAt time.Time `json:"run_at"`

	// Interval 周期任务的重排间隔；0 表示一次性任务
	Interval time.Duration `json:"interval,omitempty"`

	Attempts int `json:"attempts"`

	State model.TaskState `json:"state"`

	LockedBy string     `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	FailedAt  *time.Time `json:"failed_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Locked 记录当前是否被某个 worker 持有
func (r *Record) Locked() bool {
	return r.State == model.TaskStateLocked
}

// Periodic 是否为周期任务
func (r *Record) Periodic() bool {
	return r.Interval > 0
}

// Due 记录在 now 时刻是否到期可执行
func (r *Record) Due(now time.Time) bool {
	return r.State == model.TaskStatePending && !r.RunAt.After(now)
}

// ClaimQuery claim 的筛选条件
type ClaimQuery struct {
	// WorkerID 发起 claim 的 worker 标识，写入 locked_by
	WorkerID string
	// Queues 只认领这些队列的任务；为空表示不过滤
	Queues []string
	// Now 判断到期的基准时间
	Now time.Time
}

// Store 任务记录的持久化存储。
// TryClaim 必须原子：并发调用下同一条记录只能被一个调用方拿到。
// 除此之外的协调都不需要进程内锁，worker 之间不共享可变内存。
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	// TryClaim 原子地选出最高优先级、最早到期、未锁定的记录并加锁。
	// 没有可认领的记录时返回 (nil, nil)。
	TryClaim(ctx context.Context, q ClaimQuery) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	// FindByDedupKey 查找同 dedup key 的未锁定 pending 记录；没有则返回 (nil, nil)
	FindByDedupKey(ctx context.Context, key string) (*Record, error)
	// ListStaleLocks 列出锁龄超过 maxAge 的记录（worker 执行中崩溃的遗留）
	ListStaleLocks(ctx context.Context, maxAge time.Duration, now time.Time) ([]*Record, error)
}
