package model

// TaskState 任务记录的生命周期状态（调度器状态机）。
// 约定：
// - pending: 未被锁定，run_at 到期后可以被 claim
// - locked: 已被某个 worker 锁定并正在执行
// - failed: 永久失败（不再重试，保留给运维排查）
//
// 成功完成的一次性任务直接删除记录，周期任务重新置为 pending，
// 所以不存在 "done" 状态。
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateLocked  TaskState = "locked"
	TaskStateFailed  TaskState = "failed"
)

func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateLocked, TaskStateFailed:
		return true
	default:
		return false
	}
}

// ErrorKind 错误分类：决定失败后是退避重试还是直接判死。
// - transient: 网络抖动、限流、临时性提取失败，按退避策略无限重试
// - permanent: 鉴权失败、内容被删除/锁区、参数校验失败，立即置为 failed
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindTransient, ErrorKindPermanent:
		return true
	default:
		return false
	}
}
