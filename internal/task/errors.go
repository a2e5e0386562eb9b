package task

import (
	"context"
	"errors"
	"net"

	"github.com/azhengyongqin/vodsync/internal/model"
)

var (
	// ErrNotFound 指定 id 的任务记录不存在
	ErrNotFound = errors.New("task record not found")

	// ErrDuplicateID 插入了重复的任务 id
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrDuplicateDedup 写入 pending 记录时撞上了同去重键的另一条 pending 记录。
	// 存储层对去重约定的兜底，调度器收到后走合并而不是报错。
	ErrDuplicateDedup = errors.New("duplicate dedup key for pending record")

	// ErrClaimConflict claim 返回了已被其他 worker 锁定的记录。
	// 这说明存储层的原子性约定被打破，属于不可恢复的进程级故障。
	ErrClaimConflict = errors.New("claim returned a record locked by another worker")

	// ErrUnknownTask 注册表里找不到 task_name 对应的处理函数
	ErrUnknownTask = errors.New("no handler registered for task name")
)

// KindError 携带错误分类的任务错误。任务体抛出的错误实现该接口后，
// 失败边界据此决定退避重试还是直接判死。
type KindError interface {
	error
	ErrorKind() model.ErrorKind
}

// Permanent 把任意错误标记为永久失败
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{err: err, kind: model.ErrorKindPermanent}
}

// Transient 把任意错误标记为瞬时失败
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{err: err, kind: model.ErrorKindTransient}
}

type kindError struct {
	err  error
	kind model.ErrorKind
}

func (e *kindError) Error() string              { return e.err.Error() }
func (e *kindError) Unwrap() error              { return e.err }
func (e *kindError) ErrorKind() model.ErrorKind { return e.kind }

// ClassifyFunc 错误分类器。worker 池用它把任务体的错误翻译成调度动作。
type ClassifyFunc func(error) model.ErrorKind

// Classify 默认分类器：
// - 实现了 KindError 的错误按自带分类
// - 网络/超时类错误按瞬时处理
// - 未注册 handler、ctx 取消之外的未知错误保守地按瞬时处理
func Classify(err error) model.ErrorKind {
	var ke KindError
	if errors.As(err, &ke) {
		return ke.ErrorKind()
	}
	if errors.Is(err, ErrUnknownTask) {
		// 缺 handler 重试多少次都不会好
		return model.ErrorKindPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.ErrorKindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTransient
	}
	// 未知错误按瞬时处理：宁可多试也不误杀
	return model.ErrorKindTransient
}
