package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler 任务处理函数。返回 nil 表示成功；失败时返回的错误
// 会被分类器翻译成瞬时/永久，调度器据此决定退避或判死。
type Handler func(ctx context.Context, payload json.RawMessage) error

// Registry task_name -> Handler 的注册表。
// 进程启动时显式注册，不做运行时反射。
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: map[string]Handler{},
	}
}

// Register 注册处理函数。重复注册同名任务是接线错误，直接报错。
func (r *Registry) Register(name string, fn Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("任务名不能为空")
	}
	if fn == nil {
		return errors.New("处理函数不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("任务 %q 已注册", name)
	}
	r.handlers[name] = fn
	return nil
}

// MustRegister 注册失败直接 panic，用于 main 中的启动期接线
func (r *Registry) MustRegister(name string, fn Handler) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Resolve 查找处理函数
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names 返回已注册的任务名（排序保证确定性）
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
