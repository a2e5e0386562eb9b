package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/azhengyongqin/vodsync/internal/model"
)

// MemoryStore 内存版任务存储，实现 Store 接口。
// 用于测试和单机试运行；claim 的原子性由互斥锁保证。
// 方法返回记录副本，模拟真实数据库的读写语义。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Record // key: task id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[string]*Record{},
	}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[rec.ID]; ok {
		return ErrDuplicateID
	}
	if err := s.checkDedupLocked(rec); err != nil {
		return err
	}
	cp := *rec
	s.items[rec.ID] = &cp
	return nil
}

// checkDedupLocked 去重约定的存储层兜底：同一去重键最多一条 pending 记录。
// 调用方必须已持有写锁。
func (s *MemoryStore) checkDedupLocked(rec *Record) error {
	if rec.DedupKey == "" || rec.State != model.TaskStatePending {
		return nil
	}
	for _, ex := range s.items {
		if ex.ID != rec.ID && ex.DedupKey == rec.DedupKey && ex.State == model.TaskStatePending {
			return ErrDuplicateDedup
		}
	}
	return nil
}

// TryClaim 在锁内完成 选择+加锁，并发调用下一条记录只会被一方拿到。
// 选择顺序：priority 小者优先，再按 run_at 早者优先，最后按创建时间和 id
// 保证全序（同一数据集上结果可复现）。
func (s *MemoryStore) TryClaim(ctx context.Context, q ClaimQuery) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Record
	for _, rec := range s.items {
		if !rec.Due(q.Now) {
			continue
		}
		if len(q.Queues) > 0 && !containsString(q.Queues, rec.Queue) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	rec := candidates[0]
	now := q.Now
	rec.State = model.TaskStateLocked
	rec.LockedBy = q.WorkerID
	rec.LockedAt = &now
	rec.Attempts++
	rec.UpdatedAt = now

	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[rec.ID]; !ok {
		return ErrNotFound
	}
	if err := s.checkDedupLocked(rec); err != nil {
		return err
	}
	cp := *rec
	s.items[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

// FindByDedupKey 查找同 dedup key 的未锁定 pending 记录
func (s *MemoryStore) FindByDedupKey(ctx context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Record
	for _, rec := range s.items {
		if rec.DedupKey != key || rec.State != model.TaskStatePending {
			continue
		}
		// 多条命中时取 run_at 最早的，保证确定性
		if found == nil || rec.RunAt.Before(found.RunAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) ListStaleLocks(ctx context.Context, maxAge time.Duration, now time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.items {
		if rec.State != model.TaskStateLocked || rec.LockedAt == nil {
			continue
		}
		if now.Sub(*rec.LockedAt) > maxAge {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get 按 id 取记录副本（测试用）；不存在返回 (nil, false)
func (s *MemoryStore) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Len 当前记录数（测试用）
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
