package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/azhengyongqin/vodsync/internal/model"
	"github.com/azhengyongqin/vodsync/internal/task"
)

const taskColumns = `id, task_name, payload, priority, coalesce(queue,''), coalesce(verbose_name,''), coalesce(dedup_key,''),
run_at, interval_seconds, attempts, state, coalesce(locked_by,''), locked_at, failed_at, coalesce(last_error,''), created_at, updated_at`

// TaskStore task.Store 的 Postgres 实现。
// 认领依赖 FOR UPDATE SKIP LOCKED：多个进程并发认领同一条记录时，
// 只有一个事务能选中并加锁，其余直接跳过。
type TaskStore struct {
	pool *pgxpool.Pool
}

func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

func (s *TaskStore) Insert(ctx context.Context, rec *task.Record) error {
	if rec.ID == "" {
		return errors.New("task id 不能为空")
	}
	_, err := s.pool.Exec(ctx, `
insert into task_record(id, task_name, payload, priority, queue, verbose_name, dedup_key,
                        run_at, interval_seconds, attempts, state, locked_by, locked_at, failed_at, last_error,
                        created_at, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`, rec.ID, rec.Name, rec.Payload, rec.Priority, rec.Queue, rec.VerboseName, nullIfEmpty(rec.DedupKey),
		rec.RunAt, int64(rec.Interval/time.Second), rec.Attempts, string(rec.State),
		nullIfEmpty(rec.LockedBy), rec.LockedAt, rec.FailedAt, nullIfEmpty(rec.LastError),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if dup := dupViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("insert task record: %w", err)
	}
	return nil
}

// dupViolation 把唯一约束冲突翻译成领域错误；其他错误返回 nil 由调用方包装
func dupViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	if pgErr.ConstraintName == "uq_task_record_dedup_pending" {
		return task.ErrDuplicateDedup
	}
	return task.ErrDuplicateID
}

// TryClaim 原子认领：选中即加锁并累加 attempts，整个过程在一个事务内。
func (s *TaskStore) TryClaim(ctx context.Context, q task.ClaimQuery) (*task.Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `
select id
from task_record
where state = 'pending'
  and run_at <= $1
  and (cardinality($2::text[]) = 0 or queue = any($2::text[]))
order by priority, run_at, created_at, id
limit 1
for update skip locked
`, q.Now, queuesParam(q.Queues)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	row := tx.QueryRow(ctx, `
update task_record
set state = 'locked',
    locked_by = $2,
    locked_at = $3,
    attempts  = attempts + 1,
    updated_at = $3
where id = $1
returning `+taskColumns, id, q.WorkerID, q.Now)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("lock task record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return rec, nil
}

func (s *TaskStore) Update(ctx context.Context, rec *task.Record) error {
	tag, err := s.pool.Exec(ctx, `
update task_record
set task_name = $2,
    payload = $3,
    priority = $4,
    queue = $5,
    verbose_name = $6,
    dedup_key = $7,
    run_at = $8,
    interval_seconds = $9,
    attempts = $10,
    state = $11,
    locked_by = $12,
    locked_at = $13,
    failed_at = $14,
    last_error = $15,
    updated_at = $16
where id = $1
`, rec.ID, rec.Name, rec.Payload, rec.Priority, rec.Queue, rec.VerboseName, nullIfEmpty(rec.DedupKey),
		rec.RunAt, int64(rec.Interval/time.Second), rec.Attempts, string(rec.State),
		nullIfEmpty(rec.LockedBy), rec.LockedAt, rec.FailedAt, nullIfEmpty(rec.LastError),
		rec.UpdatedAt)
	if err != nil {
		if dup := dupViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("update task record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `delete from task_record where id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}

func (s *TaskStore) FindByDedupKey(ctx context.Context, key string) (*task.Record, error) {
	row := s.pool.QueryRow(ctx, `
select `+taskColumns+`
from task_record
where dedup_key = $1 and state = 'pending'
order by run_at
limit 1
`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by dedup key: %w", err)
	}
	return rec, nil
}

func (s *TaskStore) ListStaleLocks(ctx context.Context, maxAge time.Duration, now time.Time) ([]*task.Record, error) {
	rows, err := s.pool.Query(ctx, `
select `+taskColumns+`
from task_record
where state = 'locked' and locked_at is not null and locked_at < $1
order by id
`, now.Add(-maxAge))
	if err != nil {
		return nil, fmt.Errorf("list stale locks: %w", err)
	}
	defer rows.Close()

	var out []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*task.Record, error) {
	var rec task.Record
	var intervalSeconds int64
	var state string
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Payload, &rec.Priority, &rec.Queue, &rec.VerboseName, &rec.DedupKey,
		&rec.RunAt, &intervalSeconds, &rec.Attempts, &state, &rec.LockedBy, &rec.LockedAt, &rec.FailedAt,
		&rec.LastError, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Interval = time.Duration(intervalSeconds) * time.Second
	rec.State = model.TaskState(state)
	return &rec, nil
}

func queuesParam(queues []string) []string {
	if queues == nil {
		return []string{}
	}
	return queues
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
