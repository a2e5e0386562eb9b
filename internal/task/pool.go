package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/azhengyongqin/vodsync/internal/logger"
	"github.com/azhengyongqin/vodsync/internal/metrics"
)

// Pool 固定大小的执行器池。每个执行器独立轮询 claim，认领到任务
// 后在失败边界内执行注册的处理函数。
//
// 池的规模就是对外部站点的并发上限，刻意保持小数值：这不是吞吐
// 优先的队列，而是对上游保持克制的下载器。
type Pool struct {
	scheduler *Scheduler
	registry  *Registry

	size         int
	pollInterval time.Duration
	queues       []string
	classify     ClassifyFunc

	// fatal 不变量被打破时的处理；默认直接终止进程
	fatal func(error)
}

// PoolOption Pool 的可选配置
type PoolOption func(*Pool)

// WithPoolSize 设置执行器数量
func WithPoolSize(n int) PoolOption {
	return func(p *Pool) { p.size = n }
}

// WithPollInterval 设置 claim 轮询的基础间隔
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithQueueFilter 只消费指定队列
func WithQueueFilter(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithClassifier 替换错误分类器
func WithClassifier(fn ClassifyFunc) PoolOption {
	return func(p *Pool) { p.classify = fn }
}

// WithFatalHandler 替换不变量违例的处理（测试用）
func WithFatalHandler(fn func(error)) PoolOption {
	return func(p *Pool) { p.fatal = fn }
}

// NewPool 创建 worker 池
func NewPool(scheduler *Scheduler, registry *Registry, opts ...PoolOption) *Pool {
	p := &Pool{
		scheduler:    scheduler,
		registry:     registry,
		size:         4,
		pollInterval: 10 * time.Second,
		classify:     Classify,
	}
	p.fatal = func(err error) {
		logger.Fatal().Err(err).Msg("调度不变量被打破，进程退出")
	}
	for _, o := range opts {
		o(p)
	}
	if p.size < 1 {
		p.size = 1
	}
	return p
}

// Run 启动全部执行器并阻塞到 ctx 取消。
// 关闭语义：ctx 取消后不再发起新的 claim，正在执行的任务
// 跑完本次再退出——任务不可抢占。
func (p *Pool) Run(ctx context.Context) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	logger.Info().
		Int("workers", p.size).
		Dur("poll_interval", p.pollInterval).
		Strs("queues", p.queues).
		Msg("worker 池启动")

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("%s:%d", host, i)
		wg.Add(1)
		go func(id string, seed int64) {
			defer wg.Done()
			p.runExecutor(ctx, id, rand.New(rand.NewSource(seed)))
		}(workerID, time.Now().UnixNano()+int64(i))
	}
	wg.Wait()

	logger.Info().Msg("worker 池已全部退出")
}

// runExecutor 单个执行器的主循环：claim → 执行 → 汇报，没活时带抖动休眠
func (p *Pool) runExecutor(ctx context.Context, workerID string, rng *rand.Rand) {
	wlog := logger.WithWorkerID(workerID)

	for {
		select {
		case <-ctx.Done():
			wlog.Debug().Msg("执行器退出")
			return
		default:
		}

		rec, err := p.scheduler.Claim(ctx, workerID, p.queues)
		if err != nil {
			if errors.Is(err, ErrClaimConflict) {
				// 存储层的互斥约定被打破，不能静默重试
				p.fatal(err)
				return
			}
			wlog.Error().Err(err).Msg("claim 出错")
			metrics.RecordError("pool", "claim")
			p.idleSleep(ctx, rng)
			continue
		}
		if rec == nil {
			p.idleSleep(ctx, rng)
			continue
		}

		p.execute(ctx, rec, wlog)
	}
}

// execute 在失败边界内执行任务体，把结果翻译成调度器状态迁移。
// 任务体的错误（包括 panic）到此为止，不再向上传播。
//
// 关闭信号只作用于 claim 循环。认领到手的任务不可抢占，任务体和
// 之后的状态落库都剥离父 ctx 的取消，否则 SIGTERM 会把半途的下载
// 杀掉，而且完成写入会带着已取消的 ctx 失败，记录卡在 locked 等
// 下一个进程的回收器。
func (p *Pool) execute(ctx context.Context, rec *Record, wlog zerolog.Logger) {
	tlog := wlog.With().
		Str("task_id", rec.ID).
		Str("task_name", rec.Name).
		Int("attempt", rec.Attempts).
		Logger()

	taskCtx := context.WithoutCancel(ctx)

	start := time.Now()
	taskErr := p.invoke(taskCtx, rec)
	elapsed := time.Since(start)

	if taskErr == nil {
		if err := p.scheduler.Complete(taskCtx, rec); err != nil {
			tlog.Error().Err(err).Msg("标记任务完成失败")
			metrics.RecordError("pool", "complete")
			return
		}
		metrics.RecordTaskCompleted(rec.Name, "success", elapsed.Seconds())
		tlog.Info().
			Int64("duration(ms)", elapsed.Milliseconds()).
			Msg("任务执行成功")
		return
	}

	kind := p.classify(taskErr)
	if err := p.scheduler.Fail(taskCtx, rec, taskErr, kind); err != nil {
		tlog.Error().Err(err).Msg("标记任务失败出错")
		metrics.RecordError("pool", "fail")
		return
	}
	metrics.RecordTaskCompleted(rec.Name, string(kind), elapsed.Seconds())
	tlog.Warn().
		Int64("duration(ms)", elapsed.Milliseconds()).
		Str("error_kind", string(kind)).
		Err(taskErr).
		Msg("任务执行失败")
}

// invoke 查找并调用处理函数，panic 视为一次普通失败
func (p *Pool) invoke(ctx context.Context, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()

	fn, ok := p.registry.Resolve(rec.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, rec.Name)
	}
	return fn(ctx, rec.Payload)
}

// idleSleep 没有可认领任务时的休眠：基础间隔加最多 50% 的随机抖动，
// 避免多个执行器同步轮询形成风暴
func (p *Pool) idleSleep(ctx context.Context, rng *rand.Rand) {
	d := p.pollInterval
	if d <= 0 {
		d = 10 * time.Second
	}
	d += time.Duration(rng.Int63n(int64(d)/2 + 1))

	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
