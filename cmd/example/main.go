package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/azhengyongqin/vodsync/internal/logger"
	"github.com/azhengyongqin/vodsync/internal/task"
)

// 演示程序：不依赖 Postgres/Redis，用内存存储跑通
// 入队 → 认领 → 失败退避 → 重试成功 的完整闭环。
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("警告: 无法加载 .env 文件: %v（将使用环境变量或默认值）", err)
	}

	if err := logger.Init(false); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	logger.SetLevel("debug")

	store := task.NewMemoryStore()
	policy := task.NewBackoffPolicy(2*time.Second, 30*time.Second, 2.0, 0.2)
	sched := task.NewScheduler(store, policy, task.WithAttemptCeiling(5))

	registry := task.NewRegistry()

	// 前两次模拟上游抽风，第三次成功
	attempts := 0
	registry.MustRegister("flaky_fetch", func(ctx context.Context, payload json.RawMessage) error {
		attempts++
		if attempts < 3 {
			return task.Transient(fmt.Errorf("upstream timeout (attempt %d)", attempts))
		}
		var p struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(payload, &p)
		logger.L.Info().Str("url", p.URL).Msg("抓取成功")
		return nil
	})

	// 永久错误：一次失败直接判死，不重试
	registry.MustRegister("doomed_fetch", func(ctx context.Context, payload json.RawMessage) error {
		return task.Permanent(errors.New("video has been removed by the uploader"))
	})

	// 周期任务：每 5 秒跑一次
	registry.MustRegister("heartbeat", func(ctx context.Context, payload json.RawMessage) error {
		logger.L.Info().Msg("心跳")
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"url": "https://example.com/watch?v=demo"})
	mustSchedule(sched.Schedule(ctx, task.ScheduleParams{
		Name:     "flaky_fetch",
		Payload:  payload,
		DedupKey: "fetch:demo",
	}))

	// 同键重复入队会被抑制
	mustSchedule(sched.Schedule(ctx, task.ScheduleParams{
		Name:     "flaky_fetch",
		Payload:  payload,
		DedupKey: "fetch:demo",
	}))

	mustSchedule(sched.Schedule(ctx, task.ScheduleParams{Name: "doomed_fetch"}))
	mustSchedule(sched.Schedule(ctx, task.ScheduleParams{
		Name:     "heartbeat",
		Interval: 5 * time.Second,
	}))

	pool := task.NewPool(sched, registry,
		task.WithPoolSize(2),
		task.WithPollInterval(500*time.Millisecond),
	)
	pool.Run(ctx)

	logger.L.Info().Int("remaining", store.Len()).Msg("演示结束")
}

func mustSchedule(id string, err error) {
	if err != nil {
		log.Fatalf("入队失败: %v", err)
	}
	logger.L.Debug().Str("task_id", id).Msg("已入队")
}
