package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/azhengyongqin/vodsync/internal/cache"
	"github.com/azhengyongqin/vodsync/internal/config"
	"github.com/azhengyongqin/vodsync/internal/extractor"
	"github.com/azhengyongqin/vodsync/internal/healthcheck"
	"github.com/azhengyongqin/vodsync/internal/logger"
	"github.com/azhengyongqin/vodsync/internal/mediasync"
	"github.com/azhengyongqin/vodsync/internal/metrics"
	"github.com/azhengyongqin/vodsync/internal/repository"
	"github.com/azhengyongqin/vodsync/internal/storage/postgres"
	"github.com/azhengyongqin/vodsync/internal/task"
)

// 说明：
// - 单进程启动：调度器 + worker 池 + 陈旧锁回收 + 监控端点。
// - 跨进程扩容时直接多跑几个实例，claim 的互斥由数据库承担。

func main() {
	// .env 存在时加载，环境变量优先
	_ = godotenv.Load()

	// 初始化结构化日志（开发模式）
	if err := logger.Init(false); err != nil {
		logger.L.Fatal().Err(err).Msg("初始化日志失败")
	}
	defer logger.Sync()

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		logger.L.Fatal().Err(err).Msg("加载配置失败")
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		logger.L.Fatal().Err(err).Msg("配置验证失败")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := postgres.DBConfig{
		MaxOpenConns:    int(cfg.DBPool.MaxConns),
		MaxIdleConns:    int(cfg.DBPool.MinConns),
		ConnMaxLifetime: cfg.DBPool.MaxConnLifetime,
		ConnMaxIdleTime: cfg.DBPool.MaxConnIdleTime,
	}

	// 先跑迁移（database/sql 通道）
	sqlDB, err := postgres.OpenStdlib(cfg.Postgres.DSN)
	if err != nil {
		logger.L.Fatal().Err(err).Msg("打开迁移连接失败")
	}
	if err := postgres.ApplyMigrationsFromDir(ctx, sqlDB, "migrations"); err != nil {
		logger.L.Fatal().Err(err).Msg("执行迁移失败")
	}
	_ = sqlDB.Close()

	// 任务表走 pgx 连接池（claim 需要事务语义）
	pgPool, err := postgres.NewPgxPool(ctx, cfg.Postgres.DSN, dbCfg)
	if err != nil {
		logger.L.Fatal().Err(err).Msg("创建 pgx 连接池失败")
	}
	defer pgPool.Close()

	// 业务表走 GORM
	db, err := postgres.NewDBWithConfig(ctx, cfg.Postgres.DSN, dbCfg)
	if err != nil {
		logger.L.Fatal().Err(err).Msg("连接数据库失败")
	}
	defer db.Close()

	// Redis：元数据缓存
	redisAddr := cfg.Redis.Addr
	if !strings.HasPrefix(redisAddr, "redis://") && !strings.HasPrefix(redisAddr, "rediss://") {
		redisAddr = fmt.Sprintf("redis://%s/%d", redisAddr, cfg.Redis.DB)
	}
	redisCache, err := cache.NewRedisCache(redisAddr)
	if err != nil {
		logger.L.Fatal().Err(err).Msg("连接 Redis 失败")
	}
	defer redisCache.Close()

	// 提取工具
	ext := extractor.NewClient()
	if err := ext.CheckBinary(); err != nil {
		logger.L.Fatal().Err(err).Msg("提取工具不可用")
	}

	sourceRepo := repository.NewSourceRepo(db.DB)
	mediaRepo := repository.NewMediaRepo(db.DB)
	taskStore := postgres.NewTaskStore(pgPool)

	policy := task.NewBackoffPolicy(cfg.Backoff.InitialDelay, cfg.Backoff.MaxDelay,
		cfg.Backoff.Factor, cfg.Backoff.Jitter)
	sched := task.NewScheduler(taskStore, policy,
		task.WithAttemptCeiling(cfg.Scheduler.AttemptCeiling),
		task.WithMaxLockAge(cfg.Scheduler.MaxLockAge),
	)

	svc := mediasync.NewService(sched, sourceRepo, mediaRepo, ext, redisCache, mediasync.Config{
		MediaRoot:        cfg.Download.MediaRoot,
		MetadataCacheTTL: cfg.Download.MetadataCacheTTL,
		MediaServers:     cfg.Download.MediaServers,
		NotifyCooldown:   cfg.Download.NotifyCooldown,
	})

	registry := task.NewRegistry()
	svc.RegisterAll(registry)

	// 启动时为所有启用的订阅源排周期索引任务
	if err := svc.ScheduleSourceSync(ctx); err != nil {
		logger.L.Fatal().Err(err).Msg("排期订阅源索引失败")
	}

	// 陈旧锁回收循环
	go sched.RunReaper(ctx, cfg.Scheduler.ReapInterval)

	// 连接池统计上报
	go reportPoolStats(ctx, pgPool)

	// 监控端点：/metrics + /healthz + /readyz
	if cfg.Monitoring.Enabled {
		checker := healthcheck.NewHealthChecker(pgPool, redisCache, ext)
		go serveMonitoring(ctx, cfg.Monitoring.Port, checker)
	}

	logger.L.Info().
		Int("workers", cfg.Worker.Count).
		Dur("poll_interval", cfg.Scheduler.PollInterval).
		Msg("服务启动")

	pool := task.NewPool(sched, registry,
		task.WithPoolSize(cfg.Worker.Count),
		task.WithPollInterval(cfg.Scheduler.PollInterval),
		task.WithQueueFilter(cfg.Worker.Queues),
	)
	pool.Run(ctx)

	logger.L.Info().Msg("服务已优雅关闭")
}

// serveMonitoring 起一个独立的 HTTP 监听给 Prometheus 抓取和探活
func serveMonitoring(ctx context.Context, port int, checker *healthcheck.HealthChecker) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeCheck(w, checker.LivenessCheck())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeCheck(w, checker.ReadinessCheck(r.Context()))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.L.Info().Int("port", port).Msg("监控端点监听")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.L.Error().Err(err).Msg("监控端点错误")
	}
}

func writeCheck(w http.ResponseWriter, result healthcheck.CheckResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, `{"status":%q}`, result.Status)
}

// reportPoolStats 周期上报 pgx 连接池占用情况
func reportPoolStats(ctx context.Context, pool *pgxpool.Pool) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := pool.Stat()
			metrics.UpdateDBPoolStats(stat.AcquiredConns(), stat.IdleConns())
		}
	}
}
