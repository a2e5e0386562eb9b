package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Redis      RedisConfig
	Postgres   PostgresConfig
	DBPool     DBPoolConfig
	Scheduler  SchedulerConfig
	Worker     WorkerConfig
	Backoff    BackoffConfig
	Download   DownloadConfig
	Monitoring MonitoringConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	DSN string
}

// DBPoolConfig 数据库连接池配置
type DBPoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	// PollInterval worker 轮询 claim 的基础间隔
	PollInterval time.Duration
	// MaxLockAge 超过这个时长仍处于 locked 的记录视为 worker 崩溃，回收重排
	MaxLockAge time.Duration
	// ReapInterval 回收循环的执行间隔（独立于 claim 轮询）
	ReapInterval time.Duration
	// AttemptCeiling 瞬时错误连续失败超过该次数后强制判为永久失败。
	// 0 表示不设上限（无限退避重试）。
	AttemptCeiling int
}

// WorkerConfig worker 池配置
type WorkerConfig struct {
	// Count 并发执行器数量。刻意保持小数值，对外部站点保持克制。
	Count int
	// Queues 只消费这些队列；为空表示消费全部
	Queues []string
}

// BackoffConfig 退避策略配置
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter 抖动比例，取值 [0,1)，在确定性延迟之上附加随机量
	Jitter float64
}

// DownloadConfig 下载相关配置
type DownloadConfig struct {
	// MediaRoot 媒体库根目录
	MediaRoot string
	// MetadataCacheTTL 原始 format 列表在 Redis 中的缓存时长
	MetadataCacheTTL time.Duration
	// MediaServers 下载完成后要通知刷新的媒体服务器地址列表
	MediaServers []string
	// NotifyCooldown 同一个媒体服务器两次通知之间的最小间隔
	NotifyCooldown time.Duration
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Enabled bool
	Port    int
}

// Load 加载配置
func Load() (*Config, error) {
	v := viper.New()

	// 设置配置文件名和路径
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")

	// 允许从环境变量读取（优先级最高）
	v.AutomaticEnv()

	// 读取配置文件（如果存在）
	_ = v.ReadInConfig() // 忽略错误，因为可能只使用环境变量

	cfg := &Config{}

	// Redis 配置
	cfg.Redis.Addr = v.GetString("REDIS_ADDR")
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")

	// PostgreSQL 配置
	cfg.Postgres.DSN = v.GetString("POSTGRES_DSN")
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}

	// 数据库连接池配置
	cfg.DBPool.MaxConns = int32(v.GetInt("DB_MAX_CONNS"))
	if cfg.DBPool.MaxConns == 0 {
		cfg.DBPool.MaxConns = 20
	}

	cfg.DBPool.MinConns = int32(v.GetInt("DB_MIN_CONNS"))
	if cfg.DBPool.MinConns == 0 {
		cfg.DBPool.MinConns = 5
	}

	cfg.DBPool.MaxConnLifetime = v.GetDuration("DB_MAX_CONN_LIFETIME")
	if cfg.DBPool.MaxConnLifetime == 0 {
		cfg.DBPool.MaxConnLifetime = 30 * time.Minute
	}

	cfg.DBPool.MaxConnIdleTime = v.GetDuration("DB_MAX_CONN_IDLE_TIME")
	if cfg.DBPool.MaxConnIdleTime == 0 {
		cfg.DBPool.MaxConnIdleTime = 5 * time.Minute
	}

	// 调度器配置
	cfg.Scheduler.PollInterval = v.GetDuration("SCHEDULER_POLL_INTERVAL")
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = 10 * time.Second
	}

	cfg.Scheduler.MaxLockAge = v.GetDuration("SCHEDULER_MAX_LOCK_AGE")
	if cfg.Scheduler.MaxLockAge == 0 {
		cfg.Scheduler.MaxLockAge = 4 * time.Hour
	}

	cfg.Scheduler.ReapInterval = v.GetDuration("SCHEDULER_REAP_INTERVAL")
	if cfg.Scheduler.ReapInterval == 0 {
		cfg.Scheduler.ReapInterval = 5 * time.Minute
	}

	// 瞬时错误的判死上限是产品策略，刻意做成配置项而不是常量
	cfg.Scheduler.AttemptCeiling = v.GetInt("SCHEDULER_ATTEMPT_CEILING")

	// worker 池配置
	cfg.Worker.Count = v.GetInt("WORKER_COUNT")
	if cfg.Worker.Count == 0 {
		cfg.Worker.Count = 4
	}
	cfg.Worker.Queues = v.GetStringSlice("WORKER_QUEUES")

	// 退避策略配置
	cfg.Backoff.InitialDelay = v.GetDuration("BACKOFF_INITIAL_DELAY")
	if cfg.Backoff.InitialDelay == 0 {
		cfg.Backoff.InitialDelay = 30 * time.Second
	}

	cfg.Backoff.MaxDelay = v.GetDuration("BACKOFF_MAX_DELAY")
	if cfg.Backoff.MaxDelay == 0 {
		cfg.Backoff.MaxDelay = 6 * time.Hour
	}

	cfg.Backoff.Factor = v.GetFloat64("BACKOFF_FACTOR")
	if cfg.Backoff.Factor == 0 {
		cfg.Backoff.Factor = 2.0
	}

	if v.IsSet("BACKOFF_JITTER") {
		cfg.Backoff.Jitter = v.GetFloat64("BACKOFF_JITTER")
	} else {
		cfg.Backoff.Jitter = 0.2
	}

	// 下载配置
	cfg.Download.MediaRoot = v.GetString("MEDIA_ROOT")
	if cfg.Download.MediaRoot == "" {
		cfg.Download.MediaRoot = "/downloads"
	}

	cfg.Download.MetadataCacheTTL = v.GetDuration("METADATA_CACHE_TTL")
	if cfg.Download.MetadataCacheTTL == 0 {
		cfg.Download.MetadataCacheTTL = 24 * time.Hour
	}

	cfg.Download.MediaServers = v.GetStringSlice("MEDIA_SERVERS")

	cfg.Download.NotifyCooldown = v.GetDuration("NOTIFY_COOLDOWN")
	if cfg.Download.NotifyCooldown == 0 {
		cfg.Download.NotifyCooldown = time.Minute
	}

	// 监控配置
	cfg.Monitoring.Enabled = v.GetBool("MONITORING_ENABLED")
	cfg.Monitoring.Port = v.GetInt("MONITORING_PORT")
	if cfg.Monitoring.Port == 0 {
		cfg.Monitoring.Port = 29091
	}

	return cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("PostgreSQL DSN is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("Redis address is required")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.Backoff.Factor < 1 {
		return fmt.Errorf("backoff factor must be >= 1")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return fmt.Errorf("backoff jitter must be in [0, 1)")
	}
	if c.Backoff.InitialDelay > c.Backoff.MaxDelay {
		return fmt.Errorf("backoff initial delay must not exceed max delay")
	}
	return nil
}
