package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// L 全局 logger。默认禁用，进程入口调用 Init 后才真正输出，
	// 测试不初始化也不会产生日志。
	L = zerolog.Nop()
)

// Init 初始化日志器
func Init(production bool) error {
	// 设置时间格式
	zerolog.TimeFieldFormat = time.RFC3339

	if production {
		// 生产环境：JSON 格式输出
		L = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		// 开发环境：控制台友好格式
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			// 自定义字段输出顺序（任务执行日志的常见顺序）
			FieldsOrder: []string{
				"task_id",      // 1. 任务 ID
				"task_name",    // 2. 任务函数名
				"queue",        // 3. 队列
				"attempt",      // 4. 第几次尝试
				"duration(ms)", // 5. 耗时
				"source_id",    // 6. 订阅源 ID
				"media_key",    // 7. 媒体条目 key
				"run_at",       // 8. 下次执行时间
				"errors",       // 9. 错误信息
			},
		}
		L = zerolog.New(output).
			With().
			Timestamp().
			Caller().
			Logger()
	}

	// 设置全局日志级别
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	return nil
}

// Sync zerolog 不需要显式 sync，保留接口兼容性
func Sync() {
	// zerolog 不需要显式 sync
}

// SetLevel 设置日志级别
func SetLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// WithTaskID 添加 task_id
func WithTaskID(taskID string) zerolog.Logger {
	return L.With().Str("task_id", taskID).Logger()
}

// WithWorkerID 添加 worker_id
func WithWorkerID(workerID string) zerolog.Logger {
	return L.With().Str("worker_id", workerID).Logger()
}

// WithSourceID 添加 source_id
func WithSourceID(sourceID string) zerolog.Logger {
	return L.With().Str("source_id", sourceID).Logger()
}

// WithMediaKey 添加 media_key
func WithMediaKey(mediaKey string) zerolog.Logger {
	return L.With().Str("media_key", mediaKey).Logger()
}

// Debug 输出 debug 级别日志
func Debug() *zerolog.Event {
	return L.Debug()
}

// Info 输出 info 级别日志
func Info() *zerolog.Event {
	return L.Info()
}

// Warn 输出 warn 级别日志
func Warn() *zerolog.Event {
	return L.Warn()
}

// Error 输出 error 级别日志
func Error() *zerolog.Event {
	return L.Error()
}

// Fatal 输出 fatal 级别日志并退出
func Fatal() *zerolog.Event {
	return L.Fatal()
}
