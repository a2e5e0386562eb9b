package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 调度指标
	TasksScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodsync_tasks_scheduled_total",
			Help: "Total number of task records scheduled",
		},
		[]string{"task_name", "queue"},
	)

	TasksDedupedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodsync_tasks_deduped_total",
			Help: "Total number of schedule calls suppressed by dedup key",
		},
		[]string{"task_name"},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodsync_tasks_completed_total",
			Help: "Total number of task executions by outcome",
		},
		[]string{"task_name", "outcome"},
	)

	TaskExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vodsync_task_execution_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"task_name"},
	)

	TaskRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodsync_task_retries_total",
			Help: "Total number of transient failures rescheduled with backoff",
		},
		[]string{"task_name"},
	)

	StaleLocksReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vodsync_stale_locks_reaped_total",
			Help: "Total number of stale locks recovered by the reaper",
		},
	)

	// 匹配指标
	FormatMatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodsync_format_match_total",
			Help: "Total number of format matcher runs by outcome",
		},
		[]string{"outcome"},
	)

	// 数据库连接池指标
	DBConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodsync_db_connections_in_use",
			Help: "Number of database connections in use",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vodsync_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	// 错误指标
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vodsync_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "type"},
	)
)

// RecordTaskScheduled 记录任务入队
func RecordTaskScheduled(taskName, queue string) {
	TasksScheduledTotal.WithLabelValues(taskName, queue).Inc()
}

// RecordTaskDeduped 记录被 dedup 抑制的入队
func RecordTaskDeduped(taskName string) {
	TasksDedupedTotal.WithLabelValues(taskName).Inc()
}

// RecordTaskCompleted 记录任务完成（outcome: success/transient/permanent）
func RecordTaskCompleted(taskName, outcome string, duration float64) {
	TasksCompletedTotal.WithLabelValues(taskName, outcome).Inc()
	if duration > 0 {
		TaskExecutionDuration.WithLabelValues(taskName).Observe(duration)
	}
}

// RecordTaskRetry 记录一次退避重排
func RecordTaskRetry(taskName string) {
	TaskRetriesTotal.WithLabelValues(taskName).Inc()
}

// RecordStaleLockReaped 记录一次陈旧锁回收
func RecordStaleLockReaped() {
	StaleLocksReapedTotal.Inc()
}

// RecordFormatMatch 记录格式匹配结果（outcome: matched/downgraded/no_match）
func RecordFormatMatch(outcome string) {
	FormatMatchTotal.WithLabelValues(outcome).Inc()
}

// UpdateDBPoolStats 更新数据库连接池统计
func UpdateDBPoolStats(inUse, idle int32) {
	DBConnectionsInUse.Set(float64(inUse))
	DBConnectionsIdle.Set(float64(idle))
}

// RecordError 记录错误
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
