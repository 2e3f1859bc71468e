package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Dispatcher/Session 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobsByState, JobTotal, JobDuration, JobRetryTotal,
		ClaimTotal, ClaimConflictTotal, AssignLatency, DispatchLoopDuration,
		RobotSessions, HeartbeatTotal,
		ScheduleFireTotal, ScheduleMissTotal,
		FanoutDroppedTotal, FanoutSubscribers,
	)
}

// JobsByState 各状态下的 Job 数量快照
var JobsByState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "casare_jobs_by_state",
		Help: "各状态下的 Job 数量",
	},
	[]string{"state"},
)

// JobTotal 终态 Job 总数（按状态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "casare_job_total",
		Help: "终态 Job 总数（按状态）",
	},
	[]string{"status"}, // completed | failed | cancelled | timed_out | dead_letter
)

// JobDuration Job 执行耗时（秒），started_at 到终态
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "casare_job_duration_seconds",
		Help:    "Job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"environment"},
)

// JobRetryTotal 重新入队次数（按错误类别）
var JobRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "casare_job_retry_total",
		Help: "Job 重新入队总数（按错误类别）",
	},
	[]string{"kind"}, // WorkerLost | Timeout | Transient
)

// ClaimTotal 原子认领尝试总数
var ClaimTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "casare_claim_total",
		Help: "原子认领尝试总数",
	},
	[]string{"result"}, // claimed | empty | error
)

// ClaimConflictTotal 并发认领被 skip-lock 挡掉的次数（仅作观测，非错误）
var ClaimConflictTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "casare_claim_conflict_total",
		Help: "并发认领冲突次数",
	},
)

// AssignLatency 从 claim 到 JobAccept 的时延（秒）
var AssignLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "casare_assign_latency_seconds",
		Help:    "从认领到 robot 确认的时延（秒）",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	},
)

// DispatchLoopDuration 单轮派发耗时（秒）
var DispatchLoopDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "casare_dispatch_loop_seconds",
		Help:    "单轮派发耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// RobotSessions 当前活跃 robot 会话数
var RobotSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "casare_robot_sessions",
		Help: "当前活跃 robot 会话数",
	},
)

// HeartbeatTotal 收到的心跳帧总数
var HeartbeatTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "casare_heartbeat_total",
		Help: "收到的心跳帧总数",
	},
)

// ScheduleFireTotal 定时任务触发总数
var ScheduleFireTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "casare_schedule_fire_total",
		Help: "定时任务触发总数",
	},
	[]string{"result"}, // fired | skipped | error
)

// ScheduleMissTotal 停机期间错过后被跳过的触发数
var ScheduleMissTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "casare_schedule_miss_total",
		Help: "停机恢复时跳过的错过触发数",
	},
)

// FanoutDroppedTotal 扇出背压下丢弃的事件数（按 topic）
var FanoutDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "casare_fanout_dropped_total",
		Help: "背压下丢弃的事件数（按 topic）",
	},
	[]string{"topic"},
)

// FanoutSubscribers 当前订阅者数（按 topic）
var FanoutSubscribers = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "casare_fanout_subscribers",
		Help: "当前订阅者数（按 topic）",
	},
	[]string{"topic"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
