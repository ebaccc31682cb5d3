package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		CommandTotal, CommandDuration,
		SideEffectTotal, RetryScheduledTotal, DLQTotal,
		EventEmitFailTotal, WorkerBusy,
	)
}

// CommandTotal 命令处理总数（按结果）
var CommandTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sidefx_command_total",
		Help: "命令处理总数（按结果）",
	},
	[]string{"result"}, // completed | failed | poison
)

// CommandDuration 命令处理耗时（秒）
var CommandDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "sidefx_command_duration_seconds",
		Help:    "命令处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"step_id"},
)

// SideEffectTotal 副作用分支总数（executed/skipped/healed 对应事件流三种去向）
var SideEffectTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sidefx_side_effect_total",
		Help: "副作用分支总数",
	},
	[]string{"outcome"}, // executed | skipped_done | skipped_in_progress | healed
)

// RetryScheduledTotal 重试调度总数
var RetryScheduledTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sidefx_retry_scheduled_total",
		Help: "重试调度总数",
	},
)

// DLQTotal DLQ 记录总数
var DLQTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sidefx_dlq_total",
		Help: "DLQ 记录总数",
	},
)

// EventEmitFailTotal 事件发布失败总数（best-effort，不影响处理）
var EventEmitFailTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sidefx_event_emit_fail_total",
		Help: "事件发布失败总数",
	},
)

// WorkerBusy 当前正在处理的命令数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "sidefx_worker_busy",
		Help: "当前正在处理的命令数",
	},
	[]string{"owner"},
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
