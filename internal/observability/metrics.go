package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lumen"

type moduleMetrics struct {
	laneDepth    *prometheus.GaugeVec
	enqueueTotal prometheus.Counter
	taskTotal    *prometheus.CounterVec
	taskDuration prometheus.Histogram
	activeLanes  prometheus.Gauge

	cachedSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	sessionSaveErrors   prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	roundTotal       *prometheus.CounterVec
	roundDuration    prometheus.Histogram
	roundToolCycles  prometheus.Histogram
	providerCalls    *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	busMessages *prometheus.CounterVec
	gatewayConn prometheus.Gauge

	cronRuns *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_depth",
					Help:      "Queued plus running tasks by lane kind.",
				},
				[]string{"kind"},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total tasks submitted to the command queue.",
				},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "task_total",
					Help:      "Total completed queue tasks by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queue task execution duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			activeLanes: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_lanes",
					Help:      "Lanes that currently hold queued or running work.",
				},
			),
			cachedSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "cached_sessions",
					Help:      "Sessions currently held in the store cache.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_save_duration_seconds",
					Help:      "Session save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionSaveErrors: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_save_errors_total",
					Help:      "Session saves that failed to reach disk.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			roundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "round_total",
					Help:      "Agent rounds by outcome.",
				},
				[]string{"outcome"},
			),
			roundDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "round_duration_seconds",
					Help:      "Agent round duration in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			roundToolCycles: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "round_tool_cycles",
					Help:      "Tool execution cycles per agent round.",
					Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 20},
				},
			),
			providerCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_calls_total",
					Help:      "Provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			busMessages: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "bus_messages_total",
					Help:      "Bus messages by driver and direction.",
				},
				[]string{"driver", "direction"},
			),
			gatewayConn: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "gateway_connections",
					Help:      "Open gateway websocket connections.",
				},
			),
			cronRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "cron_runs_total",
					Help:      "Scheduled job executions by action kind and status.",
				},
				[]string{"kind", "status"},
			),
		}

		prometheus.MustRegister(
			m.laneDepth,
			m.enqueueTotal,
			m.taskTotal,
			m.taskDuration,
			m.activeLanes,
			m.cachedSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.sessionSaveErrors,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.roundTotal,
			m.roundDuration,
			m.roundToolCycles,
			m.providerCalls,
			m.providerCooldown,
			m.busMessages,
			m.gatewayConn,
			m.cronRuns,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordEnqueue counts a submitted task. Lane names embed session keys, so
// they are never used as label values.
func RecordEnqueue() {
	getMetrics().enqueueTotal.Inc()
}

func SetLaneDepth(kind string, depth int) {
	getMetrics().laneDepth.WithLabelValues(kind).Set(float64(depth))
}

func SetActiveLanes(count int) {
	getMetrics().activeLanes.Set(float64(count))
}

func RecordTaskCompletion(duration time.Duration, success bool) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(statusLabel(success)).Inc()
	m.taskDuration.Observe(duration.Seconds())
}

func SetCachedSessions(count int) {
	getMetrics().cachedSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration, success bool) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
	if !success {
		m.sessionSaveErrors.Inc()
	}
}

// RecordToolExecution records one tool call. outcome is "ok" or an error kind.
func RecordToolExecution(tool string, duration time.Duration, outcome string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, outcome).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordRound records a finished agent round. outcome is one of
// answered, limit_reached, provider_error, persist_error, cancelled.
func RecordRound(outcome string, duration time.Duration, toolCycles int) {
	m := getMetrics()
	m.roundTotal.WithLabelValues(outcome).Inc()
	m.roundDuration.Observe(duration.Seconds())
	m.roundToolCycles.Observe(float64(toolCycles))
}

func RecordProviderCall(provider string, success bool) {
	getMetrics().providerCalls.WithLabelValues(provider, statusLabel(success)).Inc()
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

// RecordBusMessage counts a bus message. direction is "inbound" or "outbound".
func RecordBusMessage(driver, direction string) {
	getMetrics().busMessages.WithLabelValues(driver, direction).Inc()
}

func AddGatewayConnections(delta int) {
	getMetrics().gatewayConn.Add(float64(delta))
}

// RecordCronRun counts a scheduled job execution. status is ok, error or skipped.
func RecordCronRun(kind, status string) {
	getMetrics().cronRuns.WithLabelValues(kind, status).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
