package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	turnTotal      *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	turnIterations prometheus.Histogram

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolRetriesTotal      *prometheus.CounterVec
	toolBatchSize         prometheus.Histogram

	approvalTotal           *prometheus.CounterVec
	completionRejectedTotal *prometheus.CounterVec
	sanitizerRepairsTotal   prometheus.Counter
	sanitizerRemovedTotal   prometheus.Counter
	sanitizerPasses         prometheus.Histogram
	recoveryDirectivesTotal *prometheus.CounterVec
	sessionLoadDuration     prometheus.Histogram
	sessionSaveDuration     prometheus.Histogram
	activeTurns             prometheus.Gauge
	providerCooldown        *prometheus.GaugeVec
	laneWait                prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skipper_turn_total",
					Help: "Total turns by final status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "skipper_turn_duration_seconds",
					Help:    "Turn duration in seconds by final status.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			turnIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "skipper_turn_iterations",
					Help:    "Iterations used per turn.",
					Buckets: prometheus.LinearBuckets(1, 2, 10),
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skipper_model_call_total",
					Help: "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "skipper_model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skipper_tool_execution_total",
					Help: "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "skipper_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolRetriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skipper_tool_retries_total",
					Help: "Tool retry attempts by tool.",
				},
				[]string{"tool"},
			),
			toolBatchSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "skipper_tool_batch_size",
					Help:    "Size of concurrent tool batches.",
					Buckets: prometheus.LinearBuckets(1, 1, 16),
				},
			),
			approvalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skipper_authorization_total",
					Help: "Authorization outcomes by decision.",
				},
				[]string{"decision"},
			),
			completionRejectedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skipper_completion_rejected_total",
					Help: "Rejected completion signals by reason.",
				},
				[]string{"reason"},
			),
			sanitizerRepairsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "skipper_sanitizer_repairs_total",
					Help: "History repairs that changed the log.",
				},
			),
			sanitizerRemovedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "skipper_sanitizer_removed_total",
					Help: "Parts and messages removed by history repair.",
				},
			),
			sanitizerPasses: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "skipper_sanitizer_passes",
					Help:    "Passes needed per history repair.",
					Buckets: prometheus.LinearBuckets(1, 1, 10),
				},
			),
			recoveryDirectivesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "skipper_recovery_directives_total",
					Help: "Injected recovery directives by kind.",
				},
				[]string{"kind"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "skipper_session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "skipper_session_save_duration_seconds",
					Help:    "Session save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "skipper_active_turns",
					Help: "Turns currently running.",
				},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "skipper_provider_cooldown",
					Help: "1 while a model provider profile is cooling down after failures.",
				},
				[]string{"provider"},
			),
			laneWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "skipper_session_lane_wait_seconds",
					Help:    "Time a turn waited for its session lane.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.turnIterations,
			m.modelCallTotal,
			m.modelCallDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolRetriesTotal,
			m.toolBatchSize,
			m.approvalTotal,
			m.completionRejectedTotal,
			m.sanitizerRepairsTotal,
			m.sanitizerRemovedTotal,
			m.sanitizerPasses,
			m.recoveryDirectivesTotal,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.activeTurns,
			m.providerCooldown,
			m.laneWait,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordTurn(status string, iterations int, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.turnIterations.Observe(float64(iterations))
}

func TurnStarted() {
	getMetrics().activeTurns.Inc()
}

func TurnFinished() {
	getMetrics().activeTurns.Dec()
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolRetry(tool string) {
	getMetrics().toolRetriesTotal.WithLabelValues(tool).Inc()
}

func RecordToolBatch(size int) {
	getMetrics().toolBatchSize.Observe(float64(size))
}

func RecordApproval(decision string) {
	getMetrics().approvalTotal.WithLabelValues(decision).Inc()
}

func RecordCompletionRejected(reason string) {
	getMetrics().completionRejectedTotal.WithLabelValues(reason).Inc()
}

func RecordSanitizerRepair(passes, removed int) {
	m := getMetrics()
	m.sanitizerRepairsTotal.Inc()
	m.sanitizerRemovedTotal.Add(float64(removed))
	m.sanitizerPasses.Observe(float64(passes))
}

func RecordRecoveryDirective(kind string) {
	getMetrics().recoveryDirectivesTotal.WithLabelValues(kind).Inc()
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, cooling bool) {
	v := 0.0
	if cooling {
		v = 1
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(v)
}

func RecordLaneWait(duration time.Duration) {
	getMetrics().laneWait.Observe(duration.Seconds())
}
