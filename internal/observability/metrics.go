package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "turnstile"

type moduleMetrics struct {
	turnsTotal      *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	roundsPerTurn   prometheus.Histogram
	activeStreams   prometheus.Gauge
	suspendedEvicts prometheus.Counter

	continuationsTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	conversationLoadDuration *prometheus.HistogramVec
	conversationSaveDuration *prometheus.HistogramVec

	agentCallTotal    *prometheus.CounterVec
	agentCallDuration *prometheus.HistogramVec
	providerCooldown  *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turns_total",
					Help:      "Terminated turns by outcome (completed, suspended or an error code).",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Wall time of one outward chunk sequence.",
					Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
				},
			),
			roundsPerTurn: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "rounds_per_turn",
					Help:      "Agent invocation rounds consumed by a turn.",
					Buckets:   prometheus.LinearBuckets(1, 1, 10),
				},
			),
			activeStreams: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_streams",
					Help:      "Stream handles currently registered.",
				},
			),
			suspendedEvicts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "suspended_streams_evicted_total",
					Help:      "Suspended stream handles removed after their TTL expired.",
				},
			),
			continuationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_result_continuations_total",
					Help:      "Out-of-band tool result submissions by status.",
				},
				[]string{"status"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
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
			conversationLoadDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "conversation_load_duration_seconds",
					Help:      "Conversation load duration in seconds by store driver.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"driver"},
			),
			conversationSaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "conversation_save_duration_seconds",
					Help:      "Conversation save duration in seconds by store driver.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"driver"},
			),
			agentCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_call_total",
					Help:      "Provider calls made by the agent, by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_call_duration_seconds",
					Help:      "Provider call duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.turnsTotal,
			m.turnDuration,
			m.roundsPerTurn,
			m.activeStreams,
			m.suspendedEvicts,
			m.continuationsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.conversationLoadDuration,
			m.conversationSaveDuration,
			m.agentCallTotal,
			m.agentCallDuration,
			m.providerCooldown,
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

// RecordTurn records the end of one outward sequence.
func RecordTurn(outcome string, rounds int, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	if rounds > 0 {
		m.roundsPerTurn.Observe(float64(rounds))
	}
}

func SetActiveStreams(count int) {
	getMetrics().activeStreams.Set(float64(count))
}

func RecordSuspendedEviction(n int) {
	getMetrics().suspendedEvicts.Add(float64(n))
}

func RecordContinuation(status string) {
	getMetrics().continuationsTotal.WithLabelValues(status).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordConversationLoad(driver string, duration time.Duration) {
	getMetrics().conversationLoadDuration.WithLabelValues(driver).Observe(duration.Seconds())
}

func RecordConversationSave(driver string, duration time.Duration) {
	getMetrics().conversationSaveDuration.WithLabelValues(driver).Observe(duration.Seconds())
}

func RecordAgentCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}
