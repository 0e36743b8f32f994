// Package metrics provides Prometheus-based metrics recording for inference
// calls and pipeline phases.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records inference and pipeline metrics.
type Recorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	fixesTotal      *prometheus.CounterVec
	deploysTotal    *prometheus.CounterVec
}

// NewRecorder creates a Prometheus-backed recorder registered with the
// default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_requests_total",
				Help: "Total number of inference requests by model and status",
			},
			[]string{"model", "agent_id", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_tokens_total",
				Help: "Total number of tokens used in inference requests",
			},
			[]string{"model", "agent_id", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_costs_total",
				Help: "Total cost in USD for inference requests",
			},
			[]string{"model", "agent_id"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inference_request_duration_seconds",
				Help:    "Duration of inference requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "agent_id"},
		),
		throttleTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inference_throttle_total",
				Help: "Total number of rate limit denials",
			},
			[]string{"model", "reason"},
		),
		phaseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_phase_duration_seconds",
				Help:    "Duration of pipeline phase executions in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"agent_id", "outcome"},
		),
		fixesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "code_fixes_total",
				Help: "Deterministic code fix outcomes by diagnostic code",
			},
			[]string{"rule_id", "outcome"},
		),
		deploysTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deployments_total",
				Help: "Preview and permanent deployments by outcome",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// RecordRequest records one completed inference request.
func (r *Recorder) RecordRequest(model, agentID, status, errorType string, duration time.Duration) {
	r.requestsTotal.WithLabelValues(model, agentID, status, errorType).Inc()
	r.requestDuration.WithLabelValues(model, agentID).Observe(duration.Seconds())
}

// RecordTokens records prompt and completion token usage.
func (r *Recorder) RecordTokens(model, agentID string, promptTokens, completionTokens int) {
	r.tokensTotal.WithLabelValues(model, agentID, "prompt").Add(float64(promptTokens))
	r.tokensTotal.WithLabelValues(model, agentID, "completion").Add(float64(completionTokens))
}

// RecordCost records request cost in USD.
func (r *Recorder) RecordCost(model, agentID string, usd float64) {
	r.costsTotal.WithLabelValues(model, agentID).Add(usd)
}

// RecordThrottle records a rate limit denial.
func (r *Recorder) RecordThrottle(model, reason string) {
	r.throttleTotal.WithLabelValues(model, reason).Inc()
}

// RecordPhase records a completed phase execution.
func (r *Recorder) RecordPhase(agentID, outcome string, duration time.Duration) {
	r.phaseDuration.WithLabelValues(agentID, outcome).Observe(duration.Seconds())
}

// RecordFix records a deterministic fixer outcome for one issue.
func (r *Recorder) RecordFix(ruleID, outcome string) {
	r.fixesTotal.WithLabelValues(ruleID, outcome).Inc()
}

// RecordDeploy records a deployment attempt.
func (r *Recorder) RecordDeploy(kind, outcome string) {
	r.deploysTotal.WithLabelValues(kind, outcome).Inc()
}
