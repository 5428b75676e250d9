// Package telemetry records pipeline metrics and LLM cost accounting.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/finbrief/finbrief/config"
)

// Telemetry exposes Prometheus metrics plus an in-process cost tracker.
type Telemetry struct {
	cfg    config.TelemetryConfig
	logger *log.Logger

	jobsTotal     *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	skillDuration *prometheus.HistogramVec
	skillRetries  prometheus.Counter
	eventsEmitted *prometheus.CounterVec
	activeJobs    prometheus.Gauge

	mu          sync.Mutex
	totalCost   float64
	totalTokens int64
	modelCosts  map[string]float64
}

// New creates a telemetry instance registered on the default registerer.
func New(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		jobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "finbrief_jobs_total",
			Help: "Jobs by terminal outcome.",
		}, []string{"outcome"}),
		jobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "finbrief_job_duration_seconds",
			Help:    "End-to-end job duration.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		skillDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finbrief_skill_duration_seconds",
			Help:    "Skill execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"skill", "outcome"}),
		skillRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "finbrief_skill_retries_total",
			Help: "Transient collaborator retries.",
		}),
		eventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "finbrief_events_emitted_total",
			Help: "Job events emitted by type.",
		}, []string{"event"}),
		activeJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "finbrief_active_jobs",
			Help: "Jobs in queued or running state.",
		}),
		modelCosts: make(map[string]float64),
	}
}

// RecordJob records a terminal job outcome.
func (t *Telemetry) RecordJob(outcome string, d time.Duration) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	t.jobsTotal.WithLabelValues(outcome).Inc()
	t.jobDuration.Observe(d.Seconds())
}

// RecordSkill records one skill execution with its collaborator usage.
func (t *Telemetry) RecordSkill(name string, d time.Duration, success bool, model string, tokens int64, cost float64, attempts int) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	t.skillDuration.WithLabelValues(name, outcome).Observe(d.Seconds())
	if attempts > 1 {
		t.skillRetries.Add(float64(attempts - 1))
	}
	if t.cfg.CostTracking {
		t.mu.Lock()
		t.totalCost += cost
		t.totalTokens += tokens
		if model != "" {
			t.modelCosts[model] += cost
		}
		t.mu.Unlock()
	}
}

// RecordEvent counts one emitted job event.
func (t *Telemetry) RecordEvent(event string) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	t.eventsEmitted.WithLabelValues(event).Inc()
}

// SetActiveJobs updates the active-jobs gauge.
func (t *Telemetry) SetActiveJobs(n int) {
	if t == nil || !t.cfg.Enabled {
		return
	}
	t.activeJobs.Set(float64(n))
}

// CostSummary returns accumulated cost accounting.
func (t *Telemetry) CostSummary() map[string]interface{} {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byModel := make(map[string]float64, len(t.modelCosts))
	for k, v := range t.modelCosts {
		byModel[k] = v
	}
	return map[string]interface{}{
		"total_cost":   t.totalCost,
		"total_tokens": t.totalTokens,
		"by_model":     byModel,
	}
}
