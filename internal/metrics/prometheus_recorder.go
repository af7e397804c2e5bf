package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once         sync.Once
	stepDuration *prom.HistogramVec
	runDuration  prom.Histogram
	stepResults  *prom.CounterVec
	runOutcomes  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "autobuild",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual pipeline steps",
			Buckets:   prom.DefBuckets,
		}, []string{"step"})
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "autobuild",
			Name:      "run_duration_seconds",
			Help:      "Total pipeline run duration",
			Buckets:   prom.DefBuckets,
		})
		pr.stepResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "autobuild",
			Name:      "step_results_total",
			Help:      "Step result counts by outcome",
		}, []string{"step", "result"})
		pr.runOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "autobuild",
			Name:      "run_outcomes_total",
			Help:      "Run outcomes by final status",
		}, []string{"outcome"})
		reg.MustRegister(pr.stepDuration, pr.runDuration, pr.stepResults, pr.runOutcomes)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration) {
	if p == nil || p.stepDuration == nil {
		return
	}
	p.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStepResult(step string, result ResultLabel) {
	if p == nil || p.stepResults == nil {
		return
	}
	p.stepResults.WithLabelValues(step, string(result)).Inc()
}

func (p *PrometheusRecorder) IncRunOutcome(outcome OutcomeLabel) {
	if p == nil || p.runOutcomes == nil {
		return
	}
	p.runOutcomes.WithLabelValues(string(outcome)).Inc()
}
