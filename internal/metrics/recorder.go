package metrics

import "time"

// ResultLabel enumerates step result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFatal    ResultLabel = "fatal"
	ResultCanceled ResultLabel = "canceled"
)

// OutcomeLabel enumerates terminal run outcomes.
type OutcomeLabel string

const (
	// OutcomeSuccess: every step completed.
	OutcomeSuccess OutcomeLabel = "success"
	// OutcomeFailed: a step's command exited non-zero; the failure was
	// reported and the process still terminates normally.
	OutcomeFailed OutcomeLabel = "failed"
	// OutcomeAborted: a step failed outside the command-exit contract
	// (could not start, interrupted); the run ends abnormally.
	OutcomeAborted OutcomeLabel = "aborted"
)

// Recorder defines observability hooks for run and step metrics. All methods
// must be safe on a nil *PrometheusRecorder so injection stays optional.
type Recorder interface {
	ObserveStepDuration(step string, d time.Duration)
	ObserveRunDuration(d time.Duration)
	IncStepResult(step string, result ResultLabel)
	IncRunOutcome(outcome OutcomeLabel)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStepDuration(string, time.Duration) {}
func (NoopRecorder) ObserveRunDuration(time.Duration)          {}
func (NoopRecorder) IncStepResult(string, ResultLabel)         {}
func (NoopRecorder) IncRunOutcome(OutcomeLabel)                {}
