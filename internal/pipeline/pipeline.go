// Package pipeline provides the canonical run sequencer for the automated
// build: pull sources, run the build script, commit and push the artifacts.
// All execution paths (single run, daemon tick) route through the
// Orchestrator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/autobuild/internal/logfields"
	"git.home.luguber.info/inful/autobuild/internal/metrics"
	"git.home.luguber.info/inful/autobuild/internal/runner"
)

// Step names used in logs, metrics and run reports.
const (
	StepPull  = "pull"
	StepBuild = "build"
	StepPush  = "push"
)

// State identifies a phase of the run state machine.
type State string

const (
	StateIdle       State = "idle"
	StatePulling    State = "pulling"
	StateBuilding   State = "building"
	StatePushing    State = "pushing"
	StateCleaningUp State = "cleaning_up"
	StateDone       State = "done"
)

// Outcome is the terminal status of a run.
type Outcome string

const (
	// OutcomeSucceeded indicates every step completed.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed indicates a step's command exited non-zero. The run
	// still completes its protocol: notification, cleanup, normal exit.
	OutcomeFailed Outcome = "failed"
)

// Failed returns true for a failed outcome.
func (o Outcome) Failed() bool { return o == OutcomeFailed }

// Request carries the per-run inputs for the Orchestrator.
type Request struct {
	// ScriptPath is the build script to execute, relative to the working tree.
	ScriptPath string

	// ArtifactDir is the directory whose contents are committed after a build.
	ArtifactDir string

	// LogPath is the run's log file; the failure report quotes its contents.
	LogPath string
}

// Report is the per-run record produced by the Orchestrator.
type Report struct {
	// RunID uniquely identifies this run across logs, history and events.
	RunID uuid.UUID

	// Outcome is the terminal status.
	Outcome Outcome

	// FailedStep names the step that failed; empty on success.
	FailedStep string

	// Failure is the command failure behind a failed outcome; nil on success.
	Failure *runner.ExecutionError

	// StepDurations holds the wall time of every step that ran.
	StepDurations map[string]time.Duration

	// StartedAt and FinishedAt bound the run; Duration is their difference.
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration

	// LogPath is the run's log file.
	LogPath string
}

// Puller updates the working tree from its upstream.
type Puller interface {
	Pull(ctx context.Context) error
}

// Builder runs the project's build script inside the working tree.
type Builder interface {
	Run(ctx context.Context, scriptPath string) error
}

// Pusher commits the build artifacts and pushes them upstream.
type Pusher interface {
	CommitAndPush(ctx context.Context, artifactDir string) error
}

// Notifier delivers the failure report for a failed run. The orchestrator
// only decides when to fire; reading the log and addressing the message is
// the implementation's concern.
type Notifier interface {
	Notify(ctx context.Context, logPath string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, logPath string) error

func (f NotifierFunc) Notify(ctx context.Context, logPath string) error { return f(ctx, logPath) }

// Sink receives the finished run report, e.g. to publish it on a message bus.
type Sink interface {
	Publish(ctx context.Context, report *Report) error
}

// Orchestrator sequences pull → build → push with the run protocol: a step's
// command failure short-circuits the remaining steps but not the terminal
// cleanup phase, and triggers exactly one notification attempt.
type Orchestrator struct {
	puller   Puller
	builder  Builder
	pusher   Pusher
	notifier Notifier
	events   Sink
	recorder metrics.Recorder
	logger   *slog.Logger

	mu    sync.Mutex
	state State
}

// New wires an Orchestrator over the three pipeline steps.
func New(puller Puller, builder Builder, pusher Pusher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		puller:   puller,
		builder:  builder,
		pusher:   pusher,
		logger:   logger,
		recorder: metrics.NoopRecorder{},
		state:    StateIdle,
	}
}

// WithNotifier sets the failure notifier (optional; nil disables notification).
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithRecorder sets the metrics recorder (optional).
func (o *Orchestrator) WithRecorder(r metrics.Recorder) *Orchestrator {
	if r != nil {
		o.recorder = r
	}
	return o
}

// WithEventSink sets the run report sink (optional).
func (o *Orchestrator) WithEventSink(s Sink) *Orchestrator {
	o.events = s
	return o
}

// State reports the machine's current phase. Safe for concurrent use.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run executes one pipeline run.
//
// Only *runner.ExecutionError from a step is part of the run protocol: it
// becomes a Failed outcome, the notifier fires once, cleanup runs, and Run
// returns the report with a nil error. Any other step error aborts the run
// as-is: no notification, no cleanup, non-nil error to the caller.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	report := &Report{
		RunID:         uuid.New(),
		Outcome:       OutcomeSucceeded,
		StepDurations: make(map[string]time.Duration, 3),
		StartedAt:     time.Now(),
		LogPath:       req.LogPath,
	}
	logger := o.logger.With(logfields.RunID(report.RunID.String()))
	logger.Info("Starting automated build run")

	steps := []struct {
		name  string
		state State
		fn    func(context.Context) error
	}{
		{StepPull, StatePulling, func(ctx context.Context) error { return o.puller.Pull(ctx) }},
		{StepBuild, StateBuilding, func(ctx context.Context) error { return o.builder.Run(ctx, req.ScriptPath) }},
		{StepPush, StatePushing, func(ctx context.Context) error { return o.pusher.CommitAndPush(ctx, req.ArtifactDir) }},
	}

	for _, step := range steps {
		o.setState(step.state)
		stepStart := time.Now()
		err := step.fn(ctx)
		d := time.Since(stepStart)
		report.StepDurations[step.name] = d
		o.recorder.ObserveStepDuration(step.name, d)

		if err == nil {
			o.recorder.IncStepResult(step.name, metrics.ResultSuccess)
			continue
		}

		var execErr *runner.ExecutionError
		if !errors.As(err, &execErr) {
			// Failures outside the command-exit contract abort the run
			// protocol: no notification, no cleanup.
			result := metrics.ResultFatal
			if ctx.Err() != nil {
				result = metrics.ResultCanceled
			}
			o.recorder.IncStepResult(step.name, result)
			o.recorder.IncRunOutcome(metrics.OutcomeAborted)
			return nil, fmt.Errorf("%s step: %w", step.name, err)
		}

		o.recorder.IncStepResult(step.name, metrics.ResultFatal)
		report.Outcome = OutcomeFailed
		report.FailedStep = step.name
		report.Failure = execErr
		logger.Error("Pipeline step failed",
			logfields.Step(step.name),
			logfields.ExitCode(execErr.ExitCode),
			logfields.Error(err))
		break
	}

	o.setState(StateCleaningUp)
	if report.Outcome.Failed() {
		o.notify(ctx, logger, req.LogPath)
	}
	o.cleanup(logger)

	report.FinishedAt = time.Now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	o.recorder.ObserveRunDuration(report.Duration)
	o.recorder.IncRunOutcome(outcomeLabel(report.Outcome))
	o.setState(StateDone)

	logger.Info("Run finished",
		logfields.Outcome(string(report.Outcome)),
		logfields.DurationMS(float64(report.Duration.Milliseconds())))

	o.publish(ctx, logger, report)

	return report, nil
}

func (o *Orchestrator) notify(ctx context.Context, logger *slog.Logger, logPath string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, logPath); err != nil {
		// A failed notification must never mask the build failure.
		logger.Error("Failed to send failure report", logfields.Error(err))
	}
}

// cleanup releases per-run resources. Nothing currently needs release, so it
// only logs, but it runs exactly once per completed run.
func (o *Orchestrator) cleanup(logger *slog.Logger) {
	logger.Info("Cleanup: (nothing to clean)")
}

func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, report *Report) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, report); err != nil {
		logger.Warn("Failed to publish run report", logfields.Error(err))
	}
}

func outcomeLabel(o Outcome) metrics.OutcomeLabel {
	if o.Failed() {
		return metrics.OutcomeFailed
	}
	return metrics.OutcomeSuccess
}
