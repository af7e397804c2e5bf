package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"git.home.luguber.info/inful/autobuild/internal/metrics"
	"git.home.luguber.info/inful/autobuild/internal/runner"
)

type fakePuller struct {
	calls int
	err   error
}

func (f *fakePuller) Pull(context.Context) error {
	f.calls++
	return f.err
}

type fakeBuilder struct {
	calls  int
	script string
	err    error
}

func (f *fakeBuilder) Run(_ context.Context, scriptPath string) error {
	f.calls++
	f.script = scriptPath
	return f.err
}

type fakePusher struct {
	calls int
	dir   string
	err   error
}

func (f *fakePusher) CommitAndPush(_ context.Context, artifactDir string) error {
	f.calls++
	f.dir = artifactDir
	return f.err
}

type fakeNotifier struct {
	calls   int
	logPath string
	err     error
}

func (f *fakeNotifier) Notify(_ context.Context, logPath string) error {
	f.calls++
	f.logPath = logPath
	return f.err
}

type fakeSink struct {
	reports []*Report
	err     error
}

func (f *fakeSink) Publish(_ context.Context, r *Report) error {
	f.reports = append(f.reports, r)
	return f.err
}

type countingRecorder struct {
	stepResults map[string]map[metrics.ResultLabel]int
	runOutcomes map[metrics.OutcomeLabel]int
	runObserved int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		stepResults: map[string]map[metrics.ResultLabel]int{},
		runOutcomes: map[metrics.OutcomeLabel]int{},
	}
}

func (c *countingRecorder) ObserveStepDuration(string, time.Duration) {}
func (c *countingRecorder) ObserveRunDuration(time.Duration)          { c.runObserved++ }
func (c *countingRecorder) IncStepResult(step string, result metrics.ResultLabel) {
	m, ok := c.stepResults[step]
	if !ok {
		m = map[metrics.ResultLabel]int{}
		c.stepResults[step] = m
	}
	m[result]++
}
func (c *countingRecorder) IncRunOutcome(outcome metrics.OutcomeLabel) { c.runOutcomes[outcome]++ }

type fixture struct {
	puller   *fakePuller
	builder  *fakeBuilder
	pusher   *fakePusher
	notifier *fakeNotifier
	recorder *countingRecorder
	logs     *bytes.Buffer
	orch     *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		puller:   &fakePuller{},
		builder:  &fakeBuilder{},
		pusher:   &fakePusher{},
		notifier: &fakeNotifier{},
		recorder: newCountingRecorder(),
		logs:     &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(f.logs, nil))
	f.orch = New(f.puller, f.builder, f.pusher, logger).
		WithNotifier(f.notifier).
		WithRecorder(f.recorder)
	return f
}

func (f *fixture) run(t *testing.T) (*Report, error) {
	t.Helper()
	return f.orch.Run(context.Background(), Request{
		ScriptPath:  "build.sh",
		ArtifactDir: "bin",
		LogPath:     "logs/run.log",
	})
}

func (f *fixture) cleanupCount() int {
	return strings.Count(f.logs.String(), "Cleanup: (nothing to clean)")
}

func execErr(cmd string, code int, stdout string) *runner.ExecutionError {
	return &runner.ExecutionError{Command: cmd, Stdout: stdout, ExitCode: code}
}

func TestRun_AllStepsSucceed(t *testing.T) {
	f := newFixture()

	report, err := f.run(t)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %v, want %v", report.Outcome, OutcomeSucceeded)
	}
	if report.FailedStep != "" || report.Failure != nil {
		t.Errorf("success report carries failure state: step=%q failure=%v", report.FailedStep, report.Failure)
	}
	if f.puller.calls != 1 || f.builder.calls != 1 || f.pusher.calls != 1 {
		t.Errorf("step calls = %d/%d/%d, want 1/1/1", f.puller.calls, f.builder.calls, f.pusher.calls)
	}
	if f.builder.script != "build.sh" {
		t.Errorf("builder script = %q, want build.sh", f.builder.script)
	}
	if f.pusher.dir != "bin" {
		t.Errorf("pusher dir = %q, want bin", f.pusher.dir)
	}
	if f.notifier.calls != 0 {
		t.Errorf("notifier fired on success: %d calls", f.notifier.calls)
	}
	if got := f.cleanupCount(); got != 1 {
		t.Errorf("cleanup ran %d times, want 1", got)
	}
	if f.orch.State() != StateDone {
		t.Errorf("state = %v, want %v", f.orch.State(), StateDone)
	}
	if f.recorder.runOutcomes[metrics.OutcomeSuccess] != 1 {
		t.Errorf("run outcome counters = %v", f.recorder.runOutcomes)
	}
	for _, step := range []string{StepPull, StepBuild, StepPush} {
		if _, ok := report.StepDurations[step]; !ok {
			t.Errorf("missing duration for step %s", step)
		}
	}
}

func TestRun_PullFailureShortCircuits(t *testing.T) {
	f := newFixture()
	f.puller.err = execErr("git pull", 1, "")

	report, err := f.run(t)
	if err != nil {
		t.Fatalf("classified failure must not return an error, got %v", err)
	}
	if report.Outcome != OutcomeFailed || report.FailedStep != StepPull {
		t.Errorf("report = %v/%q, want failed/pull", report.Outcome, report.FailedStep)
	}
	if report.Failure == nil || report.Failure.ExitCode != 1 {
		t.Errorf("Failure = %v, want exit code 1", report.Failure)
	}
	if f.builder.calls != 0 || f.pusher.calls != 0 {
		t.Errorf("later steps ran after pull failure: build=%d push=%d", f.builder.calls, f.pusher.calls)
	}
	if f.notifier.calls != 1 {
		t.Errorf("notifier calls = %d, want 1", f.notifier.calls)
	}
	if f.notifier.logPath != "logs/run.log" {
		t.Errorf("notifier log path = %q", f.notifier.logPath)
	}
	if got := f.cleanupCount(); got != 1 {
		t.Errorf("cleanup ran %d times, want 1", got)
	}
	if f.recorder.stepResults[StepPull][metrics.ResultFatal] != 1 {
		t.Errorf("step results = %v", f.recorder.stepResults)
	}
	if f.recorder.runOutcomes[metrics.OutcomeFailed] != 1 {
		t.Errorf("run outcomes = %v", f.recorder.runOutcomes)
	}
}

func TestRun_BuildFailureSkipsPush(t *testing.T) {
	f := newFixture()
	f.builder.err = execErr("./build.sh", 2, "compile error")

	report, err := f.run(t)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.FailedStep != StepBuild {
		t.Errorf("FailedStep = %q, want build", report.FailedStep)
	}
	if f.pusher.calls != 0 {
		t.Errorf("push ran after build failure")
	}
	if f.notifier.calls != 1 {
		t.Errorf("notifier calls = %d, want 1", f.notifier.calls)
	}
	if len(report.StepDurations) != 2 {
		t.Errorf("StepDurations = %v, want pull and build only", report.StepDurations)
	}
}

func TestRun_PushFailureStillNotifies(t *testing.T) {
	f := newFixture()
	f.pusher.err = execErr("git push", 1, "")

	report, err := f.run(t)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.FailedStep != StepPush {
		t.Errorf("FailedStep = %q, want push", report.FailedStep)
	}
	if f.notifier.calls != 1 || f.cleanupCount() != 1 {
		t.Errorf("notify=%d cleanup=%d, want 1/1", f.notifier.calls, f.cleanupCount())
	}
}

func TestRun_UnclassifiedErrorAbortsProtocol(t *testing.T) {
	f := newFixture()
	f.builder.err = errors.New("fork/exec ./build.sh: permission denied")

	report, err := f.run(t)
	if err == nil {
		t.Fatal("expected an error for an unclassified failure")
	}
	if report != nil {
		t.Errorf("report = %v, want nil", report)
	}
	if f.notifier.calls != 0 {
		t.Errorf("notifier fired on unclassified failure")
	}
	if got := f.cleanupCount(); got != 0 {
		t.Errorf("cleanup ran %d times, want 0", got)
	}
	if f.orch.State() == StateDone {
		t.Errorf("aborted run must not reach %v", StateDone)
	}
	if f.recorder.runOutcomes[metrics.OutcomeAborted] != 1 {
		t.Errorf("run outcomes = %v", f.recorder.runOutcomes)
	}
	if !strings.Contains(err.Error(), "build step") {
		t.Errorf("error %q does not name the failing step", err)
	}
}

func TestRun_CanceledContextCountsAsCanceled(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.puller.err = context.Canceled
	cancel()

	_, err := f.orch.Run(ctx, Request{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if f.recorder.stepResults[StepPull][metrics.ResultCanceled] != 1 {
		t.Errorf("step results = %v, want canceled for pull", f.recorder.stepResults)
	}
}

func TestRun_NotifierErrorIsLoggedNotReturned(t *testing.T) {
	f := newFixture()
	f.puller.err = execErr("git pull", 1, "")
	f.notifier.err = errors.New("smtp: connection refused")

	report, err := f.run(t)
	if err != nil {
		t.Fatalf("notifier error leaked: %v", err)
	}
	if report.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %v, want failed", report.Outcome)
	}
	if !strings.Contains(f.logs.String(), "Failed to send failure report") {
		t.Errorf("notifier failure not logged")
	}
	// The original failure is still what the report carries.
	if report.Failure == nil || report.Failure.Command != "git pull" {
		t.Errorf("Failure = %v, want the pull failure", report.Failure)
	}
}

func TestRun_NotifierRunsBeforeCleanup(t *testing.T) {
	cases := []struct {
		step   string
		inject func(*fixture, error)
	}{
		{StepPull, func(f *fixture, err error) { f.puller.err = err }},
		{StepBuild, func(f *fixture, err error) { f.builder.err = err }},
		{StepPush, func(f *fixture, err error) { f.pusher.err = err }},
	}
	for _, tc := range cases {
		f := newFixture()
		tc.inject(f, execErr("cmd", 1, ""))

		notified := false
		f.orch.WithNotifier(NotifierFunc(func(context.Context, string) error {
			notified = true
			if got := f.cleanupCount(); got != 0 {
				t.Errorf("%s failure: cleanup ran %d times before the notifier fired", tc.step, got)
			}
			return nil
		}))

		if _, err := f.run(t); err != nil {
			t.Fatalf("%s failure: Run() error = %v", tc.step, err)
		}
		if !notified {
			t.Fatalf("%s failure: notifier never fired", tc.step)
		}
		if got := f.cleanupCount(); got != 1 {
			t.Errorf("%s failure: cleanup ran %d times, want 1", tc.step, got)
		}
	}
}

func TestRun_NoNotifierConfigured(t *testing.T) {
	f := newFixture()
	f.orch.notifier = nil
	f.puller.err = execErr("git pull", 1, "")

	if _, err := f.run(t); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.cleanupCount() != 1 {
		t.Errorf("cleanup skipped without a notifier")
	}
}

func TestRun_EventSinkReceivesReport(t *testing.T) {
	f := newFixture()
	sink := &fakeSink{}
	f.orch.WithEventSink(sink)

	report, err := f.run(t)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.reports) != 1 || sink.reports[0] != report {
		t.Errorf("sink reports = %v", sink.reports)
	}
}

func TestRun_EventSinkErrorIsSwallowed(t *testing.T) {
	f := newFixture()
	f.orch.WithEventSink(&fakeSink{err: errors.New("nats: no servers")})

	report, err := f.run(t)
	if err != nil {
		t.Fatalf("sink error leaked: %v", err)
	}
	if report.Outcome != OutcomeSucceeded {
		t.Errorf("Outcome = %v, want succeeded", report.Outcome)
	}
	if !strings.Contains(f.logs.String(), "Failed to publish run report") {
		t.Errorf("sink failure not logged")
	}
}

func TestRun_ReportIdentityAndTiming(t *testing.T) {
	f := newFixture()

	a, err := f.run(t)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if a.RunID == b.RunID {
		t.Errorf("consecutive runs share RunID %s", a.RunID)
	}
	if a.FinishedAt.Before(a.StartedAt) {
		t.Errorf("FinishedAt %v before StartedAt %v", a.FinishedAt, a.StartedAt)
	}
	if a.Duration != a.FinishedAt.Sub(a.StartedAt) {
		t.Errorf("Duration inconsistent with timestamps")
	}
}

func TestOutcome_Failed(t *testing.T) {
	if OutcomeSucceeded.Failed() {
		t.Error("succeeded reported as failed")
	}
	if !OutcomeFailed.Failed() {
		t.Error("failed not reported as failed")
	}
}

func TestRun_WrappedExecutionErrorIsClassified(t *testing.T) {
	f := newFixture()
	f.pusher.err = errors.Join(errors.New("context"), execErr("git push", 1, ""))

	report, err := f.run(t)
	if err != nil {
		t.Fatalf("wrapped ExecutionError must still classify, got error %v", err)
	}
	if report.Outcome != OutcomeFailed || report.FailedStep != StepPush {
		t.Errorf("report = %v/%q", report.Outcome, report.FailedStep)
	}
}
