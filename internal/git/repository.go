package git

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"git.home.luguber.info/inful/autobuild/internal/logfields"
	"git.home.luguber.info/inful/autobuild/internal/runner"
)

// CommitMessage is the fixed message used for every artifact commit.
const CommitMessage = "Add latest build artifacts"

// noChangeMarkers are the literal substrings git prints when a commit had
// nothing to do. Git reports that condition with the same non-zero exit
// status as a genuine failure, so output content is the only distinguishing
// signal. Do not "clean these up": they must match the tool verbatim.
var noChangeMarkers = []string{
	"nothing added to commit",
	"no changes added to commit",
}

// CommitStatus classifies the outcome of a commit attempt.
type CommitStatus int

const (
	// Committed means a new commit was created.
	Committed CommitStatus = iota
	// NothingToCommit means the worktree had no staged changes; treated as a
	// successful no-op so an unchanged artifact tree never fails the run.
	NothingToCommit
)

func (s CommitStatus) String() string {
	if s == NothingToCommit {
		return "nothing-to-commit"
	}
	return "committed"
}

// Executor runs external commands; satisfied by *runner.Runner.
type Executor interface {
	Execute(ctx context.Context, spec runner.Spec, redirectPath string) (runner.Result, error)
}

// Repository is a facade over the git CLI for a single working tree. It does
// no special-case handling of its own except the idempotent-commit policy;
// every other failure propagates to the caller unchanged.
type Repository struct {
	exec   Executor
	dir    string
	logger *slog.Logger
}

// NewRepository returns a Repository operating on the working tree at dir.
func NewRepository(exec Executor, dir string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{exec: exec, dir: dir, logger: logger}
}

// Pull runs `git pull` in the working tree. Failures propagate unchanged.
func (r *Repository) Pull(ctx context.Context) error {
	r.logger.Info("Pulling from repository")
	if _, err := r.exec.Execute(ctx, runner.Command("git", "pull").InDir(r.dir), ""); err != nil {
		return err
	}
	r.logger.Info("Pulling from repository successful")
	return nil
}

// CommitAndPush stages artifactDir, commits it with the fixed message and
// pushes. A commit that had nothing to do is reclassified as success and the
// push is still attempted; any other failure short-circuits and propagates.
func (r *Repository) CommitAndPush(ctx context.Context, artifactDir string) error {
	r.logger.Info("Staging build artifacts", logfields.Path(artifactDir))
	if _, err := r.exec.Execute(ctx, runner.Command("git", "stage", artifactDir).InDir(r.dir), ""); err != nil {
		return err
	}

	r.logger.Info("Committing build artifacts")
	status, err := r.commit(ctx)
	if err != nil {
		return err
	}
	if status == NothingToCommit {
		r.logger.Info("No artifact changes since last run; commit skipped")
	} else {
		r.logger.Info("Committing build artifacts successful")
	}

	r.logger.Info("Pushing build artifacts")
	if _, err := r.exec.Execute(ctx, runner.Command("git", "push").InDir(r.dir), ""); err != nil {
		return err
	}
	r.logger.Info("Pushing build artifacts successful")
	return nil
}

// commit runs `git commit` and maps the tool's "nothing to commit" failure
// mode onto NothingToCommit.
func (r *Repository) commit(ctx context.Context) (CommitStatus, error) {
	spec := runner.Command("git", "commit", "-m", CommitMessage).InDir(r.dir)
	if _, err := r.exec.Execute(ctx, spec, ""); err != nil {
		var execErr *runner.ExecutionError
		if errors.As(err, &execErr) && isNothingToCommit(execErr) {
			return NothingToCommit, nil
		}
		return Committed, err
	}
	return Committed, nil
}

// isNothingToCommit searches the failure's stdout and the combined output for
// the no-change markers. Git writes the message to stdout, but the combined
// surface is searched too so the check survives stream interleaving.
func isNothingToCommit(err *runner.ExecutionError) bool {
	for _, marker := range noChangeMarkers {
		if strings.Contains(err.Stdout, marker) || strings.Contains(err.CombinedOutput(), marker) {
			return true
		}
	}
	return false
}
