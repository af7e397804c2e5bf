// Package runner executes external commands to completion, capturing their
// stdout, stderr and exit status. It is the single choke point every pipeline
// step goes through, so command output always ends up in the run log and an
// optional redirect file regardless of which step issued the command.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"git.home.luguber.info/inful/autobuild/internal/logfields"
)

// Spec describes one external command invocation. Immutable once constructed.
type Spec struct {
	Name string   // executable name or path, resolved via PATH when bare
	Args []string // ordered argument list
	Dir  string   // working directory; empty inherits the process cwd
}

// Command builds a Spec for name with the given arguments.
func Command(name string, args ...string) Spec {
	return Spec{Name: name, Args: args}
}

// InDir returns a copy of the spec with the working directory set.
func (s Spec) InDir(dir string) Spec {
	s.Dir = dir
	return s
}

// String returns the joined command text as it would be typed in a shell.
// Used for diagnostics only; no quoting is applied.
func (s Spec) String() string {
	out := s.Name
	for _, a := range s.Args {
		out += " " + a
	}
	return out
}

// Result holds the captured outcome of a command that ran to completion.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool { return r.ExitCode == 0 }

// ExecutionError means the child process started, ran to completion and
// exited non-zero. Failure to start the child at all (binary missing,
// permission denied) is NOT an ExecutionError: it surfaces as a plain
// wrapped error and the orchestrator treats it as unclassified.
type ExecutionError struct {
	Command  string // joined command text
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}

// CombinedOutput returns stdout followed by stderr. Callers that classify a
// failure by its output (the idempotent-commit check) search this single
// surface so it does not matter which stream the tool wrote to.
func (e *ExecutionError) CombinedOutput() string {
	return e.Stdout + e.Stderr
}

// Runner executes commands synchronously. One instance is shared by every
// pipeline step of a run; it carries the run's logger so captured output is
// always mirrored into the run log.
type Runner struct {
	logger *slog.Logger
}

// New returns a Runner that logs captured output through logger.
func New(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Execute runs the command described by spec and blocks until it exits.
// Captured stdout is logged at Info and stderr at Error, success or not.
// If redirectPath is non-empty the captured output (stdout then stderr) is
// written to that file before the exit status is evaluated, so a failing
// build script still leaves its output on disk.
//
// A non-zero exit yields the populated Result together with an
// *ExecutionError. There is no per-command timeout: a hung child blocks
// until ctx is canceled, which kills it.
func (r *Runner) Execute(ctx context.Context, spec Spec, redirectPath string) (Result, error) {
	if spec.Name == "" {
		return Result{}, errors.New("empty command spec")
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Executing command", logfields.Command(spec.String()))
	runErr := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	// Mirror captured output into the run log unconditionally; operators read
	// the log file, not the child's terminal.
	if res.Stdout != "" {
		r.logger.Info("\t" + res.Stdout)
	}
	if res.Stderr != "" {
		r.logger.Error("\t" + res.Stderr)
	}

	if redirectPath != "" {
		if err := writeRedirect(redirectPath, res); err != nil {
			return res, err
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Child never ran; not a build failure.
			return res, fmt.Errorf("starting command %q: %w", spec.String(), runErr)
		}
		if ctx.Err() != nil {
			// Killed by cancellation, not a build failure.
			return res, fmt.Errorf("command %q interrupted: %w", spec.String(), ctx.Err())
		}
		res.ExitCode = exitErr.ExitCode()
		return res, &ExecutionError{
			Command:  spec.String(),
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: res.ExitCode,
		}
	}

	return res, nil
}

// writeRedirect overwrites path with the captured stdout followed by stderr.
func writeRedirect(path string, res Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating redirect file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if res.Stdout != "" {
		if _, err := f.WriteString(res.Stdout); err != nil {
			return fmt.Errorf("writing redirect file %s: %w", path, err)
		}
	}
	if res.Stderr != "" {
		if _, err := f.WriteString(res.Stderr); err != nil {
			return fmt.Errorf("writing redirect file %s: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing redirect file %s: %w", path, err)
	}
	return nil
}
