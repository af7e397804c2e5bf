// Package script prepares and executes the project-supplied build script.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/autobuild/internal/logfields"
	"git.home.luguber.info/inful/autobuild/internal/runner"
)

// Executor runs a prepared command. *runner.Runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, spec runner.Spec, redirectPath string) (runner.Result, error)
}

// Runner executes the build script inside the project working tree.
type Runner struct {
	exec    Executor
	dir     string // working tree the script runs in
	logPath string // auxiliary file receiving the script's output
	logger  *slog.Logger
}

func New(exec Executor, dir, logPath string, logger *slog.Logger) *Runner {
	return &Runner{exec: exec, dir: dir, logPath: logPath, logger: logger}
}

// Run marks the script executable and runs it. Relative paths resolve inside
// the working tree and are invoked as "./name" so the tree itself need not be
// on PATH. Both output streams are copied to the auxiliary build log so a
// failed build can be inspected without scanning the run log.
func (r *Runner) Run(ctx context.Context, scriptPath string) error {
	target := scriptPath
	name := scriptPath
	if !filepath.IsAbs(scriptPath) {
		target = filepath.Join(r.dir, scriptPath)
		name = "./" + scriptPath
	}

	// Give execute permission to the script; repeated runs are a no-op.
	if err := makeExecutable(target); err != nil {
		return err
	}

	r.logger.Info("Running build script", logfields.Command(name))
	if _, err := r.exec.Execute(ctx, runner.Command(name).InDir(r.dir), r.logPath); err != nil {
		return err
	}
	r.logger.Info("Build script completed successfully")
	return nil
}

func makeExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("inspecting build script %s: %w", path, err)
	}
	if err := os.Chmod(path, info.Mode()|0o100); err != nil {
		return fmt.Errorf("marking build script %s executable: %w", path, err)
	}
	return nil
}
