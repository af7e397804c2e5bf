package script

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/autobuild/internal/runner"
)

type recordingExecutor struct {
	spec     runner.Spec
	redirect string
	calls    int
	err      error
}

func (r *recordingExecutor) Execute(_ context.Context, spec runner.Spec, redirectPath string) (runner.Result, error) {
	r.calls++
	r.spec = spec
	r.redirect = redirectPath
	if r.err != nil {
		return runner.Result{ExitCode: 1}, r.err
	}
	return runner.Result{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeScript(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode))
	return path
}

func TestRun_RelativeScriptInvokedFromWorktree(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "build.sh", 0o644)
	exec := &recordingExecutor{}
	r := New(exec, dir, filepath.Join(dir, "logs", "build_script.log"), discardLogger())

	require.NoError(t, r.Run(context.Background(), "build.sh"))
	require.Equal(t, "./build.sh", exec.spec.Name)
	require.Empty(t, exec.spec.Args)
	require.Equal(t, dir, exec.spec.Dir)
	require.Equal(t, filepath.Join(dir, "logs", "build_script.log"), exec.redirect)
}

func TestRun_AddsOwnerExecuteBitOnly(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "build.sh", 0o644)
	r := New(&recordingExecutor{}, dir, "", discardLogger())

	require.NoError(t, r.Run(context.Background(), "build.sh"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o744), info.Mode().Perm())
}

func TestRun_ChmodIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "build.sh", 0o755)
	r := New(&recordingExecutor{}, dir, "", discardLogger())

	require.NoError(t, r.Run(context.Background(), "build.sh"))
	require.NoError(t, r.Run(context.Background(), "build.sh"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestRun_AbsolutePathUsedAsIs(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "build.sh", 0o600)
	exec := &recordingExecutor{}
	r := New(exec, t.TempDir(), "", discardLogger())

	require.NoError(t, r.Run(context.Background(), path))
	require.Equal(t, path, exec.spec.Name)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestRun_MissingScriptFailsBeforeExecution(t *testing.T) {
	exec := &recordingExecutor{}
	r := New(exec, t.TempDir(), "", discardLogger())

	err := r.Run(context.Background(), "absent.sh")
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Zero(t, exec.calls)
}

func TestRun_ExecutionErrorPropagatesUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "build.sh", 0o755)
	execErr := &runner.ExecutionError{Command: "./build.sh", Stderr: "compile error\n", ExitCode: 2}
	r := New(&recordingExecutor{err: execErr}, dir, "", discardLogger())

	err := r.Run(context.Background(), "build.sh")
	var got *runner.ExecutionError
	require.ErrorAs(t, err, &got)
	require.Same(t, execErr, got)
}
