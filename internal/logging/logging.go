// Package logging owns the run log lifecycle: the timestamped file every run
// writes to, and the age-based pruning that keeps the log directory bounded.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/autobuild/internal/logfields"
)

// Fixed locations. Pruning runs before the configuration is read, so none of
// these are configurable.
const (
	// DirName is the log directory, relative to the working directory.
	DirName = "logs"

	// BuildScriptLogName is the auxiliary file capturing the build script's
	// output, overwritten on every run.
	BuildScriptLogName = "build_script.log"

	// MaxAge is the pruning threshold for files in the log directory.
	MaxAge = 7 * 24 * time.Hour

	// timestampLayout names run logs sortably, e.g. 2026-08-24__14-03-59_build.log.
	timestampLayout = "2006-01-02__15-04-05"
)

// BuildScriptLogPath returns the auxiliary build log path under dir.
func BuildScriptLogPath(dir string) string {
	return filepath.Join(dir, BuildScriptLogName)
}

// Open creates the log directory and a timestamped run log inside it, and
// returns a logger writing to both the file and stderr. The caller closes
// the returned closer when the run is over.
func Open(dir string, level slog.Level, clock clockwork.Clock) (*slog.Logger, string, io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, clock.Now().Format(timestampLayout)+"_build.log")
	file, err := os.Create(path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("creating run log %s: %w", path, err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(file, os.Stderr), &slog.HandlerOptions{Level: level})
	return slog.New(handler), path, file, nil
}

// Prune deletes regular files in dir whose age is at least maxAge, measured
// from modification time. The boundary is inclusive: a file exactly maxAge
// old is already too old. Removal problems for individual files are logged
// and skipped; only listing the directory fails the call.
func Prune(dir string, maxAge time.Duration, clock clockwork.Clock, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing log directory %s: %w", dir, err)
	}

	now := clock.Now()
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logger.Warn("Skipping unreadable log file", logfields.Path(entry.Name()), logfields.Error(err))
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("Failed to remove old log file", logfields.Path(path), logfields.Error(err))
			continue
		}
		logger.Info("Removed old log file", logfields.Path(path))
	}
	return nil
}
