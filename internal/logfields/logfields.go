package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyStep       = "step"
	KeyCommand    = "command"
	KeyExitCode   = "exit_code"
	KeyOutcome    = "outcome"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Step(name string) slog.Attr      { return slog.String(KeyStep, name) }
func Command(c string) slog.Attr      { return slog.String(KeyCommand, c) }
func ExitCode(code int) slog.Attr     { return slog.Int(KeyExitCode, code) }
func Outcome(o string) slog.Attr      { return slog.String(KeyOutcome, o) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
