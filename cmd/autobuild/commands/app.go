package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/autobuild/internal/config"
	"git.home.luguber.info/inful/autobuild/internal/events"
	"git.home.luguber.info/inful/autobuild/internal/git"
	"git.home.luguber.info/inful/autobuild/internal/history"
	"git.home.luguber.info/inful/autobuild/internal/logfields"
	"git.home.luguber.info/inful/autobuild/internal/logging"
	"git.home.luguber.info/inful/autobuild/internal/metrics"
	"git.home.luguber.info/inful/autobuild/internal/notify"
	"git.home.luguber.info/inful/autobuild/internal/pipeline"
	"git.home.luguber.info/inful/autobuild/internal/runner"
	"git.home.luguber.info/inful/autobuild/internal/script"
)

// App wires one pipeline run end to end: log file, working tree checks,
// collaborators, orchestration, persistence. The daemon calls ExecuteRun once
// per tick with its config snapshot; the run command goes through
// ExecuteRunFromFile so the run log exists before the configuration is read.
type App struct {
	clock    clockwork.Clock
	level    slog.Level
	recorder metrics.Recorder
}

func NewApp(clock clockwork.Clock, level slog.Level) *App {
	return &App{clock: clock, level: level}
}

// WithRecorder attaches a metrics recorder to every run the app executes.
func (a *App) WithRecorder(r metrics.Recorder) *App {
	if r != nil {
		a.recorder = r
	}
	return a
}

// ExecuteRun performs a single pipeline run with an already loaded
// configuration.
//
// A run that failed but was reported returns the report and a nil error;
// a non-nil error means the run could not follow its protocol at all.
func (a *App) ExecuteRun(ctx context.Context, cfg *config.Config) (*pipeline.Report, error) {
	return a.executeRun(ctx, func() (*config.Config, error) { return cfg, nil })
}

// ExecuteRunFromFile reads the configuration after the run log is open and
// old logs are pruned, so a broken configuration still leaves a run log
// naming the problem.
func (a *App) ExecuteRunFromFile(ctx context.Context, configPath string) (*pipeline.Report, error) {
	return a.executeRun(ctx, func() (*config.Config, error) { return config.Load(configPath) })
}

func (a *App) executeRun(ctx context.Context, loadConfig func() (*config.Config, error)) (*pipeline.Report, error) {
	logger, logPath, logFile, err := logging.Open(logging.DirName, a.level, a.clock)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	if err := logging.Prune(logging.DirName, logging.MaxAge, a.clock, logger); err != nil {
		logger.Warn("Pruning old logs failed", logfields.Error(err))
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Run aborted", logfields.Error(err))
		return nil, err
	}

	report, err := a.runPipeline(ctx, cfg, logger, logPath)
	if err != nil {
		// Aborts bypass the notifier, so the run log itself must record why
		// the run died.
		logger.Error("Run aborted", logfields.Error(err))
		return nil, err
	}
	return report, nil
}

func (a *App) runPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, logPath string) (*pipeline.Report, error) {
	repoDir := cfg.Build.RepositoryDir
	if repoDir == "" {
		repoDir = "."
	}

	info, err := git.Inspect(repoDir)
	if err != nil {
		if errors.Is(err, git.ErrNotARepository) {
			return nil, &config.Error{
				Reason: fmt.Sprintf("working tree %s is not a git repository", repoDir),
				Err:    err,
			}
		}
		return nil, err
	}
	logger.Info("Working tree",
		slog.String("branch", info.Branch),
		slog.String("head", info.Head),
		slog.String("remote", info.Remote))

	mailer, err := notify.NewMailer(cfg.SMTP, logger)
	if err != nil {
		return nil, err
	}

	exec := runner.New(logger)
	repo := git.NewRepository(exec, repoDir, logger)
	builder := script.New(exec, repoDir, logging.BuildScriptLogPath(logging.DirName), logger)

	orch := pipeline.New(repo, builder, repo, logger).
		WithNotifier(pipeline.NotifierFunc(func(ctx context.Context, logPath string) error {
			text, err := os.ReadFile(logPath)
			if err != nil {
				return fmt.Errorf("reading run log for the failure report: %w", err)
			}
			return mailer.Send(ctx, string(text))
		})).
		WithRecorder(a.recorder)

	// History and events are best-effort: a run must not fail because its
	// bookkeeping is unavailable.
	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("Run history unavailable", logfields.Error(err))
			store = nil
		} else {
			defer store.Close()
		}
	}

	if cfg.Events.NATSURL != "" {
		publisher, err := events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			logger.Warn("Event publishing unavailable", logfields.Error(err))
		} else {
			defer publisher.Close()
			orch = orch.WithEventSink(publisher)
		}
	}

	report, err := orch.Run(ctx, pipeline.Request{
		ScriptPath:  cfg.Build.ScriptPath,
		ArtifactDir: cfg.Build.ArtifactDir,
		LogPath:     logPath,
	})
	if err != nil {
		return nil, err
	}

	if store != nil {
		if err := store.Record(ctx, history.FromReport(report)); err != nil {
			logger.Error("Recording run history failed", logfields.Error(err))
		}
	}
	return report, nil
}
