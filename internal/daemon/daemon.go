// Package daemon runs the build pipeline on a schedule. It owns the current
// configuration snapshot, reloads it when the file changes, and serves the
// health and metrics endpoints.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/autobuild/internal/config"
	"git.home.luguber.info/inful/autobuild/internal/logfields"
	"git.home.luguber.info/inful/autobuild/internal/pipeline"
)

// RunFunc executes one pipeline run against a configuration snapshot.
type RunFunc func(ctx context.Context, cfg *config.Config) (*pipeline.Report, error)

// Daemon schedules pipeline runs and keeps the configuration snapshot they
// use current.
type Daemon struct {
	configPath string
	runFunc    RunFunc
	logger     *slog.Logger
	clock      clockwork.Clock
	registry   *prom.Registry

	scheduler gocron.Scheduler
	job       gocron.Job

	mu          sync.RWMutex
	cfg         *config.Config
	runs        int64
	lastRunID   string
	lastOutcome string
	lastRunAt   time.Time
	startedAt   time.Time
}

// New builds a daemon around an initial configuration snapshot. The registry
// is optional; without it the HTTP listener only serves health.
func New(configPath string, cfg *config.Config, run RunFunc, registry *prom.Registry, clock clockwork.Clock, logger *slog.Logger) (*Daemon, error) {
	if !cfg.HasSchedule() {
		return nil, &config.Error{Reason: "daemon mode needs a [schedule-conf] section with cron or every"}
	}
	return &Daemon{
		configPath: configPath,
		cfg:        cfg,
		runFunc:    run,
		registry:   registry,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Run blocks until ctx is canceled, firing pipeline runs per the schedule.
// Runs never overlap: a tick that lands while one is active is rescheduled.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	d.startedAt = d.clock.Now()
	cfg := d.cfg
	d.mu.Unlock()

	scheduler, err := gocron.NewScheduler(gocron.WithClock(d.clock))
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	d.scheduler = scheduler

	job, err := scheduler.NewJob(
		jobDefinition(cfg.Schedule),
		gocron.NewTask(func() { d.tick(ctx) }),
		gocron.WithName("automated-build"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduling build job: %w", err)
	}
	d.job = job

	watcher, err := newConfigWatcher(d.configPath, d)
	if err != nil {
		return fmt.Errorf("watching configuration: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("watching configuration: %w", err)
	}
	defer watcher.Stop()

	var httpSrv *httpServer
	if cfg.Schedule.HTTPAddr != "" {
		httpSrv = newHTTPServer(cfg.Schedule.HTTPAddr, d, d.registry, d.logger)
		httpSrv.Start()
	}

	scheduler.Start()
	d.logger.Info("Daemon started", slog.String("schedule", describeSchedule(cfg.Schedule)))

	<-ctx.Done()

	d.logger.Info("Daemon stopping")
	if err := scheduler.Shutdown(); err != nil {
		d.logger.Error("Scheduler shutdown failed", logfields.Error(err))
	}
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP shutdown failed", logfields.Error(err))
		}
	}
	return nil
}

func jobDefinition(schedule config.ScheduleConfig) gocron.JobDefinition {
	if schedule.Cron != "" {
		return gocron.CronJob(schedule.Cron, false)
	}
	return gocron.DurationJob(schedule.Every)
}

func describeSchedule(schedule config.ScheduleConfig) string {
	if schedule.Cron != "" {
		return "cron " + schedule.Cron
	}
	return "every " + schedule.Every.String()
}

// tick runs the pipeline once with the current snapshot.
func (d *Daemon) tick(ctx context.Context) {
	cfg := d.snapshot()
	d.logger.Info("Scheduled run starting")

	report, err := d.runFunc(ctx, cfg)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs++
	d.lastRunAt = d.clock.Now()
	if err != nil {
		d.lastOutcome = "aborted"
		d.lastRunID = ""
		d.logger.Error("Scheduled run aborted", logfields.Error(err))
		return
	}
	d.lastOutcome = string(report.Outcome)
	d.lastRunID = report.RunID.String()
}

func (d *Daemon) snapshot() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Daemon) setConfig(cfg *config.Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// reload swaps the configuration snapshot for the next tick. A snapshot is
// only replaced by one that loads cleanly; on error the old one stays.
func (d *Daemon) reload(context.Context) error {
	newCfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}

	if old := d.snapshot(); newCfg.Schedule != old.Schedule {
		d.logger.Warn("Schedule changes take effect after daemon restart")
	}

	d.setConfig(newCfg)
	d.logger.Info("Configuration reloaded", logfields.Path(d.configPath))
	return nil
}
