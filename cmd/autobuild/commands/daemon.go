package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/autobuild/internal/config"
	"git.home.luguber.info/inful/autobuild/internal/daemon"
	"git.home.luguber.info/inful/autobuild/internal/logfields"
	"git.home.luguber.info/inful/autobuild/internal/metrics"
)

// DaemonCmd implements the 'daemon' command: runs on the configured schedule
// until interrupted.
type DaemonCmd struct{}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	registry := prom.NewRegistry()
	app := NewApp(clock, root.logLevel()).
		WithRecorder(metrics.NewPrometheusRecorder(registry))

	dm, err := daemon.New(root.Config, cfg, app.ExecuteRun, registry, clock, g.Logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g.Logger.Info("Starting daemon mode", logfields.Path(root.Config))
	return dm.Run(ctx)
}
