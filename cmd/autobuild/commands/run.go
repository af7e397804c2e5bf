package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
)

// RunCmd implements the 'run' command: one full pipeline run.
type RunCmd struct{}

func (r *RunCmd) Run(_ *Global, root *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := NewApp(clockwork.NewRealClock(), root.logLevel())
	_, err := app.ExecuteRunFromFile(ctx, root.Config)
	return err
}
