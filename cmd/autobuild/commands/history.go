package commands

import (
	"context"
	"fmt"
	"time"

	"git.home.luguber.info/inful/autobuild/internal/config"
	"git.home.luguber.info/inful/autobuild/internal/history"
)

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	Limit int `short:"n" default:"20" help:"Number of runs to show"`
}

func (h *HistoryCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Recent(context.Background(), h.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	for _, rec := range records {
		fmt.Println(formatRecord(rec))
	}
	return nil
}

func formatRecord(rec history.Record) string {
	line := fmt.Sprintf("%s  %-9s  %s  (%s)",
		rec.StartedAt.Format(time.DateTime), rec.Outcome, rec.RunID, rec.Duration().Round(time.Second))
	if rec.FailedStep != "" {
		line += fmt.Sprintf("  step=%s exit=%d", rec.FailedStep, rec.ExitCode)
	}
	return line
}
