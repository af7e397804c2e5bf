package commands

import (
	"errors"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/autobuild/internal/config"
	"git.home.luguber.info/inful/autobuild/internal/logfields"
	"git.home.luguber.info/inful/autobuild/internal/version"
)

// Global carries state shared by all subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI is the root command grammar.
type CLI struct {
	Config  string           `short:"c" required:"" help:"Configuration file path (INI)"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Run     RunCmd     `cmd:"" help:"Execute one build run: pull, build, commit and push artifacts"`
	Daemon  DaemonCmd  `cmd:"" help:"Run builds on the configured schedule"`
	Init    InitCmd    `cmd:"" help:"Write an example configuration file"`
	History HistoryCmd `cmd:"" help:"Show recent runs from the history store"`
}

// AfterApply runs after flag parsing; setup logging once.
func (c *CLI) AfterApply() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.logLevel()}))
	slog.SetDefault(logger)
	return nil
}

func (c *CLI) logLevel() slog.Level {
	if c.Verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Main parses args and runs the selected command, returning the process exit
// code. A run whose build failed but whose failure report went out exits 0;
// only configuration errors and errors outside the run protocol exit nonzero.
func Main(args []string) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("autobuild"),
		kong.Description("Unattended build runner: pull sources, run the build script, push artifacts, mail failures."),
		kong.UsageOnError(),
		kong.Vars{"version": version.Version},
	)
	if err != nil {
		panic(err)
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return 1
	}

	if err := kctx.Run(&Global{Logger: slog.Default()}, &cli); err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			slog.Error("Configuration error", logfields.Error(err))
		} else {
			slog.Error("Command failed", logfields.Error(err))
		}
		return 1
	}
	return 0
}
