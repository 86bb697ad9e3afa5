// Package commands implements the buildorch subcommands.
package commands

import (
	"io"
	"log/slog"
	"os"

	"git.home.luguber.info/inful/buildorch/internal/config"
)

// Global is shared state handed to every subcommand.
type Global struct {
	Logger *slog.Logger
}

// CLI definition and global flags.
type CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"buildorch.yaml" type:"path"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Daemon   DaemonCmd   `cmd:"" help:"Run the build orchestrator"`
	Queue    QueueCmd    `cmd:"" help:"Print the durable active set and wait queue"`
	Validate ValidateCmd `cmd:"" help:"Load and validate the configuration file"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

// AfterApply sets up the bootstrap logger once flags are parsed. Commands
// that load a config replace it with the configured one.
func (c *CLI) AfterApply(g *Global) error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	g.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(g.Logger)
	return nil
}

// NewLogger builds the slog logger described by the logging section.
// verbose forces debug level.
func NewLogger(cfg config.LoggingConfig, verbose bool, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFor(cfg.Level)}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if cfg.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func levelFor(l config.LogLevel) slog.Level {
	switch l {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig loads root.Config and installs the configured logger.
func loadConfig(g *Global, root *CLI) (*config.Config, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, err
	}
	g.Logger = NewLogger(cfg.Logging, root.Verbose, os.Stderr)
	slog.SetDefault(g.Logger)
	return cfg, nil
}
