package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/buildorch/internal/daemon"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
	"git.home.luguber.info/inful/buildorch/internal/telemetry"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	NoWatch bool `help:"Do not reload the configuration file on change"`
}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	cfg, err := loadConfig(g, root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	traceOut, closeTraceOut, err := telemetry.OpenOutput(cfg.Tracing.Output)
	if err != nil {
		return err
	}
	shutdownTracer := telemetry.InitTracer(cfg.Tracing.Enabled, cfg.Service.Name, cfg.Service.InstanceID, traceOut)
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracer(flushCtx); err != nil {
			g.Logger.Warn("Tracer shutdown failed", logfields.Error(err))
		}
		_ = closeTraceOut()
	}()

	deps, err := daemon.OpenDeps(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect collaborators: %w", err)
	}

	opts := []daemon.Option{daemon.WithLogger(g.Logger)}
	if !d.NoWatch {
		opts = append(opts, daemon.WithConfigPath(root.Config))
	}
	dmn, err := daemon.New(cfg, deps, opts...)
	if err != nil {
		_ = deps.Store.Close()
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := dmn.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	g.Logger.Info("Daemon stopped successfully")
	return nil
}
