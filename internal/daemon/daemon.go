// Package daemon wires the orchestration core into one long-running
// process: event intake, admission, execution, reporting and cleanup.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildorch/internal/admission"
	"git.home.luguber.info/inful/buildorch/internal/config"
	"git.home.luguber.info/inful/buildorch/internal/eventbus"
	"git.home.luguber.info/inful/buildorch/internal/executor"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
	"git.home.luguber.info/inful/buildorch/internal/metrics"
	"git.home.luguber.info/inful/buildorch/internal/reporter"
	"git.home.luguber.info/inful/buildorch/internal/retry"
	"git.home.luguber.info/inful/buildorch/internal/sandbox"
	"git.home.luguber.info/inful/buildorch/internal/store"
	"git.home.luguber.info/inful/buildorch/internal/sweeper"
	"git.home.luguber.info/inful/buildorch/internal/version"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// abortWindow bounds how long cancelled builds get to report FAILED.
const abortWindow = 10 * time.Second

// Bus is the event bus as seen by the daemon.
type Bus interface {
	Consume(ctx context.Context, h *eventbus.Handler) error
	Publish(ctx context.Context, subject, msgID string, payload any) error
	Connected() bool
	Close() error
}

// Deps are the collaborators a Daemon runs against. Open builds them from
// config; tests pass fakes.
type Deps struct {
	Store    store.Store
	Bus      Bus
	Sources  executor.SourceFetcher
	Sandbox  sandbox.Sandbox
	Status   reporter.StatusClient
	Remover  sweeper.Remover
	Registry *prometheus.Registry
}

// Daemon represents the main orchestrator service.
type Daemon struct {
	cfg        *config.Config
	configPath string
	deps       Deps
	logger     *slog.Logger
	status     atomic.Value
	startTime  time.Time

	recorder   metrics.Recorder
	controller *admission.Controller
	executor   *executor.Executor
	reporter   *reporter.Reporter
	sweeper    *sweeper.Sweeper
	scheduler  *Scheduler
	httpServer *HTTPServer
	watcher    *config.Watcher
	workers    WorkerGroup

	buildCtx    context.Context
	cancelBuild context.CancelFunc
	stopOnce    sync.Once
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithConfigPath enables hot reload of the given config file.
func WithConfigPath(path string) Option {
	return func(d *Daemon) { d.configPath = path }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.logger = l
		}
	}
}

// New assembles a daemon from cfg and deps. It does not start anything.
func New(cfg *config.Config, deps Deps, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon config is required")
	}
	if deps.Store == nil || deps.Sources == nil || deps.Sandbox == nil || deps.Status == nil {
		return nil, errors.New("daemon requires store, sources, sandbox and status client")
	}

	d := &Daemon{cfg: cfg, deps: deps, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.status.Store(StatusStopped)
	d.buildCtx, d.cancelBuild = context.WithCancel(context.Background())

	if deps.Registry != nil {
		d.recorder = metrics.NewPrometheusRecorder(deps.Registry)
	} else {
		d.recorder = metrics.NoopRecorder{}
	}

	var publisher reporter.Publisher
	if deps.Bus != nil {
		publisher = deps.Bus
	}
	d.reporter = reporter.New(deps.Status, publisher, retry.FromConfig(cfg.Reporting),
		reporter.WithRecorder(d.recorder),
		reporter.WithLogger(d.logger),
		reporter.WithSubjects(reporter.Subjects{
			Completed: cfg.EventBus.CompletedSubject,
			Failed:    cfg.EventBus.FailedSubject,
		}),
	)
	d.executor = executor.New(deps.Sources, deps.Sandbox,
		executor.WithTimeout(cfg.Limits.BuildTimeout.Std()),
		executor.WithNotifier(d.reporter),
		executor.WithRecorder(d.recorder),
		executor.WithLogger(d.logger),
	)
	d.controller = admission.New(deps.Store, cfg.Limits.MaxConcurrentBuilds,
		admission.WithRecorder(d.recorder),
		admission.WithLogger(d.logger),
	)
	d.controller.SetDispatcher(d.dispatch)

	if deps.Remover != nil {
		sw, err := sweeper.New(deps.Remover, cfg.Artifacts.Retention.Std(), cfg.Artifacts.CleanupRetries,
			sweeper.WithRecorder(d.recorder),
			sweeper.WithLogger(d.logger),
		)
		if err != nil {
			return nil, err
		}
		d.sweeper = sw
	}

	sched, err := NewScheduler(d.logger)
	if err != nil {
		return nil, err
	}
	d.scheduler = sched

	if cfg.Admin.Listen != "" {
		d.httpServer = NewHTTPServer(cfg.Admin.Listen, d)
	}
	return d, nil
}

// Controller exposes the admission controller.
func (d *Daemon) Controller() *admission.Controller { return d.controller }

// GetStatus returns the current daemon status.
func (d *Daemon) GetStatus() Status {
	status, ok := d.status.Load().(Status)
	if !ok {
		return StatusError
	}
	return status
}

// GetStartTime returns when Run was last called.
func (d *Daemon) GetStartTime() time.Time { return d.startTime }

// Run recovers state from the durable store, starts the background
// components and consumes build requests until ctx ends. It then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if d.GetStatus() != StatusStopped {
		return fmt.Errorf("daemon is not in stopped state: %s", d.GetStatus())
	}
	d.status.Store(StatusStarting)
	d.startTime = time.Now()
	v := version.Current()
	d.logger.Info("Starting buildorch daemon",
		slog.String("version", v.Version),
		slog.String("instance_id", d.cfg.Service.InstanceID),
		logfields.Limit(d.cfg.Limits.MaxConcurrentBuilds))

	if err := d.recoverState(ctx); err != nil {
		d.status.Store(StatusError)
		return fmt.Errorf("failed to recover durable state: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		d.status.Store(StatusError)
		d.stopComponents()
		return err
	}
	d.status.Store(StatusRunning)
	d.logger.Info("buildorch daemon started")

	var runErr error
	if d.deps.Bus != nil {
		h := eventbus.NewHandler(d.controller, retry.FromConfig(d.cfg.Reporting), d.recorder, d.logger)
		if err := d.deps.Bus.Consume(ctx, h); err != nil {
			d.logger.Error("Event intake stopped", logfields.Error(err))
			runErr = err
		}
	} else {
		<-ctx.Done()
	}

	if err := d.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (d *Daemon) startComponents(ctx context.Context) error {
	if d.httpServer != nil {
		if err := d.httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}
	if _, err := d.scheduler.ScheduleFill(d.buildCtx, d.cfg.Limits.FillInterval.Std(), d.controller); err != nil {
		return err
	}
	d.scheduler.Start()
	if d.sweeper != nil {
		d.sweeper.Start()
	}
	if d.configPath != "" {
		w, err := config.NewWatcher(d.configPath, 0, d.ReloadConfig)
		if err != nil {
			d.logger.Error("Failed to create config watcher", logfields.Error(err))
			return nil
		}
		if err := w.Start(ctx); err != nil {
			d.logger.Error("Failed to start config watcher", logfields.Error(err))
			return nil
		}
		d.watcher = w
		d.logger.Info("Config watcher started", slog.String("path", d.configPath))
	}
	return nil
}

// Shutdown stops intake, gives running builds shutdown_grace to finish,
// cancels the rest and waits for their FAILED reports. Queued requests stay
// in the durable queue.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.status.Store(StatusStopping)
		d.controller.Drain()
		running := d.workers.Running()
		d.logger.Info("Stopping buildorch daemon", logfields.Active(running))

		grace := d.cfg.Service.ShutdownGrace.Std()
		graceCtx, cancel := context.WithTimeout(ctx, grace)
		waitErr := d.workers.StopAndWait(graceCtx)
		cancel()
		if waitErr != nil {
			d.logger.Warn("Shutdown grace expired; aborting running builds",
				logfields.Active(d.workers.Running()),
				slog.Duration("grace", grace))
			d.cancelBuild()
			abortCtx, cancelAbort := context.WithTimeout(ctx, abortWindow)
			if err = d.workers.StopAndWait(abortCtx); err != nil {
				err = fmt.Errorf("builds still running after abort: %w", err)
			}
			cancelAbort()
		}
		d.cancelBuild()

		d.stopComponents()
		d.status.Store(StatusStopped)
		d.logger.Info("buildorch daemon stopped", slog.Duration("uptime", time.Since(d.startTime)))
	})
	return err
}

func (d *Daemon) stopComponents() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.scheduler.Stop(); err != nil {
		d.logger.Warn("Failed to stop scheduler", logfields.Error(err))
	}
	if d.sweeper != nil {
		if err := d.sweeper.Stop(); err != nil {
			d.logger.Warn("Failed to stop sweeper", logfields.Error(err))
		}
	}
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.httpServer.Stop(ctx); err != nil {
			d.logger.Warn("Failed to stop admin server", logfields.Error(err))
		}
		cancel()
	}
	if d.deps.Bus != nil {
		if err := d.deps.Bus.Close(); err != nil {
			d.logger.Warn("Failed to close event bus", logfields.Error(err))
		}
	}
	if err := d.deps.Store.Close(); err != nil {
		d.logger.Warn("Failed to close store", logfields.Error(err))
	}
}

// ReloadConfig applies a changed configuration. Only the admission limit
// takes effect without a restart.
func (d *Daemon) ReloadConfig(ctx context.Context, next *config.Config) error {
	if next == nil {
		return errors.New("reloaded config is nil")
	}
	if next.Store != d.cfg.Store || next.EventBus != d.cfg.EventBus {
		d.logger.Warn("Store and event bus changes need a restart to take effect")
	}
	d.controller.SetLimit(ctx, next.Limits.MaxConcurrentBuilds)
	return nil
}
