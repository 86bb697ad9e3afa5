package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/buildorch/internal/logfields"
)

// DefaultFillInterval is used when limits.fill_interval is unset.
const DefaultFillInterval = 10 * time.Second

// filler is the part of the admission controller the tick drives.
type filler interface {
	Fill(ctx context.Context) (int, error)
}

// Scheduler runs the periodic queue fill. Release already fills on every
// finished build, so the tick only matters after transient store errors.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	jobID     string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scheduler: s, logger: logger}, nil
}

// ScheduleFill registers a duration job calling f.Fill every interval.
func (s *Scheduler) ScheduleFill(ctx context.Context, interval time.Duration, f filler) (string, error) {
	if interval <= 0 {
		interval = DefaultFillInterval
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.fill, ctx, f),
		gocron.WithName("queue-fill"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create queue fill job: %w", err)
	}
	s.jobID = job.ID().String()
	return s.jobID, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.logger.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

func (s *Scheduler) fill(ctx context.Context, f filler) {
	if ctx.Err() != nil {
		return
	}
	n, err := f.Fill(ctx)
	if err != nil {
		s.logger.Warn("Periodic queue fill failed", logfields.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("Periodic queue fill admitted builds", slog.Int("admitted", n))
	}
}
