// Package sweeper deletes build artifacts once their retention period ends.
// Pending cleanups live in memory only; a restart forgets them.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/buildorch/internal/config"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
	"git.home.luguber.info/inful/buildorch/internal/metrics"
	"git.home.luguber.info/inful/buildorch/internal/retry"
)

// DefaultRetention applies when no retention is configured.
const DefaultRetention = 24 * time.Hour

// Remover deletes every artifact stored for a build.
type Remover interface {
	RemoveArtifacts(ctx context.Context, buildID string) error
}

// Sweeper schedules one cleanup job per build on a gocron scheduler.
type Sweeper struct {
	scheduler gocron.Scheduler
	remover   Remover
	retention time.Duration
	backoff   retry.Policy
	recorder  metrics.Recorder
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]uuid.UUID
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithBackoff replaces the retry policy used for failed removals.
func WithBackoff(p retry.Policy) Option {
	return func(s *Sweeper) { s.backoff = p }
}

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Sweeper) { s.recorder = metrics.OrNoop(r) }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a sweeper. retries bounds removal attempts after the first.
func New(remover Remover, retention time.Duration, retries int, opts ...Option) (*Sweeper, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if retries < 0 {
		retries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		scheduler: sched,
		remover:   remover,
		retention: retention,
		backoff:   retry.NewPolicy(config.RetryBackoffLinear, 2*time.Second, 30*time.Second, retries),
		recorder:  metrics.NoopRecorder{},
		logger:    slog.Default(),
		pending:   make(map[string]uuid.UUID),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins running scheduled cleanups.
func (s *Sweeper) Start() {
	s.logger.Info("Starting artifact sweeper", slog.Duration("retention", s.retention))
	s.scheduler.Start()
}

// Stop aborts in-flight removals and shuts the scheduler down.
func (s *Sweeper) Stop() error {
	s.logger.Info("Stopping artifact sweeper", slog.Int("pending", len(s.Pending())))
	s.cancel()
	return s.scheduler.Shutdown()
}

// Retention is the default delay used by ScheduleCleanup.
func (s *Sweeper) Retention() time.Duration { return s.retention }

// ScheduleCleanup removes buildID's artifacts after the given delay, or after
// the retention period when after <= 0. An existing schedule for the same
// build is replaced.
func (s *Sweeper) ScheduleCleanup(buildID string, after time.Duration) error {
	if after <= 0 {
		after = s.retention
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.pending[buildID]; ok {
		_ = s.scheduler.RemoveJob(old)
		delete(s.pending, buildID)
	}

	job, err := s.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(after))),
		gocron.NewTask(s.cleanup, buildID),
		gocron.WithName("artifact-cleanup-"+buildID),
		gocron.WithTags("artifact-cleanup"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule artifact cleanup: %w", err)
	}
	s.pending[buildID] = job.ID()
	s.logger.Debug("Scheduled artifact cleanup", logfields.BuildID(buildID), slog.Duration("after", after))
	return nil
}

// Cancel drops a pending cleanup. It reports whether one existed.
func (s *Sweeper) Cancel(buildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pending[buildID]
	if !ok {
		return false
	}
	_ = s.scheduler.RemoveJob(id)
	delete(s.pending, buildID)
	return true
}

// Pending lists builds with a scheduled cleanup, sorted.
func (s *Sweeper) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Sweeper) cleanup(buildID string) {
	s.mu.Lock()
	jobID, ok := s.pending[buildID]
	delete(s.pending, buildID)
	s.mu.Unlock()
	if ok {
		// One-shot jobs are done after this run; drop the registration off the executor goroutine.
		go func() { _ = s.scheduler.RemoveJob(jobID) }()
	}

	err := s.backoff.Do(s.ctx, func(attempt int) error {
		if attempt > 0 {
			s.logger.Debug("Retrying artifact cleanup", logfields.BuildID(buildID), logfields.Attempt(attempt))
		}
		return s.remover.RemoveArtifacts(s.ctx, buildID)
	}, nil)

	s.recorder.IncCleanup(metrics.ResultOf(err == nil))
	if err != nil {
		s.logger.Error("Artifact cleanup failed", logfields.BuildID(buildID), logfields.Error(err))
		return
	}
	s.logger.Info("Artifacts removed", logfields.BuildID(buildID))
}
