// Package admission gates build execution behind a concurrency ceiling.
//
// The Controller owns the active set and the queued index under one mutex.
// Every decision is made and persisted inside that critical section, so two
// concurrent TryAdmit calls can never both claim the last free slot.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/config"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
	"git.home.luguber.info/inful/buildorch/internal/metrics"
	"git.home.luguber.info/inful/buildorch/internal/retry"
	"git.home.luguber.info/inful/buildorch/internal/store"
)

// Decision is the result of TryAdmit.
type Decision string

const (
	Admitted  Decision = "admitted"
	Queued    Decision = "queued"
	Duplicate Decision = "duplicate"
)

// DispatchFunc starts execution of an admitted request. It is called without
// the controller lock held and must not block.
type DispatchFunc func(req build.Request)

// Snapshot is a point-in-time view for the admin API.
type Snapshot struct {
	Active   []string `json:"active"`
	Queued   int      `json:"queued"`
	Limit    int      `json:"limit"`
	Draining bool     `json:"draining"`

	// Unrecorded counts finished builds whose terminal record is not yet durable.
	Unrecorded int `json:"unrecorded"`
}

// Controller decides whether a request runs now, waits, or is ignored.
type Controller struct {
	mu       sync.Mutex
	store    store.Store
	limit    int
	active   map[string]build.Request
	queued   map[string]struct{}
	draining bool
	dispatch DispatchFunc

	// unrecorded holds terminal statuses the store refused; they are
	// rewritten on every Fill and count as terminal for admission.
	unrecorded map[string]build.Status
	markRetry  retry.Policy

	recorder metrics.Recorder
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithDispatcher sets the function that starts admitted builds.
func WithDispatcher(fn DispatchFunc) Option {
	return func(c *Controller) { c.dispatch = fn }
}

// WithTerminalRetry sets the retry policy for terminal record writes on release.
func WithTerminalRetry(p retry.Policy) Option {
	return func(c *Controller) { c.markRetry = p }
}

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Controller) { c.recorder = metrics.OrNoop(r) }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a controller over st. A limit below 1 is raised to 1.
func New(st store.Store, limit int, opts ...Option) *Controller {
	if limit < 1 {
		limit = 1
	}
	c := &Controller{
		store:    st,
		limit:    limit,
		active:     make(map[string]build.Request),
		queued:     make(map[string]struct{}),
		unrecorded: make(map[string]build.Status),
		markRetry:  retry.NewPolicy(config.RetryBackoffLinear, 100*time.Millisecond, time.Second, 2),
		recorder:   metrics.NoopRecorder{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDispatcher wires the dispatcher after construction. The pipeline that
// runs builds usually needs the controller itself, so it is created second.
func (c *Controller) SetDispatcher(fn DispatchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatch = fn
}

// TryAdmit admits req if a slot is free, queues it otherwise, and reports
// Duplicate for requests already active, queued or finished. It never waits
// for a slot. An error means nothing was recorded and the caller should
// retry the delivery.
func (c *Controller) TryAdmit(ctx context.Context, req build.Request) (Decision, error) {
	c.mu.Lock()
	decision, err := c.admitLocked(ctx, req)
	dispatch := c.dispatch
	c.mu.Unlock()

	if err != nil {
		return "", err
	}
	c.recorder.IncAdmission(string(decision))
	c.logger.Info("Build request admission",
		logfields.BuildID(req.BuildID),
		logfields.ProjectID(req.ProjectID),
		logfields.Decision(string(decision)))

	if decision == Admitted {
		c.start(dispatch, req)
	}
	return decision, nil
}

func (c *Controller) admitLocked(ctx context.Context, req build.Request) (Decision, error) {
	if _, ok := c.active[req.BuildID]; ok {
		return Duplicate, nil
	}
	if _, ok := c.queued[req.BuildID]; ok {
		return Duplicate, nil
	}
	if _, ok := c.unrecorded[req.BuildID]; ok {
		return Duplicate, nil
	}
	_, terminal, err := c.store.TerminalStatus(ctx, req.BuildID)
	if err != nil {
		return "", err
	}
	if terminal {
		return Duplicate, nil
	}

	if !c.draining && len(c.active) < c.limit {
		if err := c.store.AddActive(ctx, req); err != nil {
			return "", err
		}
		c.active[req.BuildID] = req
		c.publishGaugesLocked()
		return Admitted, nil
	}

	if err := c.store.PushQueue(ctx, req); err != nil {
		return "", err
	}
	c.queued[req.BuildID] = struct{}{}
	c.publishGaugesLocked()
	return Queued, nil
}

// Release frees the slot held by buildID, records its terminal status and
// fills freed slots from the queue. Releasing an unknown build is a no-op.
// When the terminal record cannot be written the status is kept in memory
// and rewritten by later fills; the build stays a Duplicate meanwhile.
func (c *Controller) Release(ctx context.Context, buildID string, status build.Status) error {
	c.mu.Lock()
	_, ok := c.active[buildID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("Release of build that holds no slot", logfields.BuildID(buildID))
		return nil
	}

	// Only this build's pipeline releases it, so the write can retry unlocked.
	markErr := c.markRetry.Do(ctx, func(int) error {
		return c.store.MarkTerminal(ctx, buildID, status)
	}, nil)

	c.mu.Lock()
	if markErr != nil {
		c.unrecorded[buildID] = status
	}
	delete(c.active, buildID)
	removeErr := c.store.RemoveActive(ctx, buildID)
	c.publishGaugesLocked()
	c.mu.Unlock()

	if markErr != nil {
		c.logger.Error("Terminal record not persisted; holding it in memory",
			logfields.BuildID(buildID), logfields.Status(string(status)), logfields.Error(markErr))
	}
	c.logger.Debug("Released build slot", logfields.BuildID(buildID), logfields.Status(string(status)))

	if _, err := c.Fill(ctx); err != nil {
		c.logger.Warn("Queue fill after release failed", logfields.Error(err))
	}
	return errors.Join(markErr, removeErr)
}

// Requeue hands an admitted build that never started back to the head of
// the durable queue.
func (c *Controller) Requeue(ctx context.Context, buildID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.active[buildID]
	if !ok {
		return nil
	}
	if err := c.store.Unclaim(ctx, req); err != nil {
		return err
	}
	delete(c.active, buildID)
	c.queued[buildID] = struct{}{}
	c.publishGaugesLocked()
	return nil
}

// Fill admits queued requests in FIFO order while slots are free. Entries
// that already reached a terminal state are dropped. On a store error the
// fill stops and the remaining queue is left for the next attempt.
func (c *Controller) Fill(ctx context.Context) (int, error) {
	c.mu.Lock()
	c.flushUnrecordedLocked(ctx)
	started, err := c.fillLocked(ctx)
	dispatch := c.dispatch
	c.mu.Unlock()

	for _, req := range started {
		c.recorder.IncAdmission(string(Admitted))
		c.logger.Info("Dequeued build request",
			logfields.BuildID(req.BuildID),
			logfields.ProjectID(req.ProjectID))
		c.start(dispatch, req)
	}
	return len(started), err
}

func (c *Controller) fillLocked(ctx context.Context) ([]build.Request, error) {
	var started []build.Request
	defer c.publishGaugesLocked()

	for !c.draining && len(c.active) < c.limit {
		req, ok, err := c.store.ClaimNext(ctx)
		if err != nil {
			return started, err
		}
		if !ok {
			return started, nil
		}
		delete(c.queued, req.BuildID)

		if _, dup := c.active[req.BuildID]; dup {
			continue
		}
		if c.finishedLocked(ctx, req.BuildID) {
			c.logger.Debug("Dropping queued build that already finished", logfields.BuildID(req.BuildID))
			if err := c.store.RemoveActive(ctx, req.BuildID); err != nil {
				// The terminal record lets recovery clear the entry later.
				c.logger.Warn("Could not clear claimed entry of finished build",
					logfields.BuildID(req.BuildID), logfields.Error(err))
			}
			continue
		}
		c.active[req.BuildID] = req
		started = append(started, req)
	}
	return started, nil
}

// finishedLocked reports a known terminal status. A failed lookup counts as
// not finished: running twice beats losing the request.
func (c *Controller) finishedLocked(ctx context.Context, buildID string) bool {
	if _, ok := c.unrecorded[buildID]; ok {
		return true
	}
	_, terminal, err := c.store.TerminalStatus(ctx, buildID)
	return err == nil && terminal
}

func (c *Controller) flushUnrecordedLocked(ctx context.Context) {
	for id, status := range c.unrecorded {
		if err := c.store.MarkTerminal(ctx, id, status); err != nil {
			c.logger.Warn("Terminal record still not persisted", logfields.BuildID(id), logfields.Error(err))
			return
		}
		delete(c.unrecorded, id)
		c.logger.Info("Persisted held terminal record", logfields.BuildID(id), logfields.Status(string(status)))
	}
}

// SetLimit changes the ceiling. Growing it fills the new slots at once;
// shrinking never interrupts running builds.
func (c *Controller) SetLimit(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	old := c.limit
	c.limit = n
	c.mu.Unlock()

	if n == old {
		return
	}
	c.logger.Info("Admission limit changed", logfields.Limit(n), slog.Int("previous", old))
	if n > old {
		if _, err := c.Fill(ctx); err != nil {
			c.logger.Warn("Queue fill after limit change failed", logfields.Error(err))
		}
	}
}

// Restore loads the durable queue into the queued index and returns the
// durable active entries. Those belong to a previous process and hold no
// slot here; the caller resolves them with Abandon.
func (c *Controller) Restore(ctx context.Context) ([]build.Request, error) {
	queued, err := c.store.QueuedRequests(ctx)
	if err != nil {
		return nil, err
	}
	stale, err := c.store.ActiveRequests(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, req := range queued {
		c.queued[req.BuildID] = struct{}{}
	}
	c.publishGaugesLocked()
	c.mu.Unlock()

	c.logger.Info("Restored admission state", logfields.Queued(len(queued)), slog.Int("stale_active", len(stale)))
	return stale, nil
}

// Abandon records a terminal status for a build that is not running in this
// process and removes it from the durable active set.
func (c *Controller) Abandon(ctx context.Context, buildID string, status build.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[buildID]; ok {
		return errors.New("cannot abandon a build running in this process")
	}
	if err := c.store.MarkTerminal(ctx, buildID, status); err != nil {
		return err
	}
	return c.store.RemoveActive(ctx, buildID)
}

// Drain stops admitting. Running builds finish and release normally, new
// and queued requests stay in the durable queue for the next process.
func (c *Controller) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
}

// Snapshot returns the current active ids (sorted), queued count and limit.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Snapshot{
		Active:     ids,
		Queued:     len(c.queued),
		Limit:      c.limit,
		Draining:   c.draining,
		Unrecorded: len(c.unrecorded),
	}
}

func (c *Controller) start(dispatch DispatchFunc, req build.Request) {
	if dispatch == nil {
		c.logger.Error("No dispatcher configured; admitted build will not run", logfields.BuildID(req.BuildID))
		return
	}
	dispatch(req)
}

func (c *Controller) publishGaugesLocked() {
	c.recorder.SetActiveBuilds(len(c.active))
	c.recorder.SetQueueDepth(len(c.queued))
}
