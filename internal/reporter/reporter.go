// Package reporter is the single writer of build status to the Source
// Repository Service and the publisher of completion events.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/eventbus"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
	"git.home.luguber.info/inful/buildorch/internal/metrics"
	"git.home.luguber.info/inful/buildorch/internal/repository"
	"git.home.luguber.info/inful/buildorch/internal/retry"
)

// StatusClient records status on the Source Repository Service.
type StatusClient interface {
	UpdateStatus(ctx context.Context, buildID string, update repository.StatusUpdate) error
}

// Publisher emits events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, payload any) error
}

// Subjects names the completion subjects.
type Subjects struct {
	Completed string
	Failed    string
}

// Update is one status report. Outcome is required for terminal statuses.
type Update struct {
	Request build.Request
	Status  build.Status
	Outcome *build.Outcome
}

// Reporter sends status updates with bounded retries and publishes events
// for terminal statuses. It tracks the last status per in-flight build and
// refuses transitions the build state machine does not allow.
type Reporter struct {
	client    StatusClient
	publisher Publisher
	subjects  Subjects
	policy    retry.Policy
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last map[string]build.Status
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(rp *Reporter) { rp.recorder = metrics.OrNoop(r) }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(rp *Reporter) {
		if l != nil {
			rp.logger = l
		}
	}
}

// WithSubjects overrides the default completion subjects.
func WithSubjects(s Subjects) Option {
	return func(rp *Reporter) {
		if s.Completed != "" {
			rp.subjects.Completed = s.Completed
		}
		if s.Failed != "" {
			rp.subjects.Failed = s.Failed
		}
	}
}

// New creates a reporter. publisher may be nil to disable events.
func New(client StatusClient, publisher Publisher, policy retry.Policy, opts ...Option) *Reporter {
	r := &Reporter{
		client:    client,
		publisher: publisher,
		subjects:  Subjects{Completed: eventbus.SubjectBuildCompleted, Failed: eventbus.SubjectBuildFailed},
		policy:    policy,
		recorder:  metrics.NoopRecorder{},
		logger:    slog.Default(),
		now:       time.Now,
		last:      make(map[string]build.Status),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BuildStarted reports BUILDING. Failures are logged; the build goes on.
func (r *Reporter) BuildStarted(ctx context.Context, req build.Request) {
	if err := r.Report(ctx, Update{Request: req, Status: build.StatusBuilding}); err != nil {
		r.logger.Warn("BUILDING status report failed", logfields.BuildID(req.BuildID), logfields.Error(err))
	}
}

// Finish reports the outcome's terminal status and publishes its event.
func (r *Reporter) Finish(ctx context.Context, req build.Request, out build.Outcome) error {
	return r.Report(ctx, Update{Request: req, Status: out.Status(), Outcome: &out})
}

// Report sends u to the repository service, retrying transient failures per
// the policy, then publishes the completion event for terminal statuses.
// The returned error is the final PATCH failure; it never changes the
// status that was decided.
func (r *Reporter) Report(ctx context.Context, u Update) error {
	id := u.Request.BuildID
	if u.Status.IsTerminal() && u.Outcome == nil {
		return ferrors.ValidationError("terminal status report requires an outcome").
			WithContext("build_id", id).
			Build()
	}
	if err := r.advance(id, u.Status); err != nil {
		return err
	}

	patch := r.patchFor(u)
	err := r.policy.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			r.recorder.IncReportRetry()
		}
		return r.client.UpdateStatus(ctx, id, patch)
	}, ferrors.IsTransient)
	r.recorder.IncStatusReport(string(u.Status), metrics.ResultOf(err == nil))
	if err != nil {
		r.logger.Error("Status report failed",
			logfields.BuildID(id),
			logfields.Status(string(u.Status)),
			logfields.Error(err))
	}

	if u.Status.IsTerminal() {
		r.publish(ctx, u)
	}
	return err
}

// advance records the transition to next, or refuses it. Re-reporting the
// current status is allowed so retries of a whole report stay idempotent.
// Terminal builds are forgotten once reported.
func (r *Reporter) advance(id string, next build.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.last[id]
	if !ok {
		current = build.StatusPending
	}
	if current != next && !current.CanTransition(next) {
		return ferrors.ValidationError(fmt.Sprintf("illegal status transition %s -> %s", current, next)).
			WithContext("build_id", id).
			Build()
	}
	if next.IsTerminal() {
		delete(r.last, id)
	} else {
		r.last[id] = next
	}
	return nil
}

// Forget drops the tracked status of buildID. Builds that never reach a
// terminal report would otherwise stay tracked.
func (r *Reporter) Forget(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, buildID)
}

func (r *Reporter) patchFor(u Update) repository.StatusUpdate {
	patch := repository.StatusUpdate{Status: u.Status}
	if u.Outcome != nil {
		done := r.now().UTC()
		patch.Logs = u.Outcome.Logs
		patch.Artifacts = u.Outcome.Artifacts
		patch.Error = u.Outcome.ErrorMessage
		patch.CompletedAt = &done
	}
	return patch
}

func (r *Reporter) publish(ctx context.Context, u Update) {
	if r.publisher == nil {
		return
	}
	req, out := u.Request, *u.Outcome

	var (
		subject string
		payload any
	)
	switch u.Status {
	case build.StatusSuccess:
		subject = r.subjects.Completed
		payload = eventbus.BuildCompleted{
			BuildID:     req.BuildID,
			ProjectID:   req.ProjectID,
			BuildNumber: req.BuildNumber,
			Artifacts:   out.Artifacts,
			Logs:        out.Logs,
		}
	case build.StatusFailed:
		subject = r.subjects.Failed
		payload = eventbus.BuildFailed{
			BuildID:     req.BuildID,
			ProjectID:   req.ProjectID,
			BuildNumber: req.BuildNumber,
			Error:       out.ErrorMessage,
			Logs:        out.Logs,
		}
	default:
		return
	}

	err := r.publisher.Publish(ctx, subject, eventbus.MessageID(req.BuildID, u.Status), payload)
	r.recorder.IncEventPublished(subject, metrics.ResultOf(err == nil))
	if err != nil {
		r.logger.Error("Failed to publish build event",
			logfields.BuildID(req.BuildID),
			logfields.Subject(subject),
			logfields.Error(err))
	}
}
