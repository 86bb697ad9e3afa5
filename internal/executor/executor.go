// Package executor runs one admitted build: fetch sources, run the sandbox,
// and turn whatever happens into a build.Outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/foundation"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
	"git.home.luguber.info/inful/buildorch/internal/metrics"
	"git.home.luguber.info/inful/buildorch/internal/sandbox"
)

// DefaultTimeout bounds a sandbox run when none is configured.
const DefaultTimeout = 15 * time.Minute

const (
	stageFetch   = "fetch_sources"
	stageSandbox = "sandbox"
)

var tracer = otel.Tracer("git.home.luguber.info/inful/buildorch/internal/executor")

// SourceFetcher loads a project's files.
type SourceFetcher interface {
	FetchFiles(ctx context.Context, projectID string) ([]build.SourceFile, error)
}

// StartNotifier is told when a build enters BUILDING. Failures are its own
// concern; the build proceeds regardless.
type StartNotifier interface {
	BuildStarted(ctx context.Context, req build.Request)
}

// Executor drives a single build through fetch and sandbox execution.
type Executor struct {
	sources  SourceFetcher
	sandbox  sandbox.Sandbox
	notifier StartNotifier
	timeout  time.Duration
	recorder metrics.Recorder
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout bounds each sandbox run. Values <= 0 select DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithNotifier sets who is told about the BUILDING transition.
func WithNotifier(n StartNotifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Executor) { e.recorder = metrics.OrNoop(r) }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an executor over the given collaborators.
func New(sources SourceFetcher, sb sandbox.Sandbox, opts ...Option) *Executor {
	e := &Executor{
		sources:  sources,
		sandbox:  sb,
		timeout:  DefaultTimeout,
		recorder: metrics.NoopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs req to completion. It always returns an Outcome: fetch
// errors, sandbox errors, timeouts and panics all become failed outcomes.
func (e *Executor) Execute(ctx context.Context, req build.Request) (out build.Outcome) {
	ctx, span := tracer.Start(ctx, "build.execute", trace.WithAttributes(
		attribute.String("build.id", req.BuildID),
		attribute.String("project.id", req.ProjectID),
		attribute.Int("build.number", req.BuildNumber),
	))
	start := time.Now()
	log := e.logger.With(logfields.BuildID(req.BuildID), logfields.ProjectID(req.ProjectID))

	defer func() {
		if r := recover(); r != nil {
			out = build.Failed(req.BuildID, "", panicError("build", r))
		}
		e.recorder.ObserveBuildDuration(time.Since(start))
		e.recorder.IncBuildOutcome(string(out.Status()))
		if out.Success {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, out.ErrorMessage)
		}
		span.End()
		log.Info("Build finished",
			logfields.Status(string(out.Status())),
			logfields.Since(start),
			slog.String("error_message", out.ErrorMessage))
	}()

	if e.notifier != nil {
		e.notifier.BuildStarted(ctx, req)
	}
	log.Info("Build started")

	files := e.fetch(ctx, req)
	result := foundation.FlatMap(files, func(f []build.SourceFile) foundation.Result[sandbox.Result] {
		return e.run(ctx, req, f)
	})
	return toOutcome(req, result)
}

func (e *Executor) fetch(ctx context.Context, req build.Request) foundation.Result[[]build.SourceFile] {
	ctx, span := tracer.Start(ctx, "build.fetch_sources")
	defer span.End()
	start := time.Now()

	files, err := guard(stageFetch, func() ([]build.SourceFile, error) {
		return e.sources.FetchFiles(ctx, req.ProjectID)
	})
	e.recorder.ObserveStageDuration(stageFetch, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return foundation.Err[[]build.SourceFile](err)
	}
	span.SetAttributes(attribute.Int("files.count", len(files)))
	return foundation.Ok(files)
}

// run invokes the sandbox in its own goroutine so a run that ignores
// cancellation still cannot hold the build past its deadline.
func (e *Executor) run(ctx context.Context, req build.Request, files []build.SourceFile) foundation.Result[sandbox.Result] {
	ctx, span := tracer.Start(ctx, "build.sandbox")
	defer span.End()
	start := time.Now()
	defer func() { e.recorder.ObserveStageDuration(stageSandbox, time.Since(start)) }()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	job := sandbox.Job{BuildID: req.BuildID, ProjectID: req.ProjectID, Files: files}
	done := make(chan foundation.Result[sandbox.Result], 1)
	go func() {
		done <- foundation.FromTuple(guard(stageSandbox, func() (sandbox.Result, error) {
			return e.sandbox.Run(runCtx, job)
		}))
	}()

	var res foundation.Result[sandbox.Result]
	select {
	case res = <-done:
	case <-runCtx.Done():
		res = foundation.Err[sandbox.Result](runCtx.Err())
	}

	if err := res.Error(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = ferrors.TimeoutError(fmt.Sprintf("build timed out after %s", e.timeout)).Build()
		} else if ctx.Err() != nil {
			err = ferrors.WrapError(ctx.Err(), ferrors.CategoryBuild, "build aborted").Build()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "sandbox failed")
		return foundation.Err[sandbox.Result](err)
	}
	return res
}

func toOutcome(req build.Request, res foundation.Result[sandbox.Result]) build.Outcome {
	sr, err := res.Get()
	if err != nil {
		return build.Failed(req.BuildID, "", err)
	}
	if !sr.Success {
		msg := sr.Error
		if msg == "" {
			msg = "compilation failed"
		}
		out := build.Failed(req.BuildID, sr.Logs, ferrors.BuildError(msg).Build())
		if len(sr.Artifacts) > 0 {
			out.Artifacts = sr.Artifacts
		}
		return out
	}
	return build.Succeeded(req.BuildID, sr.Logs, sr.Artifacts)
}

// guard converts a panic in fn into an error.
func guard[T any](stage string, fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(stage, r)
		}
	}()
	return fn()
}

func panicError(stage string, r any) error {
	return ferrors.BuildError(fmt.Sprintf("%s panicked: %v", stage, r)).
		WithContext("stage", stage).
		Build()
}
