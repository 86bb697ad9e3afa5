package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/buildorch/internal/build"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
)

// releaseTimeout bounds the store writes done when a build hands back its slot.
const releaseTimeout = 30 * time.Second

// dispatch is the admission controller's DispatchFunc. It must not block.
func (d *Daemon) dispatch(req build.Request) {
	if d.workers.Go(func() { d.runBuild(req) }) {
		return
	}
	// Only reachable while stopping. The build never ran, so it goes back to
	// the queue for the next process instead of being recovered as interrupted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.buildCtx), releaseTimeout)
	defer cancel()
	if err := d.controller.Requeue(ctx, req.BuildID); err != nil {
		d.logger.Error("Admitted build not started and could not be requeued",
			logfields.BuildID(req.BuildID), logfields.Error(err))
		return
	}
	d.logger.Warn("Admitted build returned to the queue; daemon is stopping", logfields.BuildID(req.BuildID))
}

// runBuild executes one admitted request to its terminal status. The slot
// is always released, whatever happens in between.
func (d *Daemon) runBuild(req build.Request) {
	status := build.StatusFailed
	reported := false

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Build pipeline panicked",
				logfields.BuildID(req.BuildID),
				slog.String("panic", fmt.Sprint(r)))
			status = build.StatusFailed
			if !reported {
				err := ferrors.InternalError(fmt.Sprintf("build pipeline panicked: %v", r)).Build()
				d.finishQuietly(req, build.Failed(req.BuildID, "", err))
			}
		}

		d.reporter.Forget(req.BuildID)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(d.buildCtx), releaseTimeout)
		defer cancel()
		if err := d.controller.Release(ctx, req.BuildID, status); err != nil {
			d.logger.Error("Failed to release build slot", logfields.BuildID(req.BuildID), logfields.Error(err))
		}
	}()

	out := d.executor.Execute(d.buildCtx, req)
	status = out.Status()

	// Reporting outlives cancellation so aborted builds still reach FAILED.
	if err := d.reporter.Finish(context.WithoutCancel(d.buildCtx), req, out); err != nil {
		d.logger.Error("Terminal status report failed",
			logfields.BuildID(req.BuildID),
			logfields.Status(string(status)),
			logfields.Error(err))
	}
	reported = true

	// Failed compiles may still leave artifacts behind.
	if len(out.Artifacts) > 0 && d.sweeper != nil {
		if err := d.sweeper.ScheduleCleanup(req.BuildID, 0); err != nil {
			d.logger.Warn("Failed to schedule artifact cleanup", logfields.BuildID(req.BuildID), logfields.Error(err))
		}
	}
}

func (d *Daemon) finishQuietly(req build.Request, out build.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Status report panicked", logfields.BuildID(req.BuildID), slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := d.reporter.Finish(context.WithoutCancel(d.buildCtx), req, out); err != nil {
		d.logger.Error("Terminal status report failed", logfields.BuildID(req.BuildID), logfields.Error(err))
	}
}
