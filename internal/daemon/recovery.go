package daemon

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/buildorch/internal/build"
	ferrors "git.home.luguber.info/inful/buildorch/internal/foundation/errors"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
)

// interruptedMessage is the error reported for builds a previous process left running.
const interruptedMessage = "build interrupted: orchestrator restarted"

// recoverState resolves builds a previous process left in the durable active set,
// restores the queue and fills free slots. Such builds are reported FAILED
// unless they already have a terminal record.
func (d *Daemon) recoverState(ctx context.Context) error {
	stale, err := d.controller.Restore(ctx)
	if err != nil {
		return err
	}

	for _, req := range stale {
		status, done, err := d.deps.Store.TerminalStatus(ctx, req.BuildID)
		if err != nil {
			return fmt.Errorf("terminal lookup for %s: %w", req.BuildID, err)
		}
		if !done {
			status = build.StatusFailed
			out := build.Failed(req.BuildID, "", ferrors.BuildError(interruptedMessage).Build())
			if err := d.reporter.Finish(ctx, req, out); err != nil {
				d.logger.Warn("Failed to report interrupted build", logfields.BuildID(req.BuildID), logfields.Error(err))
			}
		}
		if err := d.controller.Abandon(ctx, req.BuildID, status); err != nil {
			return fmt.Errorf("abandon %s: %w", req.BuildID, err)
		}
		d.logger.Info("Resolved interrupted build", logfields.BuildID(req.BuildID), logfields.Status(string(status)))
	}

	n, err := d.controller.Fill(ctx)
	if err != nil {
		d.logger.Warn("Initial queue fill failed; the fill tick will retry", logfields.Error(err))
		return nil
	}
	if n > 0 {
		d.logger.Info("Resumed queued builds", logfields.Active(n))
	}
	return nil
}
