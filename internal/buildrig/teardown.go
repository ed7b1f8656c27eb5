package buildrig

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/samber/lo"

	"github.com/buildrig/buildrig/internal/remote"
)

// teardown reverses staging and restores the machine's original power
// state. It runs on a fresh context so a cancelled run cannot skip
// cleanup, and it never returns an error: cleanup problems are warnings
// and must not mask runErr.
//
// The order is fixed: the workspace is removed while the machine is still
// up, then the machine is stopped, and only if this run started it.
func (w *Workflow) teardown(runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.TeardownTimeout)
	defer cancel()

	if runErr != nil {
		w.logger.Error("build run failed, tearing down", "error", runErr)
	} else {
		w.logger.Info("build run succeeded, tearing down")
	}

	if w.state.session != nil {
		w.logTrace()
	}

	if w.state.workspaceCreated {
		if w.cfg.KeepWorkspace {
			w.logger.Info("workspace cleanup suppressed", "remote_dir", w.job.RemoteDir)
		} else if err := w.removeWorkspace(ctx); err != nil {
			w.logger.Warn("failed to remove remote workspace",
				"remote_dir", w.job.RemoteDir,
				"error", err,
			)
		} else {
			w.logger.Info("removed remote workspace", "remote_dir", w.job.RemoteDir)
		}
	}

	if w.state.session != nil {
		if err := w.state.session.Close(); err != nil {
			w.logger.Debug("error closing ssh connection", "error", err)
		}
	}

	if w.state.startedByUs {
		if err := w.lifecycle.Stop(ctx, w.inst, w.cfg.StopTimeout); err != nil {
			w.logger.Warn("failed to stop instance, leaving it as is",
				"instance", w.inst.String(),
				"error", err,
			)
		}
	} else {
		w.logger.Info("instance was not started by this run, leaving its power state alone",
			"instance", w.inst.String(),
		)
	}
}

// removeWorkspace deletes the staged source tree. It refuses to touch
// anything outside the configured work root.
func (w *Workflow) removeWorkspace(ctx context.Context) error {
	root := path.Clean(w.cfg.RemoteWorkRoot)
	dir := path.Clean(w.job.RemoteDir)
	if root == "/" || !strings.HasPrefix(dir, root+"/") {
		return fmt.Errorf("refusing to remove %q: outside work root %q", dir, root)
	}
	return w.state.session.Execute(ctx, "rm -rf "+dir)
}

func (w *Workflow) logTrace() {
	trace := w.state.session.Trace()
	if len(trace) == 0 {
		return
	}
	failed := lo.CountBy(trace, func(e remote.TraceEntry) bool { return !e.OK })
	w.logger.Info("remote command trace", "commands", len(trace), "failed", failed)
	for i, e := range trace {
		w.logger.Debug("remote command",
			"index", i,
			"ok", e.OK,
			"duration", e.Duration,
			"command", e.Command,
		)
	}
}
