package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgelab/toolforge/internal/queue"
	"github.com/forgelab/toolforge/internal/store"
)

// restartDiagnostic is appended to runs orphaned by a process restart.
const restartDiagnostic = "Run was cancelled due to server restart."

// Recover reconciles durable state with reality at startup, before any
// worker accepts jobs. Runs left in running belong to supervisors that no
// longer exist: their children are not ours to reclaim, so they are
// cancelled. Pending runs are re-enqueued exactly once.
func Recover(ctx context.Context, stores *store.Stores, q *queue.Queue) error {
	orphaned, err := stores.Runs.ListByStatus(ctx, store.RunRunning)
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}
	for _, run := range orphaned {
		if _, err := stores.Runs.Finish(ctx, run.ID, store.RunCancelled, time.Now()); err != nil {
			return fmt.Errorf("cancel orphaned run %s: %w", run.ID, err)
		}
		if err := stores.Runs.AppendStdout(ctx, run.ID, "\n"+restartDiagnostic+"\n"); err != nil {
			slog.Warn("appending restart diagnostic failed", "run", run.ID, "error", err)
		}
		slog.Info("orphaned run cancelled", "run", run.ID)
	}

	pending, err := stores.Runs.ListByStatus(ctx, store.RunPending)
	if err != nil {
		return fmt.Errorf("list pending runs: %w", err)
	}
	for _, run := range pending {
		// Drop any stale queued job first so the run is dispatched exactly
		// once.
		if err := stores.Jobs.DropQueuedForSubject(ctx, run.ID); err != nil {
			return fmt.Errorf("drop stale jobs for run %s: %w", run.ID, err)
		}
		job := &store.Job{
			ID:        store.GenNewID(),
			Kind:      store.JobRun,
			SubjectID: run.ID,
			Command:   run.Command,
		}
		if err := q.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("re-enqueue run %s: %w", run.ID, err)
		}
		if err := stores.Runs.SetJobID(ctx, run.ID, job.ID); err != nil {
			slog.Warn("updating job handle failed", "run", run.ID, "error", err)
		}
		slog.Info("pending run re-enqueued", "run", run.ID, "job", job.ID)
	}

	if len(orphaned) > 0 || len(pending) > 0 {
		slog.Info("recovery complete", "cancelled", len(orphaned), "re_enqueued", len(pending))
	}
	return nil
}
