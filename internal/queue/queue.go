// Package queue dispatches durable jobs to handler functions. The jobs table
// is the source of truth; a buffered in-process trigger channel wakes idle
// workers immediately after a local enqueue, with a polling interval as the
// fallback for jobs enqueued by other processes.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forgelab/toolforge/internal/store"
)

// Handler processes one claimed job. A returned error marks the job failed;
// the handler is responsible for moving its subject (run or tool) to a
// terminal state first.
type Handler func(ctx context.Context, job *store.Job) error

// Queue wraps the durable job store with enqueue notification and a worker
// pool. Producers never block: Enqueue is a single insert plus a non-blocking
// channel nudge.
type Queue struct {
	jobs     store.JobStore
	handlers map[store.JobKind]Handler
	trigger  chan struct{}

	// PollInterval bounds the dispatch delay for jobs enqueued elsewhere.
	PollInterval time.Duration
}

func New(jobs store.JobStore) *Queue {
	return &Queue{
		jobs:         jobs,
		handlers:     make(map[store.JobKind]Handler),
		trigger:      make(chan struct{}, 64),
		PollInterval: time.Second,
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (q *Queue) Register(kind store.JobKind, h Handler) {
	q.handlers[kind] = h
}

// Enqueue persists a job and nudges an idle worker.
func (q *Queue) Enqueue(ctx context.Context, job *store.Job) error {
	if job.ID == uuid.Nil {
		job.ID = store.GenNewID()
	}
	if err := q.jobs.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Kind, err)
	}
	q.Nudge()
	return nil
}

// Nudge wakes one idle worker without blocking. Used after external writes
// that made work available (e.g. recovery re-enqueues).
func (q *Queue) Nudge() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run starts n workers and blocks until ctx is cancelled. Each worker claims
// and processes one job at a time; a single run is owned end-to-end by one
// worker.
func (q *Queue) Run(ctx context.Context, n int) error {
	kinds := make([]store.JobKind, 0, len(q.handlers))
	for k := range q.handlers {
		kinds = append(kinds, k)
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			q.workerLoop(ctx, workerID, kinds)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) workerLoop(ctx context.Context, workerID string, kinds []store.JobKind) {
	ticker := time.NewTicker(q.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything claimable before going back to sleep.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := q.jobs.ClaimNext(ctx, workerID, kinds...)
			if err != nil {
				slog.Error("queue claim failed", "worker", workerID, "error", err)
				break
			}
			if job == nil {
				break
			}
			q.process(ctx, workerID, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-q.trigger:
		case <-ticker.C:
		}
	}
}

func (q *Queue) process(ctx context.Context, workerID string, job *store.Job) {
	handler, ok := q.handlers[job.Kind]
	if !ok {
		slog.Error("no handler for job kind", "kind", job.Kind, "job", job.ID)
		q.jobs.MarkFailed(ctx, job.ID, "no handler registered")
		return
	}
	slog.Info("job claimed", "worker", workerID, "kind", job.Kind, "job", job.ID, "subject", job.SubjectID)
	if err := handler(ctx, job); err != nil {
		slog.Error("job failed", "worker", workerID, "kind", job.Kind, "job", job.ID, "error", err)
		q.jobs.MarkFailed(ctx, job.ID, err.Error())
		return
	}
	q.jobs.MarkDone(ctx, job.ID)
}
