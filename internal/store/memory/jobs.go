package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/store"
)

type jobStore struct {
	s *shared
}

func cloneJob(j *store.Job) *store.Job {
	c := *j
	return &c
}

func (js *jobStore) Enqueue(ctx context.Context, job *store.Job) error {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	job.CreatedAt = time.Now()
	job.Status = store.JobQueued
	js.s.jobs[job.ID.String()] = cloneJob(job)
	js.s.jobOrder = append(js.s.jobOrder, job.ID.String())
	return nil
}

func (js *jobStore) ClaimNext(ctx context.Context, workerID string, kinds ...store.JobKind) (*store.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	for _, id := range js.s.jobOrder {
		j, ok := js.s.jobs[id]
		if !ok || j.Status != store.JobQueued {
			continue
		}
		for _, k := range kinds {
			if j.Kind == k {
				j.Status = store.JobClaimed
				now := time.Now()
				j.ClaimedAt = &now
				j.ClaimedBy = workerID
				return cloneJob(j), nil
			}
		}
	}
	return nil, nil
}

func (js *jobStore) Get(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	j, ok := js.s.jobs[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

func (js *jobStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	if j, ok := js.s.jobs[id.String()]; ok {
		j.Status = store.JobDone
	}
	return nil
}

func (js *jobStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	if j, ok := js.s.jobs[id.String()]; ok {
		j.Status = store.JobFailed
		j.Error = reason
	}
	return nil
}

func (js *jobStore) DropQueuedForSubject(ctx context.Context, subjectID uuid.UUID) error {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	for id, j := range js.s.jobs {
		if j.SubjectID == subjectID && j.Status == store.JobQueued {
			delete(js.s.jobs, id)
		}
	}
	return nil
}
