package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/store"
)

type runStore struct {
	s *shared
}

func cloneRun(r *store.Run) *store.Run {
	c := *r
	return &c
}

func (rs *runStore) Create(ctx context.Context, run *store.Run) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	run.CreatedAt = time.Now()
	rs.s.runs[run.ID.String()] = cloneRun(run)
	return nil
}

func (rs *runStore) Get(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRun(r), nil
}

func (rs *runStore) GetStatus(ctx context.Context, id uuid.UUID) (store.RunStatus, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return "", store.ErrNotFound
	}
	return r.Status, nil
}

func (rs *runStore) List(ctx context.Context, ownerID uuid.UUID, opts store.ListRunsOpts) ([]store.Run, int, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()

	var matched []*store.Run
	for _, r := range rs.s.runs {
		if r.OwnerID != ownerID {
			continue
		}
		if opts.OnlyActive && !r.Status.Active() {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	matched = page(matched, opts.Skip, opts.Limit)
	out := make([]store.Run, len(matched))
	for i, r := range matched {
		out[i] = *cloneRun(r)
	}
	return out, total, nil
}

func (rs *runStore) ListByStatus(ctx context.Context, status store.RunStatus) ([]store.Run, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	var matched []*store.Run
	for _, r := range rs.s.runs {
		if r.Status == status {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	out := make([]store.Run, len(matched))
	for i, r := range matched {
		out[i] = *cloneRun(r)
	}
	return out, nil
}

func (rs *runStore) ClaimRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status != store.RunPending {
		return false, nil
	}
	r.Status = store.RunRunning
	t := startedAt
	r.StartedAt = &t
	return true, nil
}

func (rs *runStore) Finish(ctx context.Context, id uuid.UUID, status store.RunStatus, finishedAt time.Time) (bool, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status.Terminal() {
		// A run cancelled externally while running still needs its
		// finished_at stamped by the supervisor.
		if r.Status == store.RunCancelled && status == store.RunCancelled && r.FinishedAt == nil {
			t := finishedAt
			r.FinishedAt = &t
			return true, nil
		}
		return false, nil
	}
	r.Status = status
	t := finishedAt
	r.FinishedAt = &t
	return true, nil
}

func (rs *runStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return false, store.ErrNotFound
	}
	return cancelLocked(r), nil
}

func cancelLocked(r *store.Run) bool {
	if r.Status.Terminal() {
		return false
	}
	wasPending := r.Status == store.RunPending
	r.Status = store.RunCancelled
	if wasPending {
		now := time.Now()
		r.FinishedAt = &now
	}
	return true
}

func (rs *runStore) CancelAllActive(ctx context.Context, ownerID uuid.UUID) (int, error) {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	n := 0
	for _, r := range rs.s.runs {
		if r.OwnerID == ownerID && cancelLocked(r) {
			n++
		}
	}
	return n, nil
}

func (rs *runStore) AppendStdout(ctx context.Context, id uuid.UUID, text string) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	r.Stdout += text
	return nil
}

func (rs *runStore) SetJobID(ctx context.Context, id uuid.UUID, jobID uuid.UUID) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	j := jobID
	r.JobID = &j
	return nil
}

func (rs *runStore) SetPinnedManifest(ctx context.Context, id uuid.UUID, manifest string) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	if r.PinnedManifest == "" {
		r.PinnedManifest = manifest
	}
	return nil
}

func (rs *runStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	r, ok := rs.s.runs[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	if v, ok := updates["name"].(string); ok {
		r.Name = v
	}
	if v, ok := updates["email_on_completion"].(bool); ok {
		r.EmailOnCompletion = v
	}
	if v, ok := updates["shared"].(bool); ok {
		r.Shared = v
	}
	if v, ok := updates["tags"].([]string); ok {
		r.Tags = v
	}
	return nil
}

func (rs *runStore) Delete(ctx context.Context, id uuid.UUID) error {
	rs.s.mu.Lock()
	defer rs.s.mu.Unlock()
	if _, ok := rs.s.runs[id.String()]; !ok {
		return store.ErrNotFound
	}
	delete(rs.s.runs, id.String())
	return nil
}
