package runs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/files"
	"github.com/forgelab/toolforge/internal/store"
)

// Service is the run lifecycle surface outside the supervisor: reads,
// cancellation and deletion with file custody rules.
type Service struct {
	runs  store.RunStore
	files store.FileStore
	blobs *files.Service
}

func NewService(runs store.RunStore, fileStore store.FileStore, blobs *files.Service) *Service {
	return &Service{runs: runs, files: fileStore, blobs: blobs}
}

// Get loads a run readable by the principal: owner, admin, or anyone for
// shared runs.
func (s *Service) Get(ctx context.Context, p store.Principal, id uuid.UUID) (*store.Run, error) {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.OwnerID != p.UserID && !p.IsAdmin && !run.Shared {
		return nil, store.ErrForbidden
	}
	return run, nil
}

func (s *Service) List(ctx context.Context, p store.Principal, opts store.ListRunsOpts) ([]store.Run, int, error) {
	return s.runs.List(ctx, p.UserID, opts)
}

// Cancel requests cancellation. For a pending run this is immediately
// terminal; for a running run the owning supervisor observes the status
// write on its next poll and tears the child down.
func (s *Service) Cancel(ctx context.Context, p store.Principal, id uuid.UUID) error {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.OwnerID != p.UserID && !p.IsAdmin {
		return store.ErrForbidden
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run is already %s: %w", run.Status, store.ErrInvalidParam)
	}
	if _, err := s.runs.Cancel(ctx, id); err != nil {
		return err
	}
	slog.Info("run cancellation requested", "run", id)
	return nil
}

// CancelAll cancels every pending or running run of the caller.
func (s *Service) CancelAll(ctx context.Context, p store.Principal) (int, error) {
	n, err := s.runs.CancelAllActive(ctx, p.UserID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("runs mass-cancelled", "owner", p.UserID, "count", n)
	}
	return n, nil
}

// Delete removes an inactive run. Attached unsaved files are deleted with
// their blobs; saved files survive, detached from the run.
func (s *Service) Delete(ctx context.Context, p store.Principal, id uuid.UUID) error {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.OwnerID != p.UserID && !p.IsAdmin {
		return store.ErrForbidden
	}
	if run.Status.Active() {
		return fmt.Errorf("run is %s and cannot be deleted: %w", run.Status, store.ErrInvalidParam)
	}
	return s.deleteRun(ctx, run)
}

// DeleteAll removes every inactive run of the caller and returns how many
// runs were deleted.
func (s *Service) DeleteAll(ctx context.Context, p store.Principal) (int, error) {
	all, _, err := s.runs.List(ctx, p.UserID, store.ListRunsOpts{Limit: 1 << 30})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := range all {
		if all[i].Status.Active() {
			continue
		}
		if err := s.deleteRun(ctx, &all[i]); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (s *Service) deleteRun(ctx context.Context, run *store.Run) error {
	attached, err := s.files.ListByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list run files: %w", err)
	}
	for _, f := range attached {
		if f.Saved {
			if err := s.files.DetachFromRun(ctx, f.ID); err != nil {
				return fmt.Errorf("detach file %s: %w", f.ID, err)
			}
			continue
		}
		if err := s.files.Delete(ctx, f.ID); err != nil {
			return fmt.Errorf("delete file %s: %w", f.ID, err)
		}
		s.blobs.RemoveBlob(f.Location)
	}
	if err := s.runs.Delete(ctx, run.ID); err != nil {
		return err
	}
	slog.Info("run deleted", "run", run.ID, "files_removed", len(attached))
	return nil
}

// Rename updates the run's display name.
func (s *Service) Rename(ctx context.Context, p store.Principal, id uuid.UUID, name string) error {
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.OwnerID != p.UserID && !p.IsAdmin {
		return store.ErrForbidden
	}
	return s.runs.Update(ctx, id, map[string]any{"name": name})
}
