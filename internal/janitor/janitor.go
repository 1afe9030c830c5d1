// Package janitor sweeps up what crashes leave behind: working directories
// with no active run, and blobs on disk with no metadata row. It runs on a
// cron schedule inside the serve process.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/store"
)

// Janitor removes orphaned run workdirs and orphaned blobs.
type Janitor struct {
	stores   *store.Stores
	schedule string
	tmpRoot  string
	blobDir  string

	gron *gronx.Gronx
}

func New(stores *store.Stores, schedule, tmpRoot, blobDir string) *Janitor {
	return &Janitor{
		stores:   stores,
		schedule: schedule,
		tmpRoot:  tmpRoot,
		blobDir:  blobDir,
		gron:     gronx.New(),
	}
}

// Run blocks until ctx is cancelled, sweeping whenever the cron expression
// is due. An empty or invalid schedule disables the janitor.
func (j *Janitor) Run(ctx context.Context) {
	if j.schedule == "" {
		slog.Info("janitor disabled")
		return
	}
	if !j.gron.IsValid(j.schedule) {
		slog.Error("janitor schedule invalid, disabling", "schedule", j.schedule)
		return
	}
	slog.Info("janitor started", "schedule", j.schedule)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			due, err := j.gron.IsDue(j.schedule, tick)
			if err != nil || !due {
				continue
			}
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over both roots.
func (j *Janitor) Sweep(ctx context.Context) {
	workdirs := j.sweepWorkdirs(ctx)
	blobs := j.sweepBlobs(ctx)
	if workdirs > 0 || blobs > 0 {
		slog.Info("janitor sweep complete", "workdirs_removed", workdirs, "blobs_removed", blobs)
	}
}

// sweepWorkdirs removes tmp directories whose run no longer exists or is
// terminal. The directory of a live run belongs to its supervisor.
func (j *Janitor) sweepWorkdirs(ctx context.Context) int {
	entries, err := os.ReadDir(j.tmpRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("janitor cannot read tmp root", "dir", j.tmpRoot, "error", err)
		}
		return 0
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		status, err := j.stores.Runs.GetStatus(ctx, id)
		orphaned := errors.Is(err, store.ErrNotFound) || (err == nil && status.Terminal())
		if !orphaned {
			continue
		}
		path := filepath.Join(j.tmpRoot, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("janitor workdir removal failed", "dir", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}

// sweepBlobs removes blobs whose metadata row is gone. Blob names carry
// their file id as a uuid prefix before the first underscore.
func (j *Janitor) sweepBlobs(ctx context.Context) int {
	entries, err := os.ReadDir(j.blobDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("janitor cannot read blob dir", "dir", j.blobDir, "error", err)
		}
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idPart, _, found := strings.Cut(e.Name(), "_")
		if !found {
			continue
		}
		id, err := uuid.Parse(idPart)
		if err != nil {
			continue
		}
		if _, err := j.stores.Files.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
			continue
		}
		path := filepath.Join(j.blobDir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("janitor blob removal failed", "blob", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}
