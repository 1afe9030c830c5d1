package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgelab/toolforge/internal/store"
	"github.com/forgelab/toolforge/internal/store/memory"
)

func TestSweepRemovesOrphanedWorkdirs(t *testing.T) {
	stores := memory.NewStores()
	ctx := context.Background()
	tmpRoot := t.TempDir()

	active := &store.Run{ID: store.GenNewID(), ToolID: store.GenNewID(), OwnerID: store.GenNewID(), Status: store.RunPending}
	stores.Runs.Create(ctx, active)
	stores.Runs.ClaimRunning(ctx, active.ID, time.Now())

	finished := &store.Run{ID: store.GenNewID(), ToolID: store.GenNewID(), OwnerID: store.GenNewID(), Status: store.RunPending}
	stores.Runs.Create(ctx, finished)
	stores.Runs.ClaimRunning(ctx, finished.ID, time.Now())
	stores.Runs.Finish(ctx, finished.ID, store.RunCompleted, time.Now())

	missing := store.GenNewID()

	for _, id := range []string{active.ID.String(), finished.ID.String(), missing.String(), "not-a-uuid"} {
		if err := os.Mkdir(filepath.Join(tmpRoot, id), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	j := New(stores, "", tmpRoot, t.TempDir())
	j.Sweep(ctx)

	if _, err := os.Stat(filepath.Join(tmpRoot, active.ID.String())); err != nil {
		t.Error("active run's workdir was removed")
	}
	if _, err := os.Stat(filepath.Join(tmpRoot, finished.ID.String())); !os.IsNotExist(err) {
		t.Error("terminal run's workdir survived")
	}
	if _, err := os.Stat(filepath.Join(tmpRoot, missing.String())); !os.IsNotExist(err) {
		t.Error("workdir without a run survived")
	}
	if _, err := os.Stat(filepath.Join(tmpRoot, "not-a-uuid")); err != nil {
		t.Error("non-run directory was removed")
	}
}

func TestSweepRemovesOrphanedBlobs(t *testing.T) {
	stores := memory.NewStores()
	ctx := context.Background()
	blobDir := t.TempDir()

	tracked := &store.File{
		ID:      store.GenNewID(),
		Name:    "kept.txt",
		OwnerID: store.GenNewID(),
	}
	tracked.Location = filepath.Join(blobDir, tracked.ID.String()+"_kept.txt")
	if err := os.WriteFile(tracked.Location, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	stores.Files.Create(ctx, tracked)

	orphanPath := filepath.Join(blobDir, store.GenNewID().String()+"_orphan.txt")
	if err := os.WriteFile(orphanPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	strayPath := filepath.Join(blobDir, "no-uuid-prefix.txt")
	if err := os.WriteFile(strayPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	j := New(stores, "", t.TempDir(), blobDir)
	j.Sweep(ctx)

	if _, err := os.Stat(tracked.Location); err != nil {
		t.Error("tracked blob was removed")
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Error("orphaned blob survived")
	}
	if _, err := os.Stat(strayPath); err != nil {
		t.Error("non-blob file was removed")
	}
}
