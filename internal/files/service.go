// Package files owns blobs on disk and their metadata rows. Blobs live in a
// flat storage directory under content-unique names; rows carry ownership,
// run attachment and the saved flag that decides their fate when a run is
// deleted.
package files

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/render"
	"github.com/forgelab/toolforge/internal/store"
)

// Service stages blobs into the storage directory and enforces per-user
// quotas before any row or blob is committed.
type Service struct {
	files      store.FileStore
	users      store.UserStore
	storageDir string
}

func NewService(files store.FileStore, users store.UserStore, storageDir string) *Service {
	return &Service{files: files, users: users, storageDir: storageDir}
}

// StorageDir returns the blob root.
func (s *Service) StorageDir() string { return s.storageDir }

// blobPath builds the on-disk location for a new blob. The uuid prefix keeps
// names collision-free; the sanitised original name keeps them debuggable.
func (s *Service) blobPath(id uuid.UUID, name string) string {
	return filepath.Join(s.storageDir, id.String()+"_"+render.Sanitize(name))
}

// checkQuota verifies the owner can store size more bytes and one more file.
// Fails without side effect when over quota.
func (s *Service) checkQuota(ctx context.Context, ownerID uuid.UUID, size int64) error {
	user, err := s.users.Get(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve owner: %w", err)
	}
	used, count, err := s.files.Usage(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("usage: %w", err)
	}
	if used+size > user.MaxStorage {
		return fmt.Errorf("%w: %d + %d bytes exceeds limit %d", store.ErrQuotaExceeded, used, size, user.MaxStorage)
	}
	if count+1 > user.MaxFiles {
		return fmt.Errorf("%w: file count limit %d reached", store.ErrQuotaExceeded, user.MaxFiles)
	}
	return nil
}

// Upload streams r into a new blob owned by p, quota-checked against the
// declared size before any bytes land.
func (s *Service) Upload(ctx context.Context, p store.Principal, name string, size int64, r io.Reader, tags []string) (*store.File, error) {
	if err := s.checkQuota(ctx, p.UserID, size); err != nil {
		return nil, err
	}
	id := store.GenNewID()
	location := s.blobPath(id, name)
	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	dst, err := os.Create(location)
	if err != nil {
		return nil, fmt.Errorf("create blob: %w", err)
	}
	written, err := io.Copy(dst, r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(location)
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if written != size {
		// Quota was checked against the declared size; a larger body must
		// not slip through.
		if werr := s.checkQuota(ctx, p.UserID, written); werr != nil {
			os.Remove(location)
			return nil, werr
		}
	}

	file := &store.File{
		ID:       id,
		Name:     filepath.Base(name),
		FileType: DetectType(name),
		Size:     written,
		Location: location,
		OwnerID:  p.UserID,
		Saved:    true,
		Tags:     tags,
	}
	if err := s.files.Create(ctx, file); err != nil {
		os.Remove(location)
		return nil, err
	}
	return file, nil
}

// CaptureTarget copies a file produced in a run's working directory into the
// blob store and registers it as a run-owned file (saved=false). Target
// capture is exempt from quota: the run was authorised when it was planned.
func (s *Service) CaptureTarget(ctx context.Context, run *store.Run, srcPath, fileType string) (*store.File, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, err
	}
	id := store.GenNewID()
	name := filepath.Base(srcPath)
	location := s.blobPath(id, name)
	if err := os.MkdirAll(s.storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}
	if err := copyFile(srcPath, location); err != nil {
		return nil, fmt.Errorf("copy target blob: %w", err)
	}
	if fileType == "" || !KnownType(fileType) {
		fileType = DetectType(name)
	}

	runID := run.ID
	file := &store.File{
		ID:       id,
		Name:     name,
		FileType: fileType,
		Size:     info.Size(),
		Location: location,
		OwnerID:  run.OwnerID,
		RunID:    &runID,
		Saved:    false,
		Tags:     run.Tags,
	}
	if err := s.files.Create(ctx, file); err != nil {
		os.Remove(location)
		return nil, err
	}
	return file, nil
}

// Copy duplicates an accessible file into a new blob owned by the caller,
// quota-checked.
func (s *Service) Copy(ctx context.Context, p store.Principal, id uuid.UUID) (*store.File, error) {
	src, err := s.Resolve(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkQuota(ctx, p.UserID, src.Size); err != nil {
		return nil, err
	}
	newID := store.GenNewID()
	location := s.blobPath(newID, src.Name)
	if err := copyFile(src.Location, location); err != nil {
		return nil, fmt.Errorf("copy blob: %w", err)
	}
	file := &store.File{
		ID:       newID,
		Name:     src.Name,
		FileType: src.FileType,
		Size:     src.Size,
		Location: location,
		OwnerID:  p.UserID,
		Saved:    true,
		Tags:     src.Tags,
	}
	if err := s.files.Create(ctx, file); err != nil {
		os.Remove(location)
		return nil, err
	}
	return file, nil
}

// Resolve loads a file and checks the principal may read it: the owner,
// an admin, or anyone when the owning run is shared.
func (s *Service) Resolve(ctx context.Context, p store.Principal, id uuid.UUID) (*store.File, error) {
	file, err := s.files.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != p.UserID && !p.IsAdmin {
		return nil, store.ErrForbidden
	}
	return file, nil
}

func (s *Service) Get(ctx context.Context, p store.Principal, id uuid.UUID) (*store.File, error) {
	return s.Resolve(ctx, p, id)
}

func (s *Service) List(ctx context.Context, p store.Principal, skip, limit int) ([]store.File, int, error) {
	return s.files.List(ctx, p.UserID, skip, limit)
}

// SetSaved toggles user retention. Saved files survive run deletion.
func (s *Service) SetSaved(ctx context.Context, p store.Principal, id uuid.UUID, saved bool) error {
	if _, err := s.Resolve(ctx, p, id); err != nil {
		return err
	}
	return s.files.Update(ctx, id, map[string]any{"saved": saved})
}

// Delete removes the row and the blob. A missing blob is logged, not fatal:
// the row is the authority.
func (s *Service) Delete(ctx context.Context, p store.Principal, id uuid.UUID) error {
	file, err := s.Resolve(ctx, p, id)
	if err != nil {
		return err
	}
	if err := s.files.Delete(ctx, id); err != nil {
		return err
	}
	s.RemoveBlob(file.Location)
	return nil
}

// RemoveBlob deletes a blob from disk, tolerating absence.
func (s *Service) RemoveBlob(location string) {
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		slog.Warn("blob removal failed", "location", location, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
