package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/store"
)

type fileStore struct {
	s *shared
}

func cloneFile(f *store.File) *store.File {
	c := *f
	return &c
}

func (fs *fileStore) Create(ctx context.Context, file *store.File) error {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	file.CreatedAt = time.Now()
	fs.s.files[file.ID.String()] = cloneFile(file)
	return nil
}

func (fs *fileStore) Get(ctx context.Context, id uuid.UUID) (*store.File, error) {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	f, ok := fs.s.files[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneFile(f), nil
}

func (fs *fileStore) List(ctx context.Context, ownerID uuid.UUID, skip, limit int) ([]store.File, int, error) {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	var matched []*store.File
	for _, f := range fs.s.files {
		if f.OwnerID == ownerID {
			matched = append(matched, f)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	matched = page(matched, skip, limit)
	out := make([]store.File, len(matched))
	for i, f := range matched {
		out[i] = *cloneFile(f)
	}
	return out, total, nil
}

func (fs *fileStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]store.File, error) {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	var matched []*store.File
	for _, f := range fs.s.files {
		if f.RunID != nil && *f.RunID == runID {
			matched = append(matched, f)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	out := make([]store.File, len(matched))
	for i, f := range matched {
		out[i] = *cloneFile(f)
	}
	return out, nil
}

func (fs *fileStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	f, ok := fs.s.files[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	if v, ok := updates["name"].(string); ok {
		f.Name = v
	}
	if v, ok := updates["saved"].(bool); ok {
		f.Saved = v
	}
	if v, ok := updates["file_type"].(string); ok {
		f.FileType = v
	}
	if v, ok := updates["tags"].([]string); ok {
		f.Tags = v
	}
	return nil
}

func (fs *fileStore) Delete(ctx context.Context, id uuid.UUID) error {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	if _, ok := fs.s.files[id.String()]; !ok {
		return store.ErrNotFound
	}
	delete(fs.s.files, id.String())
	return nil
}

func (fs *fileStore) DetachFromRun(ctx context.Context, id uuid.UUID) error {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	f, ok := fs.s.files[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	f.RunID = nil
	return nil
}

func (fs *fileStore) Usage(ctx context.Context, ownerID uuid.UUID) (int64, int64, error) {
	fs.s.mu.Lock()
	defer fs.s.mu.Unlock()
	var bytes, count int64
	for _, f := range fs.s.files {
		if f.OwnerID == ownerID {
			bytes += f.Size
			count++
		}
	}
	return bytes, count, nil
}
