package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/store"
)

type toolStore struct {
	s *shared
}

func cloneTool(t *store.Tool) *store.Tool {
	c := *t
	return &c
}

func (ts *toolStore) Create(ctx context.Context, tool *store.Tool) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	for _, existing := range ts.s.tools {
		if strings.EqualFold(existing.Name, tool.Name) {
			return store.ErrDuplicateName
		}
	}
	now := time.Now()
	tool.CreatedAt = now
	tool.UpdatedAt = now
	ts.s.tools[tool.ID.String()] = cloneTool(tool)
	return nil
}

func (ts *toolStore) Get(ctx context.Context, id uuid.UUID) (*store.Tool, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.tools[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTool(t), nil
}

func (ts *toolStore) GetByName(ctx context.Context, name string) (*store.Tool, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	for _, t := range ts.s.tools {
		if strings.EqualFold(t.Name, name) {
			return cloneTool(t), nil
		}
	}
	return nil, store.ErrNotFound
}

func (ts *toolStore) List(ctx context.Context, opts store.ListToolsOpts) ([]store.Tool, int, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	var matched []*store.Tool
	for _, t := range ts.s.tools {
		if opts.OnlyUsable && (!t.Enabled || t.Status != store.ToolInstalled) {
			continue
		}
		if opts.Search != "" && !toolMatches(t, opts.Search) {
			continue
		}
		if opts.OnlyFavourites {
			if set := ts.s.favourites[t.ID.String()]; set == nil || !set[opts.FavouritesOf.String()] {
				continue
			}
		}
		matched = append(matched, t)
	}

	sort.Slice(matched, func(i, j int) bool {
		if opts.OrderBy == store.ToolOrderCreatedAt {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		if matched[i].RunCount != matched[j].RunCount {
			return matched[i].RunCount > matched[j].RunCount
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	matched = page(matched, opts.Skip, opts.Limit)
	out := make([]store.Tool, len(matched))
	for i, t := range matched {
		out[i] = *cloneTool(t)
	}
	return out, total, nil
}

func toolMatches(t *store.Tool, search string) bool {
	s := strings.ToLower(search)
	if strings.Contains(strings.ToLower(t.Name), s) ||
		strings.Contains(strings.ToLower(t.Description), s) {
		return true
	}
	for _, tag := range t.Tags {
		if tag == search {
			return true
		}
	}
	return false
}

func page[T any](items []T, skip, limit int) []T {
	if limit <= 0 {
		limit = 100
	}
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (ts *toolStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.tools[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	if v, ok := updates["name"].(string); ok {
		for _, other := range ts.s.tools {
			if other.ID != t.ID && strings.EqualFold(other.Name, v) {
				return store.ErrDuplicateName
			}
		}
		t.Name = v
	}
	if v, ok := updates["description"].(string); ok {
		t.Description = v
	}
	if v, ok := updates["version"].(string); ok {
		t.Version = v
	}
	if v, ok := updates["command_template"].(string); ok {
		t.CommandTemplate = v
	}
	if v, ok := updates["post_install_command"].(string); ok {
		t.PostInstallCommand = v
	}
	if v, ok := updates["enabled"].(bool); ok {
		t.Enabled = v
	}
	if v, ok := updates["params"].([]store.ParamSpec); ok {
		t.Params = v
	}
	if v, ok := updates["targets"].([]store.TargetSpec); ok {
		t.Targets = v
	}
	if v, ok := updates["setup_files"].([]store.SetupFile); ok {
		t.SetupFiles = v
	}
	if v, ok := updates["sandbox_spec"].(map[string]any); ok {
		t.SandboxSpec = v
	}
	if v, ok := updates["tags"].([]string); ok {
		t.Tags = v
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (ts *toolStore) Delete(ctx context.Context, id uuid.UUID) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	if _, ok := ts.s.tools[id.String()]; !ok {
		return store.ErrNotFound
	}
	delete(ts.s.tools, id.String())
	delete(ts.s.favourites, id.String())
	return nil
}

func (ts *toolStore) TransitionStatus(ctx context.Context, id uuid.UUID, from []store.ToolStatus, to store.ToolStatus) (bool, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.tools[id.String()]
	if !ok {
		return false, store.ErrNotFound
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			t.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (ts *toolStore) SetInstallResult(ctx context.Context, id uuid.UUID, status store.ToolStatus, installationLog, pinnedManifest string) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.tools[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	t.InstallationLog = installationLog
	t.PinnedManifest = pinnedManifest
	t.UpdatedAt = time.Now()
	return nil
}

func (ts *toolStore) AppendInstallationLog(ctx context.Context, id uuid.UUID, text string) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.tools[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	t.InstallationLog += text
	return nil
}

func (ts *toolStore) IncrementRunCount(ctx context.Context, id uuid.UUID) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	if t, ok := ts.s.tools[id.String()]; ok {
		t.RunCount++
	}
	return nil
}

func (ts *toolStore) Favourite(ctx context.Context, toolID, userID uuid.UUID) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.tools[toolID.String()]
	if !ok {
		return store.ErrNotFound
	}
	set := ts.s.favourites[toolID.String()]
	if set == nil {
		set = make(map[string]bool)
		ts.s.favourites[toolID.String()] = set
	}
	if !set[userID.String()] {
		set[userID.String()] = true
		t.FavouritedCount++
	}
	return nil
}

func (ts *toolStore) Unfavourite(ctx context.Context, toolID, userID uuid.UUID) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	t, ok := ts.s.tools[toolID.String()]
	if !ok {
		return store.ErrNotFound
	}
	if set := ts.s.favourites[toolID.String()]; set != nil && set[userID.String()] {
		delete(set, userID.String())
		if t.FavouritedCount > 0 {
			t.FavouritedCount--
		}
	}
	return nil
}

func (ts *toolStore) IsFavourite(ctx context.Context, toolID, userID uuid.UUID) (bool, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	set := ts.s.favourites[toolID.String()]
	return set != nil && set[userID.String()], nil
}
