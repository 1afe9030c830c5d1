package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/forgelab/toolforge/internal/store"
)

// PGToolStore implements store.ToolStore backed by Postgres.
type PGToolStore struct {
	db *sql.DB
}

func NewPGToolStore(db *sql.DB) *PGToolStore {
	return &PGToolStore{db: db}
}

const toolSelectCols = `id, name, description, version, command_template, params, targets,
	setup_files, sandbox_spec, post_install_command, status, pinned_manifest,
	installation_log, enabled, run_count, favourited_count, tags, created_at, updated_at`

func (s *PGToolStore) Create(ctx context.Context, tool *store.Tool) error {
	now := time.Now()
	tool.CreatedAt = now
	tool.UpdatedAt = now
	var sandboxSpec []byte
	if tool.SandboxSpec != nil {
		sandboxSpec = marshalJSON(tool.SandboxSpec)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tools (id, name, description, version, command_template, params, targets,
		   setup_files, sandbox_spec, post_install_command, status, pinned_manifest,
		   installation_log, enabled, run_count, favourited_count, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`,
		tool.ID, tool.Name, tool.Description, tool.Version, tool.CommandTemplate,
		marshalJSON(tool.Params), marshalJSON(tool.Targets), marshalJSON(tool.SetupFiles),
		sandboxSpec, tool.PostInstallCommand, tool.Status, tool.PinnedManifest,
		tool.InstallationLog, tool.Enabled, tool.RunCount, tool.FavouritedCount,
		textArray(tool.Tags), now,
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicateName
	}
	return err
}

func (s *PGToolStore) Get(ctx context.Context, id uuid.UUID) (*store.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolSelectCols+` FROM tools WHERE id = $1`, id)
	return s.scanTool(row)
}

func (s *PGToolStore) GetByName(ctx context.Context, name string) (*store.Tool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolSelectCols+` FROM tools WHERE LOWER(name) = LOWER($1)`, name)
	return s.scanTool(row)
}

func (s *PGToolStore) List(ctx context.Context, opts store.ListToolsOpts) ([]store.Tool, int, error) {
	where := "TRUE"
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if opts.Search != "" {
		p := arg("%" + opts.Search + "%")
		e := arg(opts.Search)
		where += fmt.Sprintf(" AND (name ILIKE %s OR description ILIKE %s OR %s = ANY(tags))", p, p, e)
	}
	if opts.OnlyUsable {
		where += " AND enabled AND status = 'installed'"
	}
	if opts.OnlyFavourites {
		where += fmt.Sprintf(
			" AND id IN (SELECT tool_id FROM tool_favourites WHERE user_id = %s)",
			arg(opts.FavouritesOf))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tools WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := "run_count DESC, created_at DESC"
	if opts.OrderBy == store.ToolOrderCreatedAt {
		order = "created_at DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf("SELECT %s FROM tools WHERE %s ORDER BY %s OFFSET %s LIMIT %s",
		toolSelectCols, where, order, arg(opts.Skip), arg(limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []store.Tool
	for rows.Next() {
		t, err := s.scanToolRows(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *t)
	}
	return result, total, rows.Err()
}

func (s *PGToolStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	allowed := make(map[string]any)
	for _, col := range []string{
		"name", "description", "version", "command_template", "post_install_command", "enabled",
	} {
		if v, ok := updates[col]; ok {
			allowed[col] = v
		}
	}
	for _, col := range []string{"params", "targets", "setup_files", "sandbox_spec"} {
		if v, ok := updates[col]; ok {
			allowed[col] = marshalJSON(v)
		}
	}
	if v, ok := updates["tags"]; ok {
		if tags, ok := v.([]string); ok {
			allowed["tags"] = textArray(tags)
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	allowed["updated_at"] = time.Now()
	q, args := buildUpdate("tools", allowed, "id", id)
	res, err := s.db.ExecContext(ctx, q, args...)
	if isUniqueViolation(err) {
		return store.ErrDuplicateName
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGToolStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGToolStore) TransitionStatus(ctx context.Context, id uuid.UUID, from []store.ToolStatus, to store.ToolStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tools SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(fromStrs))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGToolStore) SetInstallResult(ctx context.Context, id uuid.UUID, status store.ToolStatus, installationLog, pinnedManifest string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tools SET status = $1, installation_log = $2, pinned_manifest = $3, updated_at = NOW()
		 WHERE id = $4`,
		status, installationLog, pinnedManifest, id)
	return err
}

func (s *PGToolStore) AppendInstallationLog(ctx context.Context, id uuid.UUID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tools SET installation_log = installation_log || $1, updated_at = NOW() WHERE id = $2`,
		text, id)
	return err
}

func (s *PGToolStore) IncrementRunCount(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tools SET run_count = run_count + 1 WHERE id = $1`, id)
	return err
}

func (s *PGToolStore) Favourite(ctx context.Context, toolID, userID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_favourites (tool_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		toolID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tools SET favourited_count = favourited_count + 1 WHERE id = $1`, toolID)
	}
	return err
}

func (s *PGToolStore) Unfavourite(ctx context.Context, toolID, userID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_favourites WHERE tool_id = $1 AND user_id = $2`, toolID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tools SET favourited_count = GREATEST(favourited_count - 1, 0) WHERE id = $1`, toolID)
	}
	return err
}

func (s *PGToolStore) IsFavourite(ctx context.Context, toolID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tool_favourites WHERE tool_id = $1 AND user_id = $2)`,
		toolID, userID).Scan(&exists)
	return exists, err
}

type toolScanner interface {
	Scan(dest ...any) error
}

func scanToolFields(row toolScanner) (*store.Tool, error) {
	var t store.Tool
	var params, targets, setupFiles, sandboxSpec []byte
	var tags []string

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.Version, &t.CommandTemplate,
		&params, &targets, &setupFiles, &sandboxSpec, &t.PostInstallCommand,
		&t.Status, &t.PinnedManifest, &t.InstallationLog, &t.Enabled,
		&t.RunCount, &t.FavouritedCount, pq.Array(&tags), &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	unmarshalJSON(params, &t.Params)
	unmarshalJSON(targets, &t.Targets)
	unmarshalJSON(setupFiles, &t.SetupFiles)
	unmarshalJSON(sandboxSpec, &t.SandboxSpec)
	t.Tags = tags
	return &t, nil
}

func (s *PGToolStore) scanTool(row *sql.Row) (*store.Tool, error) {
	return scanToolFields(row)
}

func (s *PGToolStore) scanToolRows(rows *sql.Rows) (*store.Tool, error) {
	return scanToolFields(rows)
}
