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

// PGRunStore implements store.RunStore backed by Postgres. Status moves only
// through the conditional update methods, so terminal states are absorbing at
// the SQL level, not just by caller discipline.
type PGRunStore struct {
	db *sql.DB
}

func NewPGRunStore(db *sql.DB) *PGRunStore {
	return &PGRunStore{db: db}
}

const runSelectCols = `id, tool_id, owner_id, name, tags, params, input_file_ids, command,
	pinned_manifest, status, stdout, job_id, email_on_completion, shared,
	created_at, started_at, finished_at`

func (s *PGRunStore) Create(ctx context.Context, run *store.Run) error {
	run.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tool_id, owner_id, name, tags, params, input_file_ids, command,
		   pinned_manifest, status, stdout, job_id, email_on_completion, shared, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, run.ToolID, run.OwnerID, run.Name, textArray(run.Tags),
		marshalJSON(run.Params), pq.Array(uuidStrings(run.InputFileIDs)), run.Command,
		run.PinnedManifest, run.Status, run.Stdout, nullUUID(run.JobID),
		run.EmailOnCompletion, run.Shared, run.CreatedAt,
	)
	return err
}

func (s *PGRunStore) Get(ctx context.Context, id uuid.UUID) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runSelectCols+` FROM runs WHERE id = $1`, id)
	return scanRunFields(row)
}

func (s *PGRunStore) GetStatus(ctx context.Context, id uuid.UUID) (store.RunStatus, error) {
	var status store.RunStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = $1`, id).Scan(&status)
	return status, mapNotFound(err)
}

func (s *PGRunStore) List(ctx context.Context, ownerID uuid.UUID, opts store.ListRunsOpts) ([]store.Run, int, error) {
	where := "owner_id = $1"
	if opts.OnlyActive {
		where += " AND status IN ('pending', 'running')"
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE "+where, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(
		"SELECT %s FROM runs WHERE %s ORDER BY created_at DESC OFFSET $2 LIMIT $3",
		runSelectCols, where)
	rows, err := s.db.QueryContext(ctx, q, ownerID, opts.Skip, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []store.Run
	for rows.Next() {
		r, err := scanRunFields(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *r)
	}
	return result, total, rows.Err()
}

func (s *PGRunStore) ListByStatus(ctx context.Context, status store.RunStatus) ([]store.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runSelectCols+` FROM runs WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.Run
	for rows.Next() {
		r, err := scanRunFields(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

func (s *PGRunStore) ClaimRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'running', started_at = $1 WHERE id = $2 AND status = 'pending'`,
		startedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGRunStore) Finish(ctx context.Context, id uuid.UUID, status store.RunStatus, finishedAt time.Time) (bool, error) {
	// The cancelled clause lets a supervisor stamp finished_at on a run that
	// an external caller already moved to cancelled while it was running.
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, finished_at = $2
		 WHERE id = $3 AND (status IN ('pending', 'running')
		   OR (status = 'cancelled' AND $1 = 'cancelled' AND finished_at IS NULL))`,
		status, finishedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGRunStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	// A pending run never started, so cancelling it is already terminal:
	// stamp finished_at now. A running run keeps finished_at null until its
	// supervisor observes the write and finishes it.
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'cancelled',
		   finished_at = CASE WHEN status = 'pending' THEN NOW() ELSE finished_at END
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGRunStore) CancelAllActive(ctx context.Context, ownerID uuid.UUID) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'cancelled',
		   finished_at = CASE WHEN status = 'pending' THEN NOW() ELSE finished_at END
		 WHERE owner_id = $1 AND status IN ('pending', 'running')`,
		ownerID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGRunStore) AppendStdout(ctx context.Context, id uuid.UUID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stdout = stdout || $1 WHERE id = $2`, text, id)
	return err
}

func (s *PGRunStore) SetJobID(ctx context.Context, id uuid.UUID, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET job_id = $1 WHERE id = $2`, jobID, id)
	return err
}

func (s *PGRunStore) SetPinnedManifest(ctx context.Context, id uuid.UUID, manifest string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET pinned_manifest = $1 WHERE id = $2 AND pinned_manifest = ''`,
		manifest, id)
	return err
}

func (s *PGRunStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	allowed := make(map[string]any)
	for _, col := range []string{"name", "email_on_completion", "shared"} {
		if v, ok := updates[col]; ok {
			allowed[col] = v
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
	q, args := buildUpdate("runs", allowed, "id", id)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGRunStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanRunFields(row toolScanner) (*store.Run, error) {
	var r store.Run
	var tags, fileIDs []string
	var params []byte
	var jobID, startedAt, finishedAt = sql.NullString{}, sql.NullTime{}, sql.NullTime{}

	err := row.Scan(
		&r.ID, &r.ToolID, &r.OwnerID, &r.Name, pq.Array(&tags), &params,
		pq.Array(&fileIDs), &r.Command, &r.PinnedManifest, &r.Status, &r.Stdout,
		&jobID, &r.EmailOnCompletion, &r.Shared, &r.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	unmarshalJSON(params, &r.Params)
	r.Tags = tags
	r.InputFileIDs = parseUUIDs(fileIDs)
	r.JobID = scanNullUUID(jobID)
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
