package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/forgelab/toolforge/internal/store"
)

// PGFileStore implements store.FileStore backed by Postgres.
type PGFileStore struct {
	db *sql.DB
}

func NewPGFileStore(db *sql.DB) *PGFileStore {
	return &PGFileStore{db: db}
}

const fileSelectCols = `id, name, file_type, size, location, owner_id, run_id, saved,
	parent_id, tags, created_at`

func (s *PGFileStore) Create(ctx context.Context, file *store.File) error {
	file.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, name, file_type, size, location, owner_id, run_id, saved,
		   parent_id, tags, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		file.ID, file.Name, file.FileType, file.Size, file.Location, file.OwnerID,
		nullUUID(file.RunID), file.Saved, nullUUID(file.ParentID),
		textArray(file.Tags), file.CreatedAt,
	)
	return err
}

func (s *PGFileStore) Get(ctx context.Context, id uuid.UUID) (*store.File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileSelectCols+` FROM files WHERE id = $1`, id)
	return scanFileFields(row)
}

func (s *PGFileStore) List(ctx context.Context, ownerID uuid.UUID, skip, limit int) ([]store.File, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileSelectCols+` FROM files WHERE owner_id = $1
		 ORDER BY created_at DESC OFFSET $2 LIMIT $3`,
		ownerID, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []store.File
	for rows.Next() {
		f, err := scanFileFields(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *f)
	}
	return result, total, rows.Err()
}

func (s *PGFileStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]store.File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileSelectCols+` FROM files WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []store.File
	for rows.Next() {
		f, err := scanFileFields(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *f)
	}
	return result, rows.Err()
}

func (s *PGFileStore) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	allowed := make(map[string]any)
	for _, col := range []string{"name", "saved", "file_type"} {
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
	q, args := buildUpdate("files", allowed, "id", id)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGFileStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PGFileStore) DetachFromRun(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET run_id = NULL WHERE id = $1`, id)
	return err
}

func (s *PGFileStore) Usage(ctx context.Context, ownerID uuid.UUID) (int64, int64, error) {
	var bytes, count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0), COUNT(*) FROM files WHERE owner_id = $1`,
		ownerID).Scan(&bytes, &count)
	return bytes, count, err
}

func scanFileFields(row toolScanner) (*store.File, error) {
	var f store.File
	var tags []string
	var runID, parentID sql.NullString

	err := row.Scan(
		&f.ID, &f.Name, &f.FileType, &f.Size, &f.Location, &f.OwnerID,
		&runID, &f.Saved, &parentID, pq.Array(&tags), &f.CreatedAt,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	f.Tags = tags
	f.RunID = scanNullUUID(runID)
	f.ParentID = scanNullUUID(parentID)
	return &f, nil
}
