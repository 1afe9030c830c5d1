package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/forgelab/toolforge/internal/store"
)

// PGJobStore implements store.JobStore backed by Postgres. Claiming uses
// SELECT ... FOR UPDATE SKIP LOCKED so each queued job is handed to exactly
// one worker even with many concurrent pollers.
type PGJobStore struct {
	db *sql.DB
}

func NewPGJobStore(db *sql.DB) *PGJobStore {
	return &PGJobStore{db: db}
}

const jobSelectCols = `id, kind, subject_id, op, command, status, error, created_at, claimed_at, claimed_by`

func (s *PGJobStore) Enqueue(ctx context.Context, job *store.Job) error {
	job.CreatedAt = time.Now()
	job.Status = store.JobQueued
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, subject_id, op, command, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Kind, job.SubjectID, job.Op, job.Command, job.Status, job.CreatedAt)
	return err
}

func (s *PGJobStore) ClaimNext(ctx context.Context, workerID string, kinds ...store.JobKind) (*store.Job, error) {
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'claimed', claimed_at = NOW(), claimed_by = $1
		 WHERE id = (
		   SELECT id FROM jobs
		   WHERE status = 'queued' AND kind = ANY($2)
		   ORDER BY created_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobSelectCols,
		workerID, pq.Array(kindStrs))
	job, err := scanJob(row)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *PGJobStore) Get(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobSelectCols+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PGJobStore) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done' WHERE id = $1`, id)
	return err
}

func (s *PGJobStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error = $1 WHERE id = $2`, reason, id)
	return err
}

func (s *PGJobStore) DropQueuedForSubject(ctx context.Context, subjectID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE subject_id = $1 AND status = 'queued'`, subjectID)
	return err
}

func scanJob(row *sql.Row) (*store.Job, error) {
	var j store.Job
	var claimedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.SubjectID, &j.Op, &j.Command, &j.Status, &j.Error,
		&j.CreatedAt, &claimedAt, &j.ClaimedBy,
	)
	if err != nil {
		return nil, mapNotFound(err)
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	return &j, nil
}
