package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/store"
)

// PGUserStore implements store.UserStore backed by Postgres.
type PGUserStore struct {
	db *sql.DB
}

func NewPGUserStore(db *sql.DB) *PGUserStore {
	return &PGUserStore{db: db}
}

func (s *PGUserStore) Create(ctx context.Context, user *store.User) error {
	user.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, is_admin, max_storage, max_files, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Email, user.IsAdmin, user.MaxStorage, user.MaxFiles, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicateName
	}
	return err
}

func (s *PGUserStore) Get(ctx context.Context, id uuid.UUID) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, is_admin, max_storage, max_files, created_at
		 FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PGUserStore) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, is_admin, max_storage, max_files, created_at
		 FROM users WHERE LOWER(email) = LOWER($1)`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Email, &u.IsAdmin, &u.MaxStorage, &u.MaxFiles, &u.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &u, nil
}
