package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/store"
)

type userStore struct {
	s *shared
}

func (us *userStore) Create(ctx context.Context, user *store.User) error {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	for _, u := range us.s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return store.ErrDuplicateName
		}
	}
	user.CreatedAt = time.Now()
	c := *user
	us.s.users[user.ID.String()] = &c
	return nil
}

func (us *userStore) Get(ctx context.Context, id uuid.UUID) (*store.User, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	u, ok := us.s.users[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (us *userStore) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	us.s.mu.Lock()
	defer us.s.mu.Unlock()
	for _, u := range us.s.users {
		if strings.EqualFold(u.Email, email) {
			c := *u
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}
