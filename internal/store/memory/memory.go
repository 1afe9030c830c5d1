// Package memory provides in-process store implementations with the same
// semantics as the Postgres backends: conditional status transitions,
// at-most-one job claiming, absorbing terminal states. Used by tests and by
// single-node deployments that do not want to run Postgres.
package memory

import (
	"sync"

	"github.com/forgelab/toolforge/internal/store"
)

// NewStores creates a fresh set of in-memory stores sharing one lock.
func NewStores() *store.Stores {
	s := &shared{
		tools:      make(map[string]*store.Tool),
		favourites: make(map[string]map[string]bool),
		runs:       make(map[string]*store.Run),
		files:      make(map[string]*store.File),
		users:      make(map[string]*store.User),
		jobs:       make(map[string]*store.Job),
	}
	return &store.Stores{
		Tools: &toolStore{s: s},
		Runs:  &runStore{s: s},
		Files: &fileStore{s: s},
		Users: &userStore{s: s},
		Jobs:  &jobStore{s: s},
	}
}

// shared holds all tables under one mutex so cross-table reads stay
// consistent, the way short DB transactions would be.
type shared struct {
	mu         sync.Mutex
	tools      map[string]*store.Tool
	favourites map[string]map[string]bool // tool id → user id set
	runs       map[string]*store.Run
	files      map[string]*store.File
	users      map[string]*store.User
	jobs       map[string]*store.Job
	jobOrder   []string
}
