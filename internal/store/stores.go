package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Stores is the top-level container for all storage backends.
type Stores struct {
	Tools ToolStore
	Runs  RunStore
	Files FileStore
	Users UserStore
	Jobs  JobStore
}

// ToolOrderBy selects the listing order for tools.
type ToolOrderBy string

const (
	ToolOrderRunCount  ToolOrderBy = "run_count"
	ToolOrderCreatedAt ToolOrderBy = "created_at"
)

// ListToolsOpts filters and pages the tool listing.
type ListToolsOpts struct {
	Skip           int
	Limit          int
	OrderBy        ToolOrderBy
	Search         string    // matches name/description substring, tags exactly
	OnlyUsable     bool      // enabled AND installed (non-admin view)
	FavouritesOf   uuid.UUID // restrict to tools favourited by this user
	OnlyFavourites bool
}

// ToolStore is persistent CRUD over tool definitions. Sandbox status columns
// are written only through the status methods; catalog writers never set
// them directly.
type ToolStore interface {
	Create(ctx context.Context, tool *Tool) error
	Get(ctx context.Context, id uuid.UUID) (*Tool, error)
	GetByName(ctx context.Context, name string) (*Tool, error)
	List(ctx context.Context, opts ListToolsOpts) ([]Tool, int, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	Delete(ctx context.Context, id uuid.UUID) error

	// TransitionStatus atomically moves the tool from one of the given
	// statuses to another. Returns false without error when the tool is not
	// in any of the from statuses (someone else got there first).
	TransitionStatus(ctx context.Context, id uuid.UUID, from []ToolStatus, to ToolStatus) (bool, error)
	// SetInstallResult records the outcome of a sandbox operation.
	SetInstallResult(ctx context.Context, id uuid.UUID, status ToolStatus, installationLog, pinnedManifest string) error
	AppendInstallationLog(ctx context.Context, id uuid.UUID, text string) error
	IncrementRunCount(ctx context.Context, id uuid.UUID) error

	Favourite(ctx context.Context, toolID, userID uuid.UUID) error
	Unfavourite(ctx context.Context, toolID, userID uuid.UUID) error
	IsFavourite(ctx context.Context, toolID, userID uuid.UUID) (bool, error)
}

// ListRunsOpts pages a user's run listing, newest first.
type ListRunsOpts struct {
	Skip       int
	Limit      int
	OnlyActive bool // pending or running
}

// RunStore persists runs. Status transitions are linearisable: the
// conditional update methods are the only way to move between states, so a
// terminal state can never be overwritten.
type RunStore interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
	GetStatus(ctx context.Context, id uuid.UUID) (RunStatus, error)
	List(ctx context.Context, ownerID uuid.UUID, opts ListRunsOpts) ([]Run, int, error)
	ListByStatus(ctx context.Context, status RunStatus) ([]Run, error)

	// ClaimRunning atomically moves pending → running and stamps started_at.
	// Returns false when the run was no longer pending.
	ClaimRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	// Finish moves a non-terminal run to a terminal status and stamps
	// finished_at. Returns false when the run was already terminal.
	Finish(ctx context.Context, id uuid.UUID, status RunStatus, finishedAt time.Time) (bool, error)
	// Cancel marks a pending or running run cancelled. The owning supervisor
	// observes the write on its next poll. Returns false if already terminal.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	// CancelAllActive cancels every pending or running run of the owner in
	// one statement and returns how many were cancelled.
	CancelAllActive(ctx context.Context, ownerID uuid.UUID) (int, error)

	AppendStdout(ctx context.Context, id uuid.UUID, text string) error
	SetJobID(ctx context.Context, id uuid.UUID, jobID uuid.UUID) error
	SetPinnedManifest(ctx context.Context, id uuid.UUID, manifest string) error
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// FileStore persists file metadata. Blob bytes live on disk at Location.
type FileStore interface {
	Create(ctx context.Context, file *File) error
	Get(ctx context.Context, id uuid.UUID) (*File, error)
	List(ctx context.Context, ownerID uuid.UUID, skip, limit int) ([]File, int, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]File, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	Delete(ctx context.Context, id uuid.UUID) error
	// DetachFromRun clears run_id, used when a run is deleted but the file
	// was marked saved.
	DetachFromRun(ctx context.Context, id uuid.UUID) error
	// Usage returns the owner's total stored bytes and file count.
	Usage(ctx context.Context, ownerID uuid.UUID) (bytes int64, count int64, err error)
}

type UserStore interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// JobStore is the durable work queue. ClaimNext hands each queued job to
// exactly one caller.
type JobStore interface {
	Enqueue(ctx context.Context, job *Job) error
	// ClaimNext claims the oldest queued job of one of the given kinds.
	// Returns nil when the queue is empty.
	ClaimNext(ctx context.Context, workerID string, kinds ...JobKind) (*Job, error)
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// DropQueuedForSubject removes still-queued jobs for a subject, used by
	// recovery before re-enqueueing pending runs.
	DropQueuedForSubject(ctx context.Context, subjectID uuid.UUID) error
}
