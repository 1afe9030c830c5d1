package store

import (
	"time"

	"github.com/google/uuid"
)

// ToolStatus tracks the lifecycle of a tool's dependency sandbox.
type ToolStatus string

const (
	ToolUninstalled  ToolStatus = "uninstalled"
	ToolInstalling   ToolStatus = "installing"
	ToolInstalled    ToolStatus = "installed"
	ToolUninstalling ToolStatus = "uninstalling"
	ToolFailed       ToolStatus = "failed"
)

// RunStatus is the run state machine. Terminal states are absorbing:
// pending → running → {completed, failed, cancelled}, plus
// pending → cancelled for runs that never started.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is an absorbing state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Active reports whether the run still owns resources (queue slot or child).
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunRunning
}

// ParamKind discriminates the tagged parameter variants.
type ParamKind string

const (
	ParamStr   ParamKind = "str"
	ParamInt   ParamKind = "int"
	ParamFloat ParamKind = "float"
	ParamBool  ParamKind = "bool"
	ParamEnum  ParamKind = "enum"
	ParamFile  ParamKind = "file"
)

// ParamSpec declares one parameter of a tool's command template.
type ParamSpec struct {
	Name        string    `json:"name"`
	Kind        ParamKind `json:"kind"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Options     []string  `json:"options,omitempty"`  // enum values
	Multiple    bool      `json:"multiple,omitempty"` // file params: accept a list
}

// TargetSpec declares an output file the run should capture, as a path
// template relative to the working directory.
type TargetSpec struct {
	PathTemplate string `json:"path_template"`
	Kind         string `json:"kind"` // file type key, e.g. "text", "fasta"
	Required     bool   `json:"required"`
}

// SetupFile is rendered with the run's params and written into the working
// directory before the child starts.
type SetupFile struct {
	Name            string `json:"name"`
	ContentTemplate string `json:"content_template"`
}

// Tool is a catalog entry: a named, versioned command template plus its
// parameter schema, output targets and optional conda sandbox.
type Tool struct {
	ID                 uuid.UUID      `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Version            string         `json:"version,omitempty"`
	CommandTemplate    string         `json:"command_template"`
	Params             []ParamSpec    `json:"params"`
	Targets            []TargetSpec   `json:"targets"`
	SetupFiles         []SetupFile    `json:"setup_files,omitempty"`
	SandboxSpec        map[string]any `json:"sandbox_spec,omitempty"` // nil = run on host
	PostInstallCommand string         `json:"post_install_command,omitempty"`
	Status             ToolStatus     `json:"status"`
	PinnedManifest     string         `json:"pinned_manifest,omitempty"`
	InstallationLog    string         `json:"installation_log,omitempty"`
	Enabled            bool           `json:"enabled"`
	RunCount           int64          `json:"run_count"`
	FavouritedCount    int64          `json:"favourited_count"`
	Tags               []string       `json:"tags,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// HasSandbox reports whether the tool declares a dependency sandbox.
func (t *Tool) HasSandbox() bool { return len(t.SandboxSpec) > 0 }

// Run is one execution of a tool with a resolved parameter bundle.
type Run struct {
	ID                uuid.UUID      `json:"id"`
	ToolID            uuid.UUID      `json:"tool_id"`
	OwnerID           uuid.UUID      `json:"owner_id"`
	Name              string         `json:"name,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	Params            map[string]any `json:"params"`
	InputFileIDs      []uuid.UUID    `json:"input_file_ids,omitempty"`
	Command           string         `json:"command"`
	PinnedManifest    string         `json:"pinned_manifest,omitempty"`
	Status            RunStatus      `json:"status"`
	Stdout            string         `json:"stdout,omitempty"`
	JobID             *uuid.UUID     `json:"job_id,omitempty"`
	EmailOnCompletion bool           `json:"email_on_completion"`
	Shared            bool           `json:"shared"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
}

// File is metadata for a blob in the storage directory. Files produced by a
// run start with Saved=false and are deleted with the run unless the user
// marks them saved, in which case run deletion detaches them instead.
type File struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	FileType  string     `json:"file_type"`
	Size      int64      `json:"size"`
	Location  string     `json:"location"` // absolute path of the blob
	OwnerID   uuid.UUID  `json:"owner_id"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Saved     bool       `json:"saved"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"` // file group membership
	Tags      []string   `json:"tags,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// User is the minimal identity surface the core needs: ownership checks and
// storage quotas. Authentication lives outside the core.
type User struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	IsAdmin    bool      `json:"is_admin"`
	MaxStorage int64     `json:"max_storage"` // bytes
	MaxFiles   int64     `json:"max_files"`
	CreatedAt  time.Time `json:"created_at"`
}

// Principal is the caller identity attached to every core operation.
// The API layer authenticates; the core trusts this and checks ownership.
type Principal struct {
	UserID  uuid.UUID
	IsAdmin bool
}

// JobKind discriminates queue envelopes.
type JobKind string

const (
	JobRun       JobKind = "run"
	JobSandboxOp JobKind = "sandbox_op"
)

// Sandbox operations carried by sandbox_op jobs.
const (
	SandboxOpInstall   = "install"
	SandboxOpUninstall = "uninstall"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobClaimed JobStatus = "claimed"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a queue envelope. It carries only identifiers; all heavy state is
// reachable through the subject id.
type Job struct {
	ID        uuid.UUID  `json:"id"`
	Kind      JobKind    `json:"kind"`
	SubjectID uuid.UUID  `json:"subject_id"` // run id or tool id
	Op        string     `json:"op,omitempty"`
	Command   string     `json:"command,omitempty"`
	Status    JobStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy string     `json:"claimed_by,omitempty"`
}

// GenNewID returns a time-ordered UUID for new rows.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
