// Package config holds the service configuration: a JSON5 file with
// defaults, overlaid by TOOLFORGE_* environment variables. Secrets (the
// Postgres DSN, the gateway token, the SMTP password) are never read from
// the file.
package config

// Config is the root configuration for the toolforge service.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Database DatabaseConfig `json:"database,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Runner   RunnerConfig   `json:"runner"`
	Sandbox  SandboxConfig  `json:"sandbox"`
	Janitor  JanitorConfig  `json:"janitor"`
	SMTP     SMTPConfig     `json:"smtp,omitempty"`
}

// GatewayConfig configures the HTTP/WebSocket surface.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Token guards the gateway. Empty means open (dev mode).
	// From env TOOLFORGE_GATEWAY_TOKEN only.
	Token string `json:"-"`
	// RateLimitRPS caps events delivered per websocket client per second.
	// 0 disables limiting.
	RateLimitRPS float64 `json:"rate_limit_rps,omitempty"`
}

// DatabaseConfig configures Postgres.
// PostgresDSN is never read from the config file, only from env
// TOOLFORGE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// StorageConfig locates the blob store and the per-run scratch space.
type StorageConfig struct {
	// Dir is the flat blob directory for uploaded and captured files.
	Dir string `json:"dir"`
	// TmpDir is where per-run working directories are created.
	TmpDir string `json:"tmp_dir"`
}

// RunnerConfig tunes the run supervisor pool.
type RunnerConfig struct {
	// Workers is the queue worker count; each worker owns one run or
	// sandbox operation at a time.
	Workers int `json:"workers"`
	// PollIntervalSec is the cancellation poll and queue poll interval.
	PollIntervalSec int `json:"poll_interval_sec"`
	// GraceSec is the SIGTERM-to-SIGKILL window for cancelled runs.
	GraceSec int `json:"grace_sec"`
}

// SandboxConfig locates the conda/mamba toolchain.
type SandboxConfig struct {
	// EnvRoot is the directory that holds one conda env per tool id.
	EnvRoot string `json:"env_root"`
	// Activator is the conda.sh/profile script sourced before activation.
	Activator string `json:"activator"`
	MambaBin  string `json:"mamba_bin,omitempty"`
	CondaBin  string `json:"conda_bin,omitempty"`
}

// JanitorConfig schedules the orphan sweeper.
type JanitorConfig struct {
	// Schedule is a cron expression; empty disables the janitor.
	Schedule string `json:"schedule,omitempty"`
}

// SMTPConfig configures completion-email delivery. An empty host disables
// mail entirely. Password from env TOOLFORGE_SMTP_PASSWORD only.
type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	From     string `json:"from,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}
