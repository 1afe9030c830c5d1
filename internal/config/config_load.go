package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPS: 50,
		},
		Storage: StorageConfig{
			Dir:    "~/.toolforge/files",
			TmpDir: "~/.toolforge/tmp",
		},
		Runner: RunnerConfig{
			Workers:         2,
			PollIntervalSec: 1,
			GraceSec:        3,
		},
		Sandbox: SandboxConfig{
			EnvRoot:   "~/.toolforge/envs",
			Activator: "/opt/conda/etc/profile.d/conda.sh",
			MambaBin:  "mamba",
			CondaBin:  "conda",
		},
		Janitor: JanitorConfig{
			Schedule: "0 * * * *",
		},
		SMTP: SMTPConfig{
			Port: 587,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("TOOLFORGE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TOOLFORGE_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("TOOLFORGE_HOST", &c.Gateway.Host)
	if v := os.Getenv("TOOLFORGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("TOOLFORGE_STORAGE_DIR", &c.Storage.Dir)
	envStr("TOOLFORGE_TMP_DIR", &c.Storage.TmpDir)

	if v := os.Getenv("TOOLFORGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Runner.Workers = n
		}
	}

	envStr("TOOLFORGE_CONDA_ENV_ROOT", &c.Sandbox.EnvRoot)
	envStr("TOOLFORGE_CONDA_ACTIVATOR", &c.Sandbox.Activator)
	envStr("TOOLFORGE_MAMBA_BIN", &c.Sandbox.MambaBin)
	envStr("TOOLFORGE_CONDA_BIN", &c.Sandbox.CondaBin)

	envStr("TOOLFORGE_JANITOR_SCHEDULE", &c.Janitor.Schedule)

	envStr("TOOLFORGE_SMTP_HOST", &c.SMTP.Host)
	envStr("TOOLFORGE_SMTP_FROM", &c.SMTP.From)
	envStr("TOOLFORGE_SMTP_USERNAME", &c.SMTP.Username)
	envStr("TOOLFORGE_SMTP_PASSWORD", &c.SMTP.Password)
	if v := os.Getenv("TOOLFORGE_SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.SMTP.Port = port
		}
	}
}

func (c *Config) expandPaths() {
	c.Storage.Dir = ExpandHome(c.Storage.Dir)
	c.Storage.TmpDir = ExpandHome(c.Storage.TmpDir)
	c.Sandbox.EnvRoot = ExpandHome(c.Sandbox.EnvRoot)
	c.Sandbox.Activator = ExpandHome(c.Sandbox.Activator)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
