// Package sandbox manages per-tool conda dependency environments. Install
// and uninstall run as queued jobs; the run supervisor only ever reads an
// installed environment through its activation preamble.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Env drives one conda environment at a fixed path. The environment spec is
// the tool's sandbox_spec mapping (channels + dependencies) serialised to a
// manifest YAML, with {{version}} expanded when the tool is versioned.
type Env struct {
	Path     string
	Spec     map[string]any
	Version  string
	MambaBin string // environment creation, defaults to "mamba"
	CondaBin string // remove and export, defaults to "conda"
	// Activator is the conda activate script sourced by the preamble,
	// e.g. /opt/conda/bin/activate.
	Activator string
}

func (e *Env) mamba() string {
	if e.MambaBin != "" {
		return e.MambaBin
	}
	return "mamba"
}

func (e *Env) conda() string {
	if e.CondaBin != "" {
		return e.CondaBin
	}
	return "conda"
}

// ActivationPreamble is the shell fragment prepended to a run's command,
// joined by &&. The path never contains quotes: it is built from a uuid
// under a configured root.
func (e *Env) ActivationPreamble() string {
	return fmt.Sprintf("source %s '%s'", e.Activator, e.Path)
}

// ManifestYAML renders the environment spec to manifest text with the
// version macro expanded.
func (e *Env) ManifestYAML() (string, error) {
	out, err := yaml.Marshal(e.Spec)
	if err != nil {
		return "", fmt.Errorf("marshal sandbox spec: %w", err)
	}
	return e.expandVersion(string(out)), nil
}

func (e *Env) expandVersion(s string) string {
	if e.Version == "" {
		return s
	}
	s = strings.ReplaceAll(s, "{{version}}", e.Version)
	return strings.ReplaceAll(s, "{{ version }}", e.Version)
}

// Exists reports whether the environment directory is on disk.
func (e *Env) Exists() bool {
	_, err := os.Stat(e.Path)
	return err == nil
}

// Create materialises the environment: write the manifest to a temp file,
// run the packaging tool, then the optional post-install command inside the
// activated environment. Returns the combined output of both steps. On any
// failure the partial environment is removed.
func (e *Env) Create(ctx context.Context, postInstall string) (string, error) {
	manifest, err := e.ManifestYAML()
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "sandbox-*.yaml")
	if err != nil {
		return "", fmt.Errorf("manifest temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(manifest); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write manifest: %w", err)
	}
	tmp.Close()

	if err := os.MkdirAll(filepath.Dir(e.Path), 0o755); err != nil {
		return "", fmt.Errorf("env root: %w", err)
	}

	createCmd := fmt.Sprintf("%s env create --yes --quiet -f %s -p '%s'", e.mamba(), tmp.Name(), e.Path)
	out, err := runShell(ctx, createCmd, "")
	if err != nil {
		e.removeBestEffort(ctx)
		return out, fmt.Errorf("environment creation failed: %w", err)
	}

	if postInstall != "" {
		cmd := e.ActivationPreamble() + "; " + e.expandVersion(postInstall)
		postOut, err := runShell(ctx, cmd, e.Path)
		out += "\n--- POST INSTALL ---\n" + postOut
		if err != nil {
			e.removeBestEffort(ctx)
			return out, fmt.Errorf("post install failed: %w", err)
		}
	}
	return out, nil
}

// Remove deletes the environment.
func (e *Env) Remove(ctx context.Context) (string, error) {
	if !e.Exists() {
		return "", fmt.Errorf("environment %s does not exist", e.Path)
	}
	cmd := fmt.Sprintf("%s env remove --yes -p '%s'", e.conda(), e.Path)
	out, err := runShell(ctx, cmd, "")
	if err != nil {
		return out, fmt.Errorf("environment removal failed: %w", err)
	}
	return out, nil
}

func (e *Env) removeBestEffort(ctx context.Context) {
	if e.Exists() {
		os.RemoveAll(e.Path)
	}
}

// Pin exports the resolved environment as a manifest snapshot for
// provenance.
func (e *Env) Pin(ctx context.Context) (string, error) {
	if !e.Exists() {
		return "", fmt.Errorf("environment %s does not exist", e.Path)
	}
	cmd := fmt.Sprintf("%s env export -p '%s' --no-builds", e.conda(), e.Path)
	out, err := runShell(ctx, cmd, "")
	if err != nil {
		return out, fmt.Errorf("environment export failed: %w", err)
	}
	return out, nil
}

// runShell executes a command via bash with stdout and stderr merged,
// returning the trimmed combined output.
func runShell(ctx context.Context, command, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "/bin/bash", "-c", command)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return strings.TrimSpace(buf.String()), err
}
