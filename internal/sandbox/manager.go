package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/bus"
	"github.com/forgelab/toolforge/internal/queue"
	"github.com/forgelab/toolforge/internal/store"
	"github.com/forgelab/toolforge/pkg/protocol"
)

// Config locates the conda installation and the per-tool environment root.
type Config struct {
	EnvRoot   string // environments live at <EnvRoot>/<tool_id>
	Activator string // e.g. /opt/conda/bin/activate
	MambaBin  string
	CondaBin  string
}

// Manager runs sandbox install/uninstall jobs and requests them. The status
// gate at request time guarantees at most one operation per tool in flight:
// only an uninstalled/failed tool can move to installing, only an installed
// one to uninstalling.
type Manager struct {
	cfg   Config
	tools store.ToolStore
	queue *queue.Queue
	bus   *bus.Bus
}

func NewManager(cfg Config, tools store.ToolStore, q *queue.Queue, b *bus.Bus) *Manager {
	return &Manager{cfg: cfg, tools: tools, queue: q, bus: b}
}

// EnvFor builds the environment handle for a tool.
func (m *Manager) EnvFor(tool *store.Tool) *Env {
	return &Env{
		Path:      filepath.Join(m.cfg.EnvRoot, tool.ID.String()),
		Spec:      tool.SandboxSpec,
		Version:   tool.Version,
		MambaBin:  m.cfg.MambaBin,
		CondaBin:  m.cfg.CondaBin,
		Activator: m.cfg.Activator,
	}
}

// ActivationPreamble returns the shell fragment that activates a tool's
// installed sandbox, or "" when the tool runs on the host.
func (m *Manager) ActivationPreamble(tool *store.Tool) string {
	if !tool.HasSandbox() {
		return ""
	}
	return m.EnvFor(tool).ActivationPreamble()
}

// RequestInstall gates the status transition and enqueues the install job.
func (m *Manager) RequestInstall(ctx context.Context, p store.Principal, toolID uuid.UUID) error {
	if !p.IsAdmin {
		return store.ErrForbidden
	}
	tool, err := m.tools.Get(ctx, toolID)
	if err != nil {
		return err
	}
	if !tool.HasSandbox() {
		// Nothing to materialise; the tool is runnable as soon as it is
		// marked installed.
		_, err := m.tools.TransitionStatus(ctx, toolID,
			[]store.ToolStatus{store.ToolUninstalled, store.ToolFailed}, store.ToolInstalled)
		return err
	}
	ok, err := m.tools.TransitionStatus(ctx, toolID,
		[]store.ToolStatus{store.ToolUninstalled, store.ToolFailed}, store.ToolInstalling)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tool %s cannot be installed from its current status: %w", tool.Name, store.ErrToolNotReady)
	}
	m.publishStatus(toolID, store.ToolInstalling)
	return m.queue.Enqueue(ctx, &store.Job{
		Kind:      store.JobSandboxOp,
		SubjectID: toolID,
		Op:        store.SandboxOpInstall,
	})
}

// RequestUninstall gates the status transition and enqueues the uninstall job.
func (m *Manager) RequestUninstall(ctx context.Context, p store.Principal, toolID uuid.UUID) error {
	if !p.IsAdmin {
		return store.ErrForbidden
	}
	tool, err := m.tools.Get(ctx, toolID)
	if err != nil {
		return err
	}
	if !tool.HasSandbox() {
		_, err := m.tools.TransitionStatus(ctx, toolID,
			[]store.ToolStatus{store.ToolInstalled}, store.ToolUninstalled)
		return err
	}
	ok, err := m.tools.TransitionStatus(ctx, toolID,
		[]store.ToolStatus{store.ToolInstalled, store.ToolFailed}, store.ToolUninstalling)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tool %s cannot be uninstalled from its current status: %w", tool.Name, store.ErrToolNotReady)
	}
	m.publishStatus(toolID, store.ToolUninstalling)
	return m.queue.Enqueue(ctx, &store.Job{
		Kind:      store.JobSandboxOp,
		SubjectID: toolID,
		Op:        store.SandboxOpUninstall,
	})
}

// HandleJob is the queue handler for sandbox_op jobs.
func (m *Manager) HandleJob(ctx context.Context, job *store.Job) error {
	tool, err := m.tools.Get(ctx, job.SubjectID)
	if err != nil {
		return fmt.Errorf("load tool: %w", err)
	}
	switch job.Op {
	case store.SandboxOpInstall:
		return m.install(ctx, tool)
	case store.SandboxOpUninstall:
		return m.uninstall(ctx, tool)
	default:
		return fmt.Errorf("unknown sandbox op %q", job.Op)
	}
}

func (m *Manager) install(ctx context.Context, tool *store.Tool) error {
	if tool.Status != store.ToolInstalling {
		slog.Warn("install job for tool not in installing state", "tool", tool.ID, "status", tool.Status)
		return nil
	}
	env := m.EnvFor(tool)
	slog.Info("installing sandbox", "tool", tool.ID, "name", tool.Name, "path", env.Path)

	out, err := env.Create(ctx, tool.PostInstallCommand)
	if err != nil {
		slog.Error("sandbox install failed", "tool", tool.ID, "error", err)
		log := out + "\n\n" + err.Error()
		if serr := m.tools.SetInstallResult(ctx, tool.ID, store.ToolFailed, log, ""); serr != nil {
			return serr
		}
		m.publishStatus(tool.ID, store.ToolFailed)
		return nil
	}

	pinned, err := env.Pin(ctx)
	if err != nil {
		slog.Error("sandbox pin failed", "tool", tool.ID, "error", err)
		env.removeBestEffort(ctx)
		log := out + "\n\n" + err.Error()
		if serr := m.tools.SetInstallResult(ctx, tool.ID, store.ToolFailed, log, ""); serr != nil {
			return serr
		}
		m.publishStatus(tool.ID, store.ToolFailed)
		return nil
	}

	if err := m.tools.SetInstallResult(ctx, tool.ID, store.ToolInstalled, out, pinned); err != nil {
		return err
	}
	m.publishStatus(tool.ID, store.ToolInstalled)
	slog.Info("sandbox installed", "tool", tool.ID, "name", tool.Name)
	return nil
}

func (m *Manager) uninstall(ctx context.Context, tool *store.Tool) error {
	if tool.Status != store.ToolUninstalling {
		slog.Warn("uninstall job for tool not in uninstalling state", "tool", tool.ID, "status", tool.Status)
		return nil
	}
	env := m.EnvFor(tool)
	slog.Info("removing sandbox", "tool", tool.ID, "name", tool.Name, "path", env.Path)

	if env.Exists() {
		if out, err := env.Remove(ctx); err != nil {
			slog.Error("sandbox removal failed", "tool", tool.ID, "error", err)
			if serr := m.tools.SetInstallResult(ctx, tool.ID, store.ToolFailed, out+"\n\n"+err.Error(), ""); serr != nil {
				return serr
			}
			m.publishStatus(tool.ID, store.ToolFailed)
			return nil
		}
	}

	if err := m.tools.SetInstallResult(ctx, tool.ID, store.ToolUninstalled, "", ""); err != nil {
		return err
	}
	m.publishStatus(tool.ID, store.ToolUninstalled)
	slog.Info("sandbox removed", "tool", tool.ID, "name", tool.Name)
	return nil
}

func (m *Manager) publishStatus(toolID uuid.UUID, status store.ToolStatus) {
	if m.bus == nil {
		return
	}
	msg, _ := json.Marshal(protocol.ToolEvent{Status: string(status), ToolID: toolID.String()})
	m.bus.Publish(protocol.TopicStream, string(msg))
}
