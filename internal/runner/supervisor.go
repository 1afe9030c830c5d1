// Package runner supervises run execution: working directory setup, child
// process lifecycle, live log streaming, cancellation and target capture.
// One queue worker owns one run end-to-end.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forgelab/toolforge/internal/bus"
	"github.com/forgelab/toolforge/internal/files"
	"github.com/forgelab/toolforge/internal/mailer"
	"github.com/forgelab/toolforge/internal/render"
	"github.com/forgelab/toolforge/internal/sandbox"
	"github.com/forgelab/toolforge/internal/store"
	"github.com/forgelab/toolforge/pkg/protocol"
)

// Supervisor executes run jobs. Within one run, the log pump and the
// cancellation poll cooperate under a single errgroup scope; the scope ends
// when the child exits.
type Supervisor struct {
	stores  *store.Stores
	files   *files.Service
	bus     *bus.Bus
	sandbox *sandbox.Manager
	mailer  mailer.Mailer

	// TmpRoot is where per-run working directories are created.
	TmpRoot string
	// PollInterval is how often the run's status is re-read for
	// cancellation, default 1s.
	PollInterval time.Duration
	// Grace is how long a SIGTERMed process group gets before SIGKILL,
	// default 3s.
	Grace time.Duration
}

func NewSupervisor(stores *store.Stores, fileSvc *files.Service, b *bus.Bus, sb *sandbox.Manager, m mailer.Mailer, tmpRoot string) *Supervisor {
	if m == nil {
		m = mailer.Disabled{}
	}
	return &Supervisor{
		stores:       stores,
		files:        fileSvc,
		bus:          b,
		sandbox:      sb,
		mailer:       m,
		TmpRoot:      tmpRoot,
		PollInterval: time.Second,
		Grace:        3 * time.Second,
	}
}

// HandleJob is the queue handler for run jobs.
func (s *Supervisor) HandleJob(ctx context.Context, job *store.Job) error {
	run, err := s.stores.Runs.Get(ctx, job.SubjectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("run job for missing run", "run", job.SubjectID)
			return nil
		}
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status != store.RunPending {
		// Cancelled before dispatch, or a stale job. Acknowledge quietly.
		slog.Info("skipping run not in pending state", "run", run.ID, "status", run.Status)
		return nil
	}
	return s.execute(ctx, run)
}

func (s *Supervisor) execute(ctx context.Context, run *store.Run) error {
	claimed, err := s.stores.Runs.ClaimRunning(ctx, run.ID, time.Now())
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if !claimed {
		return nil
	}
	s.publishStatus(run.ID, store.RunRunning)
	slog.Info("run started", "run", run.ID, "tool", run.ToolID)

	tool, err := s.stores.Tools.Get(ctx, run.ToolID)
	if err != nil {
		return s.fail(ctx, run.ID, fmt.Sprintf("Tool could not be loaded: %v", err))
	}
	if run.PinnedManifest == "" && tool.PinnedManifest != "" {
		s.stores.Runs.SetPinnedManifest(ctx, run.ID, tool.PinnedManifest)
	}
	if tool.HasSandbox() && tool.Status != store.ToolInstalled {
		return s.fail(ctx, run.ID, "Tool environment is not available.")
	}

	// The working directory must be new: a leftover directory means a
	// previous supervisor for this run died uncleanly.
	workdir := filepath.Join(s.TmpRoot, run.ID.String())
	if err := os.MkdirAll(s.TmpRoot, 0o755); err != nil {
		return s.fail(ctx, run.ID, fmt.Sprintf("Could not prepare working directory: %v", err))
	}
	if err := os.Mkdir(workdir, 0o755); err != nil {
		return s.fail(ctx, run.ID, fmt.Sprintf("Could not create working directory: %v", err))
	}
	defer os.RemoveAll(workdir)

	if err := s.stageInputs(ctx, run, workdir); err != nil {
		return s.fail(ctx, run.ID, fmt.Sprintf("Input staging failed: %v", err))
	}
	if err := s.writeSetupFiles(run, tool, workdir); err != nil {
		return s.fail(ctx, run.ID, fmt.Sprintf("Setup file staging failed: %v", err))
	}

	composite := s.composeCommand(tool, run.Command)
	outcome, err := s.supervise(ctx, run.ID, workdir, composite)
	if err != nil {
		return s.fail(ctx, run.ID, fmt.Sprintf("Run supervision failed: %v", err))
	}

	if outcome.cancelled {
		s.finish(ctx, run, tool, store.RunCancelled)
		return nil
	}
	if outcome.exitCode != 0 {
		return s.fail(ctx, run.ID, fmt.Sprintf("Command exited with status %d.", outcome.exitCode))
	}

	if missing := s.captureTargets(ctx, run, tool, workdir); len(missing) > 0 {
		return s.fail(ctx, run.ID, strings.Join(missing, "\n"))
	}

	s.finish(ctx, run, tool, store.RunCompleted)
	return nil
}

// stageInputs symlinks each referenced blob into the working directory under
// its stored basename.
func (s *Supervisor) stageInputs(ctx context.Context, run *store.Run, workdir string) error {
	for _, id := range run.InputFileIDs {
		file, err := s.stores.Files.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("input file %s: %w", id, err)
		}
		link := filepath.Join(workdir, file.Name)
		if err := os.Symlink(file.Location, link); err != nil {
			return fmt.Errorf("symlink %s: %w", file.Name, err)
		}
	}
	return nil
}

// writeSetupFiles renders each setup file with the run's params. A name that
// collides with a staged input is an error, not an overwrite.
func (s *Supervisor) writeSetupFiles(run *store.Run, tool *store.Tool, workdir string) error {
	for _, sf := range tool.SetupFiles {
		path := filepath.Join(workdir, sf.Name)
		if _, err := os.Lstat(path); err == nil {
			return fmt.Errorf("setup file %q collides with a staged input", sf.Name)
		}
		content := render.Render(sf.ContentTemplate, run.Params)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write setup file %q: %w", sf.Name, err)
		}
	}
	return nil
}

// composeCommand prepends the sandbox activation preamble and the strict
// shell prologue.
func (s *Supervisor) composeCommand(tool *store.Tool, command string) string {
	parts := []string{}
	if s.sandbox != nil {
		if preamble := s.sandbox.ActivationPreamble(tool); preamble != "" {
			parts = append(parts, preamble)
		}
	}
	parts = append(parts, command)
	return "set -euo pipefail; " + strings.Join(parts, " && ")
}

// outcome is the result of one supervised child.
type outcome struct {
	exitCode  int
	cancelled bool
}

// supervise spawns the composite command in a new process group and runs the
// log pump and the cancellation poll until the child exits. An error return
// means supervision itself broke (pipe or database trouble), not that the
// child failed.
func (s *Supervisor) supervise(ctx context.Context, runID uuid.UUID, workdir, composite string) (*outcome, error) {
	cmd := exec.Command("/bin/bash", "-c", composite)
	cmd.Dir = workdir
	cmd.Env = minimalEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}
	pgid := cmd.Process.Pid
	slog.Debug("child started", "run", runID, "pgid", pgid)

	var cancelled atomic.Bool
	var waitErr error
	childDone := make(chan struct{})

	g := &errgroup.Group{}
	g.Go(func() error {
		defer close(childDone)
		pumpErr := s.pumpLogs(ctx, runID, pipe)
		// Wait must follow the pump: closing the pipe early would truncate
		// output the child is still producing.
		waitErr = cmd.Wait()
		return pumpErr
	})
	g.Go(func() error {
		return s.pollCancellation(ctx, runID, pgid, childDone, &cancelled)
	})

	if err := g.Wait(); err != nil {
		// Supervision broke mid-flight: take the group down before
		// reporting the run failed.
		killGroup(pgid, syscall.SIGTERM)
		cmd.Wait()
		return nil, err
	}

	out := &outcome{}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait: %w", waitErr)
		}
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM && cancelled.Load() {
			out.cancelled = true
		}
		out.exitCode = exitErr.ExitCode()
	}

	// An external cancel can land between the child's clean exit and here;
	// the database write is authoritative either way.
	if !out.cancelled && cancelled.Load() {
		out.cancelled = true
	}
	return out, nil
}

// pumpLogs reads the merged output pipe line by line, appending each line to
// the run's stdout column and publishing it on the run's topic.
func (s *Supervisor) pumpLogs(ctx context.Context, runID uuid.UUID, pipe io.Reader) error {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if err := s.stores.Runs.AppendStdout(ctx, runID, line+"\n"); err != nil {
			return fmt.Errorf("append stdout: %w", err)
		}
		s.publishLog(runID, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read child output: %w", err)
	}
	return nil
}

// pollCancellation re-reads the run's status once per interval. On observing
// an external cancel it SIGTERMs the process group, waits out the grace
// period, then SIGKILLs whatever survived.
func (s *Supervisor) pollCancellation(ctx context.Context, runID uuid.UUID, pgid int, childDone <-chan struct{}, cancelled *atomic.Bool) error {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-childDone:
			return nil
		case <-ctx.Done():
			// Shutdown: bring the child down so it does not outlive its
			// supervisor.
			killGroup(pgid, syscall.SIGTERM)
			return nil
		case <-ticker.C:
			status, err := s.stores.Runs.GetStatus(ctx, runID)
			if err != nil {
				return fmt.Errorf("poll status: %w", err)
			}
			if status != store.RunCancelled {
				continue
			}
			cancelled.Store(true)
			slog.Info("cancellation observed, terminating process group", "run", runID, "pgid", pgid)
			killGroup(pgid, syscall.SIGTERM)
			select {
			case <-childDone:
			case <-time.After(s.Grace):
				slog.Warn("grace period expired, killing process group", "run", runID, "pgid", pgid)
				killGroup(pgid, syscall.SIGKILL)
			}
			return nil
		}
	}
}

func killGroup(pgid int, sig syscall.Signal) {
	// Negative pid addresses the whole group.
	syscall.Kill(-pgid, sig)
}

// captureTargets renders each target path, registers the present ones as
// run-owned files and returns diagnostics for every missing required target.
func (s *Supervisor) captureTargets(ctx context.Context, run *store.Run, tool *store.Tool, workdir string) []string {
	var missing []string
	for _, target := range tool.Targets {
		rel := render.Render(target.PathTemplate, run.Params)
		path := filepath.Join(workdir, filepath.Clean("/"+rel))
		if _, err := os.Stat(path); err != nil {
			if target.Required {
				missing = append(missing, fmt.Sprintf("Target file '%s' does not exist!", rel))
			}
			continue
		}
		if _, err := s.files.CaptureTarget(ctx, run, path, target.Kind); err != nil {
			slog.Error("target capture failed", "run", run.ID, "target", rel, "error", err)
			missing = append(missing, fmt.Sprintf("Target file '%s' could not be captured: %v", rel, err))
		}
	}
	return missing
}

// fail appends a framework diagnostic after a blank line and moves the run
// to failed, unless an external cancel already made it terminal.
func (s *Supervisor) fail(ctx context.Context, runID uuid.UUID, diagnostic string) error {
	s.appendDiagnostic(ctx, runID, diagnostic)
	moved, err := s.stores.Runs.Finish(ctx, runID, store.RunFailed, time.Now())
	if err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	if !moved {
		// Lost the race against an external cancel; stamp finished_at.
		s.stores.Runs.Finish(ctx, runID, store.RunCancelled, time.Now())
		s.publishStatus(runID, store.RunCancelled)
		return nil
	}
	s.publishStatus(runID, store.RunFailed)
	slog.Info("run failed", "run", runID, "diagnostic", diagnostic)
	s.notify(ctx, runID)
	return nil
}

// finish moves the run to its terminal status, emits the status event after
// the database write, and sends the completion email if requested.
func (s *Supervisor) finish(ctx context.Context, run *store.Run, tool *store.Tool, status store.RunStatus) {
	if _, err := s.stores.Runs.Finish(ctx, run.ID, status, time.Now()); err != nil {
		slog.Error("finalising run failed", "run", run.ID, "status", status, "error", err)
		return
	}
	s.publishStatus(run.ID, status)
	slog.Info("run finished", "run", run.ID, "tool", tool.Name, "status", status)
	s.notify(ctx, run.ID)
}

func (s *Supervisor) appendDiagnostic(ctx context.Context, runID uuid.UUID, text string) {
	if err := s.stores.Runs.AppendStdout(ctx, runID, "\n"+text+"\n"); err != nil {
		slog.Error("appending diagnostic failed", "run", runID, "error", err)
	}
	for _, line := range strings.Split(text, "\n") {
		s.publishLog(runID, line)
	}
}

func (s *Supervisor) publishLog(runID uuid.UUID, line string) {
	msg, _ := json.Marshal(protocol.LogEvent{Log: line})
	s.bus.Publish(runID.String(), string(msg))
}

func (s *Supervisor) publishStatus(runID uuid.UUID, status store.RunStatus) {
	msg, _ := json.Marshal(protocol.StatusEvent{Status: string(status), RunID: runID.String()})
	s.bus.Publish(runID.String(), string(msg))
	s.bus.Publish(protocol.TopicStream, string(msg))
}

// notify sends the completion email when the run asked for one.
func (s *Supervisor) notify(ctx context.Context, runID uuid.UUID) {
	run, err := s.stores.Runs.Get(ctx, runID)
	if err != nil || !run.EmailOnCompletion {
		return
	}
	user, err := s.stores.Users.Get(ctx, run.OwnerID)
	if err != nil {
		return
	}
	tool, err := s.stores.Tools.Get(ctx, run.ToolID)
	toolName := "tool"
	if err == nil {
		toolName = tool.Name
	}
	subject := fmt.Sprintf("toolforge - %s %s", toolName, run.Status)
	body := fmt.Sprintf("Your run of %s finished with status %s.\nRun id: %s\n", toolName, run.Status, run.ID)
	if err := s.mailer.Send(user.Email, subject, body); err != nil {
		slog.Warn("completion email failed", "run", runID, "error", err)
	}
}

// minimalEnv gives the child a deliberately small environment: path lookup
// and a home directory, nothing inherited from the service process.
func minimalEnv() []string {
	env := []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	if lang := os.Getenv("LANG"); lang != "" {
		env = append(env, "LANG="+lang)
	}
	return env
}
