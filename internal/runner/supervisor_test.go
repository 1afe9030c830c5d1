package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/bus"
	"github.com/forgelab/toolforge/internal/files"
	"github.com/forgelab/toolforge/internal/mailer"
	"github.com/forgelab/toolforge/internal/store"
	"github.com/forgelab/toolforge/internal/store/memory"
)

type testEnv struct {
	stores *store.Stores
	files  *files.Service
	bus    *bus.Bus
	sup    *Supervisor
	user   *store.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stores := memory.NewStores()
	b := bus.New()
	fileSvc := files.NewService(stores.Files, stores.Users, t.TempDir())
	sup := NewSupervisor(stores, fileSvc, b, nil, mailer.Disabled{}, t.TempDir())
	sup.PollInterval = 50 * time.Millisecond
	sup.Grace = 2 * time.Second

	user := &store.User{
		ID:         store.GenNewID(),
		Email:      "owner@example.org",
		MaxStorage: 1 << 30,
		MaxFiles:   100,
	}
	if err := stores.Users.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &testEnv{stores: stores, files: fileSvc, bus: b, sup: sup, user: user}
}

func (e *testEnv) createTool(t *testing.T, command string, targets []store.TargetSpec) *store.Tool {
	t.Helper()
	tool := &store.Tool{
		ID:              store.GenNewID(),
		Name:            "tool-" + store.GenNewID().String()[:8],
		CommandTemplate: command,
		Targets:         targets,
		Status:          store.ToolInstalled,
		Enabled:         true,
	}
	if err := e.stores.Tools.Create(context.Background(), tool); err != nil {
		t.Fatalf("create tool: %v", err)
	}
	return tool
}

func (e *testEnv) createRun(t *testing.T, tool *store.Tool, command string) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:      store.GenNewID(),
		ToolID:  tool.ID,
		OwnerID: e.user.ID,
		Command: command,
		Status:  store.RunPending,
	}
	if err := e.stores.Runs.Create(context.Background(), run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (e *testEnv) handle(t *testing.T, run *store.Run) {
	t.Helper()
	job := &store.Job{ID: store.GenNewID(), Kind: store.JobRun, SubjectID: run.ID}
	if err := e.sup.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("handle job: %v", err)
	}
}

func TestHappyPathCapturesTarget(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "echo {{msg}} > out.txt",
		[]store.TargetSpec{{PathTemplate: "out.txt", Kind: "text", Required: true}})
	run := e.createRun(t, tool, "echo 'hello_world' > out.txt")

	e.handle(t, run)

	got, err := e.stores.Runs.Get(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed (stdout: %q)", got.Status, got.Stdout)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("started_at and finished_at must both be set on a completed run")
	}

	attached, err := e.stores.Files.ListByRun(context.Background(), run.ID)
	if err != nil || len(attached) != 1 {
		t.Fatalf("attached files = %v, err = %v, want exactly one", attached, err)
	}
	f := attached[0]
	if f.Name != "out.txt" || f.Saved {
		t.Errorf("file = %+v, want unsaved out.txt", f)
	}
	data, err := os.ReadFile(f.Location)
	if err != nil || string(data) != "hello_world\n" {
		t.Errorf("blob content = %q, %v, want hello_world\\n", data, err)
	}

	if _, err := os.Stat(filepath.Join(e.sup.TmpRoot, run.ID.String())); !os.IsNotExist(err) {
		t.Error("working directory not removed")
	}
}

func TestChildOutputStreamsToStdoutColumn(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "", nil)
	run := e.createRun(t, tool, "echo first; echo second 1>&2; echo third")

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	for _, want := range []string{"first\n", "second\n", "third\n"} {
		if !strings.Contains(got.Stdout, want) {
			t.Errorf("stdout missing %q: %q", want, got.Stdout)
		}
	}
	// Lines must appear in emission order.
	if strings.Index(got.Stdout, "first") > strings.Index(got.Stdout, "third") {
		t.Errorf("stdout out of order: %q", got.Stdout)
	}
}

func TestCancelMidFlightTerminatesProcessGroup(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "sleep {{n}}", nil)
	run := e.createRun(t, tool, "sleep 60")

	done := make(chan struct{})
	go func() {
		defer close(done)
		job := &store.Job{ID: store.GenNewID(), Kind: store.JobRun, SubjectID: run.ID}
		if err := e.sup.HandleJob(context.Background(), job); err != nil {
			t.Errorf("handle job: %v", err)
		}
	}()

	// Wait for the run to start, then request cancellation.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, _ := e.stores.Runs.GetStatus(context.Background(), run.ID)
		if status == store.RunRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never reached running")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := e.stores.Runs.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not finish after cancel")
	}

	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not stamped on cancelled run")
	}
	attached, _ := e.stores.Files.ListByRun(context.Background(), run.ID)
	if len(attached) != 0 {
		t.Errorf("cancelled run has %d attached files, want 0", len(attached))
	}
	if _, err := os.Stat(filepath.Join(e.sup.TmpRoot, run.ID.String())); !os.IsNotExist(err) {
		t.Error("working directory not removed after cancel")
	}
}

func TestMissingRequiredTargetFailsRun(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "true",
		[]store.TargetSpec{{PathTemplate: "missing.out", Kind: "text", Required: true}})
	run := e.createRun(t, tool, "true")

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Stdout, "Target file 'missing.out' does not exist!") {
		t.Errorf("stdout missing target diagnostic: %q", got.Stdout)
	}
}

func TestAllMissingTargetsReported(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "true", []store.TargetSpec{
		{PathTemplate: "a.out", Required: true},
		{PathTemplate: "b.out", Required: true},
		{PathTemplate: "c.out", Required: false},
	})
	run := e.createRun(t, tool, "true")

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	for _, want := range []string{"a.out", "b.out"} {
		if !strings.Contains(got.Stdout, "Target file '"+want+"' does not exist!") {
			t.Errorf("stdout missing diagnostic for %s: %q", want, got.Stdout)
		}
	}
	if strings.Contains(got.Stdout, "c.out") {
		t.Errorf("optional target should not be reported: %q", got.Stdout)
	}
}

func TestNonZeroExitFailsRun(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "exit 3", nil)
	run := e.createRun(t, tool, "exit 3")

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Stdout, "Command exited with status 3.") {
		t.Errorf("stdout missing exit diagnostic: %q", got.Stdout)
	}
}

func TestPipeFailureSurfacesThroughPipefail(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "false | cat", nil)
	run := e.createRun(t, tool, "false | cat")

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed (pipefail must surface)", got.Status)
	}
}

func TestInputFilesStagedBySymlink(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	p := store.Principal{UserID: e.user.ID}
	f, err := e.files.Upload(ctx, p, "reads.txt", 6, strings.NewReader("ACGT\nT"), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	tool := e.createTool(t, "cat {{reads}} > copy.txt",
		[]store.TargetSpec{{PathTemplate: "copy.txt", Kind: "text", Required: true}})
	run := &store.Run{
		ID:           store.GenNewID(),
		ToolID:       tool.ID,
		OwnerID:      e.user.ID,
		Command:      "cat 'reads.txt' > copy.txt",
		InputFileIDs: []uuid.UUID{f.ID},
		Status:       store.RunPending,
	}
	if err := e.stores.Runs.Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(ctx, run.ID)
	if got.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed (stdout: %q)", got.Status, got.Stdout)
	}
	attached, _ := e.stores.Files.ListByRun(ctx, run.ID)
	if len(attached) != 1 {
		t.Fatalf("attached = %d, want 1", len(attached))
	}
	data, _ := os.ReadFile(attached[0].Location)
	if string(data) != "ACGT\nT" {
		t.Errorf("captured content = %q, want staged input content", data)
	}
}

func TestSetupFileCollisionFailsRun(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	p := store.Principal{UserID: e.user.ID}
	f, err := e.files.Upload(ctx, p, "config.ini", 4, strings.NewReader("data"), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	tool := e.createTool(t, "true", nil)
	setup := []store.SetupFile{{Name: "config.ini", ContentTemplate: "rendered"}}
	if err := e.stores.Tools.Update(ctx, tool.ID, map[string]any{"setup_files": setup}); err != nil {
		t.Fatalf("update tool: %v", err)
	}

	run := &store.Run{
		ID:           store.GenNewID(),
		ToolID:       tool.ID,
		OwnerID:      e.user.ID,
		Command:      "true",
		InputFileIDs: []uuid.UUID{f.ID},
		Status:       store.RunPending,
	}
	if err := e.stores.Runs.Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(ctx, run.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed on collision", got.Status)
	}
	if !strings.Contains(got.Stdout, "collides") {
		t.Errorf("stdout missing collision diagnostic: %q", got.Stdout)
	}
}

func TestSetupFileRenderedWithRunParams(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	tool := e.createTool(t, "cat model.cfg > out.txt",
		[]store.TargetSpec{{PathTemplate: "out.txt", Kind: "text", Required: true}})
	setup := []store.SetupFile{{Name: "model.cfg", ContentTemplate: "model={{model}}\nsteps={{steps}}\n"}}
	if err := e.stores.Tools.Update(ctx, tool.ID, map[string]any{"setup_files": setup}); err != nil {
		t.Fatalf("update tool: %v", err)
	}

	run := &store.Run{
		ID:      store.GenNewID(),
		ToolID:  tool.ID,
		OwnerID: e.user.ID,
		Command: "cat model.cfg > out.txt",
		Params:  map[string]any{"model": "GTR", "steps": int64(1000)},
		Status:  store.RunPending,
	}
	if err := e.stores.Runs.Create(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(ctx, run.ID)
	if got.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed (stdout: %q)", got.Status, got.Stdout)
	}
	attached, _ := e.stores.Files.ListByRun(ctx, run.ID)
	if len(attached) != 1 {
		t.Fatalf("attached = %d, want 1", len(attached))
	}
	data, _ := os.ReadFile(attached[0].Location)
	if string(data) != "model=GTR\nsteps=1000\n" {
		t.Errorf("setup file content = %q", data)
	}
}

func TestSandboxNotReadyFailsRun(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "true", nil)
	if err := e.stores.Tools.Update(context.Background(), tool.ID,
		map[string]any{"sandbox_spec": map[string]any{"dependencies": []any{"iqtree"}}}); err != nil {
		t.Fatalf("update tool: %v", err)
	}
	e.stores.Tools.SetInstallResult(context.Background(), tool.ID, store.ToolFailed, "boom", "")

	run := e.createRun(t, tool, "true")
	e.handle(t, run)

	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Stdout, "Tool environment is not available.") {
		t.Errorf("stdout missing sandbox diagnostic: %q", got.Stdout)
	}
}

func TestNonPendingRunIsAcknowledgedUntouched(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "true", nil)
	run := e.createRun(t, tool, "true")
	if _, err := e.stores.Runs.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	e.handle(t, run)

	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunCancelled {
		t.Fatalf("status = %s, want cancelled to stay terminal", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("never-started run must not have started_at")
	}
}

func TestTerminalStatusIsAbsorbing(t *testing.T) {
	e := newTestEnv(t)
	tool := e.createTool(t, "true", nil)
	run := e.createRun(t, tool, "true")

	e.handle(t, run)

	if ok, _ := e.stores.Runs.Cancel(context.Background(), run.ID); ok {
		t.Error("cancel succeeded on a completed run")
	}
	if ok, _ := e.stores.Runs.Finish(context.Background(), run.ID, store.RunFailed, time.Now()); ok {
		t.Error("finish overwrote a terminal status")
	}
	got, _ := e.stores.Runs.Get(context.Background(), run.ID)
	if got.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed to stick", got.Status)
	}
}
