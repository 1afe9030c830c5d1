package runs

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/files"
	"github.com/forgelab/toolforge/internal/queue"
	"github.com/forgelab/toolforge/internal/store"
	"github.com/forgelab/toolforge/internal/store/memory"
)

type plannerEnv struct {
	stores  *store.Stores
	files   *files.Service
	queue   *queue.Queue
	planner *Planner
	user    *store.User
}

func newPlannerEnv(t *testing.T) *plannerEnv {
	t.Helper()
	stores := memory.NewStores()
	fileSvc := files.NewService(stores.Files, stores.Users, t.TempDir())
	q := queue.New(stores.Jobs)
	user := &store.User{
		ID:         store.GenNewID(),
		Email:      "owner@example.org",
		MaxStorage: 1 << 30,
		MaxFiles:   100,
	}
	if err := stores.Users.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return &plannerEnv{
		stores:  stores,
		files:   fileSvc,
		queue:   q,
		planner: NewPlanner(stores.Tools, stores.Runs, fileSvc, q),
		user:    user,
	}
}

func (e *plannerEnv) principal() store.Principal {
	return store.Principal{UserID: e.user.ID}
}

func (e *plannerEnv) createTool(t *testing.T, tool *store.Tool) *store.Tool {
	t.Helper()
	if tool.ID == uuid.Nil {
		tool.ID = store.GenNewID()
	}
	if tool.Status == "" {
		tool.Status = store.ToolInstalled
	}
	tool.Enabled = true
	if err := e.stores.Tools.Create(context.Background(), tool); err != nil {
		t.Fatalf("create tool: %v", err)
	}
	return tool
}

func TestPlanRendersSanitisedCommand(t *testing.T) {
	e := newPlannerEnv(t)
	tool := e.createTool(t, &store.Tool{
		Name:            "echoer",
		CommandTemplate: "echo {{msg}} > out.txt",
		Params:          []store.ParamSpec{{Name: "msg", Kind: store.ParamStr, Required: true}},
	})

	run, err := e.planner.Plan(context.Background(), e.principal(), PlanInput{
		ToolID: tool.ID,
		Params: map[string]any{"msg": "hello; rm -rf /"},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if want := "echo 'hello__rm_-rf__' > out.txt"; run.Command != want {
		t.Errorf("command = %q, want %q", run.Command, want)
	}
	if run.Status != store.RunPending {
		t.Errorf("status = %s, want pending", run.Status)
	}
}

func TestPlanEnqueuesJobAndCountsRun(t *testing.T) {
	e := newPlannerEnv(t)
	tool := e.createTool(t, &store.Tool{Name: "noop", CommandTemplate: "true"})

	run, err := e.planner.Plan(context.Background(), e.principal(), PlanInput{ToolID: tool.ID})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if run.JobID == nil {
		t.Fatal("run has no job handle")
	}
	job, err := e.stores.Jobs.ClaimNext(context.Background(), "w", store.JobRun)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if job.SubjectID != run.ID || job.ID != *run.JobID {
		t.Errorf("job = %+v, want the planned run's job", job)
	}

	got, _ := e.stores.Tools.Get(context.Background(), tool.ID)
	if got.RunCount != 1 {
		t.Errorf("run count = %d, want 1", got.RunCount)
	}
}

func TestPlanRejectsMissingRequiredParam(t *testing.T) {
	e := newPlannerEnv(t)
	tool := e.createTool(t, &store.Tool{
		Name:            "strict",
		CommandTemplate: "run {{input}}",
		Params:          []store.ParamSpec{{Name: "input", Kind: store.ParamStr, Required: true}},
	})

	_, err := e.planner.Plan(context.Background(), e.principal(), PlanInput{ToolID: tool.ID})
	if !errors.Is(err, store.ErrInvalidParam) {
		t.Fatalf("err = %v, want ErrInvalidParam", err)
	}
}

func TestPlanAppliesDefaults(t *testing.T) {
	e := newPlannerEnv(t)
	tool := e.createTool(t, &store.Tool{
		Name:            "defaulted",
		CommandTemplate: "tool -n {{n}} --mode {{mode}}",
		Params: []store.ParamSpec{
			{Name: "n", Kind: store.ParamInt, Default: 4},
			{Name: "mode", Kind: store.ParamEnum, Options: []string{"fast", "slow"}, Default: "fast"},
		},
	})

	run, err := e.planner.Plan(context.Background(), e.principal(), PlanInput{ToolID: tool.ID})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if want := "tool -n 4 --mode 'fast'"; run.Command != want {
		t.Errorf("command = %q, want %q", run.Command, want)
	}
}

func TestPlanCoercesNumericStrings(t *testing.T) {
	e := newPlannerEnv(t)
	tool := e.createTool(t, &store.Tool{
		Name:            "numeric",
		CommandTemplate: "calc {{count}} {{rate}}",
		Params: []store.ParamSpec{
			{Name: "count", Kind: store.ParamInt, Required: true},
			{Name: "rate", Kind: store.ParamFloat, Required: true},
		},
	})

	run, err := e.planner.Plan(context.Background(), e.principal(), PlanInput{
		ToolID: tool.ID,
		// JSON decoding hands integers over as float64.
		Params: map[string]any{"count": float64(12), "rate": "0.5"},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if want := "calc 12 0.5"; run.Command != want {
		t.Errorf("command = %q, want %q", run.Command, want)
	}

	_, err = e.planner.Plan(context.Background(), e.principal(), PlanInput{
		ToolID: tool.ID,
		Params: map[string]any{"count": float64(1.5), "rate": 1},
	})
	if !errors.Is(err, store.ErrInvalidParam) {
		t.Fatalf("fractional int accepted: %v", err)
	}
}

func TestPlanRejectsUnknownEnumValue(t *testing.T) {
	e := newPlannerEnv(t)
	tool := e.createTool(t, &store.Tool{
		Name:            "modes",
		CommandTemplate: "tool --mode {{mode}}",
		Params:          []store.ParamSpec{{Name: "mode", Kind: store.ParamEnum, Options: []string{"a", "b"}, Required: true}},
	})

	_, err := e.planner.Plan(context.Background(), e.principal(), PlanInput{
		ToolID: tool.ID,
		Params: map[string]any{"mode": "c"},
	})
	if !errors.Is(err, store.ErrInvalidParam) {
		t.Fatalf("err = %v, want ErrInvalidParam", err)
	}
}

func TestPlanResolvesFileParamsToBasenames(t *testing.T) {
	e := newPlannerEnv(t)
	ctx := context.Background()

	f1, err := e.files.Upload(ctx, e.principal(), "reads_1.fastq", 1, strings.NewReader("a"), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	f2, err := e.files.Upload(ctx, e.principal(), "reads_2.fastq", 1, strings.NewReader("b"), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	tool := e.createTool(t, &store.Tool{
		Name:            "aligner",
		CommandTemplate: "align {{reads}} > out.sam",
		Params:          []store.ParamSpec{{Name: "reads", Kind: store.ParamFile, Multiple: true, Required: true}},
	})

	run, err := e.planner.Plan(ctx, e.principal(), PlanInput{
		ToolID: tool.ID,
		Params: map[string]any{"reads": []string{f1.ID.String(), f2.ID.String()}},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if want := "align 'reads_1.fastq' 'reads_2.fastq' > out.sam"; run.Command != want {
		t.Errorf("command = %q, want %q", run.Command, want)
	}
	if len(run.InputFileIDs) != 2 || run.InputFileIDs[0] != f1.ID || run.InputFileIDs[1] != f2.ID {
		t.Errorf("input file ids = %v", run.InputFileIDs)
	}
}

func TestPlanRejectsForeignFile(t *testing.T) {
	e := newPlannerEnv(t)
	ctx := context.Background()

	other := &store.User{ID: store.GenNewID(), Email: "other@example.org", MaxStorage: 1 << 20, MaxFiles: 10}
	if err := e.stores.Users.Create(ctx, other); err != nil {
		t.Fatalf("create user: %v", err)
	}
	foreign, err := e.files.Upload(ctx, store.Principal{UserID: other.ID}, "secret.txt", 1, strings.NewReader("x"), nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	tool := e.createTool(t, &store.Tool{
		Name:            "reader",
		CommandTemplate: "cat {{input}}",
		Params:          []store.ParamSpec{{Name: "input", Kind: store.ParamFile, Required: true}},
	})

	_, err = e.planner.Plan(ctx, e.principal(), PlanInput{
		ToolID: tool.ID,
		Params: map[string]any{"input": foreign.ID.String()},
	})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestPlanRefusesDisabledAndNotInstalledTools(t *testing.T) {
	e := newPlannerEnv(t)
	ctx := context.Background()

	disabled := e.createTool(t, &store.Tool{Name: "off", CommandTemplate: "true"})
	if err := e.stores.Tools.Update(ctx, disabled.ID, map[string]any{"enabled": false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := e.planner.Plan(ctx, e.principal(), PlanInput{ToolID: disabled.ID}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("disabled tool: err = %v, want ErrForbidden", err)
	}

	// Admins may still run disabled tools.
	admin := store.Principal{UserID: e.user.ID, IsAdmin: true}
	if _, err := e.planner.Plan(ctx, admin, PlanInput{ToolID: disabled.ID}); err != nil {
		t.Fatalf("admin on disabled tool: %v", err)
	}

	pendingInstall := e.createTool(t, &store.Tool{
		Name:            "installing",
		CommandTemplate: "true",
		Status:          store.ToolInstalling,
	})
	if _, err := e.planner.Plan(ctx, admin, PlanInput{ToolID: pendingInstall.ID}); !errors.Is(err, store.ErrToolNotReady) {
		t.Fatalf("installing tool: err = %v, want ErrToolNotReady", err)
	}
}

func TestPlanPinsToolManifestOnRun(t *testing.T) {
	e := newPlannerEnv(t)
	ctx := context.Background()

	tool := e.createTool(t, &store.Tool{
		Name:            "sandboxed",
		CommandTemplate: "iqtree2 -s aln.fasta",
		SandboxSpec:     map[string]any{"dependencies": []any{"iqtree"}},
	})
	if err := e.stores.Tools.SetInstallResult(ctx, tool.ID, store.ToolInstalled, "ok", "name: env\ndependencies:\n- iqtree=2.2.0\n"); err != nil {
		t.Fatalf("set install result: %v", err)
	}

	run, err := e.planner.Plan(ctx, e.principal(), PlanInput{ToolID: tool.ID})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !strings.Contains(run.PinnedManifest, "iqtree=2.2.0") {
		t.Errorf("pinned manifest not copied onto run: %q", run.PinnedManifest)
	}
}
