package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/forgelab/toolforge/internal/store"
	"github.com/forgelab/toolforge/internal/store/memory"
)

var (
	admin = store.Principal{UserID: store.GenNewID(), IsAdmin: true}
	user  = store.Principal{UserID: store.GenNewID()}
)

func newService(t *testing.T) (*Service, *store.Stores) {
	t.Helper()
	stores := memory.NewStores()
	return NewService(stores.Tools), stores
}

func validInput(name string) ToolInput {
	return ToolInput{
		Name:            name,
		CommandTemplate: "echo {{msg}}",
		Params:          []store.ParamSpec{{Name: "msg", Kind: store.ParamStr, Required: true}},
	}
}

func TestCreateIsAdminOnly(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, user, validInput("echoer")); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("non-admin create: err = %v, want ErrForbidden", err)
	}
	tool, err := svc.Create(ctx, admin, validInput("echoer"))
	if err != nil {
		t.Fatalf("admin create: %v", err)
	}
	if !tool.Enabled {
		t.Error("new tool not enabled")
	}
}

func TestCreateStatusDependsOnSandbox(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	plain, err := svc.Create(ctx, admin, validInput("host-tool"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if plain.Status != store.ToolInstalled {
		t.Errorf("sandboxless tool status = %s, want installed", plain.Status)
	}

	in := validInput("conda-tool")
	in.SandboxSpec = map[string]any{"dependencies": []any{"samtools"}}
	sandboxed, err := svc.Create(ctx, admin, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sandboxed.Status != store.ToolUninstalled {
		t.Errorf("sandboxed tool status = %s, want uninstalled", sandboxed.Status)
	}
}

func TestCreateRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, admin, validInput("IQTree")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, admin, validInput("iqtree")); !errors.Is(err, store.ErrDuplicateName) {
		t.Fatalf("duplicate name: err = %v, want ErrDuplicateName", err)
	}
}

func TestValidateInputRules(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   ToolInput
	}{
		{"empty name", ToolInput{CommandTemplate: "true"}},
		{"empty command", ToolInput{Name: "x"}},
		{"enum without options", ToolInput{
			Name: "x", CommandTemplate: "true",
			Params: []store.ParamSpec{{Name: "m", Kind: store.ParamEnum}},
		}},
		{"duplicate param", ToolInput{
			Name: "x", CommandTemplate: "true",
			Params: []store.ParamSpec{
				{Name: "a", Kind: store.ParamStr},
				{Name: "a", Kind: store.ParamInt},
			},
		}},
		{"unknown kind", ToolInput{
			Name: "x", CommandTemplate: "true",
			Params: []store.ParamSpec{{Name: "a", Kind: "blob"}},
		}},
		{"duplicate setup file", ToolInput{
			Name: "x", CommandTemplate: "true",
			SetupFiles: []store.SetupFile{{Name: "f"}, {Name: "f"}},
		}},
		{"empty target path", ToolInput{
			Name: "x", CommandTemplate: "true",
			Targets: []store.TargetSpec{{PathTemplate: "  "}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, admin, tc.in); !errors.Is(err, store.ErrInvalidParam) {
				t.Errorf("err = %v, want ErrInvalidParam", err)
			}
		})
	}
}

func TestFileParamsDefaultToRequired(t *testing.T) {
	svc, _ := newService(t)
	in := validInput("filer")
	in.Params = []store.ParamSpec{{Name: "input", Kind: store.ParamFile}}

	tool, err := svc.Create(context.Background(), admin, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !tool.Params[0].Required {
		t.Error("file param without default not forced required")
	}
}

func TestNonAdminListSeesOnlyUsableTools(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	usable, _ := svc.Create(ctx, admin, validInput("usable"))
	disabled, _ := svc.Create(ctx, admin, validInput("disabled"))
	svc.SetEnabled(ctx, admin, disabled.ID, false)

	in := validInput("uninstalled")
	in.SandboxSpec = map[string]any{"dependencies": []any{"x"}}
	svc.Create(ctx, admin, in)

	tools, total, err := svc.List(ctx, user, store.ListToolsOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(tools) != 1 || tools[0].ID != usable.ID {
		t.Errorf("non-admin sees %d tools (%v), want only the usable one", total, tools)
	}

	all, total, err := svc.List(ctx, admin, store.ListToolsOpts{})
	if err != nil || total != 3 {
		t.Errorf("admin sees %d tools (%v), want 3", total, all)
	}
}

func TestUpdateBlockedDuringSandboxOps(t *testing.T) {
	svc, stores := newService(t)
	ctx := context.Background()

	in := validInput("busy")
	in.SandboxSpec = map[string]any{"dependencies": []any{"x"}}
	tool, _ := svc.Create(ctx, admin, in)
	stores.Tools.TransitionStatus(ctx, tool.ID, []store.ToolStatus{store.ToolUninstalled}, store.ToolInstalling)

	if _, err := svc.Update(ctx, admin, tool.ID, in); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("update during install: err = %v, want ErrForbidden", err)
	}
	if err := svc.Delete(ctx, admin, tool.ID); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("delete during install: err = %v, want ErrForbidden", err)
	}
}

func TestDeleteRequiresUninstalledSandbox(t *testing.T) {
	svc, stores := newService(t)
	ctx := context.Background()

	in := validInput("installed")
	in.SandboxSpec = map[string]any{"dependencies": []any{"x"}}
	tool, _ := svc.Create(ctx, admin, in)
	stores.Tools.SetInstallResult(ctx, tool.ID, store.ToolInstalled, "ok", "pinned")

	if err := svc.Delete(ctx, admin, tool.ID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("delete with installed sandbox: err = %v, want ErrForbidden", err)
	}

	stores.Tools.SetInstallResult(ctx, tool.ID, store.ToolUninstalled, "", "")
	if err := svc.Delete(ctx, admin, tool.ID); err != nil {
		t.Fatalf("delete after uninstall: %v", err)
	}
}

func TestFavouritesToggleAndFilter(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a, _ := svc.Create(ctx, admin, validInput("alpha"))
	svc.Create(ctx, admin, validInput("beta"))

	if err := svc.Favourite(ctx, user, a.ID); err != nil {
		t.Fatalf("favourite: %v", err)
	}
	got, _ := svc.Get(ctx, a.ID)
	if got.FavouritedCount != 1 {
		t.Errorf("favourited count = %d, want 1", got.FavouritedCount)
	}

	tools, _, err := svc.List(ctx, user, store.ListToolsOpts{OnlyFavourites: true})
	if err != nil || len(tools) != 1 || tools[0].ID != a.ID {
		t.Fatalf("favourites filter = %v, err %v", tools, err)
	}

	if err := svc.Unfavourite(ctx, user, a.ID); err != nil {
		t.Fatalf("unfavourite: %v", err)
	}
	got, _ = svc.Get(ctx, a.ID)
	if got.FavouritedCount != 0 {
		t.Errorf("favourited count after unfavourite = %d", got.FavouritedCount)
	}
}
