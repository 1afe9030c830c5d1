// Package catalog manages tool definitions: the command template, parameter
// schema, output targets, setup files and optional sandbox spec that the
// planner and supervisor consume.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/store"
)

// Service enforces catalog write invariants. Sandbox status columns are
// written only by the sandbox manager and supervisor, never through here.
type Service struct {
	tools store.ToolStore
}

func NewService(tools store.ToolStore) *Service {
	return &Service{tools: tools}
}

// ToolInput is the write shape for Create and Update.
type ToolInput struct {
	Name               string
	Description        string
	Version            string
	CommandTemplate    string
	Params             []store.ParamSpec
	Targets            []store.TargetSpec
	SetupFiles         []store.SetupFile
	SandboxSpec        map[string]any
	PostInstallCommand string
	Tags               []string
}

func (s *Service) Create(ctx context.Context, p store.Principal, in ToolInput) (*store.Tool, error) {
	if !p.IsAdmin {
		return nil, store.ErrForbidden
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	tool := &store.Tool{
		ID:                 store.GenNewID(),
		Name:               in.Name,
		Description:        in.Description,
		Version:            in.Version,
		CommandTemplate:    in.CommandTemplate,
		Params:             in.Params,
		Targets:            in.Targets,
		SetupFiles:         in.SetupFiles,
		SandboxSpec:        in.SandboxSpec,
		PostInstallCommand: in.PostInstallCommand,
		Status:             store.ToolUninstalled,
		Enabled:            true,
		Tags:               in.Tags,
	}
	// Without a sandbox spec there is nothing to install: the tool is
	// immediately runnable.
	if !tool.HasSandbox() {
		tool.Status = store.ToolInstalled
	}
	if err := s.tools.Create(ctx, tool); err != nil {
		return nil, err
	}
	slog.Info("tool created", "tool", tool.ID, "name", tool.Name)
	return tool, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*store.Tool, error) {
	return s.tools.Get(ctx, id)
}

// List returns tools visible to the principal. Non-admins only see enabled,
// installed tools.
func (s *Service) List(ctx context.Context, p store.Principal, opts store.ListToolsOpts) ([]store.Tool, int, error) {
	if !p.IsAdmin {
		opts.OnlyUsable = true
	}
	if opts.OnlyFavourites {
		opts.FavouritesOf = p.UserID
	}
	return s.tools.List(ctx, opts)
}

func (s *Service) Update(ctx context.Context, p store.Principal, id uuid.UUID, in ToolInput) (*store.Tool, error) {
	if !p.IsAdmin {
		return nil, store.ErrForbidden
	}
	tool, err := s.tools.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tool.Status == store.ToolInstalling || tool.Status == store.ToolUninstalling {
		return nil, fmt.Errorf("tool %s has a sandbox operation in flight: %w", tool.Name, store.ErrForbidden)
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}
	updates := map[string]any{
		"name":                 in.Name,
		"description":          in.Description,
		"version":              in.Version,
		"command_template":     in.CommandTemplate,
		"params":               in.Params,
		"targets":              in.Targets,
		"setup_files":          in.SetupFiles,
		"post_install_command": in.PostInstallCommand,
		"tags":                 in.Tags,
	}
	if in.SandboxSpec != nil {
		updates["sandbox_spec"] = in.SandboxSpec
	}
	if err := s.tools.Update(ctx, id, updates); err != nil {
		return nil, err
	}
	return s.tools.Get(ctx, id)
}

// Delete removes a tool. Tools with a sandbox operation in flight, or with
// an installed sandbox still on disk, must be uninstalled first.
func (s *Service) Delete(ctx context.Context, p store.Principal, id uuid.UUID) error {
	if !p.IsAdmin {
		return store.ErrForbidden
	}
	tool, err := s.tools.Get(ctx, id)
	if err != nil {
		return err
	}
	switch tool.Status {
	case store.ToolInstalling, store.ToolUninstalling:
		return fmt.Errorf("tool %s has a sandbox operation in flight: %w", tool.Name, store.ErrForbidden)
	case store.ToolInstalled:
		if tool.HasSandbox() {
			return fmt.Errorf("tool %s still has an installed sandbox, uninstall first: %w", tool.Name, store.ErrForbidden)
		}
	}
	if err := s.tools.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("tool deleted", "tool", id, "name", tool.Name)
	return nil
}

func (s *Service) SetEnabled(ctx context.Context, p store.Principal, id uuid.UUID, enabled bool) error {
	if !p.IsAdmin {
		return store.ErrForbidden
	}
	return s.tools.Update(ctx, id, map[string]any{"enabled": enabled})
}

func (s *Service) Favourite(ctx context.Context, p store.Principal, id uuid.UUID) error {
	if _, err := s.tools.Get(ctx, id); err != nil {
		return err
	}
	return s.tools.Favourite(ctx, id, p.UserID)
}

func (s *Service) Unfavourite(ctx context.Context, p store.Principal, id uuid.UUID) error {
	return s.tools.Unfavourite(ctx, id, p.UserID)
}

// validateInput checks the ParamSpec constraints: names present and unique,
// ENUM params carry options, FILE params are required unless declared
// optional explicitly, setup file names are unique.
func validateInput(in *ToolInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: tool name is required", store.ErrInvalidParam)
	}
	if strings.TrimSpace(in.CommandTemplate) == "" {
		return fmt.Errorf("%w: command template is required", store.ErrInvalidParam)
	}
	seen := make(map[string]bool, len(in.Params))
	for i := range in.Params {
		ps := &in.Params[i]
		if ps.Name == "" {
			return fmt.Errorf("%w: param %d has no name", store.ErrInvalidParam, i)
		}
		if seen[ps.Name] {
			return fmt.Errorf("%w: duplicate param %q", store.ErrInvalidParam, ps.Name)
		}
		seen[ps.Name] = true
		switch ps.Kind {
		case store.ParamStr, store.ParamInt, store.ParamFloat, store.ParamBool:
		case store.ParamEnum:
			if len(ps.Options) == 0 {
				return fmt.Errorf("%w: enum param %q needs options", store.ErrInvalidParam, ps.Name)
			}
		case store.ParamFile:
			if ps.Default == nil {
				ps.Required = true
			}
		default:
			return fmt.Errorf("%w: param %q has unknown kind %q", store.ErrInvalidParam, ps.Name, ps.Kind)
		}
	}
	names := make(map[string]bool, len(in.SetupFiles))
	for _, sf := range in.SetupFiles {
		if sf.Name == "" {
			return fmt.Errorf("%w: setup file has no name", store.ErrInvalidParam)
		}
		if names[sf.Name] {
			return fmt.Errorf("%w: duplicate setup file %q", store.ErrInvalidParam, sf.Name)
		}
		names[sf.Name] = true
	}
	for _, tg := range in.Targets {
		if strings.TrimSpace(tg.PathTemplate) == "" {
			return fmt.Errorf("%w: target has empty path template", store.ErrInvalidParam)
		}
	}
	return nil
}
