// Package runs plans and manages tool runs. The planner validates a
// parameter bundle against the tool's ordered schema, renders the shell
// command, persists the run and enqueues it; the service covers the
// remaining run lifecycle surface (cancel, delete, listing).
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/forgelab/toolforge/internal/files"
	"github.com/forgelab/toolforge/internal/queue"
	"github.com/forgelab/toolforge/internal/render"
	"github.com/forgelab/toolforge/internal/store"
)

// Planner turns (tool, params, principal) into a pending run plus an
// enqueued job.
type Planner struct {
	tools store.ToolStore
	runs  store.RunStore
	files *files.Service
	queue *queue.Queue
}

func NewPlanner(tools store.ToolStore, runs store.RunStore, fileSvc *files.Service, q *queue.Queue) *Planner {
	return &Planner{tools: tools, runs: runs, files: fileSvc, queue: q}
}

// PlanInput is the request shape for a new run.
type PlanInput struct {
	ToolID            uuid.UUID
	Params            map[string]any
	Name              string
	Tags              []string
	EmailOnCompletion bool
	Shared            bool
}

// Plan validates params in declaration order, resolves file references,
// renders the command, persists the run as pending and enqueues it.
func (p *Planner) Plan(ctx context.Context, principal store.Principal, in PlanInput) (*store.Run, error) {
	tool, err := p.tools.Get(ctx, in.ToolID)
	if err != nil {
		return nil, err
	}
	if !tool.Enabled && !principal.IsAdmin {
		return nil, fmt.Errorf("tool %s is disabled: %w", tool.Name, store.ErrForbidden)
	}
	if tool.Status != store.ToolInstalled {
		return nil, fmt.Errorf("tool %s has status %s: %w", tool.Name, tool.Status, store.ErrToolNotReady)
	}

	resolved, inputFileIDs, err := p.resolveParams(ctx, principal, tool, in.Params)
	if err != nil {
		return nil, err
	}

	command := render.Render(tool.CommandTemplate, render.EscapeAll(resolved))

	run := &store.Run{
		ID:                store.GenNewID(),
		ToolID:            tool.ID,
		OwnerID:           principal.UserID,
		Name:              in.Name,
		Tags:              in.Tags,
		Params:            resolved,
		InputFileIDs:      inputFileIDs,
		Command:           command,
		PinnedManifest:    tool.PinnedManifest,
		Status:            store.RunPending,
		EmailOnCompletion: in.EmailOnCompletion,
		Shared:            in.Shared,
	}
	if err := p.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	job := &store.Job{
		Kind:      store.JobRun,
		SubjectID: run.ID,
		Command:   run.Command,
	}
	if err := p.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	if err := p.runs.SetJobID(ctx, run.ID, job.ID); err != nil {
		slog.Warn("storing job handle failed", "run", run.ID, "error", err)
	}
	run.JobID = &job.ID

	if err := p.tools.IncrementRunCount(ctx, tool.ID); err != nil {
		slog.Warn("run count increment failed", "tool", tool.ID, "error", err)
	}

	slog.Info("run planned", "run", run.ID, "tool", tool.Name, "owner", principal.UserID)
	return run, nil
}

// resolveParams walks the ordered ParamSpecs once, producing a fully-typed
// bundle plus the referenced input file ids. FILE params substitute to the
// on-disk basename(s) of the staged blobs.
func (p *Planner) resolveParams(ctx context.Context, principal store.Principal, tool *store.Tool, params map[string]any) (map[string]any, []uuid.UUID, error) {
	resolved := make(map[string]any, len(tool.Params))
	var inputFileIDs []uuid.UUID

	for _, spec := range tool.Params {
		value, present := params[spec.Name]
		if !present || value == nil {
			if spec.Required {
				return nil, nil, fmt.Errorf("%w: %q is required", store.ErrInvalidParam, spec.Name)
			}
			if spec.Default == nil {
				continue
			}
			value = spec.Default
		}

		switch spec.Kind {
		case store.ParamStr:
			s, ok := value.(string)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %q must be a string", store.ErrInvalidParam, spec.Name)
			}
			resolved[spec.Name] = s

		case store.ParamInt:
			n, err := coerceInt(value)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %q must be an integer", store.ErrInvalidParam, spec.Name)
			}
			resolved[spec.Name] = n

		case store.ParamFloat:
			f, err := coerceFloat(value)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %q must be a number", store.ErrInvalidParam, spec.Name)
			}
			resolved[spec.Name] = f

		case store.ParamBool:
			b, ok := value.(bool)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %q must be a boolean", store.ErrInvalidParam, spec.Name)
			}
			resolved[spec.Name] = b

		case store.ParamEnum:
			s, ok := value.(string)
			if !ok || !contains(spec.Options, s) {
				return nil, nil, fmt.Errorf("%w: %q must be one of %v", store.ErrInvalidParam, spec.Name, spec.Options)
			}
			resolved[spec.Name] = s

		case store.ParamFile:
			ids, err := coerceFileIDs(value)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %q: %v", store.ErrInvalidParam, spec.Name, err)
			}
			if !spec.Multiple && len(ids) != 1 {
				return nil, nil, fmt.Errorf("%w: %q takes exactly one file", store.ErrInvalidParam, spec.Name)
			}
			if len(ids) == 0 {
				return nil, nil, fmt.Errorf("%w: %q needs at least one file", store.ErrInvalidParam, spec.Name)
			}
			basenames := make([]string, len(ids))
			for i, id := range ids {
				file, err := p.files.Resolve(ctx, principal, id)
				if err != nil {
					return nil, nil, fmt.Errorf("file %s for param %q: %w", id, spec.Name, err)
				}
				basenames[i] = file.Name
				inputFileIDs = append(inputFileIDs, id)
			}
			if spec.Multiple {
				resolved[spec.Name] = basenames
			} else {
				resolved[spec.Name] = basenames[0]
			}

		default:
			return nil, nil, fmt.Errorf("%w: %q has unknown kind %q", store.ErrInvalidParam, spec.Name, spec.Kind)
		}
	}
	return resolved, inputFileIDs, nil
}

func coerceInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("not an integer")
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("not an integer")
	}
}

func coerceFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("not a number")
	}
}

// coerceFileIDs accepts a single id or a list of ids, as strings or uuids.
func coerceFileIDs(v any) ([]uuid.UUID, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return []uuid.UUID{x}, nil
	case string:
		id, err := uuid.Parse(x)
		if err != nil {
			return nil, fmt.Errorf("bad file id %q", x)
		}
		return []uuid.UUID{id}, nil
	case []uuid.UUID:
		return x, nil
	case []string:
		out := make([]uuid.UUID, len(x))
		for i, s := range x {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("bad file id %q", s)
			}
			out[i] = id
		}
		return out, nil
	case []any:
		out := make([]uuid.UUID, 0, len(x))
		for _, e := range x {
			ids, err := coerceFileIDs(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected file id or list of file ids")
	}
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
