// Package registry validates and stores workflow template definitions.
//
// Registered templates are immutable: registering a template with an
// existing ID produces a new version row and leaves every prior version in
// place. Running instances pin the version they were created against and
// never pick up later edits; offering a "follow latest" mode is a product
// decision deliberately not taken here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/propline/docflow/rules"
	"github.com/propline/docflow/storage"
	"github.com/propline/docflow/types"
)

var (
	// ErrInvalidTemplate is the base error for every structural
	// validation failure. Nothing is persisted when it is returned.
	ErrInvalidTemplate = errors.New("invalid template")
	// ErrTemplateNotFound is returned when no row exists for the
	// requested ID and version.
	ErrTemplateNotFound = errors.New("template not found")
)

var validVariableTypes = map[types.VariableType]bool{
	types.VariableString: true,
	types.VariableNumber: true,
	types.VariableBool:   true,
	types.VariableDate:   true,
}

var validCategories = map[types.TemplateCategory]bool{
	types.CategoryContract:   true,
	types.CategoryCompliance: true,
	types.CategoryFinancial:  true,
	types.CategoryPlanning:   true,
	types.CategoryOther:      true,
}

// Registry is the template registry.
type Registry struct {
	repo     storage.Repository
	generate generator.Generator
	eval     rules.Evaluator
}

// NewRegistry creates a Registry backed by the given repository. The
// generator assigns IDs to first-time templates; the evaluator checks that
// stage scope expressions compile before anything is persisted.
func NewRegistry(repo storage.Repository, generate generator.Generator, eval rules.Evaluator) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if eval == nil {
		eval = rules.NewExprEvaluator()
	}
	return &Registry{repo: repo, generate: generate, eval: eval}, nil
}

// Register validates and persists a template, returning its ID and the
// version assigned. A zero tpl.ID registers a new template; a non-zero ID
// appends the next version for that template. Validation failures wrap
// ErrInvalidTemplate and persist nothing.
func (r *Registry) Register(ctx context.Context, tpl types.WorkflowTemplate) (uint64, int, error) {
	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	default:
	}

	if err := r.validate(tpl); err != nil {
		return 0, 0, err
	}

	if tpl.ID == 0 {
		id, err := r.generate.NextID()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to generate template ID: %w", err)
		}
		tpl.ID = id
		tpl.Version = 1
	} else {
		latest, err := r.repo.GetTemplate(ctx, tpl.ID, storage.LatestVersion)
		switch {
		case errors.Is(err, storage.ErrTemplateNotFound):
			tpl.Version = 1
		case err != nil:
			return 0, 0, fmt.Errorf("failed to resolve latest version: %w", err)
		default:
			tpl.Version = latest.Version + 1
		}
	}

	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = time.Now()
	}

	if err := r.repo.SaveTemplate(ctx, tpl); err != nil {
		return 0, 0, fmt.Errorf("failed to save template: %w", err)
	}
	return tpl.ID, tpl.Version, nil
}

// Get returns the pinned version of a template, or the latest when version
// is storage.LatestVersion.
func (r *Registry) Get(ctx context.Context, id uint64, version int) (types.WorkflowTemplate, error) {
	tpl, err := r.repo.GetTemplate(ctx, id, version)
	if errors.Is(err, storage.ErrTemplateNotFound) {
		return types.WorkflowTemplate{}, fmt.Errorf("%w: id=%d version=%d", ErrTemplateNotFound, id, version)
	} else if err != nil {
		return types.WorkflowTemplate{}, err
	}
	return tpl, nil
}

func (r *Registry) validate(tpl types.WorkflowTemplate) error {
	if tpl.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if !validCategories[tpl.Category] {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidTemplate, tpl.Category)
	}
	if len(tpl.Stages) == 0 {
		return fmt.Errorf("%w: stage list is empty", ErrInvalidTemplate)
	}

	names := make(map[string]bool, len(tpl.Stages))
	for i, stage := range tpl.Stages {
		if stage.Name == "" {
			return fmt.Errorf("%w: stage %d has no name", ErrInvalidTemplate, i)
		}
		if names[stage.Name] {
			return fmt.Errorf("%w: duplicate stage name %q", ErrInvalidTemplate, stage.Name)
		}
		names[stage.Name] = true

		if len(stage.Roles) == 0 {
			return fmt.Errorf("%w: stage %q names no eligible roles", ErrInvalidTemplate, stage.Name)
		}
		if stage.Quorum > len(stage.Roles) {
			return fmt.Errorf("%w: stage %q quorum %d exceeds %d eligible roles",
				ErrInvalidTemplate, stage.Name, stage.Quorum, len(stage.Roles))
		}
		if stage.ReworkTarget < 0 || stage.ReworkTarget > i {
			return fmt.Errorf("%w: stage %q rework target %d out of range [0,%d]",
				ErrInvalidTemplate, stage.Name, stage.ReworkTarget, i)
		}
		if stage.Deadline < 0 {
			return fmt.Errorf("%w: stage %q has a negative deadline", ErrInvalidTemplate, stage.Name)
		}
		if stage.ScopeExpr != "" {
			if err := r.eval.Check(stage.ScopeExpr); err != nil {
				return fmt.Errorf("%w: stage %q scope expression: %v", ErrInvalidTemplate, stage.Name, err)
			}
		}
	}

	vars := make(map[string]bool, len(tpl.Variables))
	for _, v := range tpl.Variables {
		if v.Name == "" {
			return fmt.Errorf("%w: variable with empty name", ErrInvalidTemplate)
		}
		if vars[v.Name] {
			return fmt.Errorf("%w: duplicate variable %q", ErrInvalidTemplate, v.Name)
		}
		vars[v.Name] = true
		if !validVariableTypes[v.Type] {
			return fmt.Errorf("%w: variable %q has unknown type %q", ErrInvalidTemplate, v.Name, v.Type)
		}
	}
	return nil
}
