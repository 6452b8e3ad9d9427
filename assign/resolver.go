// Package assign resolves which concrete actors may act on a workflow
// stage. Role membership comes from an external directory; stage scope
// expressions narrow the result to actors in scope for the subject.
package assign

import (
	"context"
	"errors"
	"fmt"

	"github.com/propline/docflow/rules"
	"github.com/propline/docflow/types"
)

// ErrDirectoryUnavailable wraps any role directory failure. Callers treat
// it as transient: the attempted action is rejected but no state changes.
var ErrDirectoryUnavailable = errors.New("role directory unavailable")

// RoleDirectory is the external role/permission lookup. Implementations
// return every actor holding the role within the subject's context.
type RoleDirectory interface {
	ActorsWithRole(ctx context.Context, role string, subject types.SubjectRef) ([]types.ActorRef, error)
}

// Resolver answers eligibility questions for workflow stages. It performs
// pure queries over directory data and has no side effects.
type Resolver struct {
	dir  RoleDirectory
	eval rules.Evaluator
}

// NewResolver creates a Resolver over the given directory.
func NewResolver(dir RoleDirectory, eval rules.Evaluator) (*Resolver, error) {
	if dir == nil {
		return nil, errors.New("role directory is required")
	}
	if eval == nil {
		eval = rules.NewExprEvaluator()
	}
	return &Resolver{dir: dir, eval: eval}, nil
}

// EligibleActors resolves a stage's declared roles into the concrete actors
// allowed to act, deduplicated across roles and filtered by the stage's
// scope expression.
func (r *Resolver) EligibleActors(ctx context.Context, stage types.Stage, subject types.SubjectRef) ([]types.ActorRef, error) {
	seen := make(map[string]bool)
	var out []types.ActorRef

	for _, role := range stage.Roles {
		actors, err := r.dir.ActorsWithRole(ctx, role, subject)
		if err != nil {
			return nil, fmt.Errorf("%w: role=%s: %v", ErrDirectoryUnavailable, role, err)
		}
		for _, actor := range actors {
			if seen[actor.ID] {
				continue
			}
			inScope, err := r.inScope(stage, actor, subject)
			if err != nil {
				return nil, err
			}
			if inScope {
				seen[actor.ID] = true
				out = append(out, actor)
			}
		}
	}
	return out, nil
}

// IsEligible reports whether the actor may act on the stage for the given
// subject.
func (r *Resolver) IsEligible(ctx context.Context, actor types.ActorRef, stage types.Stage, subject types.SubjectRef) (bool, error) {
	actors, err := r.EligibleActors(ctx, stage, subject)
	if err != nil {
		return false, err
	}
	for _, a := range actors {
		if a.ID == actor.ID {
			return true, nil
		}
	}
	return false, nil
}

// HasRole reports whether the actor holds the role within the subject's
// context. Used for authority checks outside stage eligibility, such as
// cancellation.
func (r *Resolver) HasRole(ctx context.Context, actor types.ActorRef, role string, subject types.SubjectRef) (bool, error) {
	actors, err := r.dir.ActorsWithRole(ctx, role, subject)
	if err != nil {
		return false, fmt.Errorf("%w: role=%s: %v", ErrDirectoryUnavailable, role, err)
	}
	for _, a := range actors {
		if a.ID == actor.ID {
			return true, nil
		}
	}
	return false, nil
}

// inScope evaluates the stage scope expression, if any, over the actor and
// subject. An evaluation failure counts as out of scope rather than
// unavailable: the expression was validated at registration, so a runtime
// failure means the data does not satisfy it.
func (r *Resolver) inScope(stage types.Stage, actor types.ActorRef, subject types.SubjectRef) (bool, error) {
	if stage.ScopeExpr == "" {
		return true, nil
	}
	env := map[string]interface{}{
		"actor": map[string]interface{}{
			"id":         actor.ID,
			"name":       actor.Name,
			"roles":      actor.Roles,
			"attributes": actor.Attributes,
		},
		"subject": map[string]interface{}{
			"kind":    subject.Kind,
			"id":      subject.ID,
			"context": subject.Context,
		},
	}
	ok, err := r.eval.Evaluate(stage.ScopeExpr, env)
	if err != nil {
		return false, nil
	}
	return ok, nil
}
