package workflow

import (
	"errors"
	"fmt"

	"github.com/propline/docflow/docgen"
	"github.com/propline/docflow/types"
)

// Standard error definitions. Every business-rule rejection returned by the
// engine wraps exactly one of these, so callers can branch with errors.Is
// and decide whether a retry makes sense.
var (
	// ErrValidation indicates a malformed request payload. Nothing is
	// persisted; the caller must fix the input.
	ErrValidation = errors.New("invalid request")
	// ErrNotFound indicates the referenced template, version, or
	// instance does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates the actor lacks eligibility for the
	// attempted action. Instance state is unchanged.
	ErrUnauthorized = errors.New("actor not authorized")
	// ErrInvalidState indicates the action targeted a terminal or
	// mismatched-stage instance. Instance state is unchanged.
	ErrInvalidState = errors.New("invalid instance state")
	// ErrConcurrentModification indicates the caller lost the
	// per-instance serialization race. Retryable with fresh state.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDependencyUnavailable indicates the role directory or
	// repository was unreachable. Transient and retryable; never
	// corrupts state.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrTemplateData and ErrGeneration surface generation failures
	// unmodified from the orchestrator. Both block the transition and
	// are retryable.
	ErrTemplateData = docgen.ErrTemplateData
	ErrGeneration   = docgen.ErrGeneration
)

// UnauthorizedError reports which eligibility check failed, with enough
// detail for a UI to present a corrective action.
type UnauthorizedError struct {
	Actor  string
	Stage  string
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %q not authorized for stage %q: %s", e.Actor, e.Stage, e.Reason)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// InvalidStateError reports why an instance cannot accept the action.
type InvalidStateError struct {
	InstanceID uint64
	Status     types.InstanceStatus
	Reason     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("instance %d (%s): %s", e.InstanceID, e.Status, e.Reason)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }
