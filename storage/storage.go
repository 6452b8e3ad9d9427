package storage

import (
	"context"
	"errors"

	"github.com/propline/docflow/types"
)

// Errors
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrRevisionConflict is returned by SaveInstance when the stored
	// revision no longer matches the one the caller loaded. The caller
	// lost a serialization race and must retry with fresh state.
	ErrRevisionConflict = errors.New("instance revision conflict")
)

// LatestVersion selects the newest registered version in GetTemplate.
const LatestVersion = 0

// Repository persists workflow templates and instances.
//
// Template rows are immutable once saved: SaveTemplate stores the row under
// (ID, Version) and updates the latest pointer. SaveInstance performs an
// optimistic concurrency check: the write only commits when the stored
// revision equals inst.Revision-1 (or the instance is new and
// inst.Revision == 1); otherwise it fails with ErrRevisionConflict.
// Terminal instances are retained, never deleted.
type Repository interface {
	SaveTemplate(ctx context.Context, tpl types.WorkflowTemplate) error

	// GetTemplate returns the pinned version, or the latest when version
	// is LatestVersion.
	GetTemplate(ctx context.Context, id uint64, version int) (types.WorkflowTemplate, error)

	SaveInstance(ctx context.Context, inst types.WorkflowInstance) error

	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// InstancesBySubject returns all instances whose subject matches
	// (kind, id), newest first.
	InstancesBySubject(ctx context.Context, kind, id string) ([]types.WorkflowInstance, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
