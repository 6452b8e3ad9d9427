package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/propline/docflow/types"
)

type templateKey struct {
	id      uint64
	version int
}

// MemoryRepository is an in-memory implementation of the Repository
// interface, suitable for tests and single-process deployments.
type MemoryRepository struct {
	templates map[templateKey]types.WorkflowTemplate
	latest    map[uint64]int
	instances map[uint64]types.WorkflowInstance
	mu        sync.RWMutex
}

// NewMemoryRepository creates a new MemoryRepository instance.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		templates: make(map[templateKey]types.WorkflowTemplate),
		latest:    make(map[uint64]int),
		instances: make(map[uint64]types.WorkflowInstance),
	}
}

// SaveTemplate stores a template row under (ID, Version) and bumps the
// latest pointer when the version is newer.
func (r *MemoryRepository) SaveTemplate(ctx context.Context, tpl types.WorkflowTemplate) error {
	return withContextError(ctx, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.templates[templateKey{tpl.ID, tpl.Version}] = tpl
		if tpl.Version > r.latest[tpl.ID] {
			r.latest[tpl.ID] = tpl.Version
		}
		return nil
	})
}

// GetTemplate retrieves a template by ID and version.
func (r *MemoryRepository) GetTemplate(ctx context.Context, id uint64, version int) (types.WorkflowTemplate, error) {
	return withContext(ctx, func() (types.WorkflowTemplate, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if version == LatestVersion {
			version = r.latest[id]
		}
		tpl, ok := r.templates[templateKey{id, version}]
		if !ok {
			return types.WorkflowTemplate{}, fmt.Errorf("%w: id=%d version=%d", ErrTemplateNotFound, id, version)
		}
		return tpl, nil
	})
}

// SaveInstance saves an instance after checking its revision against the
// stored one.
func (r *MemoryRepository) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		r.mu.Lock()
		defer r.mu.Unlock()
		stored, ok := r.instances[inst.ID]
		if !ok {
			if inst.Revision != 1 {
				return fmt.Errorf("%w: id=%d first write must carry revision 1", ErrRevisionConflict, inst.ID)
			}
		} else if stored.Revision != inst.Revision-1 {
			return fmt.Errorf("%w: id=%d stored=%d attempted=%d", ErrRevisionConflict, inst.ID, stored.Revision, inst.Revision)
		}
		r.instances[inst.ID] = inst
		return nil
	})
}

// GetInstance retrieves a workflow instance by ID.
func (r *MemoryRepository) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		inst, ok := r.instances[id]
		if !ok {
			return types.WorkflowInstance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		return inst, nil
	})
}

// InstancesBySubject returns all instances for a subject, newest first.
func (r *MemoryRepository) InstancesBySubject(ctx context.Context, kind, id string) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range r.instances {
			if inst.Subject.Kind == kind && inst.Subject.ID == id {
				out = append(out, inst)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		return out, nil
	})
}
