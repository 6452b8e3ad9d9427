package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/propline/docflow/types"
)

func TestMemoryRepository(t *testing.T) {
	newTemplate := func(id uint64, version int) types.WorkflowTemplate {
		return types.WorkflowTemplate{
			ID:       id,
			Name:     "HTB Compliance",
			Category: types.CategoryCompliance,
			Version:  version,
			Stages: []types.Stage{
				{Name: "INTAKE", Roles: []string{"ADMIN"}},
				{Name: "REVIEW", Roles: []string{"SOLICITOR", "ADMIN"}, Quorum: 2},
			},
		}
	}

	newInstance := func(id uint64, revision int64) types.WorkflowInstance {
		return types.WorkflowInstance{
			ID:              id,
			TemplateID:      1,
			TemplateVersion: 1,
			Subject:         types.SubjectRef{Kind: "transaction", ID: "txn-42"},
			Status:          types.StatusInProgress,
			Revision:        revision,
			CreatedAt:       time.Now(),
		}
	}

	t.Run("NewMemoryRepository", func(t *testing.T) {
		repo := NewMemoryRepository()
		assert.NotNil(t, repo)
		assert.Empty(t, repo.templates)
		assert.Empty(t, repo.instances)
	})

	t.Run("SaveAndGetTemplate", func(t *testing.T) {
		repo := NewMemoryRepository()
		ctx := context.Background()

		assert.NoError(t, repo.SaveTemplate(ctx, newTemplate(1, 1)))

		got, err := repo.GetTemplate(ctx, 1, 1)
		assert.NoError(t, err)
		assert.Equal(t, 1, got.Version)

		_, err = repo.GetTemplate(ctx, 2, 1)
		assert.ErrorIs(t, err, ErrTemplateNotFound)
	})

	t.Run("LatestVersionPointer", func(t *testing.T) {
		repo := NewMemoryRepository()
		ctx := context.Background()

		assert.NoError(t, repo.SaveTemplate(ctx, newTemplate(1, 1)))
		assert.NoError(t, repo.SaveTemplate(ctx, newTemplate(1, 2)))

		latest, err := repo.GetTemplate(ctx, 1, LatestVersion)
		assert.NoError(t, err)
		assert.Equal(t, 2, latest.Version)

		// Pinned versions remain reachable after a new registration.
		pinned, err := repo.GetTemplate(ctx, 1, 1)
		assert.NoError(t, err)
		assert.Equal(t, 1, pinned.Version)
	})

	t.Run("SaveInstanceRevisionCheck", func(t *testing.T) {
		repo := NewMemoryRepository()
		ctx := context.Background()

		// First write must carry revision 1.
		assert.ErrorIs(t, repo.SaveInstance(ctx, newInstance(10, 5)), ErrRevisionConflict)
		assert.NoError(t, repo.SaveInstance(ctx, newInstance(10, 1)))

		// Next write must be exactly stored+1.
		assert.NoError(t, repo.SaveInstance(ctx, newInstance(10, 2)))
		assert.ErrorIs(t, repo.SaveInstance(ctx, newInstance(10, 2)), ErrRevisionConflict)
		assert.ErrorIs(t, repo.SaveInstance(ctx, newInstance(10, 4)), ErrRevisionConflict)

		got, err := repo.GetInstance(ctx, 10)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), got.Revision)
	})

	t.Run("ConcurrentSaveOneWinner", func(t *testing.T) {
		repo := NewMemoryRepository()
		ctx := context.Background()
		assert.NoError(t, repo.SaveInstance(ctx, newInstance(11, 1)))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.SaveInstance(ctx, newInstance(11, 2))
			}(i)
		}
		wg.Wait()

		conflicts := 0
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrRevisionConflict)
				conflicts++
			}
		}
		assert.Equal(t, 1, conflicts, "exactly one writer should lose the race")
	})

	t.Run("GetInstanceNotFound", func(t *testing.T) {
		repo := NewMemoryRepository()
		_, err := repo.GetInstance(context.Background(), 99)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("InstancesBySubject", func(t *testing.T) {
		repo := NewMemoryRepository()
		ctx := context.Background()

		older := newInstance(20, 1)
		older.CreatedAt = time.Now().Add(-time.Hour)
		newer := newInstance(21, 1)
		other := newInstance(22, 1)
		other.Subject = types.SubjectRef{Kind: "project", ID: "proj-7"}

		assert.NoError(t, repo.SaveInstance(ctx, older))
		assert.NoError(t, repo.SaveInstance(ctx, newer))
		assert.NoError(t, repo.SaveInstance(ctx, other))

		got, err := repo.InstancesBySubject(ctx, "transaction", "txn-42")
		assert.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, uint64(21), got[0].ID, "newest first")
		assert.Equal(t, uint64(20), got[1].ID)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		repo := NewMemoryRepository()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, repo.SaveTemplate(ctx, newTemplate(1, 1)), context.Canceled)
		_, err := repo.GetInstance(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
