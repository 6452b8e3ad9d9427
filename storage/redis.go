package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/propline/docflow/types"
)

const (
	templatePrefix       = "docflow:template:"
	templateLatestPrefix = "docflow:template_latest:"
	instancePrefix       = "docflow:instance:"
	subjectPrefix        = "docflow:subject:"
)

// RedisRepository is a Redis-backed implementation of the Repository
// interface. Instance writes use WATCH so the revision check is atomic
// across processes.
type RedisRepository struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisRepository creates a new RedisRepository instance with configurable options.
func NewRedisRepository(opts RedisOptions) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisRepository{client: client}, nil
}

func templateKeyFor(id uint64, version int) string {
	return fmt.Sprintf("%s%d:v%d", templatePrefix, id, version)
}

func instanceKeyFor(id uint64) string {
	return fmt.Sprintf("%s%d", instancePrefix, id)
}

func subjectKeyFor(kind, id string) string {
	return fmt.Sprintf("%s%s:%s", subjectPrefix, kind, id)
}

// getJSON retrieves and unmarshals a value from Redis.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveTemplate stores an immutable template row and advances the latest
// pointer when the version is newer.
func (r *RedisRepository) SaveTemplate(ctx context.Context, tpl types.WorkflowTemplate) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(tpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template %d: %v", tpl.ID, err)
		}
		latestKey := templateLatestPrefix + strconv.FormatUint(tpl.ID, 10)
		if err := r.client.Set(ctx, templateKeyFor(tpl.ID, tpl.Version), data, 0).Err(); err != nil {
			return fmt.Errorf("failed to save template %d: %v", tpl.ID, err)
		}
		latest, err := r.client.Get(ctx, latestKey).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read latest pointer for template %d: %v", tpl.ID, err)
		}
		if tpl.Version > latest {
			if err := r.client.Set(ctx, latestKey, tpl.Version, 0).Err(); err != nil {
				return fmt.Errorf("failed to update latest pointer for template %d: %v", tpl.ID, err)
			}
		}
		return nil
	})
}

// GetTemplate retrieves a template by ID and version.
func (r *RedisRepository) GetTemplate(ctx context.Context, id uint64, version int) (types.WorkflowTemplate, error) {
	return withContext(ctx, func() (types.WorkflowTemplate, error) {
		if version == LatestVersion {
			latest, err := r.client.Get(ctx, templateLatestPrefix+strconv.FormatUint(id, 10)).Int()
			if errors.Is(err, redis.Nil) {
				return types.WorkflowTemplate{}, fmt.Errorf("%w: id=%d", ErrTemplateNotFound, id)
			} else if err != nil {
				return types.WorkflowTemplate{}, fmt.Errorf("failed to read latest pointer for template %d: %v", id, err)
			}
			version = latest
		}
		return getJSON[types.WorkflowTemplate](ctx, r.client, templateKeyFor(id, version), ErrTemplateNotFound)
	})
}

// SaveInstance saves an instance under a WATCH transaction so the revision
// check and the write commit atomically.
func (r *RedisRepository) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		key := instanceKeyFor(inst.ID)
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
		}

		txn := func(tx *redis.Tx) error {
			stored, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				if inst.Revision != 1 {
					return fmt.Errorf("%w: id=%d first write must carry revision 1", ErrRevisionConflict, inst.ID)
				}
			case err != nil:
				return fmt.Errorf("failed to get %s from Redis: %v", key, err)
			default:
				var current types.WorkflowInstance
				if err := json.Unmarshal(stored, &current); err != nil {
					return fmt.Errorf("failed to unmarshal %s: %v", key, err)
				}
				if current.Revision != inst.Revision-1 {
					return fmt.Errorf("%w: id=%d stored=%d attempted=%d", ErrRevisionConflict, inst.ID, current.Revision, inst.Revision)
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, subjectKeyFor(inst.Subject.Kind, inst.Subject.ID), inst.ID)
				return nil
			})
			return err
		}

		err = r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			// The key changed between WATCH and EXEC; surface as the
			// same retryable conflict as a stale revision.
			return fmt.Errorf("%w: id=%d concurrent write", ErrRevisionConflict, inst.ID)
		}
		return err
	})
}

// GetInstance retrieves a workflow instance from Redis.
func (r *RedisRepository) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getJSON[types.WorkflowInstance](ctx, r.client, instanceKeyFor(id), ErrInstanceNotFound)
}

// InstancesBySubject returns all instances recorded against a subject,
// newest first.
func (r *RedisRepository) InstancesBySubject(ctx context.Context, kind, id string) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		members, err := r.client.SMembers(ctx, subjectKeyFor(kind, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read subject index %s/%s: %v", kind, id, err)
		}

		out := make([]types.WorkflowInstance, 0, len(members))
		for _, m := range members {
			instID, err := strconv.ParseUint(m, 10, 64)
			if err != nil {
				continue
			}
			inst, err := r.GetInstance(ctx, instID)
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		return out, nil
	})
}

// Close closes the Redis client connection.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
