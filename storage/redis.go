package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/process-engine/types"
)

const (
	processPrefix  = "process:"
	allIndexKey    = "processes:all"
	workflowPrefix = "processes:workflow:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Each process is a JSON string; set indexes track ids per workflow. Saves
// run in a WATCH/MULTI transaction for optimistic versioning.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
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
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func processKey(id string) string { return processPrefix + id }
func workflowIndexKey(id string) string { return workflowPrefix + id }

// Get retrieves a process from Redis.
func (s *RedisStorage) Get(ctx context.Context, processID string) (types.Process, error) {
	return withContext(ctx, func() (types.Process, error) {
		data, err := s.client.Get(ctx, processKey(processID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.Process{}, fmt.Errorf("%w: id=%s", ErrNotFound, processID)
		} else if err != nil {
			return types.Process{}, fmt.Errorf("failed to get process %s from Redis: %w", processID, err)
		}
		var p types.Process
		if err := json.Unmarshal(data, &p); err != nil {
			return types.Process{}, fmt.Errorf("failed to unmarshal process %s: %w", processID, err)
		}
		return p, nil
	})
}

// List loads the indexed processes of workflowID and filters them client side.
func (s *RedisStorage) List(ctx context.Context, workflowID string, filter Filter) ([]types.Process, error) {
	return withContext(ctx, func() ([]types.Process, error) {
		index := allIndexKey
		if workflowID != "" {
			index = workflowIndexKey(workflowID)
		}
		ids, err := s.client.SMembers(ctx, index).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %w", index, err)
		}
		out := make([]types.Process, 0, len(ids))
		if len(ids) == 0 {
			return out, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = processKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load processes: %w", err)
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// index entry without record
				continue
			}
			var p types.Process
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
			}
			if filter.Match(p) {
				out = append(out, p)
			}
		}
		sortProcesses(out)
		return out, nil
	})
}

// Save writes p inside a WATCH transaction on its key.
func (s *RedisStorage) Save(ctx context.Context, p *types.Process) error {
	return withContextError(ctx, func() error {
		if p == nil || p.ID == "" {
			return ErrInvalidID
		}
		key := processKey(p.ID)
		next := p.Copy()

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var current int64
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("failed to read %s: %w", key, err)
			default:
				var stored struct {
					Version int64 `json:"version"`
				}
				if err := json.Unmarshal(data, &stored); err != nil {
					return fmt.Errorf("failed to unmarshal %s: %w", key, err)
				}
				current = stored.Version
			}
			if p.Version != current {
				return fmt.Errorf("%w: id=%s have=%d stored=%d", ErrVersionConflict, p.ID, p.Version, current)
			}

			next.Version = current + 1
			payload, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal process %s: %w", p.ID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				pipe.SAdd(ctx, allIndexKey, p.ID)
				pipe.SAdd(ctx, workflowIndexKey(p.WorkflowID), p.ID)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%s", ErrVersionConflict, p.ID)
		}
		if err != nil {
			return err
		}
		p.Version = next.Version
		return nil
	})
}

// Delete removes a process record and its index entries.
func (s *RedisStorage) Delete(ctx context.Context, processID string) error {
	return withContextError(ctx, func() error {
		p, err := s.Get(ctx, processID)
		if err != nil {
			return err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, processKey(processID))
			pipe.SRem(ctx, allIndexKey, processID)
			pipe.SRem(ctx, workflowIndexKey(p.WorkflowID), processID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to delete process %s: %w", processID, err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
