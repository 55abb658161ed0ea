package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/docuflow/approval-engine/types"
)

const (
	templatePrefix   = "template:"
	statePrefix      = "docstate:"
	taskPrefix       = "tasks:"
	delegationPrefix = "delegations:"
)

// RedisStore is a Redis-backed implementation of the Store interface.
// Document state and tasks live under per-document keys; the optimistic
// version check runs inside a WATCH transaction on the state key.
type RedisStore struct {
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

// NewRedisStore creates a new RedisStore instance with configurable options.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
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

	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// setJSON marshals and stores a value under the given key.
func (s *RedisStore) setJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %v", key, err)
	}
	return nil
}

// getJSON fetches and unmarshals the value under the given key.
func (s *RedisStore) getJSON(ctx context.Context, key string, out interface{}, errNotFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("%w: key=%s", errNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("failed to get %s from Redis: %v", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}
	return nil
}

// SaveTemplate saves a template to Redis.
func (s *RedisStore) SaveTemplate(ctx context.Context, tmpl types.WorkflowTemplate) error {
	return withContextError(ctx, func() error {
		return s.setJSON(ctx, fmt.Sprintf("%s%d", templatePrefix, tmpl.ID), tmpl)
	})
}

// GetTemplate retrieves a template from Redis.
func (s *RedisStore) GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	return withContext(ctx, func() (types.WorkflowTemplate, error) {
		var tmpl types.WorkflowTemplate
		err := s.getJSON(ctx, fmt.Sprintf("%s%d", templatePrefix, id), &tmpl, ErrTemplateNotFound)
		return tmpl, err
	})
}

// GetState retrieves a document state record from Redis.
func (s *RedisStore) GetState(ctx context.Context, documentID uint64) (types.DocumentState, error) {
	return withContext(ctx, func() (types.DocumentState, error) {
		var state types.DocumentState
		err := s.getJSON(ctx, fmt.Sprintf("%s%d", statePrefix, documentID), &state, ErrStateNotFound)
		return state, err
	})
}

// casState runs fn inside a WATCH transaction on the document's state key
// after verifying the stored version matches expectedVersion. A concurrent
// write to the key aborts the transaction, which also reports as a version
// conflict so the caller re-reads and retries.
func (s *RedisStore) casState(ctx context.Context, documentID, expectedVersion uint64, fn func(tx *redis.Tx, pipe redis.Pipeliner) error) error {
	stateKey := fmt.Sprintf("%s%d", statePrefix, documentID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current := uint64(0)
		data, err := tx.Get(ctx, stateKey).Bytes()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to get %s from Redis: %v", stateKey, err)
		}
		if err == nil {
			var st types.DocumentState
			if err := json.Unmarshal(data, &st); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", stateKey, err)
			}
			current = st.Version
		}
		if current != expectedVersion {
			return fmt.Errorf("%w: document=%d expected=%d current=%d", ErrVersionConflict, documentID, expectedVersion, current)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return fn(tx, pipe)
		})
		return err
	}, stateKey)
	if err == redis.TxFailedErr {
		return fmt.Errorf("%w: document=%d concurrent write", ErrVersionConflict, documentID)
	}
	return err
}

// pipeSetJSON queues a JSON set on the transaction pipeline.
func pipeSetJSON(ctx context.Context, pipe redis.Pipeliner, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	pipe.Set(ctx, key, data, 0)
	return nil
}

// PutState writes a document state record under a version check.
func (s *RedisStore) PutState(ctx context.Context, state types.DocumentState, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		return s.casState(ctx, state.DocumentID, expectedVersion, func(tx *redis.Tx, pipe redis.Pipeliner) error {
			return pipeSetJSON(ctx, pipe, fmt.Sprintf("%s%d", statePrefix, state.DocumentID), state)
		})
	})
}

// AppendGeneration persists a new generation's tasks and state atomically.
func (s *RedisStore) AppendGeneration(ctx context.Context, state types.DocumentState, tasks []types.ApprovalTask, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		taskKey := fmt.Sprintf("%s%d", taskPrefix, state.DocumentID)
		existing, err := s.loadTasks(ctx, state.DocumentID)
		if err != nil {
			return err
		}
		all := append(existing, tasks...)
		return s.casState(ctx, state.DocumentID, expectedVersion, func(tx *redis.Tx, pipe redis.Pipeliner) error {
			if err := pipeSetJSON(ctx, pipe, fmt.Sprintf("%s%d", statePrefix, state.DocumentID), state); err != nil {
				return err
			}
			return pipeSetJSON(ctx, pipe, taskKey, all)
		})
	})
}

// loadTasks fetches the full task list for a document, empty if absent.
func (s *RedisStore) loadTasks(ctx context.Context, documentID uint64) ([]types.ApprovalTask, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf("%s%d", taskPrefix, documentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tasks for document %d: %v", documentID, err)
	}
	var tasks []types.ApprovalTask
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tasks for document %d: %v", documentID, err)
	}
	return tasks, nil
}

// GetTasks retrieves one generation's tasks for a document.
func (s *RedisStore) GetTasks(ctx context.Context, documentID uint64, generation int) ([]types.ApprovalTask, error) {
	return withContext(ctx, func() ([]types.ApprovalTask, error) {
		all, err := s.loadTasks(ctx, documentID)
		if err != nil {
			return nil, err
		}
		var out []types.ApprovalTask
		for _, t := range all {
			if t.Generation == generation {
				out = append(out, t)
			}
		}
		return out, nil
	})
}

// ListTasks retrieves all generations' tasks for a document.
func (s *RedisStore) ListTasks(ctx context.Context, documentID uint64) ([]types.ApprovalTask, error) {
	return withContext(ctx, func() ([]types.ApprovalTask, error) {
		all, err := s.loadTasks(ctx, documentID)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].Generation < all[j].Generation })
		return all, nil
	})
}

// ApplyDecision writes a transitioned task and the updated state atomically.
func (s *RedisStore) ApplyDecision(ctx context.Context, task types.ApprovalTask, state types.DocumentState, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		all, err := s.loadTasks(ctx, task.DocumentID)
		if err != nil {
			return err
		}
		found := false
		for i := range all {
			if all[i].ID == task.ID {
				all[i] = task
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: id=%d", ErrTaskNotFound, task.ID)
		}
		return s.casState(ctx, state.DocumentID, expectedVersion, func(tx *redis.Tx, pipe redis.Pipeliner) error {
			if err := pipeSetJSON(ctx, pipe, fmt.Sprintf("%s%d", statePrefix, state.DocumentID), state); err != nil {
				return err
			}
			return pipeSetJSON(ctx, pipe, fmt.Sprintf("%s%d", taskPrefix, task.DocumentID), all)
		})
	})
}

// SaveDelegation saves a delegation record, appended to the delegator's list.
func (s *RedisStore) SaveDelegation(ctx context.Context, d types.Delegation) error {
	return withContextError(ctx, func() error {
		key := delegationPrefix + d.FromActor
		existing, err := s.loadDelegations(ctx, d.FromActor)
		if err != nil {
			return err
		}
		return s.setJSON(ctx, key, append(existing, d))
	})
}

// loadDelegations fetches the delegation list for a delegator, empty if absent.
func (s *RedisStore) loadDelegations(ctx context.Context, actorID string) ([]types.Delegation, error) {
	data, err := s.client.Get(ctx, delegationPrefix+actorID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delegations for %s: %v", actorID, err)
	}
	var out []types.Delegation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delegations for %s: %v", actorID, err)
	}
	return out, nil
}

// DelegationsFrom returns all delegation records for a delegator.
func (s *RedisStore) DelegationsFrom(ctx context.Context, actorID string) ([]types.Delegation, error) {
	return withContext(ctx, func() ([]types.Delegation, error) {
		return s.loadDelegations(ctx, actorID)
	})
}
