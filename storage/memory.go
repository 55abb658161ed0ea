package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/docuflow/approval-engine/types"
)

// MemoryStore is an in-memory implementation of the Store interface.
type MemoryStore struct {
	templates   map[uint64]types.WorkflowTemplate
	states      map[uint64]types.DocumentState
	tasks       map[uint64][]types.ApprovalTask // document id -> all generations
	delegations map[string][]types.Delegation   // from-actor -> records
	mu          sync.RWMutex
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates:   make(map[uint64]types.WorkflowTemplate),
		states:      make(map[uint64]types.DocumentState),
		tasks:       make(map[uint64][]types.ApprovalTask),
		delegations: make(map[string][]types.Delegation),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveTemplate saves a template to memory.
func (s *MemoryStore) SaveTemplate(ctx context.Context, tmpl types.WorkflowTemplate) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.templates[tmpl.ID] = tmpl
		return nil
	})
}

// GetTemplate retrieves a template from memory.
func (s *MemoryStore) GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.templates, id, ErrTemplateNotFound)
}

// GetState retrieves a document state record from memory.
func (s *MemoryStore) GetState(ctx context.Context, documentID uint64) (types.DocumentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.states, documentID, ErrStateNotFound)
}

// checkVersion verifies the stored version under an already-held lock.
func (s *MemoryStore) checkVersion(documentID, expected uint64) error {
	current := uint64(0)
	if st, ok := s.states[documentID]; ok {
		current = st.Version
	}
	if current != expected {
		return fmt.Errorf("%w: document=%d expected=%d current=%d", ErrVersionConflict, documentID, expected, current)
	}
	return nil
}

// PutState writes a document state record under a version check.
func (s *MemoryStore) PutState(ctx context.Context, state types.DocumentState, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkVersion(state.DocumentID, expectedVersion); err != nil {
			return err
		}
		s.states[state.DocumentID] = state
		return nil
	})
}

// AppendGeneration persists a new generation's tasks and state atomically.
func (s *MemoryStore) AppendGeneration(ctx context.Context, state types.DocumentState, tasks []types.ApprovalTask, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkVersion(state.DocumentID, expectedVersion); err != nil {
			return err
		}
		s.states[state.DocumentID] = state
		s.tasks[state.DocumentID] = append(s.tasks[state.DocumentID], tasks...)
		return nil
	})
}

// GetTasks retrieves one generation's tasks for a document.
func (s *MemoryStore) GetTasks(ctx context.Context, documentID uint64, generation int) ([]types.ApprovalTask, error) {
	return withContext(ctx, func() ([]types.ApprovalTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ApprovalTask
		for _, t := range s.tasks[documentID] {
			if t.Generation == generation {
				out = append(out, t)
			}
		}
		return out, nil
	})
}

// ListTasks retrieves all generations' tasks for a document.
func (s *MemoryStore) ListTasks(ctx context.Context, documentID uint64) ([]types.ApprovalTask, error) {
	return withContext(ctx, func() ([]types.ApprovalTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.ApprovalTask, len(s.tasks[documentID]))
		copy(out, s.tasks[documentID])
		sort.SliceStable(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
		return out, nil
	})
}

// ApplyDecision writes a transitioned task and the updated state atomically.
func (s *MemoryStore) ApplyDecision(ctx context.Context, task types.ApprovalTask, state types.DocumentState, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkVersion(state.DocumentID, expectedVersion); err != nil {
			return err
		}
		rows := s.tasks[task.DocumentID]
		for i := range rows {
			if rows[i].ID == task.ID {
				rows[i] = task
				s.states[state.DocumentID] = state
				return nil
			}
		}
		return fmt.Errorf("%w: id=%d", ErrTaskNotFound, task.ID)
	})
}

// SaveDelegation saves a delegation record to memory.
func (s *MemoryStore) SaveDelegation(ctx context.Context, d types.Delegation) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.delegations[d.FromActor] = append(s.delegations[d.FromActor], d)
		return nil
	})
}

// DelegationsFrom returns all delegation records for a delegator.
func (s *MemoryStore) DelegationsFrom(ctx context.Context, actorID string) ([]types.Delegation, error) {
	return withContext(ctx, func() ([]types.Delegation, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Delegation, len(s.delegations[actorID]))
		copy(out, s.delegations[actorID])
		return out, nil
	})
}
