package storage

import (
	"context"
	"errors"

	"github.com/docuflow/approval-engine/types"
)

// Standard error definitions
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrStateNotFound    = errors.New("document state not found")
	ErrTaskNotFound     = errors.New("task not found")

	// ErrVersionConflict is returned when a compare-and-swap write observed
	// a document-state version other than the one the caller read. The
	// caller re-reads and retries.
	ErrVersionConflict = errors.New("document state version conflict")
)

// Store persists templates, per-document chain state, approval tasks, and
// delegations. Writes that touch a document's state take the version the
// caller read; a mismatch fails with ErrVersionConflict so that concurrent
// decisions on one document serialize through an optimistic check rather
// than a global lock.
type Store interface {
	// SaveTemplate saves a workflow template definition.
	SaveTemplate(ctx context.Context, tmpl types.WorkflowTemplate) error

	// GetTemplate retrieves a workflow template by ID.
	GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error)

	// GetState retrieves the engine's per-document record.
	GetState(ctx context.Context, documentID uint64) (types.DocumentState, error)

	// PutState writes a document state record if the stored version equals
	// expectedVersion (0 for a record that must not yet exist).
	PutState(ctx context.Context, state types.DocumentState, expectedVersion uint64) error

	// AppendGeneration atomically persists a new generation's task set
	// together with the updated document state, under the same version
	// check as PutState. All-or-nothing.
	AppendGeneration(ctx context.Context, state types.DocumentState, tasks []types.ApprovalTask, expectedVersion uint64) error

	// GetTasks retrieves one generation's tasks for a document, in
	// materialization order.
	GetTasks(ctx context.Context, documentID uint64, generation int) ([]types.ApprovalTask, error)

	// ListTasks retrieves every generation's tasks for a document, oldest
	// generation first. Retained rows are the audit history.
	ListTasks(ctx context.Context, documentID uint64) ([]types.ApprovalTask, error)

	// ApplyDecision atomically writes one transitioned task and the updated
	// document state, under the same version check as PutState.
	ApplyDecision(ctx context.Context, task types.ApprovalTask, state types.DocumentState, expectedVersion uint64) error

	// SaveDelegation saves a delegation record.
	SaveDelegation(ctx context.Context, d types.Delegation) error

	// DelegationsFrom returns all delegation records where the actor is the
	// delegator. Satisfies the resolver's delegation source.
	DelegationsFrom(ctx context.Context, actorID string) ([]types.Delegation, error)
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

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
