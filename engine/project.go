package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/approval-engine/storage"
	"github.com/docuflow/approval-engine/types"
)

// Project derives the document's externally visible status from its
// current-generation task set. The derivation is the source of truth; the
// status cached on the document state record is refreshed here when it has
// drifted. The refresh is best-effort; a concurrent decision wins.
func (e *Engine) Project(ctx context.Context, documentID uint64) (string, error) {
	state, err := e.store.GetState(ctx, documentID)
	if err != nil {
		return "", fmt.Errorf("failed to read document state: %w", err)
	}
	if state.Archived {
		return "", fmt.Errorf("%w: document=%d", ErrDocumentArchived, documentID)
	}

	tasks, err := e.store.GetTasks(ctx, documentID, state.Generation)
	if err != nil {
		return "", fmt.Errorf("failed to read tasks: %w", err)
	}

	status := deriveStatus(tasks)
	if status != state.Status {
		refreshed := state
		refreshed.Status = status
		refreshed.Version = state.Version + 1
		refreshed.UpdatedAt = time.Now().UnixMilli()
		if err := e.store.PutState(ctx, refreshed, state.Version); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
			e.logger.Warn("failed to refresh cached status",
				zap.Uint64("document_id", documentID),
				zap.Error(err))
		}
	}
	return status, nil
}

// PendingTasks returns the current generation's actionable tasks: the
// pending members of the lowest unresolved stage, provided the document is
// still in flight. Used by callers that surface work lists to actors.
func (e *Engine) PendingTasks(ctx context.Context, documentID uint64) ([]types.ApprovalTask, error) {
	state, err := e.store.GetState(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read document state: %w", err)
	}
	if state.Archived {
		return nil, fmt.Errorf("%w: document=%d", ErrDocumentArchived, documentID)
	}
	if types.Terminal(state.Status) {
		return nil, nil
	}
	tasks, err := e.store.GetTasks(ctx, documentID, state.Generation)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	return nextActionable(tasks), nil
}

// History returns every generation's tasks for a document, oldest first.
// Superseded generations are never mutated; they are the audit trail.
func (e *Engine) History(ctx context.Context, documentID uint64) ([]types.ApprovalTask, error) {
	return e.store.ListTasks(ctx, documentID)
}
