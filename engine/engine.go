package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/approval-engine/chain"
	"github.com/docuflow/approval-engine/events"
	"github.com/docuflow/approval-engine/storage"
	"github.com/docuflow/approval-engine/types"
)

// Engine is the run-time core: it materializes chains for submitted
// documents and applies actor decisions one at a time, preserving stage
// ordering and group consensus under concurrent callers.
//
// Concurrency: decisions and generation creation for one document are
// serialized through a per-document mutex; on top of that the store applies
// an optimistic version check, so a second process sharing the store
// surfaces as a version conflict and is retried a bounded number of times.
type Engine struct {
	store       storage.Store
	materialize *chain.Materializer
	bus         *events.Bus
	logger      *zap.Logger
	locks       sync.Map // document id -> *sync.Mutex
	maxRetries  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus attaches the notification/audit bus. Without one, events
// are silently dropped.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLogger sets the logger for swallowed side-effect failures.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxRetries bounds the internal retries on version conflicts.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// New creates an Engine over the given store and materializer.
func New(store storage.Store, m *chain.Materializer, options ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if m == nil {
		return nil, errors.New("materializer is required")
	}
	e := &Engine{
		store:       store,
		materialize: m,
		logger:      zap.NewNop(),
		maxRetries:  3,
	}
	for _, option := range options {
		option(e)
	}
	return e, nil
}

// lock serializes all chain mutations for one document.
func (e *Engine) lock(documentID uint64) func() {
	v, _ := e.locks.LoadOrStore(documentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Submit materializes the first chain generation for a document entering
// the workflow. All-or-nothing: on error no tasks are persisted and the
// caller must roll back document creation as well.
func (e *Engine) Submit(ctx context.Context, doc types.Document, templateID uint64, overrides *chain.Overrides) ([]types.ApprovalTask, error) {
	unlock := e.lock(doc.ID)
	defer unlock()

	if _, err := e.store.GetState(ctx, doc.ID); err == nil {
		return nil, fmt.Errorf("%w: document=%d", ErrAlreadySubmitted, doc.ID)
	} else if !errors.Is(err, storage.ErrStateNotFound) {
		return nil, fmt.Errorf("failed to read document state: %w", err)
	}

	return e.newGeneration(ctx, doc, templateID, overrides, types.DocumentState{}, 1)
}

// Resubmit materializes a fresh chain generation after a returned verdict.
// Prior generations' tasks are retained untouched as history.
func (e *Engine) Resubmit(ctx context.Context, doc types.Document, templateID uint64, overrides *chain.Overrides) ([]types.ApprovalTask, error) {
	unlock := e.lock(doc.ID)
	defer unlock()

	state, err := e.store.GetState(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read document state: %w", err)
	}
	if state.Archived {
		return nil, fmt.Errorf("%w: document=%d", ErrDocumentArchived, doc.ID)
	}
	if state.Status != types.StatusReturned {
		return nil, fmt.Errorf("%w: document=%d status=%s", ErrNotReturned, doc.ID, state.Status)
	}

	return e.newGeneration(ctx, doc, templateID, overrides, state, state.Generation+1)
}

// newGeneration materializes and persists one chain generation, then
// notifies the first stage's actors. Caller holds the document lock.
func (e *Engine) newGeneration(ctx context.Context, doc types.Document, templateID uint64, overrides *chain.Overrides, prev types.DocumentState, generation int) ([]types.ApprovalTask, error) {
	var tmpl types.WorkflowTemplate
	if overrides.Empty() {
		var err error
		tmpl, err = e.store.GetTemplate(ctx, templateID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		if tmpl.DocumentTypeID != 0 && doc.TypeID != 0 && tmpl.DocumentTypeID != doc.TypeID {
			return nil, fmt.Errorf("%w: template %d is for document type %d, got %d", ErrConfiguration, tmpl.ID, tmpl.DocumentTypeID, doc.TypeID)
		}
	}

	tasks, err := e.materialize.Materialize(ctx, doc, tmpl, generation, overrides)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	state := types.DocumentState{
		DocumentID: doc.ID,
		Generation: generation,
		Status:     types.StatusPending,
		Version:    prev.Version + 1,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	if err := e.store.AppendGeneration(ctx, state, tasks, prev.Version); err != nil {
		return nil, fmt.Errorf("failed to persist generation %d: %w", generation, err)
	}

	e.notifyActionable(ctx, nextActionable(tasks))
	return tasks, nil
}

// Decision is the outcome handed back to the actor-decision collaborator:
// the task's new status and the document's (possibly changed) status.
type Decision struct {
	Task           types.ApprovalTask
	DocumentStatus string
	StatusChanged  bool
}

// Decide applies one actor's decision to one approval task. Preconditions:
// the actor is the task's materialized actor, the task is pending in the
// current generation, its stage's outcome is still open, and every earlier
// stage is approved. Transitions are applied atomically with the document
// status under the store's version check.
func (e *Engine) Decide(ctx context.Context, documentID uint64, actorID string, taskID uint64, action, remarks string) (Decision, error) {
	switch action {
	case types.ActionApprove, types.ActionReject, types.ActionReturn:
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	unlock := e.lock(documentID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		decision, err := e.decideOnce(ctx, documentID, actorID, taskID, action, remarks)
		if err == nil {
			return decision, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return Decision{}, err
		}
		lastErr = err
	}
	return Decision{}, fmt.Errorf("%w: %v", ErrConsensusRace, lastErr)
}

// decideOnce runs one read-validate-write cycle. A version conflict means
// another writer got between our read and write; the caller retries.
func (e *Engine) decideOnce(ctx context.Context, documentID uint64, actorID string, taskID uint64, action, remarks string) (Decision, error) {
	state, err := e.store.GetState(ctx, documentID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read document state: %w", err)
	}
	if state.Archived {
		return Decision{}, fmt.Errorf("%w: document=%d", ErrDocumentArchived, documentID)
	}
	if types.Terminal(state.Status) {
		return Decision{}, fmt.Errorf("%w: document=%d status=%s", ErrDocumentTerminal, documentID, state.Status)
	}

	tasks, err := e.store.GetTasks(ctx, documentID, state.Generation)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read tasks: %w", err)
	}

	idx := -1
	for i := range tasks {
		if tasks[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		// A task id from an earlier generation is stale, not missing.
		all, listErr := e.store.ListTasks(ctx, documentID)
		if listErr == nil {
			for _, t := range all {
				if t.ID == taskID {
					return Decision{}, fmt.Errorf("%w: task %d belongs to superseded generation %d", ErrStaleTask, taskID, t.Generation)
				}
			}
		}
		return Decision{}, fmt.Errorf("%w: id=%d", ErrTaskNotFound, taskID)
	}
	task := tasks[idx]

	if task.ActorID != actorID {
		return Decision{}, fmt.Errorf("%w: task %d belongs to %q", ErrUnauthorizedActor, taskID, task.ActorID)
	}
	if task.Status != types.StatusPending {
		return Decision{}, fmt.Errorf("%w: task %d is %s", ErrStaleTask, taskID, task.Status)
	}
	for _, s := range splitStages(tasks) {
		if s.order == task.StageOrder && s.outcome() != types.StatusPending {
			// The stage already settled; remaining pending members are moot.
			return Decision{}, fmt.Errorf("%w: stage %d already %s", ErrStaleTask, s.order, s.outcome())
		}
	}
	if !gateOpen(tasks, task.StageOrder) {
		return Decision{}, fmt.Errorf("%w: task %d at stage %d", ErrOrderingViolation, taskID, task.StageOrder)
	}

	switch action {
	case types.ActionApprove:
		task.Status = types.StatusApproved
	case types.ActionReject:
		task.Status = types.StatusRejected
	case types.ActionReturn:
		task.Status = types.StatusReturned
	}
	task.Remarks = remarks
	task.ActedAt = time.Now().UnixMilli()
	tasks[idx] = task

	newStatus := deriveStatus(tasks)
	newState := state
	newState.Status = newStatus
	newState.Version = state.Version + 1
	newState.UpdatedAt = task.ActedAt

	if err := e.store.ApplyDecision(ctx, task, newState, state.Version); err != nil {
		return Decision{}, err
	}

	e.publishDecided(ctx, task, actorID)
	if types.Terminal(newStatus) {
		e.publishTerminal(ctx, documentID, newStatus)
	} else {
		e.notifyOnUnblock(ctx, tasks, task)
	}

	return Decision{
		Task:           task,
		DocumentStatus: newStatus,
		StatusChanged:  newStatus != state.Status,
	}, nil
}

// notifyOnUnblock fires task.actionable events when the decided task
// settled its stage, unblocking the next one.
func (e *Engine) notifyOnUnblock(ctx context.Context, tasks []types.ApprovalTask, decided types.ApprovalTask) {
	for _, s := range splitStages(tasks) {
		if s.order != decided.StageOrder {
			continue
		}
		if s.outcome() == types.StatusApproved {
			e.notifyActionable(ctx, nextActionable(tasks))
		}
		return
	}
}

// notifyActionable publishes one task.actionable event per pending task.
func (e *Engine) notifyActionable(ctx context.Context, pending []types.ApprovalTask) {
	if e.bus == nil {
		return
	}
	for _, t := range pending {
		ev := events.New(events.EventTaskActionable, t.DocumentID, map[string]interface{}{
			"task_id":     t.ID,
			"actor_id":    t.ActorID,
			"stage_order": t.StageOrder,
			"generation":  t.Generation,
		})
		if err := e.bus.Publish(ctx, ev); err != nil && !errors.Is(err, events.ErrNoHandler) {
			e.logger.Warn("failed to publish task.actionable",
				zap.Uint64("document_id", t.DocumentID),
				zap.Uint64("task_id", t.ID),
				zap.Error(err))
		}
	}
}

// publishDecided emits the audit record for one decision.
func (e *Engine) publishDecided(ctx context.Context, task types.ApprovalTask, actorID string) {
	if e.bus == nil {
		return
	}
	ev := events.New(events.EventTaskDecided, task.DocumentID, map[string]interface{}{
		"task_id":     task.ID,
		"actor_id":    actorID,
		"status":      task.Status,
		"remarks":     task.Remarks,
		"stage_order": task.StageOrder,
		"generation":  task.Generation,
	})
	if err := e.bus.Publish(ctx, ev); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish task.decided",
			zap.Uint64("document_id", task.DocumentID),
			zap.Uint64("task_id", task.ID),
			zap.Error(err))
	}
}

// publishTerminal emits the document-terminal notification.
func (e *Engine) publishTerminal(ctx context.Context, documentID uint64, status string) {
	if e.bus == nil {
		return
	}
	ev := events.New(events.EventDocumentTerminal, documentID, map[string]interface{}{
		"status": status,
	})
	if err := e.bus.Publish(ctx, ev); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Warn("failed to publish document.terminal",
			zap.Uint64("document_id", documentID),
			zap.Error(err))
	}
}

// Archive marks a withdrawn document: its tasks stay untouched for audit
// and its status is no longer projected.
func (e *Engine) Archive(ctx context.Context, documentID uint64) error {
	unlock := e.lock(documentID)
	defer unlock()

	state, err := e.store.GetState(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to read document state: %w", err)
	}
	if state.Archived {
		return nil
	}
	state.Archived = true
	prev := state.Version
	state.Version++
	state.UpdatedAt = time.Now().UnixMilli()
	return e.store.PutState(ctx, state, prev)
}
