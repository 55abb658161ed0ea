package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/approval-engine/types"
)

func newTask(id, docID uint64, generation, order int, actor string) types.ApprovalTask {
	return types.ApprovalTask{
		ID:         id,
		DocumentID: docID,
		Generation: generation,
		StageOrder: order,
		ActorID:    actor,
		Status:     types.StatusPending,
	}
}

func newState(docID uint64, generation int, version uint64) types.DocumentState {
	return types.DocumentState{
		DocumentID: docID,
		Generation: generation,
		Status:     types.StatusPending,
		Version:    version,
		UpdatedAt:  time.Now().UnixMilli(),
	}
}

func TestMemoryStoreTemplates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tmpl := types.WorkflowTemplate{
		ID: 1,
		Steps: []types.Step{
			{ID: 1, Kind: types.StepSequential, Order: 1, Approver: types.ApproverRef{Kind: types.RefPosition, ID: "p1"}, Required: true},
		},
	}
	require.NoError(t, store.SaveTemplate(ctx, tmpl))

	got, err := store.GetTemplate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, tmpl, got)

	_, err = store.GetTemplate(ctx, 99)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestMemoryStoreStateCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Create requires expected version 0.
	require.NoError(t, store.PutState(ctx, newState(10, 1, 1), 0))
	assert.ErrorIs(t, store.PutState(ctx, newState(10, 1, 1), 0), ErrVersionConflict)

	// Update requires the stored version.
	require.NoError(t, store.PutState(ctx, newState(10, 1, 2), 1))
	assert.ErrorIs(t, store.PutState(ctx, newState(10, 1, 3), 1), ErrVersionConflict)

	got, err := store.GetState(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)

	_, err = store.GetState(ctx, 99)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStoreAppendGeneration(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	gen1 := []types.ApprovalTask{newTask(1, 10, 1, 1, "alice"), newTask(2, 10, 1, 2, "bob")}
	require.NoError(t, store.AppendGeneration(ctx, newState(10, 1, 1), gen1, 0))

	// Stale version leaves both state and tasks untouched.
	err := store.AppendGeneration(ctx, newState(10, 2, 5), []types.ApprovalTask{newTask(3, 10, 2, 1, "carol")}, 4)
	assert.ErrorIs(t, err, ErrVersionConflict)

	tasks, err := store.ListTasks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	gen2 := []types.ApprovalTask{newTask(3, 10, 2, 1, "carol")}
	require.NoError(t, store.AppendGeneration(ctx, newState(10, 2, 2), gen2, 1))

	latest, err := store.GetTasks(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "carol", latest[0].ActorID)

	all, err := store.ListTasks(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Generation)
	assert.Equal(t, 2, all[2].Generation)
}

func TestMemoryStoreApplyDecision(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.AppendGeneration(ctx, newState(10, 1, 1), []types.ApprovalTask{newTask(1, 10, 1, 1, "alice")}, 0))

	decided := newTask(1, 10, 1, 1, "alice")
	decided.Status = types.StatusApproved
	decided.Remarks = "ok"
	decided.ActedAt = time.Now().UnixMilli()

	state := newState(10, 1, 2)
	state.Status = types.StatusApproved
	require.NoError(t, store.ApplyDecision(ctx, decided, state, 1))

	tasks, err := store.GetTasks(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusApproved, tasks[0].Status)
	assert.Equal(t, "ok", tasks[0].Remarks)

	// Version conflict rejects the write.
	again := decided
	again.Status = types.StatusRejected
	assert.ErrorIs(t, store.ApplyDecision(ctx, again, newState(10, 1, 3), 1), ErrVersionConflict)

	// Unknown task id.
	missing := newTask(99, 10, 1, 1, "x")
	assert.ErrorIs(t, store.ApplyDecision(ctx, missing, newState(10, 1, 3), 2), ErrTaskNotFound)
}

func TestMemoryStoreDelegations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	d1 := types.Delegation{ID: 1, FromActor: "alice", ToActor: "bob", Start: now, Active: true, CreatedAt: now}
	d2 := types.Delegation{ID: 2, FromActor: "alice", ToActor: "carol", Start: now, Active: true, CreatedAt: now.Add(time.Minute)}
	require.NoError(t, store.SaveDelegation(ctx, d1))
	require.NoError(t, store.SaveDelegation(ctx, d2))

	got, err := store.DelegationsFrom(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.DelegationsFrom(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestMemoryStoreConcurrentCAS hammers the version check from many
// goroutines; exactly one writer may win each version.
func TestMemoryStoreConcurrentCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutState(ctx, newState(10, 1, 1), 0))

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.PutState(ctx, newState(10, 1, 2), 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	got, err := store.GetState(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
}

func TestMemoryStoreContextCancellation(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.SaveTemplate(ctx, types.WorkflowTemplate{ID: 1}), context.Canceled)
	_, err := store.ListTasks(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
