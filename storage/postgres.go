package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docuflow/approval-engine/types"
)

// PostgresStore is a Postgres-backed implementation of the Store interface.
// Generation appends and decision writes run in a transaction; the version
// check is an UPDATE ... WHERE version=$n whose row count decides the CAS.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore over an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema is the persisted state layout. Callers apply it via EnsureSchema
// or their own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_templates (
	id               BIGINT PRIMARY KEY,
	document_type_id BIGINT NOT NULL,
	name             TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS steps (
	id                BIGINT PRIMARY KEY,
	template_id       BIGINT NOT NULL REFERENCES workflow_templates(id) ON DELETE CASCADE,
	step_kind         TEXT NOT NULL,
	step_order        INT NOT NULL CHECK (step_order >= 0),
	approver_ref_kind TEXT NOT NULL,
	approver_ref_id   TEXT NOT NULL,
	is_required       BOOLEAN NOT NULL DEFAULT TRUE,
	timeout_ns        BIGINT NOT NULL DEFAULT 0,
	group_id          BIGINT,
	condition_field   TEXT,
	condition_op      TEXT,
	condition_value   JSONB
);
CREATE TABLE IF NOT EXISTS parallel_groups (
	id          BIGINT PRIMARY KEY,
	template_id BIGINT NOT NULL REFERENCES workflow_templates(id) ON DELETE CASCADE,
	step_order  INT NOT NULL,
	consensus   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS document_states (
	document_id BIGINT PRIMARY KEY,
	generation  INT NOT NULL,
	status      TEXT NOT NULL,
	version     BIGINT NOT NULL,
	archived    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at  BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS approval_tasks (
	id                BIGINT PRIMARY KEY,
	document_id       BIGINT NOT NULL,
	generation        INT NOT NULL,
	stage_order       INT NOT NULL,
	group_id          BIGINT,
	consensus         TEXT NOT NULL DEFAULT '',
	actor_id          TEXT NOT NULL,
	original_actor_id TEXT NOT NULL DEFAULT '',
	is_delegated      BOOLEAN NOT NULL DEFAULT FALSE,
	status            TEXT NOT NULL,
	remarks           TEXT NOT NULL DEFAULT '',
	acted_at          BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS approval_tasks_doc_gen ON approval_tasks(document_id, generation, stage_order, id);
CREATE TABLE IF NOT EXISTS delegations (
	id              BIGINT PRIMARY KEY,
	from_actor      TEXT NOT NULL,
	to_actor        TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	effective_start TIMESTAMPTZ NOT NULL,
	effective_end   TIMESTAMPTZ,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS delegations_from ON delegations(from_actor);
`

// EnsureSchema applies the schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// SaveTemplate saves a template and its steps and groups in one transaction.
func (s *PostgresStore) SaveTemplate(ctx context.Context, tmpl types.WorkflowTemplate) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO workflow_templates(id,document_type_id,name) VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET document_type_id=EXCLUDED.document_type_id, name=EXCLUDED.name`,
		tmpl.ID, tmpl.DocumentTypeID, tmpl.Name)
	if err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM steps WHERE template_id=$1`, tmpl.ID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `DELETE FROM parallel_groups WHERE template_id=$1`, tmpl.ID); err != nil {
		return err
	}

	for _, g := range tmpl.Groups {
		_, err = tx.Exec(ctx, `INSERT INTO parallel_groups(id,template_id,step_order,consensus) VALUES($1,$2,$3,$4)`,
			g.ID, tmpl.ID, g.Order, g.Consensus)
		if err != nil {
			return err
		}
	}
	for _, st := range tmpl.Steps {
		var condField, condOp *string
		var condValue []byte
		if st.Condition != nil {
			condField, condOp = &st.Condition.Field, &st.Condition.Operator
			if condValue, err = json.Marshal(st.Condition.Value); err != nil {
				return fmt.Errorf("step %d: failed to marshal condition value: %w", st.ID, err)
			}
		}
		var groupID *uint64
		if st.GroupID != 0 {
			groupID = &st.GroupID
		}
		_, err = tx.Exec(ctx, `INSERT INTO steps(id,template_id,step_kind,step_order,approver_ref_kind,approver_ref_id,is_required,timeout_ns,group_id,condition_field,condition_op,condition_value)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			st.ID, tmpl.ID, st.Kind, st.Order, st.Approver.Kind, st.Approver.ID, st.Required, int64(st.Timeout), groupID, condField, condOp, condValue)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetTemplate retrieves a template with its steps and groups.
func (s *PostgresStore) GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	var tmpl types.WorkflowTemplate
	err := s.db.QueryRow(ctx, `SELECT id,document_type_id,name FROM workflow_templates WHERE id=$1`, id).
		Scan(&tmpl.ID, &tmpl.DocumentTypeID, &tmpl.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowTemplate{}, fmt.Errorf("%w: id=%d", ErrTemplateNotFound, id)
	}
	if err != nil {
		return types.WorkflowTemplate{}, err
	}

	rows, err := s.db.Query(ctx, `SELECT id,step_order,consensus FROM parallel_groups WHERE template_id=$1 ORDER BY step_order,id`, id)
	if err != nil {
		return types.WorkflowTemplate{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var g types.ParallelGroup
		if err := rows.Scan(&g.ID, &g.Order, &g.Consensus); err != nil {
			return types.WorkflowTemplate{}, err
		}
		tmpl.Groups = append(tmpl.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return types.WorkflowTemplate{}, err
	}

	stepRows, err := s.db.Query(ctx, `SELECT id,step_kind,step_order,approver_ref_kind,approver_ref_id,is_required,timeout_ns,group_id,condition_field,condition_op,condition_value
		FROM steps WHERE template_id=$1 ORDER BY step_order,id`, id)
	if err != nil {
		return types.WorkflowTemplate{}, err
	}
	defer stepRows.Close()
	for stepRows.Next() {
		var st types.Step
		var timeoutNS int64
		var groupID *uint64
		var condField, condOp *string
		var condValue []byte
		if err := stepRows.Scan(&st.ID, &st.Kind, &st.Order, &st.Approver.Kind, &st.Approver.ID, &st.Required, &timeoutNS, &groupID, &condField, &condOp, &condValue); err != nil {
			return types.WorkflowTemplate{}, err
		}
		st.Timeout = time.Duration(timeoutNS)
		if groupID != nil {
			st.GroupID = *groupID
		}
		if condField != nil && condOp != nil {
			cond := &types.Condition{Field: *condField, Operator: *condOp}
			if len(condValue) > 0 {
				if err := json.Unmarshal(condValue, &cond.Value); err != nil {
					return types.WorkflowTemplate{}, fmt.Errorf("step %d: failed to unmarshal condition value: %w", st.ID, err)
				}
			}
			st.Condition = cond
		}
		tmpl.Steps = append(tmpl.Steps, st)
	}
	return tmpl, stepRows.Err()
}

// GetState retrieves a document state record.
func (s *PostgresStore) GetState(ctx context.Context, documentID uint64) (types.DocumentState, error) {
	var st types.DocumentState
	err := s.db.QueryRow(ctx, `SELECT document_id,generation,status,version,archived,updated_at FROM document_states WHERE document_id=$1`, documentID).
		Scan(&st.DocumentID, &st.Generation, &st.Status, &st.Version, &st.Archived, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.DocumentState{}, fmt.Errorf("%w: id=%d", ErrStateNotFound, documentID)
	}
	return st, err
}

// casState applies the version-checked state write inside tx. With
// expectedVersion 0 the row must not exist yet and is inserted.
func casState(ctx context.Context, tx pgx.Tx, state types.DocumentState, expectedVersion uint64) error {
	if expectedVersion == 0 {
		_, err := tx.Exec(ctx, `INSERT INTO document_states(document_id,generation,status,version,archived,updated_at) VALUES($1,$2,$3,$4,$5,$6)`,
			state.DocumentID, state.Generation, state.Status, state.Version, state.Archived, state.UpdatedAt)
		if err != nil {
			return fmt.Errorf("%w: document=%d insert: %v", ErrVersionConflict, state.DocumentID, err)
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `UPDATE document_states SET generation=$2,status=$3,version=$4,archived=$5,updated_at=$6 WHERE document_id=$1 AND version=$7`,
		state.DocumentID, state.Generation, state.Status, state.Version, state.Archived, state.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document=%d expected=%d", ErrVersionConflict, state.DocumentID, expectedVersion)
	}
	return nil
}

// PutState writes a document state record under a version check.
func (s *PostgresStore) PutState(ctx context.Context, state types.DocumentState, expectedVersion uint64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := casState(ctx, tx, state, expectedVersion); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AppendGeneration persists a new generation's tasks and state atomically.
func (s *PostgresStore) AppendGeneration(ctx context.Context, state types.DocumentState, tasks []types.ApprovalTask, expectedVersion uint64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := casState(ctx, tx, state, expectedVersion); err != nil {
		return err
	}
	for _, t := range tasks {
		var groupID *uint64
		if t.GroupID != 0 {
			groupID = &t.GroupID
		}
		_, err = tx.Exec(ctx, `INSERT INTO approval_tasks(id,document_id,generation,stage_order,group_id,consensus,actor_id,original_actor_id,is_delegated,status,remarks,acted_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			t.ID, t.DocumentID, t.Generation, t.StageOrder, groupID, t.Consensus, t.ActorID, t.OriginalActor, t.Delegated, t.Status, t.Remarks, t.ActedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// scanTasks drains a task query result.
func scanTasks(rows pgx.Rows) ([]types.ApprovalTask, error) {
	defer rows.Close()
	var out []types.ApprovalTask
	for rows.Next() {
		var t types.ApprovalTask
		var groupID *uint64
		if err := rows.Scan(&t.ID, &t.DocumentID, &t.Generation, &t.StageOrder, &groupID, &t.Consensus, &t.ActorID, &t.OriginalActor, &t.Delegated, &t.Status, &t.Remarks, &t.ActedAt); err != nil {
			return nil, err
		}
		if groupID != nil {
			t.GroupID = *groupID
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const taskColumns = `id,document_id,generation,stage_order,group_id,consensus,actor_id,original_actor_id,is_delegated,status,remarks,acted_at`

// GetTasks retrieves one generation's tasks for a document.
func (s *PostgresStore) GetTasks(ctx context.Context, documentID uint64, generation int) ([]types.ApprovalTask, error) {
	rows, err := s.db.Query(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE document_id=$1 AND generation=$2 ORDER BY stage_order,id`, documentID, generation)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ListTasks retrieves all generations' tasks for a document.
func (s *PostgresStore) ListTasks(ctx context.Context, documentID uint64) ([]types.ApprovalTask, error) {
	rows, err := s.db.Query(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE document_id=$1 ORDER BY generation,stage_order,id`, documentID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ApplyDecision writes a transitioned task and the updated state atomically.
func (s *PostgresStore) ApplyDecision(ctx context.Context, task types.ApprovalTask, state types.DocumentState, expectedVersion uint64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := casState(ctx, tx, state, expectedVersion); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE approval_tasks SET status=$2,remarks=$3,acted_at=$4 WHERE id=$1`,
		task.ID, task.Status, task.Remarks, task.ActedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%d", ErrTaskNotFound, task.ID)
	}
	return tx.Commit(ctx)
}

// SaveDelegation saves a delegation record.
func (s *PostgresStore) SaveDelegation(ctx context.Context, d types.Delegation) error {
	_, err := s.db.Exec(ctx, `INSERT INTO delegations(id,from_actor,to_actor,reason,effective_start,effective_end,active,created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.FromActor, d.ToActor, d.Reason, d.Start, d.End, d.Active, d.CreatedAt)
	return err
}

// DelegationsFrom returns all delegation records for a delegator.
func (s *PostgresStore) DelegationsFrom(ctx context.Context, actorID string) ([]types.Delegation, error) {
	rows, err := s.db.Query(ctx, `SELECT id,from_actor,to_actor,reason,effective_start,effective_end,active,created_at FROM delegations WHERE from_actor=$1 ORDER BY created_at,id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Delegation
	for rows.Next() {
		var d types.Delegation
		if err := rows.Scan(&d.ID, &d.FromActor, &d.ToActor, &d.Reason, &d.Start, &d.End, &d.Active, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
