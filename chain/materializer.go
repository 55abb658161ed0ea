package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/docuflow/approval-engine/resolver"
	"github.com/docuflow/approval-engine/rules"
	"github.com/docuflow/approval-engine/types"
)

// Standard error definitions
var (
	// ErrNoApprover signals that a required step resolved to zero concrete
	// actors. The whole materialization is aborted; no partial chain is
	// ever handed back.
	ErrNoApprover = errors.New("required step resolved to no approver")

	ErrEmptyChain = errors.New("materialization produced an empty chain")
)

// Overrides lets a document author hand-build an ad hoc chain. When present
// it fully replaces template-driven resolution: Approvers is an explicit
// ordered list of concrete actors (one sequential stage each); Steps is an
// explicit dynamic step list, with Groups supplying consensus rules for any
// parallel members it contains.
type Overrides struct {
	Approvers []string
	Steps     []types.Step
	Groups    []types.ParallelGroup
}

// Empty reports whether the overrides carry nothing.
func (o *Overrides) Empty() bool {
	return o == nil || (len(o.Approvers) == 0 && len(o.Steps) == 0)
}

// Materializer turns a workflow template and a concrete document into the
// flat, ordered set of pending approval tasks for one chain generation.
type Materializer struct {
	evaluator rules.Evaluator
	resolve   *resolver.Resolver
	generate  generator.Generator
}

// New creates a Materializer.
func New(evaluator rules.Evaluator, res *resolver.Resolver, generate generator.Generator) (*Materializer, error) {
	if evaluator == nil {
		return nil, errors.New("evaluator is required")
	}
	if res == nil {
		return nil, errors.New("resolver is required")
	}
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	return &Materializer{evaluator: evaluator, resolve: res, generate: generate}, nil
}

// Materialize walks the template steps in ascending order, drops conditional
// steps whose condition is false against the document's attribute snapshot,
// resolves the rest to concrete actors, and emits one pending task per actor
// tagged with the given generation. All-or-nothing: any resolution failure
// returns an error and no tasks.
func (m *Materializer) Materialize(ctx context.Context, doc types.Document, tmpl types.WorkflowTemplate, generation int, ov *Overrides) ([]types.ApprovalTask, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if !ov.Empty() {
		return m.materializeOverrides(ctx, doc, generation, ov)
	}

	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template %d: %w", tmpl.ID, err)
	}

	groups := make(map[uint64]types.ParallelGroup, len(tmpl.Groups))
	for _, g := range tmpl.Groups {
		groups[g.ID] = g
	}
	return m.walk(ctx, doc, tmpl.Steps, groups, generation)
}

// materializeOverrides builds the chain from caller-supplied approvers or
// steps, bypassing the stored template entirely.
func (m *Materializer) materializeOverrides(ctx context.Context, doc types.Document, generation int, ov *Overrides) ([]types.ApprovalTask, error) {
	if len(ov.Approvers) > 0 {
		tasks := make([]types.ApprovalTask, 0, len(ov.Approvers))
		for i, actor := range ov.Approvers {
			id, err := m.generate.NextID()
			if err != nil {
				return nil, fmt.Errorf("failed to generate task ID: %w", err)
			}
			tasks = append(tasks, types.ApprovalTask{
				ID:         id,
				DocumentID: doc.ID,
				Generation: generation,
				StageOrder: i,
				ActorID:    actor,
				Status:     types.StatusPending,
			})
		}
		return tasks, nil
	}

	groups := make(map[uint64]types.ParallelGroup, len(ov.Groups))
	for _, g := range ov.Groups {
		groups[g.ID] = g
	}
	return m.walk(ctx, doc, ov.Steps, groups, generation)
}

// walk is the shared core: conditional evaluation, resolution, emission.
func (m *Materializer) walk(ctx context.Context, doc types.Document, steps []types.Step, groups map[uint64]types.ParallelGroup, generation int) ([]types.ApprovalTask, error) {
	ordered := make([]types.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	now := time.Now()
	var tasks []types.ApprovalTask
	for _, step := range ordered {
		if step.Kind == types.StepConditional {
			if step.Condition == nil {
				return nil, fmt.Errorf("step %d: conditional step without a condition", step.ID)
			}
			included, err := m.evaluator.Evaluate(*step.Condition, doc.Attributes)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", step.ID, err)
			}
			if !included {
				// A dropped step generates no task and its order does not
				// gate later stages.
				continue
			}
		}

		assignments, err := m.resolve.Resolve(ctx, step.Approver, now)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", step.ID, err)
		}
		if len(assignments) == 0 {
			if step.Required {
				return nil, fmt.Errorf("step %d (%s %q): %w", step.ID, step.Approver.Kind, step.Approver.ID, ErrNoApprover)
			}
			continue
		}

		consensus := ""
		if step.GroupID != 0 {
			g, ok := groups[step.GroupID]
			if !ok {
				return nil, fmt.Errorf("step %d: unknown group %d", step.ID, step.GroupID)
			}
			consensus = g.Consensus
		}

		for _, a := range assignments {
			id, err := m.generate.NextID()
			if err != nil {
				return nil, fmt.Errorf("failed to generate task ID: %w", err)
			}
			tasks = append(tasks, types.ApprovalTask{
				ID:            id,
				DocumentID:    doc.ID,
				Generation:    generation,
				StageOrder:    step.Order,
				GroupID:       step.GroupID,
				Consensus:     consensus,
				ActorID:       a.ActorID,
				OriginalActor: a.OriginalActor,
				Delegated:     a.Delegated,
				Status:        types.StatusPending,
			})
		}
	}

	if len(tasks) == 0 {
		return nil, ErrEmptyChain
	}
	return tasks, nil
}
