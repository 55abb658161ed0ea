package types

import (
	"errors"
	"fmt"
	"time"
)

// Step kinds
const (
	StepSequential     = "sequential"
	StepParallelMember = "parallel_member"
	StepConditional    = "conditional"
)

// Approver reference kinds
const (
	RefPosition = "position"
	RefRole     = "role"
	RefUser     = "user"
)

// Consensus rules for parallel groups
const (
	ConsensusAll      = "all"
	ConsensusAny      = "any"
	ConsensusMajority = "majority"
)

// Task and document statuses
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusReturned = "returned"
)

// Condition operators
const (
	OpEq    = "eq"
	OpNe    = "ne"
	OpGt    = "gt"
	OpLt    = "lt"
	OpGe    = "ge"
	OpLe    = "le"
	OpIn    = "in"
	OpNotIn = "not_in"
)

// Decision actions
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionReturn  = "return"
)

// ApproverRef is an abstract reference to whoever should approve a step:
// the current holder(s) of a position or role, or one concrete user.
type ApproverRef struct {
	Kind string `json:"kind"` // "position", "role", "user"
	ID   string `json:"id"`
}

// Condition gates a conditional step on a single document attribute.
// Evaluated once, at materialization time only.
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"` // a list for "in"/"not_in", a scalar otherwise
}

// Step is one entry in a workflow template. Kind distinguishes the variants;
// GroupID is set only for parallel members, Condition only for conditional steps.
type Step struct {
	ID        uint64        `json:"id"`
	Kind      string        `json:"kind"`
	Order     int           `json:"order"`
	Approver  ApproverRef   `json:"approver"`
	Required  bool          `json:"required"`
	Timeout   time.Duration `json:"timeout,omitempty"` // advisory only, never auto-advances
	GroupID   uint64        `json:"group_id,omitempty"`
	Condition *Condition    `json:"condition,omitempty"`
}

// ParallelGroup collects the steps that share one order value and the rule
// by which their individual outcomes combine into one stage outcome.
type ParallelGroup struct {
	ID        uint64 `json:"id"`
	Order     int    `json:"order"`
	Consensus string `json:"consensus"`
}

// WorkflowTemplate is the declarative chain definition for one document type.
// Authored once, reused across many documents, read-only at run time.
type WorkflowTemplate struct {
	ID             uint64          `json:"id"`
	DocumentTypeID uint64          `json:"document_type_id"`
	Name           string          `json:"name"`
	Steps          []Step          `json:"steps"`
	Groups         []ParallelGroup `json:"groups"`
}

// Group looks up a parallel group by ID.
func (t WorkflowTemplate) Group(id uint64) (ParallelGroup, bool) {
	for _, g := range t.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return ParallelGroup{}, false
}

// Validate checks the structural invariants of a template: non-negative
// orders, variant fields matching the step kind, shared orders only inside
// one parallel group, and every group non-empty.
func (t WorkflowTemplate) Validate() error {
	if len(t.Steps) == 0 {
		return errors.New("template must have at least one step")
	}
	orderOwner := make(map[int]uint64) // order -> owning group id (0 = ungrouped)
	members := make(map[uint64]int)
	for _, s := range t.Steps {
		if s.Order < 0 {
			return fmt.Errorf("step %d: order must be non-negative, got %d", s.ID, s.Order)
		}
		switch s.Kind {
		case StepSequential:
			if s.GroupID != 0 {
				return fmt.Errorf("step %d: sequential step cannot have a group", s.ID)
			}
		case StepParallelMember:
			if s.GroupID == 0 {
				return fmt.Errorf("step %d: parallel member requires a group", s.ID)
			}
			g, ok := t.Group(s.GroupID)
			if !ok {
				return fmt.Errorf("step %d: unknown group %d", s.ID, s.GroupID)
			}
			if g.Order != s.Order {
				return fmt.Errorf("step %d: order %d differs from group order %d", s.ID, s.Order, g.Order)
			}
			members[s.GroupID]++
		case StepConditional:
			if s.Condition == nil {
				return fmt.Errorf("step %d: conditional step requires a condition", s.ID)
			}
		default:
			return fmt.Errorf("step %d: unknown kind %q", s.ID, s.Kind)
		}
		if owner, seen := orderOwner[s.Order]; seen {
			if s.GroupID == 0 || owner != s.GroupID {
				return fmt.Errorf("order %d shared outside a single parallel group", s.Order)
			}
		} else {
			orderOwner[s.Order] = s.GroupID
		}
	}
	for _, g := range t.Groups {
		switch g.Consensus {
		case ConsensusAll, ConsensusAny, ConsensusMajority:
		default:
			return fmt.Errorf("group %d: unknown consensus rule %q", g.ID, g.Consensus)
		}
		if members[g.ID] == 0 {
			return fmt.Errorf("group %d has no member steps", g.ID)
		}
	}
	return nil
}

// ApprovalTask is the materialized, per-document unit of work: one row per
// concrete approver. Created in bulk at materialization, transitioned exactly
// once from pending to a terminal status, never deleted.
type ApprovalTask struct {
	ID            uint64 `json:"id"`
	DocumentID    uint64 `json:"document_id"`
	Generation    int    `json:"generation"`
	StageOrder    int    `json:"stage_order"`
	GroupID       uint64 `json:"group_id,omitempty"`
	Consensus     string `json:"consensus,omitempty"`
	ActorID       string `json:"actor_id"`
	OriginalActor string `json:"original_actor,omitempty"`
	Delegated     bool   `json:"is_delegated,omitempty"`
	Status        string `json:"status"`
	Remarks       string `json:"remarks,omitempty"`
	ActedAt       int64  `json:"acted_at,omitempty"` // unix millis, zero until decided
}

// Delegation is a time-bounded substitution of one actor's approval
// authority by another. End == nil means open-ended.
type Delegation struct {
	ID        uint64     `json:"id"`
	FromActor string     `json:"from_actor"`
	ToActor   string     `json:"to_actor"`
	Reason    string     `json:"reason,omitempty"`
	Start     time.Time  `json:"effective_start"`
	End       *time.Time `json:"effective_end,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
}

// Covers reports whether the delegation is active at the given instant.
func (d Delegation) Covers(at time.Time) bool {
	if !d.Active || at.Before(d.Start) {
		return false
	}
	return d.End == nil || at.Before(*d.End)
}

// Document is the engine's read-only view of the document under approval:
// the attributes conditional steps may test. The engine owns none of it
// except the derived status cached on DocumentState.
type Document struct {
	ID         uint64                 `json:"id"`
	TypeID     uint64                 `json:"type_id"`
	Attributes map[string]interface{} `json:"attributes"`
}

// DocumentState is the engine's own per-document record: the current chain
// generation, the cached projected status, and an optimistic version counter
// bumped on every write so concurrent decisions can detect each other.
type DocumentState struct {
	DocumentID uint64 `json:"document_id"`
	Generation int    `json:"generation"`
	Status     string `json:"status"`
	Version    uint64 `json:"version"`
	Archived   bool   `json:"archived"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Terminal reports whether a document status admits no further transitions
// within the current generation.
func Terminal(status string) bool {
	return status == StatusApproved || status == StatusRejected || status == StatusReturned
}
