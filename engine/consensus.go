package engine

import (
	"sort"

	"github.com/docuflow/approval-engine/types"
)

// stage is one order value in a materialized chain: either a single
// sequential step's task(s) or one parallel group's member tasks.
type stage struct {
	order     int
	consensus string
	tasks     []types.ApprovalTask
}

// splitStages groups one generation's tasks by stage order, ascending.
func splitStages(tasks []types.ApprovalTask) []stage {
	byOrder := make(map[int][]types.ApprovalTask)
	var orders []int
	for _, t := range tasks {
		if _, seen := byOrder[t.StageOrder]; !seen {
			orders = append(orders, t.StageOrder)
		}
		byOrder[t.StageOrder] = append(byOrder[t.StageOrder], t)
	}
	sort.Ints(orders)

	stages := make([]stage, 0, len(orders))
	for _, o := range orders {
		members := byOrder[o]
		consensus := ""
		for _, t := range members {
			if t.Consensus != "" {
				consensus = t.Consensus
				break
			}
		}
		stages = append(stages, stage{order: o, consensus: consensus, tasks: members})
	}
	return stages
}

// outcome combines the stage's member task statuses into one stage status.
// A single reject or return settles the stage regardless of consensus rule,
// matching the document-level short-circuit; only the approval threshold
// varies by rule. An ungrouped stage holding several tasks means one step
// resolved to several co-holders of a position; any one of them approves for
// the stage, so it combines like an "any" group.
func (s stage) outcome() string {
	approved := 0
	for _, t := range s.tasks {
		switch t.Status {
		case types.StatusApproved:
			approved++
		case types.StatusRejected:
			return types.StatusRejected
		case types.StatusReturned:
			return types.StatusReturned
		}
	}

	switch s.consensus {
	case types.ConsensusAll:
		if approved == len(s.tasks) {
			return types.StatusApproved
		}
	case types.ConsensusMajority:
		if approved*2 > len(s.tasks) {
			return types.StatusApproved
		}
	default: // "any" groups and ungrouped stages
		if approved > 0 {
			return types.StatusApproved
		}
	}
	return types.StatusPending
}

// deriveStatus projects a document status from one generation's task set:
// a single reject or return anywhere is terminal for the document; the
// document is approved only when every stage's outcome is approved.
func deriveStatus(tasks []types.ApprovalTask) string {
	stages := splitStages(tasks)
	if len(stages) == 0 {
		return types.StatusPending
	}
	allApproved := true
	for _, s := range stages {
		switch s.outcome() {
		case types.StatusReturned:
			return types.StatusReturned
		case types.StatusRejected:
			return types.StatusRejected
		case types.StatusPending:
			allApproved = false
		}
	}
	if allApproved {
		return types.StatusApproved
	}
	return types.StatusPending
}

// gateOpen reports whether the stage holding the given order is actionable:
// every stage with a strictly smaller order has outcome approved. Members
// of one stage never gate each other.
func gateOpen(tasks []types.ApprovalTask, order int) bool {
	for _, s := range splitStages(tasks) {
		if s.order >= order {
			break
		}
		if s.outcome() != types.StatusApproved {
			return false
		}
	}
	return true
}

// nextActionable returns the pending tasks of the lowest not-yet-approved
// stage, or nil when no stage is actionable (terminal or fully approved).
func nextActionable(tasks []types.ApprovalTask) []types.ApprovalTask {
	for _, s := range splitStages(tasks) {
		switch s.outcome() {
		case types.StatusApproved:
			continue
		case types.StatusPending:
			var pending []types.ApprovalTask
			for _, t := range s.tasks {
				if t.Status == types.StatusPending {
					pending = append(pending, t)
				}
			}
			return pending
		default:
			return nil
		}
	}
	return nil
}
