package engine

import "errors"

// Standard error definitions. Stale, ordering, and race failures are
// transient: the caller refreshes its view and retries. Configuration and
// authorization failures are not retried.
var (
	// ErrConfiguration signals a chain that cannot be built: a required
	// step resolved to zero actors. The caller must roll back document
	// creation; no partial chain is ever persisted.
	ErrConfiguration = errors.New("chain configuration error")

	// ErrUnauthorizedActor signals a decision by an actor who is not the
	// task's materialized actor.
	ErrUnauthorizedActor = errors.New("actor is not authorized for this task")

	// ErrStaleTask signals a decision on a task that is no longer pending,
	// or that belongs to a superseded generation.
	ErrStaleTask = errors.New("task is not pending")

	// ErrOrderingViolation signals a decision on a task while an earlier
	// stage is not yet approved.
	ErrOrderingViolation = errors.New("earlier stage not yet approved")

	// ErrConsensusRace signals that the optimistic version check kept
	// failing past the retry budget.
	ErrConsensusRace = errors.New("concurrent decision conflict, retry")

	// ErrDocumentTerminal signals a decision against a document already
	// rejected, returned, or approved in its current generation.
	ErrDocumentTerminal = errors.New("document already reached a terminal status")

	// ErrDocumentArchived signals an operation on a document withdrawn by
	// its owner; its status is no longer projected.
	ErrDocumentArchived = errors.New("document is archived")

	// ErrAlreadySubmitted signals a Submit for a document that already has
	// a chain.
	ErrAlreadySubmitted = errors.New("document already has an approval chain")

	// ErrNotReturned signals a Resubmit for a document whose current
	// generation did not end in a returned verdict.
	ErrNotReturned = errors.New("document is not in returned status")

	ErrTaskNotFound = errors.New("task not found in current generation")

	ErrUnknownAction = errors.New("unknown decision action")
)

// Retryable reports whether the caller may retry the operation after
// re-reading the document's tasks.
func Retryable(err error) bool {
	return errors.Is(err, ErrStaleTask) ||
		errors.Is(err, ErrOrderingViolation) ||
		errors.Is(err, ErrConsensusRace)
}
