package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/docuflow/approval-engine/types"
)

// Standard error definitions
var (
	ErrUnknownRefKind = errors.New("unknown approver reference kind")
)

// Directory is the read-only identity/org collaborator: who currently holds
// a given position or role.
type Directory interface {
	// PositionHolders returns the actor ids currently holding the position.
	PositionHolders(ctx context.Context, positionID string) ([]string, error)

	// RoleHolders returns the actor ids currently assigned the role.
	RoleHolders(ctx context.Context, roleID string) ([]string, error)
}

// DelegationSource supplies the delegations that may apply to an actor.
type DelegationSource interface {
	// DelegationsFrom returns all delegation records where the actor is the
	// delegator, regardless of window or active flag.
	DelegationsFrom(ctx context.Context, actorID string) ([]types.Delegation, error)
}

// Assignment is one concrete approver produced by resolution: the actor who
// will act, and, when a delegation substituted them in, the holder whose
// authority they exercise.
type Assignment struct {
	ActorID       string
	OriginalActor string
	Delegated     bool
}

// Resolver turns an abstract approver reference into concrete actor
// identities at a point in time, applying delegation substitution. Pure
// function of its inputs at call time; the engine never re-resolves a task
// after materialization, so the result is fixed at creation.
type Resolver struct {
	directory   Directory
	delegations DelegationSource
}

// New creates a Resolver over the given directory and delegation source.
func New(directory Directory, delegations DelegationSource) (*Resolver, error) {
	if directory == nil {
		return nil, errors.New("directory is required")
	}
	if delegations == nil {
		return nil, errors.New("delegation source is required")
	}
	return &Resolver{directory: directory, delegations: delegations}, nil
}

// Resolve expands the reference into zero or more assignments as of the
// given instant. A position may be held by zero, one, or several people;
// an empty result is not an error here, the materializer decides whether
// that is fatal based on the step's required flag.
func (r *Resolver) Resolve(ctx context.Context, ref types.ApproverRef, asOf time.Time) ([]Assignment, error) {
	var holders []string
	var err error

	switch ref.Kind {
	case types.RefPosition:
		holders, err = r.directory.PositionHolders(ctx, ref.ID)
	case types.RefRole:
		holders, err = r.directory.RoleHolders(ctx, ref.ID)
	case types.RefUser:
		holders = []string{ref.ID}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRefKind, ref.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s %q: %w", ref.Kind, ref.ID, err)
	}

	assignments := make([]Assignment, 0, len(holders))
	for _, holder := range holders {
		a, err := r.substitute(ctx, holder, asOf)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// substitute applies the active delegation covering asOf, if any. When
// several overlap, the most recently created record wins, with id as the
// final tie-break, so the choice is deterministic.
func (r *Resolver) substitute(ctx context.Context, holder string, asOf time.Time) (Assignment, error) {
	records, err := r.delegations.DelegationsFrom(ctx, holder)
	if err != nil {
		return Assignment{}, fmt.Errorf("failed to load delegations for %q: %w", holder, err)
	}

	covering := records[:0:0]
	for _, d := range records {
		if d.Covers(asOf) {
			covering = append(covering, d)
		}
	}
	if len(covering) == 0 {
		return Assignment{ActorID: holder}, nil
	}

	sort.Slice(covering, func(i, j int) bool {
		if !covering[i].CreatedAt.Equal(covering[j].CreatedAt) {
			return covering[i].CreatedAt.After(covering[j].CreatedAt)
		}
		return covering[i].ID > covering[j].ID
	})

	return Assignment{
		ActorID:       covering[0].ToActor,
		OriginalActor: holder,
		Delegated:     true,
	}, nil
}
