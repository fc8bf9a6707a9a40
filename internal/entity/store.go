package entity

import (
	"context"
	"time"

	id "trapline/pkg/domain"
)

// Store persists entities and their identifiers. Implementations enforce the
// structural invariants at the write path so no caller can violate them:
//
//  1. merged_into chains have depth <= 1 (a merge target must be canonical),
//  2. no entity points at itself,
//  3. at most one active entity holds a high-confidence, non-shared claim on
//     a given (type, normalized value) pair.
//
// Violations surface as sentinel errors (pkg/platform/sentinel) wrapped with
// domain-error codes by the owning service.
type Store interface {
	CreateEntity(ctx context.Context, e Entity) error
	GetEntity(ctx context.Context, entityID id.EntityID) (Entity, error)

	// AttachIdentifier stores an identifier. When the identifier holds a
	// uniqueness claim that an active entity already owns, it returns
	// sentinel.ErrConflict without writing; callers re-fetch the owner and
	// treat the race as a match.
	AttachIdentifier(ctx context.Context, ident Identifier) error

	// IdentifiersByEntity lists all identifiers ever attached to an entity,
	// including those attached before it was merged away.
	IdentifiersByEntity(ctx context.Context, entityID id.EntityID) ([]Identifier, error)

	// FindActiveByIdentifier returns active entities owning the normalized
	// value. Soft-blacklisted (shared) values may return several.
	FindActiveByIdentifier(ctx context.Context, typ IdentifierType, normalized string) ([]Entity, error)

	// ListActive snapshots active entities of a kind for scoring and batch
	// detection. Merged entities never appear here.
	ListActive(ctx context.Context, kind Kind) ([]Entity, error)

	// SetMergedInto points an active source at a canonical target, releasing
	// the source's uniqueness claims. Errors: sentinel.ErrNotFound (either
	// side missing), sentinel.ErrAlreadyMerged (source already merged),
	// sentinel.ErrInvalidState (target itself merged: depth guard), and a
	// self-merge is rejected as sentinel.ErrInvalidState as well.
	SetMergedInto(ctx context.Context, source, target id.EntityID, reason string, at time.Time) error

	// RepointMergedInto rewrites the pointer of an already-merged source to
	// a canonical target. Used only by the flatten pass; the same target
	// guards apply.
	RepointMergedInto(ctx context.Context, source, target id.EntityID) error

	// ListChained returns entities whose merge target is itself merged.
	// A healthy store converges to an empty result.
	ListChained(ctx context.Context) ([]Entity, error)

	// SetHousehold assigns an active entity to a household grouping.
	SetHousehold(ctx context.Context, entityID id.EntityID, household id.HouseholdID) error
}
