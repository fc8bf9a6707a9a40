package decision

import (
	"context"

	id "trapline/pkg/domain"
)

// Store persists the decision audit log and the potential-duplicate queue.
type Store interface {
	// AppendDecision writes one audit record. Records are never updated.
	AppendDecision(ctx context.Context, d MatchDecision) error

	// FindByFingerprint returns the most recent decision for an input
	// digest, or sentinel.ErrNotFound.
	FindByFingerprint(ctx context.Context, fingerprint string) (MatchDecision, error)

	// ListDecisionsByEntity returns decisions that resolved to an entity,
	// newest first.
	ListDecisionsByEntity(ctx context.Context, entityID id.EntityID) ([]MatchDecision, error)

	// UpsertDuplicate inserts a potential duplicate, or when the
	// (entity, matched) pair already exists, keeps the greatest confidence
	// seen and refreshes the evidence.
	UpsertDuplicate(ctx context.Context, dup PotentialDuplicate) error

	// ListDuplicates returns flags with the given status, oldest first.
	// Empty status means all.
	ListDuplicates(ctx context.Context, status DuplicateStatus) ([]PotentialDuplicate, error)
}
