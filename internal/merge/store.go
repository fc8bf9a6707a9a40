package merge

import (
	"context"

	id "trapline/pkg/domain"
)

// EdgeStore persists merge edges. Append-only: edges are never updated or
// deleted, even when the live pointer is later rewritten by flatten.
type EdgeStore interface {
	Append(ctx context.Context, edge Edge) error
	// ListByEntity returns every edge where the entity appears as source or
	// target, oldest first.
	ListByEntity(ctx context.Context, entityID id.EntityID) ([]Edge, error)
}
