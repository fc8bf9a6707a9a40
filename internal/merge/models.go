package merge

import (
	"time"

	id "trapline/pkg/domain"
)

// Edge is the append-only audit record of one merge. It survives later
// re-flattening of the live pointer, so the full history of how an entity
// came to be canonical stays reconstructable.
type Edge struct {
	ID        id.EdgeID
	SourceID  id.EntityID
	TargetID  id.EntityID
	Reason    string
	Actor     string
	CreatedAt time.Time
}

// Lineage describes an entity's position in the merge graph.
type Lineage struct {
	Entity     id.EntityID
	MergedInto *id.EntityID
	// AbsorbedFrom lists entities whose live pointer targets this entity.
	AbsorbedFrom []id.EntityID
	// Edges is the full append-only history touching this entity.
	Edges []Edge
}
