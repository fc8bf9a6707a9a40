package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"trapline/internal/entity"
	id "trapline/pkg/domain"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/sentinel"
	"trapline/pkg/platform/tx"
	"trapline/pkg/requestcontext"
)

// Manager owns the merge lifecycle: it records append-only merge edges,
// flips the loser's merged_into pointer, and keeps pointer chains flat so
// canonical resolution never walks more than one hop.
type Manager struct {
	entities entity.Store
	edges    EdgeStore
	runner   tx.Runner
	log      *slog.Logger
}

func NewManager(entities entity.Store, edges EdgeStore, runner tx.Runner, log *slog.Logger) *Manager {
	return &Manager{entities: entities, edges: edges, runner: runner, log: log}
}

// Merge absorbs source into target. The target is canonicalized first, so a
// request naming an already-merged target lands on its survivor instead of
// growing a chain; the store repoints anything the source had absorbed in
// the same write, so pointers stay one hop deep after every merge. A
// self-merge (direct, or one that becomes self after canonicalization) is an
// invariant violation, not a retryable conflict.
func (m *Manager) Merge(ctx context.Context, source, target id.EntityID, reason string) (Edge, error) {
	canonical, err := m.Canonical(ctx, target)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Edge{}, dErrors.Wrap(err, dErrors.CodeNotFound, "merge target not found")
		}
		return Edge{}, dErrors.Wrap(err, dErrors.CodeInternal, "resolve merge target")
	}

	if source == canonical {
		return Edge{}, dErrors.Newf(dErrors.CodeInvariant, "entity %s cannot merge into itself", source)
	}

	now := requestcontext.Now(ctx)
	edge := Edge{
		ID:        id.NewEdgeID(),
		SourceID:  source,
		TargetID:  canonical,
		Reason:    reason,
		Actor:     requestcontext.Actor(ctx),
		CreatedAt: now,
	}

	// Pointer flip and edge append commit together: lineage must stay
	// reconstructable, so a merge without its audit edge never lands.
	err = m.runner.InTx(ctx, func(ctx context.Context) error {
		if err := m.entities.SetMergedInto(ctx, source, canonical, reason, now); err != nil {
			return err
		}
		if err := m.edges.Append(ctx, edge); err != nil {
			return fmt.Errorf("append merge edge: %w", err)
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return Edge{}, dErrors.Wrap(err, dErrors.CodeNotFound, "merge source not found")
		case errors.Is(err, sentinel.ErrAlreadyMerged):
			return Edge{}, dErrors.Wrap(err, dErrors.CodeAlreadyDone, "source is already merged")
		case errors.Is(err, sentinel.ErrInvalidState):
			return Edge{}, dErrors.Wrap(err, dErrors.CodeInvariant, "merge would violate lineage invariants")
		default:
			return Edge{}, dErrors.Wrap(err, dErrors.CodeInternal, "record merge")
		}
	}

	m.log.InfoContext(ctx, "entity merged",
		slog.String("source_id", source.String()),
		slog.String("target_id", canonical.String()),
		slog.String("reason", reason))
	return edge, nil
}

// Canonical resolves an entity to its surviving record. Because chains are
// flattened at write time this is at most a single hop.
func (m *Manager) Canonical(ctx context.Context, entityID id.EntityID) (id.EntityID, error) {
	e, err := m.entities.GetEntity(ctx, entityID)
	if err != nil {
		return id.EntityID{}, err
	}
	if e.MergedInto != nil {
		return *e.MergedInto, nil
	}
	return e.ID, nil
}

// Flatten rewrites any grandparent pointers left behind by historical data
// or concurrent merges so every merged entity points directly at a canonical
// survivor. Parents are resolved to their terminal survivor, so a single
// pass flattens chains of any depth. The pass is idempotent; a healthy store
// yields zero rewrites.
func (m *Manager) Flatten(ctx context.Context) (int, error) {
	chained, err := m.entities.ListChained(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list chained entities")
	}

	rewritten := 0
	for _, e := range chained {
		if err := ctx.Err(); err != nil {
			return rewritten, err
		}
		if e.MergedInto == nil {
			continue
		}
		canonical, err := m.terminal(ctx, *e.MergedInto)
		if err != nil {
			m.log.WarnContext(ctx, "flatten: unresolvable parent",
				slog.String("entity_id", e.ID.String()),
				slog.String("parent_id", e.MergedInto.String()),
				slog.String("error", err.Error()))
			continue
		}
		if canonical == *e.MergedInto {
			// Another pass already fixed this one.
			continue
		}
		if err := m.entities.RepointMergedInto(ctx, e.ID, canonical); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				// The parent merged again under us; the next pass catches it.
				continue
			}
			return rewritten, dErrors.Wrap(err, dErrors.CodeInternal, "repoint merged entity")
		}
		rewritten++
	}

	if rewritten > 0 {
		m.log.InfoContext(ctx, "merge chains flattened", slog.Int("rewritten", rewritten))
	}
	return rewritten, nil
}

// terminal follows merged_into pointers all the way to the surviving entity.
// Legacy data may hold chains of arbitrary depth; a cycle means the store
// was corrupted outside this package.
func (m *Manager) terminal(ctx context.Context, entityID id.EntityID) (id.EntityID, error) {
	seen := make(map[id.EntityID]struct{})
	current := entityID
	for {
		if _, ok := seen[current]; ok {
			return id.EntityID{}, dErrors.Newf(dErrors.CodeInvariant, "merge pointer cycle at %s", current)
		}
		seen[current] = struct{}{}

		e, err := m.entities.GetEntity(ctx, current)
		if err != nil {
			return id.EntityID{}, err
		}
		if e.MergedInto == nil {
			return e.ID, nil
		}
		current = *e.MergedInto
	}
}

// Lineage assembles the merge history around an entity: where it went,
// what it absorbed, and every edge it participated in.
func (m *Manager) Lineage(ctx context.Context, entityID id.EntityID) (Lineage, error) {
	e, err := m.entities.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Lineage{}, dErrors.Wrap(err, dErrors.CodeNotFound, "entity not found")
		}
		return Lineage{}, dErrors.Wrap(err, dErrors.CodeInternal, "load entity")
	}

	edges, err := m.edges.ListByEntity(ctx, entityID)
	if err != nil {
		return Lineage{}, dErrors.Wrap(err, dErrors.CodeInternal, "load merge edges")
	}

	lin := Lineage{Entity: e.ID, MergedInto: e.MergedInto, Edges: edges}
	for _, edge := range edges {
		if edge.TargetID == entityID {
			lin.AbsorbedFrom = append(lin.AbsorbedFrom, edge.SourceID)
		}
	}
	return lin, nil
}
