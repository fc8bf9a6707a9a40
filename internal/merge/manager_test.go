package merge

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trapline/internal/entity"
	id "trapline/pkg/domain"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/tx"
	"trapline/pkg/requestcontext"
)

func newTestManager(t *testing.T) (*Manager, *entity.InMemoryStore, *InMemoryEdgeStore) {
	t.Helper()
	entities := entity.NewInMemoryStore()
	edges := NewInMemoryEdgeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(entities, edges, tx.NopRunner{}, logger), entities, edges
}

func seedPerson(t *testing.T, store *entity.InMemoryStore, name string) entity.Entity {
	t.Helper()
	e := entity.Entity{
		ID:          id.NewEntityID(),
		Kind:        entity.KindPerson,
		DisplayName: name,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateEntity(context.Background(), e))
	return e
}

func TestManagerMerge(t *testing.T) {
	ctx := requestcontext.WithActor(context.Background(), "reviewer-7")

	t.Run("records edge and flips pointer", func(t *testing.T) {
		mgr, entities, edges := newTestManager(t)
		src := seedPerson(t, entities, "Jon Smith")
		dst := seedPerson(t, entities, "John Smith")

		edge, err := mgr.Merge(ctx, src.ID, dst.ID, "manual_review")
		require.NoError(t, err)
		assert.Equal(t, src.ID, edge.SourceID)
		assert.Equal(t, dst.ID, edge.TargetID)
		assert.Equal(t, "reviewer-7", edge.Actor)
		assert.Equal(t, "manual_review", edge.Reason)

		got, err := entities.GetEntity(ctx, src.ID)
		require.NoError(t, err)
		require.NotNil(t, got.MergedInto)
		assert.Equal(t, dst.ID, *got.MergedInto)

		history, err := edges.ListByEntity(ctx, dst.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
	})

	t.Run("canonicalizes a merged target", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		b := seedPerson(t, entities, "B")
		c := seedPerson(t, entities, "C")
		x := seedPerson(t, entities, "X")

		_, err := mgr.Merge(ctx, b.ID, c.ID, "auto_match")
		require.NoError(t, err)

		// Asking to merge into B must land on its survivor C.
		edge, err := mgr.Merge(ctx, x.ID, b.ID, "auto_match")
		require.NoError(t, err)
		assert.Equal(t, c.ID, edge.TargetID)

		got, err := entities.GetEntity(ctx, x.ID)
		require.NoError(t, err)
		require.NotNil(t, got.MergedInto)
		assert.Equal(t, c.ID, *got.MergedInto)
	})

	t.Run("merging a survivor repoints what it absorbed", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		a := seedPerson(t, entities, "A")
		b := seedPerson(t, entities, "B")
		c := seedPerson(t, entities, "C")

		_, err := mgr.Merge(ctx, a.ID, b.ID, "auto_match")
		require.NoError(t, err)

		// B already absorbed A; merging B away must carry A along so no
		// pointer ever sits two hops from its survivor.
		_, err = mgr.Merge(ctx, b.ID, c.ID, "manual_review")
		require.NoError(t, err)

		got, err := entities.GetEntity(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.MergedInto)
		assert.Equal(t, c.ID, *got.MergedInto)

		chained, err := entities.ListChained(ctx)
		require.NoError(t, err)
		assert.Empty(t, chained, "no chain may exist after any merge sequence")
	})

	t.Run("rejects direct self merge", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		e := seedPerson(t, entities, "Solo")

		_, err := mgr.Merge(ctx, e.ID, e.ID, "oops")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariant))
	})

	t.Run("rejects self merge via canonicalization", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		a := seedPerson(t, entities, "A")
		b := seedPerson(t, entities, "B")

		_, err := mgr.Merge(ctx, a.ID, b.ID, "auto_match")
		require.NoError(t, err)

		// Target A canonicalizes to B, so this is B merging into itself.
		_, err = mgr.Merge(ctx, b.ID, a.ID, "auto_match")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariant))
	})

	t.Run("already merged source", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		a := seedPerson(t, entities, "A")
		b := seedPerson(t, entities, "B")
		c := seedPerson(t, entities, "C")

		_, err := mgr.Merge(ctx, a.ID, b.ID, "auto_match")
		require.NoError(t, err)

		_, err = mgr.Merge(ctx, a.ID, c.ID, "auto_match")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAlreadyDone))
	})

	t.Run("missing entities", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		real := seedPerson(t, entities, "Real")
		ghost := id.NewEntityID()

		_, err := mgr.Merge(ctx, real.ID, ghost, "auto_match")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))

		_, err = mgr.Merge(ctx, ghost, real.ID, "auto_match")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func TestManagerCanonical(t *testing.T) {
	ctx := context.Background()
	mgr, entities, _ := newTestManager(t)
	a := seedPerson(t, entities, "A")
	b := seedPerson(t, entities, "B")

	got, err := mgr.Canonical(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got, "active entity is its own canonical record")

	_, err = mgr.Merge(ctx, a.ID, b.ID, "auto_match")
	require.NoError(t, err)

	got, err = mgr.Canonical(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got)
}

// seedLegacyMerged writes an entity that already points at a parent, the way
// data imported from before the write-time repointing guard can look.
func seedLegacyMerged(t *testing.T, store *entity.InMemoryStore, name string, into id.EntityID) entity.Entity {
	t.Helper()
	e := entity.Entity{
		ID:          id.NewEntityID(),
		Kind:        entity.KindPerson,
		DisplayName: name,
		MergedInto:  &into,
		MergeReason: "legacy_import",
		CreatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateEntity(context.Background(), e))
	return e
}

func TestManagerFlatten(t *testing.T) {
	ctx := context.Background()

	t.Run("rewrites a legacy chain to the survivor in one pass", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		d := seedPerson(t, entities, "D")
		c := seedLegacyMerged(t, entities, "C", d.ID)
		b := seedLegacyMerged(t, entities, "B", c.ID)
		a := seedLegacyMerged(t, entities, "A", b.ID)

		chained, err := entities.ListChained(ctx)
		require.NoError(t, err)
		require.Len(t, chained, 2)

		n, err := mgr.Flatten(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "A and B both land on D in a single pass")

		for _, merged := range []id.EntityID{a.ID, b.ID, c.ID} {
			got, err := entities.GetEntity(ctx, merged)
			require.NoError(t, err)
			require.NotNil(t, got.MergedInto)
			assert.Equal(t, d.ID, *got.MergedInto)
		}

		chained, err = entities.ListChained(ctx)
		require.NoError(t, err)
		assert.Empty(t, chained)
	})

	t.Run("idempotent on a flat store", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		a := seedPerson(t, entities, "A")
		b := seedPerson(t, entities, "B")
		_, err := mgr.Merge(ctx, a.ID, b.ID, "auto_match")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			n, err := mgr.Flatten(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		}
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		mgr, entities, _ := newTestManager(t)
		c := seedPerson(t, entities, "C")
		b := seedLegacyMerged(t, entities, "B", c.ID)
		seedLegacyMerged(t, entities, "A", b.ID)

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		n, err := mgr.Flatten(cancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, n)
	})
}

func TestManagerLineage(t *testing.T) {
	ctx := context.Background()
	mgr, entities, _ := newTestManager(t)
	a := seedPerson(t, entities, "A")
	b := seedPerson(t, entities, "B")
	c := seedPerson(t, entities, "C")

	_, err := mgr.Merge(ctx, a.ID, c.ID, "auto_match")
	require.NoError(t, err)
	_, err = mgr.Merge(ctx, b.ID, c.ID, "manual_review")
	require.NoError(t, err)

	lin, err := mgr.Lineage(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, lin.Entity)
	assert.Nil(t, lin.MergedInto)
	assert.ElementsMatch(t, []id.EntityID{a.ID, b.ID}, lin.AbsorbedFrom)
	assert.Len(t, lin.Edges, 2)

	aLin, err := mgr.Lineage(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, aLin.MergedInto)
	assert.Equal(t, c.ID, *aLin.MergedInto)
	assert.Empty(t, aLin.AbsorbedFrom)

	_, err = mgr.Lineage(ctx, id.NewEntityID())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}
