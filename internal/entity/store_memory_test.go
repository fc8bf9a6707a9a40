package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "trapline/pkg/domain"
	"trapline/pkg/platform/sentinel"
)

func newPerson(name string) Entity {
	return Entity{
		ID:          id.NewEntityID(),
		Kind:        KindPerson,
		DisplayName: name,
		CreatedAt:   time.Now(),
	}
}

func emailIdent(owner id.EntityID, value string) Identifier {
	return Identifier{
		ID:           id.NewIdentifierID(),
		EntityID:     owner,
		Type:         IdentifierEmail,
		Raw:          value,
		Normalized:   value,
		Confidence:   0.95,
		SourceSystem: "test",
		CreatedAt:    time.Now(),
	}
}

func TestAttachIdentifier_UniquenessClaim(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	jane := newPerson("Jane Smith")
	other := newPerson("Someone Else")
	require.NoError(t, store.CreateEntity(ctx, jane))
	require.NoError(t, store.CreateEntity(ctx, other))

	require.NoError(t, store.AttachIdentifier(ctx, emailIdent(jane.ID, "jane@x.com")))

	t.Run("second active owner is rejected", func(t *testing.T) {
		err := store.AttachIdentifier(ctx, emailIdent(other.ID, "jane@x.com"))
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("same owner may re-attach", func(t *testing.T) {
		err := store.AttachIdentifier(ctx, emailIdent(jane.ID, "jane@x.com"))
		assert.NoError(t, err)
	})

	t.Run("shared identifiers never claim", func(t *testing.T) {
		shared := emailIdent(other.ID, "frontdesk@shelter.org")
		shared.Shared = true
		require.NoError(t, store.AttachIdentifier(ctx, shared))

		third := newPerson("Third Person")
		require.NoError(t, store.CreateEntity(ctx, third))
		sharedAgain := emailIdent(third.ID, "frontdesk@shelter.org")
		sharedAgain.Shared = true
		assert.NoError(t, store.AttachIdentifier(ctx, sharedAgain))
	})

	t.Run("low confidence identifiers never claim", func(t *testing.T) {
		weak := emailIdent(other.ID, "jane@x.com")
		weak.Confidence = 0.40
		assert.NoError(t, store.AttachIdentifier(ctx, weak))
	})
}

func TestSetMergedInto_Guards(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	a := newPerson("A")
	b := newPerson("B")
	c := newPerson("C")
	for _, e := range []Entity{a, b, c} {
		require.NoError(t, store.CreateEntity(ctx, e))
	}

	t.Run("self merge rejected", func(t *testing.T) {
		err := store.SetMergedInto(ctx, a.ID, a.ID, "dup", time.Now())
		assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	})

	t.Run("missing entity rejected", func(t *testing.T) {
		err := store.SetMergedInto(ctx, a.ID, id.NewEntityID(), "dup", time.Now())
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	require.NoError(t, store.SetMergedInto(ctx, b.ID, c.ID, "dup", time.Now()))

	t.Run("already merged source rejected", func(t *testing.T) {
		err := store.SetMergedInto(ctx, b.ID, a.ID, "dup", time.Now())
		assert.ErrorIs(t, err, sentinel.ErrAlreadyMerged)
	})

	t.Run("merged target rejected by depth guard", func(t *testing.T) {
		err := store.SetMergedInto(ctx, a.ID, b.ID, "dup", time.Now())
		assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	})

	t.Run("merge releases uniqueness claims", func(t *testing.T) {
		d := newPerson("D")
		e := newPerson("E")
		require.NoError(t, store.CreateEntity(ctx, d))
		require.NoError(t, store.CreateEntity(ctx, e))
		require.NoError(t, store.AttachIdentifier(ctx, emailIdent(d.ID, "shared@pair.com")))

		require.NoError(t, store.SetMergedInto(ctx, d.ID, e.ID, "dup", time.Now()))
		assert.NoError(t, store.AttachIdentifier(ctx, emailIdent(e.ID, "shared@pair.com")))
	})
}

func TestActiveQueries_ExcludeMerged(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	a := newPerson("Jane Smith")
	b := newPerson("Jane Smith")
	require.NoError(t, store.CreateEntity(ctx, a))
	require.NoError(t, store.CreateEntity(ctx, b))
	require.NoError(t, store.AttachIdentifier(ctx, emailIdent(a.ID, "jane@x.com")))

	require.NoError(t, store.SetMergedInto(ctx, a.ID, b.ID, "dup", time.Now()))

	active, err := store.ListActive(ctx, KindPerson)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	owners, err := store.FindActiveByIdentifier(ctx, IdentifierEmail, "jane@x.com")
	require.NoError(t, err)
	assert.Empty(t, owners, "merged entity must not answer active identifier lookups")

	// Lineage is preserved: the merged entity keeps its identifiers.
	idents, err := store.IdentifiersByEntity(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, idents, 1)
}

func TestSetMergedInto_RepointsAbsorbedEntities(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	a := newPerson("A")
	b := newPerson("B")
	c := newPerson("C")
	for _, e := range []Entity{a, b, c} {
		require.NoError(t, store.CreateEntity(ctx, e))
	}

	// A -> B, then B -> C: A must follow B in the same write so no pointer
	// ever sits two hops from its survivor.
	require.NoError(t, store.SetMergedInto(ctx, a.ID, b.ID, "dup", time.Now()))
	require.NoError(t, store.SetMergedInto(ctx, b.ID, c.ID, "dup", time.Now()))

	got, err := store.GetEntity(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MergedInto)
	assert.Equal(t, c.ID, *got.MergedInto)

	chained, err := store.ListChained(ctx)
	require.NoError(t, err)
	assert.Empty(t, chained)
}

func TestListChained_FindsGrandparentPointers(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	c := newPerson("C")
	require.NoError(t, store.CreateEntity(ctx, c))

	// Legacy data can arrive already chained; seed B merged into C, then A
	// merged into B, bypassing SetMergedInto.
	b := newPerson("B")
	b.MergedInto = &c.ID
	require.NoError(t, store.CreateEntity(ctx, b))
	a := newPerson("A")
	a.MergedInto = &b.ID
	require.NoError(t, store.CreateEntity(ctx, a))

	chained, err := store.ListChained(ctx)
	require.NoError(t, err)
	require.Len(t, chained, 1)
	assert.Equal(t, a.ID, chained[0].ID)

	require.NoError(t, store.RepointMergedInto(ctx, a.ID, c.ID))
	chained, err = store.ListChained(ctx)
	require.NoError(t, err)
	assert.Empty(t, chained)
}
