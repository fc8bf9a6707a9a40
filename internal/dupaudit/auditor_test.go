package dupaudit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trapline/internal/decision"
	"trapline/internal/entity"
	"trapline/internal/merge"
	id "trapline/pkg/domain"
	"trapline/pkg/platform/tx"
)

type auditFixture struct {
	auditor   *Auditor
	entities  *entity.InMemoryStore
	decisions *decision.InMemoryStore
}

func newAuditFixture(t *testing.T) *auditFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	entities := entity.NewInMemoryStore()
	decisions := decision.NewInMemoryStore()
	merges := merge.NewManager(entities, merge.NewInMemoryEdgeStore(), tx.NopRunner{}, logger)
	return &auditFixture{
		auditor:   New(entities, decisions, merges, nil, logger),
		entities:  entities,
		decisions: decisions,
	}
}

func (f *auditFixture) seed(t *testing.T, name, address string, createdAt time.Time, staff bool) entity.Entity {
	t.Helper()
	e := entity.Entity{
		ID:          id.NewEntityID(),
		Kind:        entity.KindPerson,
		DisplayName: name,
		Address:     address,
		Staff:       staff,
		CreatedAt:   createdAt,
	}
	require.NoError(t, f.entities.CreateEntity(context.Background(), e))
	return e
}

func (f *auditFixture) attachPhone(t *testing.T, owner entity.Entity, phone string) {
	t.Helper()
	require.NoError(t, f.entities.AttachIdentifier(context.Background(), entity.Identifier{
		ID:           id.NewIdentifierID(),
		EntityID:     owner.ID,
		Type:         entity.IdentifierPhone,
		Raw:          phone,
		Normalized:   phone,
		Confidence:   0.7,
		SourceSystem: "clinic_import",
		CreatedAt:    time.Now(),
	}))
}

func TestAuditorMergesSafePairs(t *testing.T) {
	ctx := context.Background()
	f := newAuditFixture(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	older := f.seed(t, "Jane Smith", "12 OAK ST", base, false)
	newer := f.seed(t, "Jane Smith", "12 OAK ST", base.Add(time.Hour), false)
	f.attachPhone(t, older, "4155550123")
	f.attachPhone(t, newer, "4155550123")
	f.seed(t, "Bob Wilson", "9 ELM AVE", base, false)

	report, err := f.auditor.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)

	merged, err := f.entities.GetEntity(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, merged.MergedInto, "the newer record loses")
	assert.Equal(t, older.ID, *merged.MergedInto)
}

func TestAuditorQueuesConflictsForReview(t *testing.T) {
	ctx := context.Background()
	f := newAuditFixture(t)
	base := time.Now()

	a := f.seed(t, "Jane Smith", "12 OAK ST", base, false)
	b := f.seed(t, "Jane Smith", "12 OAK ST", base.Add(time.Minute), false)
	f.attachPhone(t, a, "4155550123")
	f.attachPhone(t, b, "6285550199")

	report, err := f.auditor.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	// Neither entity merged; staff got a flag instead.
	for _, e := range []entity.Entity{a, b} {
		got, err := f.entities.GetEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, got.Active())
	}
	dups, err := f.decisions.ListDuplicates(ctx, decision.DuplicateOpen)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, b.ID, dups[0].EntityID)
	assert.Equal(t, a.ID, dups[0].MatchedID)
}

func TestAuditorSkipsStaffAndBigGroups(t *testing.T) {
	ctx := context.Background()
	f := newAuditFixture(t)
	base := time.Now()

	t.Run("staff entities are never merged", func(t *testing.T) {
		f.seed(t, "Front Desk", "1 SHELTER WAY", base, true)
		f.seed(t, "Front Desk", "1 SHELTER WAY", base.Add(time.Minute), false)

		report, err := f.auditor.Run(ctx, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, report.Skipped)
		assert.Zero(t, report.Succeeded)
	})

	t.Run("groups larger than two go to review", func(t *testing.T) {
		g := newAuditFixture(t)
		for i := 0; i < 3; i++ {
			g.seed(t, "Alex Plumber", "44 PINE RD", base.Add(time.Duration(i)*time.Minute), false)
		}
		report, err := g.auditor.Run(ctx, Options{})
		require.NoError(t, err)
		assert.Equal(t, 2, report.Succeeded, "two review flags, no merges")

		for _, e := range g.activeMustLen(t, 3) {
			assert.True(t, e.Active())
		}
	})
}

func (f *auditFixture) activeMustLen(t *testing.T, n int) []entity.Entity {
	t.Helper()
	actives, err := f.entities.ListActive(context.Background(), entity.KindPerson)
	require.NoError(t, err)
	require.Len(t, actives, n)
	return actives
}

func TestAuditorDryRunPlansWithoutWriting(t *testing.T) {
	ctx := context.Background()
	f := newAuditFixture(t)
	base := time.Now()

	survivor := f.seed(t, "Jane Smith", "12 OAK ST", base, false)
	loser := f.seed(t, "Jane Smith", "12 OAK ST", base.Add(time.Minute), false)

	report, err := f.auditor.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	require.Len(t, report.Planned, 1)
	assert.Equal(t, ActionMerge, report.Planned[0].Action)
	assert.Equal(t, loser.ID, report.Planned[0].SourceID)
	assert.Equal(t, survivor.ID, report.Planned[0].TargetID)

	got, err := f.entities.GetEntity(ctx, loser.ID)
	require.NoError(t, err)
	assert.True(t, got.Active(), "dry run must not write")
}

func TestAuditorReportBreakdowns(t *testing.T) {
	ctx := context.Background()
	f := newAuditFixture(t)
	base := time.Now()

	// Safe pair: same phone on both sides, tier 0 merge.
	a := f.seed(t, "Jane Smith", "12 OAK ST", base, false)
	b := f.seed(t, "Jane Smith", "12 OAK ST", base.Add(time.Minute), false)
	f.attachPhone(t, a, "4155550123")
	f.attachPhone(t, b, "4155550123")

	// Conflicting pair: different phones, tier 1 review.
	c := f.seed(t, "Bob Wilson", "9 ELM AVE", base, false)
	d := f.seed(t, "Bob Wilson", "9 ELM AVE", base.Add(time.Minute), false)
	f.attachPhone(t, c, "2125550100")
	f.attachPhone(t, d, "6285550199")

	report, err := f.auditor.Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.BySource["clinic_import"])
	assert.Equal(t, 1, report.ByTier[0], "one safe merge")
	assert.Equal(t, 1, report.ByTier[1], "one review flag")

	dups, err := f.decisions.ListDuplicates(ctx, decision.DuplicateOpen)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, 1, dups[0].Evidence.Tier)
}

func TestAuditorStopsOnCancelledContext(t *testing.T) {
	f := newAuditFixture(t)
	base := time.Now()
	f.seed(t, "Jane Smith", "12 OAK ST", base, false)
	f.seed(t, "Jane Smith", "12 OAK ST", base.Add(time.Minute), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.auditor.Run(ctx, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
