// Package dupaudit reconciles duplicates the online pipeline missed. It runs
// over a snapshot of active entities, groups them by (name, address), and
// either merges the safe cases or queues the uncertain ones for staff.
package dupaudit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"trapline/internal/decision"
	"trapline/internal/entity"
	"trapline/internal/merge"
	id "trapline/pkg/domain"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/events"
	"trapline/pkg/requestcontext"
)

// Action classifies what the auditor wants to do with a candidate pair.
type Action string

const (
	ActionMerge  Action = "merge"
	ActionReview Action = "review"
	ActionSkip   Action = "skip"
)

// detectWorkers bounds the identifier-loading fan-out.
const detectWorkers = 8

// PlannedOp is one operation the auditor intends to perform. Dry runs return
// these without touching the store.
type PlannedOp struct {
	Action   Action
	SourceID id.EntityID
	TargetID id.EntityID
	Reason   string
	// Tier grades the proposal: 0 = safe to merge, 1 = likely duplicate
	// needing review, 2 = ambiguous multi-member set.
	Tier int
	// SourceSystem is the feed that contributed the duplicate record,
	// taken from its identifiers; "unknown" when it has none.
	SourceSystem string
}

// Options configures one audit run.
type Options struct {
	// DryRun plans operations without applying them.
	DryRun bool
	// Kind limits the scan; defaults to persons.
	Kind entity.Kind
}

// Report summarizes one audit run.
type Report struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	DryRun    bool
	Planned   []PlannedOp
	// BySource counts planned operations by the feed that contributed the
	// duplicate record.
	BySource map[string]int
	// ByTier counts planned merge and review operations by confidence tier.
	ByTier map[int]int
}

// Auditor is the offline reconciliation pass. It reads the entity store and
// goes through the merge manager; it never rewrites merge pointers itself.
type Auditor struct {
	entities  entity.Store
	decisions decision.Store
	merges    *merge.Manager
	publisher *events.Publisher
	logger    *slog.Logger
}

func New(entities entity.Store, decisions decision.Store, merges *merge.Manager, publisher *events.Publisher, logger *slog.Logger) *Auditor {
	return &Auditor{
		entities:  entities,
		decisions: decisions,
		merges:    merges,
		publisher: publisher,
		logger:    logger,
	}
}

// Run detects duplicate candidate sets on a snapshot and applies (or plans)
// the resulting operations. Per-candidate failures are counted, never fatal;
// cancelling the context stops the pass between records.
func (a *Auditor) Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Kind == "" {
		opts.Kind = entity.KindPerson
	}

	planned, err := a.detect(ctx, opts.Kind)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		DryRun:   opts.DryRun,
		Planned:  planned,
		BySource: make(map[string]int),
		ByTier:   make(map[int]int),
	}
	for _, op := range planned {
		report.BySource[op.SourceSystem]++
		if op.Action != ActionSkip {
			report.ByTier[op.Tier]++
		}
	}

	if opts.DryRun {
		report.Processed = len(planned)
		a.logger.InfoContext(ctx, "duplicate audit dry run",
			slog.Int("planned", len(planned)))
		return report, nil
	}

	for _, op := range planned {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++
		switch op.Action {
		case ActionMerge:
			if a.applyMerge(ctx, op) {
				report.Succeeded++
			} else {
				report.Failed++
			}
		case ActionReview:
			if a.applyReview(ctx, op) {
				report.Succeeded++
			} else {
				report.Failed++
			}
		default:
			report.Skipped++
		}
	}

	a.publisher.Emit(ctx, events.Event{
		Type:   events.TypeAuditRunCompleted,
		Reason: fmt.Sprintf("processed=%d succeeded=%d failed=%d skipped=%d", report.Processed, report.Succeeded, report.Failed, report.Skipped),
	})
	a.logger.InfoContext(ctx, "duplicate audit completed",
		slog.Int("processed", report.Processed),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Any("by_source", report.BySource))
	return report, nil
}

// groupKey buckets entities that present the same name at the same address.
type groupKey struct {
	name    string
	address string
}

// detect snapshots active entities, groups them, and classifies each group.
func (a *Auditor) detect(ctx context.Context, kind entity.Kind) ([]PlannedOp, error) {
	actives, err := a.entities.ListActive(ctx, kind)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "snapshot active entities")
	}

	groups := make(map[groupKey][]entity.Entity)
	for _, e := range actives {
		if len(e.DisplayName) < 2 || e.Address == "" {
			continue
		}
		key := groupKey{name: e.DisplayName, address: e.Address}
		groups[key] = append(groups[key], e)
	}

	var keys []groupKey
	for key, members := range groups {
		if len(members) > 1 {
			keys = append(keys, key)
		}
	}
	// Deterministic plan order regardless of map iteration.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].address < keys[j].address
	})

	var (
		mu      sync.Mutex
		planned = make([][]PlannedOp, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detectWorkers)
	for i, key := range keys {
		g.Go(func() error {
			ops, err := a.classify(gctx, groups[key])
			if err != nil {
				return err
			}
			mu.Lock()
			planned[i] = ops
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []PlannedOp
	for _, ops := range planned {
		out = append(out, ops...)
	}
	return out, nil
}

// classify decides what to do with one candidate set. Only two-member sets
// with compatible contact identifiers merge automatically; everything else
// goes to staff or is skipped.
func (a *Auditor) classify(ctx context.Context, members []entity.Entity) ([]PlannedOp, error) {
	sort.Slice(members, func(i, j int) bool {
		if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].CreatedAt.Before(members[j].CreatedAt)
		}
		return members[i].ID.String() < members[j].ID.String()
	})
	survivor := members[0]

	if len(members) > 2 {
		// More than two records with one name at one address usually means
		// an organization slipped through; staff decides.
		var ops []PlannedOp
		for _, m := range members[1:] {
			ops = append(ops, PlannedOp{
				Action:       ActionReview,
				SourceID:     m.ID,
				TargetID:     survivor.ID,
				Reason:       fmt.Sprintf("%d entities named %q at one address", len(members), survivor.DisplayName),
				Tier:         2,
				SourceSystem: a.sourceSystemOf(ctx, m.ID),
			})
		}
		return ops, nil
	}

	other := members[1]
	if survivor.Staff || other.Staff {
		return []PlannedOp{{
			Action:       ActionSkip,
			SourceID:     other.ID,
			TargetID:     survivor.ID,
			Reason:       "staff entity",
			SourceSystem: a.sourceSystemOf(ctx, other.ID),
		}}, nil
	}

	compatible, err := a.identifiersCompatible(ctx, survivor.ID, other.ID)
	if err != nil {
		return nil, err
	}
	if !compatible {
		return []PlannedOp{{
			Action:       ActionReview,
			SourceID:     other.ID,
			TargetID:     survivor.ID,
			Reason:       "same name and address but conflicting contact identifiers",
			Tier:         1,
			SourceSystem: a.sourceSystemOf(ctx, other.ID),
		}}, nil
	}
	return []PlannedOp{{
		Action:       ActionMerge,
		SourceID:     other.ID,
		TargetID:     survivor.ID,
		Reason:       "same name and address with compatible identifiers",
		Tier:         0,
		SourceSystem: a.sourceSystemOf(ctx, other.ID),
	}}, nil
}

// sourceSystemOf attributes an entity to the feed that first described it.
func (a *Auditor) sourceSystemOf(ctx context.Context, entityID id.EntityID) string {
	idents, err := a.entities.IdentifiersByEntity(ctx, entityID)
	if err != nil || len(idents) == 0 {
		return "unknown"
	}
	return idents[0].SourceSystem
}

// identifiersCompatible reports whether two entities can be merged without
// losing contact information: per type, either side may be empty or they
// must overlap.
func (a *Auditor) identifiersCompatible(ctx context.Context, left, right id.EntityID) (bool, error) {
	leftIdents, err := a.entities.IdentifiersByEntity(ctx, left)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "load identifiers")
	}
	rightIdents, err := a.entities.IdentifiersByEntity(ctx, right)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "load identifiers")
	}

	for _, typ := range []entity.IdentifierType{entity.IdentifierEmail, entity.IdentifierPhone} {
		l := valuesOf(leftIdents, typ)
		r := valuesOf(rightIdents, typ)
		if len(l) == 0 || len(r) == 0 {
			continue
		}
		if !overlaps(l, r) {
			return false, nil
		}
	}
	return true, nil
}

// applyMerge re-checks the pair against the live store before writing; the
// snapshot may be stale by the time we get here.
func (a *Auditor) applyMerge(ctx context.Context, op PlannedOp) bool {
	source, err := a.entities.GetEntity(ctx, op.SourceID)
	if err != nil || !source.Active() {
		a.logger.WarnContext(ctx, "audit merge skipped, source changed",
			slog.String("source_id", op.SourceID.String()))
		return false
	}

	if _, err := a.merges.Merge(ctx, op.SourceID, op.TargetID, "duplicate_audit"); err != nil {
		a.logger.WarnContext(ctx, "audit merge failed",
			slog.String("source_id", op.SourceID.String()),
			slog.String("target_id", op.TargetID.String()),
			slog.String("error", err.Error()))
		return false
	}

	a.publisher.Emit(ctx, events.Event{
		Type:      events.TypeEntityMerged,
		EntityID:  op.TargetID.String(),
		RelatedID: op.SourceID.String(),
		Reason:    op.Reason,
	})
	return true
}

func (a *Auditor) applyReview(ctx context.Context, op PlannedOp) bool {
	confidence := 0.85
	if op.Tier >= 2 {
		confidence = 0.70
	}
	dup := decision.PotentialDuplicate{
		ID:             id.NewDuplicateID(),
		EntityID:       op.SourceID,
		MatchedID:      op.TargetID,
		NameSimilarity: 1.0,
		Confidence:     confidence,
		Evidence: decision.Evidence{
			MatchedOn:      []string{"name_at_known_address"},
			NameSimilarity: 1.0,
			Tier:           op.Tier,
		},
		Status:    decision.DuplicateOpen,
		CreatedAt: requestcontext.Now(ctx),
	}
	if err := a.decisions.UpsertDuplicate(ctx, dup); err != nil {
		a.logger.WarnContext(ctx, "audit review flag failed",
			slog.String("source_id", op.SourceID.String()),
			slog.String("error", err.Error()))
		return false
	}

	a.publisher.Emit(ctx, events.Event{
		Type:      events.TypeDuplicateFlagged,
		EntityID:  op.SourceID.String(),
		RelatedID: op.TargetID.String(),
		Reason:    op.Reason,
	})
	return true
}

func valuesOf(idents []entity.Identifier, typ entity.IdentifierType) []string {
	var out []string
	for _, ident := range idents {
		if ident.Type == typ {
			out = append(out, ident.Normalized)
		}
	}
	return out
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
