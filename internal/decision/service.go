package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"trapline/internal/decision/lock"
	"trapline/internal/decision/metrics"
	"trapline/internal/entity"
	"trapline/internal/gatekeeper"
	"trapline/internal/merge"
	"trapline/internal/normalize"
	"trapline/internal/refdata"
	"trapline/internal/score"
	id "trapline/pkg/domain"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/events"
	"trapline/pkg/platform/sentinel"
	"trapline/pkg/platform/tx"
	"trapline/pkg/requestcontext"
)

// Service runs one record through the full pipeline: normalize, gate, score,
// decide, apply. All side effects of one resolution commit or roll back
// together.
type Service struct {
	entities  entity.Store
	decisions Store
	merges    *merge.Manager
	gate      *gatekeeper.Gatekeeper
	scorer    *score.Scorer
	locks     lock.Keyed
	runner    tx.Runner
	trust     *refdata.SourceConfidence
	blacklist *refdata.SoftBlacklist
	publisher *events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Deps wires the service. Publisher and Metrics may be nil.
type Deps struct {
	Entities  entity.Store
	Decisions Store
	Merges    *merge.Manager
	Gate      *gatekeeper.Gatekeeper
	Scorer    *score.Scorer
	Locks     lock.Keyed
	Runner    tx.Runner
	Trust     *refdata.SourceConfidence
	Blacklist *refdata.SoftBlacklist
	Publisher *events.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func NewService(d Deps) *Service {
	return &Service{
		entities:  d.Entities,
		decisions: d.Decisions,
		merges:    d.Merges,
		gate:      d.Gate,
		scorer:    d.Scorer,
		locks:     d.Locks,
		runner:    d.Runner,
		trust:     d.Trust,
		blacklist: d.Blacklist,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// Resolve decides what an inbound record refers to. Identical normalized
// input replays the stored decision instead of resolving again.
func (s *Service) Resolve(ctx context.Context, rec normalize.Record) (Result, error) {
	start := time.Now()

	if strings.TrimSpace(rec.SourceSystem) == "" {
		return Result{}, dErrors.New(dErrors.CodeInvalidInput, "source system is required")
	}

	norm := normalize.Apply(rec)
	fp := fingerprint(norm)

	if prior, err := s.decisions.FindByFingerprint(ctx, fp); err == nil {
		s.logger.InfoContext(ctx, "resolution replayed",
			slog.String("request_id", requestcontext.RequestID(ctx)),
			slog.String("decision_type", string(prior.Type)),
			slog.String("fingerprint", fp))
		return resultFrom(prior, true), nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "look up prior decision")
	}

	verdict := s.gate.Evaluate(norm)
	if verdict.Outcome != gatekeeper.OutcomeAdmit {
		return s.applyGated(ctx, norm, fp, verdict, start)
	}

	release, err := s.locks.Acquire(ctx, lockKeys(norm))
	if err != nil {
		return Result{}, err
	}
	defer release()

	pool, err := s.buildPool(ctx)
	if err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "assemble candidate pool")
	}
	candidates := s.scorer.Score(norm, pool)
	s.metrics.ObserveCandidates(len(candidates))

	outcome := Decide(norm, candidates)

	result, err := s.apply(ctx, rec, norm, fp, outcome, len(candidates), start)
	if err != nil {
		var race *identifierRace
		if !errors.As(err, &race) {
			return Result{}, err
		}
		// Another writer claimed one of our identifiers between scoring and
		// commit. The claim proves the entity exists: link instead of create.
		s.metrics.IncrementIdentifierRaces()
		raced := Outcome{
			Type:         TypeAutoMatch,
			Reason:       fmt.Sprintf("identifier %s %q claimed concurrently", race.typ, race.normalized),
			Top:          &score.Candidate{Entity: race.owner, Total: 1.0},
			BindExisting: true,
		}
		result, err = s.apply(ctx, rec, norm, fp, raced, len(candidates), start)
		if err != nil {
			return Result{}, err
		}
	}

	s.finish(ctx, result, start)
	return result, nil
}

// applyGated terminates a resolution the gatekeeper intercepted. No entity
// is created; organization_linked binds to the configured representative.
func (s *Service) applyGated(ctx context.Context, norm normalize.Normalized, fp string, verdict gatekeeper.Verdict, start time.Time) (Result, error) {
	d := MatchDecision{
		ID:           id.NewDecisionID(),
		Reason:       verdict.Reason,
		SourceSystem: norm.SourceSystem,
		Fingerprint:  fp,
		Input:        norm,
		CreatedAt:    requestcontext.Now(ctx),
	}

	switch verdict.Outcome {
	case gatekeeper.OutcomeOrgLinked:
		d.Type = TypeOrgLinked
		rep := verdict.Representative
		d.EntityID = &rep
	case gatekeeper.OutcomeOrgFlagged:
		d.Type = TypeOrgFlagged
	default:
		d.Type = TypeRejected
	}
	d.LatencyMS = latencyMS(start)

	if err := s.decisions.AppendDecision(ctx, d); err != nil {
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "record decision")
	}

	result := resultFrom(d, false)
	s.finish(ctx, result, start)
	return result, nil
}

// identifierRace carries the conflicting owner out of an aborted apply.
type identifierRace struct {
	typ        entity.IdentifierType
	normalized string
	owner      entity.Entity
}

func (e *identifierRace) Error() string {
	return fmt.Sprintf("identifier %s %q already claimed", e.typ, e.normalized)
}

// apply commits all side effects of one outcome atomically.
func (s *Service) apply(ctx context.Context, rec normalize.Record, norm normalize.Normalized, fp string, outcome Outcome, evaluated int, start time.Time) (Result, error) {
	d := MatchDecision{
		ID:                  id.NewDecisionID(),
		Type:                outcome.Type,
		Reason:              outcome.Reason,
		SourceSystem:        norm.SourceSystem,
		Fingerprint:         fp,
		Input:               norm,
		CandidatesEvaluated: evaluated,
		CreatedAt:           requestcontext.Now(ctx),
	}
	if outcome.Top != nil {
		topID := outcome.Top.Entity.ID
		d.TopCandidateID = &topID
		d.Breakdown = &Breakdown{
			Total:        outcome.Top.Total,
			Composite:    outcome.Top.Composite,
			Signals:      outcome.Top.Signals,
			MatchedRules: outcome.Top.MatchedRules,
			Tier:         outcome.Top.Tier,
		}
	}

	var created *entity.Entity
	err := s.runner.InTx(ctx, func(ctx context.Context) error {
		entityID, newEntity, err := s.applyWrites(ctx, rec, norm, outcome)
		if err != nil {
			return err
		}
		created = newEntity
		d.EntityID = entityID
		d.LatencyMS = latencyMS(start)
		if err := s.decisions.AppendDecision(ctx, d); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "record decision")
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if created != nil {
		s.publisher.Emit(ctx, events.Event{
			Type:         events.TypeEntityCreated,
			EntityID:     created.ID.String(),
			SourceSystem: norm.SourceSystem,
			RequestID:    requestcontext.RequestID(ctx),
		})
	}
	return resultFrom(d, false), nil
}

// applyWrites performs the entity-store side effects for one outcome and
// returns the entity the decision resolved to.
func (s *Service) applyWrites(ctx context.Context, rec normalize.Record, norm normalize.Normalized, outcome Outcome) (*id.EntityID, *entity.Entity, error) {
	switch outcome.Type {
	case TypeNewEntity:
		e, err := s.createEntity(ctx, rec, norm)
		if err != nil {
			return nil, nil, err
		}
		if outcome.FlagDuplicate {
			if err := s.flagDuplicate(ctx, e.ID, norm, *outcome.Top); err != nil {
				return nil, nil, err
			}
		}
		return &e.ID, &e, nil

	case TypeAutoMatch:
		canonical, err := s.merges.Canonical(ctx, outcome.Top.Entity.ID)
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "canonicalize match target")
		}
		if err := s.attachIdentifiers(ctx, canonical, rec, norm); err != nil {
			return nil, nil, err
		}
		return &canonical, nil, nil

	case TypeHouseholdMember:
		e, err := s.createEntity(ctx, rec, norm)
		if err != nil {
			return nil, nil, err
		}
		if err := s.linkHousehold(ctx, e.ID, outcome.Top.Entity); err != nil {
			return nil, nil, err
		}
		return &e.ID, &e, nil

	case TypeReviewPending:
		if outcome.BindExisting {
			existing := outcome.Top.Entity.ID
			if outcome.FlagDuplicate {
				if err := s.flagDuplicate(ctx, existing, norm, *outcome.Top); err != nil {
					return nil, nil, err
				}
			}
			return &existing, nil, nil
		}
		e, err := s.createEntity(ctx, rec, norm)
		if err != nil {
			return nil, nil, err
		}
		return &e.ID, &e, nil

	default:
		return nil, nil, dErrors.Newf(dErrors.CodeInternal, "unhandled outcome %q", outcome.Type)
	}
}

func (s *Service) createEntity(ctx context.Context, rec normalize.Record, norm normalize.Normalized) (entity.Entity, error) {
	e := entity.Entity{
		ID:          id.NewEntityID(),
		Kind:        entity.KindPerson,
		DisplayName: norm.DisplayName,
		FirstName:   strings.TrimSpace(rec.FirstName),
		LastName:    strings.TrimSpace(rec.LastName),
		Address:     norm.Address,
		CreatedAt:   requestcontext.Now(ctx),
	}
	if err := s.entities.CreateEntity(ctx, e); err != nil {
		return entity.Entity{}, dErrors.Wrap(err, dErrors.CodeInternal, "create entity")
	}
	if err := s.attachIdentifiers(ctx, e.ID, rec, norm); err != nil {
		return entity.Entity{}, err
	}
	return e, nil
}

// attachIdentifiers stores the record's contact identifiers on an entity,
// skipping values the entity already carries. A uniqueness conflict aborts
// with identifierRace so the caller can link to the existing owner instead.
func (s *Service) attachIdentifiers(ctx context.Context, entityID id.EntityID, rec normalize.Record, norm normalize.Normalized) error {
	existing, err := s.entities.IdentifiersByEntity(ctx, entityID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load existing identifiers")
	}
	has := func(typ entity.IdentifierType, normalized string) bool {
		for _, ident := range existing {
			if ident.Type == typ && ident.Normalized == normalized {
				return true
			}
		}
		return false
	}

	trust := s.trust.Trust(norm.SourceSystem)
	attach := func(typ entity.IdentifierType, raw, normalized string) error {
		if normalized == "" || has(typ, normalized) {
			return nil
		}
		_, shared := s.blacklist.Lookup(string(typ), normalized)
		ident := entity.Identifier{
			ID:           id.NewIdentifierID(),
			EntityID:     entityID,
			Type:         typ,
			Raw:          raw,
			Normalized:   normalized,
			Confidence:   trust,
			SourceSystem: norm.SourceSystem,
			Shared:       shared,
			CreatedAt:    requestcontext.Now(ctx),
		}
		if err := s.entities.AttachIdentifier(ctx, ident); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				owner, found := s.conflictOwner(ctx, typ, normalized, entityID)
				if found {
					return &identifierRace{typ: typ, normalized: normalized, owner: owner}
				}
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "attach identifier")
		}
		return nil
	}

	if err := attach(entity.IdentifierEmail, rec.Email, norm.Email); err != nil {
		return err
	}
	return attach(entity.IdentifierPhone, rec.Phone, norm.Phone)
}

// conflictOwner re-fetches the active entity holding a contested identifier.
func (s *Service) conflictOwner(ctx context.Context, typ entity.IdentifierType, normalized string, self id.EntityID) (entity.Entity, bool) {
	owners, err := s.entities.FindActiveByIdentifier(ctx, typ, normalized)
	if err != nil {
		return entity.Entity{}, false
	}
	for _, owner := range owners {
		if owner.ID != self {
			return owner, true
		}
	}
	return entity.Entity{}, false
}

func (s *Service) linkHousehold(ctx context.Context, newID id.EntityID, member entity.Entity) error {
	household := member.HouseholdID
	if household.IsNil() {
		household = id.NewHouseholdID()
		if err := s.entities.SetHousehold(ctx, member.ID, household); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "assign household")
		}
	}
	if err := s.entities.SetHousehold(ctx, newID, household); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "assign household")
	}
	return nil
}

func (s *Service) flagDuplicate(ctx context.Context, entityID id.EntityID, norm normalize.Normalized, top score.Candidate) error {
	dup := PotentialDuplicate{
		ID:             id.NewDuplicateID(),
		EntityID:       entityID,
		MatchedID:      top.Entity.ID,
		NameSimilarity: top.Signals.Name,
		Confidence:     top.Total,
		Evidence: Evidence{
			MatchedOn:      top.MatchedRules,
			NameSimilarity: top.Signals.Name,
			Tier:           top.Tier,
			SourceTrust:    s.trust.Trust(norm.SourceSystem),
			MatchedTrust:   s.matchedTrust(ctx, top.Entity.ID),
			DisplayName:    norm.DisplayName,
			MatchedName:    top.Entity.DisplayName,
		},
		Status:    DuplicateOpen,
		CreatedAt: requestcontext.Now(ctx),
	}
	if err := s.decisions.UpsertDuplicate(ctx, dup); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "flag potential duplicate")
	}
	s.metrics.IncrementDuplicatesFlagged()
	return nil
}

// matchedTrust reads the trust weight of whichever source contributed the
// matched entity's identifiers.
func (s *Service) matchedTrust(ctx context.Context, entityID id.EntityID) float64 {
	idents, err := s.entities.IdentifiersByEntity(ctx, entityID)
	if err != nil || len(idents) == 0 {
		return s.trust.Trust("")
	}
	return s.trust.Trust(idents[0].SourceSystem)
}

func (s *Service) finish(ctx context.Context, result Result, start time.Time) {
	elapsed := time.Since(start)
	s.metrics.IncrementOutcome(string(result.Decision.Type), result.Decision.SourceSystem)
	s.metrics.ObserveResolveLatency(elapsed)

	entityID := ""
	if result.EntityID != nil {
		entityID = result.EntityID.String()
	}
	s.publisher.Emit(ctx, events.Event{
		Type:         events.TypeDecisionMade,
		EntityID:     entityID,
		Decision:     string(result.Decision.Type),
		Reason:       result.Decision.Reason,
		SourceSystem: result.Decision.SourceSystem,
		RequestID:    requestcontext.RequestID(ctx),
	})
	s.logger.InfoContext(ctx, "record resolved",
		slog.String("request_id", requestcontext.RequestID(ctx)),
		slog.String("decision_type", string(result.Decision.Type)),
		slog.String("source", result.Decision.SourceSystem),
		slog.Int("candidates", result.Decision.CandidatesEvaluated),
		slog.Float64("duration_ms", float64(elapsed.Microseconds())/1000.0))
}

// buildPool snapshots active person entities with their contact identifiers.
// The scorer needs every active entity because name and address similarity
// cannot be pre-indexed the way exact identifiers can.
func (s *Service) buildPool(ctx context.Context) ([]score.PoolEntry, error) {
	actives, err := s.entities.ListActive(ctx, entity.KindPerson)
	if err != nil {
		return nil, err
	}
	pool := make([]score.PoolEntry, 0, len(actives))
	for _, e := range actives {
		idents, err := s.entities.IdentifiersByEntity(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		entry := score.PoolEntry{Entity: e}
		for _, ident := range idents {
			switch ident.Type {
			case entity.IdentifierEmail:
				entry.Emails = append(entry.Emails, ident.Normalized)
			case entity.IdentifierPhone:
				entry.Phones = append(entry.Phones, ident.Normalized)
			}
		}
		pool = append(pool, entry)
	}
	return pool, nil
}

// ListDuplicates exposes the adjudication queue.
func (s *Service) ListDuplicates(ctx context.Context, status DuplicateStatus) ([]PotentialDuplicate, error) {
	dups, err := s.decisions.ListDuplicates(ctx, status)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list potential duplicates")
	}
	return dups, nil
}

// ListDuplicatesByIdentifier narrows the duplicate queue to pairs involving
// an entity that owns the given identifier. The raw value goes through the
// same normalization as the resolution path so callers can pass it verbatim.
func (s *Service) ListDuplicatesByIdentifier(ctx context.Context, typ entity.IdentifierType, raw string) ([]PotentialDuplicate, error) {
	var normalized string
	switch typ {
	case entity.IdentifierEmail:
		normalized = normalize.Email(raw)
	case entity.IdentifierPhone:
		normalized = normalize.Phone(raw)
	default:
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown identifier type %q", typ)
	}
	if normalized == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "identifier value is empty after normalization")
	}

	owners, err := s.entities.FindActiveByIdentifier(ctx, typ, normalized)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "find identifier owners")
	}
	if len(owners) == 0 {
		return nil, nil
	}
	ownerSet := make(map[id.EntityID]struct{}, len(owners))
	for _, o := range owners {
		ownerSet[o.ID] = struct{}{}
	}

	dups, err := s.decisions.ListDuplicates(ctx, "")
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list potential duplicates")
	}
	var out []PotentialDuplicate
	for _, dup := range dups {
		if _, ok := ownerSet[dup.EntityID]; ok {
			out = append(out, dup)
			continue
		}
		if _, ok := ownerSet[dup.MatchedID]; ok {
			out = append(out, dup)
		}
	}
	return out, nil
}

func lockKeys(norm normalize.Normalized) []string {
	var keys []string
	if norm.Email != "" {
		keys = append(keys, "email:"+norm.Email)
	}
	if norm.Phone != "" {
		keys = append(keys, "phone:"+norm.Phone)
	}
	return keys
}

// fingerprint digests the normalized input. Identical records always produce
// identical fingerprints regardless of raw formatting.
func fingerprint(norm normalize.Normalized) string {
	h := sha256.New()
	for _, field := range []string{norm.Email, norm.Phone, norm.DisplayName, norm.Address, norm.SourceSystem} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func resultFrom(d MatchDecision, replayed bool) Result {
	confidence := 0.0
	if d.Breakdown != nil {
		confidence = d.Breakdown.Total
	}
	return Result{
		Decision:   d,
		EntityID:   d.EntityID,
		Confidence: confidence,
		Replayed:   replayed,
	}
}

func latencyMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
