// Package lineage answers "where did this entity come from": its merge
// history and the source records that shaped it.
package lineage

import (
	"context"
	"errors"
	"log/slog"

	"trapline/internal/decision"
	"trapline/internal/entity"
	"trapline/internal/merge"
	id "trapline/pkg/domain"
	dErrors "trapline/pkg/domain-errors"
	"trapline/pkg/platform/sentinel"
)

// Sources describes everything that contributed to an entity: its attached
// identifiers (including those inherited across merges) and the decisions
// that resolved records to it.
type Sources struct {
	Entity      entity.Entity
	Identifiers []entity.Identifier
	Decisions   []decision.MatchDecision
}

// Service is the read-only diagnostics surface.
type Service struct {
	entities  entity.Store
	decisions decision.Store
	merges    *merge.Manager
	logger    *slog.Logger
}

func NewService(entities entity.Store, decisions decision.Store, merges *merge.Manager, logger *slog.Logger) *Service {
	return &Service{entities: entities, decisions: decisions, merges: merges, logger: logger}
}

// Lineage returns the merge graph around an entity.
func (s *Service) Lineage(ctx context.Context, entityID id.EntityID) (merge.Lineage, error) {
	return s.merges.Lineage(ctx, entityID)
}

// Sources returns the entity with its identifiers and resolution history.
// Identifiers of absorbed entities are included so the full contact surface
// of the canonical record is visible.
func (s *Service) Sources(ctx context.Context, entityID id.EntityID) (Sources, error) {
	e, err := s.entities.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Sources{}, dErrors.Wrap(err, dErrors.CodeNotFound, "entity not found")
		}
		return Sources{}, dErrors.Wrap(err, dErrors.CodeInternal, "load entity")
	}

	lin, err := s.merges.Lineage(ctx, entityID)
	if err != nil {
		return Sources{}, err
	}

	ids := append([]id.EntityID{entityID}, lin.AbsorbedFrom...)
	var idents []entity.Identifier
	for _, each := range ids {
		batch, err := s.entities.IdentifiersByEntity(ctx, each)
		if err != nil {
			return Sources{}, dErrors.Wrap(err, dErrors.CodeInternal, "load identifiers")
		}
		idents = append(idents, batch...)
	}

	decisions, err := s.decisions.ListDecisionsByEntity(ctx, entityID)
	if err != nil {
		return Sources{}, dErrors.Wrap(err, dErrors.CodeInternal, "load decisions")
	}

	return Sources{Entity: e, Identifiers: idents, Decisions: decisions}, nil
}
