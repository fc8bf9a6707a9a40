package entity

import (
	"context"
	"sync"
	"time"

	id "trapline/pkg/domain"
	"trapline/pkg/platform/sentinel"
)

// uniqueKey is the exclusivity key for high-confidence identifiers.
type uniqueKey struct {
	typ        IdentifierType
	normalized string
}

// InMemoryStore keeps the initial implementation lightweight and testable.
// It intentionally favors clarity over performance and enforces the same
// invariants as the Postgres store.
type InMemoryStore struct {
	mu          sync.RWMutex
	entities    map[id.EntityID]Entity
	identifiers map[id.EntityID][]Identifier
	claims      map[uniqueKey]id.EntityID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entities:    make(map[id.EntityID]Entity),
		identifiers: make(map[id.EntityID][]Identifier),
		claims:      make(map[uniqueKey]id.EntityID),
	}
}

func (s *InMemoryStore) CreateEntity(_ context.Context, e Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.ID]; ok {
		return sentinel.ErrConflict
	}
	s.entities[e.ID] = e
	return nil
}

func (s *InMemoryStore) GetEntity(_ context.Context, entityID id.EntityID) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return Entity{}, sentinel.ErrNotFound
	}
	return e, nil
}

func (s *InMemoryStore) AttachIdentifier(_ context.Context, ident Identifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.entities[ident.EntityID]
	if !ok {
		return sentinel.ErrNotFound
	}

	key := uniqueKey{typ: ident.Type, normalized: ident.Normalized}
	if ident.HoldsUnique() && owner.Active() {
		if claimant, claimed := s.claims[key]; claimed && claimant != ident.EntityID {
			return sentinel.ErrConflict
		}
	}

	s.identifiers[ident.EntityID] = append(s.identifiers[ident.EntityID], ident)
	if ident.HoldsUnique() && owner.Active() {
		s.claims[key] = ident.EntityID
	}
	return nil
}

func (s *InMemoryStore) IdentifiersByEntity(_ context.Context, entityID id.EntityID) ([]Identifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.entities[entityID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	out := make([]Identifier, len(s.identifiers[entityID]))
	copy(out, s.identifiers[entityID])
	return out, nil
}

func (s *InMemoryStore) FindActiveByIdentifier(_ context.Context, typ IdentifierType, normalized string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	seen := make(map[id.EntityID]struct{})
	for entityID, idents := range s.identifiers {
		e, ok := s.entities[entityID]
		if !ok || !e.Active() {
			continue
		}
		for _, ident := range idents {
			if ident.Type == typ && ident.Normalized == normalized {
				if _, dup := seen[entityID]; !dup {
					seen[entityID] = struct{}{}
					out = append(out, e)
				}
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListActive(_ context.Context, kind Kind) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	for _, e := range s.entities {
		if e.Kind == kind && e.Active() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SetMergedInto(_ context.Context, source, target id.EntityID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source == target {
		return sentinel.ErrInvalidState
	}
	src, ok := s.entities[source]
	if !ok {
		return sentinel.ErrNotFound
	}
	dst, ok := s.entities[target]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !src.Active() {
		return sentinel.ErrAlreadyMerged
	}
	// Depth guard: a merge target must itself be canonical.
	if !dst.Active() {
		return sentinel.ErrInvalidState
	}

	t := target
	src.MergedInto = &t
	src.MergeReason = reason
	mergedAt := at
	src.MergedAt = &mergedAt
	s.entities[source] = src

	// Everything the source had absorbed follows it to the new survivor so
	// no pointer is ever more than one hop from a canonical entity.
	for childID, child := range s.entities {
		if child.MergedInto != nil && *child.MergedInto == source {
			ct := target
			child.MergedInto = &ct
			s.entities[childID] = child
		}
	}

	s.releaseClaims(source)
	return nil
}

func (s *InMemoryStore) RepointMergedInto(_ context.Context, source, target id.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if source == target {
		return sentinel.ErrInvalidState
	}
	src, ok := s.entities[source]
	if !ok {
		return sentinel.ErrNotFound
	}
	dst, ok := s.entities[target]
	if !ok {
		return sentinel.ErrNotFound
	}
	if src.Active() {
		return sentinel.ErrInvalidState
	}
	if !dst.Active() {
		return sentinel.ErrInvalidState
	}

	t := target
	src.MergedInto = &t
	s.entities[source] = src
	return nil
}

func (s *InMemoryStore) ListChained(_ context.Context) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entity
	for _, e := range s.entities {
		if e.MergedInto == nil {
			continue
		}
		parent, ok := s.entities[*e.MergedInto]
		if ok && !parent.Active() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SetHousehold(_ context.Context, entityID id.EntityID, household id.HouseholdID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[entityID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if !e.Active() {
		return sentinel.ErrInvalidState
	}
	e.HouseholdID = household
	s.entities[entityID] = e
	return nil
}

// releaseClaims drops the uniqueness claims held by a newly merged entity so
// the surviving entity can attach the same values. Caller holds the lock.
func (s *InMemoryStore) releaseClaims(entityID id.EntityID) {
	for _, ident := range s.identifiers[entityID] {
		key := uniqueKey{typ: ident.Type, normalized: ident.Normalized}
		if s.claims[key] == entityID {
			delete(s.claims, key)
		}
	}
}
