package decision

import (
	"context"
	"sort"
	"sync"

	id "trapline/pkg/domain"
	"trapline/pkg/platform/sentinel"
)

type pairKey struct {
	entity  id.EntityID
	matched id.EntityID
}

// InMemoryStore mirrors the Postgres store's semantics for tests and
// single-process deployments.
type InMemoryStore struct {
	mu         sync.RWMutex
	decisions  []MatchDecision
	duplicates map[pairKey]PotentialDuplicate
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{duplicates: make(map[pairKey]PotentialDuplicate)}
}

func (s *InMemoryStore) AppendDecision(_ context.Context, d MatchDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *InMemoryStore) FindByFingerprint(_ context.Context, fingerprint string) (MatchDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].Fingerprint == fingerprint {
			return s.decisions[i], nil
		}
	}
	return MatchDecision{}, sentinel.ErrNotFound
}

func (s *InMemoryStore) ListDecisionsByEntity(_ context.Context, entityID id.EntityID) ([]MatchDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MatchDecision
	for i := len(s.decisions) - 1; i >= 0; i-- {
		d := s.decisions[i]
		if d.EntityID != nil && *d.EntityID == entityID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpsertDuplicate(_ context.Context, dup PotentialDuplicate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{entity: dup.EntityID, matched: dup.MatchedID}
	if existing, ok := s.duplicates[key]; ok {
		if dup.Confidence < existing.Confidence {
			dup.Confidence = existing.Confidence
		}
		dup.ID = existing.ID
		dup.Status = existing.Status
		dup.CreatedAt = existing.CreatedAt
	}
	s.duplicates[key] = dup
	return nil
}

func (s *InMemoryStore) ListDuplicates(_ context.Context, status DuplicateStatus) ([]PotentialDuplicate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PotentialDuplicate
	for _, dup := range s.duplicates {
		if status == "" || dup.Status == status {
			out = append(out, dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
