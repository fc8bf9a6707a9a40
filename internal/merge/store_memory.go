package merge

import (
	"context"
	"sync"

	id "trapline/pkg/domain"
)

// InMemoryEdgeStore keeps merge edges in a slice, append-only.
type InMemoryEdgeStore struct {
	mu    sync.RWMutex
	edges []Edge
}

func NewInMemoryEdgeStore() *InMemoryEdgeStore {
	return &InMemoryEdgeStore{}
}

func (s *InMemoryEdgeStore) Append(_ context.Context, edge Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, edge)
	return nil
}

func (s *InMemoryEdgeStore) ListByEntity(_ context.Context, entityID id.EntityID) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for _, e := range s.edges {
		if e.SourceID == entityID || e.TargetID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}
