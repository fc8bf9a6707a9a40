package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "trapline/pkg/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisherDeliversAndDrains(t *testing.T) {
	store := NewInMemoryStore()
	pub := NewPublisher(store, discardLogger())

	entityID := id.NewEntityID().String()
	pub.Emit(context.Background(), Event{Type: TypeEntityCreated, EntityID: entityID})
	pub.Emit(context.Background(), Event{Type: TypeDecisionMade, Decision: "auto_match"})

	// Close drains the buffer, so everything emitted before it is durable.
	pub.Close()

	all, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].Timestamp.IsZero(), "zero timestamps get stamped on emit")

	created, err := store.ListByType(context.Background(), TypeEntityCreated)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, entityID, created[0].EntityID)
}

func TestPublisherAfterClose(t *testing.T) {
	store := NewInMemoryStore()
	pub := NewPublisher(store, discardLogger())
	pub.Close()
	pub.Close() // idempotent

	pub.Emit(context.Background(), Event{Type: TypeDecisionMade})

	all, err := store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPublisherDropsOnFullBuffer(t *testing.T) {
	store := &blockingStore{gate: make(chan struct{})}
	pub := NewPublisher(store, discardLogger())
	defer func() {
		close(store.gate)
		pub.Close()
	}()

	// One event occupies the worker, the rest fill the buffer.
	for i := 0; i < defaultBuffer+10; i++ {
		pub.Emit(context.Background(), Event{Type: TypeDecisionMade})
	}

	assert.Eventually(t, func() bool { return pub.Dropped() > 0 },
		time.Second, 10*time.Millisecond)
}

func TestNilPublisherEmitIsNoop(t *testing.T) {
	var pub *Publisher
	pub.Emit(context.Background(), Event{Type: TypeDecisionMade})
}

type blockingStore struct {
	gate chan struct{}
}

func (s *blockingStore) Append(_ context.Context, _ Event) error {
	<-s.gate
	return nil
}
