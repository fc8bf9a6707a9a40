package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Publisher buffers events on a channel and drains them to a Store on a
// background worker. Emit never blocks the resolution path: when the buffer
// is full the event is dropped and counted, because losing an operational
// event is preferable to stalling a decision.
type Publisher struct {
	store  Store
	logger *slog.Logger
	inbox  chan Event

	mu      sync.Mutex
	dropped int
	closed  bool
	done    chan struct{}
}

const defaultBuffer = 256

func NewPublisher(store Store, logger *slog.Logger) *Publisher {
	p := &Publisher{
		store:  store,
		logger: logger,
		inbox:  make(chan Event, defaultBuffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Emit queues an event. A zero timestamp is stamped on entry.
func (p *Publisher) Emit(_ context.Context, event Event) {
	if p == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.inbox <- event:
	default:
		p.mu.Lock()
		p.dropped++
		n := p.dropped
		p.mu.Unlock()
		p.logger.Warn("event buffer full, dropping",
			slog.String("type", string(event.Type)),
			slog.Int("dropped_total", n))
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops accepting events, drains the buffer, and waits for the worker.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.inbox)
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)
	for event := range p.inbox {
		// Persistence failures are logged, not retried: the store is the
		// durable side and decides its own retry policy.
		if err := p.store.Append(context.Background(), event); err != nil {
			p.logger.Error("event append failed",
				slog.String("type", string(event.Type)),
				slog.String("error", err.Error()))
		}
	}
}
