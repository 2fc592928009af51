package eventbus

import (
	"context"
	"slices"
	"sync"

	"github.com/lllypuk/evstore/internal/domain/event"
)

// InMemoryPublisher records published events. It is used in tests and with
// eventbus.type=inmemory, where nothing leaves the process.
type InMemoryPublisher struct {
	mu        sync.Mutex
	published []event.StoredEvent
	attempts  int
	failFn    func(event.StoredEvent) error
}

// NewInMemoryPublisher creates a new in-memory publisher.
func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

// FailWith makes Publish return fn's error whenever it is non-nil. Pass nil to stop failing.
func (p *InMemoryPublisher) FailWith(fn func(event.StoredEvent) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFn = fn
}

// Publish records the event unless a failure is configured.
func (p *InMemoryPublisher) Publish(ctx context.Context, evt event.StoredEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	if p.failFn != nil {
		if err := p.failFn(evt); err != nil {
			return err
		}
	}
	p.published = append(p.published, evt)
	return nil
}

// Published returns every acknowledged event in publish order.
func (p *InMemoryPublisher) Published() []event.StoredEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.published)
}

// Attempts returns the number of Publish calls, failed ones included.
func (p *InMemoryPublisher) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Ping always succeeds.
func (p *InMemoryPublisher) Ping(context.Context) error {
	return nil
}

var _ event.Publisher = (*InMemoryPublisher)(nil)
