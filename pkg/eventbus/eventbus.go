// Package eventbus provides the Bus interface and an in-memory implementation
// for pushing pipeline progress to a project's observers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jxucoder/forgeline/pkg/model"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// DefaultTerminalGrace bounds how long Publish waits on a full subscriber
// before dropping a complete or error event.
const DefaultTerminalGrace = 250 * time.Millisecond

// Bus provides pub/sub for project events.
type Bus interface {
	Subscribe(projectID string) chan *model.Event
	Unsubscribe(projectID string, ch chan *model.Event)
	Publish(projectID string, event *model.Event)
}

// InMemoryBus is the default in-memory Bus implementation. Delivery is
// at-most-once per subscriber and there is no replay.
type InMemoryBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan *model.Event
	buffer  int
	grace   time.Duration
	dropped atomic.Int64
	now     func() time.Time
}

// Option customizes an InMemoryBus.
type Option func(*InMemoryBus)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(b *InMemoryBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithTerminalGrace sets the blocking window for terminal events.
func WithTerminalGrace(d time.Duration) Option {
	return func(b *InMemoryBus) { b.grace = d }
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus(opts ...Option) *InMemoryBus {
	b := &InMemoryBus{
		subs:   make(map[string][]chan *model.Event),
		buffer: DefaultBuffer,
		grace:  DefaultTerminalGrace,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe creates a channel that receives events for a project.
func (b *InMemoryBus) Subscribe(projectID string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, b.buffer)
	b.subs[projectID] = append(b.subs[projectID], ch)
	return ch
}

// Unsubscribe removes a channel from the project's subscribers and closes it.
func (b *InMemoryBus) Unsubscribe(projectID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[projectID]
	for i, s := range subs {
		if s == ch {
			b.subs[projectID] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[projectID]) == 0 {
				delete(b.subs, projectID)
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers for a project. Zero subscribers
// is a no-op.
func (b *InMemoryBus) Publish(projectID string, event *model.Event) {
	if event.ProjectID == "" {
		event.ProjectID = projectID
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[projectID] {
		select {
		case ch <- event:
			continue
		default:
		}
		if !event.Type.Terminal() || b.grace <= 0 {
			// Drop event if subscriber is too slow.
			b.dropped.Add(1)
			continue
		}
		b.sendWithGrace(ch, event)
	}
}

// sendWithGrace waits up to the terminal grace for ch to accept event. Each
// subscriber gets its own timer.
func (b *InMemoryBus) sendWithGrace(ch chan *model.Event, event *model.Event) {
	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	select {
	case ch <- event:
	case <-timer.C:
		b.dropped.Add(1)
	}
}

// Subscribers returns the number of live subscribers for a project.
func (b *InMemoryBus) Subscribers(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectID])
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}
