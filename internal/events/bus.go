package events

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spherical-ai/pipeline-engine/internal/observability"
)

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must be fast and must not publish recursively.
type Handler func(e Event)

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	logger *observability.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates an event bus.
func NewBus(logger *observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Bus{
		logger:   logger.WithComponent("event_bus"),
		handlers: make(map[uint64]Handler),
	}
}

// Subscribe registers h and returns a function removing it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber in subscription order. A panicking
// handler is logged and does not affect the others.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, h := range handlers {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("kind", string(e.Kind())).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	h(e)
}

// Stream returns a buffered channel receiving every event published after
// the call. When the buffer is full the event is dropped for this stream
// only. cancel closes the channel.
func (b *Bus) Stream(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	})
	cancel := func() {
		unsubscribe()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
	return ch, cancel
}

// Stats returns the number of published events and events dropped by slow
// streams.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
