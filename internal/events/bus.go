package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// BackpressurePolicy decides what Publish does when the queue is full.
type BackpressurePolicy int

const (
	// Block makes Publish wait for queue space. Producers slow down; no
	// event is ever lost.
	Block BackpressurePolicy = iota
	// DropOldest evicts the oldest queued event to make room for the new
	// one. The drop is counted and logged, never silent.
	DropOldest
)

// Handler processes one event. A returned error is logged and does not stop
// dispatch to other handlers.
type Handler func(ctx context.Context, ev Envelope) error

// Bus is a bounded multi-producer single-consumer event queue with per-kind
// handler registration. The single dispatch loop preserves publish order, so
// events of one causal chain reach handlers in the order they were published.
type Bus struct {
	mu       sync.RWMutex
	queue    chan Envelope
	handlers map[Kind][]Handler
	obs      map[Kind][]chan Envelope
	policy   BackpressurePolicy
	closed   bool
	done     chan struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a bus with the given queue capacity and backpressure policy.
func NewBus(capacity int, policy BackpressurePolicy) *Bus {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{
		queue:    make(chan Envelope, capacity),
		handlers: make(map[Kind][]Handler),
		obs:      make(map[Kind][]chan Envelope),
		policy:   policy,
		done:     make(chan struct{}),
	}
}

// Register adds a handler for an event kind. Handlers must be registered
// before Run starts.
func (b *Bus) Register(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Observe returns a channel receiving copies of events of the given kind,
// plus an unsubscribe function. Observers never affect core handler
// delivery: a full observer channel drops the copy.
func (b *Bus) Observe(kind Kind, buffer int) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Envelope, buffer)
	b.obs[kind] = append(b.obs[kind], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.obs[kind]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.obs[kind] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Publish enqueues an event. Returns false when the bus is shut down.
// Under DropOldest the new event is always accepted; older queued events
// are evicted to make room and counted in Stats.
func (b *Bus) Publish(ev Envelope) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		log.Printf("bus: publish after shutdown, dropping %s %s", ev.Kind, ev.ID)
		return false
	}

	switch b.policy {
	case DropOldest:
		for {
			select {
			case b.queue <- ev:
				b.published.Add(1)
				return true
			default:
			}
			select {
			case old := <-b.queue:
				b.dropped.Add(1)
				log.Printf("bus: queue full, dropped oldest %s %s", old.Kind, old.ID)
			default:
			}
		}
	default: // Block
		b.queue <- ev
		b.published.Add(1)
		return true
	}
}

// Run dispatches queued events until the context is canceled or Shutdown
// drains the queue. It is the bus's single consumer.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-b.queue:
			if !ok {
				return
			}
			b.dispatch(ctx, ev)
		}
	}
}

// Shutdown stops accepting new events, waits for in-flight events to drain,
// then returns. Safe to call once.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	log.Printf("bus: shut down (published=%d dropped=%d)", b.published.Load(), b.dropped.Load())
}

// Stats reports how many events were accepted and how many were dropped
// under the DropOldest policy.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

func (b *Bus) dispatch(ctx context.Context, ev Envelope) {
	b.mu.RLock()
	handlers := b.handlers[ev.Kind]
	observers := b.obs[ev.Kind]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, ev)
	}
	for _, ch := range observers {
		select {
		case ch <- ev:
		default:
			// slow observer, copy dropped
		}
	}
}

// invoke runs a single handler, containing panics so one bad handler cannot
// stop the bus or block delivery to others.
func (b *Bus) invoke(ctx context.Context, h Handler, ev Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("bus: handler panic on %s %s: %v", ev.Kind, ev.ID, r)
		}
	}()
	if err := h(ctx, ev); err != nil {
		log.Printf("bus: handler error on %s %s: %v", ev.Kind, ev.ID, err)
	}
}
