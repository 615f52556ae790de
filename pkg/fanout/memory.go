package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/margwa-realtime/pkg/events"
)

const memorySubscriberBuffer = 256

// MemoryBus is an in-process bus. Several relays sharing one MemoryBus behave
// like separate processes sharing a broker; a single relay on its own runs
// local-only.
type MemoryBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan events.Envelope
	nextID int
	closed bool
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		logger: logger.With("bus", "memory"),
		subs:   make(map[int]chan events.Envelope),
	}
}

func (b *MemoryBus) Name() string { return "memory" }

func (b *MemoryBus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBus) Publish(_ context.Context, env events.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusUnavailable
	}
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.logger.Warn("Subscriber buffer full, dropping envelope", "subscriber", id, "room", env.Room, "event", env.Event)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusUnavailable
	}
	id := b.nextID
	b.nextID++
	ch := make(chan events.Envelope, memorySubscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.remove(id)
				return
			case env, ok := <-ch:
				if !ok {
					return
				}
				h(ctx, env)
			}
		}
	}()
	return nil
}

func (b *MemoryBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
