package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/otelhelper"
)

const (
	publishTimeout   = 5 * time.Second
	breakerThreshold = 5
	breakerCooldown  = 10 * time.Second
)

// AsyncPublisher puts bus publishes behind a bounded queue drained by one
// goroutine, so callers never block on network I/O and envelopes leave in the
// order they were queued.
type AsyncPublisher struct {
	bus     Bus
	queue   chan events.Envelope
	breaker *CircuitBreaker
	logger  *slog.Logger
	done    chan struct{}

	published metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

func NewAsyncPublisher(bus Bus, size int, logger *slog.Logger) *AsyncPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1
	}
	published, _ := otelhelper.Meter().Int64Counter("realtime_fanout_published_total",
		metric.WithDescription("Envelopes handed to the fanout bus, by result"))

	p := &AsyncPublisher{
		bus:       bus,
		queue:     make(chan events.Envelope, size),
		breaker:   NewCircuitBreaker(breakerThreshold, breakerCooldown),
		logger:    logger,
		done:      make(chan struct{}),
		published: published,
	}
	go p.run()
	return p
}

// Enqueue queues env for publishing and returns immediately.
func (p *AsyncPublisher) Enqueue(env events.Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- env:
		return nil
	default:
		p.record("dropped")
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for env := range p.queue {
		if !p.breaker.Allow() {
			p.record("circuit_open")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.bus.Publish(ctx, env)
		cancel()
		if err != nil {
			p.breaker.RecordFailure()
			p.record("error")
			p.logger.Warn("Fanout publish failed, cross-process members miss this event",
				"room", env.Room, "event", env.Event, "error", err)
			continue
		}
		p.breaker.RecordSuccess()
		p.record("ok")
	}
}

// Circuit reports whether publishing is currently short-circuited after
// repeated bus failures.
func (p *AsyncPublisher) Circuit() CircuitState { return p.breaker.State() }

func (p *AsyncPublisher) record(result string) {
	p.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// Close stops accepting envelopes and waits for the queue to drain or ctx to end.
func (p *AsyncPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
