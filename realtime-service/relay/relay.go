// Package relay joins the local room registry to the fanout bus. A broadcast
// is delivered to local members straight away and published for every other
// process; envelopes arriving from other processes are delivered locally.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/fanout"
	"github.com/example/margwa-realtime/pkg/otelhelper"
	"github.com/example/margwa-realtime/pkg/room"
	"github.com/example/margwa-realtime/realtime-service/hub"
)

// Relay is safe for concurrent use.
type Relay struct {
	hub       *hub.Hub
	bus       fanout.Bus
	queue     *fanout.AsyncPublisher
	processID string
	logger    *slog.Logger

	received metric.Int64Counter
}

// Options configure a Relay. A nil Bus runs the relay local-only.
type Options struct {
	Bus       fanout.Bus
	ProcessID string
	QueueSize int
	Logger    *slog.Logger
}

func New(h *hub.Hub, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	received, _ := otelhelper.Meter().Int64Counter("realtime_fanout_received_total",
		metric.WithDescription("Envelopes from other processes delivered locally"))

	r := &Relay{
		hub:       h,
		bus:       opts.Bus,
		processID: opts.ProcessID,
		logger:    logger,
		received:  received,
	}
	if opts.Bus != nil {
		r.queue = fanout.NewAsyncPublisher(opts.Bus, opts.QueueSize, logger)
	} else {
		logger.Warn("No fanout bus, delivering to local members only")
	}
	return r
}

func (r *Relay) ProcessID() string { return r.processID }

// BusState is "connected", "degraded" or "local".
func (r *Relay) BusState() string {
	switch {
	case r.bus == nil:
		return "local"
	case r.bus.Connected() && r.queue.Circuit() != fanout.CircuitOpen:
		return "connected"
	default:
		return "degraded"
	}
}

// Start subscribes to the bus. A failure leaves the relay serving local
// members only; it is returned so the caller can log it.
func (r *Relay) Start(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	if err := r.bus.Subscribe(ctx, r.deliver); err != nil {
		return fmt.Errorf("subscribe to %s bus: %w", r.bus.Name(), err)
	}
	r.logger.Info("Subscribed to fanout bus", "bus", r.bus.Name(), "process", r.processID)
	return nil
}

func (r *Relay) deliver(ctx context.Context, env events.Envelope) {
	// Our own publishes were already delivered locally by Broadcast.
	if env.Origin == r.processID {
		return
	}
	n := r.hub.BroadcastLocal(env.Room, env.Event, env.Payload, "")
	r.received.Add(ctx, 1)
	r.logger.DebugContext(ctx, "Delivered remote envelope", "room", env.Room, "event", env.Event, "origin", env.Origin, "members", n)
}

// Broadcast sends event to every member of target on this process and queues
// it for every other process. It never waits on the bus.
func (r *Relay) Broadcast(ctx context.Context, target room.ID, event string, payload any) error {
	return r.BroadcastExcept(ctx, target, event, payload, "")
}

// BroadcastExcept is Broadcast skipping one local connection.
func (r *Relay) BroadcastExcept(ctx context.Context, target room.ID, event string, payload any, exclude string) error {
	if !target.Valid() {
		return fmt.Errorf("broadcast %s: %w", event, room.ErrInvalidRoom)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	r.hub.BroadcastLocal(target, event, data, exclude)

	if r.queue == nil {
		return nil
	}
	env := events.Envelope{
		Room:      target,
		Event:     event,
		Payload:   data,
		Origin:    r.processID,
		Timestamp: time.Now().UTC(),
	}
	if err := r.queue.Enqueue(env); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, fanout.ErrClosed) {
			level = slog.LevelDebug
		}
		r.logger.Log(ctx, level, "Fanout publish skipped", "room", target, "event", event, "error", err)
	}
	return nil
}

// Close flushes queued publishes and closes the bus.
func (r *Relay) Close(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	var errs []error
	if err := r.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain publish queue: %w", err))
	}
	if err := r.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s bus: %w", r.bus.Name(), err))
	}
	return errors.Join(errs...)
}
