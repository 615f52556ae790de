package fanout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/otelhelper"
)

// NATSBus publishes envelopes on a single NATS subject. Every process
// subscribes without a queue group so each one sees every envelope.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSBus takes ownership of nc; Close drains it.
func NewNATSBus(nc *nats.Conn, subject string, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{nc: nc, subject: subject, logger: logger.With("bus", "nats")}
}

func (b *NATSBus) Name() string { return "nats" }

func (b *NATSBus) Connected() bool { return b.nc.IsConnected() }

func (b *NATSBus) Publish(ctx context.Context, env events.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := otelhelper.TracedPublish(ctx, b.nc, b.subject, env.Room.String(), data); err != nil {
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, h Handler) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		msgCtx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "fanout deliver")
		defer span.End()

		env, err := events.UnmarshalEnvelope(msg.Data)
		if err != nil {
			b.logger.WarnContext(msgCtx, "Dropping invalid envelope", "error", err)
			return
		}
		h(msgCtx, env)
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrBusUnavailable, b.subject, err)
	}
	// Make sure the server has registered interest before reporting success.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%w: flush: %w", ErrBusUnavailable, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !b.nc.IsClosed() {
			b.logger.Debug("Unsubscribe failed", "error", err)
		}
	}()
	return nil
}

func (b *NATSBus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}
