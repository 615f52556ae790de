package fanout

import (
	"context"
	"fmt"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/room"
)

// Publisher is the entry point for collaborator services (chat, notifications,
// bookings) that push catalog events to connected users. There is no
// acknowledgment; a failed publish is the caller's to handle.
type Publisher struct {
	bus Bus
}

func NewPublisher(bus Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Publish delivers an outbound catalog event to every member of r on every
// realtime process that is subscribed right now.
func (p *Publisher) Publish(ctx context.Context, r room.ID, event string, payload any) error {
	if !r.Valid() {
		return fmt.Errorf("publish %s: %w", event, room.ErrInvalidRoom)
	}
	if !events.IsOutbound(event) {
		return fmt.Errorf("publish: %w: %q", events.ErrUnknownEvent, event)
	}
	env, err := events.NewEnvelope(r, event, payload, "")
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, env)
}
