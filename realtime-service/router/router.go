// Package router validates inbound client events and turns each into its
// room-targeted effect.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/identity"
	"github.com/example/margwa-realtime/pkg/otelhelper"
	"github.com/example/margwa-realtime/pkg/room"
	"github.com/example/margwa-realtime/realtime-service/hub"
)

// ErrHandlerFault wraps a panic recovered while handling one event.
var ErrHandlerFault = errors.New("event handler fault")

// Client is a Ready connection.
type Client interface {
	hub.Conn
	Identity() identity.Identity
}

type Registry interface {
	Join(c hub.Conn, r room.ID)
	Leave(connID string, r room.ID)
}

// Broadcaster delivers to a room on every process.
type Broadcaster interface {
	Broadcast(ctx context.Context, target room.ID, event string, payload any) error
	BroadcastExcept(ctx context.Context, target room.ID, event string, payload any, exclude string) error
}

type Presence interface {
	GoOnline(ctx context.Context, c hub.Conn, id identity.Identity) bool
	GoOffline(ctx context.Context, connID string) bool
}

// request is what the catalog dispatcher passes to each handler method.
type request struct {
	ctx    context.Context
	client Client
}

var _ events.Handler[*request] = (*Router)(nil)

type Router struct {
	registry Registry
	out      Broadcaster
	presence Presence
	logger   *slog.Logger
	now      func() time.Time

	handled metric.Int64Counter
}

func New(registry Registry, out Broadcaster, presence Presence, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	handled, _ := otelhelper.Meter().Int64Counter("realtime_events_total",
		metric.WithDescription("Inbound client events, by event and result"))
	return &Router{
		registry: registry,
		out:      out,
		presence: presence,
		logger:   logger,
		now:      time.Now,
		handled:  handled,
	}
}

// Handle processes one raw frame from c. Malformed and unknown events are
// logged and dropped; the sender is never told. A panic in a handler is
// recovered and reported as ErrHandlerFault so the connection keeps running.
func (r *Router) Handle(ctx context.Context, c Client, raw []byte) (err error) {
	frame, err := events.DecodeFrame(raw)
	if err != nil {
		r.ignore(ctx, c, "", err)
		return err
	}

	ctx, span := otelhelper.StartSpan(ctx, "realtime "+frame.Event,
		attribute.String("realtime.event", frame.Event),
		attribute.String("realtime.conn", c.ID()),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerFault, frame.Event, rec)
			span.SetStatus(codes.Error, err.Error())
			r.record(ctx, frame.Event, "fault")
			r.logger.ErrorContext(ctx, "Event handler panicked",
				"conn", c.ID(), "user", c.Identity().UserID, "event", frame.Event,
				"panic", rec, "stack", string(debug.Stack()))
		}
	}()

	kind, err := events.ParseKind(frame.Event)
	if err != nil {
		r.ignore(ctx, c, frame.Event, err)
		return err
	}
	if err := events.Dispatch[*request](r, &request{ctx: ctx, client: c}, kind, frame.Data); err != nil {
		r.ignore(ctx, c, frame.Event, err)
		return err
	}
	r.record(ctx, frame.Event, "ok")
	return nil
}

func (r *Router) ignore(ctx context.Context, c Client, event string, err error) {
	result := "invalid"
	if errors.Is(err, events.ErrUnknownEvent) {
		result = "unknown"
	}
	r.record(ctx, event, result)
	r.logger.WarnContext(ctx, "Dropping inbound event",
		"conn", c.ID(), "user", c.Identity().UserID, "event", event, "error", err)
}

func (r *Router) record(ctx context.Context, event, result string) {
	r.handled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("result", result),
	))
}

func (r *Router) timestamp() string { return events.FormatTime(r.now()) }

// reply sends an event to the requesting connection only.
func (r *Router) reply(req *request, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.ErrorContext(req.ctx, "Failed to marshal reply", "event", event, "error", err)
		return
	}
	frame, err := events.EncodeFrame(event, data, r.now())
	if err != nil {
		r.logger.ErrorContext(req.ctx, "Failed to encode reply", "event", event, "error", err)
		return
	}
	if err := req.client.Send(frame); err != nil {
		r.logger.DebugContext(req.ctx, "Reply not delivered", "conn", req.client.ID(), "event", event, "error", err)
	}
}

func (r *Router) broadcast(req *request, target room.ID, event string, payload any) {
	if err := r.out.Broadcast(req.ctx, target, event, payload); err != nil {
		r.logger.ErrorContext(req.ctx, "Broadcast failed", "room", target, "event", event, "error", err)
	}
}

func (r *Router) OnLocationUpdate(req *request, p events.LocationUpdate) {
	if p.RideID == "" {
		r.logger.DebugContext(req.ctx, "Location update without ride", "conn", req.client.ID())
		return
	}
	target := room.Ride(p.RideID)
	payload := events.LocationUpdated{
		DriverID:  req.client.Identity().UserID,
		RideID:    p.RideID,
		Lat:       p.Lat,
		Lng:       p.Lng,
		Heading:   p.Heading,
		Speed:     p.Speed,
		Timestamp: r.timestamp(),
	}
	if err := r.out.BroadcastExcept(req.ctx, target, events.EventLocationUpdated, payload, req.client.ID()); err != nil {
		r.logger.ErrorContext(req.ctx, "Broadcast failed", "room", target, "event", events.EventLocationUpdated, "error", err)
	}
}

func (r *Router) OnRideJoin(req *request, p events.RideRef) {
	r.registry.Join(req.client, room.Ride(p.RideID))
	r.reply(req, events.EventRoomJoined, events.RoomJoined{RideID: p.RideID, Timestamp: r.timestamp()})
}

func (r *Router) OnRideLeave(req *request, p events.RideRef) {
	r.registry.Leave(req.client.ID(), room.Ride(p.RideID))
}

// Booking targets are taken from the payload as sent. Unlike chat, nothing
// ties them to the sender's identity; keep it that way until product decides
// who may address whom.
func (r *Router) OnBookingNotify(req *request, p events.BookingNotify) {
	r.broadcast(req, room.User(p.DriverID), events.EventBookingNew, events.BookingNew{
		BookingID: p.BookingID,
		Message:   p.Message,
		Timestamp: r.timestamp(),
	})
}

func (r *Router) OnBookingStatus(req *request, p events.BookingStatus) {
	r.broadcast(req, room.User(p.UserID), events.EventBookingUpdated, events.BookingUpdated{
		BookingID: p.BookingID,
		Status:    p.Status,
		Timestamp: r.timestamp(),
	})
}

func (r *Router) OnChatMessage(req *request, p events.ChatMessage) {
	r.broadcast(req, room.User(p.ReceiverID), events.EventChatMessage, events.ChatDelivered{
		ConversationID: p.ConversationID,
		SenderID:       req.client.Identity().UserID,
		Message:        p.Message,
		Timestamp:      r.timestamp(),
	})
}

func (r *Router) OnDriverOnline(req *request) {
	r.presence.GoOnline(req.ctx, req.client, req.client.Identity())
}

func (r *Router) OnDriverOffline(req *request) {
	r.presence.GoOffline(req.ctx, req.client.ID())
}

func (r *Router) OnNotificationSend(req *request, p events.NotificationSend) {
	r.broadcast(req, room.User(p.UserID), events.EventNotificationNew, events.NotificationNew{
		Title:     p.Title,
		Body:      p.Body,
		Data:      p.Data,
		Timestamp: r.timestamp(),
	})
}

func (r *Router) OnPing(req *request) {
	r.reply(req, events.EventPong, events.Pong{Timestamp: r.timestamp()})
}
