// Package events is the realtime event catalog: the closed set of inbound
// event kinds clients may send, their typed payloads, the outbound payloads
// delivered to rooms, and the codecs for client frames and bus envelopes.
//
// Collaborator services import this package to publish catalog events onto
// the fanout bus with the same envelope shape the realtime service uses.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownEvent is returned for an inbound event name outside the catalog.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrInvalidPayload is returned when a payload is malformed or misses required fields.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Kind enumerates inbound events.
type Kind int

const (
	KindLocationUpdate Kind = iota + 1
	KindRideJoin
	KindRideLeave
	KindBookingNotify
	KindBookingStatus
	KindChatMessage
	KindDriverOnline
	KindDriverOffline
	KindNotificationSend
	KindPing
)

var kindNames = map[Kind]string{
	KindLocationUpdate:   "location:update",
	KindRideJoin:         "ride:join",
	KindRideLeave:        "ride:leave",
	KindBookingNotify:    "booking:notify",
	KindBookingStatus:    "booking:status",
	KindChatMessage:      "chat:message",
	KindDriverOnline:     "driver:online",
	KindDriverOffline:    "driver:offline",
	KindNotificationSend: "notification:send",
	KindPing:             "ping",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// Kinds returns every inbound kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindLocationUpdate, KindRideJoin, KindRideLeave, KindBookingNotify, KindBookingStatus,
		KindChatMessage, KindDriverOnline, KindDriverOffline, KindNotificationSend, KindPing,
	}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a wire event name to its kind.
func ParseKind(name string) (Kind, error) {
	k, ok := kindsByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	return k, nil
}

// Outbound event names.
const (
	EventLocationUpdated = "location:updated"
	EventRoomJoined      = "room:joined"
	EventBookingNew      = "booking:new"
	EventBookingUpdated  = "booking:updated"
	EventChatMessage     = "chat:message"
	EventPresenceChanged = "presence-changed"
	EventNotificationNew = "notification:new"
	EventPong            = "pong"
)

var outbound = map[string]bool{
	EventLocationUpdated: true,
	EventRoomJoined:      true,
	EventBookingNew:      true,
	EventBookingUpdated:  true,
	EventChatMessage:     true,
	EventPresenceChanged: true,
	EventNotificationNew: true,
	EventPong:            true,
}

// IsOutbound reports whether event is an outbound catalog name.
func IsOutbound(event string) bool {
	return outbound[event]
}

// Handler receives decoded inbound events. Implementations must handle every
// kind; adding a kind to the catalog breaks every implementation until it does.
// C is the caller context the dispatcher passes through (typically the sending
// connection).
type Handler[C any] interface {
	OnLocationUpdate(c C, p LocationUpdate)
	OnRideJoin(c C, p RideRef)
	OnRideLeave(c C, p RideRef)
	OnBookingNotify(c C, p BookingNotify)
	OnBookingStatus(c C, p BookingStatus)
	OnChatMessage(c C, p ChatMessage)
	OnDriverOnline(c C)
	OnDriverOffline(c C)
	OnNotificationSend(c C, p NotificationSend)
	OnPing(c C)
}

// Dispatch decodes data as the payload of kind and invokes the matching
// handler method. Nothing is invoked when decoding or validation fails.
func Dispatch[C any](h Handler[C], c C, kind Kind, data json.RawMessage) error {
	switch kind {
	case KindLocationUpdate:
		p, err := decode[LocationUpdate](data)
		if err != nil {
			return err
		}
		h.OnLocationUpdate(c, p)
	case KindRideJoin:
		p, err := decode[RideRef](data)
		if err != nil {
			return err
		}
		h.OnRideJoin(c, p)
	case KindRideLeave:
		p, err := decode[RideRef](data)
		if err != nil {
			return err
		}
		h.OnRideLeave(c, p)
	case KindBookingNotify:
		p, err := decode[BookingNotify](data)
		if err != nil {
			return err
		}
		h.OnBookingNotify(c, p)
	case KindBookingStatus:
		p, err := decode[BookingStatus](data)
		if err != nil {
			return err
		}
		h.OnBookingStatus(c, p)
	case KindChatMessage:
		p, err := decode[ChatMessage](data)
		if err != nil {
			return err
		}
		h.OnChatMessage(c, p)
	case KindDriverOnline:
		h.OnDriverOnline(c)
	case KindDriverOffline:
		h.OnDriverOffline(c)
	case KindNotificationSend:
		p, err := decode[NotificationSend](data)
		if err != nil {
			return err
		}
		h.OnNotificationSend(c, p)
	case KindPing:
		h.OnPing(c)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}
	return nil
}

type validator interface {
	Validate() error
}

func decode[T validator](data json.RawMessage) (T, error) {
	var p T
	if len(data) == 0 || string(data) == "null" {
		return p, fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
