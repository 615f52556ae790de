// Package room defines the identifiers of the broadcast groups a realtime
// connection can belong to. Room names only exist as strings on the wire and
// in the registry; everything else goes through ID.
package room

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRoom is returned when a room name does not belong to a known family.
var ErrInvalidRoom = errors.New("invalid room")

// Kind is the family a room belongs to.
type Kind int

const (
	KindRide Kind = iota + 1
	KindUser
	KindDrivers
	KindDriversOnline
)

func (k Kind) String() string {
	switch k {
	case KindRide:
		return "ride"
	case KindUser:
		return "user"
	case KindDrivers:
		return "drivers"
	case KindDriversOnline:
		return "drivers:online"
	default:
		return "unknown"
	}
}

const (
	ridePrefix        = "ride:"
	userPrefix        = "user:"
	driversName       = "drivers"
	driversOnlineName = "drivers:online"
)

// ID identifies a room. The zero value is not a valid room.
type ID struct {
	kind Kind
	key  string
}

var (
	// Drivers holds every connection whose identity can drive.
	Drivers = ID{kind: KindDrivers}
	// DriversOnline holds driver connections that declared themselves online.
	DriversOnline = ID{kind: KindDriversOnline}
)

// Ride returns the room of a single ride.
func Ride(rideID string) ID { return ID{kind: KindRide, key: rideID} }

// User returns the personal room of a user.
func User(userID string) ID { return ID{kind: KindUser, key: userID} }

func (id ID) Kind() Kind { return id.kind }

// Key is the ride or user id for keyed rooms and empty otherwise.
func (id ID) Key() string { return id.key }

// Valid reports whether id names a room. Keyed rooms need a non-empty key.
func (id ID) Valid() bool {
	switch id.kind {
	case KindRide, KindUser:
		return id.key != ""
	case KindDrivers, KindDriversOnline:
		return id.key == ""
	default:
		return false
	}
}

// String encodes the room name used by the registry and the bus.
func (id ID) String() string {
	switch id.kind {
	case KindRide:
		return ridePrefix + id.key
	case KindUser:
		return userPrefix + id.key
	case KindDrivers:
		return driversName
	case KindDriversOnline:
		return driversOnlineName
	default:
		return ""
	}
}

// Parse decodes a room name produced by String.
func Parse(name string) (ID, error) {
	var id ID
	switch {
	case name == driversName:
		id = Drivers
	case name == driversOnlineName:
		id = DriversOnline
	case strings.HasPrefix(name, ridePrefix):
		id = Ride(strings.TrimPrefix(name, ridePrefix))
	case strings.HasPrefix(name, userPrefix):
		id = User(strings.TrimPrefix(name, userPrefix))
	}
	if !id.Valid() {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidRoom, name)
	}
	return id, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: zero or malformed id", ErrInvalidRoom)
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
