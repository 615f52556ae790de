package events

import (
	"encoding/json"
	"fmt"
	"math"
)

// LocationUpdate is sent by drivers while a ride is in progress.
// Lat/Lng are also accepted as latitude/longitude.
type LocationUpdate struct {
	RideID  string
	Lat     float64
	Lng     float64
	Heading *float64
	Speed   *float64
}

func (p *LocationUpdate) UnmarshalJSON(data []byte) error {
	var raw struct {
		RideID    string   `json:"rideId"`
		Lat       *float64 `json:"lat"`
		Lng       *float64 `json:"lng"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Heading   *float64 `json:"heading"`
		Speed     *float64 `json:"speed"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	lat, lng := raw.Lat, raw.Lng
	if lat == nil {
		lat = raw.Latitude
	}
	if lng == nil {
		lng = raw.Longitude
	}
	if lat == nil || lng == nil {
		return fmt.Errorf("%w: lat and lng are required", ErrInvalidPayload)
	}

	*p = LocationUpdate{
		RideID:  raw.RideID,
		Lat:     *lat,
		Lng:     *lng,
		Heading: raw.Heading,
		Speed:   raw.Speed,
	}
	return nil
}

func (p LocationUpdate) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: lat %v out of range", ErrInvalidPayload, p.Lat)
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: lng %v out of range", ErrInvalidPayload, p.Lng)
	}
	return nil
}

// RideRef names a ride. Accepts {"rideId": "..."} or a bare JSON string.
type RideRef struct {
	RideID string `json:"rideId"`
}

func (p *RideRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		p.RideID = id
		return nil
	}
	type plain RideRef
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = RideRef(v)
	return nil
}

func (p RideRef) Validate() error {
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId is required", ErrInvalidPayload)
	}
	return nil
}

// BookingNotify asks for a new-booking alert on a driver's personal room.
type BookingNotify struct {
	DriverID  string `json:"driverId"`
	BookingID string `json:"bookingId"`
	Message   string `json:"message"`
}

func (p BookingNotify) Validate() error {
	if p.DriverID == "" || p.BookingID == "" {
		return fmt.Errorf("%w: driverId and bookingId are required", ErrInvalidPayload)
	}
	return nil
}

// BookingStatus asks for a booking status update on a user's personal room.
type BookingStatus struct {
	UserID    string `json:"userId"`
	BookingID string `json:"bookingId"`
	Status    string `json:"status"`
}

func (p BookingStatus) Validate() error {
	if p.UserID == "" || p.BookingID == "" || p.Status == "" {
		return fmt.Errorf("%w: userId, bookingId and status are required", ErrInvalidPayload)
	}
	return nil
}

// ChatMessage is a direct message. There is deliberately no sender field:
// the sender is always the authenticated connection.
type ChatMessage struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	Message        string `json:"message"`
}

func (p ChatMessage) Validate() error {
	if p.ConversationID == "" || p.ReceiverID == "" || p.Message == "" {
		return fmt.Errorf("%w: conversationId, receiverId and message are required", ErrInvalidPayload)
	}
	return nil
}

// NotificationSend asks for a notification on a user's personal room.
type NotificationSend struct {
	UserID string          `json:"userId"`
	Title  string          `json:"title"`
	Body   string          `json:"body"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (p NotificationSend) Validate() error {
	if p.UserID == "" || p.Title == "" {
		return fmt.Errorf("%w: userId and title are required", ErrInvalidPayload)
	}
	return nil
}

// Outbound payloads. Timestamp is always server time, see FormatTime.

type LocationUpdated struct {
	DriverID  string   `json:"driverId"`
	RideID    string   `json:"rideId"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp string   `json:"timestamp"`
}

type RoomJoined struct {
	RideID    string `json:"rideId"`
	Timestamp string `json:"timestamp"`
}

type BookingNew struct {
	BookingID string `json:"bookingId"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type BookingUpdated struct {
	BookingID string `json:"bookingId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ChatDelivered struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
}

type PresenceChanged struct {
	DriverID  string `json:"driverId"`
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

type NotificationNew struct {
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type Pong struct {
	Timestamp string `json:"timestamp"`
}
