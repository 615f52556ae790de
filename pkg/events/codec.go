package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/margwa-realtime/pkg/room"
)

// TimeFormat is the timestamp layout used in every outbound payload.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Frame is a single message on a client connection, in either direction.
type Frame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// EncodeFrame builds the wire bytes for an outbound event.
func EncodeFrame(event string, data json.RawMessage, at time.Time) ([]byte, error) {
	if event == "" {
		return nil, errors.New("events: frame event is empty")
	}
	return json.Marshal(Frame{Event: event, Data: data, Timestamp: FormatTime(at)})
}

// DecodeFrame parses an inbound client frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: frame has no event", ErrInvalidPayload)
	}
	return f, nil
}

// Envelope is the unit carried on the fanout bus. Origin is the process id of
// the publisher; collaborators outside the realtime service leave it empty.
type Envelope struct {
	Room      room.ID         `json:"room"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload and stamps the envelope with the current time.
func NewEnvelope(r room.ID, event string, payload any, origin string) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{
		Room:      r,
		Event:     event,
		Payload:   data,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Marshal encodes the envelope for the bus.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Event == "" {
		return nil, errors.New("events: envelope event is empty")
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes and checks an envelope received from the bus.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !e.Room.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: %w", room.ErrInvalidRoom)
	}
	if e.Event == "" {
		return Envelope{}, errors.New("decode envelope: event is empty")
	}
	return e, nil
}
