package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/identity"
	"github.com/example/margwa-realtime/pkg/room"
	"github.com/example/margwa-realtime/realtime-service/hub"
	"github.com/example/margwa-realtime/realtime-service/presence"
	"github.com/example/margwa-realtime/realtime-service/relay"
)

type fakeClient struct {
	id     string
	ident  identity.Identity
	mu     sync.Mutex
	frames []events.Frame
}

func newClient(id, userID string, userType identity.UserType) *fakeClient {
	return &fakeClient{id: id, ident: identity.Identity{UserID: userID, UserType: userType}}
}

func (c *fakeClient) ID() string                  { return c.id }
func (c *fakeClient) Identity() identity.Identity { return c.ident }

func (c *fakeClient) Send(data []byte) error {
	f, err := events.DecodeFrame(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeClient) received() []events.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Frame(nil), c.frames...)
}

func (c *fakeClient) data(t *testing.T, i int) map[string]any {
	t.Helper()
	frames := c.received()
	require.Greater(t, len(frames), i)
	var m map[string]any
	require.NoError(t, json.Unmarshal(frames[i].Data, &m))
	return m
}

type fixture struct {
	hub      *hub.Hub
	presence *presence.Tracker
	router   *Router
}

func newFixture() fixture {
	h := hub.New(nil)
	rl := relay.New(h, relay.Options{ProcessID: "test"})
	p := presence.New(h, rl, nil)
	return fixture{hub: h, presence: p, router: New(h, rl, p, nil)}
}

func frame(event string, data string) []byte {
	if data == "" {
		return []byte(`{"event":"` + event + `"}`)
	}
	return []byte(`{"event":"` + event + `","data":` + data + `}`)
}

func TestRouter_LocationUpdateReachesRideMembersOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	driver := newClient("c-d1", "d1", identity.UserTypeDriver)
	rider := newClient("c-u1", "u1", identity.UserTypeClient)
	outsider := newClient("c-u9", "u9", identity.UserTypeClient)

	for _, c := range []*fakeClient{driver, rider} {
		require.NoError(t, f.router.Handle(ctx, c, frame("ride:join", `{"rideId":"trip-1"}`)))
	}
	require.NoError(t, f.router.Handle(ctx, outsider, frame("ride:join", `"trip-2"`)))

	require.NoError(t, f.router.Handle(ctx, driver, frame("location:update", `{"rideId":"trip-1","lat":10,"lng":20,"driverId":"someone-else"}`)))

	got := rider.received()
	require.Len(t, got, 2)
	assert.Equal(t, events.EventRoomJoined, got[0].Event)
	assert.Equal(t, events.EventLocationUpdated, got[1].Event)
	loc := rider.data(t, 1)
	assert.Equal(t, "d1", loc["driverId"])
	assert.Equal(t, "trip-1", loc["rideId"])
	assert.Equal(t, 10.0, loc["lat"])
	assert.Equal(t, 20.0, loc["lng"])
	assert.NotEmpty(t, loc["timestamp"])

	assert.Len(t, driver.received(), 1, "sender only gets its join ack")
	assert.Len(t, outsider.received(), 1, "outsider only gets its join ack")
}

func TestRouter_LocationUpdateWithoutRideIsDropped(t *testing.T) {
	f := newFixture()
	driver := newClient("c-d1", "d1", identity.UserTypeDriver)
	require.NoError(t, f.router.Handle(context.Background(), driver, frame("location:update", `{"latitude":10,"longitude":20}`)))
	assert.Empty(t, driver.received())
}

func TestRouter_RideJoinAndLeave(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := newClient("c1", "u1", identity.UserTypeClient)

	require.NoError(t, f.router.Handle(ctx, c, frame("ride:join", `"trip-1"`)))
	assert.True(t, f.hub.IsMember("c1", room.Ride("trip-1")))
	ack := c.data(t, 0)
	assert.Equal(t, "trip-1", ack["rideId"])

	require.NoError(t, f.router.Handle(ctx, c, frame("ride:leave", `{"rideId":"trip-1"}`)))
	assert.False(t, f.hub.IsMember("c1", room.Ride("trip-1")))

	require.NoError(t, f.router.Handle(ctx, c, frame("ride:leave", `{"rideId":"never-joined"}`)))
}

func TestRouter_ChatSenderComesFromIdentity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sender := newClient("c-u1", "u1", identity.UserTypeClient)
	receiver := newClient("c-u2", "u2", identity.UserTypeClient)
	f.hub.Join(receiver, room.User("u2"))

	err := f.router.Handle(ctx, sender, frame("chat:message",
		`{"conversationId":"c1","receiverId":"u2","message":"hi","senderId":"spoofed"}`))
	require.NoError(t, err)

	require.Len(t, receiver.received(), 1)
	assert.Equal(t, events.EventChatMessage, receiver.received()[0].Event)
	msg := receiver.data(t, 0)
	assert.Equal(t, "u1", msg["senderId"])
	assert.Equal(t, "c1", msg["conversationId"])
	assert.Equal(t, "hi", msg["message"])
	assert.Empty(t, sender.received())
}

func TestRouter_PingRepliesToSenderOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a := newClient("a", "u1", identity.UserTypeDriver)
	b := newClient("b", "u2", identity.UserTypeDriver)
	for _, c := range []*fakeClient{a, b} {
		f.hub.Join(c, room.User(c.ident.UserID))
		f.hub.Join(c, room.Drivers)
	}

	require.NoError(t, f.router.Handle(ctx, a, frame("ping", "")))

	require.Len(t, a.received(), 1)
	assert.Equal(t, events.EventPong, a.received()[0].Event)
	assert.NotEmpty(t, a.data(t, 0)["timestamp"])
	assert.Empty(t, b.received())
}

func TestRouter_TargetedEvents(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		data      string
		target    room.ID
		wantEvent string
		wantData  map[string]any
	}{
		{
			name:      "booking notify goes to the driver's room",
			event:     "booking:notify",
			data:      `{"driverId":"d7","bookingId":"b1","message":"new ride"}`,
			target:    room.User("d7"),
			wantEvent: events.EventBookingNew,
			wantData:  map[string]any{"bookingId": "b1", "message": "new ride"},
		},
		{
			name:      "booking status goes to the user's room",
			event:     "booking:status",
			data:      `{"userId":"u7","bookingId":"b1","status":"accepted"}`,
			target:    room.User("u7"),
			wantEvent: events.EventBookingUpdated,
			wantData:  map[string]any{"bookingId": "b1", "status": "accepted"},
		},
		{
			name:      "notification goes to the user's room",
			event:     "notification:send",
			data:      `{"userId":"u7","title":"Driver arrived","body":"Look for KA-01","data":{"rideId":"trip-1"}}`,
			target:    room.User("u7"),
			wantEvent: events.EventNotificationNew,
			wantData: map[string]any{
				"title": "Driver arrived",
				"body":  "Look for KA-01",
				"data":  map[string]any{"rideId": "trip-1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			sender := newClient("sender", "u1", identity.UserTypeBoth)
			target := newClient("target", tt.target.Key(), identity.UserTypeBoth)
			other := newClient("other", "u8", identity.UserTypeBoth)
			f.hub.Join(target, tt.target)
			f.hub.Join(other, room.User("u8"))

			require.NoError(t, f.router.Handle(context.Background(), sender, frame(tt.event, tt.data)))

			require.Len(t, target.received(), 1)
			assert.Equal(t, tt.wantEvent, target.received()[0].Event)
			got := target.data(t, 0)
			for k, v := range tt.wantData {
				assert.Equal(t, v, got[k], k)
			}
			assert.NotEmpty(t, got["timestamp"])
			assert.Empty(t, other.received())
			assert.Empty(t, sender.received())
		})
	}
}

func TestRouter_DriverPresence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	d := newClient("c-d1", "d1", identity.UserTypeDriver)
	watcher := newClient("c-d2", "d2", identity.UserTypeDriver)
	f.hub.Join(watcher, room.Drivers)

	require.NoError(t, f.router.Handle(ctx, d, frame("driver:online", "")))
	assert.True(t, f.hub.IsMember("c-d1", room.DriversOnline))
	require.NoError(t, f.router.Handle(ctx, d, frame("driver:offline", "")))
	assert.False(t, f.hub.IsMember("c-d1", room.DriversOnline))

	got := watcher.received()
	require.Len(t, got, 2)
	assert.Equal(t, events.EventPresenceChanged, got[0].Event)
	assert.Equal(t, true, watcher.data(t, 0)["online"])
	assert.Equal(t, false, watcher.data(t, 1)["online"])
	assert.Equal(t, "d1", watcher.data(t, 1)["driverId"])
}

func TestRouter_DropsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `hello`, events.ErrInvalidPayload},
		{"no event", `{"data":{}}`, events.ErrInvalidPayload},
		{"unknown event", `{"event":"admin:kick","data":{}}`, events.ErrUnknownEvent},
		{"outbound name sent inbound", `{"event":"location:updated","data":{}}`, events.ErrUnknownEvent},
		{"missing fields", `{"event":"chat:message","data":{"receiverId":"u2"}}`, events.ErrInvalidPayload},
		{"wrong shape", `{"event":"ride:join","data":[1]}`, events.ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			c := newClient("c1", "u1", identity.UserTypeClient)
			f.hub.Join(c, room.User("u1"))
			f.hub.Join(c, room.User("u2"))

			err := f.router.Handle(context.Background(), c, []byte(tt.raw))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, c.received(), "sender is never told")
		})
	}
}

type panickingBroadcaster struct{}

func (panickingBroadcaster) Broadcast(context.Context, room.ID, string, any) error {
	panic("broker exploded")
}

func (panickingBroadcaster) BroadcastExcept(context.Context, room.ID, string, any, string) error {
	panic("broker exploded")
}

func TestRouter_HandlerFaultIsIsolated(t *testing.T) {
	h := hub.New(nil)
	r := New(h, panickingBroadcaster{}, presence.New(h, panickingBroadcaster{}, nil), nil)
	c := newClient("c1", "u1", identity.UserTypeClient)

	var err error
	require.NotPanics(t, func() {
		err = r.Handle(context.Background(), c, frame("chat:message", `{"conversationId":"c","receiverId":"u2","message":"x"}`))
	})
	assert.ErrorIs(t, err, ErrHandlerFault)

	// The same connection keeps working afterwards.
	require.NoError(t, r.Handle(context.Background(), c, frame("ping", "")))
	require.Len(t, c.received(), 1)
	assert.Equal(t, events.EventPong, c.received()[0].Event)
}
