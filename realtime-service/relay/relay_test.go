package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/fanout"
	"github.com/example/margwa-realtime/pkg/room"
	"github.com/example/margwa-realtime/realtime-service/hub"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []events.Frame
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	f, err := events.DecodeFrame(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) received() []events.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Frame(nil), c.frames...)
}

// brokenBus fails every operation, like a broker that is down.
type brokenBus struct{}

func (brokenBus) Publish(context.Context, events.Envelope) error { return fanout.ErrBusUnavailable }
func (brokenBus) Subscribe(context.Context, fanout.Handler) error {
	return fanout.ErrBusUnavailable
}
func (brokenBus) Connected() bool { return false }
func (brokenBus) Name() string    { return "broken" }
func (brokenBus) Close() error    { return nil }

// rejectingBus looks connected but refuses every publish.
type rejectingBus struct{ brokenBus }

func (rejectingBus) Connected() bool { return true }

type process struct {
	hub   *hub.Hub
	relay *Relay
}

func startProcess(t *testing.T, ctx context.Context, bus fanout.Bus, id string) process {
	t.Helper()
	h := hub.New(nil)
	r := New(h, Options{Bus: bus, ProcessID: id, QueueSize: 16})
	require.NoError(t, r.Start(ctx))
	return process{hub: h, relay: r}
}

func TestRelay_CrossProcessFanout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := fanout.NewMemoryBus(nil)
	defer bus.Close()

	p1 := startProcess(t, ctx, bus, "p1")
	p2 := startProcess(t, ctx, bus, "p2")

	driver := &fakeConn{id: "driver"}
	rider := &fakeConn{id: "rider"}
	bystander := &fakeConn{id: "bystander"}
	p1.hub.Join(driver, room.Ride("trip-1"))
	p2.hub.Join(rider, room.Ride("trip-1"))
	p2.hub.Join(bystander, room.Ride("trip-2"))

	err := p1.relay.BroadcastExcept(ctx, room.Ride("trip-1"), events.EventLocationUpdated,
		events.LocationUpdated{DriverID: "d1", RideID: "trip-1", Lat: 10, Lng: 20}, driver.ID())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rider.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	f := rider.received()[0]
	assert.Equal(t, events.EventLocationUpdated, f.Event)
	assert.JSONEq(t, `{"driverId":"d1","rideId":"trip-1","lat":10,"lng":20,"timestamp":""}`, string(f.Data))

	// Give any stray delivery time to show up before asserting absence.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, driver.received(), "excluded sender")
	assert.Empty(t, bystander.received(), "other room")
}

func TestRelay_NoDoubleDeliveryOnOrigin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := fanout.NewMemoryBus(nil)
	defer bus.Close()

	p1 := startProcess(t, ctx, bus, "p1")
	p2 := startProcess(t, ctx, bus, "p2")

	local := &fakeConn{id: "local"}
	remote := &fakeConn{id: "remote"}
	p1.hub.Join(local, room.Drivers)
	p2.hub.Join(remote, room.Drivers)

	require.NoError(t, p1.relay.Broadcast(ctx, room.Drivers, events.EventPresenceChanged,
		events.PresenceChanged{DriverID: "d1", Online: true}))

	require.Eventually(t, func() bool { return len(remote.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, local.received(), 1)
}

func TestRelay_CollaboratorEnvelopesReachEveryProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := fanout.NewMemoryBus(nil)
	defer bus.Close()

	p1 := startProcess(t, ctx, bus, "p1")
	p2 := startProcess(t, ctx, bus, "p2")

	phone := &fakeConn{id: "phone"}
	laptop := &fakeConn{id: "laptop"}
	p1.hub.Join(phone, room.User("u2"))
	p2.hub.Join(laptop, room.User("u2"))

	pub := fanout.NewPublisher(bus)
	require.NoError(t, pub.Publish(ctx, room.User("u2"), events.EventChatMessage,
		events.ChatDelivered{ConversationID: "c1", SenderID: "u1", Message: "hi"}))

	for _, c := range []*fakeConn{phone, laptop} {
		require.Eventually(t, func() bool { return len(c.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, events.EventChatMessage, c.received()[0].Event)
	}
}

func TestRelay_BusDownDegradesToLocal(t *testing.T) {
	ctx := context.Background()
	h := hub.New(nil)
	r := New(h, Options{Bus: brokenBus{}, ProcessID: "p1", QueueSize: 4})

	assert.ErrorIs(t, r.Start(ctx), fanout.ErrBusUnavailable)
	assert.Equal(t, "degraded", r.BusState())

	c := &fakeConn{id: "c"}
	h.Join(c, room.User("u1"))
	require.NoError(t, r.Broadcast(ctx, room.User("u1"), events.EventNotificationNew, events.NotificationNew{Title: "t"}))
	assert.Len(t, c.received(), 1)

	require.NoError(t, r.Close(ctx))
}

func TestRelay_RepeatedPublishFailuresReportDegraded(t *testing.T) {
	ctx := context.Background()
	h := hub.New(nil)
	r := New(h, Options{Bus: rejectingBus{}, ProcessID: "p1", QueueSize: 16})
	assert.Equal(t, "connected", r.BusState())

	for i := 0; i < 6; i++ {
		require.NoError(t, r.Broadcast(ctx, room.Drivers, events.EventPresenceChanged, events.PresenceChanged{DriverID: "d1"}))
	}
	require.Eventually(t, func() bool { return r.BusState() == "degraded" }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Close(ctx))
}

func TestRelay_LocalOnly(t *testing.T) {
	ctx := context.Background()
	h := hub.New(nil)
	r := New(h, Options{ProcessID: "p1"})

	require.NoError(t, r.Start(ctx))
	assert.Equal(t, "local", r.BusState())

	c := &fakeConn{id: "c"}
	h.Join(c, room.Drivers)
	require.NoError(t, r.Broadcast(ctx, room.Drivers, events.EventPresenceChanged, events.PresenceChanged{DriverID: "d1"}))
	assert.Len(t, c.received(), 1)

	assert.ErrorIs(t, r.Broadcast(ctx, room.User(""), events.EventPresenceChanged, nil), room.ErrInvalidRoom)
	require.NoError(t, r.Close(ctx))
}
