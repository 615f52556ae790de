package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/margwa-realtime/pkg/events"
	"github.com/example/margwa-realtime/pkg/room"
)

type mockBus struct {
	mock.Mock
}

func (m *mockBus) Publish(ctx context.Context, env events.Envelope) error {
	return m.Called(ctx, env).Error(0)
}

func (m *mockBus) Subscribe(ctx context.Context, h Handler) error {
	return m.Called(ctx, h).Error(0)
}

func (m *mockBus) Connected() bool { return m.Called().Bool(0) }
func (m *mockBus) Name() string    { return "mock" }
func (m *mockBus) Close() error    { return nil }

// collector gathers envelopes delivered to a subscription.
type collector struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (c *collector) handle(_ context.Context, env events.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) snapshot() []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Envelope(nil), c.envs...)
}

func envelope(t *testing.T, r room.ID, origin string) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(r, events.EventLocationUpdated, events.LocationUpdated{DriverID: "d1", Lat: 10, Lng: 20}, origin)
	require.NoError(t, err)
	return env
}

// exerciseBus checks the behaviour every transport must share: two
// subscribers on the same channel both see every envelope, in publish order.
func exerciseBus(t *testing.T, bus Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var a, b collector
	require.NoError(t, bus.Subscribe(ctx, a.handle))
	require.NoError(t, bus.Subscribe(ctx, b.handle))
	assert.True(t, bus.Connected())

	for i, r := range []room.ID{room.Ride("trip-1"), room.User("u2"), room.Drivers} {
		require.NoError(t, bus.Publish(ctx, envelope(t, r, "proc-"+string(rune('a'+i)))))
	}

	for _, c := range []*collector{&a, &b} {
		require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
		got := c.snapshot()
		assert.Equal(t, room.Ride("trip-1"), got[0].Room)
		assert.Equal(t, room.User("u2"), got[1].Room)
		assert.Equal(t, room.Drivers, got[2].Room)
		assert.Equal(t, "proc-a", got[0].Origin)
		assert.Equal(t, events.EventLocationUpdated, got[0].Event)
		assert.JSONEq(t, `{"driverId":"d1","rideId":"","lat":10,"lng":20,"timestamp":""}`, string(got[0].Payload))
	}
}

func TestNATSBus(t *testing.T) {
	s := natsserver.RunRandClientPortServer()
	defer s.Shutdown()

	bus, err := Open(context.Background(), s.ClientURL(), Options{ClientName: "test"})
	require.NoError(t, err)
	defer bus.Close()

	assert.Equal(t, "nats", bus.Name())
	exerciseBus(t, bus)
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)

	bus, err := Open(context.Background(), "redis://"+mr.Addr(), Options{ClientName: "test"})
	require.NoError(t, err)
	defer bus.Close()

	assert.Equal(t, "redis", bus.Name())
	exerciseBus(t, bus)
}

func TestMemoryBus(t *testing.T) {
	bus, err := Open(context.Background(), "memory://", Options{})
	require.NoError(t, err)

	assert.Equal(t, "memory", bus.Name())
	exerciseBus(t, bus)

	require.NoError(t, bus.Close())
	assert.False(t, bus.Connected())
	assert.ErrorIs(t, bus.Publish(context.Background(), envelope(t, room.Drivers, "")), ErrBusUnavailable)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), "kafka://localhost:9092", Options{})
	assert.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	_, err = Open(context.Background(), "redis://"+addr, Options{})
	assert.ErrorIs(t, err, ErrBusUnavailable)
}

func TestRedisBus_DropsInvalidEnvelopes(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := Open(context.Background(), "redis://"+mr.Addr(), Options{Subject: "test.fanout"})
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var c collector
	require.NoError(t, bus.Subscribe(ctx, c.handle))

	mr.Publish("test.fanout", `{"room":"nowhere","event":"x"}`)
	require.NoError(t, bus.Publish(ctx, envelope(t, room.User("u1"), "")))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, room.User("u1"), c.snapshot()[0].Room)
}

func TestAsyncPublisher_PreservesOrder(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var c collector
	require.NoError(t, bus.Subscribe(ctx, c.handle))

	p := NewAsyncPublisher(bus, 64, nil)
	rides := []string{"r1", "r2", "r3", "r4", "r5"}
	for _, id := range rides {
		require.NoError(t, p.Enqueue(envelope(t, room.Ride(id), "")))
	}
	require.NoError(t, p.Close(context.Background()))

	require.Eventually(t, func() bool { return len(c.snapshot()) == len(rides) }, 2*time.Second, 10*time.Millisecond)
	for i, env := range c.snapshot() {
		assert.Equal(t, room.Ride(rides[i]), env.Room)
	}

	assert.ErrorIs(t, p.Enqueue(envelope(t, room.Drivers, "")), ErrClosed)
}

func TestAsyncPublisher_BusFailureIsNotFatal(t *testing.T) {
	bus := &mockBus{}
	bus.On("Publish", mock.Anything, mock.Anything).Return(errors.Join(ErrBusUnavailable, errors.New("connection refused")))

	p := NewAsyncPublisher(bus, 8, nil)
	require.NoError(t, p.Enqueue(envelope(t, room.Drivers, "")))
	require.NoError(t, p.Enqueue(envelope(t, room.DriversOnline, "")))
	require.NoError(t, p.Close(context.Background()))

	bus.AssertNumberOfCalls(t, "Publish", 2)
}

func TestAsyncPublisher_OpensCircuitAfterRepeatedFailures(t *testing.T) {
	bus := &mockBus{}
	bus.On("Publish", mock.Anything, mock.Anything).Return(ErrBusUnavailable)

	p := NewAsyncPublisher(bus, 16, nil)
	for i := 0; i < breakerThreshold+3; i++ {
		require.NoError(t, p.Enqueue(envelope(t, room.Drivers, "")))
	}
	require.NoError(t, p.Close(context.Background()))

	bus.AssertNumberOfCalls(t, "Publish", breakerThreshold)
	assert.Equal(t, CircuitOpen, p.Circuit())
}

func TestAsyncPublisher_QueueFull(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	bus := &mockBus{}
	bus.On("Publish", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		started <- struct{}{}
		<-release
	})

	p := NewAsyncPublisher(bus, 1, nil)

	// The worker takes the first envelope and blocks; the second fills the
	// queue, so the third has nowhere to go.
	require.NoError(t, p.Enqueue(envelope(t, room.Ride("r1"), "")))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first envelope")
	}
	require.NoError(t, p.Enqueue(envelope(t, room.Ride("r2"), "")))
	assert.ErrorIs(t, p.Enqueue(envelope(t, room.Ride("r3"), "")), ErrQueueFull)

	close(release)
	require.NoError(t, p.Close(context.Background()))
	bus.AssertNumberOfCalls(t, "Publish", 2)
}

func TestPublisher(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var c collector
	require.NoError(t, bus.Subscribe(ctx, c.handle))

	pub := NewPublisher(bus)
	err := pub.Publish(ctx, room.User("u2"), events.EventNotificationNew, events.NotificationNew{Title: "Ride booked", Body: "Your driver is on the way"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	env := c.snapshot()[0]
	assert.Equal(t, room.User("u2"), env.Room)
	assert.Equal(t, events.EventNotificationNew, env.Event)
	assert.Empty(t, env.Origin)

	assert.ErrorIs(t, pub.Publish(ctx, room.User("u2"), "location:update", nil), events.ErrUnknownEvent)
	assert.ErrorIs(t, pub.Publish(ctx, room.User(""), events.EventNotificationNew, nil), room.ErrInvalidRoom)
}
