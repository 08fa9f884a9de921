package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/pubsub"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func startGateway(t *testing.T, bus pubsub.Bus) *Gateway {
	t.Helper()
	g := NewGateway(websocket.NewHub(logger.Nop()), bus, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, g.Subscribed, 2*time.Second, 5*time.Millisecond)
	return g
}

func connect(g *Gateway, p auth.Principal) *websocket.Client {
	c := websocket.NewClient(g.Hub(), nil, p, g, logger.Nop())
	g.Register(c)
	return c
}

func rider(id string) auth.Principal {
	return auth.Principal{UserID: id, Role: auth.RoleRider}
}

func driverPrincipal(id string) auth.Principal {
	return auth.Principal{UserID: "user-" + id, Role: auth.RoleDriver, DriverID: id}
}

func send(t *testing.T, c *websocket.Client, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(websocket.Frame{Type: event, Data: raw})
	require.NoError(t, err)
	c.Receive(frame)
}

func expectFrame(t *testing.T, c *websocket.Client, event string) websocket.Frame {
	t.Helper()
	select {
	case data := <-c.Send:
		var f websocket.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		require.Equal(t, event, f.Type, "payload: %s", f.Data)
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s: no %s frame", c.ID, event)
	}
	return websocket.Frame{}
}

func expectNothing(t *testing.T, c *websocket.Client) {
	t.Helper()
	select {
	case data := <-c.Send:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func setup(t *testing.T) *Gateway {
	return startGateway(t, pubsub.NewMemoryBus())
}

func TestGateway_DriverLocationReachesDriversAndRideOnly(t *testing.T) {
	g := setup(t)

	d1 := connect(g, driverPrincipal("d1"))
	d2 := connect(g, driverPrincipal("d2"))
	onRide1 := connect(g, rider("u1"))
	onRide2 := connect(g, rider("u2"))

	send(t, d1, EventJoinDriver, map[string]string{"driverId": "d1"})
	send(t, d2, EventJoinDriver, map[string]string{"driverId": "d2"})
	require.NoError(t, g.Join(onRide1.ID, RideChannel("r1")))
	require.NoError(t, g.Join(onRide2.ID, RideChannel("r2")))

	send(t, d1, EventDriverLocation, map[string]interface{}{"driverId": "d1", "lat": 1, "lng": 2, "rideId": "r1"})

	f := expectFrame(t, onRide1, EventDriverLocation)
	assert.JSONEq(t, `{"driverId":"d1","lat":1,"lng":2,"rideId":"r1"}`, string(f.Data))
	expectFrame(t, d2, EventDriverLocation)
	expectFrame(t, d1, EventDriverLocation)
	expectNothing(t, d1)
	expectNothing(t, onRide2)

	// sending a location for a ride joins that ride
	assert.Contains(t, g.Hub().Channels(d1.ID), RideChannel("r1"))
}

func TestGateway_RideStatusRoutesToRiderAndDriver(t *testing.T) {
	g := setup(t)

	r := connect(g, rider("u1"))
	d := connect(g, driverPrincipal("d1"))
	other := connect(g, rider("u9"))
	send(t, r, EventJoinRider, map[string]string{"userId": "u1"})
	send(t, d, EventJoinDriver, map[string]string{"driverId": "d1"})
	send(t, other, EventJoinRider, map[string]string{"userId": "u9"})

	err := g.EmitRideStatusUpdate(context.Background(), RideStatusUpdate{
		RideID:         "r1",
		RiderID:        "u1",
		Status:         "ARRIVING",
		DriverID:       "d1",
		DriverLocation: &Coordinates{Lat: 12.9, Lng: 77.6},
	})
	require.NoError(t, err)

	f := expectFrame(t, r, EventRideStatus)
	assert.Contains(t, string(f.Data), `"status":"ARRIVING"`)
	expectFrame(t, d, EventRideStatus)
	expectNothing(t, other)

	assert.ErrorIs(t, g.EmitRideStatusUpdate(context.Background(), RideStatusUpdate{RideID: "r1", Status: "X"}), ErrMissingRiderID)
}

func TestGateway_RideRequestReachesDrivers(t *testing.T) {
	g := setup(t)

	d := connect(g, driverPrincipal("d1"))
	r := connect(g, rider("u1"))
	send(t, d, EventJoinDriver, map[string]string{"driverId": "d1"})
	send(t, r, EventJoinRider, map[string]string{"userId": "u1"})

	g.EmitRideRequest(context.Background(), ride.Ride{ID: "r1", RiderID: "u1", Status: ride.StatusPending})

	f := expectFrame(t, d, EventRideNew)
	assert.Contains(t, string(f.Data), `"id":"r1"`)
	expectNothing(t, r)
}

func TestGateway_MessageBroadcastsToEveryone(t *testing.T) {
	g := setup(t)

	a := connect(g, rider("u1"))
	b := connect(g, driverPrincipal("d1"))

	send(t, a, EventMessage, "hello")

	for _, c := range []*websocket.Client{a, b} {
		f := expectFrame(t, c, EventMessage)
		assert.JSONEq(t, `{"message":"hello","from":"u1"}`, string(f.Data))
	}
}

func TestGateway_AcceptedJoinsRiderToRide(t *testing.T) {
	g := setup(t)

	r := connect(g, rider("u1"))
	d := connect(g, driverPrincipal("d1"))
	send(t, r, EventJoinRider, map[string]string{"userId": "u1"})
	send(t, d, EventJoinDriver, map[string]string{"driverId": "d1"})

	accepted := ride.Event{
		Name:      ride.EventAccepted,
		Audiences: []ride.Audience{{Kind: ride.AudienceRider, ID: "u1"}},
		Ride:      ride.Ride{ID: "r1", RiderID: "u1", Status: ride.StatusAccepted},
	}
	g.Notify(context.Background(), accepted)

	expectFrame(t, r, ride.EventAccepted)
	expectNothing(t, d)
	assert.Contains(t, g.Hub().Channels(r.ID), RideChannel("r1"))

	send(t, d, EventDriverLocation, map[string]interface{}{"lat": 1.5, "lng": 2.5, "rideId": "r1"})
	f := expectFrame(t, r, EventDriverLocation)
	assert.Contains(t, string(f.Data), `"driverId":"d1"`)
}

func TestGateway_EmitToDriverAndRider(t *testing.T) {
	g := setup(t)

	d := connect(g, driverPrincipal("d1"))
	r := connect(g, rider("u1"))
	send(t, d, EventJoinDriver, map[string]string{"driverId": "d1"})
	send(t, r, EventJoinRider, map[string]string{"userId": "u1"})

	g.EmitToDriver(context.Background(), "d1", EventRideRequest, map[string]string{"id": "r1"})
	expectFrame(t, d, EventRideRequest)
	expectNothing(t, r)

	g.EmitToRider(context.Background(), "u1", "ride:started", map[string]string{"id": "r1"})
	expectFrame(t, r, "ride:started")
	expectNothing(t, d)
}

func TestGateway_InvalidFramesGetErrorEvent(t *testing.T) {
	g := setup(t)

	verified := auth.Principal{UserID: "u1", Role: auth.RoleRider, Verified: true}
	c := connect(g, verified)
	bystander := connect(g, rider("u2"))

	tests := []struct {
		name  string
		event string
		data  interface{}
	}{
		{"foreign rider channel", EventJoinRider, map[string]string{"userId": "u2"}},
		{"foreign driver channel", EventJoinDriver, map[string]string{"driverId": "d1"}},
		{"missing user id", EventJoinRider, map[string]string{}},
		{"location without coordinates", EventDriverLocation, map[string]string{"driverId": "d1"}},
		{"location out of range", EventDriverLocation, map[string]interface{}{"driverId": "d1", "lat": 91, "lng": 0}},
		{"status without rider", EventRideStatus, map[string]string{"rideId": "r1", "status": "STARTED"}},
		{"unknown event", "teleport", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, c, tt.event, tt.data)
			f := expectFrame(t, c, EventError)
			assert.Contains(t, string(f.Data), `"message"`)
		})
	}

	expectNothing(t, bystander)
	assert.Empty(t, g.Hub().Channels(c.ID))
}

func TestGateway_JoinAcceptsBareIDOrObject(t *testing.T) {
	g := setup(t)

	tests := []struct {
		name      string
		principal auth.Principal
		event     string
		data      interface{}
		channels  []string
	}{
		{"rider bare id", rider("u1"), EventJoinRider, "u1", []string{RiderChannel("u1")}},
		{"rider object", rider("u1"), EventJoinRider, map[string]string{"userId": "u1"}, []string{RiderChannel("u1")}},
		{"driver bare id", driverPrincipal("d1"), EventJoinDriver, "d1", []string{DriverChannel("d1"), DriversChannel}},
		{"driver object", driverPrincipal("d1"), EventJoinDriver, map[string]string{"driverId": "d1"}, []string{DriverChannel("d1"), DriversChannel}},
		{"ride bare id", rider("u1"), EventJoinRide, "r1", []string{RideChannel("r1")}},
		{"ride object", rider("u1"), EventJoinRide, map[string]string{"rideId": "r1"}, []string{RideChannel("r1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := connect(g, tt.principal)
			send(t, c, tt.event, tt.data)
			expectNothing(t, c)
			assert.ElementsMatch(t, tt.channels, g.Hub().Channels(c.ID))
		})
	}
}

func TestGateway_JoinRejectsEmptyOrMistypedID(t *testing.T) {
	g := setup(t)
	c := connect(g, rider("u1"))

	send(t, c, EventJoinRider, "  ")
	f := expectFrame(t, c, EventError)
	assert.JSONEq(t, `{"event":"join:rider","message":"userId is required"}`, string(f.Data))

	send(t, c, EventJoinDriver, map[string]int{"driverId": 7})
	f = expectFrame(t, c, EventError)
	assert.JSONEq(t, `{"event":"join:driver","message":"driverId must be a string"}`, string(f.Data))

	assert.Empty(t, g.Hub().Channels(c.ID))
}

func TestGateway_RideStatusErrorNamesRiderID(t *testing.T) {
	g := setup(t)
	c := connect(g, driverPrincipal("d1"))

	send(t, c, EventRideStatus, map[string]string{"rideId": "r1", "status": "STARTED", "driverId": "d1"})
	f := expectFrame(t, c, EventError)
	assert.JSONEq(t, `{"event":"ride:status","message":"riderId is required"}`, string(f.Data))
}

func TestGateway_PingPong(t *testing.T) {
	g := setup(t)
	c := connect(g, rider("u1"))

	send(t, c, EventPing, nil)
	expectFrame(t, c, EventPong)
}

func TestGateway_JoinTwiceKeepsOneMembership(t *testing.T) {
	g := setup(t)
	c := connect(g, driverPrincipal("d1"))

	send(t, c, EventJoinDriver, map[string]string{"driverId": "d1"})
	send(t, c, EventJoinDriver, map[string]string{"driverId": "d1"})

	assert.Len(t, g.Hub().Members(DriversChannel), 1)
	assert.Len(t, g.Hub().Members(DriverChannel("d1")), 1)
}

type downBus struct{}

func (downBus) Publish(context.Context, string, []byte) error {
	return errors.New("dial tcp: connection refused")
}

func (downBus) Subscribe(context.Context, pubsub.Handler, ...string) (pubsub.Subscription, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (downBus) Close() error { return nil }

func TestGateway_BusDownDeliversLocally(t *testing.T) {
	g := NewGateway(websocket.NewHub(logger.Nop()), downBus{}, logger.Nop())

	d := connect(g, driverPrincipal("d1"))
	send(t, d, EventJoinDriver, map[string]string{"driverId": "d1"})

	g.EmitRideRequest(context.Background(), ride.Ride{ID: "r1"})
	expectFrame(t, d, EventRideNew)
	expectNothing(t, d)
}

func TestGateway_UnsubscribedDeliversLocallyOnce(t *testing.T) {
	// bus is up but Run was never started
	g := NewGateway(websocket.NewHub(logger.Nop()), pubsub.NewMemoryBus(), logger.Nop())

	r := connect(g, rider("u1"))
	send(t, r, EventJoinRider, map[string]string{"userId": "u1"})

	g.EmitToRider(context.Background(), "u1", "ride:arriving", map[string]string{"id": "r1"})
	expectFrame(t, r, "ride:arriving")
	expectNothing(t, r)
}

// droppingBus is a memory bus whose subscriptions can be cut from the test,
// the way a broker reconnect that fails to restore a queue would.
type droppingBus struct {
	*pubsub.MemoryBus
	refuse atomic.Bool

	mu   sync.Mutex
	subs []pubsub.Subscription
}

func (b *droppingBus) Subscribe(ctx context.Context, h pubsub.Handler, topics ...string) (pubsub.Subscription, error) {
	if b.refuse.Load() {
		return nil, errors.New("broker unavailable")
	}
	sub, err := b.MemoryBus.Subscribe(ctx, h, topics...)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *droppingBus) cut() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
}

func TestGateway_LostSubscriptionFallsBackAndRecovers(t *testing.T) {
	bus := &droppingBus{MemoryBus: pubsub.NewMemoryBus()}
	g := startGateway(t, bus)

	r := connect(g, rider("u1"))
	send(t, r, EventJoinRider, "u1")

	bus.refuse.Store(true)
	bus.cut()
	require.Eventually(t, func() bool { return !g.Subscribed() }, 2*time.Second, 5*time.Millisecond)

	// publish still succeeds, but nobody is listening: delivery stays local
	g.EmitToRider(context.Background(), "u1", "ride:arriving", map[string]string{"id": "r1"})
	expectFrame(t, r, "ride:arriving")
	expectNothing(t, r)

	bus.refuse.Store(false)
	require.Eventually(t, g.Subscribed, 5*time.Second, 5*time.Millisecond)

	g.EmitToRider(context.Background(), "u1", "ride:started", map[string]string{"id": "r1"})
	expectFrame(t, r, "ride:started")
	expectNothing(t, r)
}

func TestGateway_RunStopsWithContext(t *testing.T) {
	g := NewGateway(websocket.NewHub(logger.Nop()), downBus{}, logger.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, g.Run(ctx))
	assert.False(t, g.Subscribed())
}

func TestGateway_NilPanics(t *testing.T) {
	var g *Gateway
	assert.PanicsWithValue(t, "realtime gateway not initialized", func() {
		g.EmitToRider(context.Background(), "u1", "ride:started", nil)
	})
	assert.PanicsWithValue(t, "realtime gateway not initialized", func() {
		g.PublishLocal("drivers", "ride:new", nil)
	})
}

func TestGateway_CrossInstanceOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	newBus := func() pubsub.Bus {
		pub := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIdentity: true})
		sub := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIdentity: true})
		bus := pubsub.NewRedisBus(pub, sub)
		t.Cleanup(func() {
			bus.Close()
			pub.Close()
			sub.Close()
		})
		return bus
	}

	a := startGateway(t, newBus())
	b := startGateway(t, newBus())

	riderOnA := connect(a, rider("u1"))
	driverOnB := connect(b, driverPrincipal("d1"))
	send(t, riderOnA, EventJoinRider, map[string]string{"userId": "u1"})
	send(t, driverOnB, EventJoinDriver, map[string]string{"driverId": "d1"})

	a.EmitToDriver(context.Background(), "d1", EventRideRequest, map[string]string{"id": "r1"})
	expectFrame(t, driverOnB, EventRideRequest)

	b.Notify(context.Background(), ride.Event{
		Name:      ride.EventAccepted,
		Audiences: []ride.Audience{{Kind: ride.AudienceRider, ID: "u1"}},
		Ride:      ride.Ride{ID: "r1", RiderID: "u1", Status: ride.StatusAccepted},
	})
	expectFrame(t, riderOnA, ride.EventAccepted)

	// the rider on A joined ride:r1 on delivery, so B's driver reaches it
	send(t, driverOnB, EventDriverLocation, map[string]interface{}{"driverId": "d1", "lat": 1, "lng": 2, "rideId": "r1"})
	expectFrame(t, riderOnA, EventDriverLocation)
	expectFrame(t, driverOnB, EventDriverLocation)
}

func TestGateway_RouteLogsOrigin(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	core, logs := observer.New(zapcore.DebugLevel)

	a := startGateway(t, bus)
	b := NewGateway(websocket.NewHub(logger.Nop()), bus, &logger.Logger{Logger: zap.New(core)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()
	require.Eventually(t, b.Subscribed, 2*time.Second, 5*time.Millisecond)

	routed := func() []observer.LoggedEntry {
		return logs.FilterMessage("Routed event").All()
	}

	a.EmitToRider(context.Background(), "u1", "ride:started", nil)
	require.Eventually(t, func() bool { return len(routed()) == 1 }, time.Second, 5*time.Millisecond)
	fields := routed()[0].ContextMap()
	assert.Equal(t, a.instanceID, fields["origin"])
	assert.Equal(t, true, fields["remote"])

	b.EmitToRider(context.Background(), "u1", "ride:started", nil)
	require.Eventually(t, func() bool { return len(routed()) == 2 }, time.Second, 5*time.Millisecond)
	fields = routed()[1].ContextMap()
	assert.Equal(t, b.instanceID, fields["origin"])
	assert.Equal(t, false, fields["remote"])
}

func TestGateway_DriverAvailabilityTogglesDriversChannel(t *testing.T) {
	bus := pubsub.NewMemoryBus()
	a := startGateway(t, bus)
	b := startGateway(t, bus)
	ctx := context.Background()

	phone := connect(b, driverPrincipal("d1"))
	other := connect(b, driverPrincipal("d2"))
	send(t, phone, EventJoinDriver, "d1")
	send(t, other, EventJoinDriver, "d2")

	a.SetDriverAvailability(ctx, "d1", false)
	f := expectFrame(t, phone, EventDriverAvailability)
	assert.JSONEq(t, `{"driverId":"d1","isOnline":false}`, string(f.Data))
	expectNothing(t, other)
	assert.Equal(t, []string{DriverChannel("d1")}, b.Hub().Channels(phone.ID))

	a.EmitRideRequest(ctx, ride.Ride{ID: "r1"})
	expectFrame(t, other, EventRideNew)
	expectNothing(t, phone)

	a.SetDriverAvailability(ctx, "d1", true)
	f = expectFrame(t, phone, EventDriverAvailability)
	assert.JSONEq(t, `{"driverId":"d1","isOnline":true}`, string(f.Data))

	a.EmitRideRequest(ctx, ride.Ride{ID: "r2"})
	expectFrame(t, phone, EventRideNew)
	expectFrame(t, other, EventRideNew)
}

func TestGateway_OfflineDriverJoinSkipsDriversChannel(t *testing.T) {
	offline := map[string]bool{"d1": true}
	g := NewGateway(websocket.NewHub(logger.Nop()), pubsub.NewMemoryBus(), logger.Nop(),
		WithAvailability(func(_ context.Context, driverID string) bool { return !offline[driverID] }),
	)

	d1 := connect(g, driverPrincipal("d1"))
	d2 := connect(g, driverPrincipal("d2"))
	send(t, d1, EventJoinDriver, "d1")
	send(t, d2, EventJoinDriver, "d2")

	assert.ElementsMatch(t, []string{DriverChannel("d1")}, g.Hub().Channels(d1.ID))
	assert.ElementsMatch(t, []string{DriverChannel("d2"), DriversChannel}, g.Hub().Channels(d2.ID))

	// not subscribed, so delivery is local
	g.EmitRideRequest(context.Background(), ride.Ride{ID: "r1"})
	expectFrame(t, d2, EventRideNew)
	expectNothing(t, d1)
}
