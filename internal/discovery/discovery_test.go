package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanbridge/internal/config"
	"lanbridge/internal/models"
	"lanbridge/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentPacket struct {
	payload []byte
	to      transport.Target
}

type fakeSocket struct {
	port   int
	in     chan *transport.Packet
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []sentPacket
}

func newFakeSocket(port int) *fakeSocket {
	return &fakeSocket{port: port, in: make(chan *transport.Packet, 8), closed: make(chan struct{})}
}

func (f *fakeSocket) Send(payload []byte, to transport.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPacket{payload: payload, to: to})
	return nil
}

func (f *fakeSocket) Receive(_ int, timeout time.Duration) (*transport.Packet, error) {
	select {
	case p := <-f.in:
		return p, nil
	case <-f.closed:
		return nil, errors.New("use of closed socket")
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeSocket) sentPackets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPacket(nil), f.sent...)
}

type fakeNet struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	failOn  map[int]error
}

func (n *fakeNet) listen(port int) (transport.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failOn[port]; err != nil {
		return nil, err
	}
	s := newFakeSocket(port)
	n.sockets = append(n.sockets, s)
	return s, nil
}

func (n *fakeNet) socket(port int) *fakeSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sockets {
		if s.port == port {
			return s
		}
	}
	return nil
}

func (n *fakeNet) all() []*fakeSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fakeSocket(nil), n.sockets...)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BroadcastInt = 20 * time.Millisecond
	cfg.ReceiveTimeout = 10 * time.Millisecond
	cfg.CleanupInt = 10 * time.Millisecond
	return cfg
}

func newTestService(t *testing.T, clock *fakeClock, n *fakeNet) *Service {
	t.Helper()
	opts := Options{
		LocalAddrs:     func() map[string]struct{} { return map[string]struct{}{"192.168.1.10": {}} },
		BroadcastAddrs: func() []transport.Target {
			return []transport.Target{{Host: "192.168.1.255", IfIndex: 3}, {Host: "10.255.255.255", IfIndex: 4}}
		},
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	if n != nil {
		opts.Listen = n.listen
	}
	return NewService(testConfig(), opts)
}

func announce(t *testing.T, id, name, src string) *transport.Packet {
	t.Helper()
	data, err := json.Marshal(models.Announcement{ID: id, Name: name, Platform: models.PlatformLinux, ServerPort: 8294, Version: 1})
	require.NoError(t, err)
	return &transport.Packet{Payload: data, SourceIP: src}
}

func localSet() map[string]struct{} {
	return map[string]struct{}{"192.168.1.10": {}}
}

func TestSameIDAnnouncedTwiceKeepsOneEntry(t *testing.T) {
	s := newTestService(t, nil, nil)
	ctx := context.Background()

	s.handlePacket(ctx, announce(t, "peer-1", "Old name", "192.168.1.20"), localSet())
	s.handlePacket(ctx, announce(t, "peer-1", "New name", "192.168.1.21"), localSet())

	devices := s.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "New name", devices[0].Name)
	assert.Equal(t, "192.168.1.21", devices[0].IP)
	assert.False(t, devices[0].IsManual)
}

func TestStaleDeviceEvictedAfterTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestService(t, clock, nil)
	ctx := context.Background()

	s.handlePacket(ctx, announce(t, "peer-1", "Laptop", "192.168.1.20"), localSet())
	require.NoError(t, s.AddManualDevice("10.0.0.5", 8294))

	clock.Advance(10 * time.Second)
	s.sweep(ctx)
	require.Len(t, s.Devices(), 2, "exactly at the timeout the device is still present")

	clock.Advance(time.Millisecond)
	s.sweep(ctx)
	devices := s.Devices()
	require.Len(t, devices, 1)
	assert.True(t, devices[0].IsManual)
}

func TestReannouncementRefreshesLastSeen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestService(t, clock, nil)
	ctx := context.Background()

	s.handlePacket(ctx, announce(t, "peer-1", "Laptop", "192.168.1.20"), localSet())
	clock.Advance(8 * time.Second)
	s.handlePacket(ctx, announce(t, "peer-1", "Laptop", "192.168.1.20"), localSet())
	clock.Advance(8 * time.Second)
	s.sweep(ctx)

	assert.Len(t, s.Devices(), 1)
}

func TestSelfAnnouncementsIgnored(t *testing.T) {
	s := newTestService(t, nil, nil)
	ctx := context.Background()

	s.handlePacket(ctx, announce(t, s.ID(), "Me", "192.168.1.99"), localSet())
	s.handlePacket(ctx, announce(t, "other-id", "Me again", "192.168.1.10"), localSet())

	assert.Empty(t, s.Devices())
}

func TestMalformedAnnouncementDropped(t *testing.T) {
	s := newTestService(t, nil, nil)
	s.handlePacket(context.Background(), &transport.Packet{Payload: []byte("{nope"), SourceIP: "192.168.1.20"}, localSet())
	s.handlePacket(context.Background(), &transport.Packet{Payload: []byte(`{"name":"no id"}`), SourceIP: "192.168.1.20"}, localSet())

	assert.Empty(t, s.Devices())
	select {
	case msg := <-s.Errors():
		t.Fatalf("unexpected error event %q", msg)
	default:
	}
}

func TestAddManualDeviceRejectsInvalidInput(t *testing.T) {
	s := newTestService(t, nil, nil)

	err := s.AddManualDevice("", 8294)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Equal(t, "Please enter a valid IP address", <-s.Errors())

	err = s.AddManualDevice("10.0.0.5", 0)
	assert.ErrorIs(t, err, ErrInvalidPort)
	assert.Equal(t, "Please enter a valid port", <-s.Errors())

	err = s.AddManualDevice("   ", 70000)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	assert.Empty(t, s.Devices())
}

func TestAddManualDeviceTrimsAndUpserts(t *testing.T) {
	s := newTestService(t, nil, nil)

	require.NoError(t, s.AddManualDevice("  10.0.0.5 ", 8294))
	require.NoError(t, s.AddManualDevice("10.0.0.5", 8294))

	devices := s.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "manual-10.0.0.5-8294", devices[0].ID)
	assert.Equal(t, "10.0.0.5", devices[0].IP)
	assert.True(t, devices[0].IsManual)

	d, ok := s.FindByAddress("10.0.0.5", 8294)
	require.True(t, ok)
	assert.Equal(t, devices[0].ID, d.ID)
}

func TestDevicesSortedCaseInsensitive(t *testing.T) {
	s := newTestService(t, nil, nil)
	ctx := context.Background()

	s.handlePacket(ctx, announce(t, "a", "zeta", "192.168.1.30"), localSet())
	s.handlePacket(ctx, announce(t, "b", "Alpha", "192.168.1.31"), localSet())
	s.handlePacket(ctx, announce(t, "c", "beta", "192.168.1.32"), localSet())

	var names []string
	for _, d := range s.Devices() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Alpha", "beta", "zeta"}, names)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestService(t, nil, nil)
	require.NoError(t, s.AddManualDevice("10.0.0.5", 8294))

	devices := s.Devices()
	devices[0].Name = "mutated"

	assert.Equal(t, "Manual device", s.Devices()[0].Name)
}

func TestSubscribeReceivesPublishes(t *testing.T) {
	s := newTestService(t, nil, nil)
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	assert.Empty(t, <-ch)
	require.NoError(t, s.AddManualDevice("10.0.0.5", 8294))
	assert.Len(t, <-ch, 1)
}

func TestStartStopLifecycle(t *testing.T) {
	n := &fakeNet{}
	s := newTestService(t, nil, n)
	cfg := testConfig()

	s.Start("Desk")
	s.Start("Desk") // no-op

	require.Eventually(t, func() bool {
		return n.socket(cfg.DiscoveryPort) != nil && n.socket(0) != nil
	}, time.Second, 5*time.Millisecond)

	listener := n.socket(cfg.DiscoveryPort)
	listener.in <- announce(t, "peer-1", "Phone", "192.168.1.40")

	require.Eventually(t, func() bool {
		_, ok := s.GetDevice("peer-1")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(n.socket(0).sentPackets()) > 0
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(n.socket(0).sentPackets()) >= 2
	}, time.Second, 5*time.Millisecond)
	packets := n.socket(0).sentPackets()
	sent := packets[0]
	// Each subnet broadcast leaves through its own interface.
	assert.Equal(t, transport.Target{Host: "192.168.1.255", Port: cfg.DiscoveryPort, IfIndex: 3}, sent.to)
	assert.Equal(t, transport.Target{Host: "10.255.255.255", Port: cfg.DiscoveryPort, IfIndex: 4}, packets[1].to)

	var a models.Announcement
	require.NoError(t, json.Unmarshal(sent.payload, &a))
	assert.Equal(t, s.ID(), a.ID)
	assert.Equal(t, "Desk", a.Name)
	assert.Equal(t, cfg.TransferPort, a.ServerPort)

	s.Stop()
	for _, sock := range n.all() {
		assert.True(t, sock.isClosed(), "socket on port %d left open", sock.port)
	}
	s.Stop() // second stop is harmless

	assert.Len(t, n.all(), 2, "Start twice must not spawn a second set of activities")
}

func TestListenFailureDoesNotStopBroadcast(t *testing.T) {
	cfg := testConfig()
	n := &fakeNet{failOn: map[int]error{cfg.DiscoveryPort: errors.New("address already in use")}}
	s := newTestService(t, nil, n)

	s.Start("Desk")
	defer s.Stop()

	select {
	case msg := <-s.Errors():
		assert.Contains(t, msg, "Listening failed")
	case <-time.After(time.Second):
		t.Fatal("expected a listening error")
	}

	require.Eventually(t, func() bool {
		sock := n.socket(0)
		return sock != nil && len(sock.sentPackets()) >= 4
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeNeverMissesConcurrentPublish(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := newTestService(t, nil, nil)
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.AddManualDevice("10.0.0.5", 8294)
		}()
		ch, unsubscribe := s.Subscribe()
		<-done

		var last []models.Device
	drain:
		for {
			select {
			case last = <-ch:
			default:
				break drain
			}
		}
		unsubscribe()
		require.Len(t, last, 1, "iteration %d kept a stale snapshot", i)
	}
}
