package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectedBroadcast(t *testing.T) {
	cases := []struct {
		cidr string
		want string
	}{
		{"192.168.1.42/24", "192.168.1.255"},
		{"10.1.2.3/8", "10.255.255.255"},
		{"172.16.5.9/20", "172.16.15.255"},
	}
	for _, tc := range cases {
		ip, n, err := net.ParseCIDR(tc.cidr)
		require.NoError(t, err)
		n.IP = ip
		assert.Equal(t, tc.want, DirectedBroadcast(n).String(), tc.cidr)
	}

	_, p2p, _ := net.ParseCIDR("10.0.0.1/32")
	assert.Nil(t, DirectedBroadcast(p2p))
}

func TestBroadcastTargetsNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, BroadcastTargets())
}

func subnet(t *testing.T, cidr string, index int) ifaceNet {
	t.Helper()
	ip, n, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	n.IP = ip.To4()
	return ifaceNet{IPNet: n, Index: index}
}

func TestBroadcastTargetsPinInterface(t *testing.T) {
	got := broadcastTargets([]ifaceNet{
		subnet(t, "192.168.1.10/24", 2),
		subnet(t, "192.168.1.11/24", 2), // same subnet, same interface
		subnet(t, "10.0.0.7/8", 3),
		subnet(t, "172.16.0.1/32", 4), // no broadcast address
	})
	assert.Equal(t, []Target{
		{Host: "192.168.1.255", IfIndex: 2},
		{Host: "10.255.255.255", IfIndex: 3},
	}, got)

	assert.Equal(t, []Target{{Host: LimitedBroadcast}}, broadcastTargets(nil))
}

func TestLocalAddressesExcludeLoopback(t *testing.T) {
	_, ok := LocalIPv4Addresses()["127.0.0.1"]
	assert.False(t, ok)
}

func TestUDPSocketLoopback(t *testing.T) {
	rx, err := ListenUDP(0)
	require.NoError(t, err)
	defer rx.Close()
	tx, err := ListenUDP(0)
	require.NoError(t, err)
	defer tx.Close()

	port := rx.(*UDPSocket).LocalPort()
	require.NoError(t, tx.Send([]byte("hello"), Target{Host: "127.0.0.1", Port: port}))

	p, err := rx.Receive(64, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "hello", string(p.Payload))
	assert.Equal(t, "127.0.0.1", p.SourceIP)
}

func loopbackIndex(t *testing.T) int {
	t.Helper()
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 && iface.Flags&net.FlagUp != 0 {
			return iface.Index
		}
	}
	t.Skip("no loopback interface")
	return 0
}

func TestUDPSocketPinnedInterface(t *testing.T) {
	lo := loopbackIndex(t)
	rx, err := ListenUDP(0)
	require.NoError(t, err)
	defer rx.Close()
	if !rx.(*UDPSocket).info {
		t.Skip("packet info not supported on this platform")
	}
	tx, err := ListenUDP(0)
	require.NoError(t, err)
	defer tx.Close()

	port := rx.(*UDPSocket).LocalPort()
	require.NoError(t, tx.Send([]byte("pinned"), Target{Host: "127.0.0.1", Port: port, IfIndex: lo}))

	p, err := rx.Receive(64, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "pinned", string(p.Payload))
	assert.Equal(t, lo, p.IfIndex)
}

func TestUDPSocketReceiveTimeout(t *testing.T) {
	s, err := ListenUDP(0)
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	p, err := s.Receive(64, 50*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUDPSocketReceiveAfterClose(t *testing.T) {
	s, err := ListenUDP(0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Receive(64, 50*time.Millisecond)
	assert.Error(t, err)
}
