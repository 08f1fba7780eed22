// Package transport wraps the UDP socket used for discovery traffic and the
// host-network queries discovery needs.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
)

const LimitedBroadcast = "255.255.255.255"

type Packet struct {
	Payload  []byte
	SourceIP string
	// IfIndex is the receiving interface, 0 when the platform gives no
	// packet info.
	IfIndex int
}

// Target is a datagram destination. A non-zero IfIndex pins the outgoing
// interface.
type Target struct {
	Host    string
	Port    int
	IfIndex int
}

// Socket is the minimal datagram surface discovery relies on.
type Socket interface {
	Send(payload []byte, to Target) error
	// Receive waits at most timeout. A timeout yields (nil, nil).
	Receive(maxSize int, timeout time.Duration) (*Packet, error)
	Close() error
}

// ListenFunc opens a Socket bound to port (0 picks an ephemeral port).
type ListenFunc func(port int) (Socket, error)

type UDPSocket struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	info bool
}

// ListenUDP binds an IPv4 UDP socket on all interfaces. Broadcast is enabled
// by the runtime on datagram sockets.
func ListenUDP(port int) (Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp :%d: %w", port, err)
	}
	pc := ipv4.NewPacketConn(conn)
	s := &UDPSocket{conn: conn, pc: pc}
	// Not every platform supports packet info; receive still works without it.
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err == nil {
		s.info = true
	}
	return s, nil
}

func (s *UDPSocket) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *UDPSocket) Send(payload []byte, to Target) error {
	ip := net.ParseIP(to.Host)
	if ip == nil {
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(to.Host, strconv.Itoa(to.Port)))
		if err != nil {
			return fmt.Errorf("resolve %s: %w", to.Host, err)
		}
		ip = addr.IP
	}
	var cm *ipv4.ControlMessage
	if to.IfIndex > 0 {
		cm = &ipv4.ControlMessage{IfIndex: to.IfIndex}
	}
	_, err := s.pc.WriteTo(payload, cm, &net.UDPAddr{IP: ip, Port: to.Port})
	return err
}

func (s *UDPSocket) Receive(maxSize int, timeout time.Duration) (*Packet, error) {
	if err := s.pc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, maxSize)
	n, cm, src, err := s.pc.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	p := &Packet{Payload: buf[:n]}
	if ua, ok := src.(*net.UDPAddr); ok {
		p.SourceIP = ua.IP.String()
	}
	if s.info && cm != nil {
		p.IfIndex = cm.IfIndex
	}
	return p, nil
}

func (s *UDPSocket) Close() error {
	return s.pc.Close()
}
