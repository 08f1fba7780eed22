package transport

import (
	"net"
)

// LocalIPv4Addresses returns the IPv4 addresses of every up, non-loopback
// interface.
func LocalIPv4Addresses() map[string]struct{} {
	out := make(map[string]struct{})
	for _, n := range interfaceNets() {
		out[n.IP.String()] = struct{}{}
	}
	return out
}

// BroadcastTargets returns the directed broadcast address of every IPv4
// subnet on an up, non-loopback interface, each pinned to the interface it
// belongs to. Without any such subnet it falls back to the limited
// broadcast address on the default route.
func BroadcastTargets() []Target {
	return broadcastTargets(interfaceNets())
}

func broadcastTargets(nets []ifaceNet) []Target {
	seen := make(map[Target]struct{})
	var out []Target
	for _, n := range nets {
		b := DirectedBroadcast(n.IPNet)
		if b == nil {
			continue
		}
		t := Target{Host: b.String(), IfIndex: n.Index}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		out = append(out, Target{Host: LimitedBroadcast})
	}
	return out
}

// DirectedBroadcast computes ip | ^mask. Point-to-point (/31, /32) subnets
// have no broadcast address and yield nil.
func DirectedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	if ones, _ := n.Mask.Size(); ones >= 31 {
		return nil
	}
	b := make(net.IP, net.IPv4len)
	for i := range ip {
		b[i] = ip[i] | ^n.Mask[i]
	}
	return b
}

// GetLocalIP returns the preferred outbound IP of this machine.
func GetLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		for ip := range LocalIPv4Addresses() {
			return ip
		}
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// ifaceNet is an IPv4 subnet together with the index of its interface.
type ifaceNet struct {
	*net.IPNet
	Index int
}

func interfaceNets() []ifaceNet {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []ifaceNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			n, ok := a.(*net.IPNet)
			if !ok || n.IP.To4() == nil || n.IP.IsLoopback() {
				continue
			}
			ip4 := n.IP.To4()
			mask := n.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			out = append(out, ifaceNet{IPNet: &net.IPNet{IP: ip4, Mask: mask}, Index: iface.Index})
		}
	}
	return out
}
