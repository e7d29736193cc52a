package discovery

import (
	"fmt"
	"net"
	"net/netip"
)

// socket is the per-interface UDP transport PeerListener sends hellos on
// and receives them from. Grounded on the wgmesh pack example's
// PeerExchange UDP socket lifecycle
// (other_examples/..._exchange.go: bind, WriteTo a link-local multicast
// group, ReadFrom in a loop, Close on teardown).
type socket interface {
	// SendHello broadcasts data to the discovery multicast group on this
	// interface.
	SendHello(data []byte) error
	// ReadHello blocks for the next datagram. Returns the sender's
	// address (used for rate limiting and to build the observed Peer).
	ReadHello(buf []byte) (n int, from netip.AddrPort, err error)
	Close() error
}

// linkLocalAllNodes is the IPv6 all-nodes multicast group, standard for
// link-local neighbor discovery on a single L2 segment.
var linkLocalAllNodes = netip.MustParseAddr("ff02::1")

// udpSocket is the real implementation, bound to one interface's
// link-local address.
type udpSocket struct {
	conn  *net.UDPConn
	iface string
	port  uint16
}

func newUDPSocket(iface string, linkLocal netip.Addr, port uint16) (*udpSocket, error) {
	laddr := &net.UDPAddr{IP: linkLocal.AsSlice(), Port: int(port), Zone: iface}
	conn, err := net.ListenUDP("udp6", laddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: bind %s on %s: %w", laddr, iface, err)
	}
	return &udpSocket{conn: conn, iface: iface, port: port}, nil
}

func (s *udpSocket) SendHello(data []byte) error {
	dst := &net.UDPAddr{IP: linkLocalAllNodes.AsSlice(), Port: int(s.port), Zone: s.iface}
	_, err := s.conn.WriteToUDP(data, dst)
	return err
}

func (s *udpSocket) ReadHello(buf []byte) (int, netip.AddrPort, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	from, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("discovery: unparseable sender %s", addr.IP)
	}
	return n, netip.AddrPortFrom(from, uint16(addr.Port)), nil
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

// linkLocalAddr resolves iface's usable link-local unicast address, or an
// error if it has none yet (spec.md §4.1: "caller must retry").
func linkLocalAddr(iface string) (netip.Addr, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("discovery: %s: %w", iface, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("discovery: %s: %w", iface, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is6() && addr.IsLinkLocalUnicast() {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("discovery: %s has no link-local address yet", iface)
}
