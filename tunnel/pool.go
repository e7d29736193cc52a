// Package tunnel implements TunnelManager: converts PeerObserved events
// into live wireguard tunnels, owning the port and interface-name pools
// and the tunnel lifecycle state machine (spec.md §4.2). Actor shape is
// grounded on server.go's server struct (peers map, newPeers/donePeers
// channels) and peer.go's mailbox pattern.
package tunnel

import "fmt"

// PortPool is a free-list of local UDP ports drawn from a configured
// range [lo, hi] (spec.md §4.2).
type PortPool struct {
	free      []uint16
	allocated map[uint16]bool
}

// NewPortPool builds a pool covering every port in [lo, hi] inclusive.
func NewPortPool(lo, hi uint16) (*PortPool, error) {
	if hi < lo {
		return nil, fmt.Errorf("tunnel: port pool hi (%d) < lo (%d)", hi, lo)
	}
	free := make([]uint16, 0, int(hi)-int(lo)+1)
	for p := int(lo); p <= int(hi); p++ {
		free = append(free, uint16(p))
	}
	return &PortPool{free: free, allocated: make(map[uint16]bool)}, nil
}

// Allocate removes and returns one free port. ok is false if the pool is
// exhausted.
func (p *PortPool) Allocate() (port uint16, ok bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	port = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.allocated[port] = true
	return port, true
}

// Release returns port to the free list. A port not currently allocated
// is a no-op, keeping Close idempotent.
func (p *PortPool) Release(port uint16) {
	if !p.allocated[port] {
		return
	}
	delete(p.allocated, port)
	p.free = append(p.free, port)
}

// Size is the pool's total capacity — spec.md §8 property 4: the
// multiset of allocated ∪ free ports equals the initial pool at all
// times, i.e. Size is constant.
func (p *PortPool) Size() int {
	return len(p.free) + len(p.allocated)
}

// IfacePool is a free-list of interface names of the form "<prefix><n>",
// n in [0, maxTunnels) (spec.md §4.2).
type IfacePool struct {
	free      []string
	allocated map[string]bool
}

// NewIfacePool builds a pool of maxTunnels names sharing prefix.
func NewIfacePool(prefix string, maxTunnels int) *IfacePool {
	free := make([]string, 0, maxTunnels)
	for i := maxTunnels - 1; i >= 0; i-- {
		free = append(free, fmt.Sprintf("%s%d", prefix, i))
	}
	return &IfacePool{free: free, allocated: make(map[string]bool)}
}

// Allocate removes and returns one free interface name.
func (p *IfacePool) Allocate() (iface string, ok bool) {
	if len(p.free) == 0 {
		return "", false
	}
	iface = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.allocated[iface] = true
	return iface, true
}

// Release returns iface to the free list. A name not currently allocated
// is a no-op.
func (p *IfacePool) Release(iface string) {
	if !p.allocated[iface] {
		return
	}
	delete(p.allocated, iface)
	p.free = append(p.free, iface)
}

// Size is the pool's total capacity.
func (p *IfacePool) Size() int {
	return len(p.free) + len(p.allocated)
}
