package identity

import (
	"net/netip"
	"time"
)

// Peer is the transient result of link-local discovery: a link-local
// address, a claimed wireguard port, and the interface it was observed
// on. It carries no Identity itself; PeerListener pairs it with the
// Identity triple carried in the peer's Hello to form an Observation
// (spec.md §3).
type Peer struct {
	LinkLocalAddr netip.Addr
	WGPort        uint16
	Iface         string
	ObservedAt    time.Time
}

// Observation is the event PeerListener emits for each distinct peer
// seen in a tick, deduplicated within the interval (spec.md §4.1).
type Observation struct {
	Identity Identity
	Peer     Peer
}
