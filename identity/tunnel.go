package identity

import (
	"net/netip"
	"time"
)

// TunnelState is the lifecycle state of a Tunnel (spec.md §3):
// Pending → Active → Closed.
type TunnelState int

const (
	// TunnelPending is set on handshake start, before both endpoints
	// are installed.
	TunnelPending TunnelState = iota
	// TunnelActive is set once both endpoints are installed.
	TunnelActive
	// TunnelClosed is terminal: explicit close, supersession, or
	// keepalive failure.
	TunnelClosed
)

// String renders the state for logs.
func (s TunnelState) String() string {
	switch s {
	case TunnelPending:
		return "pending"
	case TunnelActive:
		return "active"
	case TunnelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Tunnel is an installed point-to-point encrypted link to one peer
// Identity (spec.md §3). Exactly one Tunnel per Identity may be Active
// at a time; stale or superseded tunnels transition to Closed and
// release their interface name and port back to TunnelManager's pools.
type Tunnel struct {
	Remote Identity

	// Iface is the locally-unique tunnel interface name (e.g. "wg3").
	Iface string

	// LocalPort is the local UDP port the tunnel listens on.
	LocalPort uint16

	// RemoteEndpoint is the address:port of the remote wireguard
	// listener.
	RemoteEndpoint netip.AddrPort

	// RemotePubKey is the tunnel public key of the remote end. This is
	// also present in Remote.WGPubKey; kept distinct because
	// supersession compares the *installed* key against a freshly
	// observed one, which may differ from the Identity currently on
	// file before the swap completes.
	RemotePubKey PubKey

	// ListenIface is the name of the underlying physical/link-layer
	// interface discovery happened on.
	ListenIface string

	CreatedAt time.Time
	State     TunnelState
	Healthy   bool

	// Version increases on every supersession. Counter samples are
	// tagged with the version they were read under, and Counter ignores
	// a Closed event whose version no longer matches the tunnel it
	// tracks for that Identity (spec.md §5).
	Version uint64
}

// Key returns the Identity this tunnel is keyed by in TunnelManager's
// by-Identity map.
func (t *Tunnel) Key() Identity {
	return t.Remote
}

// EndpointMatches reports whether the tunnel's installed endpoint and
// remote public key still match a freshly observed peer, used by
// TunnelManager step 1 (spec.md §4.2) to short-circuit a no-op
// refresh instead of a full handshake.
func (t *Tunnel) EndpointMatches(endpoint netip.AddrPort, pubKey PubKey) bool {
	return t.RemoteEndpoint == endpoint && t.RemotePubKey == pubKey
}
