// Package identity defines the stable Identity handle peers are known by
// across restarts, the transient Peer discovery record, and the Tunnel
// that TunnelManager installs for an Identity, per spec.md §3.
package identity

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/netip"

	"golang.org/x/crypto/curve25519"
)

// AddressLen is the length of the public blockchain address field.
const AddressLen = 20

// PubKeyLen is the length of the public tunnel (wireguard) key field.
const PubKeyLen = 32

// Address is a public blockchain address.
type Address [AddressLen]byte

// String renders the address as 0x-prefixed hex, matching the address
// format used by the original Rust client (EthAddress's Display impl).
func (a Address) String() string {
	return fmt.Sprintf("0x%x", [AddressLen]byte(a))
}

// MarshalText renders a as 0x-prefixed hex, so JSON encoders use it
// in place of marshaling the underlying byte array.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the 0x-prefixed hex form String/MarshalText
// produce.
func (a *Address) UnmarshalText(text []byte) error {
	b, err := decodeHexPrefixed(string(text), AddressLen)
	if err != nil {
		return fmt.Errorf("identity: unmarshal Address: %w", err)
	}
	copy(a[:], b)
	return nil
}

// PubKey is a public tunnel (wireguard) key.
type PubKey [PubKeyLen]byte

// String renders the key as hex.
func (k PubKey) String() string {
	return fmt.Sprintf("%x", [PubKeyLen]byte(k))
}

// MarshalText renders k as hex.
func (k PubKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Validate rejects known low-order curve25519 points, the check X25519
// implementations are expected to perform on a peer-supplied public key
// per RFC 7748 §6.1: a low-order point collapses every ECDH exchange to
// one of a handful of fixed shared secrets regardless of the other
// side's private key, which would let a malicious tunnel key bypass
// wireguard's key-confirmation handshake. A tunnel key failing this
// check is peer-caused (spec.md §7), never a local fault.
func (k PubKey) Validate() error {
	var scalar [32]byte
	scalar[0] = 1
	shared, err := curve25519.X25519(scalar[:], k[:])
	if err != nil {
		return fmt.Errorf("identity: tunnel key validation: %w", err)
	}
	if isAllZero(shared) {
		return fmt.Errorf("identity: tunnel key is a low-order curve25519 point")
	}
	return nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// UnmarshalText parses the hex form String/MarshalText produce.
func (k *PubKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil || len(b) != PubKeyLen {
		return fmt.Errorf("identity: unmarshal PubKey: bad hex key")
	}
	copy(k[:], b)
	return nil
}

// decodeHexPrefixed decodes an optionally 0x-prefixed hex string into
// exactly wantLen bytes.
func decodeHexPrefixed(s string, wantLen int) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("want %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}

// Identity is the 3-tuple (mesh IP, blockchain address, tunnel public
// key) that identifies a peer across restarts. Equality and hashing use
// all three fields; any mismatch means a different peer (spec.md §3).
type Identity struct {
	MeshIP    netip.Addr
	EthAddr   Address
	WGPubKey  PubKey
}

// Equal reports whether two identities name the same peer.
func (id Identity) Equal(other Identity) bool {
	return id.MeshIP == other.MeshIP &&
		id.EthAddr == other.EthAddr &&
		id.WGPubKey == other.WGPubKey
}

// Key returns a comparable value usable as a map key. netip.Addr,
// Address, and PubKey are all already comparable, so Identity itself
// satisfies Go's comparable constraint; Key exists for call sites that
// prefer an explicit, named map-key type over using Identity directly.
type Key = Identity

// Less imposes the total order used wherever determinism is required:
// stable batch delivery of charges in TrafficWatcher and stable snapshot
// listings in the dashboard (spec.md §9, "Identity-keyed maps with
// stable ordering"). Ordering compares mesh IP, then Ethereum address,
// then tunnel public key.
func (id Identity) Less(other Identity) bool {
	if cmp := id.MeshIP.Compare(other.MeshIP); cmp != 0 {
		return cmp < 0
	}
	if cmp := bytes.Compare(id.EthAddr[:], other.EthAddr[:]); cmp != 0 {
		return cmp < 0
	}
	return bytes.Compare(id.WGPubKey[:], other.WGPubKey[:]) < 0
}

// String renders a short human-readable form for logs.
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.MeshIP, id.EthAddr)
}

// SortIdentities returns a newly-sorted copy of ids in the canonical
// total order defined by Less.
func SortIdentities(ids []Identity) []Identity {
	out := make([]Identity, len(ids))
	copy(out, ids)
	insertionSort(out)
	return out
}

// insertionSort is used instead of sort.Slice for the handful of
// identities a single watch_tick ever batches (tens, not thousands); it
// keeps this package free of a closure allocation per call and matches
// channeldb/graph.go's preference for explicit, allocation-light
// iteration over its own key-ordered structures.
func insertionSort(ids []Identity) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
