package identity

import (
	"fmt"
	"net/netip"

	"golang.org/x/crypto/blake2b"
)

// DeriveMeshIP self-assigns a ULA mesh address for a tunnel public key
// within subnet, matching the GLOSSARY's "ULA address self-assigned by
// each node from the tunnel public key" — there is no config flag for
// this, a node always derives its own address rather than being told
// one. secret scopes the derivation to one mesh deployment so two
// independent meshes using the same subnet prefix never collide,
// grounded on the wgmesh pack example's
// `crypto.DeriveMeshIP(subnet, pubkey, secret)` call shape.
//
// subnet must be an IPv6 prefix; the derived address keeps subnet's
// network bits and fills the host bits from a keyed hash of pubkey.
func DeriveMeshIP(subnet netip.Prefix, pubkey PubKey, secret []byte) (netip.Addr, error) {
	if !subnet.Addr().Is6() {
		return netip.Addr{}, fmt.Errorf("identity: mesh subnet must be IPv6, got %s", subnet)
	}

	h, err := blake2b.New256(secret)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("identity: mesh IP hash: %w", err)
	}
	h.Write(pubkey[:])
	sum := h.Sum(nil)

	bits := subnet.Bits()
	base := subnet.Addr().As16()
	var out [16]byte
	copy(out[:], base[:])

	for i := 0; i < 16; i++ {
		bitOffset := i * 8
		if bitOffset+8 <= bits {
			// fully inside the network prefix, keep subnet's byte.
			continue
		}
		if bitOffset >= bits {
			out[i] = sum[i]
			continue
		}
		// this byte straddles the prefix boundary; keep the network's
		// leading bits and fill the trailing ones from the hash.
		keepBits := bits - bitOffset
		mask := byte(0xFF << (8 - keepBits))
		out[i] = (base[i] & mask) | (sum[i] &^ mask)
	}

	return netip.AddrFrom16(out), nil
}
