package identity

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveMeshIPStaysInSubnetAndIsDeterministic(t *testing.T) {
	subnet := netip.MustParsePrefix("fd00::/8")
	var pub PubKey
	copy(pub[:], []byte("some-wireguard-public-key-bytes!"))

	first, err := DeriveMeshIP(subnet, pub, nil)
	require.NoError(t, err)
	require.True(t, subnet.Contains(first))

	second, err := DeriveMeshIP(subnet, pub, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDeriveMeshIPDiffersPerKey(t *testing.T) {
	subnet := netip.MustParsePrefix("fd00::/8")
	var a, b PubKey
	a[0] = 1
	b[0] = 2

	ipA, err := DeriveMeshIP(subnet, a, nil)
	require.NoError(t, err)
	ipB, err := DeriveMeshIP(subnet, b, nil)
	require.NoError(t, err)
	require.NotEqual(t, ipA, ipB)
}

func TestDeriveMeshIPDiffersPerSecret(t *testing.T) {
	subnet := netip.MustParsePrefix("fd00::/8")
	var pub PubKey
	pub[0] = 9

	withoutSecret, err := DeriveMeshIP(subnet, pub, nil)
	require.NoError(t, err)
	withSecret, err := DeriveMeshIP(subnet, pub, []byte("mesh-secret"))
	require.NoError(t, err)
	require.NotEqual(t, withoutSecret, withSecret)
}

func TestDeriveMeshIPRejectsNonIPv6Subnet(t *testing.T) {
	subnet := netip.MustParsePrefix("10.0.0.0/8")
	var pub PubKey
	_, err := DeriveMeshIP(subnet, pub, nil)
	require.Error(t, err)
}
