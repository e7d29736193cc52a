package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPubKeyValidateAcceptsGeneratedKey(t *testing.T) {
	var k PubKey
	copy(k[:], []byte("a-plausible-curve25519-point-32"))
	require.NoError(t, k.Validate())
}

func TestPubKeyValidateRejectsAllZero(t *testing.T) {
	var k PubKey
	require.Error(t, k.Validate())
}

func TestIdentityEqualRequiresAllThreeFields(t *testing.T) {
	a := Identity{EthAddr: Address{1}, WGPubKey: PubKey{2}}
	b := a
	b.WGPubKey = PubKey{3}
	require.True(t, a.Equal(a))
	require.False(t, a.Equal(b))
}

func TestSortIdentitiesOrdersByMeshIPThenEthAddrThenPubKey(t *testing.T) {
	ids := []Identity{
		{EthAddr: Address{2}},
		{EthAddr: Address{1}},
	}
	sorted := SortIdentities(ids)
	require.Equal(t, Address{1}, sorted[0].EthAddr)
	require.Equal(t, Address{2}, sorted[1].EthAddr)
}
