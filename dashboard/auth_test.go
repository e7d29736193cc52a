package dashboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeriveRootKeyIsDeterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")

	first, err := DeriveRootKey(seed)
	require.NoError(t, err)
	require.Len(t, first, 32)

	second, err := DeriveRootKey(seed)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDeriveRootKeyDiffersPerSeed(t *testing.T) {
	a, err := DeriveRootKey([]byte("seed-a"))
	require.NoError(t, err)
	b, err := DeriveRootKey([]byte("seed-b"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDerivedRootKeyMintsVerifiableMacaroon(t *testing.T) {
	seed := []byte("some-persisted-seed-bytes")
	key, err := DeriveRootKey(seed)
	require.NoError(t, err)

	mac, err := MintAdminMacaroon(key, time.Now().Add(time.Hour))
	require.NoError(t, err)
	serialized, err := mac.MarshalBinary()
	require.NoError(t, err)

	require.NoError(t, VerifyAdminMacaroon(key, serialized))

	other, err := DeriveRootKey([]byte("a-different-seed"))
	require.NoError(t, err)
	require.Error(t, VerifyAdminMacaroon(other, serialized))
}
