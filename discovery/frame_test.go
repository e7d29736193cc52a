package discovery

import (
	"net/netip"
	"testing"

	"github.com/meshnet-tools/meshagent/identity"
	"github.com/stretchr/testify/require"
)

func sampleHello() Hello {
	return Hello{
		Version:  CurrentVersion,
		MeshIP:   netip.MustParseAddr("fd00::1"),
		EthAddr:  identity.Address{1, 2, 3, 4},
		WGPubKey: identity.PubKey{5, 6, 7, 8},
		WGPort:   60000,
	}
}

// TestEncodeDecodeRoundTrip covers spec.md §8: "encode∘decode = identity
// for all valid versioned frames."
func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleHello()

	data, err := EncodeHello(h)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), MaxFrameLen)

	got, err := DecodeHello(data)
	require.NoError(t, err)
	require.Equal(t, h.Version, got.Version)
	require.Equal(t, h.MeshIP, got.MeshIP)
	require.Equal(t, h.EthAddr, got.EthAddr)
	require.Equal(t, h.WGPubKey, got.WGPubKey)
	require.Equal(t, h.WGPort, got.WGPort)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	h := sampleHello()
	data, err := EncodeHello(h)
	require.NoError(t, err)

	data[0] = CurrentVersion + 1
	_, err = DecodeHello(data)
	require.ErrorIs(t, err, ErrUnknownVersion)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	h := sampleHello()
	data, err := EncodeHello(h)
	require.NoError(t, err)

	_, err = DecodeHello(data[:len(data)-5])
	require.Error(t, err)
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	_, err := DecodeHello(nil)
	require.Error(t, err)
}
