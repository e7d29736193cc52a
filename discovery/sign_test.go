package discovery

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSignHelloVerifies(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := SignHello(priv, sampleHello())
	require.NoError(t, VerifyHello(h))
}

func TestVerifyHelloRejectsTamperedField(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := SignHello(priv, sampleHello())
	h.WGPort++
	require.Error(t, VerifyHello(h))
}

func TestVerifyHelloRejectsWrongKey(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := SignHello(priv, sampleHello())
	copy(h.SigKey[:], other.PubKey().SerializeCompressed())
	require.Error(t, VerifyHello(h))
}

func TestEncodeDecodePreservesSignature(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	h := SignHello(priv, sampleHello())
	data, err := EncodeHello(h)
	require.NoError(t, err)

	got, err := DecodeHello(data)
	require.NoError(t, err)
	require.NoError(t, VerifyHello(got))
}
