package payment

import (
	"net/netip"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/meshnet-tools/meshagent/identity"
	"github.com/stretchr/testify/require"
)

func sampleNotification() Notification {
	return Notification{
		Payer: identity.Identity{
			MeshIP:   netip.MustParseAddr("fd00::c"),
			EthAddr:  identity.Address{3},
			WGPubKey: identity.PubKey{4},
		},
		Amount: identity.NewUint256FromUint64(500),
		TxHash: [32]byte{9, 9, 9},
	}
}

func TestSignNotificationVerifies(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	n := SignNotification(priv, sampleNotification())
	require.NoError(t, VerifyNotification(n))
}

func TestVerifyNotificationRejectsTamperedAmount(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	n := SignNotification(priv, sampleNotification())
	n.Amount = identity.NewUint256FromUint64(999999)
	require.Error(t, VerifyNotification(n))
}

func TestVerifyNotificationRejectsWrongKey(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	n := SignNotification(priv, sampleNotification())
	copy(n.SigKey[:], other.PubKey().SerializeCompressed())
	require.Error(t, VerifyNotification(n))
}
