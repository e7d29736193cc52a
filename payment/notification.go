package payment

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/meshnet-tools/meshagent/identity"
)

// sigKeyLen is the size of a compressed secp256k1 public key, the same
// self-certifying shape discovery's Hello signature uses.
const sigKeyLen = 33

// Notification is a peer's signed claim of having sent an on-chain
// payment, carried alongside an on-chain confirmation check rather than
// instead of one: the signature proves that the holder of SigKey made
// this exact claim (SigKey is not checked against Payer), the chain RPC
// proves the payment actually happened.
type Notification struct {
	Payer     identity.Identity
	Amount    identity.Uint256
	TxHash    [32]byte
	SigKey    [sigKeyLen]byte
	Signature []byte
}

// notificationDigest hashes every field but the signature itself.
func notificationDigest(n Notification) [32]byte {
	var buf bytes.Buffer
	meshIP := n.Payer.MeshIP.As16()
	buf.Write(meshIP[:])
	buf.Write(n.Payer.EthAddr[:])
	buf.Write(n.Payer.WGPubKey[:])
	amount := n.Amount.Bytes32()
	buf.Write(amount[:])
	buf.Write(n.TxHash[:])
	buf.Write(n.SigKey[:])
	return sha256.Sum256(buf.Bytes())
}

// SignNotification fills in n's SigKey and Signature, proving
// possession of priv over the rest of n's fields.
func SignNotification(priv *btcec.PrivateKey, n Notification) Notification {
	copy(n.SigKey[:], priv.PubKey().SerializeCompressed())
	digest := notificationDigest(n)
	n.Signature = ecdsa.Sign(priv, digest[:]).Serialize()
	return n
}

// VerifyNotification reports whether n carries a valid self-signature.
// A failure here is peer-caused (spec.md §7): the claim is dropped, not
// forwarded to the chain RPC, and nothing about PaymentController's own
// state changes.
func VerifyNotification(n Notification) error {
	pub, err := btcec.ParsePubKey(n.SigKey[:])
	if err != nil {
		return fmt.Errorf("payment: malformed notification signing key: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(n.Signature)
	if err != nil {
		return fmt.Errorf("payment: malformed notification signature: %w", err)
	}
	digest := notificationDigest(n)
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("payment: notification signature does not match claimed payment")
	}
	return nil
}
