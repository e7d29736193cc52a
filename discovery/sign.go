package discovery

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// SigKeyLen is the size of a compressed secp256k1 public key.
const SigKeyLen = 33

// helloDigest hashes the fields a Hello signature must cover, excluding
// the signature itself. Grounded on the teacher's node-announcement
// validation (validateNodeAnn's DataToSign/DoubleHash pattern), adapted
// to the fixed Identity triple this frame carries.
func helloDigest(h Hello) [32]byte {
	var buf bytes.Buffer
	buf.WriteByte(h.Version)
	meshIP := h.MeshIP.As16()
	buf.Write(meshIP[:])
	buf.Write(h.EthAddr[:])
	buf.Write(h.WGPubKey[:])
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], h.WGPort)
	buf.Write(portBuf[:])
	buf.Write(h.SigKey[:])
	return sha256.Sum256(buf.Bytes())
}

// SignHello fills in h's SigKey and Signature, proving possession of priv
// over the rest of h's fields (spec.md §7's "signature verification" on
// the identity triple inside a Hello).
func SignHello(priv *btcec.PrivateKey, h Hello) Hello {
	copy(h.SigKey[:], priv.PubKey().SerializeCompressed())
	digest := helloDigest(h)
	h.Signature = ecdsa.Sign(priv, digest[:]).Serialize()
	return h
}

// VerifyHello reports whether h carries a valid self-signature. A frame
// that fails this check is a peer-caused condition (spec.md §7), not an
// invariant violation: the caller rate-limits the source, it does not
// bring the agent down.
func VerifyHello(h Hello) error {
	pub, err := btcec.ParsePubKey(h.SigKey[:])
	if err != nil {
		return fmt.Errorf("discovery: malformed hello signing key: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(h.Signature)
	if err != nil {
		return fmt.Errorf("discovery: malformed hello signature: %w", err)
	}
	digest := helloDigest(h)
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("discovery: hello signature does not match identity triple")
	}
	return nil
}
