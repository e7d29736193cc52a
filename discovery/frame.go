// Package discovery implements PeerListener: link-local peer discovery
// over UDP on each enrolled interface (spec.md §4.1). The wire codec here
// is grounded on lnwire/message.go's versioned, type-prefixed framing
// (lnwire.WriteMessage/ReadMessage), adapted to a TLV stream
// (internal/tlv) so unknown future fields can be added without breaking
// older decoders, per spec.md §6's "unknown versions are dropped".
package discovery

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"github.com/meshnet-tools/meshagent/identity"
	"github.com/meshnet-tools/meshagent/internal/tlv"
)

// CurrentVersion is the only Hello frame version this build emits.
const CurrentVersion uint8 = 1

const (
	typeMeshIP    tlv.Type = 0
	typeEthAddr   tlv.Type = 1
	typeWGPubKey  tlv.Type = 2
	typeWGPort    tlv.Type = 3
	typeSigKey    tlv.Type = 4
	typeSignature tlv.Type = 5
)

// MaxFrameLen bounds a single Hello datagram (spec.md §6 fixes the field
// set; this is generous headroom for the TLV type/length overhead plus
// the DER-encoded signature).
const MaxFrameLen = 320

// Hello is the discovery datagram announcing this node's Identity and
// wireguard listening port on one link (spec.md §4.1, §6), self-signed
// over that triple so a relayed or tampered frame fails verification
// (spec.md §7).
type Hello struct {
	Version   uint8
	MeshIP    netip.Addr
	EthAddr   identity.Address
	WGPubKey  identity.PubKey
	WGPort    uint16
	SigKey    [SigKeyLen]byte
	Signature []byte
}

// ErrUnknownVersion is returned by DecodeHello for a frame whose version
// byte this build does not understand (spec.md §6: "unknown versions are
// dropped" — a peer-caused condition, not a bug).
var ErrUnknownVersion = fmt.Errorf("discovery: unknown hello version")

// EncodeHello renders h as a versioned TLV datagram.
func EncodeHello(h Hello) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(h.Version)

	meshIP := h.MeshIP.As16()
	stream := tlv.NewStream(
		tlv.MakeStaticRecord(typeMeshIP, 16, fixedWriter(meshIP[:]), nil),
		tlv.MakeStaticRecord(typeEthAddr, identity.AddressLen, fixedWriter(h.EthAddr[:]), nil),
		tlv.MakeStaticRecord(typeWGPubKey, identity.PubKeyLen, fixedWriter(h.WGPubKey[:]), nil),
		tlv.MakeStaticRecord(typeWGPort, 2, uint16Writer(h.WGPort), nil),
		tlv.MakeStaticRecord(typeSigKey, SigKeyLen, fixedWriter(h.SigKey[:]), nil),
		tlv.MakeStaticRecord(typeSignature, uint64(len(h.Signature)), fixedWriter(h.Signature), nil),
	)
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeHello parses a datagram produced by EncodeHello. A frame whose
// version byte is not CurrentVersion is rejected with ErrUnknownVersion
// without attempting to parse the remainder (spec.md §6).
func DecodeHello(data []byte) (Hello, error) {
	if len(data) < 1 {
		return Hello{}, fmt.Errorf("discovery: empty frame")
	}
	version := data[0]
	if version != CurrentVersion {
		return Hello{}, ErrUnknownVersion
	}

	var (
		meshIP    [16]byte
		ethAddr   identity.Address
		wgPubKey  identity.PubKey
		wgPort    uint16
		sigKey    [SigKeyLen]byte
		signature []byte
	)
	stream := tlv.NewStream(
		tlv.MakeStaticRecord(typeMeshIP, 16, nil, fixedReader(meshIP[:])),
		tlv.MakeStaticRecord(typeEthAddr, identity.AddressLen, nil, fixedReader(ethAddr[:])),
		tlv.MakeStaticRecord(typeWGPubKey, identity.PubKeyLen, nil, fixedReader(wgPubKey[:])),
		tlv.MakeStaticRecord(typeWGPort, 2, nil, uint16Reader(&wgPort)),
		tlv.MakeStaticRecord(typeSigKey, SigKeyLen, nil, fixedReader(sigKey[:])),
		tlv.MakeStaticRecord(typeSignature, 0, nil, varReader(&signature)),
	)
	if err := stream.Decode(bytes.NewReader(data[1:])); err != nil {
		return Hello{}, fmt.Errorf("discovery: malformed hello: %w", err)
	}

	addr := netip.AddrFrom16(meshIP)
	return Hello{
		Version:   version,
		MeshIP:    addr,
		EthAddr:   ethAddr,
		WGPubKey:  wgPubKey,
		WGPort:    wgPort,
		SigKey:    sigKey,
		Signature: signature,
	}, nil
}

func fixedWriter(b []byte) tlv.Encoder {
	return func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	}
}

func fixedReader(dst []byte) tlv.Decoder {
	return func(r io.Reader, l uint64) error {
		if int(l) != len(dst) {
			return fmt.Errorf("expected %d bytes, got length %d", len(dst), l)
		}
		_, err := io.ReadFull(r, dst)
		return err
	}
}

// varReader reads exactly l bytes into a freshly allocated slice, for
// fields like the DER-encoded signature whose length is not known until
// decode time.
func varReader(dst *[]byte) tlv.Decoder {
	return func(r io.Reader, l uint64) error {
		buf := make([]byte, l)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		*dst = buf
		return nil
	}
}

func uint16Writer(v uint16) tlv.Encoder {
	return func(w io.Writer) error {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v)
		_, err := w.Write(b[:])
		return err
	}
}

func uint16Reader(dst *uint16) tlv.Decoder {
	return func(r io.Reader, l uint64) error {
		if l != 2 {
			return fmt.Errorf("expected 2 bytes, got length %d", l)
		}
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*dst = binary.BigEndian.Uint16(b[:])
		return nil
	}
}
