// Package tlv implements a minimal fixed-record type-length-value stream,
// adapted from lightningnetwork/lnd/tlv's Record/Stream shape (only that
// package's go.mod survived retrieval, no source). Used by discovery's
// wire codec to frame the Hello datagram (spec.md §6) so that unknown
// future field types can be added without breaking older decoders:
// decode skips any record whose Type it does not recognize.
package tlv

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type identifies a record within a Stream.
type Type uint64

// Encoder writes a single record's value.
type Encoder func(w io.Writer) error

// Decoder reads a single record's value. l is the decoded length prefix.
type Decoder func(r io.Reader, l uint64) error

// Record is one named, fixed-purpose field in a Stream.
type Record struct {
	typ     Type
	size    uint64
	encoder Encoder
	decoder Decoder
}

// MakeStaticRecord builds a Record for a field whose encoded size is
// always exactly size bytes.
func MakeStaticRecord(typ Type, size uint64, encoder Encoder, decoder Decoder) Record {
	return Record{typ: typ, size: size, encoder: encoder, decoder: decoder}
}

// Type returns the record's wire type.
func (r Record) Type() Type {
	return r.typ
}

// Stream is an ordered set of records encoded/decoded together.
type Stream struct {
	records []Record
}

// NewStream builds a Stream. Records are encoded in the order given;
// decode accepts them in any order and tolerates unknown trailing types.
func NewStream(records ...Record) *Stream {
	return &Stream{records: records}
}

// Encode writes every record in the stream as type, length, value.
func (s *Stream) Encode(w io.Writer) error {
	for _, r := range s.records {
		if err := writeVarInt(w, uint64(r.typ)); err != nil {
			return err
		}
		if err := writeVarInt(w, r.size); err != nil {
			return err
		}
		if err := r.encoder(w); err != nil {
			return fmt.Errorf("tlv: encode type %d: %w", r.typ, err)
		}
	}
	return nil
}

// Decode reads records until r is exhausted, dispatching each to the
// matching Record's decoder by Type. A record whose Type this Stream
// does not know is skipped by discarding its length-prefixed value.
func (s *Stream) Decode(r io.Reader) error {
	known := make(map[Type]Record, len(s.records))
	for _, rec := range s.records {
		known[rec.typ] = rec
	}

	for {
		typ, err := readVarInt(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		length, err := readVarInt(r)
		if err != nil {
			return fmt.Errorf("tlv: reading length for type %d: %w", typ, err)
		}

		rec, ok := known[Type(typ)]
		if !ok {
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return fmt.Errorf("tlv: skipping unknown type %d: %w", typ, err)
			}
			continue
		}
		if err := rec.decoder(r, length); err != nil {
			return fmt.Errorf("tlv: decode type %d: %w", typ, err)
		}
	}
}

func writeVarInt(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

// readVarInt reads one byte at a time since the io.Reader interface gives
// no peek; discovery frames are small enough that this is not a hot path.
func readVarInt(r io.Reader) (uint64, error) {
	var (
		x    uint64
		s    uint
		b    [1]byte
	)
	for i := 0; i < binary.MaxVarintLen64; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			if i == 0 {
				return 0, io.EOF
			}
			return 0, err
		}
		if b[0] < 0x80 {
			return x | uint64(b[0])<<s, nil
		}
		x |= uint64(b[0]&0x7f) << s
		s += 7
	}
	return 0, fmt.Errorf("tlv: varint overflow")
}
