// Package wire implements the message envelope and its
// protobuf-compatible tagged encoding: unknown varint and bytes fields are
// skipped on decode rather than rejected, so newer nodes talking to older
// ones are never refused. Skipped fields are not retained, so re-encoding a
// decoded envelope drops them.
package wire

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/multiformats/go-varint"
	"lukechampine.com/blake3"
)

// Destination selects how a header's destination field should be
// interpreted.
type DestinationKind uint8

const (
	DestUnknown DestinationKind = iota
	DestNodeID
	DestPublicKey
)

// Flags bitmask on the header.
type Flags uint8

const (
	FlagEncrypted Flags = 1 << iota
	FlagSAF
)

// MessageType selects the DHT broadcast strategy.
type MessageType uint8

const (
	TypeDirect MessageType = iota
	TypeClosest
	TypeBroadcast
	TypePropagate
	TypeFlood
	TypeJoin
	TypeSAFRequest
	TypeSAFResponse
)

// Header is the dht_header portion of the envelope.
type Header struct {
	OriginPublicKey []byte // optional
	OriginSignature []byte // optional
	DestKind        DestinationKind
	Destination     []byte // NodeId bytes or public-key bytes, per DestKind
	MessageType     MessageType
	Flags           Flags
	EphemeralPK     []byte // optional, present when Flags&FlagEncrypted
	Nonce           []byte // optional, present when Flags&FlagEncrypted
	MessageTag      uint64 // random per-message id, used for dedup/tracing
	ExpiresAt       int64  // unix seconds, 0 = no expiry
}

// Envelope is the full wire message: header plus opaque body bytes (the
// body is ciphertext when Flags&FlagEncrypted is set).
type Envelope struct {
	Header Header
	Body   []byte
}

// NewMessageTag generates a random 64-bit tag for deduplication.
func NewMessageTag() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// ContentHash returns the BLAKE3-256 hash of the header's routing-relevant
// fields plus the body, used by the Dedup Cache independently of
// MessageTag (two different tags can still carry identical content).
func ContentHash(e *Envelope) [32]byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(e.Header.DestKind))
	buf.Write(e.Header.Destination)
	buf.WriteByte(byte(e.Header.MessageType))
	buf.Write(e.Body)
	return blake3.Sum256(buf.Bytes())
}

// Expired reports whether the envelope's expiry has passed relative to now.
func (e *Envelope) Expired(now time.Time) bool {
	return e.Header.ExpiresAt != 0 && now.Unix() > e.Header.ExpiresAt
}

// Field numbers for the tagged encoding. Wire type is encoded in the low 3
// bits the way protobuf does, field number in the remaining bits, so unknown
// higher field numbers can still be skipped generically.
const (
	fOriginPK   = 1
	fOriginSig  = 2
	fDestKind   = 3
	fDest       = 4
	fMsgType    = 5
	fFlags      = 6
	fEphemeral  = 7
	fNonce      = 8
	fMessageTag = 9
	fExpiresAt  = 10
	fBody       = 11
)

const (
	wireVarint = 0
	wireBytes  = 2
)

// maxVarintLen is the longest a base-128 varint encoding of a uint64 can be.
const maxVarintLen = 10

func putTag(buf *bytes.Buffer, field int, wireType int) {
	tag := uint64(field)<<3 | uint64(wireType)
	var tmp [maxVarintLen]byte
	n := varint.PutUvarint(tmp[:], tag)
	buf.Write(tmp[:n])
}

func putVarintField(buf *bytes.Buffer, field int, v uint64) {
	putTag(buf, field, wireVarint)
	var tmp [maxVarintLen]byte
	n := varint.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func putBytesField(buf *bytes.Buffer, field int, v []byte) {
	if len(v) == 0 {
		return
	}
	putTag(buf, field, wireBytes)
	var tmp [maxVarintLen]byte
	n := varint.PutUvarint(tmp[:], uint64(len(v)))
	buf.Write(tmp[:n])
	buf.Write(v)
}

// Encode serialises the envelope using a protobuf-compatible tagged format:
// each field is (field_number<<3|wire_type) followed by its payload. Callers
// on a newer version may write field numbers this version doesn't know
// about; Decode skips them instead of failing.
func Encode(e *Envelope) []byte {
	var buf bytes.Buffer
	h := e.Header
	putBytesField(&buf, fOriginPK, h.OriginPublicKey)
	putBytesField(&buf, fOriginSig, h.OriginSignature)
	putVarintField(&buf, fDestKind, uint64(h.DestKind))
	putBytesField(&buf, fDest, h.Destination)
	putVarintField(&buf, fMsgType, uint64(h.MessageType))
	putVarintField(&buf, fFlags, uint64(h.Flags))
	putBytesField(&buf, fEphemeral, h.EphemeralPK)
	putBytesField(&buf, fNonce, h.Nonce)
	putVarintField(&buf, fMessageTag, h.MessageTag)
	if h.ExpiresAt != 0 {
		putVarintField(&buf, fExpiresAt, uint64(h.ExpiresAt))
	}
	putBytesField(&buf, fBody, e.Body)
	return buf.Bytes()
}

// Decode parses an envelope previously produced by Encode. Unknown field
// numbers are skipped per their wire type rather than rejected.
func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		tag, err := varint.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("wire: read tag: %w", err)
		}
		field := int(tag >> 3)
		wireType := int(tag & 0x7)

		switch wireType {
		case wireVarint:
			v, err := varint.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("wire: read varint field %d: %w", field, err)
			}
			switch field {
			case fDestKind:
				e.Header.DestKind = DestinationKind(v)
			case fMsgType:
				e.Header.MessageType = MessageType(v)
			case fFlags:
				e.Header.Flags = Flags(v)
			case fMessageTag:
				e.Header.MessageTag = v
			case fExpiresAt:
				e.Header.ExpiresAt = int64(v)
			}
			// unrecognised varint field: skip by design (nothing to free).
		case wireBytes:
			n, err := varint.ReadUvarint(r)
			if err != nil {
				return nil, fmt.Errorf("wire: read length field %d: %w", field, err)
			}
			// n is attacker-controlled and independent of how many bytes
			// actually remain in this frame; bound it before allocating so
			// a malicious length near 2^63 can't trigger an oversized
			// make().
			if n > uint64(r.Len()) {
				return nil, fmt.Errorf("wire: length field %d (%d bytes) exceeds remaining frame data", field, n)
			}
			b := make([]byte, n)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, fmt.Errorf("wire: read bytes field %d: %w", field, err)
			}
			switch field {
			case fOriginPK:
				e.Header.OriginPublicKey = b
			case fOriginSig:
				e.Header.OriginSignature = b
			case fDest:
				e.Header.Destination = b
			case fEphemeral:
				e.Header.EphemeralPK = b
			case fNonce:
				e.Header.Nonce = b
			case fBody:
				e.Body = b
			}
			// unrecognised bytes field: already consumed, safely skipped.
		default:
			return nil, fmt.Errorf("wire: unsupported wire type %d on field %d", wireType, field)
		}
	}
	return e, nil
}
