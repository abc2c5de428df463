package wire

import (
	"bytes"
	"testing"

	"github.com/multiformats/go-varint"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := &Envelope{
		Header: Header{
			OriginPublicKey: []byte("pubkey"),
			OriginSignature: []byte("sig"),
			DestKind:        DestNodeID,
			Destination:     []byte("destination-node-id"),
			MessageType:     TypeBroadcast,
			Flags:           FlagEncrypted,
			EphemeralPK:     []byte("ephemeral"),
			Nonce:           []byte("nonce123"),
			MessageTag:      0xdeadbeef,
			ExpiresAt:       1234567890,
		},
		Body: []byte("opaque ciphertext"),
	}

	got, err := Decode(Encode(env))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Header.OriginPublicKey, env.Header.OriginPublicKey) ||
		!bytes.Equal(got.Header.OriginSignature, env.Header.OriginSignature) ||
		got.Header.DestKind != env.Header.DestKind ||
		!bytes.Equal(got.Header.Destination, env.Header.Destination) ||
		got.Header.MessageType != env.Header.MessageType ||
		got.Header.Flags != env.Header.Flags ||
		!bytes.Equal(got.Header.EphemeralPK, env.Header.EphemeralPK) ||
		!bytes.Equal(got.Header.Nonce, env.Header.Nonce) ||
		got.Header.MessageTag != env.Header.MessageTag ||
		got.Header.ExpiresAt != env.Header.ExpiresAt ||
		!bytes.Equal(got.Body, env.Body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, env)
	}
}

// TestDecodeRejectsLengthFieldLongerThanRemainingData guards against a
// remote-peer-triggerable crash: a bytes-field's declared length is
// attacker-controlled independent of how much data actually follows it in
// the frame, so Decode must reject an oversized length rather than
// attempting make([]byte, n) with it.
func TestDecodeRejectsLengthFieldLongerThanRemainingData(t *testing.T) {
	var buf bytes.Buffer
	putTag(&buf, fDest, wireBytes)
	var tmp [maxVarintLen]byte
	n := varint.PutUvarint(tmp[:], uint64(1)<<62)
	buf.Write(tmp[:n])
	buf.WriteString("short")

	if _, err := Decode(buf.Bytes()); err == nil {
		t.Fatal("expected Decode to reject a length field exceeding the remaining data")
	}
}
