package identity

import (
	"bytes"
	"testing"
)

func TestDeriveNodeIDIsDeterministic(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	if DeriveNodeID(kp.Public) != kp.NodeID {
		t.Fatal("DeriveNodeID must be deterministic for the same public key")
	}
}

func TestLoadKeypairRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	loaded, err := LoadKeypair(kp.Bytes())
	if err != nil {
		t.Fatalf("LoadKeypair: %v", err)
	}
	if loaded.NodeID != kp.NodeID {
		t.Fatal("loaded keypair derives a different NodeID")
	}
	if !bytes.Equal(loaded.Public.Bytes(), kp.Public.Bytes()) {
		t.Fatal("loaded keypair has a different public key")
	}
}

func TestLoadKeypairRejectsWrongLength(t *testing.T) {
	if _, err := LoadKeypair(make([]byte, 16)); err == nil {
		t.Fatal("expected error loading a 16-byte private key")
	}
}

func TestDistanceProperties(t *testing.T) {
	var a, b NodeID
	a[0], b[0] = 0x0F, 0xF0

	if Distance(a, a) != (NodeID{}) {
		t.Error("distance to self must be zero")
	}
	if Distance(a, b) != Distance(b, a) {
		t.Error("XOR distance must be symmetric")
	}
	if Distance(a, b)[0] != 0xFF {
		t.Errorf("distance[0] = %x, want ff", Distance(a, b)[0])
	}
}

func TestLessComparesBigEndian(t *testing.T) {
	var lo, hi NodeID
	lo[NodeIDLen-1] = 0x01
	hi[0] = 0x01

	if !Less(lo, hi) {
		t.Error("a NodeID differing only in a later byte must sort below one with an earlier set byte")
	}
	if Less(hi, lo) {
		t.Error("Less must not be symmetric for unequal ids")
	}
	if Less(lo, lo) {
		t.Error("Less(x, x) must be false")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey([]byte("not a sec1 key")); err == nil {
		t.Fatal("expected parse failure on garbage input")
	}
}
