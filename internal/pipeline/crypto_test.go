package pipeline

import (
	"bytes"
	"testing"

	"synnergy-comms/internal/identity"
)

func TestEncryptDecryptBodyRoundTrip(t *testing.T) {
	dest, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate destination keypair: %v", err)
	}
	plaintext := []byte("hello over the wire")

	ct, ephPub, nonce, err := encryptBody(dest.Public, plaintext)
	if err != nil {
		t.Fatalf("encryptBody: %v", err)
	}
	if bytes.Equal(ct, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	pt, err := decryptBody(dest, ephPub, nonce, ct)
	if err != nil {
		t.Fatalf("decryptBody: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("decryptBody = %q, want %q", pt, plaintext)
	}
}

func TestDecryptBodyFailsForWrongRecipient(t *testing.T) {
	dest, _ := identity.GenerateKeypair()
	other, _ := identity.GenerateKeypair()

	ct, ephPub, nonce, err := encryptBody(dest.Public, []byte("secret"))
	if err != nil {
		t.Fatalf("encryptBody: %v", err)
	}
	if _, err := decryptBody(other, ephPub, nonce, ct); err == nil {
		t.Fatal("expected decryption to fail for the wrong recipient")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, _ := identity.GenerateKeypair()
	digest := contentDigest(0, []byte("dest"), 0, []byte("body"))
	sig := kp.Sign(digest)
	if !identity.Verify(kp.Public, digest, sig) {
		t.Fatal("expected signature to verify against the signing identity")
	}
	other, _ := identity.GenerateKeypair()
	if identity.Verify(other.Public, digest, sig) {
		t.Fatal("signature must not verify against an unrelated identity")
	}
}
