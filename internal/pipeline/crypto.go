package pipeline

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/identity"
)

const hkdfInfo = "synnergy-comms/pipeline/body-encryption/v1"

// encryptBody seals an outbound body: ECDH(ephemeral,
// destination_pk) → KDF → ChaCha20-Poly1305 with a per-message nonce; the
// ephemeral public key and nonce travel in the envelope header.
func encryptBody(destPub identity.PublicKey, plaintext []byte) (ciphertext, ephemeralPub, nonce []byte, err error) {
	ephPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline: generate ephemeral key: %w", err)
	}
	shared := secp256k1.GenerateSharedSecret(ephPriv, destPub.Raw())
	key, err := deriveKey(shared)
	if err != nil {
		return nil, nil, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline: init aead: %w", err)
	}
	n := make([]byte, aead.NonceSize())
	if _, err := rand.Read(n); err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline: generate nonce: %w", err)
	}
	ct := aead.Seal(nil, n, plaintext, nil)
	return ct, ephPriv.PubKey().SerializeCompressed(), n, nil
}

// decryptBody is the receiver side: derive the same shared secret from our
// static private key and the sender's ephemeral public key.
func decryptBody(local *identity.Keypair, ephemeralPubBytes, nonce, ciphertext []byte) ([]byte, error) {
	ephPub, err := secp256k1.ParsePubKey(ephemeralPubBytes)
	if err != nil {
		return nil, cerr.Wrap(cerr.DecryptFailed, "pipeline: parse ephemeral key", err)
	}
	shared := secp256k1.GenerateSharedSecret(local.Private, ephPub)
	key, err := deriveKey(shared)
	if err != nil {
		return nil, cerr.Wrap(cerr.DecryptFailed, "pipeline: derive key", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, cerr.Wrap(cerr.DecryptFailed, "pipeline: init aead", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, cerr.Wrap(cerr.DecryptFailed, "pipeline: decrypt body", err)
	}
	return pt, nil
}

func deriveKey(shared []byte) ([]byte, error) {
	sum := sha256.Sum256(shared)
	r := hkdf.New(sha256.New, sum[:], nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("pipeline: hkdf expand: %w", err)
	}
	return key, nil
}
