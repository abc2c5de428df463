// Package noiseconn implements the Noise_XX_25519_ChaChaPoly_BLAKE2s
// session layer: it runs the XX handshake over a raw
// transport.Stream, then exchanges a signed identity frame over the
// resulting encrypted channel binding the session to the peer's long-term
// NodeId, and yields an encrypted, authenticated duplex stream plus a
// negotiated feature set.
package noiseconn

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/transport"
)

// cipherSuite pins the Noise_XX_25519_ChaChaPoly_BLAKE2s suite.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// HandshakeTimeout bounds the whole handshake, identity exchange included.
const HandshakeTimeout = 20 * time.Second

// maxNoiseFrame is the Noise protocol's hard per-message ceiling; every
// ciphertext frame on the wire, handshake or transport, fits in it.
const maxNoiseFrame = 65535

// maxNoisePlaintext leaves room for the 16-byte AEAD tag.
const maxNoisePlaintext = maxNoiseFrame - 16

// Session is an authenticated, encrypted duplex stream established over a
// raw transport.Stream via a completed Noise XX handshake. It implements
// net.Conn so the yamux multiplexer can run directly on top of it.
type Session struct {
	raw        transport.Stream
	send, recv *noise.CipherState
	remoteNode identity.NodeID
	remoteStat identity.PublicKey
	features   Features
	wmu        sync.Mutex
	rmu        sync.Mutex
	r          *bufio.Reader
	// pending holds decrypted bytes a previous Read did not consume, so the
	// session reads as a byte stream even though the wire carries discrete
	// Noise frames.
	pending []byte
}

// Features is the signed protocol-version+feature frame both sides exchange
// immediately after the handshake.
type Features struct {
	Version      uint32
	FeatureFlags uint64
}

// Negotiate selects the highest version and feature set both sides share.
func Negotiate(local, remote Features) Features {
	v := local.Version
	if remote.Version < v {
		v = remote.Version
	}
	return Features{Version: v, FeatureFlags: local.FeatureFlags & remote.FeatureFlags}
}

// RemoteNodeID returns the NodeId derived from the remote's static key.
func (s *Session) RemoteNodeID() identity.NodeID { return s.remoteNode }

// RemotePublicKey returns the remote's authenticated static public key.
func (s *Session) RemotePublicKey() identity.PublicKey { return s.remoteStat }

// Features returns the negotiated version/feature set.
func (s *Session) Features() Features { return s.features }

// Read implements net.Conn over the decrypted duplex. Leftover bytes from a
// frame larger than p are retained for the next call.
func (s *Session) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	if len(s.pending) == 0 {
		frame, err := readLenPrefixed(s.r)
		if err != nil {
			return 0, err
		}
		plain, err := s.recv.Decrypt(nil, nil, frame)
		if err != nil {
			return 0, cerr.Wrap(cerr.DecryptFailed, "noise: decrypt frame", err)
		}
		s.pending = plain
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Write encrypts p, chunked under the Noise per-message ceiling, and writes
// each ciphertext as a length-prefixed frame.
func (s *Session) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxNoisePlaintext {
			chunk = chunk[:maxNoisePlaintext]
		}
		ct, err := s.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("noise: encrypt frame: %w", err)
		}
		if err := writeLenPrefixed(s.raw, ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

func (s *Session) Close() error { return s.raw.Close() }

func (s *Session) LocalAddr() net.Addr  { return s.raw.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.raw.RemoteAddr() }

// Deadline plumbing for net.Conn; yamux uses write deadlines to bound a
// stalled peer.
func (s *Session) SetDeadline(t time.Time) error      { return s.raw.SetDeadline(t) }
func (s *Session) SetReadDeadline(t time.Time) error  { return s.raw.SetReadDeadline(t) }
func (s *Session) SetWriteDeadline(t time.Time) error { return s.raw.SetWriteDeadline(t) }

func writeLenPrefixed(w io.Writer, b []byte) error {
	var hdr [4]byte
	n := len(b)
	hdr[0] = byte(n >> 24)
	hdr[1] = byte(n >> 16)
	hdr[2] = byte(n >> 8)
	hdr[3] = byte(n)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	if n > maxNoiseFrame {
		return nil, fmt.Errorf("noise: frame of %d bytes exceeds max %d", n, maxNoiseFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DialConfig carries what the initiator needs: our identity and the NodeId
// we expect the remote to present.
type DialConfig struct {
	Local        *identity.Keypair
	ExpectedNode identity.NodeID // zero value = accept whoever answers
	Features     Features
}

// AcceptConfig carries what the responder needs.
type AcceptConfig struct {
	Local    *identity.Keypair
	Features Features
}

// Dial performs the initiator side of Noise_XX over raw, then the
// post-handshake feature exchange, then verifies the remote's static key
// matches ExpectedNode when one was supplied.
func Dial(ctx context.Context, raw transport.Stream, cfg DialConfig) (*Session, error) {
	return handshake(ctx, raw, true, cfg.Local, cfg.ExpectedNode, cfg.Features)
}

// Accept performs the responder side of Noise_XX.
func Accept(ctx context.Context, raw transport.Stream, cfg AcceptConfig) (*Session, error) {
	return handshake(ctx, raw, false, cfg.Local, identity.NodeID{}, cfg.Features)
}

func handshake(ctx context.Context, raw transport.Stream, initiator bool, local *identity.Keypair, expected identity.NodeID, feat Features) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	// Blocking reads and writes on raw cannot observe ctx, so its deadline is
	// applied to the stream for the handshake and cleared on return.
	if dl, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(dl)
		defer raw.SetDeadline(time.Time{})
	}

	staticDH, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, cerr.Wrap(cerr.HandshakeFailure, "noise: generate ephemeral DH static", err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticDH,
	})
	if err != nil {
		return nil, cerr.Wrap(cerr.HandshakeFailure, "noise: init handshake state", err)
	}

	r := bufio.NewReaderSize(raw, maxNoiseFrame)
	var sendCS, recvCS *noise.CipherState

	msgs := 3 // XX is a 3-message pattern
	for i := 0; i < msgs; i++ {
		weSend := (i%2 == 0) == initiator
		if weSend {
			out, cs1, cs2, err := hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, cerr.Wrap(cerr.HandshakeFailure, "noise: write handshake message", err)
			}
			if err := writeLenPrefixed(raw, out); err != nil {
				return nil, cerr.Wrap(cerr.HandshakeFailure, "noise: send handshake message", err)
			}
			if cs1 != nil {
				sendCS, recvCS = cs1, cs2
			}
		} else {
			in, err := readLenPrefixed(r)
			if err != nil {
				return nil, cerr.Wrap(cerr.HandshakeFailure, "noise: read handshake message", err)
			}
			_, cs1, cs2, err := hs.ReadMessage(nil, in)
			if err != nil {
				return nil, cerr.Wrap(cerr.HandshakeFailure, "noise: process handshake message", err)
			}
			if cs1 != nil {
				sendCS, recvCS = cs2, cs1
			}
		}
		if ctx.Err() != nil {
			return nil, cerr.Wrap(cerr.Timeout, "noise: handshake timed out", ctx.Err())
		}
	}
	// The Noise static key authenticates the transport for this session, but
	// it is generated fresh per session and carries no long-term meaning on
	// its own. Identity is bound on top of it: each side signs the Noise
	// channel binding with its long-term identity key and exchanges the
	// result over the now-encrypted channel, the same way a TLS channel
	// binding ties an application-layer credential to a specific handshake.
	channelBinding := hs.ChannelBinding()

	sess := &Session{raw: raw, send: sendCS, recv: recvCS, r: r}

	remoteNode, remotePub, negotiated, err := exchangeIdentity(sess, initiator, local, feat, channelBinding)
	if err != nil {
		return nil, err
	}
	if initiator && !expected.IsZero() && remoteNode != expected {
		return nil, cerr.New(cerr.IdentityMismatch,
			fmt.Sprintf("noise: remote presented %s, expected %s", remoteNode, expected)).
			WithPeer(remoteNode.String())
	}
	sess.remoteNode = remoteNode
	sess.remoteStat = remotePub
	sess.features = negotiated
	return sess, nil
}

// exchangeIdentity runs immediately after the Noise handshake, over the now
// encrypted+authenticated channel: each side sends its claimed identity
// public key, a signature over the Noise channel binding proving possession
// of the matching private key, and the feature-negotiation frame in one
// message. The initiator sends first and the responder answers, so the
// exchange never deadlocks on an unbuffered transport (the in-memory
// variant is a synchronous net.Pipe).
func exchangeIdentity(s *Session, initiator bool, local *identity.Keypair, localFeat Features, channelBinding []byte) (identity.NodeID, identity.PublicKey, Features, error) {
	fail := func(err error) (identity.NodeID, identity.PublicKey, Features, error) {
		return identity.NodeID{}, identity.PublicKey{}, Features{}, err
	}

	send := func() error {
		sig := local.Sign(channelBinding)
		pubBytes := local.Public.Bytes()
		out := make([]byte, 0, 4+len(pubBytes)+4+len(sig)+12)
		out = appendLenPrefixed(out, pubBytes)
		out = appendLenPrefixed(out, sig)
		fbuf := make([]byte, 12)
		putU32(fbuf[0:4], localFeat.Version)
		putU64(fbuf[4:12], localFeat.FeatureFlags)
		out = append(out, fbuf...)
		if _, err := s.Write(out); err != nil {
			return cerr.Wrap(cerr.HandshakeFailure, "noise: send identity frame", err)
		}
		return nil
	}

	var remotePubBytes, remoteSig []byte
	remoteFbuf := make([]byte, 12)
	recv := func() error {
		// Read back the same shape we send (pubkey, sig, feature frame),
		// each length-prefixed except the fixed-size trailing feature frame.
		var err error
		remotePubBytes, err = readLenPrefixedFull(s)
		if err != nil {
			return cerr.Wrap(cerr.HandshakeFailure, "noise: read remote identity key", err)
		}
		remoteSig, err = readLenPrefixedFull(s)
		if err != nil {
			return cerr.Wrap(cerr.HandshakeFailure, "noise: read remote identity signature", err)
		}
		if _, err := io.ReadFull(s, remoteFbuf); err != nil {
			return cerr.Wrap(cerr.VersionIncompatible, "noise: read remote feature frame", err)
		}
		return nil
	}

	if initiator {
		if err := send(); err != nil {
			return fail(err)
		}
		if err := recv(); err != nil {
			return fail(err)
		}
	} else {
		if err := recv(); err != nil {
			return fail(err)
		}
		if err := send(); err != nil {
			return fail(err)
		}
	}

	remotePub, err := identity.ParsePublicKey(remotePubBytes)
	if err != nil {
		return fail(cerr.Wrap(cerr.HandshakeFailure, "noise: parse remote identity key", err))
	}
	if !identity.Verify(remotePub, channelBinding, remoteSig) {
		return fail(cerr.New(cerr.IdentityMismatch, "noise: remote identity signature does not bind this session"))
	}

	remote := Features{Version: getU32(remoteFbuf[0:4]), FeatureFlags: getU64(remoteFbuf[4:12])}
	return identity.DeriveNodeID(remotePub), remotePub, Negotiate(localFeat, remote), nil
}

func appendLenPrefixed(dst []byte, v []byte) []byte {
	var hdr [4]byte
	n := len(v)
	hdr[0], hdr[1], hdr[2], hdr[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	dst = append(dst, hdr[:]...)
	return append(dst, v...)
}

func readLenPrefixedFull(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(hdr[0])<<24 | int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3])
	if n > maxNoiseFrame {
		return nil, fmt.Errorf("noise: identity field of %d bytes exceeds max %d", n, maxNoiseFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func putU32(b []byte, v uint32) { b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v) }
func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
