package pipeline

import (
	"bytes"
	"context"
	"testing"

	"synnergy-comms/internal/connmgr"
	"synnergy-comms/internal/dht"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
	"synnergy-comms/internal/wire"
)

// testNode is one in-process pipeline with its own identity, overlay and
// peer store; its overlay's SendFunc captures routed envelopes instead of
// writing to a substream.
type testNode struct {
	kp       *identity.Keypair
	pipe     *Pipeline
	overlay  *dht.Overlay
	routed   []*wire.Envelope
	received []*wire.Envelope
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	store, err := peerstore.Open(t.TempDir() + "/peers.db")
	if err != nil {
		t.Fatalf("open peerstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	n := &testNode{kp: kp}
	n.overlay = dht.New(dht.DefaultConfig(), kp.NodeID, store, nil, nil, nil)
	mgr := connmgr.New(kp, nil, store, connmgr.DefaultLimits(), nil)
	n.pipe = New(DefaultConfig(), kp, mgr, n.overlay, store,
		func(from identity.NodeID, env *wire.Envelope) { n.received = append(n.received, env) }, nil)
	n.overlay.SetSend(func(ctx context.Context, peer identity.NodeID, env *wire.Envelope) error {
		n.routed = append(n.routed, env)
		return nil
	})
	return n
}

func TestSendThenIngestDeliversSignedEncryptedBody(t *testing.T) {
	sender := newTestNode(t)
	receiver := newTestNode(t)

	// The sender routes Direct traffic to the receiver as if connected.
	sender.overlay.MarkConnected(receiver.kp.NodeID)

	err := sender.pipe.Send(context.Background(), OutboundRequest{
		DestKind:    wire.DestNodeID,
		Destination: receiver.kp.NodeID[:],
		MessageType: wire.TypeDirect,
		Body:        []byte("hello"),
		Sign:        true,
		Encrypt:     true,
		DestPublic:  receiver.kp.Public,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sender.routed) != 1 {
		t.Fatalf("expected 1 routed envelope, got %d", len(sender.routed))
	}
	env := sender.routed[0]
	if env.Header.Flags&wire.FlagEncrypted == 0 {
		t.Fatal("expected the routed envelope to carry an encrypted body")
	}
	if bytes.Equal(env.Body, []byte("hello")) {
		t.Fatal("routed body must be ciphertext")
	}

	// Round-trip through the wire encoding, the way a real substream would.
	decoded, err := wire.Decode(wire.Encode(env))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !receiver.pipe.Ingest(context.Background(), sender.kp.NodeID, decoded) {
		t.Fatal("expected Ingest to deliver the envelope")
	}
	if len(receiver.received) != 1 {
		t.Fatalf("expected 1 delivered envelope, got %d", len(receiver.received))
	}
	got := receiver.received[0]
	if !bytes.Equal(got.Body, []byte("hello")) {
		t.Fatalf("delivered body = %q, want hello", got.Body)
	}
	if got.Header.Flags&wire.FlagEncrypted != 0 {
		t.Fatal("delivered envelope must be decrypted")
	}
}

func TestIngestSuppressesDuplicateContent(t *testing.T) {
	sender := newTestNode(t)
	receiver := newTestNode(t)
	sender.overlay.MarkConnected(receiver.kp.NodeID)

	if err := sender.pipe.Send(context.Background(), OutboundRequest{
		DestKind:    wire.DestNodeID,
		Destination: receiver.kp.NodeID[:],
		MessageType: wire.TypeDirect,
		Body:        []byte("once only"),
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env := sender.routed[0]

	if !receiver.pipe.Ingest(context.Background(), sender.kp.NodeID, env) {
		t.Fatal("first ingest should deliver")
	}
	for i := 0; i < 2; i++ {
		if receiver.pipe.Ingest(context.Background(), sender.kp.NodeID, env) {
			t.Fatal("repeat ingest of identical content should be suppressed")
		}
	}
	if len(receiver.received) != 1 {
		t.Fatalf("application saw %d deliveries, want exactly 1", len(receiver.received))
	}
}

func TestIngestDropsForwardOnlyTrafficWithoutDispatch(t *testing.T) {
	receiver := newTestNode(t)

	var other identity.NodeID
	other[0] = 0x77
	env := &wire.Envelope{Header: wire.Header{
		DestKind:    wire.DestNodeID,
		Destination: other[:],
		MessageType: wire.TypePropagate,
		MessageTag:  wire.NewMessageTag(),
	}, Body: []byte("not for us")}

	if receiver.pipe.Ingest(context.Background(), other, env) {
		t.Fatal("an envelope destined elsewhere must not report local delivery")
	}
	if len(receiver.received) != 0 {
		t.Fatal("an envelope destined elsewhere must not reach the dispatcher")
	}
}

func TestIngestPenalizesInvalidSignature(t *testing.T) {
	sender := newTestNode(t)
	receiver := newTestNode(t)
	sender.overlay.MarkConnected(receiver.kp.NodeID)

	if err := sender.pipe.Send(context.Background(), OutboundRequest{
		DestKind:    wire.DestNodeID,
		Destination: receiver.kp.NodeID[:],
		MessageType: wire.TypeDirect,
		Body:        []byte("tamper me"),
		Sign:        true,
	}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	env := sender.routed[0]
	env.Body = []byte("tampered")

	if receiver.pipe.Ingest(context.Background(), sender.kp.NodeID, env) {
		t.Fatal("a tampered signed envelope must not deliver")
	}
	if len(receiver.received) != 0 {
		t.Fatal("tampered envelope reached the dispatcher")
	}
	if receiver.pipe.misbehaviour[sender.kp.NodeID] == 0 {
		t.Fatal("expected the sender's misbehaviour score to increment")
	}
}
