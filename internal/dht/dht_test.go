package dht

import (
	"context"
	"testing"
	"time"

	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
	"synnergy-comms/internal/wire"
)

func TestDedupCacheSuppressesRepeats(t *testing.T) {
	d := NewDedupCache(16, 0)
	env := &wire.Envelope{Header: wire.Header{DestKind: wire.DestNodeID, Destination: []byte("x"), MessageType: wire.TypeDirect}}
	hash := wire.ContentHash(env)

	if !d.Seen(hash) {
		t.Error("first occurrence should deliver")
	}
	if d.Seen(hash) {
		t.Error("second occurrence should be suppressed with AllowedOccurrences=0")
	}
}

func TestDedupCacheAllowsConfiguredOccurrences(t *testing.T) {
	d := NewDedupCache(16, 2)
	env := &wire.Envelope{Header: wire.Header{MessageType: wire.TypeFlood}}
	hash := wire.ContentHash(env)

	results := []bool{d.Seen(hash), d.Seen(hash), d.Seen(hash), d.Seen(hash)}
	want := []bool{true, true, true, false}
	for i := range results {
		if results[i] != want[i] {
			t.Errorf("occurrence %d: got %v, want %v", i+1, results[i], want[i])
		}
	}
}

func TestDedupCacheTrimEvictsByFirstSeen(t *testing.T) {
	d := NewDedupCache(16, 0)
	env := &wire.Envelope{Header: wire.Header{MessageType: wire.TypeBroadcast}, Body: []byte("trim me")}
	hash := wire.ContentHash(env)

	if !d.Seen(hash) {
		t.Fatal("first occurrence should deliver")
	}
	if removed := d.Trim(time.Hour); removed != 0 {
		t.Fatalf("fresh entry trimmed by a 1h window, removed=%d", removed)
	}
	// A negative window puts the cutoff in the future, so every
	// already-recorded entry is stale regardless of clock granularity.
	if removed := d.Trim(-time.Millisecond); removed != 1 {
		t.Fatalf("expected the entry to be trimmed with a past-cutoff window, removed=%d", removed)
	}
	if d.Len() != 0 {
		t.Fatalf("cache should be empty after trim, len=%d", d.Len())
	}
	if !d.Seen(hash) {
		t.Fatal("a trimmed hash should start a fresh dedup window")
	}
}

func TestSAFStoreEvictsLowerPriorityWhenFull(t *testing.T) {
	s := NewSAFStore(1)
	var dest identity.NodeID
	dest[0] = 0x01

	low := &wire.Envelope{Header: wire.Header{MessageType: wire.TypeBroadcast}, Body: []byte("low")}
	if err := s.Offer(dest, low, time.Hour); err != nil {
		t.Fatalf("offer low: %v", err)
	}

	high := &wire.Envelope{Header: wire.Header{MessageType: wire.TypeDirect}, Body: []byte("high")}
	if err := s.Offer(dest, high, time.Hour); err != nil {
		t.Fatalf("offer high should evict low-priority entry: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry after eviction, got %d", s.Len())
	}

	got := s.Retrieve(dest, 10, time.Hour)
	if len(got) != 1 || string(got[0].Body) != "high" {
		t.Fatalf("expected the surviving entry to be the high-priority one, got %+v", got)
	}
}

func TestSAFStoreRefusesWhenFullOfHigherPriority(t *testing.T) {
	s := NewSAFStore(1)
	var dest identity.NodeID
	dest[0] = 0x02

	high := &wire.Envelope{Header: wire.Header{MessageType: wire.TypeDirect}}
	if err := s.Offer(dest, high, time.Hour); err != nil {
		t.Fatalf("offer high: %v", err)
	}
	low := &wire.Envelope{Header: wire.Header{MessageType: wire.TypeBroadcast}}
	if err := s.Offer(dest, low, time.Hour); err == nil {
		t.Fatal("expected SafFull offering a lower-priority entry against a full, higher-priority store")
	}
}

func TestSAFRetrieveRespectsMaxAge(t *testing.T) {
	s := NewSAFStore(10)
	var dest identity.NodeID
	dest[0] = 0x03
	env := &wire.Envelope{Header: wire.Header{MessageType: wire.TypeDirect}}
	_ = s.Offer(dest, env, time.Hour)

	got := s.Retrieve(dest, 10, 0)
	if len(got) != 0 {
		t.Fatalf("expected 0 entries with a zero max age, got %d", len(got))
	}
}

func newTestOverlay(t *testing.T) (*Overlay, identity.NodeID) {
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

	cfg := DefaultConfig()
	cfg.SAFNumNeighbouringNodes = 3
	sent := func(ctx context.Context, peer identity.NodeID, env *wire.Envelope) error { return nil }
	o := New(cfg, kp.NodeID, store, sent, nil, nil)
	return o, kp.NodeID
}

func TestRouteDirectUnreachableFallsBackToSAF(t *testing.T) {
	o, _ := newTestOverlay(t)
	var dest identity.NodeID
	dest[0] = 0x09

	env := &wire.Envelope{Header: wire.Header{
		DestKind:    wire.DestNodeID,
		Destination: dest[:],
		MessageType: wire.TypeDirect,
		MessageTag:  wire.NewMessageTag(),
	}}
	if err := o.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if o.SAF().Len() != 1 {
		t.Fatalf("expected envelope to be buffered in SAF, len=%d", o.SAF().Len())
	}
}

func TestRouteDirectConnectedDelivers(t *testing.T) {
	o, _ := newTestOverlay(t)
	var dest identity.NodeID
	dest[0] = 0x0A
	o.MarkConnected(dest)

	delivered := false
	o.send = func(ctx context.Context, peer identity.NodeID, env *wire.Envelope) error {
		if peer == dest {
			delivered = true
		}
		return nil
	}

	env := &wire.Envelope{Header: wire.Header{
		DestKind:    wire.DestNodeID,
		Destination: dest[:],
		MessageType: wire.TypeDirect,
		MessageTag:  wire.NewMessageTag(),
	}}
	if err := o.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !delivered {
		t.Fatal("expected envelope delivered to the connected destination")
	}
}

func TestSetSendAndSetSamplerSpliceInAfterConstruction(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	store, err := peerstore.Open(t.TempDir() + "/peers.db")
	if err != nil {
		t.Fatalf("open peerstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	o := New(DefaultConfig(), kp.NodeID, store, nil, nil, nil)

	var dest identity.NodeID
	dest[0] = 0x0B
	o.MarkConnected(dest)

	sendCalled := false
	o.SetSend(func(ctx context.Context, peer identity.NodeID, env *wire.Envelope) error {
		sendCalled = true
		return nil
	})

	env := &wire.Envelope{Header: wire.Header{
		DestKind:    wire.DestNodeID,
		Destination: dest[:],
		MessageType: wire.TypeDirect,
		MessageTag:  wire.NewMessageTag(),
	}}
	if err := o.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !sendCalled {
		t.Fatal("expected SetSend's function to be used for routing")
	}

	sampleCalled := false
	o.SetSampler(func(ctx context.Context, peer, target identity.NodeID, want int) ([]*peerstore.Peer, error) {
		sampleCalled = true
		return nil, nil
	})
	if o.sample == nil {
		t.Fatal("expected SetSampler to install a non-nil sampler")
	}
	_, _ = o.sample(context.Background(), dest, kp.NodeID, 1)
	if !sampleCalled {
		t.Fatal("expected SetSampler's function to be invoked")
	}
}

func TestJoinRoutesToClosestNotEveryConnectedPeer(t *testing.T) {
	o, _ := newTestOverlay(t)
	o.cfg.NumNeighbouringNodes = 1
	// Pin self to the zero id so the XOR ranking below is deterministic.
	o.self = identity.NodeID{}
	self := o.self

	// Three connected peers, all known to the peer store and ranked by XOR
	// distance to self; Join must pick from the closest-N set, not simply
	// every connected peer.
	var near, farA, farB identity.NodeID
	near[0], farA[0], farB[0] = 0x01, 0xF0, 0xF1
	for _, id := range []identity.NodeID{near, farA, farB} {
		o.MarkConnected(id)
	}
	if err := o.peers.Upsert(&peerstore.Peer{PublicKey: near[:], NodeID: near}); err != nil {
		t.Fatalf("upsert near: %v", err)
	}
	if err := o.peers.Upsert(&peerstore.Peer{PublicKey: farA[:], NodeID: farA}); err != nil {
		t.Fatalf("upsert farA: %v", err)
	}
	if err := o.peers.Upsert(&peerstore.Peer{PublicKey: farB[:], NodeID: farB}); err != nil {
		t.Fatalf("upsert farB: %v", err)
	}

	var delivered []identity.NodeID
	o.send = func(ctx context.Context, peer identity.NodeID, env *wire.Envelope) error {
		delivered = append(delivered, peer)
		return nil
	}

	env := &wire.Envelope{Header: wire.Header{
		DestKind:    wire.DestNodeID,
		Destination: self[:],
		MessageType: wire.TypeJoin,
		MessageTag:  wire.NewMessageTag(),
	}}
	if err := o.Route(context.Background(), env); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected Join to target exactly NumNeighbouringNodes=1 peer, got %d: %v", len(delivered), delivered)
	}
	if delivered[0] != near {
		t.Fatalf("expected Join to target the peer closest to self, got %v", delivered[0])
	}
}

func TestRoundsCompletedIncrementsPerDiscoveryRound(t *testing.T) {
	o, _ := newTestOverlay(t)
	if o.RoundsCompleted() != 0 {
		t.Fatalf("expected 0 rounds before any discovery round, got %d", o.RoundsCompleted())
	}
	// discoveryRound still counts the round even when it has no peers to
	// sync with (an empty peer store is an expected failure mode, not a
	// reason to skip incrementing the counter).
	_ = o.discoveryRound(context.Background())
	if o.RoundsCompleted() != 1 {
		t.Fatalf("expected 1 round after discoveryRound, got %d", o.RoundsCompleted())
	}
}
