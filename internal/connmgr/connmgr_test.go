package connmgr

import (
	"testing"
	"time"

	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	dir := t.TempDir()
	store, err := peerstore.Open(dir + "/peers.db")
	if err != nil {
		t.Fatalf("open peerstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	limits := DefaultLimits()
	limits.BackoffBase = time.Millisecond
	limits.BackoffMax = 10 * time.Millisecond
	return New(kp, nil, store, limits, nil)
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Dialing:     "dialing",
		Handshaking: "handshaking",
		Ready:       "ready",
		Draining:    "draining",
		Closed:      "closed",
		State(99):   "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestBackoffGrowsAndClearsOnSuccess(t *testing.T) {
	m := newTestManager(t)
	kp2, _ := identity.GenerateKeypair()
	remote := kp2.NodeID

	m.recordFailure(remote)
	first := m.backoff[remote].until

	m.recordFailure(remote)
	second := m.backoff[remote].until

	if !second.After(first.Add(-time.Millisecond)) {
		t.Errorf("expected backoff window to grow or hold, first=%v second=%v", first, second)
	}
	if m.backoff[remote].attempts != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", m.backoff[remote].attempts)
	}

	m.recordSuccess(remote)
	if _, ok := m.backoff[remote]; ok {
		t.Error("expected backoff state cleared after success")
	}
}

func TestDialRejectsBannedPeer(t *testing.T) {
	m := newTestManager(t)
	kp2, _ := identity.GenerateKeypair()
	remote := kp2.NodeID
	pub := kp2.Public.Bytes()

	if err := m.peers.Upsert(&peerstore.Peer{PublicKey: pub, NodeID: remote}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.peers.Ban(pub, time.Minute, "test ban"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	_, err := m.Dial(nil, remote, pub, nil) //nolint:staticcheck // ctx/addr unused on the banned fast path
	if err == nil {
		t.Fatal("expected error dialing banned peer")
	}
}

func TestAdmitTieBreakPrefersLesserNodeID(t *testing.T) {
	m := newTestManager(t)

	var lo, hi identity.NodeID
	for i := range lo {
		lo[i] = 0x01
		hi[i] = 0xFF
	}
	m.local.NodeID = lo // force "we are less" branch deterministically

	existing := &Conn{Remote: hi, Dir: Inbound, state: Ready}
	m.table[hi] = existing

	if identity.Less(m.local.NodeID, hi) != true {
		t.Fatal("test setup invariant broken: lo should be less than hi")
	}

	// Our outbound dial completes while the remote's inbound one is live; as
	// the lesser NodeID we are the winning initiator, so the new connection
	// supersedes the existing one.
	kp2, _ := identity.GenerateKeypair()
	conn, err := m.admit(hi, kp2.Public, Outbound, nil, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if conn == existing || m.table[hi] != conn {
		t.Fatal("expected the lesser NodeID's outbound connection to win the tie-break")
	}
	if existing.State() != Closed {
		t.Errorf("superseded connection state = %v, want closed", existing.State())
	}
}

func TestAdmitRecordsPeerDurably(t *testing.T) {
	m := newTestManager(t)
	kp2, _ := identity.GenerateKeypair()

	if _, err := m.admit(kp2.NodeID, kp2.Public, Inbound, nil, nil); err != nil {
		t.Fatalf("admit: %v", err)
	}
	p, ok := m.peers.Get(kp2.Public.Bytes())
	if !ok {
		t.Fatal("expected admission to upsert a durable peer record")
	}
	if p.NodeID != kp2.NodeID {
		t.Fatalf("recorded NodeID = %v, want %v", p.NodeID, kp2.NodeID)
	}
}

func TestBanHoldsForConnectionOnlyPeer(t *testing.T) {
	m := newTestManager(t)
	kp2, _ := identity.GenerateKeypair()

	// The peer was never discovered or seeded; admission alone must make
	// a subsequent ban stick against redials.
	if _, err := m.admit(kp2.NodeID, kp2.Public, Inbound, nil, nil); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := m.peers.Ban(kp2.Public.Bytes(), time.Minute, "invalid signature"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if !m.isBanned(kp2.Public.Bytes()) {
		t.Fatal("expected the admitted peer's ban to be visible to connmgr")
	}
	if _, err := m.Dial(nil, kp2.NodeID, kp2.Public.Bytes(), nil); err == nil { //nolint:staticcheck // ctx/addr unused on the banned fast path
		t.Fatal("expected redial of a banned connection-only peer to fail")
	}
}

func TestAcceptSubstreamRejectsNonReadyConnection(t *testing.T) {
	c := &Conn{state: Dialing}
	if _, err := c.AcceptSubstream(nil); err == nil { //nolint:staticcheck // ctx unused on the not-ready fast path
		t.Fatal("expected AcceptSubstream to reject a non-ready connection")
	}
}
