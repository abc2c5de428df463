package connectivity

import (
	"testing"
	"time"

	"synnergy-comms/internal/connmgr"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
)

func newTestService(t *testing.T) (*Service, identity.NodeID) {
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

	mgr := connmgr.New(kp, nil, store, connmgr.DefaultLimits(), nil)
	cfg := DefaultConfig()
	cfg.NumNeighbouringNodes = 2
	svc := New(cfg, mgr, store, kp.NodeID, nil, nil)
	return svc, kp.NodeID
}

func TestHealthDefaultsOffline(t *testing.T) {
	svc, _ := newTestService(t)
	var someone identity.NodeID
	someone[0] = 0x42
	if got := svc.Health(someone); got != Offline {
		t.Errorf("Health() = %v, want Offline", got)
	}
}

func TestOnConnEventTracksHealth(t *testing.T) {
	svc, _ := newTestService(t)
	var peer identity.NodeID
	peer[0] = 0x01

	svc.onConnEvent(connmgr.ConnectivityEvent{Peer: peer, To: connmgr.Ready, At: time.Now()})
	if got := svc.Health(peer); got != Online {
		t.Errorf("Health() after Ready = %v, want Online", got)
	}

	svc.onConnEvent(connmgr.ConnectivityEvent{Peer: peer, To: connmgr.Closed, At: time.Now()})
	if got := svc.Health(peer); got != Offline {
		t.Errorf("Health() after Closed = %v, want Offline", got)
	}
}

func TestStateStringAndHealthString(t *testing.T) {
	if State(99).String() != "initializing" {
		t.Error("unknown State should render as initializing")
	}
	if StateOnline.String() != "online" || Degraded.String() != "degraded" || StateOffline.String() != "offline" {
		t.Error("State.String mismatch")
	}
	if Health(99).String() != "offline" {
		t.Error("unknown Health should render as offline")
	}
}

func TestRefreshPoolsBuildsNeighbourAndRandomSets(t *testing.T) {
	svc, self := newTestService(t)
	for i := 0; i < 5; i++ {
		kp, _ := identity.GenerateKeypair()
		_ = svc.peers.Upsert(&peerstore.Peer{PublicKey: kp.Public.Bytes(), NodeID: kp.NodeID})
	}
	svc.RefreshPools()
	if len(svc.neighbours) == 0 {
		t.Error("expected a non-empty neighbour pool")
	}
	if len(svc.randomPool) == 0 {
		t.Error("expected a non-empty random pool")
	}
	if _, selfInPool := svc.neighbours[self]; selfInPool {
		t.Error("local node should not appear in its own neighbour pool unless self-upserted")
	}
}
