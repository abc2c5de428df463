package comms

import (
	"testing"
	"time"

	"synnergy-comms/internal/identity"
	"synnergy-comms/pkg/config"
)

// testConfig returns a fully populated configuration using the in-memory
// transport, the way a unit test exercises the facade without touching a
// real socket or a viper config file on disk.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	var cfg config.Config
	cfg.Node.ListenAddrs = []string{"/memory/" + t.Name()}
	cfg.Node.AllowTestAddrs = true
	cfg.Node.DataDir = t.TempDir()

	cfg.ConnMgr.MaxSubstreamsPerPeer = 32
	cfg.ConnMgr.MaxSubstreamsGlobal = 2048
	cfg.ConnMgr.CullOldestOnFull = true
	cfg.ConnMgr.LivenessCheckInterval = 30 * time.Second
	cfg.ConnMgr.BackoffBase = 500 * time.Millisecond
	cfg.ConnMgr.BackoffMax = 2 * time.Minute

	cfg.Pipeline.MaxConcurrentInboundTasks = 256
	cfg.Pipeline.MaxConcurrentOutboundTasks = 256
	cfg.Pipeline.MisbehaviourBanThreshold = 3
	cfg.Pipeline.BanDurationShort = 10 * time.Minute
	cfg.Pipeline.BanDuration = 6 * time.Hour

	cfg.Connectivity.NumNeighbouringNodes = 8
	cfg.Connectivity.NumRandomNodes = 4
	cfg.Connectivity.RandomPoolRefreshInterval = 2 * time.Minute
	cfg.Connectivity.MinimumDesiredTCPv4Ratio = 0.2

	cfg.DHT.NumNeighbouringNodes = 8
	cfg.DHT.NumRandomNodes = 4
	cfg.DHT.BroadcastFactor = 6
	cfg.DHT.PropagationFactor = 4
	cfg.DHT.SAFNumNeighbouringNodes = 3
	cfg.DHT.SAFMaxReturnedMessages = 32
	cfg.DHT.SAFMaxInflightAge = 10 * time.Minute
	cfg.DHT.SAFCapacity = 4096
	cfg.DHT.SAFDefaultTTL = 24 * time.Hour
	cfg.DHT.MaxSyncPeers = 3
	cfg.DHT.MaxPeersToSyncPerRound = 16
	cfg.DHT.MinDesiredPeers = 32
	cfg.DHT.IdlePeriod = time.Minute
	cfg.DHT.AggressivePeriod = 10 * time.Second
	cfg.DHT.OnFailureIdlePeriod = 5 * time.Minute
	cfg.DHT.DiscoveryRequestTimeout = 15 * time.Second
	cfg.DHT.AutoJoin = false // avoid spawning a join broadcast against no peers in tests
	cfg.DHT.JoinCooldownInterval = 5 * time.Minute
	cfg.DHT.DedupCacheCapacity = 8192
	cfg.DHT.DedupAllowedMessageOccurrences = 1
	cfg.DHT.DedupCacheTrimInterval = time.Minute
	cfg.DHT.FloodRatePerSecond = 5
	cfg.DHT.FloodBurst = 10
	cfg.DHT.SAFRetrievalRatePerSecond = 1
	cfg.DHT.SAFRetrievalBurst = 4

	cfg.RPC.MaxSessionsPerPeer = 8
	cfg.RPC.MaxSimultaneousSessions = 512
	cfg.RPC.RequestTimeout = 15 * time.Second

	cfg.Logging.Level = "info"
	return &cfg
}

func TestNewWiresEveryComponentAndCloses(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	node, err := New(testConfig(t), kp, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if node.Identity().NodeID != kp.NodeID {
		t.Fatal("expected Identity() to return the supplied keypair")
	}
	if len(node.ListenAddrs()) != 1 {
		t.Fatalf("expected 1 listen address, got %d", len(node.ListenAddrs()))
	}
	if node.PeerStore() == nil || node.Connectivity() == nil || node.Overlay() == nil || node.Metrics() == nil {
		t.Fatal("expected every facade accessor to return a non-nil component")
	}
	if err := node.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close must be idempotent.
	if err := node.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewRejectsMalformedListenAddress(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	cfg := testConfig(t)
	cfg.Node.ListenAddrs = []string{"not-a-multiaddr"}
	if _, err := New(cfg, kp, Options{}); err == nil {
		t.Fatal("expected New to fail on a malformed listen address")
	}
}
