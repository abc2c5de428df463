// Package dht implements the DHT overlay: neighbourhood
// maintenance, the five broadcast strategies, Store-And-Forward, discovery
// rounds, and auto-join, all layered directly on the Peer Store's
// XOR-distance queries rather than a separate in-memory bucket array.
package dht

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
	"synnergy-comms/internal/wire"
)

// SendFunc transmits an envelope to one connected peer; supplied by the
// pipeline/rpc layer that owns substreams, so dht never touches transport
// directly.
type SendFunc func(ctx context.Context, peer identity.NodeID, env *wire.Envelope) error

// Config mirrors the dht.* configuration keys.
type Config struct {
	NumNeighbouringNodes    int
	NumRandomNodes          int
	BroadcastFactor         int
	PropagationFactor       int
	SAFNumNeighbouringNodes int
	SAFMaxReturnedMessages  int
	SAFMaxInflightAge       time.Duration
	SAFCapacity             int
	SAFDefaultTTL           time.Duration

	MaxSyncPeers            int
	MaxPeersToSyncPerRound  int
	MinDesiredPeers         int
	IdlePeriod              time.Duration
	AggressivePeriod        time.Duration
	OnFailureIdlePeriod     time.Duration

	AutoJoin            bool
	JoinCooldownInterval time.Duration

	DedupCacheCapacity            int
	DedupAllowedMessageOccurrences int
	DedupCacheTrimInterval        time.Duration

	// FloodRatePerSecond/FloodBurst bound how often this node originates or
	// re-routes a Flood-strategy envelope.
	FloodRatePerSecond float64
	FloodBurst         int

	// SAFRetrievalRatePerSecond/SAFRetrievalBurst throttle how often one
	// remote peer may issue a SAF retrieval request against this node
	//.
	SAFRetrievalRatePerSecond float64
	SAFRetrievalBurst         int
}

func DefaultConfig() Config {
	return Config{
		NumNeighbouringNodes:           8,
		NumRandomNodes:                 4,
		BroadcastFactor:                6,
		PropagationFactor:              4,
		SAFNumNeighbouringNodes:        3,
		SAFMaxReturnedMessages:         32,
		SAFMaxInflightAge:              10 * time.Minute,
		SAFCapacity:                    4096,
		SAFDefaultTTL:                  24 * time.Hour,
		MaxSyncPeers:                   3,
		MaxPeersToSyncPerRound:         16,
		MinDesiredPeers:                32,
		IdlePeriod:                     time.Minute,
		AggressivePeriod:               5 * time.Second,
		OnFailureIdlePeriod:            10 * time.Second,
		AutoJoin:                       true,
		JoinCooldownInterval:           time.Minute,
		DedupCacheCapacity:             8192,
		DedupAllowedMessageOccurrences: 0,
		DedupCacheTrimInterval:         5 * time.Minute,
		FloodRatePerSecond:             5,
		FloodBurst:                     10,
		SAFRetrievalRatePerSecond:      1,
		SAFRetrievalBurst:              4,
	}
}

// PeerSampler asks a remote peer for up to n peers close to target, used by
// discovery rounds; the rpc layer implements this over an RPC
// substream.
type PeerSampler func(ctx context.Context, peer identity.NodeID, target identity.NodeID, n int) ([]*peerstore.Peer, error)

// Overlay ties the neighbourhood, broadcast routing, SAF store, dedup cache
// and discovery/join loops together.
type Overlay struct {
	cfg    Config
	self   identity.NodeID
	peers  *peerstore.Store
	send   SendFunc
	sample PeerSampler
	log    *logrus.Logger

	dedup *DedupCache
	saf   *SAFStore
	flood *rate.Limiter

	mu         sync.RWMutex
	connected  map[identity.NodeID]struct{}
	lastJoinAt time.Time
	aggressive bool

	safMu       sync.Mutex
	safLimiters map[identity.NodeID]*rate.Limiter

	rounds atomic.Int64
}

// New builds an Overlay. sample may be nil until the RPC layer is wired;
// discovery rounds become no-ops in that case.
func New(cfg Config, self identity.NodeID, peers *peerstore.Store, send SendFunc, sample PeerSampler, logger *logrus.Logger) *Overlay {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	floodLimit := rate.Limit(cfg.FloodRatePerSecond)
	if floodLimit <= 0 {
		floodLimit = rate.Inf
	}
	return &Overlay{
		cfg:         cfg,
		self:        self,
		peers:       peers,
		send:        send,
		sample:      sample,
		log:         logger,
		dedup:       NewDedupCache(cfg.DedupCacheCapacity, cfg.DedupAllowedMessageOccurrences),
		saf:         NewSAFStore(cfg.SAFCapacity),
		flood:       rate.NewLimiter(floodLimit, max(cfg.FloodBurst, 1)),
		connected:   make(map[identity.NodeID]struct{}),
		aggressive:  true,
		safLimiters: make(map[identity.NodeID]*rate.Limiter),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// AllowSAFRetrieval reports whether peer may issue another SAF retrieval
// request right now, enforcing SAFRetrievalRatePerSecond/Burst per peer
//. The rpc layer's SAF-retrieval handler calls this before
// serving SAFStore.Retrieve.
func (o *Overlay) AllowSAFRetrieval(peer identity.NodeID) bool {
	o.safMu.Lock()
	lim, ok := o.safLimiters[peer]
	if !ok {
		limit := rate.Limit(o.cfg.SAFRetrievalRatePerSecond)
		if limit <= 0 {
			limit = rate.Inf
		}
		lim = rate.NewLimiter(limit, max(o.cfg.SAFRetrievalBurst, 1))
		o.safLimiters[peer] = lim
	}
	o.safMu.Unlock()
	return lim.Allow()
}

// SAF exposes the store for the RPC layer's SAF retrieval handler.
func (o *Overlay) SAF() *SAFStore { return o.saf }

// Dedup exposes the dedup cache.
func (o *Overlay) Dedup() *DedupCache { return o.dedup }

// SetSend installs the substream-writing function once the pipeline that
// owns substream transmission exists; dht and pipeline otherwise construct
// each other cyclically, so Overlay is built first with a nil SendFunc and wired here.
func (o *Overlay) SetSend(fn SendFunc) { o.send = fn }

// SetSampler installs the peer-sampling function once the rpc client that
// implements it exists, for the same two-phase construction reason as
// SetSend.
func (o *Overlay) SetSampler(fn PeerSampler) { o.sample = fn }

// RoundsCompleted reports the number of discovery rounds run so far, for
// the discovery_rounds_total metric.
func (o *Overlay) RoundsCompleted() int64 { return o.rounds.Load() }

// MarkConnected/MarkDisconnected track which peers currently have a live
// Connection, so broadcast strategies only target reachable peers.
func (o *Overlay) MarkConnected(id identity.NodeID) {
	o.mu.Lock()
	o.connected[id] = struct{}{}
	o.mu.Unlock()
}

func (o *Overlay) MarkDisconnected(id identity.NodeID) {
	o.mu.Lock()
	delete(o.connected, id)
	o.mu.Unlock()
}

func (o *Overlay) connectedPeers() []identity.NodeID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]identity.NodeID, 0, len(o.connected))
	for id := range o.connected {
		out = append(out, id)
	}
	return out
}

func (o *Overlay) isConnected(id identity.NodeID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.connected[id]
	return ok
}

// destinationNodeID extracts the envelope's target NodeId, for the
// strategies that need one (Closest/Propagate/SAF).
func destinationNodeID(h wire.Header) (identity.NodeID, bool) {
	if h.DestKind != wire.DestNodeID || len(h.Destination) != identity.NodeIDLen {
		return identity.NodeID{}, false
	}
	var id identity.NodeID
	copy(id[:], h.Destination)
	return id, true
}

// Route computes the destination peer set for env's MessageType per its
// broadcast strategy and hands each off to send. If every
// candidate destination is unreachable and the local node is among the
// SAF-eligible neighbours of the target, the envelope is offered to the SAF
// store instead.
func (o *Overlay) Route(ctx context.Context, env *wire.Envelope) error {
	targets, err := o.selectTargets(env)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return o.tryStoreAndForward(env)
	}
	var lastErr error
	delivered := 0
	for _, t := range targets {
		if err := o.send(ctx, t, env); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if sErr := o.tryStoreAndForward(env); sErr == nil {
			return nil
		}
		if lastErr != nil {
			return lastErr
		}
		return cerr.New(cerr.NoEligiblePeers, "dht: no reachable destination for envelope")
	}
	return nil
}

func (o *Overlay) tryStoreAndForward(env *wire.Envelope) error {
	dest, ok := destinationNodeID(env.Header)
	if !ok {
		return cerr.New(cerr.NoEligiblePeers, "dht: no eligible peers and no single destination to store for")
	}
	closest := o.peers.ClosestTo(dest, o.cfg.SAFNumNeighbouringNodes, peerstore.Filter{ExcludeBanned: true})
	eligible := false
	for _, p := range closest {
		if p.NodeID == o.self {
			eligible = true
			break
		}
	}
	if len(closest) < o.cfg.SAFNumNeighbouringNodes {
		// Fewer known peers than the SAF neighbourhood size: treat the local
		// node as eligible so small/young networks can still SAF-buffer.
		eligible = true
	}
	if !eligible {
		return cerr.New(cerr.NoEligiblePeers, "dht: not among saf.num_neighbouring_nodes closest to destination")
	}
	return o.saf.Offer(dest, env, o.cfg.SAFDefaultTTL)
}

// selectTargets implements the five broadcast strategies.
func (o *Overlay) selectTargets(env *wire.Envelope) ([]identity.NodeID, error) {
	switch env.Header.MessageType {
	case wire.TypeDirect:
		dest, ok := destinationNodeID(env.Header)
		if !ok {
			return nil, cerr.New(cerr.NoEligiblePeers, "dht: direct message without a NodeId destination")
		}
		if o.isConnected(dest) {
			return []identity.NodeID{dest}, nil
		}
		return nil, nil

	case wire.TypeClosest:
		dest, ok := destinationNodeID(env.Header)
		if !ok {
			return nil, cerr.New(cerr.NoEligiblePeers, "dht: closest routing without a NodeId destination")
		}
		return o.reachableClosestTo(dest, o.cfg.NumNeighbouringNodes), nil

	case wire.TypeBroadcast:
		return o.broadcastSet(), nil

	case wire.TypePropagate:
		dest, ok := destinationNodeID(env.Header)
		if !ok {
			return nil, cerr.New(cerr.NoEligiblePeers, "dht: propagate routing without a NodeId destination")
		}
		return o.propagateSet(dest), nil

	case wire.TypeFlood:
		if !o.flood.Allow() {
			// Drop rather than queue: a flood that arrives late is usually
			// worse than one that never arrives.
			return nil, cerr.New(cerr.NoEligiblePeers, "dht: flood rate limit exceeded")
		}
		return o.connectedPeers(), nil

	case wire.TypeJoin:
		// Join broadcasts via Closest with the joiner itself as the
		// destination, not a flood to every connected neighbour.
		dest, ok := destinationNodeID(env.Header)
		if !ok {
			return nil, cerr.New(cerr.NoEligiblePeers, "dht: join routing without a NodeId destination")
		}
		return o.reachableClosestTo(dest, o.cfg.NumNeighbouringNodes), nil

	default:
		return o.connectedPeers(), nil
	}
}

func (o *Overlay) reachableClosestTo(target identity.NodeID, n int) []identity.NodeID {
	closest := o.peers.ClosestTo(target, n*2, peerstore.Filter{ExcludeBanned: true, ExcludeOffline: true})
	out := make([]identity.NodeID, 0, n)
	for _, p := range closest {
		if !o.isConnected(p.NodeID) {
			continue
		}
		out = append(out, p.NodeID)
		if len(out) >= n {
			break
		}
	}
	return out
}

// broadcastSet picks broadcast_factor peers, half closest-to-origin (self)
// and half random.
func (o *Overlay) broadcastSet() []identity.NodeID {
	half := o.cfg.BroadcastFactor / 2
	closest := o.reachableClosestTo(o.self, half)
	seen := make(map[identity.NodeID]struct{}, len(closest))
	for _, id := range closest {
		seen[id] = struct{}{}
	}
	connected := o.connectedPeers()
	rand.Shuffle(len(connected), func(i, j int) { connected[i], connected[j] = connected[j], connected[i] })
	out := append([]identity.NodeID(nil), closest...)
	for _, id := range connected {
		if len(out) >= o.cfg.BroadcastFactor {
			break
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// propagateSet sends to propagation_factor peers closest to dest, excluding
// the source (self).
func (o *Overlay) propagateSet(dest identity.NodeID) []identity.NodeID {
	closest := o.reachableClosestTo(dest, o.cfg.PropagationFactor+1)
	out := make([]identity.NodeID, 0, o.cfg.PropagationFactor)
	for _, id := range closest {
		if id == o.self {
			continue
		}
		out = append(out, id)
		if len(out) >= o.cfg.PropagationFactor {
			break
		}
	}
	return out
}

// Deliver runs the dedup check for an inbound envelope and reports whether
// it should be delivered/forwarded (false ⇒ silently drop).
func (o *Overlay) Deliver(env *wire.Envelope) bool {
	return o.dedup.Seen(wire.ContentHash(env))
}

// MaintainPools refreshes the in-memory view nothing else needs beyond the
// Peer Store's own ClosestTo/Random, since dht keeps no separate bucket
// table; this hook exists for symmetry with connectivity.RefreshPools and
// to drive discovery's min_desired_peers gate.
func (o *Overlay) MaintainPools() {
	if o.peers.Len() >= o.cfg.MinDesiredPeers {
		o.mu.Lock()
		o.aggressive = false
		o.mu.Unlock()
		return
	}
	o.mu.Lock()
	o.aggressive = true
	o.mu.Unlock()
}

func (o *Overlay) period() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.aggressive {
		return o.cfg.AggressivePeriod
	}
	return o.cfg.IdlePeriod
}

// RunDiscovery drives periodic network_discovery rounds until
// ctx is cancelled.
func (o *Overlay) RunDiscovery(ctx context.Context) {
	if o.sample == nil {
		return
	}
	for {
		o.MaintainPools()
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.period()):
		}
		if err := o.discoveryRound(ctx); err != nil {
			o.log.WithError(err).Debug("discovery round failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.OnFailureIdlePeriod):
			}
		}
	}
}

func (o *Overlay) discoveryRound(ctx context.Context) error {
	o.rounds.Add(1)
	target := o.self
	if rand.Intn(2) == 0 {
		var r identity.NodeID
		_, _ = rand.Read(r[:])
		target = r
	}
	syncPeers := o.peers.Random(o.cfg.MaxSyncPeers, peerstore.Filter{ExcludeBanned: true, ExcludeOffline: true})
	if len(syncPeers) == 0 {
		return cerr.New(cerr.DiscoveryTimedOut, "dht: no peers available to sync with")
	}
	var firstErr error
	for _, p := range syncPeers {
		found, err := o.sample(ctx, p.NodeID, target, o.cfg.MaxPeersToSyncPerRound)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, f := range found {
			_ = o.peers.Upsert(f)
		}
	}
	return firstErr
}

// MaybeJoin broadcasts a Join message (Closest routing, destination=self)
// the first time the connectivity service reports Online, throttled by
// JoinCooldownInterval.
func (o *Overlay) MaybeJoin(ctx context.Context) error {
	if !o.cfg.AutoJoin {
		return nil
	}
	o.mu.Lock()
	if time.Since(o.lastJoinAt) < o.cfg.JoinCooldownInterval {
		o.mu.Unlock()
		return nil
	}
	o.lastJoinAt = time.Now()
	o.mu.Unlock()

	env := &wire.Envelope{Header: wire.Header{
		DestKind:    wire.DestNodeID,
		Destination: o.self[:],
		MessageType: wire.TypeJoin,
		MessageTag:  wire.NewMessageTag(),
	}}
	return o.Route(ctx, env)
}
