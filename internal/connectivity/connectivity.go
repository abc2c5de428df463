// Package connectivity implements the Connectivity Service: it
// tracks per-peer health, periodically refreshes the neighbour and random
// pools, culls connections outside those pools when configured to, and warns
// when the TCPv4:Tor connection ratio drops too low.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"synnergy-comms/internal/connmgr"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
)

// Health is one peer's connection health.
type Health int

const (
	Offline Health = iota
	Retrying
	Online
)

func (h Health) String() string {
	switch h {
	case Online:
		return "online"
	case Retrying:
		return "retrying"
	default:
		return "offline"
	}
}

// State is the service's own overall connectivity state.
type State int

const (
	Initializing State = iota
	StateOnline
	Degraded
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case Degraded:
		return "degraded"
	case StateOffline:
		return "offline"
	default:
		return "initializing"
	}
}

// Event is one of PeerConnected/PeerDisconnected/PeerBanned/
// ConnectivityStateChanged.
type Event struct {
	Kind string // "peer_connected", "peer_disconnected", "peer_banned", "state_changed"
	Peer identity.NodeID
	From State
	To   State
	At   time.Time
}

// EventSink receives Events.
type EventSink func(Event)

// Config mirrors the connectivity.* configuration keys this service reads.
type Config struct {
	NumNeighbouringNodes        int
	NumRandomNodes              int
	RandomPoolRefreshInterval   time.Duration
	MinimizeConnections         bool
	MinimumDesiredTCPv4Ratio    float64
}

func DefaultConfig() Config {
	return Config{
		NumNeighbouringNodes:      8,
		NumRandomNodes:            4,
		RandomPoolRefreshInterval: 2 * time.Minute,
		MinimizeConnections:       false,
		MinimumDesiredTCPv4Ratio:  0.2,
	}
}

// ConnectionClassifier reports whether a live peer's connection is TCPv4, so
// the TCPv4:Tor ratio warning can be computed without connectivity
// depending on transport internals.
type ConnectionClassifier func(identity.NodeID) (isTCPv4 bool, ok bool)

// Service is the Connectivity Service.
type Service struct {
	cfg   Config
	mgr   *connmgr.Manager
	peers *peerstore.Store
	self  identity.NodeID
	clsfy ConnectionClassifier
	log   *logrus.Logger

	mu           sync.RWMutex
	health       map[identity.NodeID]Health
	state        State
	neighbours   map[identity.NodeID]struct{}
	randomPool   map[identity.NodeID]struct{}
	sinks        []EventSink
}

func New(cfg Config, mgr *connmgr.Manager, peers *peerstore.Store, self identity.NodeID, classify ConnectionClassifier, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{
		cfg:        cfg,
		mgr:        mgr,
		peers:      peers,
		self:       self,
		clsfy:      classify,
		log:        logger,
		health:     make(map[identity.NodeID]Health),
		neighbours: make(map[identity.NodeID]struct{}),
		randomPool: make(map[identity.NodeID]struct{}),
		state:      Initializing,
	}
	mgr.Subscribe(s.onConnEvent)
	return s
}

// Subscribe registers an EventSink for connectivity Events.
func (s *Service) Subscribe(sink EventSink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

func (s *Service) emit(ev Event) {
	s.mu.Lock()
	sinks := append([]EventSink(nil), s.sinks...)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink(ev)
	}
}

// Health returns the tracked health of peer, defaulting to Offline.
func (s *Service) Health(peer identity.NodeID) Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[peer]
	if !ok {
		return Offline
	}
	return h
}

func (s *Service) onConnEvent(ev connmgr.ConnectivityEvent) {
	s.mu.Lock()
	switch ev.To {
	case connmgr.Ready:
		s.health[ev.Peer] = Online
	case connmgr.Closed, connmgr.Draining:
		s.health[ev.Peer] = Offline
	}
	s.mu.Unlock()

	switch ev.To {
	case connmgr.Ready:
		s.emit(Event{Kind: "peer_connected", Peer: ev.Peer, At: ev.At})
		s.transitionIfNeeded()
	case connmgr.Closed:
		s.emit(Event{Kind: "peer_disconnected", Peer: ev.Peer, At: ev.At})
		s.transitionIfNeeded()
	}
}

func (s *Service) onlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, h := range s.health {
		if h == Online {
			n++
		}
	}
	return n
}

// transitionIfNeeded recomputes the overall ConnectivityState and emits
// ConnectivityStateChanged if it moved.
func (s *Service) transitionIfNeeded() {
	online := s.onlineCount()
	s.mu.Lock()
	from := s.state
	var to State
	switch {
	case online == 0:
		to = StateOffline
	case online < s.cfg.NumNeighbouringNodes/2:
		to = Degraded
	default:
		to = StateOnline
	}
	s.state = to
	s.mu.Unlock()

	if to != from {
		s.emit(Event{Kind: "state_changed", From: from, To: to, At: time.Now()})
	}
}

// RefreshPools recomputes the neighbour pool (k closest live peers by XOR
// distance) and the random pool, then culls anything outside their union
// when MinimizeConnections is set.
func (s *Service) RefreshPools() {
	closest := s.peers.ClosestTo(s.self, s.cfg.NumNeighbouringNodes, peerstore.Filter{ExcludeBanned: true, ExcludeOffline: true})
	random := s.peers.Random(s.cfg.NumRandomNodes, peerstore.Filter{ExcludeBanned: true, ExcludeOffline: true})

	s.mu.Lock()
	s.neighbours = make(map[identity.NodeID]struct{}, len(closest))
	for _, p := range closest {
		s.neighbours[p.NodeID] = struct{}{}
	}
	s.randomPool = make(map[identity.NodeID]struct{}, len(random))
	for _, p := range random {
		s.randomPool[p.NodeID] = struct{}{}
	}
	union := make(map[identity.NodeID]struct{}, len(s.neighbours)+len(s.randomPool))
	for id := range s.neighbours {
		union[id] = struct{}{}
	}
	for id := range s.randomPool {
		union[id] = struct{}{}
	}
	minimize := s.cfg.MinimizeConnections
	s.mu.Unlock()

	if !minimize {
		return
	}
	for id, h := range s.snapshotHealth() {
		if h != Online {
			continue
		}
		if _, keep := union[id]; !keep {
			s.mgr.Disconnect(id, "outside neighbour/random pool, minimize_connections enabled")
		}
	}
}

func (s *Service) snapshotHealth() map[identity.NodeID]Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[identity.NodeID]Health, len(s.health))
	for k, v := range s.health {
		cp[k] = v
	}
	return cp
}

// checkTCPv4Ratio warns when the live TCPv4:Tor connection ratio falls below
// MinimumDesiredTCPv4Ratio. Peers whose transport can't be
// classified are excluded from both sides of the ratio.
func (s *Service) checkTCPv4Ratio() {
	if s.clsfy == nil {
		return
	}
	var tcp, tor int
	for id, h := range s.snapshotHealth() {
		if h != Online {
			continue
		}
		isTCP, ok := s.clsfy(id)
		if !ok {
			continue
		}
		if isTCP {
			tcp++
		} else {
			tor++
		}
	}
	total := tcp + tor
	if total == 0 {
		return
	}
	ratio := float64(tcp) / float64(total)
	if ratio < s.cfg.MinimumDesiredTCPv4Ratio {
		s.log.WithFields(logrus.Fields{"tcp": tcp, "tor": tor, "ratio": ratio}).
			Warn("tcpv4 connection ratio below minimum_desired_tcpv4_ratio")
	}
}

// Run drives periodic pool refresh and the ratio check until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	if s.cfg.RandomPoolRefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RandomPoolRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshPools()
			s.checkTCPv4Ratio()
		}
	}
}
