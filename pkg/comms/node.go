// Package comms is the public facade: it wires identity, the peer store,
// the transport registry, the connection manager, the connectivity service,
// the DHT overlay, the message pipeline and the RPC layer into one runnable
// Node, behind one constructor rather than leaving callers to hand-wire
// internals.
package comms

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/connectivity"
	"synnergy-comms/internal/connmgr"
	"synnergy-comms/internal/dht"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/peerstore"
	"synnergy-comms/internal/pipeline"
	"synnergy-comms/internal/rpc"
	"synnergy-comms/internal/transport"
	"synnergy-comms/internal/wire"
	"synnergy-comms/pkg/config"
	"synnergy-comms/pkg/metrics"
)

// protoMessage is the substream protocol id message-pipeline substreams
// are opened under; RPC substreams use internal/rpc's own
// protocol id. Neither name ever crosses the wire itself — see
// wire.SubstreamKind* for how an accepting peer actually tells them apart.
const protoMessage = "/synnergy-comms/msg/1.0.0"

// Node is a fully wired comms substrate instance: one identity, one Peer
// Store, one Connection Table, one DHT overlay.
type Node struct {
	cfg   *config.Config
	local *identity.Keypair
	log   *logrus.Logger
	stats *metrics.Registry

	peers        *peerstore.Store
	registry     *transport.Registry
	connMgr      *connmgr.Manager
	connectivity *connectivity.Service
	overlay      *dht.Overlay
	pipeline     *pipeline.Pipeline
	rpcClient    *rpc.Client
	rpcServer    *rpc.Server

	listeners []transport.Listener

	bgCtx    context.Context
	cancelBg context.CancelFunc
	subWG    sync.WaitGroup
	closeOnce sync.Once

	dispatchMu sync.RWMutex
	dispatch   pipeline.Dispatcher
}

// Options bundles the optional construction-time dependencies that aren't
// read off cfg: a logger and a prometheus registerer. The node's identity is
// passed to New separately (key custody belongs to the caller).
type Options struct {
	Logger           *logrus.Logger
	MetricsRegisterer prometheus.Registerer
}

// New builds a Node from cfg and local and opens its listeners, but does not
// start any background loop (accepting included); call Run to do that.
func New(cfg *config.Config, local *identity.Keypair, opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	stats := metrics.New(opts.MetricsRegisterer)

	dbPath := filepath.Join(cfg.Node.DataDir, "peers.db")
	peers, err := peerstore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("comms: open peer store: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		peers.Close()
		return nil, err
	}

	connLimits := connmgr.Limits{
		MaxSubstreamsPerPeer:  cfg.ConnMgr.MaxSubstreamsPerPeer,
		MaxSubstreamsGlobal:   cfg.ConnMgr.MaxSubstreamsGlobal,
		CullOldestOnFull:      cfg.ConnMgr.CullOldestOnFull,
		LivenessCheckInterval: cfg.ConnMgr.LivenessCheckInterval,
		BackoffBase:           cfg.ConnMgr.BackoffBase,
		BackoffMax:            cfg.ConnMgr.BackoffMax,
	}
	connMgr := connmgr.New(local, registry, peers, connLimits, logger)

	bgCtx, cancelBg := context.WithCancel(context.Background())

	n := &Node{
		cfg:      cfg,
		local:    local,
		log:      logger,
		stats:    stats,
		peers:    peers,
		registry: registry,
		connMgr:  connMgr,
		bgCtx:    bgCtx,
		cancelBg: cancelBg,
	}

	n.connectivity = connectivity.New(connectivity.Config{
		NumNeighbouringNodes:      cfg.Connectivity.NumNeighbouringNodes,
		NumRandomNodes:            cfg.Connectivity.NumRandomNodes,
		RandomPoolRefreshInterval: cfg.Connectivity.RandomPoolRefreshInterval,
		MinimizeConnections:       cfg.Connectivity.MinimizeConnections,
		MinimumDesiredTCPv4Ratio:  cfg.Connectivity.MinimumDesiredTCPv4Ratio,
	}, connMgr, peers, local.NodeID, n.classifyConnection, logger)
	n.connectivity.Subscribe(n.onConnectivityEvent)

	dhtCfg := dht.Config{
		NumNeighbouringNodes:           cfg.DHT.NumNeighbouringNodes,
		NumRandomNodes:                 cfg.DHT.NumRandomNodes,
		BroadcastFactor:                cfg.DHT.BroadcastFactor,
		PropagationFactor:              cfg.DHT.PropagationFactor,
		SAFNumNeighbouringNodes:        cfg.DHT.SAFNumNeighbouringNodes,
		SAFMaxReturnedMessages:         cfg.DHT.SAFMaxReturnedMessages,
		SAFMaxInflightAge:              cfg.DHT.SAFMaxInflightAge,
		SAFCapacity:                    cfg.DHT.SAFCapacity,
		SAFDefaultTTL:                  cfg.DHT.SAFDefaultTTL,
		MaxSyncPeers:                   cfg.DHT.MaxSyncPeers,
		MaxPeersToSyncPerRound:         cfg.DHT.MaxPeersToSyncPerRound,
		MinDesiredPeers:                cfg.DHT.MinDesiredPeers,
		IdlePeriod:                     cfg.DHT.IdlePeriod,
		AggressivePeriod:               cfg.DHT.AggressivePeriod,
		OnFailureIdlePeriod:            cfg.DHT.OnFailureIdlePeriod,
		AutoJoin:                       cfg.DHT.AutoJoin,
		JoinCooldownInterval:           cfg.DHT.JoinCooldownInterval,
		DedupCacheCapacity:             cfg.DHT.DedupCacheCapacity,
		DedupAllowedMessageOccurrences: cfg.DHT.DedupAllowedMessageOccurrences,
		DedupCacheTrimInterval:         cfg.DHT.DedupCacheTrimInterval,
		FloodRatePerSecond:             cfg.DHT.FloodRatePerSecond,
		FloodBurst:                     cfg.DHT.FloodBurst,
		SAFRetrievalRatePerSecond:      cfg.DHT.SAFRetrievalRatePerSecond,
		SAFRetrievalBurst:              cfg.DHT.SAFRetrievalBurst,
	}
	// Overlay and Pipeline construct each other cyclically (overlay routes by
	// calling back into the pipeline to write a substream; the pipeline
	// routes by calling into the overlay). Built in two phases and spliced
	// together with SetSend/SetSampler below.
	overlay := dht.New(dhtCfg, local.NodeID, peers, nil, nil, logger)
	n.overlay = overlay

	pipelineCfg := pipeline.Config{
		MaxConcurrentInboundTasks:  cfg.Pipeline.MaxConcurrentInboundTasks,
		MaxConcurrentOutboundTasks: cfg.Pipeline.MaxConcurrentOutboundTasks,
		MisbehaviourBanThreshold:   cfg.Pipeline.MisbehaviourBanThreshold,
		BanDurationShort:           cfg.Pipeline.BanDurationShort,
		BanDuration:                cfg.Pipeline.BanDuration,
	}
	n.pipeline = pipeline.New(pipelineCfg, local, connMgr, overlay, peers, n.internalDispatch, logger)

	overlay.SetSend(func(ctx context.Context, peer identity.NodeID, env *wire.Envelope) error {
		return n.pipeline.WriteEnvelope(ctx, peer, protoMessage, env)
	})

	rpcLimits := rpc.Limits{
		MaxSessionsPerPeer:      cfg.RPC.MaxSessionsPerPeer,
		MaxSimultaneousSessions: cfg.RPC.MaxSimultaneousSessions,
		RequestTimeout:          cfg.RPC.RequestTimeout,
	}
	n.rpcClient = rpc.NewClient(connMgr, rpcLimits)
	overlay.SetSampler(n.peerSampler())

	n.rpcServer = rpc.NewServer()
	n.rpcServer.Register(rpc.MethodPeerSample, n.handlePeerSample)
	n.rpcServer.Register(rpc.MethodSAFRetrieval, n.handleSAFRetrieval)

	connMgr.Subscribe(n.onConnEvent)

	if err := n.openListeners(); err != nil {
		peers.Close()
		cancelBg()
		return nil, err
	}

	return n, nil
}

// buildRegistry assembles the transport.Registry from cfg:
// TCP is always available; SOCKS5/Tor are added when their proxy addresses
// are configured, and the in-memory transport is added only under
// allow_test_addresses, so test-only plumbing stays behind an explicit
// flag rather than environment sniffing.
func buildRegistry(cfg *config.Config) (*transport.Registry, error) {
	tcp := transport.NewTCP(0)
	variants := []transport.Transport{tcp}

	var bypass []ma.Multiaddr
	for _, raw := range cfg.Dial.ProxyBypassAddresses {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			return nil, fmt.Errorf("comms: parse proxy_bypass_addresses entry %q: %w", raw, err)
		}
		bypass = append(bypass, addr)
	}

	if cfg.Dial.SOCKS5ProxyAddr != "" {
		variants = append(variants, transport.NewSOCKS5(cfg.Dial.SOCKS5ProxyAddr))
	}
	if cfg.Dial.TorSOCKSProxyAddr != "" {
		variants = append(variants, transport.NewTor(cfg.Dial.TorSOCKSProxyAddr))
	}
	if cfg.Node.AllowTestAddrs {
		variants = append(variants, transport.DefaultMemory())
	}

	reg := transport.NewRegistry(tcp, bypass, variants...)
	if len(cfg.Dial.ExcludedAddresses) > 0 {
		reg.SetExcluded(transport.NewAddressFilter(cfg.Dial.ExcludedAddresses))
	}
	return reg, nil
}

func (n *Node) openListeners() error {
	for _, raw := range n.cfg.Node.ListenAddrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			return fmt.Errorf("comms: parse listen address %q: %w", raw, err)
		}
		ln, err := n.registry.Listen(addr)
		if err != nil {
			return fmt.Errorf("comms: listen on %q: %w", raw, err)
		}
		n.listeners = append(n.listeners, ln)
	}
	return nil
}

// classifyConnection backs connectivity's TCPv4:Tor ratio check
// from the best multiaddress on record for the peer, since connmgr.Conn
// itself carries no transport tag.
func (n *Node) classifyConnection(id identity.NodeID) (bool, bool) {
	conn, ok := n.connMgr.Lookup(id)
	if !ok {
		return false, false
	}
	p, ok := n.peers.Get(conn.PublicKey.Bytes())
	if !ok || len(p.Addresses) == 0 {
		return false, false
	}
	addr, err := ma.NewMultiaddr(p.Addresses[0].Multiaddr)
	if err != nil {
		return false, false
	}
	return transport.MatchesTCP(addr), true
}

func (n *Node) onConnectivityEvent(ev connectivity.Event) {
	if ev.Kind == "state_changed" && ev.To == connectivity.StateOnline {
		go func() {
			if err := n.overlay.MaybeJoin(n.bgCtx); err != nil {
				n.log.WithError(err).Debug("join broadcast failed")
			}
		}()
	}
}

func (n *Node) onConnEvent(ev connmgr.ConnectivityEvent) {
	switch ev.To {
	case connmgr.Ready:
		n.overlay.MarkConnected(ev.Peer)
		if n.stats != nil {
			n.stats.ConnectionsTotal.WithLabelValues(dirLabel(ev.Dir), "ready").Inc()
			n.stats.ConnectionsActive.Inc()
		}
		if conn, ok := n.connMgr.Lookup(ev.Peer); ok {
			if _, known := n.peers.Get(conn.PublicKey.Bytes()); known {
				_ = n.peers.ClearOffline(conn.PublicKey.Bytes())
			}
			n.subWG.Add(1)
			go n.serveSubstreams(n.bgCtx, conn)
		}
	case connmgr.Closed, connmgr.Draining:
		n.overlay.MarkDisconnected(ev.Peer)
		if n.stats != nil {
			n.stats.ConnectionsActive.Dec()
		}
	}
}

func dirLabel(d connmgr.Direction) string {
	if d == connmgr.Inbound {
		return "inbound"
	}
	return "outbound"
}

func msgTypeLabel(t wire.MessageType) string {
	switch t {
	case wire.TypeDirect:
		return "direct"
	case wire.TypeClosest:
		return "closest"
	case wire.TypeBroadcast:
		return "broadcast"
	case wire.TypePropagate:
		return "propagate"
	case wire.TypeFlood:
		return "flood"
	case wire.TypeJoin:
		return "join"
	case wire.TypeSAFRequest:
		return "saf_request"
	case wire.TypeSAFResponse:
		return "saf_response"
	default:
		return "unknown"
	}
}

// internalDispatch is the pipeline.Dispatcher every inbound envelope passes
// through before reaching whatever the application registered via
// SetDispatcher.
func (n *Node) internalDispatch(from identity.NodeID, env *wire.Envelope) {
	if n.stats != nil {
		n.stats.MessagesRecvTotal.WithLabelValues(msgTypeLabel(env.Header.MessageType)).Inc()
	}
	n.dispatchMu.RLock()
	d := n.dispatch
	n.dispatchMu.RUnlock()
	if d != nil {
		d(from, env)
	}
}

// SetDispatcher registers the application-level handler for inbound
// envelopes. Safe to call at any time; takes effect on the next delivery.
func (n *Node) SetDispatcher(d pipeline.Dispatcher) {
	n.dispatchMu.Lock()
	n.dispatch = d
	n.dispatchMu.Unlock()
}

// Run starts every background loop (accept loops, liveness probing,
// connectivity pool refresh, DHT discovery, SAF/dedup maintenance) and
// blocks until ctx is cancelled or one of them fails. Every loop
// shares gctx via errgroup, so one failure tears down the rest.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, ln := range n.listeners {
		ln := ln
		g.Go(func() error {
			n.connMgr.AcceptLoop(gctx, ln, nil)
			return gctx.Err()
		})
	}
	g.Go(func() error { n.connMgr.Liveness(gctx); return gctx.Err() })
	g.Go(func() error { n.connectivity.Run(gctx); return gctx.Err() })
	g.Go(func() error { n.overlay.RunDiscovery(gctx); return gctx.Err() })
	g.Go(func() error { return n.runMaintenance(gctx) })

	err := g.Wait()
	n.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runMaintenance periodically sweeps SAF/dedup state and syncs gauges into
// the metrics registry.
func (n *Node) runMaintenance(ctx context.Context) error {
	interval := n.cfg.DHT.DedupCacheTrimInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastRounds int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.overlay.Dedup().Trim(interval)
			n.overlay.SAF().ExpireOnce()
			if n.stats != nil {
				n.stats.DedupCacheSize.Set(float64(n.overlay.Dedup().Len()))
				n.stats.SAFOccupancy.Set(float64(n.overlay.SAF().Len()))
				n.stats.PeerStoreSize.Set(float64(n.peers.Len()))
				rounds := n.overlay.RoundsCompleted()
				if delta := rounds - lastRounds; delta > 0 {
					n.stats.DiscoveryRounds.Add(float64(delta))
				}
				lastRounds = rounds
			}
		}
	}
}

// Close tears down every listener and connection and releases the peer
// store. Idempotent.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancelBg()
		for _, ln := range n.listeners {
			ln.Close()
		}
		n.connMgr.CloseAll("node shutting down")
		n.subWG.Wait()
		err = n.peers.Close()
	})
	return err
}

// Identity returns the node's long-term keypair.
func (n *Node) Identity() *identity.Keypair { return n.local }

// PeerStore exposes the durable Peer Store for CLI/inspection use.
func (n *Node) PeerStore() *peerstore.Store { return n.peers }

// Connectivity exposes the Connectivity Service for status reporting.
func (n *Node) Connectivity() *connectivity.Service { return n.connectivity }

// Overlay exposes the DHT overlay for status reporting and manual routing.
func (n *Node) Overlay() *dht.Overlay { return n.overlay }

// Metrics exposes the prometheus registry this Node reports into.
func (n *Node) Metrics() *metrics.Registry { return n.stats }

// ListenAddrs returns the bound multiaddress for every open listener.
func (n *Node) ListenAddrs() []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(n.listeners))
	for _, ln := range n.listeners {
		out = append(out, ln.Multiaddr())
	}
	return out
}

// DialPeer establishes (or reuses) a connection to remote at addr,
// recording dial failures by cerr.Kind in the metrics registry.
func (n *Node) DialPeer(ctx context.Context, remote identity.NodeID, publicKey []byte, addr ma.Multiaddr) (*connmgr.Conn, error) {
	conn, err := n.connMgr.Dial(ctx, remote, publicKey, addr)
	if err != nil {
		if n.stats != nil {
			n.stats.DialFailuresTotal.WithLabelValues(kindOf(err).String()).Inc()
		}
		if cerr.OfKind(err, cerr.DialFailure) || cerr.OfKind(err, cerr.Timeout) {
			if _, known := n.peers.Get(publicKey); known {
				_ = n.peers.MarkOffline(publicKey)
			}
		}
		return nil, err
	}
	return conn, nil
}

func kindOf(err error) cerr.Kind {
	var ce *cerr.Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return cerr.Unknown
}

// BanPeer bans publicKey for duration and disconnects any live connection
// to it, recording the ban reason in the metrics registry.
func (n *Node) BanPeer(publicKey []byte, duration time.Duration, reason string) error {
	if n.stats != nil {
		n.stats.BansTotal.WithLabelValues(reason).Inc()
	}
	if p, ok := n.peers.Get(publicKey); ok {
		n.connMgr.Disconnect(p.NodeID, "banned: "+reason)
	}
	return n.peers.Ban(publicKey, duration, reason)
}

// Send runs the outbound Message Pipeline for req.
func (n *Node) Send(ctx context.Context, req pipeline.OutboundRequest) error {
	err := n.pipeline.Send(ctx, req)
	if err == nil && n.stats != nil {
		n.stats.MessagesSentTotal.WithLabelValues(msgTypeLabel(req.MessageType)).Inc()
	}
	return err
}
