// Package connmgr is the connection lifecycle orchestrator:
// dial, accept, handshake, dial-deduplication, the simultaneous-dial
// tie-break, per-peer backoff, substream caps, liveness probing and ban
// enforcement. It owns the one mutable Connection Table the rest of the
// substrate is allowed to read only through request/response calls.
package connmgr

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/mux"
	"synnergy-comms/internal/noiseconn"
	"synnergy-comms/internal/peerstore"
	"synnergy-comms/internal/transport"
)

// State is a Connection's lifecycle stage.
type State int

const (
	Dialing State = iota
	Handshaking
	Ready
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction of a Connection.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// Conn is the live handle for one established peer connection.
type Conn struct {
	Remote        identity.NodeID
	PublicKey     identity.PublicKey
	Dir           Direction
	EstablishedAt time.Time

	mu    sync.RWMutex
	state State
	sess  *mux.Session

	subMu sync.Mutex
	subs  []*mux.Substream // ordered oldest-first, for LRU culling
}

// trackSubstream appends st to the peer's LRU list and arranges for it to
// deregister itself on Close.
func (c *Conn) trackSubstream(st *mux.Substream) {
	c.subMu.Lock()
	c.subs = append(c.subs, st)
	c.subMu.Unlock()
	st.OnClose(func() {
		c.subMu.Lock()
		for i, s := range c.subs {
			if s == st {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.subMu.Unlock()
	})
}

// oldestSubstream returns (and untracks) the least-recently-opened tracked
// substream to this peer, for cull_oldest_peer_rpc_connection_on_full.
func (c *Conn) oldestSubstream() *mux.Substream {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	oldest := c.subs[0]
	c.subs = c.subs[1:]
	return oldest
}

func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// OpenSubstream opens a protocol substream over this connection.
func (c *Conn) OpenSubstream(ctx context.Context, protocol string) (*mux.Substream, error) {
	if c.State() != Ready {
		return nil, cerr.New(cerr.ConnClosed, "connmgr: connection not ready")
	}
	st, err := c.sess.OpenStream(ctx, protocol)
	if err != nil {
		return nil, err
	}
	c.trackSubstream(st)
	return st, nil
}

// AcceptSubstream blocks until the remote peer opens a new substream on this
// connection or ctx is cancelled. The facade layer (pkg/comms) runs one of
// these loops per Ready connection to demultiplex inbound substreams.
func (c *Conn) AcceptSubstream(ctx context.Context) (*mux.Substream, error) {
	if c.State() != Ready {
		return nil, cerr.New(cerr.ConnClosed, "connmgr: connection not ready")
	}
	st, err := c.sess.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	c.trackSubstream(st)
	return st, nil
}

func (c *Conn) NumSubstreams() int { return c.sess.NumStreams() }

func (c *Conn) close(reason string) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
}

// ConnectivityEvent is emitted on every state transition.
type ConnectivityEvent struct {
	Peer   identity.NodeID
	Dir    Direction
	From   State
	To     State
	Reason string
	At     time.Time
}

// EventSink receives ConnectivityEvents; the Connectivity Service is the
// canonical subscriber.
type EventSink func(ConnectivityEvent)

// Limits mirrors the conn_mgr.* configuration keys.
type Limits struct {
	MaxSubstreamsPerPeer      int64
	MaxSubstreamsGlobal       int64
	CullOldestOnFull          bool
	LivenessCheckInterval     time.Duration
	BackoffBase               time.Duration
	BackoffMax                time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxSubstreamsPerPeer:  32,
		MaxSubstreamsGlobal:   2048,
		CullOldestOnFull:      true,
		LivenessCheckInterval: 30 * time.Second,
		BackoffBase:           500 * time.Millisecond,
		BackoffMax:            2 * time.Minute,
	}
}

// Manager owns the Connection Table and the dial queue.
type Manager struct {
	local  *identity.Keypair
	reg    *transport.Registry
	peers  *peerstore.Store
	limits Limits
	log    *logrus.Logger

	globalSem *semaphore.Weighted

	mu         sync.Mutex
	table      map[identity.NodeID]*Conn
	inflight   map[identity.NodeID]*dialCall
	backoff    map[identity.NodeID]*backoffState
	sinks      []EventSink
}

type dialCall struct {
	done chan struct{}
	conn *Conn
	err  error
}

type backoffState struct {
	attempts int
	until    time.Time
}

// New creates a Manager. If logger is nil, logrus.StandardLogger() is used,
// the same default every long-lived service in this repo uses.
func New(local *identity.Keypair, reg *transport.Registry, peers *peerstore.Store, limits Limits, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		local:     local,
		reg:       reg,
		peers:     peers,
		limits:    limits,
		log:       logger,
		globalSem: semaphore.NewWeighted(limits.MaxSubstreamsGlobal),
		table:     make(map[identity.NodeID]*Conn),
		inflight:  make(map[identity.NodeID]*dialCall),
		backoff:   make(map[identity.NodeID]*backoffState),
	}
}

// Subscribe registers an EventSink for ConnectivityEvents.
func (m *Manager) Subscribe(sink EventSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

func (m *Manager) emit(ev ConnectivityEvent) {
	m.mu.Lock()
	sinks := append([]EventSink(nil), m.sinks...)
	m.mu.Unlock()
	for _, s := range sinks {
		s(ev)
	}
}

// Lookup returns the live Ready connection to remote, if any.
func (m *Manager) Lookup(remote identity.NodeID) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.table[remote]
	return c, ok
}

// recordPeer upserts a minimal durable record for a peer we just completed
// a handshake with, so a connected peer is always present in the store: ban
// enforcement, offline bookkeeping and store-derived queries all key off
// that record. An already-known peer keeps its record; an outbound dial
// contributes the address we reached it at.
func (m *Manager) recordPeer(remote identity.NodeID, pubKey identity.PublicKey, dir Direction, addr ma.Multiaddr) {
	pub := pubKey.Bytes()
	if _, known := m.peers.Get(pub); known {
		return
	}
	p := &peerstore.Peer{PublicKey: pub, NodeID: remote}
	if addr != nil {
		source := "dial"
		if dir == Inbound {
			source = "incoming"
		}
		p.Addresses = []peerstore.Address{{Multiaddr: addr.String(), Source: source, LastSeen: time.Now()}}
	}
	if err := m.peers.Upsert(p); err != nil {
		m.log.WithError(err).WithField("peer", remote.String()).Warn("failed to record connected peer")
	}
}

func (m *Manager) isBanned(publicKey []byte) bool {
	p, ok := m.peers.Get(publicKey)
	if !ok {
		return false
	}
	return p.IsBanned(time.Now())
}

// Dial connects to the peer at addr with expected identity remote,
// deduplicating concurrent dials to the same peer.
func (m *Manager) Dial(ctx context.Context, remote identity.NodeID, publicKey []byte, addr ma.Multiaddr) (*Conn, error) {
	if m.isBanned(publicKey) {
		return nil, cerr.New(cerr.PeerBanned, "connmgr: dial target is banned").WithPeer(remote.String())
	}

	m.mu.Lock()
	if existing, ok := m.table[remote]; ok && existing.State() == Ready {
		m.mu.Unlock()
		return existing, nil
	}
	if call, ok := m.inflight[remote]; ok {
		m.mu.Unlock()
		<-call.done
		return call.conn, call.err
	}
	if bo, ok := m.backoff[remote]; ok && time.Now().Before(bo.until) {
		m.mu.Unlock()
		return nil, cerr.New(cerr.DialFailure, "connmgr: peer in backoff window").WithPeer(remote.String())
	}
	call := &dialCall{done: make(chan struct{})}
	m.inflight[remote] = call
	m.mu.Unlock()

	conn, err := m.doDial(ctx, remote, addr)
	call.conn, call.err = conn, err
	close(call.done)

	m.mu.Lock()
	delete(m.inflight, remote)
	m.mu.Unlock()

	if err != nil {
		m.recordFailure(remote)
	} else {
		m.recordSuccess(remote)
	}
	return conn, err
}

func (m *Manager) doDial(ctx context.Context, remote identity.NodeID, addr ma.Multiaddr) (*Conn, error) {
	raw, err := m.reg.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	ns, err := noiseconn.Dial(ctx, raw, noiseconn.DialConfig{Local: m.local, ExpectedNode: remote})
	if err != nil {
		raw.Close()
		return nil, err
	}
	session, err := mux.NewInitiator(ns, mux.Config{KeepAlive: true})
	if err != nil {
		ns.Close()
		return nil, err
	}
	return m.admit(ns.RemoteNodeID(), ns.RemotePublicKey(), Outbound, session, addr)
}

// Accept completes the responder side of a new inbound raw stream: Noise
// accept, yamux server session, tie-break against any existing connection,
// and admission into the table.
func (m *Manager) Accept(ctx context.Context, raw transport.Stream) (*Conn, error) {
	ns, err := noiseconn.Accept(ctx, raw, noiseconn.AcceptConfig{Local: m.local})
	if err != nil {
		raw.Close()
		return nil, err
	}
	if m.isBanned(ns.RemotePublicKey().Bytes()) {
		ns.Close()
		return nil, cerr.New(cerr.PeerBanned, "connmgr: inbound from banned peer").WithPeer(ns.RemoteNodeID().String())
	}
	session, err := mux.NewResponder(ns, mux.Config{KeepAlive: true})
	if err != nil {
		ns.Close()
		return nil, err
	}
	// Best effort: the observed remote address is recorded when it has a
	// multiaddr form (in-memory pipe addresses don't).
	var observed ma.Multiaddr
	if a, err := manet.FromNetAddr(ns.RemoteAddr()); err == nil {
		observed = a
	}
	return m.admit(ns.RemoteNodeID(), ns.RemotePublicKey(), Inbound, session, observed)
}

// admit records the peer durably, applies the simultaneous-dial tie-break,
// and installs the winning Connection into the table. The durable record is
// what makes a connected-but-never-discovered peer bannable: every store
// query (ban checks included) keys off it.
func (m *Manager) admit(remote identity.NodeID, pubKey identity.PublicKey, dir Direction, session *mux.Session, addr ma.Multiaddr) (*Conn, error) {
	m.recordPeer(remote, pubKey, dir, addr)

	conn := &Conn{Remote: remote, PublicKey: pubKey, Dir: dir, EstablishedAt: time.Now(), state: Handshaking, sess: session}

	m.mu.Lock()
	existing, ok := m.table[remote]
	if ok && existing.State() == Ready {
		weAreLess := identity.Less(m.local.NodeID, remote)
		// The initiator with the numerically smaller local NodeId wins.
		winnerIsNew := (dir == Outbound && weAreLess) || (existing.Dir == Outbound && !weAreLess)
		if !winnerIsNew {
			m.mu.Unlock()
			conn.close("duplicate connection, existing wins")
			return existing, cerr.New(cerr.DuplicateConnection, "connmgr: losing simultaneous dial").WithPeer(remote.String())
		}
		old := existing
		m.table[remote] = conn
		m.mu.Unlock()
		old.close("duplicate connection, superseded")
		conn.setState(Ready)
		m.emit(ConnectivityEvent{Peer: remote, Dir: dir, From: Handshaking, To: Ready, Reason: "tie-break winner", At: time.Now()})
		return conn, nil
	}
	m.table[remote] = conn
	m.mu.Unlock()
	conn.setState(Ready)
	m.emit(ConnectivityEvent{Peer: remote, Dir: dir, From: Handshaking, To: Ready, At: time.Now()})
	return conn, nil
}

// CloseAll drains and closes every live connection on shutdown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	remotes := make([]identity.NodeID, 0, len(m.table))
	for id := range m.table {
		remotes = append(remotes, id)
	}
	m.mu.Unlock()
	for _, id := range remotes {
		m.Disconnect(id, reason)
	}
}

// Disconnect tears down the connection to peer with the given reason.
func (m *Manager) Disconnect(remote identity.NodeID, reason string) {
	m.mu.Lock()
	conn, ok := m.table[remote]
	if ok {
		delete(m.table, remote)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	conn.setState(Draining)
	conn.close(reason)
	m.emit(ConnectivityEvent{Peer: remote, Dir: conn.Dir, From: Draining, To: Closed, Reason: reason, At: time.Now()})
}

// AcquireSubstreamSlot enforces the per-peer and global substream caps
//. Returns TooManySessions if full and culling is
// disabled.
func (m *Manager) AcquireSubstreamSlot(ctx context.Context, conn *Conn) error {
	if int64(conn.NumSubstreams()) >= m.limits.MaxSubstreamsPerPeer {
		if !m.limits.CullOldestOnFull {
			return cerr.New(cerr.TooManySessions, "connmgr: per-peer substream cap reached").WithPeer(conn.Remote.String())
		}
		if oldest := conn.oldestSubstream(); oldest != nil {
			m.log.WithField("peer", conn.Remote.String()).Warn("culling oldest substream to make room")
			_ = oldest.Close()
		}
	}
	if err := m.globalSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("connmgr: acquire global substream slot: %w", err)
	}
	return nil
}

// ReleaseSubstreamSlot returns a global substream slot acquired above.
func (m *Manager) ReleaseSubstreamSlot() { m.globalSem.Release(1) }

func (m *Manager) recordFailure(remote identity.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bo, ok := m.backoff[remote]
	if !ok {
		bo = &backoffState{}
		m.backoff[remote] = bo
	}
	bo.attempts++
	delay := m.limits.BackoffBase * time.Duration(1<<min(bo.attempts, 10))
	if delay > m.limits.BackoffMax {
		delay = m.limits.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4 + 1))
	bo.until = time.Now().Add(delay + jitter)
}

func (m *Manager) recordSuccess(remote identity.NodeID) {
	m.mu.Lock()
	delete(m.backoff, remote)
	m.mu.Unlock()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// AcceptLoop serves inbound connections from ln until ctx is cancelled
//.
func (m *Manager) AcceptLoop(ctx context.Context, ln transport.Listener, onReady func(*Conn)) {
	for {
		raw, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || cerr.OfKind(err, cerr.ConnClosed) {
				return
			}
			m.log.WithError(err).Warn("accept failed")
			continue
		}
		go func() {
			conn, err := m.Accept(ctx, raw)
			if err != nil {
				m.log.WithError(err).Debug("inbound handshake failed")
				return
			}
			if onReady != nil {
				onReady(conn)
			}
		}()
	}
}

// Liveness runs the optional keepalive prober.
func (m *Manager) Liveness(ctx context.Context) {
	if m.limits.LivenessCheckInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.limits.LivenessCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			dead := make([]identity.NodeID, 0)
			for id, c := range m.table {
				if c.sess.IsClosed() {
					dead = append(dead, id)
				}
			}
			m.mu.Unlock()
			for _, id := range dead {
				m.Disconnect(id, "liveness probe failed")
			}
		}
	}
}
