// Package peerstore implements the durable Peer Store: a
// memory-mapped key-value file keyed by public-key bytes, with write-ahead
// commits per mutation. Reads are served from an
// in-memory mirror kept consistent with the log via single-writer/
// multi-reader discipline.
package peerstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/identity"
)

var bucketPeers = []byte("peers")

// Address is one known multiaddress for a peer, annotated with provenance
// and quality bookkeeping.
type Address struct {
	Multiaddr string    `json:"multiaddr"`
	Source    string    `json:"source"` // "seed", "discovery", "incoming", ...
	LastSeen  time.Time `json:"last_seen"`
	Failures  int       `json:"failures"`
	Quality   float64   `json:"quality"`
}

// Ban records why and until when a peer is banned.
type Ban struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

// Peer is the durable record keyed by public key.
type Peer struct {
	PublicKey    []byte           `json:"public_key"`
	NodeID       identity.NodeID  `json:"node_id"`
	Addresses    []Address        `json:"addresses"`
	Features     uint64           `json:"features"`
	Ban          *Ban             `json:"ban,omitempty"`
	OfflineSince *time.Time       `json:"offline_since,omitempty"`
	AddedAt      time.Time        `json:"added_at"`
}

// IsBanned reports whether the peer is currently under a live ban.
func (p *Peer) IsBanned(now time.Time) bool {
	return p.Ban != nil && now.Before(p.Ban.Until)
}

// Filter selects peers during Random/ClosestTo queries.
type Filter struct {
	ExcludeBanned  bool
	ExcludeOffline bool
}

func (f Filter) accepts(p *Peer, now time.Time) bool {
	if f.ExcludeBanned && p.IsBanned(now) {
		return false
	}
	if f.ExcludeOffline && p.OfflineSince != nil {
		return false
	}
	return true
}

// Store is the Peer Store: upsert/get/closest/random/ban, all durable.
// Invariant: a Peer is present in memory iff present in the store; every
// mutator commits to bbolt before returning, then updates the mirror.
type Store struct {
	db *bolt.DB

	mu     sync.RWMutex
	mirror map[string]*Peer // keyed by string(public key bytes)
}

// Open opens (creating if absent) the memory-mapped peer database at path
//.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, cerr.Wrap(cerr.Corruption, "peerstore: open db", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	}); err != nil {
		db.Close()
		return nil, cerr.Wrap(cerr.Corruption, "peerstore: init bucket", err)
	}
	s := &Store{db: db, mirror: make(map[string]*Peer)}
	if err := s.loadMirror(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadMirror() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		return b.ForEach(func(k, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return cerr.Wrap(cerr.Corruption, "peerstore: decode record", err)
			}
			s.mirror[string(k)] = &p
			return nil
		})
	})
}

func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts or updates a peer record, committing durably before
// returning.
func (s *Store) Upsert(p *Peer) error {
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("peerstore: encode peer: %w", err)
	}
	key := string(p.PublicKey)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put(p.PublicKey, data)
	}); err != nil {
		return cerr.Wrap(cerr.OutOfSpace, "peerstore: commit upsert", err)
	}
	s.mu.Lock()
	s.mirror[key] = p
	s.mu.Unlock()
	return nil
}

// Get returns the peer keyed by public key, or (nil, false).
func (s *Store) Get(publicKey []byte) (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.mirror[string(publicKey)]
	return p, ok
}

// ClosestTo returns up to n peers sorted by ascending XOR distance from
// target, excluding banned/offline per filter.
func (s *Store) ClosestTo(target identity.NodeID, n int, filter Filter) []*Peer {
	now := time.Now()
	s.mu.RLock()
	candidates := make([]*Peer, 0, len(s.mirror))
	for _, p := range s.mirror {
		if filter.accepts(p, now) {
			candidates = append(candidates, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		di := identity.Distance(candidates[i].NodeID, target)
		dj := identity.Distance(candidates[j].NodeID, target)
		return identity.LessDistance(di, dj)
	})
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}

// Random returns up to n peers chosen uniformly at random, subject to
// filter.
func (s *Store) Random(n int, filter Filter) []*Peer {
	now := time.Now()
	s.mu.RLock()
	candidates := make([]*Peer, 0, len(s.mirror))
	for _, p := range s.mirror {
		if filter.accepts(p, now) {
			candidates = append(candidates, p)
		}
	}
	s.mu.RUnlock()

	shuffle(candidates)
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}

func shuffle(ps []*Peer) {
	for i := len(ps) - 1; i > 0; i-- {
		j := pseudoRandIndex(i + 1)
		ps[i], ps[j] = ps[j], ps[i]
	}
}

// Ban marks a peer banned for duration with a reason. A ban against a key
// with no record yet creates one, so it holds against peers never seen by
// discovery — a reconnect attempt must still be refused.
func (s *Store) Ban(publicKey []byte, duration time.Duration, reason string) error {
	s.mu.Lock()
	p, ok := s.mirror[string(publicKey)]
	s.mu.Unlock()
	var cp Peer
	if ok {
		cp = *p
	} else {
		cp = Peer{PublicKey: append([]byte(nil), publicKey...)}
		if pub, err := identity.ParsePublicKey(publicKey); err == nil {
			cp.NodeID = identity.DeriveNodeID(pub)
		}
	}
	cp.Ban = &Ban{Reason: reason, Until: time.Now().Add(duration)}
	return s.Upsert(&cp)
}

// MarkOffline records the current time as the peer's offline-since mark.
func (s *Store) MarkOffline(publicKey []byte) error {
	s.mu.Lock()
	p, ok := s.mirror[string(publicKey)]
	s.mu.Unlock()
	if !ok {
		return cerr.New(cerr.NotFound, "peerstore: mark-offline unknown peer")
	}
	cp := *p
	now := time.Now()
	cp.OfflineSince = &now
	return s.Upsert(&cp)
}

// ClearOffline clears a peer's offline-since mark (e.g. on reconnect).
func (s *Store) ClearOffline(publicKey []byte) error {
	s.mu.Lock()
	p, ok := s.mirror[string(publicKey)]
	s.mu.Unlock()
	if !ok {
		return cerr.New(cerr.NotFound, "peerstore: clear-offline unknown peer")
	}
	cp := *p
	cp.OfflineSince = nil
	return s.Upsert(&cp)
}

// Len returns the number of known peers (used by DHT discovery's
// min_desired_peers gate).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mirror)
}

// List returns every known peer record, subject to filter. Unlike Random it
// makes no ordering guarantee beyond "stable for one call"; callers that
// need ranking (e.g. CLI inspection) sort the result themselves.
func (s *Store) List(filter Filter) []*Peer {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Peer, 0, len(s.mirror))
	for _, p := range s.mirror {
		if filter.accepts(p, now) {
			out = append(out, p)
		}
	}
	return out
}
