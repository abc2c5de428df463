package dht

import (
	"container/heap"
	"sync"
	"time"

	"synnergy-comms/internal/cerr"
	"synnergy-comms/internal/identity"
	"synnergy-comms/internal/wire"
)

// Priority classifies a stored envelope.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// PriorityOf maps a message type to a SAF priority. Join and Direct traffic
// is treated as high priority (small, latency-sensitive); broadcast/flood
// traffic is low priority (larger fan-out, more replaceable).
func PriorityOf(t wire.MessageType) Priority {
	switch t {
	case wire.TypeJoin, wire.TypeDirect, wire.TypeSAFRequest, wire.TypeSAFResponse:
		return PriorityHigh
	default:
		return PriorityLow
	}
}

type safEntry struct {
	dest     identity.NodeID
	env      *wire.Envelope
	priority Priority
	storedAt time.Time
	expires  time.Time
	index    int // heap index
}

// safHeap is a min-heap ordered so Pop yields the best eviction candidate:
// lowest priority first, then oldest first.
type safHeap []*safEntry

func (h safHeap) Len() int { return len(h) }
func (h safHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].storedAt.Before(h[j].storedAt)
}
func (h safHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *safHeap) Push(x any) {
	e := x.(*safEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *safHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// SAFStore is the Store-And-Forward buffer: envelopes destined
// for a NodeId that isn't currently reachable are held here, subject to a
// capacity-bounded priority/TTL eviction policy, until the destination
// connects and issues a retrieval request.
type SAFStore struct {
	mu       sync.Mutex
	capacity int
	byDest   map[identity.NodeID][]*safEntry
	order    safHeap
}

// NewSAFStore builds a store bounded to capacity entries.
func NewSAFStore(capacity int) *SAFStore {
	return &SAFStore{capacity: capacity, byDest: make(map[identity.NodeID][]*safEntry)}
}

// Offer stores env for dest with the given TTL, evicting the lowest-priority
// oldest entry if the store is at capacity.
func (s *SAFStore) Offer(dest identity.NodeID, env *wire.Envelope, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &safEntry{
		dest:     dest,
		env:      env,
		priority: PriorityOf(env.Header.MessageType),
		storedAt: time.Now(),
		expires:  time.Now().Add(ttl),
	}

	if len(s.order) >= s.capacity {
		if s.capacity == 0 {
			return cerr.New(cerr.SafFull, "dht: saf store at zero capacity")
		}
		worst := s.order[0]
		if worst.priority > entry.priority {
			return cerr.New(cerr.SafFull, "dht: saf store full, no room for a lower-priority entry")
		}
		s.evictLocked(worst)
	}

	heap.Push(&s.order, entry)
	s.byDest[dest] = append(s.byDest[dest], entry)
	return nil
}

func (s *SAFStore) evictLocked(e *safEntry) {
	heap.Remove(&s.order, e.index)
	list := s.byDest[e.dest]
	for i, cand := range list {
		if cand == e {
			s.byDest[e.dest] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Retrieve returns up to maxReturned non-expired envelopes stored for dest,
// filtered by maxAge, and removes them from the store.
func (s *SAFStore) Retrieve(dest identity.NodeID, maxReturned int, maxAge time.Duration) []*wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	list := s.byDest[dest]
	out := make([]*wire.Envelope, 0, maxReturned)
	remaining := make([]*safEntry, 0, len(list))
	for _, e := range list {
		if now.After(e.expires) || now.Sub(e.storedAt) > maxAge {
			heap.Remove(&s.order, e.index)
			continue
		}
		if len(out) < maxReturned {
			out = append(out, e.env)
			heap.Remove(&s.order, e.index)
			continue
		}
		remaining = append(remaining, e)
	}
	if len(remaining) == 0 {
		delete(s.byDest, dest)
	} else {
		s.byDest[dest] = remaining
	}
	return out
}

// Len reports the total stored entry count.
func (s *SAFStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// ExpireOnce sweeps every entry past its TTL. Intended to be called
// periodically alongside dedup cache trimming.
func (s *SAFStore) ExpireOnce() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for dest, list := range s.byDest {
		kept := list[:0]
		for _, e := range list {
			if now.After(e.expires) {
				heap.Remove(&s.order, e.index)
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.byDest, dest)
		} else {
			s.byDest[dest] = kept
		}
	}
	return removed
}
