package dht

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupEntry is one tracked content hash: how often it has been seen and
// when it first appeared, the basis for time-based trimming.
type dedupEntry struct {
	count     int
	firstSeen time.Time
}

// DedupCache tracks content hashes seen recently: a message whose hash has
// been seen more than AllowedOccurrences times is silently dropped. Built
// on hashicorp/golang-lru so the cache itself never grows past
// dedup_cache_capacity; Trim additionally expires entries by age on the
// dedup_cache_trim_interval schedule.
type DedupCache struct {
	mu                sync.Mutex
	cache             *lru.Cache[[32]byte, dedupEntry]
	allowedOccurences int
}

// NewDedupCache builds a cache of the given capacity.
func NewDedupCache(capacity int, allowedOccurrences int) *DedupCache {
	c, _ := lru.New[[32]byte, dedupEntry](capacity)
	return &DedupCache{cache: c, allowedOccurences: allowedOccurrences}
}

// Seen records one occurrence of hash and reports whether the message should
// be delivered (false ⇒ suppress). The first occurrence always delivers.
func (d *DedupCache) Seen(hash [32]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.cache.Get(hash)
	if !ok {
		e = dedupEntry{firstSeen: time.Now()}
	}
	e.count++
	d.cache.Add(hash, e)
	return e.count <= d.allowedOccurences+1
}

// Len reports the number of tracked hashes.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}

// Trim evicts every entry first seen longer than olderThan ago and returns
// how many were removed. A trimmed hash starts a fresh dedup window on its
// next occurrence.
func (d *DedupCache) Trim(olderThan time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, hash := range d.cache.Keys() {
		e, ok := d.cache.Peek(hash)
		if !ok {
			continue
		}
		if e.firstSeen.Before(cutoff) {
			d.cache.Remove(hash)
			removed++
		}
	}
	return removed
}
