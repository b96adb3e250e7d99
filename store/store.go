// Package store implements the in-memory keyspace: a typed, TTL-aware,
// memory-bounded key-value database with pub/sub, owned by a single
// goroutine. It performs no I/O and takes no locks — see the package doc
// of cmd/cachekvd for how multiple listeners share one Store safely.
package store

import (
	"github.com/OneOfOne/xxhash"
	"github.com/mshaverdo/assert"
	"github.com/mshaverdo/cachekv/internal/clock"
)

const kindCount = 4

// bucketCount shards each type map by key hash. The store is
// single-threaded, so sharding buys nothing for locking — its only job
// here is to give Scan a cursor that stays valid across key churn (see
// scan.go).
const bucketCount = 32

// Config holds the settings the host constructs once and never mutates
// afterward.
type Config struct {
	// MaxMemoryBytes is the memory cap in bytes; 0 means unlimited.
	MaxMemoryBytes uint64
	// Policy selects how the store frees space under memory pressure.
	Policy EvictionPolicy
	// SnapshotPath records the host's snapshot file location. The store
	// itself never reads it; LOAD and FLUSH SAVE use the path passed to
	// dispatcher.New.
	SnapshotPath string
}

// SubscriberHandle is an opaque connection identifier. The store only
// ever uses it as a set element — it never dereferences it.
type SubscriberHandle uint64

// Store is the keyspace: four typed maps, the expiry index, the LRU
// recency list, the pub/sub registry, and the memory counter described in
// the data model.
type Store struct {
	cfg   Config
	clock clock.Clock

	data [kindCount][bucketCount]map[string]*item

	expiry map[string]int64 // key -> absolute deadline, clock.Now().UnixNano()

	lru *lruIndex // nil iff cfg.MaxMemoryBytes == 0

	memBytes uint64

	subscribers map[string]map[SubscriberHandle]struct{}

	onEvict func(key string)
}

// New constructs an empty Store from cfg.
func New(cfg Config) *Store {
	return newWithClock(cfg, clock.New())
}

func newWithClock(cfg Config, c clock.Clock) *Store {
	s := &Store{
		cfg:         cfg,
		clock:       c,
		expiry:      make(map[string]int64),
		subscribers: make(map[string]map[SubscriberHandle]struct{}),
	}
	for k := 0; k < kindCount; k++ {
		for b := 0; b < bucketCount; b++ {
			s.data[k][b] = make(map[string]*item)
		}
	}
	if cfg.MaxMemoryBytes > 0 {
		s.lru = newLRUIndex()
	}
	return s
}

func bucketOf(key string) int {
	return int(xxhash.ChecksumString64(key) % bucketCount)
}

// findItem locates key in any of the four type maps. It does not perform
// lazy expiry — callers that care about TTL must call expireIfDue first.
func (s *Store) findItem(key string) (it *item, kind Kind, ok bool) {
	b := bucketOf(key)
	for k := 0; k < kindCount; k++ {
		if len(s.data[k][b]) == 0 {
			continue
		}
		if v, found := s.data[k][b][key]; found {
			return v, Kind(k), true
		}
	}
	return nil, 0, false
}

// otherKindsHaveKey reports whether key exists under any kind other than
// except, using the empty-map fast path the design notes call for.
func (s *Store) otherKindsHaveKey(except Kind, key string) bool {
	b := bucketOf(key)
	for k := 0; k < kindCount; k++ {
		if Kind(k) == except {
			continue
		}
		if len(s.data[k][b]) == 0 {
			continue
		}
		if _, ok := s.data[k][b][key]; ok {
			return true
		}
	}
	return false
}

// expireIfDue lazily deletes key if its TTL has passed. Returns true if
// key was deleted by this call.
func (s *Store) expireIfDue(key string) bool {
	deadline, ok := s.expiry[key]
	if !ok {
		return false
	}
	if deadline > s.clock.Now().UnixNano() {
		return false
	}
	s.deleteKey(key)
	return true
}

// deleteKey removes key from whichever type map holds it, plus its expiry
// and LRU entries. Returns the Kind removed and whether anything existed.
func (s *Store) deleteKey(key string) (Kind, bool) {
	it, kind, ok := s.findItem(key)
	if !ok {
		delete(s.expiry, key)
		if s.lru != nil {
			s.lru.remove(key)
		}
		return 0, false
	}

	b := bucketOf(key)
	delete(s.data[kind][b], key)
	s.trackSub(len(key) + it.bytesLen())
	delete(s.expiry, key)
	if s.lru != nil {
		s.lru.remove(key)
	}
	return kind, true
}

func (s *Store) trackAdd(n int) {
	s.memBytes += uint64(n)
}

func (s *Store) trackSub(n int) {
	if uint64(n) > s.memBytes {
		s.memBytes = 0
		return
	}
	s.memBytes -= uint64(n)
}

// admit decides whether a write needing delta additional bytes may
// proceed, evicting under the configured policy if necessary. On
// success it returns true and has already made room (but has NOT yet
// charged delta — callers charge it once the write actually lands, so a
// failed write leaves no partial state).
func (s *Store) admit(delta int) bool {
	if delta <= 0 {
		// Writes that don't grow the keyspace never need admission: they
		// can only bring memBytes closer to (or further under) the cap.
		return true
	}
	if s.cfg.MaxMemoryBytes == 0 {
		return true
	}
	if s.memBytes+uint64(delta) <= s.cfg.MaxMemoryBytes {
		return true
	}
	if s.lru == nil {
		return false
	}

	for s.memBytes+uint64(delta) > s.cfg.MaxMemoryBytes {
		var victim string
		var ok bool
		switch s.cfg.Policy {
		case PolicyAllKeysLRU:
			victim, ok = s.lru.front()
		case PolicyAllKeysRandom:
			victim, ok = s.lru.random()
		default:
			return false
		}
		if !ok {
			return false
		}
		s.deleteKey(victim)
		if s.onEvict != nil {
			s.onEvict(victim)
		}
	}
	return true
}

// OnEvict registers fn to be called, synchronously on the owning
// goroutine, once per key evicted to satisfy the memory cap. It exists so
// an observability layer (see metrics.Collector) can count evictions
// without the store depending on anything outside itself.
func (s *Store) OnEvict(fn func(key string)) {
	s.onEvict = fn
}

// touchLRU records key as most-recently-used if LRU tracking is active.
func (s *Store) touchLRU(key string) {
	if s.lru != nil {
		s.lru.touch(key)
	}
}

// CollectExpired is the bulk sweep: it walks the expiry index and deletes
// every key whose deadline has passed, returning the removed keys. It is
// fire-and-forget — callers are not required to do anything with the
// result, but dispatcher tests use it to assert sweep behavior.
func (s *Store) CollectExpired() []string {
	now := s.clock.Now().UnixNano()
	var expired []string
	for key, deadline := range s.expiry {
		if deadline <= now {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		s.deleteKey(key)
	}
	return expired
}

// Size returns the count of top-level keys across all four type maps.
func (s *Store) Size() int {
	n := 0
	for k := 0; k < kindCount; k++ {
		for b := 0; b < bucketCount; b++ {
			n += len(s.data[k][b])
		}
	}
	return n
}

// MemoryBytes returns the current value of the saturating memory counter.
func (s *Store) MemoryBytes() uint64 {
	return s.memBytes
}

// Flush empties the store: all type maps, expiry index, LRU index, and
// memory counter. Subscribers are left untouched — disconnecting clients
// drive pub/sub cleanup, not administrative commands.
func (s *Store) Flush() {
	for k := 0; k < kindCount; k++ {
		for b := 0; b < bucketCount; b++ {
			s.data[k][b] = make(map[string]*item)
		}
	}
	s.expiry = make(map[string]int64)
	if s.lru != nil {
		s.lru = newLRUIndex()
	}
	s.memBytes = 0
}

// assertInvariants is used by tests to check the global invariants hold
// after a sequence of operations: single-type keys, expiry sanity, LRU
// consistency, and exact memory accounting.
func (s *Store) assertInvariants() {
	for key := range s.expiry {
		_, _, ok := s.findItem(key)
		assert.True(ok, "expiry entry for key that does not exist: "+key)
	}

	var total uint64
	for k := 0; k < kindCount; k++ {
		for b := 0; b < bucketCount; b++ {
			for key, it := range s.data[k][b] {
				assert.True(!s.otherKindsHaveKey(Kind(k), key),
					"key present under two kinds: "+key)
				if s.lru != nil {
					_, tracked := s.lru.nodes[key]
					assert.True(tracked, "key missing from LRU index: "+key)
				}
				total += uint64(len(key) + it.bytesLen())
			}
		}
	}
	assert.True(total == s.memBytes, "memory counter out of sync with keyspace contents")

	if s.lru != nil {
		assert.True(s.lru.len() == s.Size(), "LRU index size diverged from keyspace size")
	}
}
