// Package cache is the fingerprint cache: computed envelopes keyed by the
// canonical fingerprint of (capability, inputs, pricing pack). The in-memory
// store is authoritative; a Redis second level is optional. Concurrent
// requests for the same fingerprint coalesce onto a single producer.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dawsos-labs/dawsos/core/pkg/provenance"
)

// stubTTL bounds how long a stub result may serve from cache. Stubs must be
// retried frequently so real data replaces them promptly.
const stubTTL = 60 * time.Second

// DefaultCapacity bounds the in-memory store when the caller passes zero.
const DefaultCapacity = 4096

// Entry is one cached result.
type Entry struct {
	Fingerprint string
	Envelope    provenance.Envelope
	ExpiresAt   time.Time
	PackID      string
}

// Stats are the store's counters. HitRate is hits over lookups.
type Stats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expired     int64   `json:"expired"`
	Invalidated int64   `json:"invalidated"`
	Coalesced   int64   `json:"coalesced"`
	HitRate     float64 `json:"hit_rate"`
}

// ExpiryFor derives the absolute expiry for an envelope cached at now.
// Real and partial results honor computed_at + ttl_seconds; stubs and failed
// results get the fixed short window regardless of their stated TTL. Unknown
// statuses count as stub, matching the merge poison ranking.
func ExpiryFor(env provenance.Envelope, now time.Time) time.Time {
	real := env.Meta.Status == provenance.StatusReal || env.Meta.Status == provenance.StatusPartial
	if env.Failed() || !real {
		return now.Add(stubTTL)
	}
	return env.Meta.ExpiresAt()
}

// Store is the in-memory fingerprint cache: TTL on every entry, LRU among
// live entries once capacity is reached. The list head is most recently used.
type Store struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*node
	head     *node
	tail     *node
	stats    Stats
	now      func() time.Time
	logger   *slog.Logger
}

type node struct {
	entry Entry
	prev  *node
	next  *node
}

func NewStore(capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		capacity: capacity,
		items:    make(map[string]*node),
		now:      time.Now,
		logger:   logger.With("component", "cache"),
	}
}

// WithClock replaces the time source. Tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get returns the cached envelope for fp. Expired entries miss and are
// removed on the way out.
func (s *Store) Get(fp string) (provenance.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.items[fp]
	if !ok {
		s.stats.Misses++
		return provenance.Envelope{}, false
	}
	if s.now().After(n.entry.ExpiresAt) {
		s.remove(n)
		s.stats.Expired++
		s.stats.Misses++
		return provenance.Envelope{}, false
	}
	s.moveToFront(n)
	s.stats.Hits++
	return n.entry.Envelope, true
}

// Put stores env under fp. Envelopes already past their expiry are not
// cached. At capacity, expired entries are dropped first, then the least
// recently used live entry.
func (s *Store) Put(fp string, env provenance.Envelope) {
	now := s.now()
	expiresAt := ExpiryFor(env, now)
	if !expiresAt.After(now) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{
		Fingerprint: fp,
		Envelope:    env,
		ExpiresAt:   expiresAt,
		PackID:      env.Meta.PricingPackID,
	}

	if n, ok := s.items[fp]; ok {
		n.entry = entry
		s.moveToFront(n)
		return
	}

	if len(s.items) >= s.capacity {
		s.dropExpired(now)
		if len(s.items) >= s.capacity {
			s.evictLRU()
		}
	}

	n := &node{entry: entry}
	s.items[fp] = n
	s.pushFront(n)
}

// Invalidate removes every entry the predicate matches and reports the count.
func (s *Store) Invalidate(pred func(Entry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*node
	for _, n := range s.items {
		if pred(n.entry) {
			doomed = append(doomed, n)
		}
	}
	for _, n := range doomed {
		s.remove(n)
	}
	s.stats.Invalidated += int64(len(doomed))
	return len(doomed)
}

// InvalidateOtherPacks removes every entry not computed under activePack.
// Called at pricing-pack rollover.
func (s *Store) InvalidateOtherPacks(activePack string) int {
	return s.Invalidate(func(e Entry) bool {
		return e.PackID != activePack
	})
}

// Len reports the current entry count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats snapshots the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Size = len(s.items)
	st.Capacity = s.capacity
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

func (s *Store) dropExpired(now time.Time) {
	for _, n := range s.items {
		if now.After(n.entry.ExpiresAt) {
			s.remove(n)
			s.stats.Expired++
		}
	}
}

func (s *Store) evictLRU() {
	if s.tail != nil {
		s.remove(s.tail)
		s.stats.Evictions++
	}
}

func (s *Store) remove(n *node) {
	s.unlink(n)
	delete(s.items, n.entry.Fingerprint)
}

func (s *Store) moveToFront(n *node) {
	if n == s.head {
		return
	}
	s.unlink(n)
	s.pushFront(n)
}

func (s *Store) pushFront(n *node) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

func (s *Store) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		s.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		s.tail = n.prev
	}
}
