// Package cache provides the low-latency state cache layered over the
// record store: a TTL key/value core plus typed record and index-list
// accessors. Entries self-heal through expiry even when cleanup logic
// never runs against them.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// TTLStore is a thread-safe key/value store with per-entry expiration
// and an optional background cleanup loop.
type TTLStore[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]ttlEntry[V]
	defaultTTL time.Duration
	stopCh     chan struct{}
	stopped    atomic.Bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLConfig configures a TTLStore.
type TTLConfig struct {
	// DefaultTTL applies to Set; zero means one hour.
	DefaultTTL time.Duration
	// CleanupInterval sets how often expired entries are scanned out.
	// Zero disables the background loop; expired entries are still
	// invisible to readers and dropped lazily on access.
	CleanupInterval time.Duration
}

// NewTTLStore creates a TTLStore with the given configuration.
func NewTTLStore[K comparable, V any](config TTLConfig) *TTLStore[K, V] {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}
	s := &TTLStore[K, V]{
		entries:    make(map[K]ttlEntry[V]),
		defaultTTL: config.DefaultTTL,
		stopCh:     make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		go s.cleanupLoop(config.CleanupInterval)
	}
	return s
}

// Set stores a value with the default TTL.
func (s *TTLStore[K, V]) Set(key K, value V) {
	s.SetWithTTL(key, value, s.defaultTTL)
}

// SetWithTTL stores a value with a custom TTL.
func (s *TTLStore[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = ttlEntry[V]{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

// Get returns the value for key if present and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		s.misses.Add(1)
		var zero V
		return zero, false
	}
	if time.Now().After(entry.expiresAt) {
		s.misses.Add(1)
		s.mu.Lock()
		// Re-check: a concurrent Set may have refreshed the entry.
		if cur, ok := s.entries[key]; ok && time.Now().After(cur.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		var zero V
		return zero, false
	}
	s.hits.Add(1)
	return entry.value, true
}

// Delete removes a key.
func (s *TTLStore[K, V]) Delete(key K) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Update applies fn to the current value (or the zero value when the
// key is absent or expired) and stores the result with the given TTL.
// The whole read-modify-write runs under the store's write lock, so
// concurrent Updates to the same key never interleave.
func (s *TTLStore[K, V]) Update(key K, ttl time.Duration, fn func(current V, found bool) V) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && time.Now().After(entry.expiresAt) {
		ok = false
		var zero V
		entry.value = zero
	}
	next := fn(entry.value, ok)
	s.entries[key] = ttlEntry[V]{value: next, expiresAt: time.Now().Add(ttl)}
}

// Len returns the number of entries, including not-yet-collected
// expired ones.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stats returns hit/miss counters.
func (s *TTLStore[K, V]) Stats() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}

// Cleanup removes expired entries and returns how many were dropped.
func (s *TTLStore[K, V]) Cleanup() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Stop terminates the background cleanup loop.
func (s *TTLStore[K, V]) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
}

func (s *TTLStore[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCh:
			return
		}
	}
}
