// Package cache is a keyed store of previously fetched documents and
// schemas. It knows nothing about the network: callers put whatever a
// fetch produced and decide what a hit means. Expiry is lazy: an entry
// past its TTL is treated as absent on read, there is no sweeper.
package cache

import (
	"sync"
	"time"
)

// Key addresses one cached document.
type Key struct {
	BackendID string
	Namespace string
	Path      string
}

// Entry is a stored value with its expiry bookkeeping.
type Entry struct {
	Value    any
	StoredAt time.Time
	TTL      time.Duration // zero means no expiry
}

func (e Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// Store is safe for concurrent use across backends.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	now     func() time.Time // test seam
}

func New() *Store {
	return &Store{
		entries: make(map[Key]Entry),
		now:     time.Now,
	}
}

// Get returns the cached value for key. An expired entry is deleted
// and reported as a miss.
func (s *Store) Get(key Key) (any, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		s.mu.Lock()
		// Re-check under the write lock: a Put may have refreshed it.
		if cur, still := s.entries[key]; still && cur.expired(s.now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return e.Value, true
}

// Put stores value under key with the given TTL. A zero TTL never
// expires.
func (s *Store) Put(key Key, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Value: value, StoredAt: s.now(), TTL: ttl}
}

// Invalidate removes the entry for key, if present.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// InvalidateBackend removes every entry belonging to a backend.
// Used after state-changing actions so stale status is not served.
func (s *Store) InvalidateBackend(backendID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.BackendID == backendID {
			delete(s.entries, k)
		}
	}
}

// Len returns the number of entries, including not-yet-collected
// expired ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
