// Package store provides generic in-memory storage with TTL support.
package store

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *entry[T]) expired() bool {
	return time.Now().After(e.expiresAt)
}

// TTLStore is a generic in-memory store with per-key expiry and a
// background cleanup goroutine.
type TTLStore[K comparable, V any] struct {
	mu       sync.RWMutex
	items    map[K]*entry[V]
	stopCh   chan struct{}
	interval time.Duration
	onEvict  func(key K, value V)
}

// NewTTLStore creates a store whose cleanup goroutine runs every
// cleanupInterval.
func NewTTLStore[K comparable, V any](cleanupInterval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:    make(map[K]*entry[V]),
		stopCh:   make(chan struct{}),
		interval: cleanupInterval,
	}
	go s.cleanupLoop()
	return s
}

// SetOnEvict sets the callback invoked when expired items are removed
// during cleanup. Not called on manual Delete.
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores a value with the given TTL.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &entry[V]{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

// Get retrieves a value by key. The second return is false if the key
// is missing or expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.items[key]
	if !exists || e.expired() {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a key. Returns true if it was present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; exists {
		delete(s.items, key)
		return true
	}
	return false
}

// Has reports whether the key exists and is not expired.
func (s *TTLStore[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.items[key]
	return exists && !e.expired()
}

// Len returns the number of non-expired items.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.items {
		if !e.expired() {
			count++
		}
	}
	return count
}

// All returns all non-expired entries as a map snapshot.
func (s *TTLStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[K]V)
	for key, e := range s.items {
		if !e.expired() {
			result[key] = e.value
		}
	}
	return result
}

// Refresh extends an existing key's TTL without changing the value.
func (s *TTLStore[K, V]) Refresh(key K, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.items[key]
	if !exists {
		return false
	}
	e.expiresAt = time.Now().Add(ttl)
	return true
}

// Close stops the cleanup goroutine and drops all items.
func (s *TTLStore[K, V]) Close() {
	close(s.stopCh)

	s.mu.Lock()
	s.items = make(map[K]*entry[V])
	s.mu.Unlock()
}

func (s *TTLStore[K, V]) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries, invoking the eviction callback
// outside the lock.
func (s *TTLStore[K, V]) cleanup() {
	type evicted struct {
		key   K
		value V
	}

	s.mu.Lock()
	var expired []evicted
	for key, e := range s.items {
		if e.expired() {
			expired = append(expired, evicted{key, e.value})
			delete(s.items, key)
		}
	}
	onEvict := s.onEvict
	s.mu.Unlock()

	if onEvict != nil {
		for _, e := range expired {
			onEvict(e.key, e.value)
		}
	}
}
