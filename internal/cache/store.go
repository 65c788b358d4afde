// Package cache holds tool-call results keyed by call ID. State is
// process-local and in-memory; entries live until deletion, restart, or an
// optional per-entry TTL.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const cleanupInterval = 10 * time.Minute

// Store is the in-memory data cache. Individual operations are linearizable;
// no cross-key atomicity is provided.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	stats   Stats
	logger  *zap.Logger
	stopCh  chan struct{}
	stopped sync.Once
}

// NewStore creates a cache store and starts the background cleanup loop.
func NewStore(logger *zap.Logger) *Store {
	s := &Store{
		entries: make(map[string]*Entry),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go s.startCleanup()
	return s
}

// Put stores an entry, unconditionally replacing any previous value.
func (s *Store) Put(callID string, entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[callID]; !exists {
		s.stats.TotalEntries++
	}
	s.entries[callID] = entry
}

// Get retrieves an entry. A missing key is a normal miss, not an error.
func (s *Store) Get(callID string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[callID]
	if !ok {
		s.stats.MissCount++
		return nil, false
	}
	if entry.IsExpired() {
		delete(s.entries, callID)
		s.stats.EvictedCount++
		s.stats.TotalEntries--
		s.stats.MissCount++
		return nil, false
	}
	s.stats.HitCount++
	return entry, true
}

// Has reports whether a live entry exists without touching hit/miss stats.
func (s *Store) Has(callID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[callID]
	return ok && !entry.IsExpired()
}

// Delete removes an entry, reporting whether it existed.
func (s *Store) Delete(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[callID]; !ok {
		return false
	}
	delete(s.entries, callID)
	s.stats.TotalEntries--
	return true
}

// Keys returns the current call IDs in unspecified order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	s.stats.TotalEntries = 0
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// GetStats returns a snapshot of the cache statistics.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Close stops the cleanup loop.
func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// startCleanup runs periodic cleanup of expired entries.
func (s *Store) startCleanup() {
	ticker := time.NewTicker(cleanupInterval)
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

// cleanup removes expired entries.
func (s *Store) cleanup() {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	for key, entry := range s.entries {
		if !entry.Meta.ExpiresAt.IsZero() && now.After(entry.Meta.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	s.stats.CleanupCount += removed
	s.stats.TotalEntries -= removed
	s.mu.Unlock()

	if removed > 0 && s.logger != nil {
		s.logger.Info("cache cleanup completed", zap.Int("expired_entries", removed))
	}
}
