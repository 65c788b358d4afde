package consent

import (
	"sync"
	"time"

	"mcpp-go/internal/protocol"
)

// cachedDecision is one remembered decision with an absolute expiry.
type cachedDecision struct {
	decision   protocol.Decision
	insertedAt time.Time
	expiresAt  time.Time
}

// DecisionCache remembers consent decisions keyed by
// host_id :: destination :: data_usage [:: tool_name]. Expired entries are
// purged on access.
type DecisionCache struct {
	mu      sync.Mutex
	entries map[string]*cachedDecision
}

// NewDecisionCache creates an empty decision cache.
func NewDecisionCache() *DecisionCache {
	return &DecisionCache{entries: make(map[string]*cachedDecision)}
}

// Record stores a decision for durationMinutes, write-through.
func (dc *DecisionCache) Record(key Key, decision protocol.Decision, durationMinutes int) {
	if durationMinutes <= 0 {
		return
	}
	now := time.Now()
	dc.mu.Lock()
	dc.entries[key.String()] = &cachedDecision{
		decision:   decision,
		insertedAt: now,
		expiresAt:  now.Add(time.Duration(durationMinutes) * time.Minute),
	}
	dc.mu.Unlock()
}

// Lookup returns the remembered decision for key; an expired entry returns
// absent and is removed.
func (dc *DecisionCache) Lookup(key Key) (protocol.Decision, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.entries[key.String()]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(dc.entries, key.String())
		return "", false
	}
	return entry.decision, true
}

// Forget removes a remembered decision.
func (dc *DecisionCache) Forget(key Key) {
	dc.mu.Lock()
	delete(dc.entries, key.String())
	dc.mu.Unlock()
}

// Len returns the number of live and expired entries currently held.
func (dc *DecisionCache) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
