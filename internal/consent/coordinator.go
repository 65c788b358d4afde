// Package consent coordinates pending user-consent requests and remembers
// prior decisions. Pending requests are one-shot: a single producer delivers
// the decision, a single blocked caller consumes it, and timeouts or
// cancellation drop the request so late decisions are discarded.
package consent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpp-go/internal/protocol"
)

// ErrTimeout is returned when a pending wait expires before a decision
// arrives. The caller translates it per the default_on_timeout policy.
var ErrTimeout = errors.New("consent request timed out")

// Key identifies a remembered decision.
type Key struct {
	HostID      string
	Destination string
	DataUsage   protocol.DataUsage
	ToolName    string // Included only when the caller provided it
}

// String joins the key parts with "::", omitting an empty tool name.
func (k Key) String() string {
	s := k.HostID + "::" + k.Destination + "::" + string(k.DataUsage)
	if k.ToolName != "" {
		s += "::" + k.ToolName
	}
	return s
}

// Request is a pending consent request. The Key carries the original
// context so a remembered decision can be recorded at resolution time.
type Request struct {
	RequestID string
	Key       Key
	CreatedAt time.Time
	Deadline  time.Time
}

// pending holds the one-shot channel a blocked caller waits on.
type pending struct {
	request  *Request
	decision chan protocol.Decision // Buffered, capacity 1
}

const sweepInterval = time.Minute

// Coordinator owns the pending-request table and the decision cache.
type Coordinator struct {
	mu       sync.Mutex
	requests map[string]*pending
	cache    *DecisionCache
	logger   *zap.Logger
	stopCh   chan struct{}
	stopped  sync.Once
}

// NewCoordinator creates a coordinator with an empty pending table and
// starts the background deadline sweep.
func NewCoordinator(logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		requests: make(map[string]*pending),
		cache:    NewDecisionCache(),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	go c.startSweep()
	return c
}

// Close stops the deadline sweep.
func (c *Coordinator) Close() {
	c.stopped.Do(func() { close(c.stopCh) })
}

// Decisions exposes the decision cache.
func (c *Coordinator) Decisions() *DecisionCache {
	return c.cache
}

// NewRequestID mints a unique consent request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// Register creates a pending request and returns it. Call Begin to block
// for the decision; Abort to drop the request without waiting.
func (c *Coordinator) Register(requestID string, key Key, timeout time.Duration) *Request {
	req := &Request{
		RequestID: requestID,
		Key:       key,
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(timeout),
	}

	c.mu.Lock()
	c.requests[requestID] = &pending{
		request:  req,
		decision: make(chan protocol.Decision, 1),
	}
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Info("consent request registered",
			zap.String("request_id", requestID),
			zap.String("host_id", key.HostID),
			zap.String("destination", key.Destination),
			zap.String("data_usage", string(key.DataUsage)))
	}
	return req
}

// Begin blocks until the registered request is resolved, the timeout
// elapses, or ctx is cancelled. On timeout or cancellation the pending
// entry is removed so a late Resolve returns false.
func (c *Coordinator) Begin(ctx context.Context, requestID string) (protocol.Decision, error) {
	c.mu.Lock()
	p, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		return "", protocol.NewError(protocol.CodeDataNotFound, "unknown consent request")
	}

	timer := time.NewTimer(time.Until(p.request.Deadline))
	defer timer.Stop()

	select {
	case decision := <-p.decision:
		return decision, nil
	case <-timer.C:
		c.remove(requestID)
		return "", ErrTimeout
	case <-ctx.Done():
		c.remove(requestID)
		return "", ctx.Err()
	}
}

// Resolve wakes the awaiter with the given decision. It returns false when
// no pending request matches (already resolved, expired, or unknown). Two
// concurrent calls on the same id resolve the awaiter exactly once.
func (c *Coordinator) Resolve(requestID string, decision protocol.Decision) (*Request, bool) {
	c.mu.Lock()
	p, ok := c.requests[requestID]
	if ok {
		delete(c.requests, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return nil, false
	}
	if time.Now().After(p.request.Deadline) {
		return nil, false
	}

	// Channel is buffered; the awaiter may already be gone.
	p.decision <- decision

	if c.logger != nil {
		c.logger.Info("consent request resolved",
			zap.String("request_id", requestID),
			zap.String("decision", string(decision)))
	}
	return p.request, true
}

// Abort removes a pending request without delivering a decision.
func (c *Coordinator) Abort(requestID string) {
	c.remove(requestID)
}

// PendingCount returns the number of unresolved, unexpired requests.
func (c *Coordinator) PendingCount() int {
	c.purgeExpired(time.Now())
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Pending returns the unresolved requests, oldest first. Consent UIs poll
// this to discover requests raised by blocked calls.
func (c *Coordinator) Pending() []*Request {
	c.purgeExpired(time.Now())

	c.mu.Lock()
	out := make([]*Request, 0, len(c.requests))
	for _, p := range c.requests {
		out = append(out, p.request)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (c *Coordinator) remove(requestID string) {
	c.mu.Lock()
	delete(c.requests, requestID)
	c.mu.Unlock()
}

// startSweep periodically drops unanswered requests past their deadline.
// Non-blocking callers never reach Begin, so nothing else removes them.
func (c *Coordinator) startSweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.purgeExpired(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

// purgeExpired removes requests whose deadline has passed.
func (c *Coordinator) purgeExpired(now time.Time) {
	removed := 0

	c.mu.Lock()
	for id, p := range c.requests {
		if now.After(p.request.Deadline) {
			delete(c.requests, id)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 && c.logger != nil {
		c.logger.Info("expired consent requests dropped", zap.Int("count", removed))
	}
}
