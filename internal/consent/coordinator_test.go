package consent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpp-go/internal/protocol"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := NewCoordinator(zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func testKey() Key {
	return Key{
		HostID:      "host-1",
		Destination: "mail.example.com",
		DataUsage:   protocol.UsageTransfer,
		ToolName:    "send_email",
	}
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "host-1::mail.example.com::transfer::send_email", testKey().String())

	anon := Key{HostID: "h", Destination: "d", DataUsage: protocol.UsageStore}
	assert.Equal(t, "h::d::store", anon.String())
}

func TestRegisterAndResolve(t *testing.T) {
	c := newTestCoordinator(t)

	id := NewRequestID()
	c.Register(id, testKey(), time.Minute)
	assert.Equal(t, 1, c.PendingCount())

	done := make(chan protocol.Decision, 1)
	go func() {
		decision, err := c.Begin(context.Background(), id)
		require.NoError(t, err)
		done <- decision
	}()

	// Give the waiter a moment to block, then resolve.
	time.Sleep(10 * time.Millisecond)
	req, ok := c.Resolve(id, protocol.DecisionAllow)
	require.True(t, ok)
	assert.Equal(t, testKey(), req.Key)

	assert.Equal(t, protocol.DecisionAllow, <-done)
	assert.Equal(t, 0, c.PendingCount())
}

func TestResolveBeforeBegin(t *testing.T) {
	c := newTestCoordinator(t)

	id := NewRequestID()
	c.Register(id, testKey(), time.Minute)

	_, ok := c.Resolve(id, protocol.DecisionDeny)
	require.True(t, ok)

	// The decision is buffered; a later Begin still receives it.
	decision, err := c.Begin(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, protocol.DecisionDeny, decision)
}

func TestResolveUnknownRequest(t *testing.T) {
	c := newTestCoordinator(t)

	_, ok := c.Resolve("nonexistent", protocol.DecisionAllow)
	assert.False(t, ok)
}

func TestResolveExactlyOnce(t *testing.T) {
	c := newTestCoordinator(t)

	id := NewRequestID()
	c.Register(id, testKey(), time.Minute)

	var resolved int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.Resolve(id, protocol.DecisionAllow); ok {
				atomic.AddInt32(&resolved, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), resolved, "concurrent resolves succeed exactly once")
}

func TestBeginTimeout(t *testing.T) {
	c := newTestCoordinator(t)

	id := NewRequestID()
	c.Register(id, testKey(), 20*time.Millisecond)

	_, err := c.Begin(context.Background(), id)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, c.PendingCount())

	// A decision arriving after the timeout finds nothing to resolve.
	_, ok := c.Resolve(id, protocol.DecisionAllow)
	assert.False(t, ok)
}

func TestBeginContextCancelled(t *testing.T) {
	c := newTestCoordinator(t)

	id := NewRequestID()
	c.Register(id, testKey(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Begin(ctx, id)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, c.PendingCount())

	// A decision arriving after cancellation finds nothing to resolve.
	_, ok := c.Resolve(id, protocol.DecisionAllow)
	assert.False(t, ok)
}

func TestBeginUnknownRequest(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.Begin(context.Background(), "nonexistent")
	var we *protocol.Error
	require.ErrorAs(t, err, &we)
	assert.Equal(t, protocol.CodeDataNotFound, we.Code)
}

func TestResolveExpiredRequest(t *testing.T) {
	c := newTestCoordinator(t)

	id := NewRequestID()
	c.Register(id, testKey(), -time.Second)

	_, ok := c.Resolve(id, protocol.DecisionAllow)
	assert.False(t, ok, "a decision for an expired request is rejected")
}

func TestUnansweredRequestsArePurged(t *testing.T) {
	c := newTestCoordinator(t)

	// Non-blocking callers register a request and return immediately; if the
	// host never answers, the deadline sweep has to reclaim the entry.
	expired := NewRequestID()
	c.Register(expired, testKey(), 10*time.Millisecond)
	live := NewRequestID()
	c.Register(live, testKey(), time.Minute)

	time.Sleep(20 * time.Millisecond)
	c.purgeExpired(time.Now())

	assert.Equal(t, 1, c.PendingCount())
	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, live, pending[0].RequestID)

	_, ok := c.Resolve(expired, protocol.DecisionAllow)
	assert.False(t, ok)
}

func TestPendingSkipsExpiredRequests(t *testing.T) {
	c := newTestCoordinator(t)

	c.Register(NewRequestID(), testKey(), -time.Second)

	assert.Empty(t, c.Pending(), "expired requests never surface to consent UIs")
	assert.Equal(t, 0, c.PendingCount())
}

func TestAbort(t *testing.T) {
	c := newTestCoordinator(t)

	id := NewRequestID()
	c.Register(id, testKey(), time.Minute)
	c.Abort(id)

	assert.Equal(t, 0, c.PendingCount())
	_, ok := c.Resolve(id, protocol.DecisionAllow)
	assert.False(t, ok)
}

func TestDecisionCacheRecordLookup(t *testing.T) {
	dc := NewDecisionCache()
	key := testKey()

	_, ok := dc.Lookup(key)
	assert.False(t, ok)

	dc.Record(key, protocol.DecisionAllow, 30)
	decision, ok := dc.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, protocol.DecisionAllow, decision)

	// Overwrite with deny.
	dc.Record(key, protocol.DecisionDeny, 30)
	decision, ok = dc.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, protocol.DecisionDeny, decision)
}

func TestDecisionCacheZeroDurationNotStored(t *testing.T) {
	dc := NewDecisionCache()

	dc.Record(testKey(), protocol.DecisionAllow, 0)
	assert.Equal(t, 0, dc.Len())
}

func TestDecisionCacheExpiry(t *testing.T) {
	dc := NewDecisionCache()
	key := testKey()

	dc.Record(key, protocol.DecisionAllow, 30)
	dc.entries[key.String()].expiresAt = time.Now().Add(-time.Second)

	_, ok := dc.Lookup(key)
	assert.False(t, ok)
	assert.Equal(t, 0, dc.Len(), "expired entry removed on access")
}

func TestDecisionCacheForget(t *testing.T) {
	dc := NewDecisionCache()
	key := testKey()

	dc.Record(key, protocol.DecisionAllow, 30)
	dc.Forget(key)

	_, ok := dc.Lookup(key)
	assert.False(t, ok)
}

func TestDecisionCacheKeysAreIndependent(t *testing.T) {
	dc := NewDecisionCache()

	k1 := testKey()
	k2 := testKey()
	k2.DataUsage = protocol.UsageStore

	dc.Record(k1, protocol.DecisionAllow, 30)

	_, ok := dc.Lookup(k2)
	assert.False(t, ok, "different usage level is a different key")
}
