package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMetricsManagerScrape(t *testing.T) {
	mm := NewMetricsManager(zap.NewNop())

	mm.RecordRPC("mcpp/get_data", "ok", 5*time.Millisecond)
	mm.RecordRPC("mcpp/get_data", "error", time.Millisecond)
	mm.RecordPolicyDecision("deny")
	mm.RecordConsentOutcome("allow")
	mm.RecordCacheOp("put")
	mm.SetCacheEntries(3)
	mm.SetPendingConsents(1)

	rec := httptest.NewRecorder()
	mm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "mcpp_rpc_requests_total")
	assert.Contains(t, body, `method="mcpp/get_data"`)
	assert.Contains(t, body, "mcpp_policy_decisions_total")
	assert.Contains(t, body, "mcpp_consent_outcomes_total")
	assert.Contains(t, body, "mcpp_cache_entries 3")
	assert.Contains(t, body, "mcpp_pending_consents 1")
}

func TestTracingManagerDisabled(t *testing.T) {
	tm, err := NewTracingManager(zap.NewNop(), nil)
	assert.NoError(t, err)

	ctx, span := tm.StartSpan(t.Context(), "noop")
	assert.NotNil(t, ctx)
	span.End()

	assert.NoError(t, tm.Close(t.Context()))
}
