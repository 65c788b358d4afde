package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpp-go/internal/cache"
	"mcpp-go/internal/config"
	"mcpp-go/internal/protocol"
)

func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.EnableMetrics = false
	cfg.ConsentTimeoutSeconds = 1
	cfg.Tools = []*config.ToolConfig{
		{Name: "get_users", Description: "List user records", IsSensitive: true},
		{Name: "get_weather", Description: "Current weather"},
	}
	return cfg
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := newTestConfig()
	if mutate != nil {
		mutate(cfg)
	}

	executor := ExecutorFunc(func(_ context.Context, name string, _ map[string]any) (any, error) {
		switch name {
		case "get_users":
			return &cache.TableData{
				Headers: []string{"name", "email", "age"},
				Rows: [][]any{
					{"Alice Smith", "alice@example.com", float64(30)},
					{"Bob Jones", "bob@example.com", float64(25)},
				},
			}, nil
		case "get_weather":
			return "sunny, 21C", nil
		default:
			return nil, fmt.Errorf("unknown tool %s", name)
		}
	})

	srv, err := New(cfg, executor, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(srv.store.Close)
	t.Cleanup(srv.consents.Close)
	return srv
}

type testResp struct {
	Result json.RawMessage `json:"result"`
	Error  *protocol.Error `json:"error"`
}

func doRPC(t *testing.T, h http.Handler, method string, params any) *testResp {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp testResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

// toolResultText extracts the text content of a tools/call result and
// decodes it as JSON.
func toolResultText(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.NotEmpty(t, result.Content)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &out))
	return out
}

func cacheSensitiveCall(t *testing.T, h http.Handler, callID string) {
	t.Helper()
	resp := doRPC(t, h, "tools/call", map[string]any{
		"name":         "get_users",
		"arguments":    map[string]any{},
		"tool_call_id": callID,
	})
	require.Nil(t, resp.Error)
}

func usageContext(usage, targetType, dest string) map[string]any {
	return map[string]any{
		"data_usage": usage,
		"requester":  map[string]any{"host_id": "host-1"},
		"target":     map[string]any{"type": targetType, "destination": dest},
	}
}

func TestToolsCallSensitiveReturnsSummary(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()

	resp := doRPC(t, h, "tools/call", map[string]any{
		"name":         "get_users",
		"tool_call_id": "call-1",
	})
	require.Nil(t, resp.Error)

	summary := toolResultText(t, resp.Result)
	assert.Equal(t, "call-1", summary["dataRefId"])
	assert.Equal(t, float64(2), summary["rowCount"])
	assert.Contains(t, summary["columnNames"], "email")
	assert.NotContains(t, string(resp.Result), "alice@example.com",
		"sensitive cell values never appear in the summary")

	assert.True(t, srv.store.Has("call-1"))
}

func TestToolsCallNonSensitiveReturnsData(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()

	resp := doRPC(t, h, "tools/call", map[string]any{"name": "get_weather"})
	require.Nil(t, resp.Error)

	entry := toolResultText(t, resp.Result)
	assert.Equal(t, "text", entry["type"])
	assert.Equal(t, "sunny, 21C", entry["payload"])
	assert.Equal(t, 0, srv.store.Len(), "non-sensitive results are not cached")
}

func TestToolsCallUnknownTool(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doRPC(t, srv.Router(), "tools/call", map[string]any{"name": "nonexistent"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestToolsCallDuplicateCallID(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()

	cacheSensitiveCall(t, h, "call-1")
	resp := doRPC(t, h, "tools/call", map[string]any{
		"name":         "get_users",
		"tool_call_id": "call-1",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestGetDataWithoutContext(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/get_data", map[string]any{"tool_call_id": "call-1"})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "alice@example.com")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &entry))
	assert.Equal(t, "call-1", entry["tool_call_id"])
	assert.Equal(t, "table", entry["type"])
	assert.Contains(t, entry, "payload")
	assert.Contains(t, entry, "metadata")
}

func TestGetDataUnknownID(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doRPC(t, srv.Router(), "mcpp/get_data", map[string]any{"tool_call_id": "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeDataNotFound, resp.Error.Code)
}

func TestGetDataDisplayToClientAllowed(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/get_data", map[string]any{
		"tool_call_id":  "call-1",
		"usage_context": usageContext("display", "client", "ui"),
	})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "alice@example.com")
}

func TestGetDataUsageDenied(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.DefaultDataUsagePolicy[protocol.UsageTransfer] = protocol.PermissionDeny
	})
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/get_data", map[string]any{
		"tool_call_id":  "call-1",
		"usage_context": usageContext("transfer", "server", "ext.example.com"),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidDataUsage, resp.Error.Code)
}

func TestGetDataInvalidUsageContext(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/get_data", map[string]any{
		"tool_call_id":  "call-1",
		"usage_context": usageContext("teleport", "server", "ext.example.com"),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidDataUsage, resp.Error.Code)

	resp = doRPC(t, h, "mcpp/get_data", map[string]any{
		"tool_call_id":  "call-1",
		"usage_context": usageContext("transfer", "teapot", "ext.example.com"),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidTarget, resp.Error.Code)
}

func TestConsentRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	// Default policy prompts on transfer: the first call returns
	// CONSENT_REQUIRED with a request id.
	params := map[string]any{
		"tool_call_id":  "call-1",
		"usage_context": usageContext("transfer", "server", "partner.example.com"),
	}
	resp := doRPC(t, h, "mcpp/get_data", params)
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeConsentRequired, resp.Error.Code)

	requestID, _ := resp.Error.Data["request_id"].(string)
	require.NotEmpty(t, requestID)
	assert.NotContains(t, fmt.Sprint(resp.Error.Data["data_summary"]), "alice@example.com")

	// Answer with allow and remember, then re-issue the original call.
	cresp := doRPC(t, h, "mcpp/provide_consent", map[string]any{
		"request_id": requestID,
		"decision":   "allow",
		"remember":   true,
	})
	require.Nil(t, cresp.Error)
	assert.Contains(t, string(cresp.Result), `"remembered":true`)

	resp = doRPC(t, h, "mcpp/get_data", params)
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "alice@example.com")
}

func TestConsentDenyRemembered(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	params := map[string]any{
		"tool_call_id":  "call-1",
		"usage_context": usageContext("transfer", "server", "partner.example.com"),
	}
	resp := doRPC(t, h, "mcpp/get_data", params)
	require.NotNil(t, resp.Error)
	requestID, _ := resp.Error.Data["request_id"].(string)

	cresp := doRPC(t, h, "mcpp/provide_consent", map[string]any{
		"request_id": requestID,
		"decision":   "deny",
		"remember":   true,
	})
	require.Nil(t, cresp.Error)

	resp = doRPC(t, h, "mcpp/get_data", params)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInsufficientPerm, resp.Error.Code)
}

func TestProvideConsentUnknownRequest(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doRPC(t, srv.Router(), "mcpp/provide_consent", map[string]any{
		"request_id": "nonexistent",
		"decision":   "allow",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeDataNotFound, resp.Error.Code)
}

func TestProvideConsentInvalidDecision(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doRPC(t, srv.Router(), "mcpp/provide_consent", map[string]any{
		"request_id": "any",
		"decision":   "maybe",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestConsentWaitTimesOut(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/get_data", map[string]any{
		"tool_call_id":     "call-1",
		"usage_context":    usageContext("transfer", "server", "partner.example.com"),
		"wait_for_consent": true,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeConsentTimeout, resp.Error.Code)
}

func TestConsentWaitTimeoutDefaultAllow(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.DefaultOnTimeout = protocol.DecisionAllow
	})
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/get_data", map[string]any{
		"tool_call_id":     "call-1",
		"usage_context":    usageContext("transfer", "server", "partner.example.com"),
		"wait_for_consent": true,
	})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "alice@example.com")
}

func TestConsentWaitResolvedConcurrently(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.ConsentTimeoutSeconds = 5
	})
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	// Out-of-band consent UI: poll the pending list, then answer allow.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			pending := srv.Consents().Pending()
			if len(pending) > 0 {
				doRPC(t, h, "mcpp/provide_consent", map[string]any{
					"request_id": pending[0].RequestID,
					"decision":   "allow",
				})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	resp := doRPC(t, h, "mcpp/get_data", map[string]any{
		"tool_call_id":     "call-1",
		"usage_context":    usageContext("transfer", "server", "partner.example.com"),
		"wait_for_consent": true,
	})
	<-done
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "alice@example.com")
}

func TestResolvePlaceholders(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/resolve_placeholders", map[string]any{
		"data": map[string]any{
			"to":      "{call-1.0.email}",
			"age":     "{call-1.1.age}",
			"subject": "Hello {call-1.0.name}",
		},
	})
	require.Nil(t, resp.Error)

	var result struct {
		ResolvedData map[string]any `json:"resolved_data"`
		Status       struct {
			Total    int `json:"total"`
			Resolved int `json:"resolved"`
			Failed   int `json:"failed"`
		} `json:"resolution_status"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	assert.Equal(t, "alice@example.com", result.ResolvedData["to"])
	assert.Equal(t, float64(25), result.ResolvedData["age"], "sole placeholder keeps the number type")
	assert.Equal(t, "Hello Alice Smith", result.ResolvedData["subject"])
	assert.Equal(t, 3, result.Status.Resolved)
	assert.Equal(t, 0, result.Status.Failed)
}

func TestResolvePlaceholdersPartialFailure(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/resolve_placeholders", map[string]any{
		"data": map[string]any{
			"good": "{call-1.0.email}",
			"bad":  "{call-1.0.missing_column}",
		},
	})
	require.Nil(t, resp.Error)

	var result struct {
		ResolvedData map[string]any `json:"resolved_data"`
		Status       struct {
			Total      int      `json:"total"`
			Resolved   int      `json:"resolved"`
			Failed     int      `json:"failed"`
			Unresolved []string `json:"unresolved"`
		} `json:"resolution_status"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	assert.Equal(t, "alice@example.com", result.ResolvedData["good"])
	assert.Equal(t, "{call-1.0.missing_column}", result.ResolvedData["bad"])
	assert.Equal(t, 1, result.Status.Failed)
	assert.Equal(t, []string{"{call-1.0.missing_column}"}, result.Status.Unresolved)
}

func TestResolvePlaceholdersMissingData(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doRPC(t, srv.Router(), "mcpp/resolve_placeholders", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestResolvePlaceholdersPolicyGate(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/resolve_placeholders", map[string]any{
		"data":          map[string]any{"to": "{call-1.0.email}"},
		"usage_context": usageContext("transfer", "server", "mail.example.com"),
		"tool_name":     "get_users",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, protocol.CodeConsentRequired, resp.Error.Code)

	summary, _ := resp.Error.Data["data_summary"].(map[string]any)
	require.NotNil(t, summary)
	assert.Equal(t, float64(1), summary["placeholder_count"])
	assert.NotContains(t, fmt.Sprint(summary), "alice@example.com")
}

func TestFindReferenceRPC(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()
	cacheSensitiveCall(t, h, "call-1")

	resp := doRPC(t, h, "mcpp/find_reference", map[string]any{
		"tool_call_id": "call-1",
		"keyword":      "alice@example.com",
	})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), `"placeholder":"{call-1.0.email}"`)

	resp = doRPC(t, h, "mcpp/find_reference", map[string]any{
		"tool_call_id": "call-1",
		"keyword":      "zzzzqqqq",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeReferenceNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var resp testResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeParseError, resp.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doRPC(t, srv.Router(), "mcpp/no_such_method", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestDelegatedToolsList(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := doRPC(t, srv.Router(), "tools/list", map[string]any{})
	require.Nil(t, resp.Error)
	assert.Contains(t, string(resp.Result), "get_users")
	assert.Contains(t, string(resp.Result), "get_weather")
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pending_consents")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/consents", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pending")
}
