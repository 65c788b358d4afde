package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mcpp-go/internal/consent"
	"mcpp-go/internal/placeholder"
	"mcpp-go/internal/policy"
	"mcpp-go/internal/protocol"
)

// maxBodyBytes bounds a single JSON-RPC request body.
const maxBodyBytes = 10 << 20

// handleRPC is the single JSON-RPC 2.0 endpoint. The mcpp/* methods and
// tools/call are dispatched here; everything else is delegated to the
// embedded MCP server.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, nil, protocol.NewError(protocol.CodeParseError, "failed to read request body"))
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, protocol.NewError(protocol.CodeParseError, "invalid JSON"))
		return
	}

	start := time.Now()
	status := "ok"
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRPC(req.Method, status, time.Since(start))
		}
	}()

	ctx := r.Context()
	if s.tracing != nil {
		var span oteltrace.Span
		ctx, span = s.tracing.StartSpan(ctx, "rpc."+req.Method,
			attribute.String("rpc.method", req.Method))
		defer span.End()
	}

	var (
		result any
		rpcErr *protocol.Error
	)

	switch req.Method {
	case "tools/call":
		result, rpcErr = s.handleToolsCall(ctx, req.Params)
	case "mcpp/get_data":
		result, rpcErr = s.handleGetData(ctx, req.Params)
	case "mcpp/find_reference":
		result, rpcErr = s.handleFindReference(ctx, req.Params)
	case "mcpp/resolve_placeholders":
		result, rpcErr = s.handleResolvePlaceholders(ctx, req.Params)
	case "mcpp/provide_consent":
		result, rpcErr = s.handleProvideConsent(ctx, req.Params)
	default:
		// initialize, tools/list, ping and the rest of the MCP surface.
		s.delegate(ctx, w, body, req.Method)
		return
	}

	if rpcErr != nil {
		status = "error"
		s.logger.Debug("rpc request failed",
			zap.String("method", req.Method),
			zap.Int("code", rpcErr.Code),
			zap.String("message", rpcErr.Message))
		writeError(w, req.ID, rpcErr)
		return
	}
	writeResult(w, req.ID, result)
}

// delegate hands a message to the embedded MCP server.
func (s *Server) delegate(ctx context.Context, w http.ResponseWriter, body []byte, method string) {
	resp := s.mcp.HandleMessage(ctx, body)
	if resp == nil {
		// Notification; nothing to return.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write delegated response",
			zap.String("method", method), zap.Error(err))
	}
}

// --- tools/call ---

type toolsCallParams struct {
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	ToolCallID string         `json:"tool_call_id"`
}

// handleToolsCall intercepts tools/call so the optional tool_call_id
// parameter survives; the embedded MCP server would drop it.
func (s *Server) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, *protocol.Error) {
	var params toolsCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid tools/call params")
	}
	if params.Name == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "tool name is required")
	}

	tool := s.cfg.FindTool(params.Name)
	if tool == nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "unknown tool: "+params.Name)
	}
	if params.ToolCallID != "" && s.store.Has(params.ToolCallID) {
		return nil, protocol.NewError(protocol.CodeInvalidParams,
			"tool_call_id already in use: "+params.ToolCallID)
	}

	callID, result, err := s.executeTool(ctx, tool, params.Arguments, params.ToolCallID)
	if err != nil {
		return nil, protocol.AsError(err)
	}

	s.logger.Info("tool executed",
		zap.String("tool", params.Name),
		zap.String("tool_call_id", callID),
		zap.Bool("sensitive", tool.IsSensitive))

	text, merr := marshalText(result)
	if merr != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "failed to encode tool result")
	}
	return mcp.NewToolResultText(text), nil
}

// --- mcpp/get_data ---

type getDataParams struct {
	ToolCallID     string                 `json:"tool_call_id"`
	UsageContext   *protocol.UsageContext `json:"usage_context"`
	WaitForConsent bool                   `json:"wait_for_consent"`
}

func (s *Server) handleGetData(ctx context.Context, raw json.RawMessage) (any, *protocol.Error) {
	var params getDataParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid get_data params")
	}
	if params.ToolCallID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "tool_call_id is required")
	}

	entry, ok := s.store.Get(params.ToolCallID)
	if s.metrics != nil {
		if ok {
			s.metrics.RecordCacheOp("hit")
		} else {
			s.metrics.RecordCacheOp("miss")
		}
	}
	if !ok {
		return nil, protocol.NewError(protocol.CodeDataNotFound,
			"no cached data for tool_call_id "+params.ToolCallID)
	}

	if params.UsageContext != nil {
		if err := params.UsageContext.Validate(); err != nil {
			return nil, protocol.AsError(err)
		}
		tool := s.cfg.FindTool(entry.Meta.ToolName)
		res := s.evaluator.Evaluate(tool, params.UsageContext, entry.Meta.ToolName)
		s.recordPolicy(res)

		if !res.Allowed {
			if !res.ConsentRequired {
				return nil, policyError(res)
			}
			summary := entrySummary(params.ToolCallID, entry)
			if rpcErr := s.consentFlow(ctx, res, entry.Meta.ToolName,
				params.UsageContext, summary, params.WaitForConsent); rpcErr != nil {
				return nil, rpcErr
			}
		}
	}

	return renderEntry(params.ToolCallID, entry), nil
}

// --- mcpp/find_reference ---

type findReferenceParams struct {
	ToolCallID string `json:"tool_call_id"`
	Keyword    string `json:"keyword"`
	Column     string `json:"column"`
}

func (s *Server) handleFindReference(_ context.Context, raw json.RawMessage) (any, *protocol.Error) {
	var params findReferenceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid find_reference params")
	}

	match, err := s.finder.Find(params.ToolCallID, params.Keyword, params.Column)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return match, nil
}

// --- mcpp/resolve_placeholders ---

type resolvePlaceholdersParams struct {
	Data           json.RawMessage        `json:"data"`
	UsageContext   *protocol.UsageContext `json:"usage_context"`
	ToolName       string                 `json:"tool_name"`
	WaitForConsent bool                   `json:"wait_for_consent"`
}

func (s *Server) handleResolvePlaceholders(ctx context.Context, raw json.RawMessage) (any, *protocol.Error) {
	var params resolvePlaceholdersParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid resolve_placeholders params")
	}
	if len(params.Data) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "data is required")
	}

	var data any
	if err := json.Unmarshal(params.Data, &data); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "data is not valid JSON")
	}

	// Policy gates the whole pass: it runs before any cache read so a denial
	// leaks nothing, not even whether the referenced entries exist.
	if params.UsageContext != nil {
		if err := params.UsageContext.Validate(); err != nil {
			return nil, protocol.AsError(err)
		}
		tool := s.cfg.FindTool(params.ToolName)
		res := s.evaluator.Evaluate(tool, params.UsageContext, params.ToolName)
		s.recordPolicy(res)

		if !res.Allowed {
			if !res.ConsentRequired {
				return nil, policyError(res)
			}
			summary := placeholderSummary(data)
			if rpcErr := s.consentFlow(ctx, res, params.ToolName,
				params.UsageContext, summary, params.WaitForConsent); rpcErr != nil {
				return nil, rpcErr
			}
		}
	}

	resolved, status := s.resolver.ResolveWithTracking(data)
	return map[string]any{
		"resolved_data":     resolved,
		"resolution_status": status,
	}, nil
}

// placeholderSummary describes what a resolve pass would reveal, for consent
// prompts. Only placeholder shapes, never cell values.
func placeholderSummary(data any) map[string]any {
	refs := placeholder.FindAll(data)
	calls := make([]string, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.CallID]; ok {
			continue
		}
		seen[ref.CallID] = struct{}{}
		calls = append(calls, ref.CallID)
	}
	return map[string]any{
		"placeholder_count": len(refs),
		"referenced_calls":  calls,
	}
}

// --- mcpp/provide_consent ---

type provideConsentParams struct {
	RequestID       string            `json:"request_id"`
	Decision        protocol.Decision `json:"decision"`
	Remember        bool              `json:"remember"`
	DurationMinutes int               `json:"duration_minutes"`
}

func (s *Server) handleProvideConsent(_ context.Context, raw json.RawMessage) (any, *protocol.Error) {
	var params provideConsentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid provide_consent params")
	}
	if params.RequestID == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "request_id is required")
	}
	if params.Decision != protocol.DecisionAllow && params.Decision != protocol.DecisionDeny {
		return nil, protocol.NewError(protocol.CodeInvalidParams,
			"decision must be \"allow\" or \"deny\"")
	}

	req, ok := s.consents.Resolve(params.RequestID, params.Decision)
	if !ok {
		return nil, protocol.NewError(protocol.CodeDataNotFound,
			"unknown or expired consent request: "+params.RequestID)
	}
	if s.metrics != nil {
		s.metrics.RecordConsentOutcome(string(params.Decision))
		s.metrics.SetPendingConsents(s.consents.PendingCount())
	}

	remembered := false
	if params.Remember && s.cfg.CacheConsentDecisions {
		minutes := params.DurationMinutes
		if minutes <= 0 {
			minutes = s.cfg.CacheConsentDurationMinutes
		}
		s.consents.Decisions().Record(req.Key, params.Decision, minutes)
		remembered = true
	}

	s.logger.Info("consent decision received",
		zap.String("request_id", params.RequestID),
		zap.String("decision", string(params.Decision)),
		zap.Bool("remembered", remembered))

	return map[string]any{
		"request_id": params.RequestID,
		"decision":   params.Decision,
		"remembered": remembered,
	}, nil
}

// --- consent flow ---

// consentFlow registers a pending consent request for an evaluation that
// came back ConsentRequired. With wait false it returns a CONSENT_REQUIRED
// error carrying the request so the host can answer and re-issue the call.
// With wait true it blocks until a decision, the timeout, or cancellation;
// a nil return means the caller may proceed.
func (s *Server) consentFlow(ctx context.Context, res *policy.Result, toolName string,
	uc *protocol.UsageContext, dataSummary map[string]any, wait bool) *protocol.Error {

	key := consent.Key{
		HostID:      uc.Requester.HostID,
		Destination: uc.Target.PrimaryDestination(),
		DataUsage:   uc.DataUsage,
		ToolName:    toolName,
	}
	requestID := consent.NewRequestID()
	req := s.consents.Register(requestID, key, s.cfg.ConsentTimeout())
	if s.metrics != nil {
		s.metrics.SetPendingConsents(s.consents.PendingCount())
	}

	message := res.CustomMessage
	if message == "" {
		message = "User consent is required for this data access."
	}
	payload := map[string]any{
		"request_id":   requestID,
		"tool_name":    toolName,
		"data_usage":   uc.DataUsage,
		"destination":  uc.Target.PrimaryDestination(),
		"target_type":  uc.Target.Type,
		"reasons":      res.ConsentReasons,
		"message":      message,
		"expires_at":   req.Deadline,
		"data_summary": dataSummary,
	}

	if !wait {
		return protocol.NewErrorWithData(protocol.CodeConsentRequired,
			"user consent is required", payload)
	}

	decision, err := s.consents.Begin(ctx, requestID)
	if s.metrics != nil {
		s.metrics.SetPendingConsents(s.consents.PendingCount())
	}
	switch {
	case errors.Is(err, consent.ErrTimeout):
		if s.metrics != nil {
			s.metrics.RecordConsentOutcome("timeout")
		}
		if s.cfg.DefaultOnTimeout == protocol.DecisionAllow {
			s.logger.Warn("consent timed out, default_on_timeout grants access",
				zap.String("request_id", requestID))
			return nil
		}
		return protocol.NewErrorWithData(protocol.CodeConsentTimeout,
			"consent request timed out",
			map[string]any{"request_id": requestID})
	case err != nil:
		if s.metrics != nil {
			s.metrics.RecordConsentOutcome("cancelled")
		}
		return protocol.AsError(err)
	case decision == protocol.DecisionAllow:
		return nil
	default:
		return protocol.NewErrorWithData(protocol.CodeConsentDenied,
			"user denied consent",
			map[string]any{"request_id": requestID})
	}
}

// policyError converts a non-consent policy denial into its wire error.
func policyError(res *policy.Result) *protocol.Error {
	data := map[string]any{"reason": res.Reason}
	if res.Details != nil {
		data["validation_details"] = res.Details
	}
	return protocol.NewErrorWithData(res.ErrorCode, res.ErrorMessage, data)
}

func (s *Server) recordPolicy(res *policy.Result) {
	if s.metrics == nil {
		return
	}
	switch {
	case res.Allowed:
		s.metrics.RecordPolicyDecision("allow")
	case res.ConsentRequired:
		s.metrics.RecordPolicyDecision("prompt")
	default:
		s.metrics.RecordPolicyDecision("deny")
	}
}
