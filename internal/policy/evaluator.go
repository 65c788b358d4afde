// Package policy decides whether a (tool, usage context) pair is permitted,
// denied, or needs user consent. Evaluation is ordered: effective data-usage
// permission, then target permissions, then the consent check; the first
// denial short-circuits.
package policy

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mcpp-go/internal/config"
	"mcpp-go/internal/consent"
	"mcpp-go/internal/protocol"
)

// Result is the outcome of one evaluation. Callers must not infer an allow
// from the absence of an error code; only Allowed authorizes action.
type Result struct {
	Allowed         bool               `json:"allowed"`
	ErrorCode       int                `json:"error_code,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	ConsentRequired bool               `json:"consent_required,omitempty"`
	ConsentReasons  []string           `json:"consent_reasons,omitempty"`
	CustomMessage   string             `json:"custom_message,omitempty"`
	Details         *ValidationDetails `json:"validation_details,omitempty"`
}

// ValidationDetails records which sub-checks passed, attached to permission
// errors so a debugging client can see where evaluation stopped.
type ValidationDetails struct {
	EffectivePermission protocol.Permission `json:"effective_permission"`
	UsageAllowed        bool                `json:"usage_allowed"`
	TargetAllowed       bool                `json:"target_allowed"`
	ConsentSatisfied    bool                `json:"consent_satisfied"`
	CheckedSteps        []string            `json:"checked_steps,omitempty"`
}

func (vd *ValidationDetails) step(name string) {
	vd.CheckedSteps = append(vd.CheckedSteps, name)
}

// Evaluator evaluates access policy against the server configuration.
type Evaluator struct {
	cfg       *config.Config
	decisions *consent.DecisionCache
	logger    *zap.Logger
}

// NewEvaluator creates an evaluator. The decision cache may be nil, in which
// case remembered decisions are never consulted.
func NewEvaluator(cfg *config.Config, decisions *consent.DecisionCache, logger *zap.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, decisions: decisions, logger: logger}
}

// Evaluate runs the full policy pipeline. tool may be nil, meaning only the
// global defaults apply. toolName is the name used for decision-cache keys
// and may be empty.
func (e *Evaluator) Evaluate(tool *config.ToolConfig, uc *protocol.UsageContext, toolName string) *Result {
	details := &ValidationDetails{}

	// Step 1: effective data-usage permission
	perm := e.effectivePermission(tool, uc.DataUsage)
	details.EffectivePermission = perm
	details.step("data_usage_permission")

	if perm == protocol.PermissionDeny {
		return &Result{
			Allowed:      false,
			ErrorCode:    protocol.CodeInvalidDataUsage,
			ErrorMessage: fmt.Sprintf("data usage %q is not permitted", uc.DataUsage),
			Reason:       "data_usage_not_permitted",
			Details:      details,
		}
	}
	details.UsageAllowed = true

	// Step 2: target permissions, short-circuit on first denial
	if reason, denied := e.checkTargets(tool, uc, details); denied {
		return &Result{
			Allowed:      false,
			ErrorCode:    protocol.CodeInsufficientPerm,
			ErrorMessage: fmt.Sprintf("target %q is not permitted: %s", uc.Target.PrimaryDestination(), reason),
			Reason:       reason,
			Details:      details,
		}
	}
	details.TargetAllowed = true

	// Step 3: consent check; the prompt literal is itself a trigger
	reasons, custom := e.checkConsent(tool, uc, details)
	if perm == protocol.PermissionPrompt {
		reasons = append([]string{"data_usage_prompt"}, reasons...)
	}

	if len(reasons) == 0 {
		details.ConsentSatisfied = true
		return &Result{Allowed: true, Details: details}
	}

	// A remembered decision short-circuits the consent flow.
	if e.decisions != nil {
		key := consent.Key{
			HostID:      uc.Requester.HostID,
			Destination: uc.Target.PrimaryDestination(),
			DataUsage:   uc.DataUsage,
			ToolName:    toolName,
		}
		if decision, ok := e.decisions.Lookup(key); ok {
			details.step("cached_consent_decision")
			if decision == protocol.DecisionAllow {
				details.ConsentSatisfied = true
				if e.logger != nil {
					e.logger.Debug("cached consent decision applied",
						zap.String("key", key.String()),
						zap.String("decision", string(decision)))
				}
				return &Result{Allowed: true, Details: details}
			}
			return &Result{
				Allowed:      false,
				ErrorCode:    protocol.CodeInsufficientPerm,
				ErrorMessage: "consent was previously denied for this request",
				Reason:       "consent_previously_denied",
				Details:      details,
			}
		}
	}

	return &Result{
		Allowed:         false,
		ErrorCode:       protocol.CodeConsentRequired,
		ErrorMessage:    "user consent is required for this request",
		ConsentRequired: true,
		ConsentReasons:  reasons,
		CustomMessage:   custom,
		Details:         details,
	}
}

// effectivePermission resolves the permission for the requested level.
// Tool-level permissions win over server defaults. Within a permission map,
// an allow at a higher level implicitly grants lower levels, and a deny at a
// lower level propagates upward; deny and prompt never propagate downward.
func (e *Evaluator) effectivePermission(tool *config.ToolConfig, usage protocol.DataUsage) protocol.Permission {
	if tool != nil && tool.DataPolicy != nil {
		if p, ok := resolveFromMap(tool.DataPolicy.DataUsagePermissions, usage); ok {
			return p
		}
	}
	if p, ok := resolveFromMap(e.cfg.DefaultDataUsagePolicy, usage); ok {
		return p
	}
	// Nothing configured anywhere: fail closed to prompt.
	return protocol.PermissionPrompt
}

var usageOrder = []protocol.DataUsage{
	protocol.UsageDisplay,
	protocol.UsageProcess,
	protocol.UsageStore,
	protocol.UsageTransfer,
}

func resolveFromMap(perms map[protocol.DataUsage]protocol.Permission, usage protocol.DataUsage) (protocol.Permission, bool) {
	if len(perms) == 0 {
		return "", false
	}

	// A denial at the requested level or below dominates: data that may not
	// be displayed may not be processed, stored, or transferred either.
	for _, level := range usageOrder {
		if level.Rank() > usage.Rank() {
			break
		}
		if perms[level] == protocol.PermissionDeny {
			return protocol.PermissionDeny, true
		}
	}

	if p, ok := perms[usage]; ok {
		return p, true
	}

	// An allow at a higher level implicitly grants the requested one.
	for _, level := range usageOrder {
		if level.Rank() <= usage.Rank() {
			continue
		}
		if perms[level] == protocol.PermissionAllow {
			return protocol.PermissionAllow, true
		}
	}

	return "", false
}

// checkTargets runs the ordered target permission evaluation for every
// destination the target names. Returns (reason, true) on the first denial.
func (e *Evaluator) checkTargets(tool *config.ToolConfig, uc *protocol.UsageContext, details *ValidationDetails) (string, bool) {
	var tp *config.TargetPermissions
	if tool != nil && tool.DataPolicy != nil {
		tp = tool.DataPolicy.TargetPermissions
	}
	targetType := string(uc.Target.Type)

	for _, dest := range uc.Target.Destinations() {
		if tp != nil {
			// 1. Tool-level blocked targets
			details.step("tool_blocked_targets")
			if containsString(tp.BlockedTargets, dest) {
				return targetType + "_blocked_by_tool", true
			}

			// 2. Tool-level unified allowlist
			allowed, none, set := tp.AllowedList()
			if set {
				details.step("tool_allowed_targets")
				if none {
					return "no_targets_allowed", true
				}
				if !containsString(allowed, dest) {
					return targetType + "_not_in_allowlist", true
				}
			} else if decided, reason := e.checkLegacyTargets(tp, uc.Target.Type, dest, details); decided {
				// 3. Legacy per-type fields, only when unified fields did not decide
				return reason, true
			}
		}

		// 4. Global default target policy
		if reason, denied := e.checkGlobalTargetPolicy(uc.Target.Type, dest, details); denied {
			return reason, true
		}
	}

	return "", false
}

// checkLegacyTargets mirrors the unified semantics for the legacy per-type
// fields. Returns (true, reason) when a legacy rule denies.
func (e *Evaluator) checkLegacyTargets(tp *config.TargetPermissions, targetType protocol.TargetType, dest string, details *ValidationDetails) (bool, string) {
	switch targetType {
	case protocol.TargetServer:
		if len(tp.BlockedServers) > 0 {
			details.step("tool_blocked_servers")
			if containsString(tp.BlockedServers, dest) {
				return true, "server_blocked_by_tool"
			}
		}
		if len(tp.AllowedServers) > 0 {
			details.step("tool_allowed_servers")
			if !containsString(tp.AllowedServers, dest) {
				return true, "server_not_in_allowlist"
			}
		}
	case protocol.TargetClient:
		if len(tp.AllowedClients) > 0 {
			details.step("tool_allowed_clients")
			if !containsString(tp.AllowedClients, dest) {
				return true, "client_not_in_allowlist"
			}
		}
	}
	return false, ""
}

// checkGlobalTargetPolicy applies the server-wide default_target_policy.
func (e *Evaluator) checkGlobalTargetPolicy(targetType protocol.TargetType, dest string, details *ValidationDetails) (string, bool) {
	dp := e.cfg.DefaultTargetPolicy
	if dp == nil {
		return "", false
	}

	switch targetType {
	case protocol.TargetServer:
		allowed, none, set := dp.ServerAllowlist()
		if set {
			details.step("global_server_policy")
			if none {
				return "no_servers_allowed", true
			}
			if !containsString(allowed, dest) {
				return "server_not_in_global_allowlist", true
			}
		}
	case protocol.TargetLLM:
		if dp.LLM == string(protocol.PermissionDeny) {
			details.step("global_llm_policy")
			return "llm_access_denied_globally", true
		}
	}
	return "", false
}

// checkConsent runs the ordered consent checks and returns the trigger
// reasons that fired plus any custom consent message. An empty reason list
// means no consent is needed.
func (e *Evaluator) checkConsent(tool *config.ToolConfig, uc *protocol.UsageContext, details *ValidationDetails) ([]string, string) {
	dest := uc.Target.PrimaryDestination()

	// 1. Display to the client never needs consent.
	if uc.DataUsage == protocol.UsageDisplay && uc.Target.Type == protocol.TargetClient {
		details.step("display_to_client")
		return nil, ""
	}

	var overrides *config.ConsentOverrides
	if tool != nil && tool.DataPolicy != nil {
		overrides = tool.DataPolicy.ConsentOverrides
	}

	if overrides != nil {
		// 2. Tool opted out of consent entirely.
		if overrides.NeverRequireConsent {
			details.step("never_require_consent")
			return nil, ""
		}
		// 3. Tool demands consent unconditionally.
		if overrides.AlwaysRequireConsent {
			details.step("always_require_consent")
			return []string{"always_require_consent"}, overrides.CustomConsentMessage
		}
		// 4. Destination pre-cleared by the tool.
		if containsString(overrides.AllowedWithoutConsent, dest) {
			details.step("allowed_without_consent")
			return nil, ""
		}
	}

	// 5. Globally trusted destination.
	if containsString(e.cfg.TrustedTargets, dest) {
		details.step("trusted_targets")
		return nil, ""
	}

	// 6. Trusted domain match (literal or *.suffix).
	for _, pattern := range e.cfg.TrustedDomains {
		if matchDomain(dest, pattern) {
			details.step("trusted_domains")
			return nil, ""
		}
	}

	// 7. Category that explicitly waives consent.
	category := e.cfg.TargetCategories[dest]
	if category != nil && category.RequiresConsent != nil && !*category.RequiresConsent {
		details.step("category_waives_consent")
		return nil, ""
	}

	// 8. Trigger flags.
	details.step("consent_triggers")
	var reasons []string
	triggers := e.cfg.RequireConsentFor
	if triggers != nil {
		if triggers.AnyTransfer && uc.DataUsage == protocol.UsageTransfer {
			reasons = append(reasons, "any_transfer")
		}
		if triggers.SensitiveDataTransfer && tool != nil && tool.IsSensitive {
			reasons = append(reasons, "sensitive_data_transfer")
		}
		if triggers.LLMDataAccess && uc.Target.Type == protocol.TargetLLM {
			reasons = append(reasons, "llm_data_access")
		}
	}
	if uc.Target.Type == protocol.TargetLLM && category.DataRetention() == "permanent" {
		reasons = append(reasons, "llm_permanent_retention")
	}
	if triggers != nil && triggers.ExternalServerTransfer && uc.Target.Type == protocol.TargetServer &&
		category != nil && category.Category == protocol.CategoryExternal {
		reasons = append(reasons, "external_server_transfer")
	}

	return reasons, ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// matchDomain reports whether dest matches a trusted_domains entry, which
// is either a literal hostname or a *.suffix wildcard.
func matchDomain(dest, pattern string) bool {
	if pattern == "" {
		return false
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keep the leading dot
		return strings.HasSuffix(dest, suffix)
	}
	return dest == pattern
}
