// Package protocol defines the closed catalog of MCPP types: data usage
// levels, target kinds, permission and decision values, and the stable wire
// error codes shared by the dispatcher and the core components.
package protocol

import (
	"fmt"
	"time"
)

// --- Enumerations ---

// DataUsage represents the intended fate of requested data.
type DataUsage string

const (
	UsageDisplay  DataUsage = "display"  // Shown to the user
	UsageProcess  DataUsage = "process"  // Computed with, not persisted
	UsageStore    DataUsage = "store"    // Persisted by the requester
	UsageTransfer DataUsage = "transfer" // Forwarded to an external party
)

// Rank returns the position of the usage level in the hierarchy
// display < process < store < transfer. Unknown levels rank highest so they
// never implicitly inherit a grant.
func (u DataUsage) Rank() int {
	switch u {
	case UsageDisplay:
		return 0
	case UsageProcess:
		return 1
	case UsageStore:
		return 2
	case UsageTransfer:
		return 3
	default:
		return 4
	}
}

// Valid reports whether u is one of the four defined usage levels.
func (u DataUsage) Valid() bool {
	return u.Rank() < 4
}

// TargetType represents the kind of endpoint that will receive data.
type TargetType string

const (
	TargetClient TargetType = "client" // Client application
	TargetServer TargetType = "server" // Backing server
	TargetLLM    TargetType = "llm"    // Language model
	TargetAll    TargetType = "all"    // Wildcard
)

// Valid reports whether t is a defined target type.
func (t TargetType) Valid() bool {
	switch t {
	case TargetClient, TargetServer, TargetLLM, TargetAll:
		return true
	default:
		return false
	}
}

// Permission represents a configured policy value for a usage level.
type Permission string

const (
	PermissionAllow  Permission = "allow"
	PermissionDeny   Permission = "deny"
	PermissionPrompt Permission = "prompt" // Requires a consent decision
)

// Decision represents a user consent decision.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// TrustLevel annotates a target category for consent UI purposes.
// Never load-bearing for authorization on its own.
type TrustLevel string

const (
	TrustHigh   TrustLevel = "high"
	TrustMedium TrustLevel = "medium"
	TrustLow    TrustLevel = "low"
)

// Category classifies a target destination.
type Category string

const (
	CategoryInternal Category = "internal"
	CategoryPartner  Category = "partner"
	CategoryExternal Category = "external"
	CategoryPublic   Category = "public"
)

// --- Request context types ---

// Target identifies an endpoint that will receive data.
// Destination accepts either a single string or a list on the wire.
type Target struct {
	Type        TargetType     `json:"type"`
	Destination any            `json:"destination"`
	Purpose     string         `json:"purpose,omitempty"`
	LLMMetadata map[string]any `json:"llm_metadata,omitempty"`
}

// Destinations normalizes the destination field into a string slice.
func (t *Target) Destinations() []string {
	switch d := t.Destination.(type) {
	case string:
		if d == "" {
			return nil
		}
		return []string{d}
	case []string:
		return d
	case []any:
		out := make([]string, 0, len(d))
		for _, v := range d {
			if s, ok := v.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// PrimaryDestination returns the first destination, or "" when none is set.
func (t *Target) PrimaryDestination() string {
	if ds := t.Destinations(); len(ds) > 0 {
		return ds[0]
	}
	return ""
}

// Requester identifies who is asking for the data. The host_id is trusted as
// supplied; the core performs no requester authentication.
type Requester struct {
	HostID    string    `json:"host_id"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// UsageContext describes how requested data will be used and by whom.
type UsageContext struct {
	DataUsage DataUsage `json:"data_usage"`
	Requester Requester `json:"requester"`
	Target    Target    `json:"target"`
}

// Validate checks the context for well-formedness. It returns a wire error
// (INVALID_PARAMS or INVALID_TARGET) on failure.
func (uc *UsageContext) Validate() error {
	if !uc.DataUsage.Valid() {
		return NewError(CodeInvalidDataUsage, fmt.Sprintf("unknown data_usage %q", uc.DataUsage))
	}
	if !uc.Target.Type.Valid() {
		return NewError(CodeInvalidTarget, fmt.Sprintf("unknown target type %q", uc.Target.Type))
	}
	if uc.Target.PrimaryDestination() == "" {
		return NewError(CodeInvalidTarget, "target destination is required")
	}
	if uc.Requester.HostID == "" {
		return NewError(CodeInvalidParams, "requester host_id is required")
	}
	return nil
}

// TargetCategory is configuration describing a known destination.
type TargetCategory struct {
	Type            TargetType     `json:"type"`
	Category        Category       `json:"category"`
	TrustLevel      TrustLevel     `json:"trust_level"`
	RequiresConsent *bool          `json:"requires_consent,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// DataRetention returns the metadata data_retention value, or "".
func (tc *TargetCategory) DataRetention() string {
	if tc == nil || tc.Metadata == nil {
		return ""
	}
	s, _ := tc.Metadata["data_retention"].(string)
	return s
}
