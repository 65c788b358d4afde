package config

import (
	"encoding/json"
	"time"

	"mcpp-go/internal/protocol"
)

const (
	defaultListen                = ":8090"
	defaultConsentTimeoutSeconds = 300
	defaultConsentCacheMinutes   = 30
	defaultSimilarityThreshold   = 0.7
)

// Config is the main server configuration.
type Config struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	DataDir string `json:"data_dir" mapstructure:"data-dir"`

	// Tools exposed through tools/list and tools/call
	Tools []*ToolConfig `json:"tools" mapstructure:"tools"`

	// Policy defaults applied when a tool carries no explicit permission
	DefaultDataUsagePolicy map[protocol.DataUsage]protocol.Permission `json:"default_data_usage_policy" mapstructure:"default-data-usage-policy"`

	// Global target policy (step 4 of target permission evaluation)
	DefaultTargetPolicy *TargetPolicyDefaults `json:"default_target_policy,omitempty" mapstructure:"default-target-policy"`

	// Consent configuration
	RequireConsentFor           *ConsentTriggers                    `json:"require_consent_for,omitempty" mapstructure:"require-consent-for"`
	TrustedTargets              []string                            `json:"trusted_targets,omitempty" mapstructure:"trusted-targets"`
	TrustedDomains              []string                            `json:"trusted_domains,omitempty" mapstructure:"trusted-domains"`
	TargetCategories            map[string]*protocol.TargetCategory `json:"target_categories,omitempty" mapstructure:"target-categories"`
	ConsentTimeoutSeconds       int                                 `json:"consent_timeout_seconds" mapstructure:"consent-timeout-seconds"`
	DefaultOnTimeout            protocol.Decision                   `json:"default_on_timeout" mapstructure:"default-on-timeout"`
	CacheConsentDecisions       bool                                `json:"cache_consent_decisions" mapstructure:"cache-consent-decisions"`
	CacheConsentDurationMinutes int                                 `json:"cache_consent_duration_minutes" mapstructure:"cache-consent-duration-minutes"`

	// Data cache entry TTL; zero disables expiry
	CacheEntryTTL time.Duration `json:"cache_entry_ttl,omitempty" mapstructure:"cache-entry-ttl"`

	// Reference finder similarity threshold (strictly-greater comparison)
	SimilarityThreshold float64 `json:"similarity_threshold" mapstructure:"similarity-threshold"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Observability
	EnableMetrics bool           `json:"enable_metrics" mapstructure:"enable-metrics"`
	Tracing       *TracingConfig `json:"tracing,omitempty" mapstructure:"tracing"`
}

// TargetPolicyDefaults is the global default_target_policy block.
// Server accepts a list of allowed destinations or the literal "none";
// LLM accepts "allow" or "deny".
type TargetPolicyDefaults struct {
	Server any    `json:"server,omitempty" mapstructure:"server"`
	LLM    string `json:"llm,omitempty" mapstructure:"llm"`
}

// ServerAllowlist normalizes the server field into (list, isNone, isSet).
func (tp *TargetPolicyDefaults) ServerAllowlist() (allowed []string, none, set bool) {
	if tp == nil || tp.Server == nil {
		return nil, false, false
	}
	switch v := tp.Server.(type) {
	case string:
		return nil, v == "none", true
	case []string:
		return v, false, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, false, true
	default:
		return nil, false, false
	}
}

// ConsentTriggers are the require_consent_for flags.
type ConsentTriggers struct {
	AnyTransfer            bool `json:"any_transfer" mapstructure:"any-transfer"`
	SensitiveDataTransfer  bool `json:"sensitive_data_transfer" mapstructure:"sensitive-data-transfer"`
	LLMDataAccess          bool `json:"llm_data_access" mapstructure:"llm-data-access"`
	ExternalServerTransfer bool `json:"external_server_transfer" mapstructure:"external-server-transfer"`
}

// ToolConfig describes a tool exposed by the server.
type ToolConfig struct {
	Name        string         `json:"name" mapstructure:"name"`
	Description string         `json:"description,omitempty" mapstructure:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty" mapstructure:"input-schema"`
	IsSensitive bool           `json:"is_sensitive" mapstructure:"is-sensitive"`
	DataPolicy  *DataPolicy    `json:"data_policy,omitempty" mapstructure:"data-policy"`
}

// DataPolicy is the per-tool policy block.
type DataPolicy struct {
	DataUsagePermissions map[protocol.DataUsage]protocol.Permission `json:"data_usage_permissions,omitempty" mapstructure:"data-usage-permissions"`
	TargetPermissions    *TargetPermissions                         `json:"target_permissions,omitempty" mapstructure:"target-permissions"`
	ConsentOverrides     *ConsentOverrides                          `json:"consent_overrides,omitempty" mapstructure:"consent-overrides"`
}

// TargetPermissions carries the unified allow/block lists plus the legacy
// per-type fields kept for configs written against the old schema.
type TargetPermissions struct {
	// Unified fields; AllowedTargets accepts a list or the literal "none"
	AllowedTargets any      `json:"allowed_targets,omitempty" mapstructure:"allowed-targets"`
	BlockedTargets []string `json:"blocked_targets,omitempty" mapstructure:"blocked-targets"`

	// Legacy fields, applied only when the unified fields did not decide
	AllowedServers []string `json:"allowed_servers,omitempty" mapstructure:"allowed-servers"`
	BlockedServers []string `json:"blocked_servers,omitempty" mapstructure:"blocked-servers"`
	AllowedClients []string `json:"allowed_clients,omitempty" mapstructure:"allowed-clients"`
}

// AllowedList normalizes allowed_targets into (list, isNone, isSet).
func (tp *TargetPermissions) AllowedList() (allowed []string, none, set bool) {
	if tp == nil || tp.AllowedTargets == nil {
		return nil, false, false
	}
	switch v := tp.AllowedTargets.(type) {
	case string:
		return nil, v == "none", true
	case []string:
		return v, false, true
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, false, true
	default:
		return nil, false, false
	}
}

// ConsentOverrides adjust when a tool requires user consent.
type ConsentOverrides struct {
	AlwaysRequireConsent  bool     `json:"always_require_consent,omitempty" mapstructure:"always-require-consent"`
	NeverRequireConsent   bool     `json:"never_require_consent,omitempty" mapstructure:"never-require-consent"`
	AllowedWithoutConsent []string `json:"allowed_without_consent,omitempty" mapstructure:"allowed-without-consent"`
	CustomConsentMessage  string   `json:"custom_consent_message,omitempty" mapstructure:"custom-consent-message"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// TracingConfig holds configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName    string  `json:"service_name" mapstructure:"service-name"`
	ServiceVersion string  `json:"service_version" mapstructure:"service-version"`
	OTLPEndpoint   string  `json:"otlp_endpoint" mapstructure:"otlp-endpoint"`
	SampleRate     float64 `json:"sample_rate" mapstructure:"sample-rate"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen: defaultListen,
		Tools:  []*ToolConfig{},

		DefaultDataUsagePolicy: map[protocol.DataUsage]protocol.Permission{
			protocol.UsageDisplay:  protocol.PermissionAllow,
			protocol.UsageProcess:  protocol.PermissionAllow,
			protocol.UsageStore:    protocol.PermissionPrompt,
			protocol.UsageTransfer: protocol.PermissionPrompt,
		},

		RequireConsentFor: &ConsentTriggers{
			AnyTransfer:            false,
			SensitiveDataTransfer:  true,
			LLMDataAccess:          false,
			ExternalServerTransfer: true,
		},

		ConsentTimeoutSeconds:       defaultConsentTimeoutSeconds,
		DefaultOnTimeout:            protocol.DecisionDeny,
		CacheConsentDecisions:       true,
		CacheConsentDurationMinutes: defaultConsentCacheMinutes,

		SimilarityThreshold: defaultSimilarityThreshold,

		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},

		EnableMetrics: true,
	}
}

// Validate normalizes the configuration, filling defaults for zero values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.ConsentTimeoutSeconds <= 0 {
		c.ConsentTimeoutSeconds = defaultConsentTimeoutSeconds
	}
	if c.CacheConsentDurationMinutes <= 0 {
		c.CacheConsentDurationMinutes = defaultConsentCacheMinutes
	}
	if c.DefaultOnTimeout != protocol.DecisionAllow {
		c.DefaultOnTimeout = protocol.DecisionDeny
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold >= 1 {
		c.SimilarityThreshold = defaultSimilarityThreshold
	}
	if c.DefaultDataUsagePolicy == nil {
		c.DefaultDataUsagePolicy = DefaultConfig().DefaultDataUsagePolicy
	}
	if c.RequireConsentFor == nil {
		c.RequireConsentFor = DefaultConfig().RequireConsentFor
	}
	if c.Logging == nil {
		c.Logging = DefaultConfig().Logging
	}
	return nil
}

// FindTool returns the configured tool with the given name, or nil.
func (c *Config) FindTool(name string) *ToolConfig {
	for _, t := range c.Tools {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// ConsentTimeout returns the pending-consent wait duration.
func (c *Config) ConsentTimeout() time.Duration {
	return time.Duration(c.ConsentTimeoutSeconds) * time.Second
}

// MarshalJSON implements json.Marshaler.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal((*Alias)(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	return json.Unmarshal(data, aux)
}
