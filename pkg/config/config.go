// Package config loads, expands and validates node configuration.
//
// Loading follows a fixed pipeline: read the YAML file through koanf,
// expand environment references in every string value, apply defaults,
// then validate. Validation failures are fatal at startup.
package config

import (
	"fmt"
	"strings"
)

// Defaults applied by SetDefaults.
const (
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 8600
	DefaultAccessTTLMinutes   = 60
	DefaultRefreshTTLMinutes  = 7 * 24 * 60
	DefaultSessionDriver      = "sqlite"
	DefaultSessionPath        = "agentmesh.db"
	DefaultSessionIdleTTLMin  = 24 * 60
	DefaultCacheTTLSeconds    = 300
	DefaultPoolMaxPerNode     = 8
	DefaultPoolTTLSeconds     = 300
	DefaultFailureThreshold   = 5
	DefaultCooldownSeconds    = 30
	DefaultRequestsPerMinute  = 120
	DefaultMaxStepExecutions  = 20
	DefaultDigestTTL          = 300
	DefaultForwardSeconds     = 30
	DefaultLLMSeconds         = 20
	DefaultDiscoverySeconds   = 10
	DefaultVectorPort         = 6334
	DefaultLLMTimeoutSeconds  = 120
	DefaultLLMMaxRetries      = 2
	DefaultLLMRetryDelaySec   = 2
	DefaultLLMTemperature     = 0.2
	DefaultLLMMaxTokens       = 2048
)

// ValidationError reports an invalid or missing configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// SetDefaults fills unset fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Auth.AccessTTLMinutes == 0 {
		c.Auth.AccessTTLMinutes = DefaultAccessTTLMinutes
	}
	if c.Auth.RefreshTTLMinutes == 0 {
		c.Auth.RefreshTTLMinutes = DefaultRefreshTTLMinutes
	}
	if c.Session.Driver == "" {
		c.Session.Driver = DefaultSessionDriver
	}
	if c.Session.Path == "" {
		c.Session.Path = DefaultSessionPath
	}
	if c.Session.IdleTTLMin == 0 {
		c.Session.IdleTTLMin = DefaultSessionIdleTTLMin
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = DefaultCacheTTLSeconds
	}
	if c.Pool.MaxPerNode == 0 {
		c.Pool.MaxPerNode = DefaultPoolMaxPerNode
	}
	if c.Pool.TTLSeconds == 0 {
		c.Pool.TTLSeconds = DefaultPoolTTLSeconds
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.CooldownSeconds == 0 {
		c.Breaker.CooldownSeconds = DefaultCooldownSeconds
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.Collector.MaxStepExecutions == 0 {
		c.Collector.MaxStepExecutions = DefaultMaxStepExecutions
	}
	if c.Discovery.DigestTTLSeconds == 0 {
		c.Discovery.DigestTTLSeconds = DefaultDigestTTL
	}
	if c.Timeouts.ForwardSeconds == 0 {
		c.Timeouts.ForwardSeconds = DefaultForwardSeconds
	}
	if c.Timeouts.LLMSeconds == 0 {
		c.Timeouts.LLMSeconds = DefaultLLMSeconds
	}
	if c.Timeouts.DiscoverySeconds == 0 {
		c.Timeouts.DiscoverySeconds = DefaultDiscoverySeconds
	}
	if c.Vector.Port == 0 {
		c.Vector.Port = DefaultVectorPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Node.Version == "" {
		c.Node.Version = c.Version
	}

	for _, p := range c.LLM.Providers {
		if p.Timeout == 0 {
			p.Timeout = DefaultLLMTimeoutSeconds
		}
		if p.MaxRetries == 0 {
			p.MaxRetries = DefaultLLMMaxRetries
		}
		if p.RetryDelay == 0 {
			p.RetryDelay = DefaultLLMRetryDelaySec
		}
		if p.Temperature == 0 {
			p.Temperature = DefaultLLMTemperature
		}
		if p.MaxTokens == 0 {
			p.MaxTokens = DefaultLLMMaxTokens
		}
	}

	if c.LLM.DefaultEngine == "" && len(c.LLM.Providers) == 1 {
		for name := range c.LLM.Providers {
			c.LLM.DefaultEngine = name
		}
	}
}

// Validate checks cross-field constraints. It is called after SetDefaults.
func (c *Config) Validate() error {
	if c.Node.Slug == "" {
		return &ValidationError{Field: "node.slug", Message: "is required"}
	}
	if strings.ContainsAny(c.Node.Slug, " /") {
		return &ValidationError{Field: "node.slug", Message: "must not contain spaces or slashes"}
	}
	if !c.Node.IsMaster && c.Node.MasterURL == "" {
		return &ValidationError{Field: "node.master_url", Message: "is required for child nodes"}
	}
	if c.Auth.Secret == "" {
		return &ValidationError{Field: "auth.secret", Message: "is required"}
	}
	if len(c.LLM.Providers) == 0 {
		return &ValidationError{Field: "llm.providers", Message: "at least one provider is required"}
	}
	if c.LLM.DefaultEngine == "" {
		return &ValidationError{Field: "llm.default_engine", Message: "is required with multiple providers"}
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultEngine]; !ok {
		return &ValidationError{
			Field:   "llm.default_engine",
			Message: fmt.Sprintf("provider '%s' is not declared", c.LLM.DefaultEngine),
		}
	}
	for name, p := range c.LLM.Providers {
		switch p.Type {
		case "openai", "anthropic":
		default:
			return &ValidationError{
				Field:   fmt.Sprintf("llm.providers.%s.type", name),
				Message: fmt.Sprintf("unsupported provider type '%s'", p.Type),
			}
		}
	}
	switch c.Session.Driver {
	case "sqlite", "memory":
	default:
		return &ValidationError{
			Field:   "session.driver",
			Message: fmt.Sprintf("unsupported driver '%s'", c.Session.Driver),
		}
	}
	switch c.Cache.Driver {
	case "memory":
	default:
		return &ValidationError{
			Field:   "cache.driver",
			Message: fmt.Sprintf("unsupported driver '%s'", c.Cache.Driver),
		}
	}
	if c.Breaker.FailureThreshold < 1 {
		return &ValidationError{Field: "breaker.failure_threshold", Message: "must be at least 1"}
	}
	return nil
}

// Process runs the SetDefaults → Validate pipeline in place.
func (c *Config) Process() error {
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
