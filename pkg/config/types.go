package config

import "time"

// Config is the root configuration for a node.
type Config struct {
	Version string `yaml:"version,omitempty"`

	Node      NodeConfig      `yaml:"node,omitempty"`
	Server    ServerConfig    `yaml:"server,omitempty"`
	Auth      AuthConfig      `yaml:"auth,omitempty"`
	LLM       LLMConfig       `yaml:"llm,omitempty"`
	Session   SessionConfig   `yaml:"session,omitempty"`
	Cache     CacheConfig     `yaml:"cache,omitempty"`
	Pool      PoolConfig      `yaml:"pool,omitempty"`
	Breaker   BreakerConfig   `yaml:"breaker,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	Collector CollectorConfig `yaml:"collector,omitempty"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Vector    VectorConfig    `yaml:"vector,omitempty"`
	Profile   ProfileConfig   `yaml:"profile,omitempty"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

// NodeConfig identifies this node within the cluster.
type NodeConfig struct {
	Slug      string   `yaml:"slug,omitempty"`
	Name      string   `yaml:"name,omitempty"`
	BaseURL   string   `yaml:"base_url,omitempty"`
	IsMaster  bool     `yaml:"is_master,omitempty"`
	MasterURL string   `yaml:"master_url,omitempty"`
	Domains   []string `yaml:"domains,omitempty"`
	Tags      []string `yaml:"tags,omitempty"`
	Version   string   `yaml:"version,omitempty"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// AuthConfig holds the node-credential signing settings.
type AuthConfig struct {
	// Secret signs node credentials (HS256). Required when federation is
	// enabled; ${MESH_AUTH_SECRET} is the conventional source.
	Secret            string `yaml:"secret,omitempty"`
	AccessTTLMinutes  int    `yaml:"access_ttl_minutes,omitempty"`
	RefreshTTLMinutes int    `yaml:"refresh_ttl_minutes,omitempty"`
}

// LLMProviderConfig configures one upstream LLM endpoint.
type LLMProviderConfig struct {
	Type        string  `yaml:"type,omitempty"` // openai | anthropic
	BaseURL     string  `yaml:"base_url,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Model       string  `yaml:"model,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Timeout     int     `yaml:"timeout,omitempty"` // seconds
	MaxRetries  int     `yaml:"max_retries,omitempty"`
	RetryDelay  int     `yaml:"retry_delay,omitempty"` // seconds
}

// LLMConfig names the providers and which one each concern uses.
type LLMConfig struct {
	Providers map[string]*LLMProviderConfig `yaml:"providers,omitempty"`

	// DefaultEngine is the provider used for conversational replies and
	// field extraction when the request does not override it.
	DefaultEngine string `yaml:"default_engine,omitempty"`
	DefaultModel  string `yaml:"default_model,omitempty"`

	// OrchestrationModel overrides the model for routing decisions only.
	OrchestrationModel string `yaml:"orchestration_model,omitempty"`
}

// SessionConfig selects the context-store backend.
type SessionConfig struct {
	Driver     string `yaml:"driver,omitempty"` // sqlite | memory
	Path       string `yaml:"path,omitempty"`
	IdleTTLMin int    `yaml:"idle_ttl_minutes,omitempty"`
}

// CacheConfig controls the discovery catalog cache: how long merged remote
// capabilities are served before peers are re-enumerated.
type CacheConfig struct {
	Driver     string `yaml:"driver,omitempty"` // memory
	TTLSeconds int    `yaml:"ttl_seconds,omitempty"`
}

// PoolConfig bounds the peer connection pool.
type PoolConfig struct {
	MaxPerNode int `yaml:"max_per_node,omitempty"`
	TTLSeconds int `yaml:"ttl_seconds,omitempty"`
}

// BreakerConfig tunes the per-node circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold,omitempty"`
	CooldownSeconds  int `yaml:"cooldown_seconds,omitempty"`
}

// RateLimitConfig is the per-node outbound request budget, enforced before
// a pooled connection is acquired.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled,omitempty"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty"`
}

// CollectorConfig tunes the workflow engine.
type CollectorConfig struct {
	MaxStepExecutions int `yaml:"max_step_executions,omitempty"`
}

// DiscoveryConfig tunes the routing digest. The catalog cache itself is
// configured under cache.
type DiscoveryConfig struct {
	DigestTTLSeconds int `yaml:"digest_ttl_seconds,omitempty"`
}

// VectorConfig points at the qdrant instance backing knowledge search.
type VectorConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	UseTLS  bool   `yaml:"use_tls,omitempty"`

	// Collections are the default knowledge-search targets when a request
	// does not name its own.
	Collections []string `yaml:"collections,omitempty"`

	// Embedding endpoint used for query vectors.
	EmbeddingBaseURL string `yaml:"embedding_base_url,omitempty"`
	EmbeddingAPIKey  string `yaml:"embedding_api_key,omitempty"`
	EmbeddingModel   string `yaml:"embedding_model,omitempty"`
}

// ProfileConfig names the user-profile fields included in prompts.
type ProfileConfig struct {
	Fields []string `yaml:"fields,omitempty"`
}

// TimeoutsConfig holds the per-operation deadlines, in seconds.
type TimeoutsConfig struct {
	ForwardSeconds   int `yaml:"forward_seconds,omitempty"`
	LLMSeconds       int `yaml:"llm_seconds,omitempty"`
	DiscoverySeconds int `yaml:"discovery_seconds,omitempty"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // text | json
}

// ForwardTimeout returns the peer-forward deadline.
func (t TimeoutsConfig) ForwardTimeout() time.Duration {
	return time.Duration(t.ForwardSeconds) * time.Second
}

// LLMTimeout returns the LLM-call deadline.
func (t TimeoutsConfig) LLMTimeout() time.Duration {
	return time.Duration(t.LLMSeconds) * time.Second
}

// DiscoveryTimeout returns the discovery-refresh deadline.
func (t TimeoutsConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(t.DiscoverySeconds) * time.Second
}
