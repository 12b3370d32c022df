package config

import (
	"time"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
)

// EnvPrefix is the environment variable prefix for the mesh configuration
// surface. A field nested as Broker.RetryMax with env tag
// "DELIVERY_RETRY_MAX" under a struct tagged "BROKER" resolves to
// AMCP_BROKER_DELIVERY_RETRY_MAX.
const EnvPrefix = "AMCP"

// MeshConfig is the full configuration surface of a mesh context. Values
// are read once at startup with environment-variable overrides; see
// [LoadMesh].
type MeshConfig struct {
	Broker      BrokerConfig      `env:"BROKER" yaml:"broker"`
	Migration   MigrationConfig   `env:"MIGRATION" yaml:"migration"`
	Replication ReplicationConfig `env:"REPLICATION" yaml:"replication"`
	LLM         LLMConfig         `env:"LLM" yaml:"llm"`
	Cache       CacheConfig       `env:"CACHE" yaml:"cache"`
	Fallback    FallbackConfig    `env:"FALLBACK" yaml:"fallback"`
	Registry    RegistryConfig    `env:"REGISTRY" yaml:"registry"`
}

// BrokerConfig configures the event broker.
type BrokerConfig struct {
	// Type selects the broker transport: "memory" (in-process only) or
	// "external" (fan out to an external queue adapter).
	Type string `env:"TYPE" envDefault:"memory" yaml:"type"`

	// BackpressurePolicy selects the queue overflow behavior:
	// "drop-oldest", "drop-newest", or "block-publisher". When empty, the
	// broker picks per-reliability defaults (drop-oldest for best-effort,
	// block-publisher for at-least-once).
	BackpressurePolicy string `env:"BACKPRESSURE_POLICY" yaml:"backpressure_policy"`

	// RetryMax bounds redelivery attempts for at-least-once subscriptions
	// before the event is routed to the dead-letter topic.
	RetryMax int `env:"DELIVERY_RETRY_MAX" envDefault:"5" yaml:"delivery_retry_max"`

	// RetryBackoff selects the redelivery backoff curve: "exponential" or
	// "linear".
	RetryBackoff string `env:"DELIVERY_RETRY_BACKOFF" envDefault:"exponential" yaml:"delivery_retry_backoff"`
}

// MigrationConfig configures mobility hand-offs.
type MigrationConfig struct {
	// Timeout bounds a single hand-off from snapshot to destination
	// confirmation.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s" yaml:"timeout"`

	// RetryMax bounds transport retries during a hand-off.
	RetryMax int `env:"RETRY_MAX" envDefault:"3" yaml:"retry_max"`
}

// ReplicationConfig configures multi-target replication.
type ReplicationConfig struct {
	// Consistency selects replication semantics: "strong" (all targets
	// must confirm) or "eventual" (partial success is reported).
	Consistency string `env:"CONSISTENCY" envDefault:"eventual" yaml:"consistency"`
}

// LLMConfig configures the LLM connector.
type LLMConfig struct {
	// Model is the default model identifier for generate calls.
	Model string `env:"MODEL" envDefault:"amcp-default" yaml:"model"`

	// BaseURL is the transport endpoint, consumed by the external HTTP
	// adapter rather than the core.
	BaseURL string `env:"BASE_URL" yaml:"base_url"`

	// Timeout bounds a single generate request.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s" yaml:"timeout"`

	// MaxRetries bounds retries of transient generate failures.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"2" yaml:"max_retries"`
}

// CacheConfig configures the LLM response cache.
type CacheConfig struct {
	// MaxSize bounds the number of cached responses.
	MaxSize int `env:"MAX_SIZE" envDefault:"1024" yaml:"max_size"`

	// TTL bounds the age of a cached response.
	TTL time.Duration `env:"TTL" envDefault:"1h" yaml:"ttl"`
}

// FallbackConfig configures the rule-based fallback engine.
type FallbackConfig struct {
	// MinConfidence is the match threshold (0-100) below which the engine
	// emits a generic category response instead of a rule template.
	MinConfidence int `env:"MIN_CONFIDENCE" envDefault:"70" yaml:"min_confidence"`

	// MaxRules bounds the persistent rule store.
	MaxRules int `env:"MAX_RULES" envDefault:"500" yaml:"max_rules"`

	// RulesDir is the directory holding persisted rule records. Empty
	// disables persistence.
	RulesDir string `env:"RULES_DIR" yaml:"rules_dir"`
}

// RegistryConfig configures the capability registry.
type RegistryConfig struct {
	// HeartbeatInterval is how often resident agents refresh their
	// capability records.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s" yaml:"heartbeat_interval"`

	// HeartbeatTTL is the record age beyond which cleanup removes an
	// agent from the registry.
	HeartbeatTTL time.Duration `env:"HEARTBEAT_TTL" envDefault:"30s" yaml:"heartbeat_ttl"`
}

// Validate implements [Validator] for the mesh configuration surface.
func (c *MeshConfig) Validate() error {
	switch c.Broker.Type {
	case "memory", "external":
	default:
		return amcperr.Newf(amcperr.CodeValidation,
			"config: broker.type %q must be memory or external", c.Broker.Type)
	}
	switch c.Broker.BackpressurePolicy {
	case "", "drop-oldest", "drop-newest", "block-publisher":
	default:
		return amcperr.Newf(amcperr.CodeValidation,
			"config: broker.backpressure.policy %q is not recognized",
			c.Broker.BackpressurePolicy)
	}
	switch c.Broker.RetryBackoff {
	case "exponential", "linear":
	default:
		return amcperr.Newf(amcperr.CodeValidation,
			"config: broker.delivery.retry.backoff %q must be exponential or linear",
			c.Broker.RetryBackoff)
	}
	switch c.Replication.Consistency {
	case "strong", "eventual":
	default:
		return amcperr.Newf(amcperr.CodeValidation,
			"config: replication.consistency %q must be strong or eventual",
			c.Replication.Consistency)
	}
	if c.Fallback.MinConfidence < 0 || c.Fallback.MinConfidence > 100 {
		return amcperr.Newf(amcperr.CodeValidation,
			"config: fallback.min-confidence %d is out of range [0, 100]",
			c.Fallback.MinConfidence)
	}
	if c.Broker.RetryMax < 0 || c.Migration.RetryMax < 0 || c.LLM.MaxRetries < 0 {
		return amcperr.New(amcperr.CodeValidation,
			"config: retry bounds must not be negative")
	}
	if c.Cache.MaxSize < 0 {
		return amcperr.New(amcperr.CodeValidation,
			"config: cache.max-size must not be negative")
	}
	return nil
}

// LoadMesh loads the mesh configuration with the AMCP env prefix and an
// optional config file path (empty to skip file loading).
func LoadMesh(filePath string) (MeshConfig, error) {
	loader := New().WithEnvPrefix(EnvPrefix)
	if filePath != "" {
		loader = loader.WithFile(filePath)
	}
	var cfg MeshConfig
	if err := loader.Load(&cfg); err != nil {
		return MeshConfig{}, err
	}
	return cfg, nil
}
