// Package config holds configuration for the dispatch binaries.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/secrets"
)

// Config holds all configuration for the dispatch core.
type Config struct {
	// HTTP server configuration (health/metrics/monitoring surface)
	HTTP HTTPConfig

	// MessageRouter configures the router pipeline
	MessageRouter RouterConfig

	// Mediator configures outbound HTTP mediation
	Mediator MediatorConfig

	// Outbox configures the outbox processor
	Outbox OutboxConfig

	// Leader election configuration
	Leader LeaderConfig

	// MongoDB connection (outbox repository, mongo leader elector)
	MongoDB MongoDBConfig

	// Redis connection (redis leader elector)
	Redis RedisConfig

	// Secrets provider configuration
	Secrets secrets.Config

	// DataDir for embedded services
	DataDir string

	// DevMode is set from FLOWCATALYST_DEV. The binaries read that variable
	// directly to raise log verbosity; this field is not read.
	DevMode bool
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// RouterConfig holds message router configuration
type RouterConfig struct {
	// Enabled controls whether the router consumes queues
	Enabled bool

	// Queues lists the source queues to consume
	Queues []QueueConfig

	// Pools lists the statically configured processing pools
	Pools []PoolConfig

	// PoolMissDelaySeconds is the nack delay for pointers referencing an
	// unknown pool
	PoolMissDelaySeconds int
}

// QueueConfig describes one source queue.
type QueueConfig struct {
	// URI is the queue locator (SQS queue URL, NATS URL, or empty for embedded)
	URI string `toml:"uri"`

	// Type selects the implementation: "sqs", "nats" or "embedded"
	Type string `toml:"type"`

	// Region is the AWS region (SQS only)
	Region string `toml:"region"`

	// BatchSize is the max messages per receive (SQS caps this at 10)
	BatchSize int `toml:"batch_size"`

	// VisibilityTimeoutSec is the lease duration delegated to the queue
	VisibilityTimeoutSec int `toml:"visibility_timeout_sec"`
}

// PoolConfig describes one processing pool.
type PoolConfig struct {
	Code               string `toml:"code"`
	Concurrency        int    `toml:"concurrency"`
	RateLimitPerMinute *int   `toml:"rate_limit_per_minute"`
	BufferSize         int    `toml:"buffer_size"`
}

// MediatorConfig holds outbound HTTP mediation configuration
type MediatorConfig struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// SigningSecretKey is the secrets-provider key holding the HMAC
	// signing secret. Empty disables request signing.
	SigningSecretKey string

	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig holds per-target circuit breaker settings
type CircuitBreakerConfig struct {
	// Threshold is the consecutive transient failures before opening
	Threshold int

	// Cooldown is the open duration before a half-open probe
	Cooldown time.Duration
}

// OutboxConfig holds outbox processor configuration
type OutboxConfig struct {
	Enabled             bool
	PollInterval        time.Duration
	PollBatchSize       int
	APIBatchSize        int
	MaxConcurrentGroups int
	BufferSize          int
	MaxRetries          int
	RecoveryInterval    time.Duration
	RecoveryTimeoutSec  int
	APIBaseURL          string

	// APITokenKey is the secrets-provider key holding the API bearer
	// token. Empty sends unauthenticated requests.
	APITokenKey string
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	Enabled bool

	// Backend selects the store: "mongo" or "redis"
	Backend string

	InstanceID      string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL string
}

// Load loads configuration from environment variables with defaults, then
// overlays the TOML file named by DISPATCH_CONFIG_FILE if set.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MessageRouter: RouterConfig{
			Enabled:              getEnvBool("MESSAGE_ROUTER_ENABLED", true),
			PoolMissDelaySeconds: getEnvInt("ROUTER_POOL_MISS_DELAY_SECONDS", 30),
		},

		Mediator: MediatorConfig{
			ConnectTimeout:   getEnvDuration("MEDIATOR_CONNECT_TIMEOUT", 10*time.Second),
			RequestTimeout:   getEnvDuration("MEDIATOR_REQUEST_TIMEOUT", 30*time.Second),
			SigningSecretKey: getEnv("MEDIATOR_SIGNING_SECRET_KEY", ""),
			CircuitBreaker: CircuitBreakerConfig{
				Threshold: getEnvInt("MEDIATOR_CB_THRESHOLD", 5),
				Cooldown:  getEnvDuration("MEDIATOR_CB_COOLDOWN", 30*time.Second),
			},
		},

		Outbox: OutboxConfig{
			Enabled:             getEnvBool("OUTBOX_ENABLED", true),
			PollInterval:        getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
			PollBatchSize:       getEnvInt("OUTBOX_POLL_BATCH_SIZE", 500),
			APIBatchSize:        getEnvInt("OUTBOX_API_BATCH_SIZE", 100),
			MaxConcurrentGroups: getEnvInt("OUTBOX_MAX_CONCURRENT_GROUPS", 10),
			BufferSize:          getEnvInt("OUTBOX_BUFFER_SIZE", 1000),
			MaxRetries:          getEnvInt("OUTBOX_MAX_RETRIES", 3),
			RecoveryInterval:    getEnvDuration("OUTBOX_RECOVERY_INTERVAL", 60*time.Second),
			RecoveryTimeoutSec:  getEnvInt("OUTBOX_RECOVERY_TIMEOUT_SEC", 300),
			APIBaseURL:          getEnv("OUTBOX_API_BASE_URL", "http://localhost:8080"),
			APITokenKey:         getEnv("OUTBOX_API_TOKEN_KEY", ""),
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			Backend:         getEnv("LEADER_BACKEND", "mongo"),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},

		Secrets: secrets.Config{
			Provider:   secrets.ProviderType(getEnv("SECRETS_PROVIDER", "env")),
			AWSRegion:  getEnv("SECRETS_AWS_REGION", getEnv("AWS_REGION", "")),
			AWSPrefix:  getEnv("SECRETS_AWS_PREFIX", "/flowcatalyst/"),
			VaultAddr:  getEnv("VAULT_ADDR", ""),
			VaultToken: getEnv("VAULT_TOKEN", ""),
			VaultMount: getEnv("SECRETS_VAULT_MOUNT", "secret"),
			VaultPath:  getEnv("SECRETS_VAULT_PATH", "flowcatalyst"),
			GCPProject: getEnv("SECRETS_GCP_PROJECT", ""),
			GCPPrefix:  getEnv("SECRETS_GCP_PREFIX", "flowcatalyst-"),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	// Single-queue environment shorthand. Full queue and pool lists come
	// from the TOML file.
	if url := getEnv("SQS_QUEUE_URL", ""); url != "" {
		cfg.MessageRouter.Queues = append(cfg.MessageRouter.Queues, QueueConfig{
			URI:                  url,
			Type:                 "sqs",
			Region:               getEnv("AWS_REGION", "us-east-1"),
			BatchSize:            getEnvInt("SQS_BATCH_SIZE", 10),
			VisibilityTimeoutSec: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
		})
	} else if url := getEnv("NATS_URL", ""); url != "" {
		cfg.MessageRouter.Queues = append(cfg.MessageRouter.Queues, QueueConfig{
			URI:  url,
			Type: "nats",
		})
	}

	if path := getEnv("DISPATCH_CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// BufferCapacity returns the pool's configured buffer size, defaulting to
// max(10*concurrency, 500).
func (p *PoolConfig) BufferCapacity() int {
	if p.BufferSize > 0 {
		return p.BufferSize
	}
	capacity := 10 * p.Concurrency
	if capacity < 500 {
		capacity = 500
	}
	return capacity
}

// Environment variable helpers

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
