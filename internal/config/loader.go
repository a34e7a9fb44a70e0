package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"go.flowcatalyst.tech/dispatch/internal/common/secrets"
)

// fileConfig is the TOML file structure. Every field is optional; set
// fields override the environment-derived configuration.
type fileConfig struct {
	HTTP struct {
		Port        *int     `toml:"port"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"http"`

	MessageRouter struct {
		Enabled              *bool         `toml:"enabled"`
		PoolMissDelaySeconds *int          `toml:"pool_miss_delay_seconds"`
		Queues               []QueueConfig `toml:"queues"`
		Pools                []PoolConfig  `toml:"pools"`
	} `toml:"message_router"`

	Mediator struct {
		ConnectTimeoutMs *int    `toml:"connect_timeout_ms"`
		RequestTimeoutMs *int    `toml:"request_timeout_ms"`
		SigningSecretKey *string `toml:"signing_secret_key"`
		CircuitBreaker   struct {
			Threshold  *int `toml:"threshold"`
			CooldownMs *int `toml:"cooldown_ms"`
		} `toml:"circuit_breaker"`
	} `toml:"mediator"`

	Outbox struct {
		Enabled             *bool   `toml:"enabled"`
		PollIntervalMs      *int    `toml:"poll_interval_ms"`
		PollBatchSize       *int    `toml:"poll_batch_size"`
		APIBatchSize        *int    `toml:"api_batch_size"`
		MaxConcurrentGroups *int    `toml:"max_concurrent_groups"`
		BufferSize          *int    `toml:"buffer_size"`
		MaxRetries          *int    `toml:"max_retries"`
		RecoveryTimeoutSec  *int    `toml:"recovery_timeout_sec"`
		APIBaseURL          *string `toml:"api_base_url"`
		APITokenKey         *string `toml:"api_token_key"`
	} `toml:"outbox"`

	Leader struct {
		Enabled           *bool   `toml:"enabled"`
		Backend           *string `toml:"backend"`
		TTLMs             *int    `toml:"ttl_ms"`
		RefreshIntervalMs *int    `toml:"refresh_interval_ms"`
	} `toml:"leader"`

	MongoDB struct {
		URI      *string `toml:"uri"`
		Database *string `toml:"database"`
	} `toml:"mongodb"`

	Redis struct {
		URL *string `toml:"url"`
	} `toml:"redis"`

	Secrets *secrets.Config `toml:"secrets"`
}

// applyFile overlays a TOML configuration file onto cfg.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.HTTP.Port != nil {
		c.HTTP.Port = *fc.HTTP.Port
	}
	if fc.HTTP.CORSOrigins != nil {
		c.HTTP.CORSOrigins = fc.HTTP.CORSOrigins
	}

	if fc.MessageRouter.Enabled != nil {
		c.MessageRouter.Enabled = *fc.MessageRouter.Enabled
	}
	if fc.MessageRouter.PoolMissDelaySeconds != nil {
		c.MessageRouter.PoolMissDelaySeconds = *fc.MessageRouter.PoolMissDelaySeconds
	}
	if len(fc.MessageRouter.Queues) > 0 {
		c.MessageRouter.Queues = fc.MessageRouter.Queues
	}
	if len(fc.MessageRouter.Pools) > 0 {
		c.MessageRouter.Pools = fc.MessageRouter.Pools
	}

	if fc.Mediator.ConnectTimeoutMs != nil {
		c.Mediator.ConnectTimeout = time.Duration(*fc.Mediator.ConnectTimeoutMs) * time.Millisecond
	}
	if fc.Mediator.RequestTimeoutMs != nil {
		c.Mediator.RequestTimeout = time.Duration(*fc.Mediator.RequestTimeoutMs) * time.Millisecond
	}
	if fc.Mediator.SigningSecretKey != nil {
		c.Mediator.SigningSecretKey = *fc.Mediator.SigningSecretKey
	}
	if fc.Mediator.CircuitBreaker.Threshold != nil {
		c.Mediator.CircuitBreaker.Threshold = *fc.Mediator.CircuitBreaker.Threshold
	}
	if fc.Mediator.CircuitBreaker.CooldownMs != nil {
		c.Mediator.CircuitBreaker.Cooldown = time.Duration(*fc.Mediator.CircuitBreaker.CooldownMs) * time.Millisecond
	}

	if fc.Outbox.Enabled != nil {
		c.Outbox.Enabled = *fc.Outbox.Enabled
	}
	if fc.Outbox.PollIntervalMs != nil {
		c.Outbox.PollInterval = time.Duration(*fc.Outbox.PollIntervalMs) * time.Millisecond
	}
	if fc.Outbox.PollBatchSize != nil {
		c.Outbox.PollBatchSize = *fc.Outbox.PollBatchSize
	}
	if fc.Outbox.APIBatchSize != nil {
		c.Outbox.APIBatchSize = *fc.Outbox.APIBatchSize
	}
	if fc.Outbox.MaxConcurrentGroups != nil {
		c.Outbox.MaxConcurrentGroups = *fc.Outbox.MaxConcurrentGroups
	}
	if fc.Outbox.BufferSize != nil {
		c.Outbox.BufferSize = *fc.Outbox.BufferSize
	}
	if fc.Outbox.MaxRetries != nil {
		c.Outbox.MaxRetries = *fc.Outbox.MaxRetries
	}
	if fc.Outbox.RecoveryTimeoutSec != nil {
		c.Outbox.RecoveryTimeoutSec = *fc.Outbox.RecoveryTimeoutSec
	}
	if fc.Outbox.APIBaseURL != nil {
		c.Outbox.APIBaseURL = *fc.Outbox.APIBaseURL
	}
	if fc.Outbox.APITokenKey != nil {
		c.Outbox.APITokenKey = *fc.Outbox.APITokenKey
	}

	if fc.Leader.Enabled != nil {
		c.Leader.Enabled = *fc.Leader.Enabled
	}
	if fc.Leader.Backend != nil {
		c.Leader.Backend = *fc.Leader.Backend
	}
	if fc.Leader.TTLMs != nil {
		c.Leader.TTL = time.Duration(*fc.Leader.TTLMs) * time.Millisecond
	}
	if fc.Leader.RefreshIntervalMs != nil {
		c.Leader.RefreshInterval = time.Duration(*fc.Leader.RefreshIntervalMs) * time.Millisecond
	}

	if fc.MongoDB.URI != nil {
		c.MongoDB.URI = *fc.MongoDB.URI
	}
	if fc.MongoDB.Database != nil {
		c.MongoDB.Database = *fc.MongoDB.Database
	}
	if fc.Redis.URL != nil {
		c.Redis.URL = *fc.Redis.URL
	}
	if fc.Secrets != nil {
		c.Secrets = *fc.Secrets
	}

	return nil
}
