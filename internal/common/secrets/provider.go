// Package secrets resolves operational secrets (webhook signing secret,
// outbox API token) from a pluggable backend.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrSecretNotFound is returned when the key does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrNotSupported marks an operation a provider does not support. No
	// provider in this package currently returns it.
	ErrNotSupported = errors.New("operation not supported by provider")
)

// Provider is the capability exposed by all secret backends.
type Provider interface {
	// Get retrieves a secret by key.
	Get(ctx context.Context, key string) (string, error)

	// Name returns the provider name for logging.
	Name() string
}

// ProviderType selects the backend.
type ProviderType string

const (
	ProviderTypeEnv   ProviderType = "env"
	ProviderTypeAWSSM ProviderType = "aws-sm"
	ProviderTypeVault ProviderType = "vault"
	ProviderTypeGCPSM ProviderType = "gcp-sm"
)

// Config holds configuration for the secrets provider.
type Config struct {
	Provider ProviderType `toml:"provider"`

	// AWS Secrets Manager
	AWSRegion   string `toml:"aws_region"`
	AWSPrefix   string `toml:"aws_prefix"`
	AWSEndpoint string `toml:"aws_endpoint"` // for LocalStack

	// HashiCorp Vault
	VaultAddr      string `toml:"vault_addr"`
	VaultToken     string `toml:"vault_token"`
	VaultMount     string `toml:"vault_mount"`
	VaultPath      string `toml:"vault_path"`
	VaultNamespace string `toml:"vault_namespace"`

	// GCP Secret Manager
	GCPProject string `toml:"gcp_project"`
	GCPPrefix  string `toml:"gcp_prefix"`
}

// DefaultConfig returns the env-backed default configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider:   ProviderTypeEnv,
		AWSPrefix:  "/flowcatalyst/",
		VaultMount: "secret",
		VaultPath:  "flowcatalyst",
		GCPPrefix:  "flowcatalyst-",
	}
}

// NewProvider constructs the configured backend.
func NewProvider(ctx context.Context, cfg *Config) (Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Provider {
	case ProviderTypeEnv, "":
		return &EnvProvider{}, nil
	case ProviderTypeAWSSM:
		return newAWSProvider(ctx, cfg)
	case ProviderTypeVault:
		return newVaultProvider(cfg)
	case ProviderTypeGCPSM:
		return newGCPProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", cfg.Provider)
	}
}

// EnvProvider reads secrets from environment variables. The key is
// upper-cased with dots and dashes mapped to underscores.
type EnvProvider struct{}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	envKey := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(key))
	if value, ok := os.LookupEnv(envKey); ok {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, key, envKey)
}
