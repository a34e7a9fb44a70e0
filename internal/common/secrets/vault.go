package secrets

import (
	"context"
	"errors"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider reads secrets from a HashiCorp Vault KV v2 mount.
// Each key is a field of the secret stored at VaultPath.
type VaultProvider struct {
	client *vault.Client
	mount  string
	path   string
}

func newVaultProvider(cfg *Config) (*VaultProvider, error) {
	vaultCfg := vault.DefaultConfig()
	if cfg.VaultAddr != "" {
		vaultCfg.Address = cfg.VaultAddr
	}

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	mount := cfg.VaultMount
	if mount == "" {
		mount = "secret"
	}

	return &VaultProvider{client: client, mount: mount, path: cfg.VaultPath}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	secret, err := p.client.KVv2(p.mount).Get(ctx, p.path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("vault get %s: %w", p.path, err)
	}

	value, ok := secret.Data[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret %s is not a string", key)
	}
	return str, nil
}
