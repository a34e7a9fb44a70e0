package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// GCPProvider reads secrets from Google Secret Manager. Keys are mapped to
// secret names with a common prefix (default "flowcatalyst-").
type GCPProvider struct {
	client  *secretmanager.Client
	project string
	prefix  string
}

func newGCPProvider(ctx context.Context, cfg *Config) (*GCPProvider, error) {
	if cfg.GCPProject == "" {
		return nil, fmt.Errorf("gcp-sm provider requires gcp_project")
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP secret manager client: %w", err)
	}

	return &GCPProvider{
		client:  client,
		project: cfg.GCPProject,
		prefix:  cfg.GCPPrefix,
	}, nil
}

func (p *GCPProvider) Name() string { return "gcp-sm" }

func (p *GCPProvider) Get(ctx context.Context, key string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s%s/versions/latest", p.project, p.prefix, key)

	result, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("gcp secret manager access %s: %w", key, err)
	}
	return string(result.Payload.Data), nil
}

// Close releases the underlying gRPC connection.
func (p *GCPProvider) Close() error {
	return p.client.Close()
}
