// Package testutil provides the LocalStack harness for SQS integration
// tests.
package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
)

// LocalStack wraps a running LocalStack container with an SQS client.
type LocalStack struct {
	container *localstack.LocalStackContainer

	// Endpoint is the SQS endpoint URL
	Endpoint string

	// Client is an SQS client bound to the endpoint
	Client *awssqs.Client
}

// Start launches a LocalStack container with the SQS service.
func Start(ctx context.Context, t *testing.T) (*LocalStack, error) {
	t.Helper()

	container, err := localstack.Run(ctx,
		"localstack/localstack:3.0",
		testcontainers.WithEnv(map[string]string{"SERVICES": "sqs"}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start localstack: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}
	endpoint = "http://" + endpoint

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", "test")),
	)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awssqs.NewFromConfig(cfg, func(o *awssqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &LocalStack{
		container: container,
		Endpoint:  endpoint,
		Client:    client,
	}, nil
}

// CreateQueue creates a queue and returns its URL.
func (l *LocalStack) CreateQueue(ctx context.Context, name string) (string, error) {
	result, err := l.Client.CreateQueue(ctx, &awssqs.CreateQueueInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create queue: %w", err)
	}
	return aws.ToString(result.QueueUrl), nil
}

// Terminate stops the container.
func (l *LocalStack) Terminate(ctx context.Context) {
	l.container.Terminate(ctx)
}
