// Package sqs provides the AWS SQS source queue implementation.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// API is the slice of the SQS client used here, split out for testing.
type API interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *awssqs.ChangeMessageVisibilityInput, optFns ...func(*awssqs.Options)) (*awssqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// Visibility limits.
const (
	MaxVisibilitySeconds = 43200 // SQS hard cap, 12 hours
)

// Config holds SQS queue settings.
type Config struct {
	// QueueURL is the SQS queue URL
	QueueURL string

	// Region is the AWS region
	Region string

	// WaitTimeSeconds is the long-poll wait (SQS max 20)
	WaitTimeSeconds int32

	// VisibilityTimeout is the lease in seconds
	VisibilityTimeout int32

	// MaxNumberOfMessages is the batch size per receive (1-10)
	MaxNumberOfMessages int32

	// CustomEndpoint overrides the endpoint (LocalStack)
	CustomEndpoint string

	// AccessKeyID / SecretAccessKey are static credentials for testing
	AccessKeyID     string
	SecretAccessKey string
}

func (c *Config) setDefaults() {
	if c.WaitTimeSeconds == 0 {
		c.WaitTimeSeconds = 20
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = 120
	}
	if c.MaxNumberOfMessages == 0 {
		c.MaxNumberOfMessages = 10
	}
}

// Client wraps one SQS queue.
type Client struct {
	api    API
	config *Config
}

// NewClient creates an SQS client for the configured queue.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	cfg.setDefaults()

	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.CustomEndpoint != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.CustomEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		}
	})

	return &Client{api: api, config: cfg}, nil
}

// NewClientWithAPI wires a pre-built API, for tests.
func NewClientWithAPI(api API, cfg *Config) *Client {
	cfg.setDefaults()
	return &Client{api: api, config: cfg}
}

// QueueURL returns the configured queue URL.
func (c *Client) QueueURL() string { return c.config.QueueURL }

// HealthCheck verifies the queue is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.api.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// NewConsumer creates a consumer for the queue.
func (c *Client) NewConsumer(name string) *Consumer {
	consumer := &Consumer{
		api:            c.api,
		config:         c.config,
		name:           name,
		pendingDeletes: make(map[string]struct{}),
	}
	consumer.lastPoll.Store(time.Now().UnixMilli())
	slog.Info("SQS consumer created",
		"name", name,
		"queueURL", c.config.QueueURL,
		"maxMessages", c.config.MaxNumberOfMessages,
		"waitTime", c.config.WaitTimeSeconds)
	return consumer
}

// NewPublisher creates a publisher for the queue.
func (c *Client) NewPublisher() *Publisher {
	return &Publisher{api: c.api, queueURL: c.config.QueueURL}
}

// Publisher publishes messages to SQS.
type Publisher struct {
	api      API
	queueURL string
}

// Publish sends a message to the queue.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	input := &awssqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(data)),
	}
	if subject != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"Subject": {DataType: aws.String("String"), StringValue: aws.String(subject)},
		}
	}
	if _, err := p.api.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message: %w", err)
	}
	return nil
}

// PublishWithGroup sends a message with a message group (FIFO queues).
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	input := &awssqs.SendMessageInput{
		QueueUrl:       aws.String(p.queueURL),
		MessageBody:    aws.String(string(data)),
		MessageGroupId: aws.String(messageGroup),
	}
	if _, err := p.api.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("failed to send SQS message with group: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error { return nil }

// Consumer long-polls the queue and hands messages to a handler.
type Consumer struct {
	api    API
	config *Config
	name   string

	// lastPoll is the unix-millisecond timestamp of the last completed
	// poll iteration, the basis of stall detection.
	lastPoll atomic.Int64

	// pendingDeletes remembers messages that were processed but whose
	// delete failed on an expired receipt handle. They are deleted when
	// the broker redelivers them.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.Mutex

	running atomic.Bool
}

// LastPollTime returns when the poll loop last completed an iteration.
func (c *Consumer) LastPollTime() time.Time {
	return time.UnixMilli(c.lastPoll.Load())
}

// Close stops the consumer loop.
func (c *Consumer) Close() error {
	c.running.Store(false)
	slog.Info("SQS consumer closed", "consumer", c.name)
	return nil
}

// Consume long-polls until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.running.Store(true)
	slog.Info("Starting SQS consumer", "consumer", c.name, "queueURL", c.config.QueueURL)

	for {
		if ctx.Err() != nil {
			slog.Info("SQS consumer context cancelled, stopping", "consumer", c.name)
			c.running.Store(false)
			return ctx.Err()
		}
		if !c.running.Load() {
			slog.Info("SQS consumer stopped", "consumer", c.name)
			return nil
		}

		batchSize, err := c.poll(ctx, handler)
		c.lastPoll.Store(time.Now().UnixMilli())

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Error polling SQS messages", "error", err, "consumer", c.name)
			sleepCtx(ctx, time.Second)
			continue
		}

		// Adaptive pacing: idle queue backs off a second, a partial batch
		// lets messages accumulate briefly, a full batch polls again.
		if batchSize == 0 {
			sleepCtx(ctx, time.Second)
		} else if batchSize < int(c.config.MaxNumberOfMessages) {
			sleepCtx(ctx, 50*time.Millisecond)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (c *Consumer) poll(ctx context.Context, handler func(queue.Message) error) (int, error) {
	input := &awssqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.config.QueueURL),
		MaxNumberOfMessages:   c.config.MaxNumberOfMessages,
		WaitTimeSeconds:       c.config.WaitTimeSeconds,
		VisibilityTimeout:     c.config.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	}

	result, err := c.api.ReceiveMessage(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	processed := 0
	for i := range result.Messages {
		raw := result.Messages[i]
		messageID := aws.ToString(raw.MessageId)

		if c.isPendingDelete(messageID) {
			slog.Info("SQS message was previously processed - deleting now", "sqsMessageId", messageID)
			if err := c.deleteByHandle(ctx, raw.ReceiptHandle); err != nil {
				slog.Warn("Failed to delete previously processed message",
					"error", err, "sqsMessageId", messageID)
			} else {
				c.clearPendingDelete(messageID)
			}
			continue
		}

		msg := &Message{
			raw:               &raw,
			api:               c.api,
			queueURL:          c.config.QueueURL,
			messageID:         messageID,
			receiptHandle:     aws.ToString(raw.ReceiptHandle),
			visibilityTimeout: c.config.VisibilityTimeout,
			consumer:          c,
		}

		if err := handler(msg); err != nil {
			slog.Error("Message handler error",
				"error", err, "messageId", messageID, "consumer", c.name)
		}
		processed++
	}

	return processed, nil
}

func (c *Consumer) isPendingDelete(messageID string) bool {
	c.pendingDeletesMu.Lock()
	defer c.pendingDeletesMu.Unlock()
	_, ok := c.pendingDeletes[messageID]
	return ok
}

func (c *Consumer) clearPendingDelete(messageID string) {
	c.pendingDeletesMu.Lock()
	defer c.pendingDeletesMu.Unlock()
	delete(c.pendingDeletes, messageID)
}

func (c *Consumer) markForDeletion(messageID string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[messageID] = struct{}{}
	c.pendingDeletesMu.Unlock()
	slog.Info("SQS message marked for deletion on next poll", "sqsMessageId", messageID)
}

func (c *Consumer) deleteByHandle(ctx context.Context, receiptHandle *string) error {
	if receiptHandle == nil {
		return nil
	}
	_, err := c.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: receiptHandle,
	})
	return err
}

// Message adapts one SQS delivery to queue.Message.
type Message struct {
	raw               *types.Message
	api               API
	queueURL          string
	messageID         string
	visibilityTimeout int32
	consumer          *Consumer

	receiptHandle string
	handleMu      sync.Mutex
}

// ID returns the SQS message ID.
func (m *Message) ID() string { return m.messageID }

// Data returns the message body.
func (m *Message) Data() []byte {
	if m.raw.Body != nil {
		return []byte(*m.raw.Body)
	}
	return nil
}

// MessageGroup returns the broker message group (FIFO queues).
func (m *Message) MessageGroup() string {
	if group, ok := m.raw.Attributes["MessageGroupId"]; ok {
		return group
	}
	return ""
}

// ReceiveCount returns the approximate delivery count (1-based).
func (m *Message) ReceiveCount() int {
	if v, ok := m.raw.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// GetReceiptHandle returns the current receipt handle.
func (m *Message) GetReceiptHandle() string {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	return m.receiptHandle
}

// UpdateReceiptHandle replaces the receipt handle; called when the broker
// redelivers this message while the original is still being processed.
func (m *Message) UpdateReceiptHandle(newHandle string) {
	m.handleMu.Lock()
	m.receiptHandle = newHandle
	m.handleMu.Unlock()
}

// Ack deletes the message.
func (m *Message) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.api.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.GetReceiptHandle()),
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			m.consumer.markForDeletion(m.messageID)
			slog.Info("Receipt handle expired - marked for deletion on next poll",
				"sqsMessageId", m.messageID)
			return nil
		}
		return fmt.Errorf("failed to delete SQS message: %w", err)
	}
	return nil
}

// Nak is a no-op: the visibility timeout expiring causes redelivery.
func (m *Message) Nak() error {
	return nil
}

// NakWithDelay makes the message visible again after the given delay.
// Zero requests immediate redelivery.
func (m *Message) NakWithDelay(delay time.Duration) error {
	seconds := int32(delay.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}
	return m.changeVisibility(seconds)
}

// InProgress extends the lease by the configured visibility timeout.
func (m *Message) InProgress() error {
	return m.changeVisibility(m.visibilityTimeout)
}

func (m *Message) changeVisibility(timeout int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.api.ChangeMessageVisibility(ctx, &awssqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.queueURL),
		ReceiptHandle:     aws.String(m.GetReceiptHandle()),
		VisibilityTimeout: timeout,
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			slog.Debug("Receipt handle expired - cannot change visibility",
				"sqsMessageId", m.messageID)
			return nil
		}
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}

func isReceiptHandleExpired(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "ReceiptHandleIsInvalid") ||
		strings.Contains(msg, "InvalidParameterValue") && strings.Contains(msg, "ReceiptHandle")
}
