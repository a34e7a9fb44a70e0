// Package nats provides the NATS JetStream source queue implementation,
// plus an embedded server mode for single-binary deployments.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/dispatch/internal/queue"
)

// Config holds NATS JetStream settings.
type Config struct {
	// URL is the NATS server URL (ignored when embedded)
	URL string

	// StreamName is the JetStream stream name
	StreamName string

	// Subjects bound to the stream
	Subjects []string

	// ConsumerName is the durable consumer name
	ConsumerName string

	// AckWait is the redelivery deadline
	AckWait time.Duration

	// FetchBatch is the messages pulled per iteration
	FetchBatch int

	// MaxDeliver caps delivery attempts (0 = unlimited)
	MaxDeliver int
}

func (c *Config) setDefaults() {
	if c.StreamName == "" {
		c.StreamName = "DISPATCH"
	}
	if len(c.Subjects) == 0 {
		c.Subjects = []string{"dispatch.>"}
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "router-consumer"
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 10
	}
}

// Client wraps a NATS connection with a JetStream stream.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config *Config
}

// NewClient connects to NATS and ensures the stream exists.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	cfg.setDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client, err := newClientFromConn(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

func newClientFromConn(ctx context.Context, conn *nats.Conn, cfg *Config) (*Client, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  cfg.Subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", cfg.StreamName, err)
	}

	return &Client{conn: conn, js: js, config: cfg}, nil
}

// IsConnected reports the connection state, for health checks.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close closes the connection without draining it.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

// NewPublisher creates a JetStream publisher.
func (c *Client) NewPublisher() *Publisher {
	return &Publisher{js: c.js}
}

// NewConsumer creates a durable pull consumer on the stream.
func (c *Client) NewConsumer(ctx context.Context) (*Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.config.StreamName, jetstream.ConsumerConfig{
		Durable:    c.config.ConsumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    c.config.AckWait,
		MaxDeliver: c.config.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", c.config.ConsumerName, err)
	}

	consumer := &Consumer{cons: cons, config: c.config}
	consumer.lastPoll.Store(time.Now().UnixMilli())
	return consumer, nil
}

// Publisher publishes messages to JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// Publish sends a message to the subject.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishWithGroup sends a message carrying a message group header.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: make(nats.Header)}
	msg.Header.Set("Nats-Msg-Group", messageGroup)
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message with group: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *Publisher) Close() error { return nil }

// fetcher is the slice of jetstream.Consumer the consumer loop uses,
// split out for testing.
type fetcher interface {
	Fetch(batch int, opts ...jetstream.FetchOpt) (jetstream.MessageBatch, error)
}

// Consumer pull-fetches from the durable consumer.
type Consumer struct {
	cons     fetcher
	config   *Config
	lastPoll atomic.Int64
	running  atomic.Bool
}

// LastPollTime returns when the fetch loop last completed an iteration.
func (c *Consumer) LastPollTime() time.Time {
	return time.UnixMilli(c.lastPoll.Load())
}

// Close stops the consumer loop.
func (c *Consumer) Close() error {
	c.running.Store(false)
	return nil
}

// Consume pull-fetches until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.running.Store(true)
	slog.Info("Starting NATS consumer", "consumer", c.config.ConsumerName, "stream", c.config.StreamName)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.running.Load() {
			return nil
		}

		batch, err := c.cons.Fetch(c.config.FetchBatch, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			c.lastPoll.Store(time.Now().UnixMilli())
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Error fetching NATS messages", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for raw := range batch.Messages() {
			msg := &Message{msg: raw}
			if err := handler(msg); err != nil {
				slog.Error("Message handler error", "error", err, "subject", raw.Subject())
			}
		}
		c.lastPoll.Store(time.Now().UnixMilli())
	}
}

// Message adapts a jetstream.Msg to queue.Message.
type Message struct {
	msg jetstream.Msg
}

// ID returns a broker identity for the delivery: the subject and the
// stream sequence, as "subject:sequence".
func (m *Message) ID() string {
	if meta, err := m.msg.Metadata(); err == nil {
		return m.msg.Subject() + ":" + strconv.FormatUint(meta.Sequence.Stream, 10)
	}
	return ""
}

// Data returns the payload.
func (m *Message) Data() []byte { return m.msg.Data() }

// MessageGroup returns the group header set by PublishWithGroup.
func (m *Message) MessageGroup() string {
	return m.msg.Headers().Get("Nats-Msg-Group")
}

// ReceiveCount returns the JetStream delivery count (1-based).
func (m *Message) ReceiveCount() int {
	if meta, err := m.msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		return int(meta.NumDelivered)
	}
	return 1
}

// Ack acknowledges the message.
func (m *Message) Ack() error { return m.msg.Ack() }

// Nak requests redelivery.
func (m *Message) Nak() error { return m.msg.Nak() }

// NakWithDelay requests redelivery after the given delay.
func (m *Message) NakWithDelay(delay time.Duration) error {
	if delay <= 0 {
		return m.msg.Nak()
	}
	return m.msg.NakWithDelay(delay)
}

// InProgress extends the ack deadline.
func (m *Message) InProgress() error { return m.msg.InProgress() }
