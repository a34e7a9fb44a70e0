// Package queue abstracts the source message queues the router consumes.
package queue

import (
	"context"
	"time"
)

// Message is one delivery from a source queue. Receipt of a message is a
// lease: the queue redelivers unless Ack is called before the visibility
// deadline.
type Message interface {
	// ID returns the broker message identifier (used as the pipeline key)
	ID() string

	// Data returns the message payload
	Data() []byte

	// MessageGroup returns the broker-level message group, if any
	MessageGroup() string

	// ReceiveCount returns how many times the broker has delivered this
	// message (1 on first delivery). Drives retry backoff.
	ReceiveCount() int

	// Ack acknowledges successful processing (deletes the message)
	Ack() error

	// Nak signals failure; the message becomes visible again
	Nak() error

	// NakWithDelay signals failure with a delay before redelivery.
	// A zero delay requests immediate redelivery.
	NakWithDelay(delay time.Duration) error

	// InProgress extends the processing lease
	InProgress() error
}

// ReceiptHandleUpdatable is implemented by messages whose delivery handle
// can be replaced when the broker redelivers while the original is still
// being processed (SQS receipt handles).
type ReceiptHandleUpdatable interface {
	UpdateReceiptHandle(newHandle string)
	GetReceiptHandle() string
}

// Consumer consumes messages from one queue.
type Consumer interface {
	// Consume long-polls and invokes the handler for each message.
	// Blocks until ctx is cancelled or a fatal error occurs.
	Consume(ctx context.Context, handler func(Message) error) error

	// LastPollTime returns when the poll loop last completed an iteration.
	LastPollTime() time.Time

	// Close stops the consumer.
	Close() error
}

// Publisher publishes messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
	PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error
	Close() error
}
