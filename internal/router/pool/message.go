// Package pool implements the per-group FIFO processing pools of the
// message router.
package pool

import (
	"context"
	"time"
)

// Message is the router's in-flight representation of one source queue
// delivery. It is built by the consumer from a model.MessagePointer plus
// the queue callbacks bound to that delivery.
type Message struct {
	// ID is the application message identifier
	ID string

	// BrokerMessageID is the source queue's delivery identifier
	BrokerMessageID string

	// PoolCode selects the processing pool
	PoolCode string

	// GroupKey is the effective message group (messageGroupId or ID)
	GroupKey string

	// MediationTarget is the target URL
	MediationTarget string

	// MediationType is the delivery mechanism (HTTP)
	MediationType string

	// AuthToken is the optional bearer token for the target
	AuthToken string

	// Attempt is the source queue's delivery count (1-based)
	Attempt int

	// ReceivedAt is when the message entered the pipeline
	ReceivedAt time.Time

	// Queue callbacks bound to this delivery
	AckFunc        func() error
	NakFunc        func() error
	NakDelayFunc   func(time.Duration) error
	InProgressFunc func() error

	// Receipt handle management for redelivery while processing
	UpdateReceiptHandleFunc func(string)
	GetReceiptHandleFunc    func() string
}

// PipelineKey returns the deduplication key: the broker delivery ID when
// present, else the application ID.
func (m *Message) PipelineKey() string {
	if m.BrokerMessageID != "" {
		return m.BrokerMessageID
	}
	return m.ID
}

// MediationResult classifies a mediation outcome.
type MediationResult string

const (
	// MediationResultSuccess: 2xx, delivered.
	MediationResultSuccess MediationResult = "SUCCESS"

	// MediationResultErrorClient: permanent 4xx (except 408/429); acked,
	// never retried, never trips the breaker.
	MediationResultErrorClient MediationResult = "ERROR_CLIENT"

	// MediationResultErrorServer: 408/429/5xx or ack=false; retried.
	MediationResultErrorServer MediationResult = "ERROR_SERVER"

	// MediationResultErrorTimeout: request deadline exceeded; retried.
	MediationResultErrorTimeout MediationResult = "ERROR_TIMEOUT"

	// MediationResultErrorConnection: dial/DNS failure; retried.
	MediationResultErrorConnection MediationResult = "ERROR_CONNECTION"

	// MediationResultCircuitOpen: failed fast on an open breaker; retried
	// after the remaining cooldown.
	MediationResultCircuitOpen MediationResult = "CIRCUIT_OPEN"
)

// Transient reports whether the result should be retried.
func (r MediationResult) Transient() bool {
	switch r {
	case MediationResultErrorServer, MediationResultErrorTimeout,
		MediationResultErrorConnection, MediationResultCircuitOpen:
		return true
	}
	return false
}

// MediationOutcome is the result of one mediation including an optional
// redelivery delay.
type MediationOutcome struct {
	Result     MediationResult
	StatusCode int
	Error      error

	// Delay is an explicit redelivery delay (circuit cooldown, 429
	// Retry-After, or a target-requested delay).
	Delay *time.Duration
}

// HasCustomDelay reports whether an explicit delay is set.
func (o *MediationOutcome) HasCustomDelay() bool { return o.Delay != nil }

// DelaySeconds returns the explicit delay in whole seconds.
func (o *MediationOutcome) DelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

// Mediator delivers one message to its target.
type Mediator interface {
	Process(ctx context.Context, msg *Message) *MediationOutcome
}

// Callback settles a message against the source queue.
type Callback interface {
	// Ack removes the message from the source queue.
	Ack(msg *Message)

	// Nack makes the message eligible for redelivery after the given
	// delay. Zero means immediate redelivery.
	Nack(msg *Message, delay time.Duration)

	// NackWithBackoff nacks with a delay derived from the attempt count.
	NackWithBackoff(msg *Message)
}
