package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/queue"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
	"go.flowcatalyst.tech/dispatch/internal/router/pool"
)

// ConsumerHealth is the health surface of one consumer.
type ConsumerHealth struct {
	QueueIdentifier string    `json:"queueIdentifier"`
	Healthy         bool      `json:"healthy"`
	Running         bool      `json:"running"`
	LastPollTime    time.Time `json:"lastPollTime"`
}

// Consumer pulls from one source queue and routes messages.
type Consumer struct {
	manager       *QueueManager
	queueConsumer queue.Consumer
	identifier    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runningMu sync.Mutex
	running   bool
}

// NewConsumer creates a consumer bound to a queue consumer.
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer, identifier string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		manager:       manager,
		queueConsumer: queueConsumer,
		identifier:    identifier,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins consuming. Idempotent.
func (c *Consumer) Start() {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	if c.running {
		return
	}
	c.running = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.queueConsumer.Consume(c.ctx, c.handle)
		if err != nil && err != context.Canceled {
			slog.Error("Consumer terminated with error",
				"queue", c.identifier,
				"error", err)
		}
		c.runningMu.Lock()
		c.running = false
		c.runningMu.Unlock()
	}()

	slog.Info("Consumer started", "queue", c.identifier)
}

// Stop cancels the poll loop and waits for it to finish. Messages already
// handed to the router keep their ack/nack callbacks.
func (c *Consumer) Stop() {
	c.cancel()
	c.queueConsumer.Close()
	c.wg.Wait()
	slog.Info("Consumer stopped", "queue", c.identifier)
}

// Running reports whether the poll loop is live.
func (c *Consumer) Running() bool {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	return c.running
}

// LastPollTime returns the time of the last completed poll iteration.
func (c *Consumer) LastPollTime() time.Time {
	return c.queueConsumer.LastPollTime()
}

// Health evaluates the consumer against the stall threshold.
func (c *Consumer) Health(stallThreshold time.Duration) ConsumerHealth {
	running := c.Running()
	lastPoll := c.LastPollTime()
	stalled := running && time.Since(lastPoll) > stallThreshold
	return ConsumerHealth{
		QueueIdentifier: c.identifier,
		Healthy:         running && !stalled,
		Running:         running,
		LastPollTime:    lastPoll,
	}
}

// handle processes one delivery: parse, validate, route.
func (c *Consumer) handle(msg queue.Message) error {
	var pointer model.MessagePointer
	if err := json.Unmarshal(msg.Data(), &pointer); err != nil {
		// Poison pill: redelivery cannot fix a malformed body.
		slog.Warn("Failed to parse message pointer - acking poison pill",
			"queue", c.identifier,
			"brokerMessageId", msg.ID(),
			"error", err)
		c.manager.warn("MESSAGE_PARSE_FAILURE", "WARN",
			fmt.Sprintf("unparseable message %s acked", msg.ID()), c.identifier)
		msg.Ack()
		return nil
	}

	if !pointer.Valid() {
		slog.Warn("Message pointer missing required fields - acking poison pill",
			"queue", c.identifier,
			"messageId", pointer.ID)
		c.manager.warn("MESSAGE_PARSE_FAILURE", "WARN",
			fmt.Sprintf("incomplete pointer %s acked", pointer.ID), c.identifier)
		msg.Ack()
		return nil
	}

	routed := &pool.Message{
		ID:              pointer.ID,
		BrokerMessageID: msg.ID(),
		PoolCode:        pointer.PoolCode,
		GroupKey:        pointer.GroupKey(),
		MediationTarget: pointer.MediationTarget,
		MediationType:   string(pointer.MediationType),
		AuthToken:       pointer.AuthToken,
		Attempt:         msg.ReceiveCount(),
		ReceivedAt:      time.Now(),
		AckFunc:         msg.Ack,
		NakFunc:         msg.Nak,
		NakDelayFunc:    msg.NakWithDelay,
		InProgressFunc:  msg.InProgress,
	}

	// SQS can redeliver while the original is processing; keeping the
	// handle updatable lets the original settle with a live handle.
	if updatable, ok := msg.(queue.ReceiptHandleUpdatable); ok {
		routed.UpdateReceiptHandleFunc = updatable.UpdateReceiptHandle
		routed.GetReceiptHandleFunc = updatable.GetReceiptHandle
	}

	c.manager.Route(routed)
	return nil
}

// SupervisorConfig controls consumer health monitoring.
type SupervisorConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// DefaultSupervisorConfig returns the standard monitoring settings.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     120 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// managedConsumer pairs a consumer with its factory for restarts.
type managedConsumer struct {
	spec         queue.ConsumerSpec
	mu           sync.Mutex
	consumer     *Consumer
	restartCount int
	stalled      bool
}

// Router owns the manager, its consumers and the supervisor loop.
type Router struct {
	manager   *QueueManager
	consumers []*managedConsumer
	config    *SupervisorConfig

	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewRouter creates a router over the manager.
func NewRouter(manager *QueueManager) *Router {
	return &Router{
		manager: manager,
		config:  DefaultSupervisorConfig(),
	}
}

// WithSupervisorConfig overrides the monitoring settings.
func (r *Router) WithSupervisorConfig(cfg *SupervisorConfig) *Router {
	if cfg != nil {
		r.config = cfg
	}
	return r
}

// AddConsumer registers a source queue. Must be called before Start.
func (r *Router) AddConsumer(ctx context.Context, spec queue.ConsumerSpec) error {
	queueConsumer, err := spec.Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build consumer for %s: %w", spec.QueueIdentifier, err)
	}
	r.consumers = append(r.consumers, &managedConsumer{
		spec:     spec,
		consumer: NewConsumer(r.manager, queueConsumer, spec.QueueIdentifier),
	})
	return nil
}

// Manager returns the queue manager.
func (r *Router) Manager() *QueueManager { return r.manager }

// Start starts the manager, the consumers and the supervisor.
func (r *Router) Start() {
	r.manager.Start()
	for _, mc := range r.consumers {
		mc.consumer.Start()
	}

	if r.config.Enabled && len(r.consumers) > 0 {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runSupervisor()
		slog.Info("Consumer supervisor started",
			"checkInterval", r.config.CheckInterval,
			"stallThreshold", r.config.StallThreshold,
			"maxRestarts", r.config.MaxRestartAttempts)
	}

	slog.Info("Message router started", "consumers", len(r.consumers))
}

// Stop stops the supervisor, the consumers and the manager.
func (r *Router) Stop() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
	}
	for _, mc := range r.consumers {
		mc.mu.Lock()
		consumer := mc.consumer
		mc.mu.Unlock()
		consumer.Stop()
	}
	r.manager.Stop()
	slog.Info("Message router stopped")
}

// ConsumerHealth reports the health of every consumer.
func (r *Router) ConsumerHealth() []ConsumerHealth {
	out := make([]ConsumerHealth, 0, len(r.consumers))
	for _, mc := range r.consumers {
		mc.mu.Lock()
		consumer := mc.consumer
		mc.mu.Unlock()
		out = append(out, consumer.Health(r.config.StallThreshold))
	}
	return out
}

func (r *Router) runSupervisor() {
	defer r.healthWg.Done()

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthCtx.Done():
			return
		case <-ticker.C:
			for _, mc := range r.consumers {
				r.checkConsumer(mc)
			}
		}
	}
}

// checkConsumer restarts a stalled consumer by rebuilding it from its
// factory. In-flight messages are unaffected: their callbacks belong to
// deliveries already handed to the router.
func (r *Router) checkConsumer(mc *managedConsumer) {
	mc.mu.Lock()
	consumer := mc.consumer
	mc.mu.Unlock()

	stalledFor := time.Since(consumer.LastPollTime())
	if !consumer.Running() || stalledFor < r.config.StallThreshold {
		mc.mu.Lock()
		if mc.stalled {
			mc.stalled = false
			mc.restartCount = 0
			slog.Info("Consumer recovered from stalled state", "queue", consumer.identifier)
		}
		mc.mu.Unlock()
		return
	}

	metrics.ConsumerStallEvents.Inc()

	mc.mu.Lock()
	mc.stalled = true
	attempts := mc.restartCount
	mc.mu.Unlock()

	slog.Warn("Consumer appears stalled",
		"queue", consumer.identifier,
		"stalledFor", stalledFor,
		"restartAttempts", attempts,
		"maxAttempts", r.config.MaxRestartAttempts)

	if attempts >= r.config.MaxRestartAttempts {
		slog.Error("Consumer exceeded max restart attempts - manual intervention required",
			"queue", consumer.identifier,
			"attempts", attempts)
		return
	}

	r.restartConsumer(mc)
}

func (r *Router) restartConsumer(mc *managedConsumer) {
	mc.mu.Lock()
	old := mc.consumer
	mc.restartCount++
	attempt := mc.restartCount
	mc.mu.Unlock()

	metrics.ConsumerRestarts.Inc()
	slog.Info("Restarting stalled consumer",
		"queue", old.identifier,
		"attempt", attempt)

	old.Stop()
	time.Sleep(r.config.RestartDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	queueConsumer, err := mc.spec.Build(ctx)
	if err != nil {
		slog.Error("Failed to rebuild consumer",
			"queue", old.identifier,
			"error", err)
		return
	}

	fresh := NewConsumer(r.manager, queueConsumer, mc.spec.QueueIdentifier)
	fresh.Start()

	mc.mu.Lock()
	mc.consumer = fresh
	mc.mu.Unlock()

	slog.Info("Consumer restarted", "queue", old.identifier, "attempt", attempt)
}
