package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
)

// Config holds the construction parameters of a pool.
type Config struct {
	// Code names the pool.
	Code string

	// Concurrency is the permit count (>= 1).
	Concurrency int

	// BufferCapacity bounds the total queued messages across all groups.
	// Zero selects max(10*Concurrency, 500).
	BufferCapacity int

	// RateLimitPerMinute caps mediations per minute. Nil or <= 0 disables
	// rate limiting.
	RateLimitPerMinute *int

	// BatchSize is the messages drained per worker iteration. The router
	// uses 1; zero defaults to 1.
	BatchSize int
}

func (c *Config) bufferCapacity() int {
	if c.BufferCapacity > 0 {
		return c.BufferCapacity
	}
	capacity := 10 * c.Concurrency
	if capacity < 500 {
		capacity = 500
	}
	return capacity
}

// groupQueue is one message group's FIFO queue. Owned by the pool; only
// mutated under the pool lock.
type groupQueue struct {
	items   []*Message
	running bool
}

// ProcessPool routes messages to per-group FIFO queues, each drained by at
// most one worker at a time, with a shared permit semaphore bounding
// concurrent mediations.
type ProcessPool struct {
	poolCode       string
	concurrency    int32
	bufferCapacity int
	batchSize      int

	// permits holds one token per available worker slot.
	permits chan struct{}

	mu     sync.Mutex
	groups map[string]*groupQueue
	queued int

	rateLimitMu        sync.RWMutex
	limiter            *rate.Limiter
	rateLimitPerMinute *int

	mediator Mediator
	callback Callback

	accepting atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

// New creates a pool. Start must be called before Submit admits anything.
func New(cfg *Config, mediator Mediator, callback Callback) *ProcessPool {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	p := &ProcessPool{
		poolCode:       cfg.Code,
		concurrency:    int32(concurrency),
		bufferCapacity: cfg.bufferCapacity(),
		batchSize:      batchSize,
		permits:        make(chan struct{}, concurrency),
		groups:         make(map[string]*groupQueue),
		mediator:       mediator,
		callback:       callback,
		ctx:            ctx,
		cancel:         cancel,
		gaugeCtx:       gaugeCtx,
		gaugeCancel:    gaugeCancel,
	}

	for i := 0; i < concurrency; i++ {
		p.permits <- struct{}{}
	}

	p.setRateLimit(cfg.RateLimitPerMinute)
	return p
}

// Start begins accepting work and gauge publication.
func (p *ProcessPool) Start() {
	if p.accepting.CompareAndSwap(false, true) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()
		slog.Info("Started processing pool",
			"pool", p.poolCode,
			"concurrency", atomic.LoadInt32(&p.concurrency),
			"bufferCapacity", p.bufferCapacity)
	}
}

// Drain stops accepting new work; queued messages still process.
func (p *ProcessPool) Drain() {
	p.accepting.Store(false)
	slog.Info("Draining processing pool", "pool", p.poolCode, "queued", p.QueueDepth())
}

// Submit enqueues a message for its group. Returns false when the pool is
// not accepting or the buffer is full; the caller nacks.
func (p *ProcessPool) Submit(msg *Message) bool {
	if !p.accepting.Load() {
		return false
	}

	groupKey := msg.GroupKey
	if groupKey == "" {
		groupKey = msg.ID
	}

	p.mu.Lock()
	if p.queued >= p.bufferCapacity {
		p.mu.Unlock()
		slog.Debug("Pool at capacity, rejecting message",
			"pool", p.poolCode,
			"capacity", p.bufferCapacity,
			"messageId", msg.ID)
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "rejected").Inc()
		return false
	}

	g, ok := p.groups[groupKey]
	if !ok {
		g = &groupQueue{}
		p.groups[groupKey] = g
	}
	g.items = append(g.items, msg)
	p.queued++

	startWorker := !g.running
	if startWorker {
		g.running = true
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if startWorker {
		go p.runGroupWorker(groupKey)
	}
	return true
}

// runGroupWorker drains one group. At most one worker runs per group while
// its running flag is set; this is what preserves group FIFO.
func (p *ProcessPool) runGroupWorker(groupKey string) {
	defer p.wg.Done()

	for {
		select {
		case <-p.permits:
		case <-p.ctx.Done():
			p.exitGroup(groupKey)
			return
		}

		if !p.waitRateLimit() {
			// Cancelled while suspended on the limiter.
			p.permits <- struct{}{}
			p.exitGroup(groupKey)
			return
		}

		batch := p.takeBatch(groupKey)
		if len(batch) == 0 {
			p.permits <- struct{}{}
			return
		}

		p.processBatch(batch)
	}
}

// takeBatch pops up to batchSize messages from the group under the pool
// lock. An empty queue ends the worker: the running flag clears and the
// group is deleted, all in the same critical section, so a concurrent
// Submit either sees the items before the pop or starts a fresh worker.
func (p *ProcessPool) takeBatch(groupKey string) []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[groupKey]
	if !ok {
		return nil
	}
	if len(g.items) == 0 {
		g.running = false
		delete(p.groups, groupKey)
		return nil
	}

	n := p.batchSize
	if n > len(g.items) {
		n = len(g.items)
	}
	batch := make([]*Message, n)
	copy(batch, g.items[:n])
	g.items = g.items[n:]
	p.queued -= n
	return batch
}

// exitGroup clears the running flag without draining, for cancellation
// paths. Remaining items are settled by Shutdown.
func (p *ProcessPool) exitGroup(groupKey string) {
	p.mu.Lock()
	if g, ok := p.groups[groupKey]; ok {
		g.running = false
		if len(g.items) == 0 {
			delete(p.groups, groupKey)
		}
	}
	p.mu.Unlock()
}

// processBatch mediates the batch and settles each message. The permit is
// released on every exit path, including panics.
func (p *ProcessPool) processBatch(batch []*Message) {
	defer func() {
		p.permits <- struct{}{}
		if r := recover(); r != nil {
			slog.Error("Panic during message processing",
				"pool", p.poolCode,
				"panic", r)
			for _, msg := range batch {
				p.nackSafely(msg)
			}
		}
	}()

	for _, msg := range batch {
		start := time.Now()
		outcome := p.mediator.Process(p.ctx, msg)
		duration := time.Since(start)

		metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())
		slog.Info("Message mediation completed",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"result", resultString(outcome),
			"duration", duration)

		p.settle(msg, outcome)
	}
}

func resultString(o *MediationOutcome) string {
	if o == nil {
		return string(MediationResultErrorServer)
	}
	return string(o.Result)
}

// settle acks or nacks according to the mediation outcome.
func (p *ProcessPool) settle(msg *Message, outcome *MediationOutcome) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultErrorServer}
	}

	switch outcome.Result {
	case MediationResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		p.callback.Ack(msg)

	case MediationResultErrorClient:
		// Permanent target-side rejection: retrying cannot help.
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		slog.Warn("Permanent mediation error - acking to stop redelivery",
			"pool", p.poolCode,
			"messageId", msg.ID,
			"statusCode", outcome.StatusCode)
		p.callback.Ack(msg)

	default:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		if outcome.HasCustomDelay() {
			p.callback.Nack(msg, *outcome.Delay)
		} else {
			p.callback.NackWithBackoff(msg)
		}
	}
}

func (p *ProcessPool) nackSafely(msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack",
				"pool", p.poolCode,
				"messageId", msg.ID,
				"panic", r)
		}
	}()
	p.callback.Nack(msg, 0)
}

// waitRateLimit blocks for a token when a limiter is configured. Returns
// false if cancelled while waiting.
func (p *ProcessPool) waitRateLimit() bool {
	p.rateLimitMu.RLock()
	limiter := p.limiter
	p.rateLimitMu.RUnlock()

	if limiter == nil {
		return true
	}

	if limiter.Tokens() < 1 {
		metrics.PoolRateLimitWaits.WithLabelValues(p.poolCode).Inc()
	}
	return limiter.Wait(p.ctx) == nil
}

// Shutdown stops the pool: no new work, running workers cancelled, queued
// messages nacked with no delay so the source queue redelivers promptly.
func (p *ProcessPool) Shutdown() {
	p.accepting.Store(false)

	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out waiting for workers", "pool", p.poolCode)
	}

	// Settle whatever never reached a worker.
	p.mu.Lock()
	var remaining []*Message
	for key, g := range p.groups {
		remaining = append(remaining, g.items...)
		g.items = nil
		delete(p.groups, key)
	}
	p.queued = 0
	p.mu.Unlock()

	for _, msg := range remaining {
		p.nackSafely(msg)
	}

	slog.Info("Pool shutdown complete", "pool", p.poolCode, "nacked", len(remaining))
}

// Code returns the pool code.
func (p *ProcessPool) Code() string { return p.poolCode }

// Concurrency returns the permit count.
func (p *ProcessPool) Concurrency() int { return int(atomic.LoadInt32(&p.concurrency)) }

// QueueDepth returns the total buffered messages.
func (p *ProcessPool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// GroupQueueDepth returns the buffered messages for one group.
func (p *ProcessPool) GroupQueueDepth(groupKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.groups[groupKey]; ok {
		return len(g.items)
	}
	return 0
}

// GroupCount returns the number of live groups.
func (p *ProcessPool) GroupCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups)
}

// ActiveWorkers returns the permits currently held.
func (p *ProcessPool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&p.concurrency)) - len(p.permits)
}

// AvailablePermits returns the unheld permits.
func (p *ProcessPool) AvailablePermits() int { return len(p.permits) }

// BufferCapacity returns the buffer bound.
func (p *ProcessPool) BufferCapacity() int { return p.bufferCapacity }

// HasCapacity reports whether needed more messages fit in the buffer.
func (p *ProcessPool) HasCapacity(needed int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued+needed <= p.bufferCapacity
}

// IsFullyDrained reports whether nothing is queued or processing.
func (p *ProcessPool) IsFullyDrained() bool {
	return p.QueueDepth() == 0 && len(p.permits) == int(atomic.LoadInt32(&p.concurrency))
}

// RateLimitPerMinute returns the configured limit, nil when disabled.
func (p *ProcessPool) RateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimitPerMinute
}

// IsRateLimited reports whether the limiter is currently out of tokens.
func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.limiter
	p.rateLimitMu.RUnlock()
	return limiter != nil && limiter.Tokens() <= 0
}

// UpdateRateLimit replaces the rate limit at runtime.
func (p *ProcessPool) UpdateRateLimit(perMinute *int) {
	p.setRateLimit(perMinute)
	if perMinute == nil || *perMinute <= 0 {
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
	} else {
		slog.Info("Rate limit updated", "pool", p.poolCode, "rateLimit", *perMinute)
	}
}

func (p *ProcessPool) setRateLimit(perMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if perMinute == nil || *perMinute <= 0 {
		p.limiter = nil
		p.rateLimitPerMinute = nil
		return
	}

	perSecond := float64(*perMinute) / 60.0
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	p.rateLimitPerMinute = perMinute
}

// UpdateConcurrency grows or shrinks the permit pool. Shrinking acquires
// the excess permits and fails if workers do not release them within
// timeoutSeconds.
func (p *ProcessPool) UpdateConcurrency(newLimit int, timeoutSeconds int) bool {
	if newLimit <= 0 {
		return false
	}

	current := int(atomic.LoadInt32(&p.concurrency))
	if newLimit == current {
		return true
	}

	if newLimit > current {
		for i := 0; i < newLimit-current; i++ {
			p.permits <- struct{}{}
		}
		atomic.StoreInt32(&p.concurrency, int32(newLimit))
		slog.Info("Concurrency increased", "pool", p.poolCode, "from", current, "to", newLimit)
		return true
	}

	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	acquired := 0
	for acquired < current-newLimit {
		select {
		case <-p.permits:
			acquired++
		case <-time.After(time.Until(deadline)):
			for i := 0; i < acquired; i++ {
				p.permits <- struct{}{}
			}
			slog.Warn("Concurrency decrease timed out", "pool", p.poolCode, "from", current, "to", newLimit)
			return false
		}
	}

	atomic.StoreInt32(&p.concurrency, int32(newLimit))
	slog.Info("Concurrency decreased", "pool", p.poolCode, "from", current, "to", newLimit)
	return true
}

func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()
	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *ProcessPool) updateGauges() {
	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(p.ActiveWorkers()))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(p.QueueDepth()))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(p.AvailablePermits()))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(p.GroupCount()))
}
