// Package manager wires the message router: consumers feed the pipeline
// registry and processing pools, pools call back for ack/nack, and a
// supervisor restarts stalled consumers.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/router/pipeline"
	"go.flowcatalyst.tech/dispatch/internal/router/pool"
	"go.flowcatalyst.tech/dispatch/internal/router/warning"
)

// Backoff bounds for transient mediation failures. The delay doubles per
// delivery attempt, read from the source queue's receive count.
const (
	backoffBase = 5 * time.Second
	backoffMax  = 15 * time.Minute
)

// RouteStatus is the result of routing one message.
type RouteStatus int

const (
	// RouteAdmitted: the message is in a pool queue.
	RouteAdmitted RouteStatus = iota

	// RouteDuplicate: a copy is already in flight; the delivery was acked.
	RouteDuplicate

	// RoutePoolUnknown: the pointer referenced a missing pool; nacked with
	// the pool-miss delay.
	RoutePoolUnknown

	// RouteRejected: the pool buffer was full; nacked with no delay.
	RouteRejected

	// RouteClosed: the manager is stopped; nacked with no delay.
	RouteClosed
)

// CleanupConfig controls the stale pipeline entry sweep.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	TTL      time.Duration
}

// DefaultCleanupConfig returns the standard sweep settings.
func DefaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      time.Hour,
	}
}

// VisibilityExtenderConfig controls lease extension for slow mediations.
type VisibilityExtenderConfig struct {
	Enabled   bool
	Interval  time.Duration
	Threshold time.Duration
}

// DefaultVisibilityExtenderConfig returns the standard extension settings.
func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:   true,
		Interval:  55 * time.Second,
		Threshold: 50 * time.Second,
	}
}

// QueueManager routes messages to processing pools.
type QueueManager struct {
	registry *pipeline.Registry
	mediator pool.Mediator
	callback *managerCallback

	poolsMu     sync.RWMutex
	pools       map[string]*pool.ProcessPool
	poolConfigs map[string]config.PoolConfig

	poolMissDelay time.Duration

	running     atomic.Bool
	initialized atomic.Bool

	warnings warning.Service

	cleanupConfig    *CleanupConfig
	visibilityConfig *VisibilityExtenderConfig

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
}

// NewQueueManager creates a manager over the given mediator, registering
// the configured pools.
func NewQueueManager(med pool.Mediator, routerCfg *config.RouterConfig) *QueueManager {
	m := &QueueManager{
		registry:         pipeline.NewRegistry(),
		mediator:         med,
		pools:            make(map[string]*pool.ProcessPool),
		poolConfigs:      make(map[string]config.PoolConfig),
		poolMissDelay:    30 * time.Second,
		cleanupConfig:    DefaultCleanupConfig(),
		visibilityConfig: DefaultVisibilityExtenderConfig(),
	}
	m.callback = &managerCallback{manager: m}

	if routerCfg != nil {
		if routerCfg.PoolMissDelaySeconds > 0 {
			m.poolMissDelay = time.Duration(routerCfg.PoolMissDelaySeconds) * time.Second
		}
		for _, pc := range routerCfg.Pools {
			m.poolConfigs[pc.Code] = pc
		}
	}

	return m
}

// WithWarningService sets the warning sink.
func (m *QueueManager) WithWarningService(ws warning.Service) *QueueManager {
	m.warnings = ws
	return m
}

// WithCleanup overrides the stale-entry sweep settings.
func (m *QueueManager) WithCleanup(cfg *CleanupConfig) *QueueManager {
	if cfg != nil {
		m.cleanupConfig = cfg
	}
	return m
}

// WithVisibilityExtender overrides the lease extension settings.
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg != nil {
		m.visibilityConfig = cfg
	}
	return m
}

// Registry exposes the pipeline registry for monitoring.
func (m *QueueManager) Registry() *pipeline.Registry { return m.registry }

// Start begins accepting routed messages and runs the background sweeps.
func (m *QueueManager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}

	m.loopCtx, m.loopCancel = context.WithCancel(context.Background())

	if m.cleanupConfig.Enabled {
		m.loopWg.Add(1)
		go m.runCleanupLoop()
	}
	if m.visibilityConfig.Enabled {
		m.loopWg.Add(1)
		go m.runVisibilityExtender()
	}
	m.loopWg.Add(1)
	go m.runLeakDetection()

	m.initialized.Store(true)
	slog.Info("Queue manager started", "configuredPools", len(m.poolConfigs))
}

// Stop shuts down the manager and all pools.
func (m *QueueManager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}

	if m.loopCancel != nil {
		m.loopCancel()
		m.loopWg.Wait()
	}

	m.poolsMu.Lock()
	pools := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*pool.ProcessPool)
	m.poolsMu.Unlock()

	for _, p := range pools {
		p.Shutdown()
	}
	slog.Info("Queue manager stopped")
}

// Initialized reports whether startup completed.
func (m *QueueManager) Initialized() bool { return m.initialized.Load() }

// Route admits one message into the pipeline and its pool.
func (m *QueueManager) Route(msg *pool.Message) RouteStatus {
	if !m.running.Load() {
		m.nackDirect(msg, 0)
		return RouteClosed
	}

	switch m.registry.Admit(msg) {
	case pipeline.DuplicateDelivery, pipeline.DuplicateMessage:
		// The earlier copy is authoritative; this delivery is settled.
		slog.Debug("Duplicate message - acking delivery",
			"messageId", msg.ID,
			"brokerMessageId", msg.BrokerMessageID)
		m.ackDirect(msg)
		return RouteDuplicate
	}

	key := msg.PipelineKey()

	cfg, known := m.lookupPoolConfig(msg)
	if !known {
		m.registry.Release(key)
		slog.Warn("Pointer references unknown pool - nacking with delay",
			"messageId", msg.ID,
			"pool", msg.PoolCode,
			"delay", m.poolMissDelay)
		m.warn("POOL_UNKNOWN", "WARN",
			fmt.Sprintf("message %s references unknown pool %s", msg.ID, msg.PoolCode), "QueueManager")
		m.nackDirect(msg, m.poolMissDelay)
		return RoutePoolUnknown
	}

	p := m.getOrCreatePool(cfg)
	if !p.Submit(msg) {
		// Buffer full: immediate redelivery backpressures the source.
		m.registry.Release(key)
		m.nackDirect(msg, 0)
		return RouteRejected
	}
	return RouteAdmitted
}

// lookupPoolConfig resolves the pool configuration for a message.
func (m *QueueManager) lookupPoolConfig(msg *pool.Message) (config.PoolConfig, bool) {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	cfg, ok := m.poolConfigs[poolCodeOf(msg)]
	return cfg, ok
}

// poolCodeOf is split out so tests can route synthetic messages.
func poolCodeOf(msg *pool.Message) string { return msg.PoolCode }

// getOrCreatePool returns the live pool for a config, creating it on
// first use.
func (m *QueueManager) getOrCreatePool(cfg config.PoolConfig) *pool.ProcessPool {
	m.poolsMu.RLock()
	p, ok := m.pools[cfg.Code]
	m.poolsMu.RUnlock()
	if ok {
		return p
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	if p, ok := m.pools[cfg.Code]; ok {
		return p
	}

	p = pool.New(&pool.Config{
		Code:               cfg.Code,
		Concurrency:        cfg.Concurrency,
		BufferCapacity:     cfg.BufferCapacity(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}, m.mediator, m.callback)
	p.Start()
	m.pools[cfg.Code] = p

	slog.Info("Created processing pool",
		"pool", cfg.Code,
		"concurrency", cfg.Concurrency,
		"bufferCapacity", cfg.BufferCapacity())
	return p
}

// UpdatePoolConfigs replaces the pool configuration set: new pools become
// routable, changed pools are updated in place, removed pools drain.
func (m *QueueManager) UpdatePoolConfigs(configs []config.PoolConfig) {
	next := make(map[string]config.PoolConfig, len(configs))
	for _, pc := range configs {
		next[pc.Code] = pc
	}

	m.poolsMu.Lock()
	m.poolConfigs = next

	var toDrain []*pool.ProcessPool
	for code, p := range m.pools {
		if cfg, ok := next[code]; ok {
			if cfg.Concurrency > 0 && cfg.Concurrency != p.Concurrency() {
				p.UpdateConcurrency(cfg.Concurrency, 60)
			}
			p.UpdateRateLimit(cfg.RateLimitPerMinute)
		} else {
			delete(m.pools, code)
			toDrain = append(toDrain, p)
		}
	}
	m.poolsMu.Unlock()

	for _, p := range toDrain {
		p := p
		slog.Info("Draining removed pool", "pool", p.Code())
		go func() {
			p.Drain()
			p.Shutdown()
		}()
	}
}

// Pools snapshots the live pools.
func (m *QueueManager) Pools() []*pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	out := make([]*pool.ProcessPool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

// ackDirect settles a delivery without touching the registry.
func (m *QueueManager) ackDirect(msg *pool.Message) {
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "error", err, "messageId", msg.ID)
		}
	}
}

// nackDirect settles a delivery without touching the registry.
func (m *QueueManager) nackDirect(msg *pool.Message, delay time.Duration) {
	var err error
	if delay > 0 && msg.NakDelayFunc != nil {
		err = msg.NakDelayFunc(delay)
	} else if msg.NakDelayFunc != nil {
		err = msg.NakDelayFunc(0)
	} else if msg.NakFunc != nil {
		err = msg.NakFunc()
	}
	if err != nil {
		slog.Error("Failed to nack message", "error", err, "messageId", msg.ID)
	}
}

// Ack releases the message from the registry and deletes it at the source.
func (m *QueueManager) Ack(msg *pool.Message) {
	m.registry.Release(msg.PipelineKey())
	m.ackDirect(msg)
}

// Nack releases the message from the registry and schedules redelivery.
func (m *QueueManager) Nack(msg *pool.Message, delay time.Duration) {
	m.registry.Release(msg.PipelineKey())
	m.nackDirect(msg, delay)
}

// BackoffDelay computes the redelivery delay for a given attempt count.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffMax {
			return backoffMax
		}
	}
	return delay
}

func (m *QueueManager) warn(category, severity, message, source string) {
	if m.warnings != nil {
		m.warnings.AddWarning(category, severity, message, source)
	}
}

// managerCallback adapts the manager to pool.Callback.
type managerCallback struct {
	manager *QueueManager
}

func (c *managerCallback) Ack(msg *pool.Message) {
	c.manager.Ack(msg)
}

func (c *managerCallback) Nack(msg *pool.Message, delay time.Duration) {
	c.manager.Nack(msg, delay)
}

func (c *managerCallback) NackWithBackoff(msg *pool.Message) {
	c.manager.Nack(msg, BackoffDelay(msg.Attempt))
}

// runCleanupLoop sweeps registry entries older than the TTL. Entries only
// age out when a settle path was lost; the sweep keeps the in-flight
// accounting honest.
func (m *QueueManager) runCleanupLoop() {
	defer m.loopWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			if removed := m.registry.SweepOlderThan(m.cleanupConfig.TTL); removed > 0 {
				slog.Warn("Swept stale pipeline entries - messages may have been stuck",
					"count", removed,
					"ttl", m.cleanupConfig.TTL)
				m.warn("PIPELINE_STALE_ENTRIES", "WARN",
					fmt.Sprintf("swept %d stale pipeline entries", removed), "QueueManager")
			}
		}
	}
}

// runVisibilityExtender extends the source lease of messages that have
// been processing longer than the threshold.
func (m *QueueManager) runVisibilityExtender() {
	defer m.loopWg.Done()

	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			m.extendLongRunning()
		}
	}
}

func (m *QueueManager) extendLongRunning() {
	threshold := m.visibilityConfig.Threshold
	extended := 0

	m.registry.Each(func(_ string, msg *pool.Message, receivedAt time.Time) {
		if time.Since(receivedAt) < threshold || msg.InProgressFunc == nil {
			return
		}
		if err := msg.InProgressFunc(); err != nil {
			slog.Warn("Failed to extend visibility for long-running message",
				"error", err,
				"messageId", msg.ID)
		} else {
			extended++
		}
	})

	if extended > 0 {
		slog.Info("Extended visibility for long-running messages",
			"count", extended,
			"threshold", threshold)
	}
}

// runLeakDetection warns when the registry outgrows the aggregate pool
// capacity, which means settles are being lost somewhere.
func (m *QueueManager) runLeakDetection() {
	defer m.loopWg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.loopCtx.Done():
			return
		case <-ticker.C:
			m.checkForLeaks()
		}
	}
}

func (m *QueueManager) checkForLeaks() {
	if !m.running.Load() || !m.initialized.Load() {
		return
	}

	size := m.registry.Size()

	totalCapacity := 0
	m.poolsMu.RLock()
	for _, p := range m.pools {
		totalCapacity += p.BufferCapacity() + p.Concurrency()
	}
	m.poolsMu.RUnlock()
	if totalCapacity == 0 {
		totalCapacity = 500
	}

	if size > totalCapacity {
		message := fmt.Sprintf("pipeline registry size (%d) exceeds total pool capacity (%d) - possible leak",
			size, totalCapacity)
		slog.Warn("LEAK DETECTION: " + message)
		m.warn("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
	}
}
