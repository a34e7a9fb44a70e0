package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
)

// ProcessorConfig holds outbox processor settings.
type ProcessorConfig struct {
	// Enabled controls whether the processor runs
	Enabled bool

	// PollInterval is the poll tick period
	PollInterval time.Duration

	// PollBatchSize is the max items fetched per poll per type
	PollBatchSize int

	// APIBatchSize is the max items per API call
	APIBatchSize int

	// MaxConcurrentGroups bounds group processors inside the API section
	MaxConcurrentGroups int

	// BufferSize bounds in-flight items (claimed, not yet resolved)
	BufferSize int

	// MaxRetries caps retry attempts before collapsing to INTERNAL_ERROR
	MaxRetries int

	// RecoveryInterval is the periodic recovery period
	RecoveryInterval time.Duration

	// RecoveryTimeoutSec is the staleness threshold for periodic recovery
	RecoveryTimeoutSec int
}

// DefaultProcessorConfig returns the standard settings.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Enabled:             true,
		PollInterval:        time.Second,
		PollBatchSize:       500,
		APIBatchSize:        100,
		MaxConcurrentGroups: 10,
		BufferSize:          1000,
		MaxRetries:          3,
		RecoveryInterval:    60 * time.Second,
		RecoveryTimeoutSec:  300,
	}
}

// BatchSender is the API client capability the processor needs.
type BatchSender interface {
	SendBatch(ctx context.Context, itemType ItemType, items []*Item) (*BatchResult, error)
}

// LeaderElector is the election capability the processor binds to.
type LeaderElector interface {
	Start(ctx context.Context) error
	Stop()
	IsLeader() bool
	InstanceID() string
	OnBecomeLeader(func())
	OnLoseLeadership(func())
}

// Stats is the processor's health snapshot.
type Stats struct {
	IsLeader     bool      `json:"isLeader"`
	BufferDepth  int       `json:"bufferDepth"`
	InFlight     int       `json:"inFlight"`
	ActiveGroups int       `json:"activeGroups"`
	LastPollTime time.Time `json:"lastPollTime"`
}

// Processor drains the outbox tables into the batch APIs.
type Processor struct {
	config *ProcessorConfig
	repo   Repository
	api    BatchSender

	// buffer holds claimed items awaiting distribution.
	buffer      chan *Item
	bufferDepth atomic.Int32

	// inFlight counts claimed items not yet resolved. The poller
	// increments before enqueue; group processors decrement after the
	// API call.
	inFlight atomic.Int32

	groups         sync.Map // "TYPE:group" -> *groupProcessor
	groupSemaphore chan struct{}

	elector LeaderElector

	// isPrimary gates polling. Without an elector it is always true.
	// With one, it only becomes true after startup recovery completes on
	// leadership acquisition.
	isPrimary atomic.Bool

	lastPoll atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runningMu sync.Mutex
	running   bool
	pollMu    sync.Mutex
}

// NewProcessor creates a processor.
func NewProcessor(repo Repository, api BatchSender, config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		config:         config,
		repo:           repo,
		api:            api,
		buffer:         make(chan *Item, config.BufferSize),
		groupSemaphore: make(chan struct{}, config.MaxConcurrentGroups),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// WithLeaderElector binds an elector; the processor only polls while it
// holds the lease.
func (p *Processor) WithLeaderElector(elector LeaderElector) *Processor {
	p.elector = elector

	elector.OnBecomeLeader(func() {
		// Startup recovery must finish before the first tick: the
		// previous leader's IN_PROGRESS items belong to us now.
		p.recoverStuckItems()
		p.isPrimary.Store(true)
		slog.Info("Outbox processor became primary", "instanceId", elector.InstanceID())
	})
	elector.OnLoseLeadership(func() {
		// Stop scheduling; IN_PROGRESS items stay put for the next
		// leader's startup recovery.
		p.isPrimary.Store(false)
		slog.Warn("Outbox processor lost primary status", "instanceId", elector.InstanceID())
	})

	return p
}

// Start launches the poller, distributor and recovery loops.
func (p *Processor) Start() {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if p.running {
		return
	}
	p.running = true

	if !p.config.Enabled {
		slog.Info("Outbox processor is disabled")
		return
	}

	if p.elector != nil {
		if err := p.elector.Start(p.ctx); err != nil {
			slog.Error("Failed to start leader election", "error", err)
		}
	} else {
		// Single-instance mode: this process is the leader.
		p.recoverStuckItems()
		p.isPrimary.Store(true)
	}

	p.wg.Add(3)
	go p.runPoller()
	go p.runDistributor()
	go p.runPeriodicRecovery()

	slog.Info("Outbox processor started",
		"pollInterval", p.config.PollInterval,
		"pollBatchSize", p.config.PollBatchSize,
		"apiBatchSize", p.config.APIBatchSize,
		"maxConcurrentGroups", p.config.MaxConcurrentGroups,
		"bufferSize", p.config.BufferSize,
		"leaderElection", p.elector != nil)
}

// Stop shuts the processor down. In-flight items stay IN_PROGRESS; the
// next leader's startup recovery reclaims them.
func (p *Processor) Stop() {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.running = false
	p.runningMu.Unlock()

	p.cancel()
	p.wg.Wait()

	if p.elector != nil {
		p.elector.Stop()
	}
	slog.Info("Outbox processor stopped")
}

// IsLeader reports whether this instance is polling.
func (p *Processor) IsLeader() bool { return p.isPrimary.Load() }

// GetStats returns the health snapshot.
func (p *Processor) GetStats() Stats {
	activeGroups := 0
	p.groups.Range(func(_, _ interface{}) bool {
		activeGroups++
		return true
	})
	return Stats{
		IsLeader:     p.isPrimary.Load(),
		BufferDepth:  int(p.bufferDepth.Load()),
		InFlight:     int(p.inFlight.Load()),
		ActiveGroups: activeGroups,
		LastPollTime: time.UnixMilli(p.lastPoll.Load()),
	}
}

// recoverStuckItems resets all IN_PROGRESS items to PENDING.
func (p *Processor) recoverStuckItems() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, itemType := range AllItemTypes {
		stuck, err := p.repo.FetchStuckItems(ctx, itemType)
		if err != nil {
			slog.Error("Failed to fetch stuck items during crash recovery",
				"error", err, "type", string(itemType))
			continue
		}
		if len(stuck) == 0 {
			continue
		}

		ids := itemIDs(stuck)
		if err := p.repo.ResetStuckItems(ctx, itemType, ids); err != nil {
			slog.Error("Failed to reset stuck items during crash recovery",
				"error", err, "type", string(itemType), "count", len(ids))
			continue
		}

		metrics.OutboxRecoveredItems.WithLabelValues(string(itemType)).Add(float64(len(ids)))
		slog.Info("Reset stuck outbox items during crash recovery",
			"type", string(itemType), "count", len(ids))
	}
}

// runPeriodicRecovery resets items stranded in error statuses.
func (p *Processor) runPeriodicRecovery() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.isPrimary.Load() {
				continue
			}
			p.recoverStaleItems()
		}
	}
}

func (p *Processor) recoverStaleItems() {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	for _, itemType := range AllItemTypes {
		recoverable, err := p.repo.FetchRecoverableItems(ctx, itemType,
			p.config.RecoveryTimeoutSec, p.config.PollBatchSize)
		if err != nil {
			slog.Error("Failed to fetch recoverable items",
				"error", err, "type", string(itemType))
			continue
		}
		if len(recoverable) == 0 {
			continue
		}

		ids := itemIDs(recoverable)
		if err := p.repo.ResetRecoverableItems(ctx, itemType, ids); err != nil {
			slog.Error("Failed to reset recoverable items",
				"error", err, "type", string(itemType), "count", len(ids))
			continue
		}

		metrics.OutboxRecoveredItems.WithLabelValues(string(itemType)).Add(float64(len(ids)))
		slog.Info("Periodic recovery reset items to PENDING",
			"type", string(itemType), "count", len(ids))
	}
}

// runPoller drives the poll ticks.
func (p *Processor) runPoller() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.isPrimary.Load() {
				continue
			}
			p.poll()
		}
	}
}

// poll runs one tick. A tick never overlaps the previous one.
func (p *Processor) poll() {
	if !p.pollMu.TryLock() {
		return
	}
	defer p.pollMu.Unlock()

	start := time.Now()
	defer func() {
		p.lastPoll.Store(time.Now().UnixMilli())
		metrics.OutboxPollDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	for _, itemType := range AllItemTypes {
		if !p.isPrimary.Load() {
			// Leadership lost mid-tick: stop cooperatively.
			return
		}
		p.pollItemType(ctx, itemType)
	}
}

func (p *Processor) pollItemType(ctx context.Context, itemType ItemType) {
	remaining := p.config.BufferSize - int(p.inFlight.Load())
	if remaining <= 0 {
		slog.Debug("Skipping poll - no in-flight capacity", "type", string(itemType))
		return
	}

	limit := p.config.PollBatchSize
	if remaining < limit {
		limit = remaining
	}

	items, err := p.repo.FetchPending(ctx, itemType, limit)
	if err != nil {
		slog.Error("Failed to fetch pending outbox items",
			"error", err, "type", string(itemType))
		return
	}
	if len(items) == 0 {
		return
	}

	if err := p.repo.MarkAsInProgress(ctx, itemType, itemIDs(items)); err != nil {
		// Nothing was dispatched; the next poll retries the same rows.
		slog.Error("Failed to mark items in-progress",
			"error", err, "type", string(itemType), "count", len(items))
		return
	}

	// Claim the in-flight permits before enqueueing to close the window
	// between buffering and accounting.
	p.inFlight.Add(int32(len(items)))
	metrics.OutboxInFlightItems.Set(float64(p.inFlight.Load()))

	for i, item := range items {
		select {
		case p.buffer <- item:
			p.bufferDepth.Add(1)
			metrics.OutboxBufferSize.Set(float64(p.bufferDepth.Load()))
		default:
			// The buffer should have room for everything the capacity
			// check admitted; if not, unwind the rejected tail.
			rejected := items[i:]
			ids := itemIDs(rejected)
			p.inFlight.Add(-int32(len(rejected)))
			metrics.OutboxInFlightItems.Set(float64(p.inFlight.Load()))
			if err := p.repo.ResetStuckItems(ctx, itemType, ids); err != nil {
				slog.Error("Failed to reset buffer-rejected items",
					"error", err, "type", string(itemType), "count", len(ids))
			}
			slog.Warn("Buffer rejected items - reset to pending",
				"type", string(itemType), "count", len(ids))
			return
		}
	}

	slog.Debug("Claimed outbox items",
		"type", string(itemType), "count", len(items))
}

// runDistributor routes buffered items to their group processors.
func (p *Processor) runDistributor() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case item := <-p.buffer:
			p.bufferDepth.Add(-1)
			metrics.OutboxBufferSize.Set(float64(p.bufferDepth.Load()))
			p.distribute(item)
		}
	}
}

func (p *Processor) distribute(item *Item) {
	groupKey := fmt.Sprintf("%s:%s", item.Type, item.EffectiveMessageGroup())

	value, _ := p.groups.LoadOrStore(groupKey, newGroupProcessor(p, item.Type, groupKey))
	gp := value.(*groupProcessor)
	gp.enqueue(item)
}

// groupProcessor drains one (type, messageGroup) in FIFO order. At most
// one worker goroutine runs per group.
type groupProcessor struct {
	processor *Processor
	itemType  ItemType
	groupKey  string

	queue chan *Item

	mu      sync.Mutex
	running bool
}

func newGroupProcessor(p *Processor, itemType ItemType, groupKey string) *groupProcessor {
	return &groupProcessor{
		processor: p,
		itemType:  itemType,
		groupKey:  groupKey,
		// Unbounded in spirit; the global buffer upstream is the real
		// bound, so this capacity is never the limiting factor.
		queue: make(chan *Item, p.config.BufferSize),
	}
}

// enqueue appends and starts the worker when idle.
func (g *groupProcessor) enqueue(item *Item) {
	select {
	case g.queue <- item:
	default:
		// Cannot happen while the global buffer bound holds.
		slog.Warn("Group queue full", "group", g.groupKey, "itemId", item.ID)
		return
	}

	g.mu.Lock()
	start := !g.running
	if start {
		g.running = true
	}
	g.mu.Unlock()

	if start {
		go g.run()
	}
}

func (g *groupProcessor) run() {
	for {
		batch := g.collectBatch()
		if len(batch) == 0 {
			g.mu.Lock()
			if len(g.queue) == 0 {
				// Empty for real: stop. An enqueue racing past the
				// channel send before this lock re-starts the worker
				// because running is already false when it checks.
				g.running = false
				g.mu.Unlock()
				return
			}
			g.mu.Unlock()
			continue
		}

		select {
		case g.processor.groupSemaphore <- struct{}{}:
		case <-g.processor.ctx.Done():
			g.mu.Lock()
			g.running = false
			g.mu.Unlock()
			return
		}

		g.processBatch(batch)
		<-g.processor.groupSemaphore
	}
}

func (g *groupProcessor) collectBatch() []*Item {
	batch := make([]*Item, 0, g.processor.config.APIBatchSize)
	for len(batch) < g.processor.config.APIBatchSize {
		select {
		case item := <-g.queue:
			batch = append(batch, item)
		default:
			return batch
		}
	}
	return batch
}

func (g *groupProcessor) processBatch(batch []*Item) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	metrics.OutboxActiveProcessors.Inc()
	defer metrics.OutboxActiveProcessors.Dec()

	apiStart := time.Now()
	result, err := g.processor.api.SendBatch(ctx, g.itemType, batch)
	metrics.OutboxAPIDuration.WithLabelValues(string(g.itemType)).Observe(time.Since(apiStart).Seconds())

	// The claim is resolved whatever the outcome.
	g.processor.inFlight.Add(-int32(len(batch)))
	metrics.OutboxInFlightItems.Set(float64(g.processor.inFlight.Load()))

	if err != nil && result == nil {
		result = NewBatchResult()
		for _, item := range batch {
			result.FailedItems[item.ID] = StatusInternalError
		}
	}

	if err != nil {
		slog.Error("Batch API call failed",
			"error", err, "group", g.groupKey, "batchSize", len(batch))
	}

	if len(result.SuccessIDs) > 0 {
		if err := g.processor.repo.MarkWithStatus(ctx, g.itemType, result.SuccessIDs, StatusSuccess); err != nil {
			slog.Error("Failed to mark items successful", "error", err)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(g.itemType), "completed").
			Add(float64(len(result.SuccessIDs)))
	}

	if len(result.FailedItems) > 0 {
		g.applyFailures(ctx, batch, result.FailedItems, result.Error)
	}
}

// applyFailures splits failures into retries and terminal statuses.
// Retryable failures past MaxRetries collapse to INTERNAL_ERROR.
func (g *groupProcessor) applyFailures(ctx context.Context, batch []*Item, failures map[string]Status, apiErr error) {
	byID := make(map[string]*Item, len(batch))
	for _, item := range batch {
		byID[item.ID] = item
	}

	var retryIDs []string
	terminal := make(map[Status][]string)
	var exhaustedIDs []string

	for id, status := range failures {
		item := byID[id]
		if item == nil {
			continue
		}
		switch {
		case status.IsRetryable() && item.RetryCount < g.processor.config.MaxRetries:
			retryIDs = append(retryIDs, id)
		case status.IsRetryable():
			exhaustedIDs = append(exhaustedIDs, id)
		default:
			terminal[status] = append(terminal[status], id)
		}
	}

	if len(retryIDs) > 0 {
		if err := g.processor.repo.IncrementRetryCount(ctx, g.itemType, retryIDs); err != nil {
			slog.Error("Failed to schedule retries", "error", err)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(g.itemType), "retried").
			Add(float64(len(retryIDs)))
	}

	errText := ""
	if apiErr != nil {
		errText = apiErr.Error()
	}

	if len(exhaustedIDs) > 0 {
		message := "retries exhausted"
		if errText != "" {
			message = "retries exhausted: " + errText
		}
		if err := g.processor.repo.MarkWithStatusAndError(ctx, g.itemType, exhaustedIDs, StatusInternalError, message); err != nil {
			slog.Error("Failed to mark exhausted items", "error", err)
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(g.itemType), "failed").
			Add(float64(len(exhaustedIDs)))
	}

	for status, ids := range terminal {
		if err := g.processor.repo.MarkWithStatusAndError(ctx, g.itemType, ids, status, errText); err != nil {
			slog.Error("Failed to mark failed items", "error", err, "status", status.String())
		}
		metrics.OutboxItemsProcessed.WithLabelValues(string(g.itemType), "failed").
			Add(float64(len(ids)))
		slog.Warn("Items marked failed",
			"group", g.groupKey, "count", len(ids), "status", status.String())
	}
}
