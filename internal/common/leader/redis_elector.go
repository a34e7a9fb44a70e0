package leader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
)

// refreshScript extends the lease only while we still own it.
var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// releaseScript deletes the lease only while we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisElector elects a leader with the SET NX EX pattern. Redis key
// expiry plays the role of the expiresAt comparison: a lapsed lease simply
// stops existing.
type RedisElector struct {
	client   *redis.Client
	config   *Config
	isLeader atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onBecomeLeader   func()
	onLoseLeadership func()
}

// NewRedisElector creates a Redis-backed elector.
func NewRedisElector(client *redis.Client, config *Config) *RedisElector {
	if config == nil {
		config = DefaultConfig("default-leader")
	}
	config.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisElector{
		client: client,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnBecomeLeader sets the callback fired on lease acquisition.
func (e *RedisElector) OnBecomeLeader(fn func()) { e.onBecomeLeader = fn }

// OnLoseLeadership sets the callback fired when a refresh fails.
func (e *RedisElector) OnLoseLeadership(fn func()) { e.onLoseLeadership = fn }

// Start begins the election loop.
func (e *RedisElector) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.electionLoop()

	slog.Info("Leader election started",
		"backend", "redis",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)
	return nil
}

// Stop halts the loop and releases the lease if held.
func (e *RedisElector) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Release(ctx)
	}
	slog.Info("Leader election stopped", "instanceId", e.config.InstanceID)
}

// IsLeader reports whether this instance holds the lease.
func (e *RedisElector) IsLeader() bool { return e.isLeader.Load() }

// InstanceID returns the configured instance identity.
func (e *RedisElector) InstanceID() string { return e.config.InstanceID }

func (e *RedisElector) electionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.tryAcquireOrRefresh()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tryAcquireOrRefresh()
		}
	}
}

func (e *RedisElector) tryAcquireOrRefresh() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasLeader := e.isLeader.Load()

	if wasLeader {
		if e.refresh(ctx) {
			return
		}
		e.isLeader.Store(false)
		metrics.LeaderElectionState.WithLabelValues(e.config.LockName).Set(0)
		slog.Warn("Lost leadership - refresh failed",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
	}

	if e.tryAcquire(ctx) {
		e.isLeader.Store(true)
		metrics.LeaderElectionState.WithLabelValues(e.config.LockName).Set(1)
		if !wasLeader {
			slog.Info("Acquired leadership",
				"instanceId", e.config.InstanceID,
				"lockName", e.config.LockName)
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
	}
}

func (e *RedisElector) tryAcquire(ctx context.Context) bool {
	ok, err := e.client.SetNX(ctx, e.config.LockName, e.config.InstanceID, e.config.TTL).Result()
	if err != nil {
		if e.ctx.Err() == nil {
			slog.Error("Failed to acquire Redis leader lock",
				"error", err,
				"lockName", e.config.LockName)
		}
		return false
	}
	if ok {
		return true
	}

	// Key exists. It may be our own lease from before a restart.
	owner, err := e.client.Get(ctx, e.config.LockName).Result()
	if err != nil {
		if err != redis.Nil && e.ctx.Err() == nil {
			slog.Error("Failed to check lock owner", "error", err)
		}
		return false
	}
	if owner == e.config.InstanceID {
		return e.refresh(ctx)
	}
	return false
}

func (e *RedisElector) refresh(ctx context.Context) bool {
	ttlSeconds := int(e.config.TTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := refreshScript.Run(ctx, e.client,
		[]string{e.config.LockName}, e.config.InstanceID, ttlSeconds).Int()
	if err != nil {
		if e.ctx.Err() == nil {
			slog.Error("Failed to refresh Redis leader lock",
				"error", err,
				"lockName", e.config.LockName)
		}
		return false
	}
	return result > 0
}

// Release deletes the lease if this instance owns it.
func (e *RedisElector) Release(ctx context.Context) {
	result, err := releaseScript.Run(ctx, e.client,
		[]string{e.config.LockName}, e.config.InstanceID).Int()
	if err != nil {
		slog.Error("Failed to release Redis leader lock",
			"error", err,
			"lockName", e.config.LockName)
		return
	}
	if result > 0 {
		slog.Info("Released Redis leader lock",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
	}

	e.isLeader.Store(false)
	metrics.LeaderElectionState.WithLabelValues(e.config.LockName).Set(0)
}

// CurrentLeader returns the instance ID holding a live lease, or "".
func (e *RedisElector) CurrentLeader(ctx context.Context) (string, error) {
	owner, err := e.client.Get(ctx, e.config.LockName).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}
