package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/config"
	"go.flowcatalyst.tech/dispatch/internal/router/pool"
)

// holdingMediator keeps every mediation in flight until the pool context
// is cancelled, so tests can assert registry state deterministically.
type holdingMediator struct {
	calls atomic.Int32
}

func (h *holdingMediator) Process(ctx context.Context, _ *pool.Message) *pool.MediationOutcome {
	h.calls.Add(1)
	<-ctx.Done()
	return &pool.MediationOutcome{Result: pool.MediationResultSuccess}
}

// settleRecorder tracks queue callbacks on a synthetic message.
type settleRecorder struct {
	acks       atomic.Int32
	nacks      atomic.Int32
	lastDelay  atomic.Int64
	handleSets atomic.Int32
}

func (s *settleRecorder) attach(msg *pool.Message) *pool.Message {
	msg.AckFunc = func() error { s.acks.Add(1); return nil }
	msg.NakFunc = func() error { s.nacks.Add(1); return nil }
	msg.NakDelayFunc = func(d time.Duration) error {
		s.nacks.Add(1)
		s.lastDelay.Store(int64(d))
		return nil
	}
	return msg
}

func routedMsg(s *settleRecorder, id, brokerID, poolCode string) *pool.Message {
	return s.attach(&pool.Message{
		ID:              id,
		BrokerMessageID: brokerID,
		PoolCode:        poolCode,
		GroupKey:        id,
		MediationTarget: "http://targets.example.com/hook",
		Attempt:         1,
		ReceivedAt:      time.Now(),
	})
}

func newTestManager(t *testing.T, pools ...config.PoolConfig) *QueueManager {
	t.Helper()
	routerCfg := &config.RouterConfig{
		Enabled:              true,
		Pools:                pools,
		PoolMissDelaySeconds: 30,
	}
	m := NewQueueManager(&holdingMediator{}, routerCfg)
	// Background sweeps are irrelevant here.
	m.cleanupConfig.Enabled = false
	m.visibilityConfig.Enabled = false
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestRouteUnknownPool(t *testing.T) {
	m := newTestManager(t)

	s := &settleRecorder{}
	status := m.Route(routedMsg(s, "m1", "b1", "NOPE"))

	if status != RoutePoolUnknown {
		t.Fatalf("expected RoutePoolUnknown, got %v", status)
	}
	if s.nacks.Load() != 1 {
		t.Errorf("expected 1 nack, got %d", s.nacks.Load())
	}
	if got := time.Duration(s.lastDelay.Load()); got != 30*time.Second {
		t.Errorf("expected 30s pool-miss delay, got %v", got)
	}
	if m.Registry().Size() != 0 {
		t.Errorf("registry must be clean after pool miss, size=%d", m.Registry().Size())
	}
}

func TestRouteDuplicateAcked(t *testing.T) {
	m := newTestManager(t, config.PoolConfig{Code: "P1", Concurrency: 1})

	first := &settleRecorder{}
	if status := m.Route(routedMsg(first, "m1", "b1", "P1")); status != RouteAdmitted {
		t.Fatalf("expected first copy admitted, got %v", status)
	}

	// Redelivery of the same broker message while the first is in flight.
	second := &settleRecorder{}
	if status := m.Route(routedMsg(second, "m1", "b1", "P1")); status != RouteDuplicate {
		t.Fatalf("expected duplicate, got %v", status)
	}
	if second.acks.Load() != 1 {
		t.Errorf("duplicate delivery must be acked, acks=%d", second.acks.Load())
	}

	// Same app message under a different broker delivery (requeue).
	third := &settleRecorder{}
	if status := m.Route(routedMsg(third, "m1", "b2", "P1")); status != RouteDuplicate {
		t.Fatalf("expected duplicate for requeued copy, got %v", status)
	}
	if third.acks.Load() != 1 {
		t.Errorf("requeued duplicate must be acked, acks=%d", third.acks.Load())
	}

	if m.Registry().Size() != 1 {
		t.Errorf("only the original should remain in flight, size=%d", m.Registry().Size())
	}
}

func TestRouteClosedManager(t *testing.T) {
	routerCfg := &config.RouterConfig{Enabled: true}
	m := NewQueueManager(&holdingMediator{}, routerCfg)

	s := &settleRecorder{}
	if status := m.Route(routedMsg(s, "m1", "b1", "P1")); status != RouteClosed {
		t.Fatalf("expected RouteClosed before Start, got %v", status)
	}
	if s.nacks.Load() != 1 {
		t.Errorf("expected nack on closed manager, got %d", s.nacks.Load())
	}
}

func TestPipelineAccountingAcrossSettle(t *testing.T) {
	m := newTestManager(t, config.PoolConfig{Code: "P1", Concurrency: 2})

	s := &settleRecorder{}
	msg := routedMsg(s, "m1", "b1", "P1")
	m.Route(msg)

	if m.Registry().Size() != 1 {
		t.Fatalf("expected 1 in flight, got %d", m.Registry().Size())
	}

	m.Ack(msg)
	if m.Registry().Size() != 0 {
		t.Errorf("expected empty registry after ack, got %d", m.Registry().Size())
	}
	if s.acks.Load() != 1 {
		t.Errorf("expected source ack, got %d", s.acks.Load())
	}

	// Re-admission after settle is a fresh message, not a duplicate.
	s2 := &settleRecorder{}
	if status := m.Route(routedMsg(s2, "m1", "b1", "P1")); status != RouteAdmitted {
		t.Errorf("expected re-admission after settle, got %v", status)
	}
}

func TestUpdatePoolConfigs(t *testing.T) {
	m := newTestManager(t, config.PoolConfig{Code: "P1", Concurrency: 2})

	s := &settleRecorder{}
	m.Route(routedMsg(s, "m1", "b1", "P1"))
	if len(m.Pools()) != 1 {
		t.Fatalf("expected 1 live pool, got %d", len(m.Pools()))
	}

	// P1 removed, P2 added.
	m.UpdatePoolConfigs([]config.PoolConfig{{Code: "P2", Concurrency: 1}})

	s2 := &settleRecorder{}
	if status := m.Route(routedMsg(s2, "m2", "b2", "P1")); status != RoutePoolUnknown {
		t.Errorf("expected P1 unroutable after removal, got %v", status)
	}
	if status := m.Route(routedMsg(s2, "m3", "b3", "P2")); status != RouteAdmitted {
		t.Errorf("expected P2 routable, got %v", status)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	if BackoffDelay(1) != 5*time.Second {
		t.Errorf("attempt 1: got %v", BackoffDelay(1))
	}
	if BackoffDelay(2) != 10*time.Second {
		t.Errorf("attempt 2: got %v", BackoffDelay(2))
	}
	if BackoffDelay(3) != 20*time.Second {
		t.Errorf("attempt 3: got %v", BackoffDelay(3))
	}
	for attempt := 4; attempt < 30; attempt++ {
		if BackoffDelay(attempt) > backoffMax {
			t.Fatalf("attempt %d exceeds cap: %v", attempt, BackoffDelay(attempt))
		}
	}
	if BackoffDelay(30) != backoffMax {
		t.Errorf("expected cap at %v, got %v", backoffMax, BackoffDelay(30))
	}
	if BackoffDelay(0) != 5*time.Second {
		t.Errorf("attempt 0 should clamp to base, got %v", BackoffDelay(0))
	}
}

func TestConsumerSupervisorConfigDefaults(t *testing.T) {
	cfg := DefaultSupervisorConfig()
	if cfg.StallThreshold != 120*time.Second {
		t.Errorf("expected 120s stall threshold, got %v", cfg.StallThreshold)
	}
	if cfg.CheckInterval != 60*time.Second {
		t.Errorf("expected 60s check interval, got %v", cfg.CheckInterval)
	}
}
