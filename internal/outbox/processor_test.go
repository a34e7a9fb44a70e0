package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// memoryRepository is an in-memory Repository for tests.
type memoryRepository struct {
	mu    sync.Mutex
	items map[string]*Item
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{items: make(map[string]*Item)}
}

func (r *memoryRepository) add(item *Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item
}

func (r *memoryRepository) statusOf(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if item, ok := r.items[id]; ok {
		return item.Status
	}
	return -1
}

func (r *memoryRepository) FetchPending(_ context.Context, itemType ItemType, limit int) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Item
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusPending {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MessageGroup != out[j].MessageGroup {
			return out[i].MessageGroup < out[j].MessageGroup
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	// Return copies so the processor cannot mutate repo state directly.
	copies := make([]*Item, len(out))
	for i, item := range out {
		c := *item
		copies[i] = &c
	}
	return copies, nil
}

func (r *memoryRepository) setStatus(ids []string, from []Status, to Status, bumpRetry bool, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		item, ok := r.items[id]
		if !ok {
			continue
		}
		if len(from) > 0 {
			matched := false
			for _, f := range from {
				if item.Status == f {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		item.Status = to
		item.UpdatedAt = time.Now()
		if bumpRetry {
			item.RetryCount++
		}
		if errMsg != "" {
			item.ErrorMessage = errMsg
		}
	}
	return nil
}

func (r *memoryRepository) MarkAsInProgress(_ context.Context, _ ItemType, ids []string) error {
	return r.setStatus(ids, []Status{StatusPending}, StatusInProgress, false, "")
}

func (r *memoryRepository) MarkWithStatus(_ context.Context, _ ItemType, ids []string, status Status) error {
	return r.setStatus(ids, nil, status, false, "")
}

func (r *memoryRepository) MarkWithStatusAndError(_ context.Context, _ ItemType, ids []string, status Status, errMsg string) error {
	return r.setStatus(ids, nil, status, false, errMsg)
}

func (r *memoryRepository) IncrementRetryCount(_ context.Context, _ ItemType, ids []string) error {
	return r.setStatus(ids, []Status{StatusInProgress}, StatusPending, true, "")
}

func (r *memoryRepository) FetchStuckItems(_ context.Context, itemType ItemType) ([]*Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Item
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusInProgress {
			c := *item
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memoryRepository) ResetStuckItems(_ context.Context, _ ItemType, ids []string) error {
	return r.setStatus(ids, []Status{StatusInProgress}, StatusPending, false, "")
}

func (r *memoryRepository) FetchRecoverableItems(_ context.Context, itemType ItemType, timeoutSeconds int, limit int) ([]*Item, error) {
	cutoff := time.Now().Add(-time.Duration(timeoutSeconds) * time.Second)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Item
	for _, item := range r.items {
		if item.Type != itemType || !item.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, s := range recoverableStatuses {
			if item.Status == s {
				c := *item
				out = append(out, &c)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepository) ResetRecoverableItems(_ context.Context, _ ItemType, ids []string) error {
	return r.setStatus(ids, recoverableStatuses, StatusPending, false, "")
}

func (r *memoryRepository) CountPending(_ context.Context, itemType ItemType) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, item := range r.items {
		if item.Type == itemType && item.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) TableName(itemType ItemType) string { return string(itemType) }

func (r *memoryRepository) CreateSchema(context.Context) error { return nil }

// mockSender records batches and returns configurable results.
type mockSender struct {
	mu       sync.Mutex
	batches  [][]*Item
	sendFunc func(itemType ItemType, items []*Item) (*BatchResult, error)
}

func (s *mockSender) SendBatch(_ context.Context, itemType ItemType, items []*Item) (*BatchResult, error) {
	s.mu.Lock()
	s.batches = append(s.batches, items)
	s.mu.Unlock()

	if s.sendFunc != nil {
		return s.sendFunc(itemType, items)
	}
	result := NewBatchResult()
	result.SuccessIDs = itemIDs(items)
	return result, nil
}

func (s *mockSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, batch := range s.batches {
		ids = append(ids, itemIDs(batch)...)
	}
	return ids
}

func testItem(id, group string, createdAt time.Time) *Item {
	return &Item{
		ID:           id,
		Type:         ItemTypeEvent,
		MessageGroup: group,
		Payload:      fmt.Sprintf(`{"id":%q}`, id),
		Status:       StatusPending,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func fastConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Enabled:             true,
		PollInterval:        20 * time.Millisecond,
		PollBatchSize:       100,
		APIBatchSize:        10,
		MaxConcurrentGroups: 4,
		BufferSize:          100,
		MaxRetries:          3,
		RecoveryInterval:    time.Hour,
		RecoveryTimeoutSec:  300,
	}
}

func waitForStatus(t *testing.T, repo *memoryRepository, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if repo.statusOf(id) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("item %s never reached %s (stuck at %s)", id, want, repo.statusOf(id))
}

func TestProcessorDeliversPendingItems(t *testing.T) {
	repo := newMemoryRepository()
	sender := &mockSender{}
	now := time.Now()
	repo.add(testItem("i1", "g1", now))
	repo.add(testItem("i2", "g1", now.Add(time.Millisecond)))

	p := NewProcessor(repo, sender, fastConfig())
	p.Start()
	defer p.Stop()

	waitForStatus(t, repo, "i1", StatusSuccess)
	waitForStatus(t, repo, "i2", StatusSuccess)
}

func TestProcessorGroupFIFO(t *testing.T) {
	repo := newMemoryRepository()
	sender := &mockSender{}
	base := time.Now()
	for i := 0; i < 10; i++ {
		repo.add(testItem(fmt.Sprintf("a%02d", i), "gA", base.Add(time.Duration(i)*time.Millisecond)))
		repo.add(testItem(fmt.Sprintf("b%02d", i), "gB", base.Add(time.Duration(i)*time.Millisecond)))
	}

	p := NewProcessor(repo, sender, fastConfig())
	p.Start()
	defer p.Stop()

	for i := 0; i < 10; i++ {
		waitForStatus(t, repo, fmt.Sprintf("a%02d", i), StatusSuccess)
		waitForStatus(t, repo, fmt.Sprintf("b%02d", i), StatusSuccess)
	}

	// Per-group order is preserved across the batch stream.
	ids := sender.sentIDs()
	var gotA, gotB []string
	for _, id := range ids {
		switch id[0] {
		case 'a':
			gotA = append(gotA, id)
		case 'b':
			gotB = append(gotB, id)
		}
	}
	if !sort.StringsAreSorted(gotA) {
		t.Errorf("group gA out of order: %v", gotA)
	}
	if !sort.StringsAreSorted(gotB) {
		t.Errorf("group gB out of order: %v", gotB)
	}
}

func TestProcessorRetriesThenExhausts(t *testing.T) {
	repo := newMemoryRepository()
	sender := &mockSender{
		sendFunc: func(_ ItemType, items []*Item) (*BatchResult, error) {
			result := NewBatchResult()
			for _, item := range items {
				result.FailedItems[item.ID] = StatusGatewayError
			}
			return result, nil
		},
	}
	repo.add(testItem("i1", "g1", time.Now()))

	cfg := fastConfig()
	cfg.MaxRetries = 2
	p := NewProcessor(repo, sender, cfg)
	p.Start()
	defer p.Stop()

	// Retries twice, then the retryable status collapses to INTERNAL_ERROR.
	waitForStatus(t, repo, "i1", StatusInternalError)

	repo.mu.Lock()
	item := repo.items["i1"]
	retries := item.RetryCount
	errMsg := item.ErrorMessage
	repo.mu.Unlock()

	if retries != 2 {
		t.Errorf("expected 2 retries, got %d", retries)
	}
	if errMsg == "" {
		t.Error("expected an error message on the exhausted item")
	}
}

func TestProcessorPermanentFailureImmediate(t *testing.T) {
	repo := newMemoryRepository()
	sender := &mockSender{
		sendFunc: func(_ ItemType, items []*Item) (*BatchResult, error) {
			result := NewBatchResult()
			for _, item := range items {
				result.FailedItems[item.ID] = StatusBadRequest
			}
			return result, nil
		},
	}
	repo.add(testItem("i1", "g1", time.Now()))

	p := NewProcessor(repo, sender, fastConfig())
	p.Start()
	defer p.Stop()

	waitForStatus(t, repo, "i1", StatusBadRequest)

	repo.mu.Lock()
	retries := repo.items["i1"].RetryCount
	repo.mu.Unlock()
	if retries != 0 {
		t.Errorf("permanent failures must not consume retries, got %d", retries)
	}
}

func TestProcessorPerItemFailures(t *testing.T) {
	repo := newMemoryRepository()
	sender := &mockSender{
		sendFunc: func(_ ItemType, items []*Item) (*BatchResult, error) {
			result := NewBatchResult()
			for _, item := range items {
				if item.ID == "bad" {
					result.FailedItems[item.ID] = StatusBadRequest
				} else {
					result.SuccessIDs = append(result.SuccessIDs, item.ID)
				}
			}
			return result, nil
		},
	}
	now := time.Now()
	repo.add(testItem("ok1", "g1", now))
	repo.add(testItem("bad", "g1", now.Add(time.Millisecond)))
	repo.add(testItem("ok2", "g1", now.Add(2*time.Millisecond)))

	p := NewProcessor(repo, sender, fastConfig())
	p.Start()
	defer p.Stop()

	waitForStatus(t, repo, "ok1", StatusSuccess)
	waitForStatus(t, repo, "bad", StatusBadRequest)
	waitForStatus(t, repo, "ok2", StatusSuccess)
}

func TestProcessorCrashRecoveryOnStart(t *testing.T) {
	repo := newMemoryRepository()
	sender := &mockSender{}

	// Items stranded IN_PROGRESS by a previous run.
	for i := 0; i < 5; i++ {
		item := testItem(fmt.Sprintf("stuck%d", i), "g1", time.Now())
		item.Status = StatusInProgress
		repo.add(item)
	}

	p := NewProcessor(repo, sender, fastConfig())
	p.Start()
	defer p.Stop()

	// Recovery resets them to PENDING; the poll loop then delivers.
	for i := 0; i < 5; i++ {
		waitForStatus(t, repo, fmt.Sprintf("stuck%d", i), StatusSuccess)
	}
}

func TestProcessorInFlightNeverExceedsBuffer(t *testing.T) {
	repo := newMemoryRepository()
	release := make(chan struct{})
	sender := &mockSender{
		sendFunc: func(_ ItemType, items []*Item) (*BatchResult, error) {
			<-release
			result := NewBatchResult()
			result.SuccessIDs = itemIDs(items)
			return result, nil
		},
	}

	base := time.Now()
	for i := 0; i < 100; i++ {
		repo.add(testItem(fmt.Sprintf("i%03d", i), fmt.Sprintf("g%d", i%7), base.Add(time.Duration(i)*time.Millisecond)))
	}

	cfg := fastConfig()
	cfg.BufferSize = 20
	cfg.PollBatchSize = 50
	p := NewProcessor(repo, sender, cfg)
	p.Start()
	defer func() {
		close(release)
		p.Stop()
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if inFlight := int(p.inFlight.Load()); inFlight > cfg.BufferSize {
			t.Fatalf("in-flight %d exceeds buffer size %d", inFlight, cfg.BufferSize)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessorDisabled(t *testing.T) {
	repo := newMemoryRepository()
	repo.add(testItem("i1", "g1", time.Now()))

	cfg := fastConfig()
	cfg.Enabled = false
	p := NewProcessor(repo, &mockSender{}, cfg)
	p.Start()
	defer p.Stop()

	time.Sleep(100 * time.Millisecond)
	if repo.statusOf("i1") != StatusPending {
		t.Error("disabled processor must not touch items")
	}
}

func TestProcessorStats(t *testing.T) {
	p := NewProcessor(newMemoryRepository(), &mockSender{}, fastConfig())
	p.Start()
	defer p.Stop()

	stats := p.GetStats()
	if !stats.IsLeader {
		t.Error("single-instance processor should be leader")
	}
	if stats.InFlight != 0 || stats.BufferDepth != 0 {
		t.Errorf("expected clean stats, got %+v", stats)
	}
}

func TestStatusClassification(t *testing.T) {
	if !StatusSuccess.IsTerminal() || !StatusBadRequest.IsTerminal() || !StatusForbidden.IsTerminal() {
		t.Error("terminal statuses misclassified")
	}
	if StatusPending.IsTerminal() || StatusInProgress.IsTerminal() {
		t.Error("non-terminal statuses misclassified")
	}
	for _, s := range []Status{StatusInternalError, StatusGatewayError, StatusUnauthorized} {
		if !s.IsRetryable() {
			t.Errorf("%s should be retryable", s)
		}
	}
	if StatusBadRequest.IsRetryable() || StatusForbidden.IsRetryable() {
		t.Error("permanent statuses must not be retryable")
	}
}

func TestStatusFromHTTPCode(t *testing.T) {
	cases := map[int]Status{
		200: StatusSuccess,
		400: StatusBadRequest,
		401: StatusUnauthorized,
		403: StatusForbidden,
		500: StatusInternalError,
		502: StatusGatewayError,
		503: StatusGatewayError,
		504: StatusGatewayError,
	}
	for code, want := range cases {
		if got := StatusFromHTTPCode(code); got != want {
			t.Errorf("code %d: expected %s, got %s", code, want, got)
		}
	}
}
