package pipeline

import (
	"fmt"
	"testing"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/router/pool"
)

func newMsg(id, brokerID string) *pool.Message {
	return &pool.Message{
		ID:              id,
		BrokerMessageID: brokerID,
		PoolCode:        "P1",
		ReceivedAt:      time.Now(),
	}
}

func TestAdmitAndRelease(t *testing.T) {
	r := NewRegistry()

	msg := newMsg("app-1", "broker-1")
	if status := r.Admit(msg); status != Admitted {
		t.Fatalf("expected Admitted, got %v", status)
	}
	if r.Size() != 1 {
		t.Errorf("expected size 1, got %d", r.Size())
	}

	released := r.Release("broker-1")
	if released == nil || released.ID != "app-1" {
		t.Errorf("expected to release app-1, got %+v", released)
	}
	if r.Size() != 0 {
		t.Errorf("expected size 0 after release, got %d", r.Size())
	}
}

func TestAdmitDuplicateDelivery(t *testing.T) {
	r := NewRegistry()

	r.Admit(newMsg("app-1", "broker-1"))
	if status := r.Admit(newMsg("app-1", "broker-1")); status != DuplicateDelivery {
		t.Errorf("expected DuplicateDelivery, got %v", status)
	}
	if r.Size() != 1 {
		t.Errorf("duplicate admission must not grow the registry, size=%d", r.Size())
	}
}

func TestAdmitDuplicateMessageDifferentDelivery(t *testing.T) {
	r := NewRegistry()

	r.Admit(newMsg("app-1", "broker-1"))
	if status := r.Admit(newMsg("app-1", "broker-2")); status != DuplicateMessage {
		t.Errorf("expected DuplicateMessage, got %v", status)
	}
	if r.Size() != 1 {
		t.Errorf("expected size 1, got %d", r.Size())
	}
}

func TestAdmitRefreshesReceiptHandle(t *testing.T) {
	r := NewRegistry()

	var updatedTo string
	original := newMsg("app-1", "broker-1")
	original.UpdateReceiptHandleFunc = func(h string) { updatedTo = h }
	r.Admit(original)

	redelivery := newMsg("app-1", "broker-1")
	redelivery.GetReceiptHandleFunc = func() string { return "fresh-handle" }
	r.Admit(redelivery)

	if updatedTo != "fresh-handle" {
		t.Errorf("expected receipt handle refresh, got %q", updatedTo)
	}
}

func TestReleaseUnknownKey(t *testing.T) {
	r := NewRegistry()
	if msg := r.Release("missing"); msg != nil {
		t.Errorf("expected nil for unknown key, got %+v", msg)
	}
}

func TestPipelineKeyFallsBackToAppID(t *testing.T) {
	r := NewRegistry()

	msg := newMsg("app-1", "")
	r.Admit(msg)

	if released := r.Release("app-1"); released == nil {
		t.Error("expected release by app ID when broker ID is absent")
	}
}

func TestSnapshotOrderedByReceivedAt(t *testing.T) {
	r := NewRegistry()

	base := time.Now()
	for i := 0; i < 5; i++ {
		msg := newMsg(fmt.Sprintf("app-%d", i), fmt.Sprintf("broker-%d", i))
		// Admit newest first to prove the snapshot sorts.
		msg.ReceivedAt = base.Add(-time.Duration(i) * time.Minute)
		r.Admit(msg)
	}

	snapshot := r.Snapshot(0, nil)
	if len(snapshot) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(snapshot))
	}
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i].ReceivedAt.Before(snapshot[i-1].ReceivedAt) {
			t.Errorf("snapshot not ordered by receivedAt at index %d", i)
		}
	}
}

func TestSnapshotLimitAndFilter(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 10; i++ {
		r.Admit(newMsg(fmt.Sprintf("app-%d", i), fmt.Sprintf("broker-%d", i)))
	}

	if got := len(r.Snapshot(3, nil)); got != 3 {
		t.Errorf("expected limit 3, got %d", got)
	}

	filtered := r.Snapshot(0, func(m *pool.Message) bool { return m.ID == "app-7" })
	if len(filtered) != 1 || filtered[0].ID != "app-7" {
		t.Errorf("expected only app-7, got %+v", filtered)
	}
}

func TestSweepOlderThan(t *testing.T) {
	r := NewRegistry()

	old := newMsg("app-old", "broker-old")
	old.ReceivedAt = time.Now().Add(-2 * time.Hour)
	r.Admit(old)
	r.Admit(newMsg("app-new", "broker-new"))

	if removed := r.SweepOlderThan(time.Hour); removed != 1 {
		t.Errorf("expected 1 swept entry, got %d", removed)
	}
	if r.Size() != 1 {
		t.Errorf("expected size 1 after sweep, got %d", r.Size())
	}

	// The swept message is admissible again.
	if status := r.Admit(newMsg("app-old", "broker-old")); status != Admitted {
		t.Errorf("expected re-admission after sweep, got %v", status)
	}
}
