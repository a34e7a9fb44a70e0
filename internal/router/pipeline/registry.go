// Package pipeline tracks every message admitted to the router and not yet
// settled. Its size is the router's definition of "in-flight": the sum of
// buffered and actively processed messages across all pools.
package pipeline

import (
	"sort"
	"sync"
	"time"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/router/pool"
)

// AdmitStatus classifies the result of an admission attempt.
type AdmitStatus int

const (
	// Admitted: the message is new and now tracked.
	Admitted AdmitStatus = iota

	// DuplicateDelivery: the same broker delivery is already in flight
	// (visibility timeout redelivery).
	DuplicateDelivery

	// DuplicateMessage: the same application message arrived under a
	// different broker delivery (external requeue).
	DuplicateMessage
)

type entry struct {
	msg        *pool.Message
	receivedAt time.Time
}

// Registry is the process-wide in-flight map. All operations are atomic
// with respect to each other.
type Registry struct {
	mu sync.Mutex

	// byKey maps pipelineKey (broker delivery ID, else app ID) to entry.
	byKey map[string]entry

	// byAppID maps application message ID to its pipelineKey, to detect
	// requeued copies arriving under a fresh delivery ID.
	byAppID map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:   make(map[string]entry),
		byAppID: make(map[string]string),
	}
}

// Admit registers the message unless a copy is already in flight.
// On DuplicateDelivery the stored message's receipt handle is refreshed
// from the new delivery so the original can still settle.
func (r *Registry) Admit(msg *pool.Message) AdmitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := msg.PipelineKey()

	if existing, ok := r.byKey[key]; ok {
		r.refreshReceiptHandleLocked(existing.msg, msg)
		return DuplicateDelivery
	}

	if _, ok := r.byAppID[msg.ID]; ok {
		return DuplicateMessage
	}

	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	r.byKey[key] = entry{msg: msg, receivedAt: msg.ReceivedAt}
	r.byAppID[msg.ID] = key
	metrics.PipelineMapSize.Set(float64(len(r.byKey)))
	return Admitted
}

// Release removes the message for the given pipeline key and returns it,
// or nil if it was not tracked.
func (r *Registry) Release(key string) *pool.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byKey[key]
	if !ok {
		return nil
	}
	delete(r.byKey, key)
	delete(r.byAppID, e.msg.ID)
	metrics.PipelineMapSize.Set(float64(len(r.byKey)))
	return e.msg
}

// Size returns the number of in-flight messages.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

// Snapshot returns up to limit in-flight messages ordered by receivedAt
// ascending. A nil filter matches everything.
func (r *Registry) Snapshot(limit int, filter func(*pool.Message) bool) []*pool.Message {
	r.mu.Lock()
	entries := make([]entry, 0, len(r.byKey))
	for _, e := range r.byKey {
		if filter == nil || filter(e.msg) {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].receivedAt.Before(entries[j].receivedAt)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*pool.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// Each invokes fn for every in-flight message. fn must not call back into
// the registry.
func (r *Registry) Each(fn func(key string, msg *pool.Message, receivedAt time.Time)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.byKey {
		fn(key, e.msg, e.receivedAt)
	}
}

// SweepOlderThan removes entries older than ttl and returns how many were
// dropped. A guard against leaked entries keeping the accounting invariant
// from drifting.
func (r *Registry) SweepOlderThan(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.byKey {
		if e.receivedAt.Before(cutoff) {
			delete(r.byKey, key)
			delete(r.byAppID, e.msg.ID)
			removed++
		}
	}
	if removed > 0 {
		metrics.PipelineMapSize.Set(float64(len(r.byKey)))
	}
	return removed
}

// refreshReceiptHandleLocked copies the new delivery's receipt handle onto
// the stored message, so the settle path uses a live handle.
func (r *Registry) refreshReceiptHandleLocked(stored, fresh *pool.Message) {
	if stored.UpdateReceiptHandleFunc == nil || fresh.GetReceiptHandleFunc == nil {
		return
	}
	if handle := fresh.GetReceiptHandleFunc(); handle != "" {
		stored.UpdateReceiptHandleFunc(handle)
	}
}
