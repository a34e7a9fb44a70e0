// Package api exposes the monitoring surface of the dispatch core.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatch/internal/router/manager"
	"go.flowcatalyst.tech/dispatch/internal/router/pool"
)

// OutboxStatus is the outbox slice of the core health payload.
type OutboxStatus struct {
	IsLeader    bool `json:"isLeader"`
	BufferDepth int  `json:"bufferDepth"`
	InFlight    int  `json:"inFlight"`
}

// CoreStatus is the health payload exposed by the core.
type CoreStatus struct {
	Initialized bool             `json:"initialized"`
	Consumers   []ConsumerStatus `json:"consumers"`
	Outbox      *OutboxStatus    `json:"outbox,omitempty"`
}

// ConsumerStatus is the per-consumer slice of the health payload.
type ConsumerStatus struct {
	QueueIdentifier string `json:"queueIdentifier"`
	Healthy         bool   `json:"healthy"`
	Running         bool   `json:"running"`
	LastPollTimeMs  int64  `json:"lastPollTimeMs"`
}

// PoolStatus is one pool's gauge snapshot.
type PoolStatus struct {
	Code             string `json:"code"`
	Concurrency      int    `json:"concurrency"`
	ActiveWorkers    int    `json:"activeWorkers"`
	AvailablePermits int    `json:"availablePermits"`
	QueueDepth       int    `json:"queueDepth"`
	BufferCapacity   int    `json:"bufferCapacity"`
	GroupCount       int    `json:"groupCount"`
	RateLimited      bool   `json:"rateLimited"`
}

// InFlightEntry is one registry entry in the in-flight listing.
type InFlightEntry struct {
	MessageID  string    `json:"messageId"`
	PoolCode   string    `json:"poolCode"`
	GroupKey   string    `json:"groupKey"`
	Target     string    `json:"target"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// MonitoringHandler serves the monitoring endpoints.
type MonitoringHandler struct {
	router       *manager.Router
	outboxStatus func() *OutboxStatus
}

// NewMonitoringHandler creates a handler for the router surface.
// outboxStatus may be nil when the binary runs no outbox.
func NewMonitoringHandler(router *manager.Router, outboxStatus func() *OutboxStatus) *MonitoringHandler {
	return &MonitoringHandler{router: router, outboxStatus: outboxStatus}
}

// RegisterRoutes mounts the monitoring endpoints.
func (h *MonitoringHandler) RegisterRoutes(r chi.Router) {
	r.Get("/monitoring/status", h.handleStatus)
	r.Get("/monitoring/pools", h.handlePools)
	r.Get("/monitoring/inflight", h.handleInFlight)
}

func (h *MonitoringHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := CoreStatus{
		Initialized: h.router.Manager().Initialized(),
		Consumers:   make([]ConsumerStatus, 0),
	}

	for _, c := range h.router.ConsumerHealth() {
		status.Consumers = append(status.Consumers, ConsumerStatus{
			QueueIdentifier: c.QueueIdentifier,
			Healthy:         c.Healthy,
			Running:         c.Running,
			LastPollTimeMs:  c.LastPollTime.UnixMilli(),
		})
	}

	if h.outboxStatus != nil {
		status.Outbox = h.outboxStatus()
	}

	writeJSON(w, status)
}

func (h *MonitoringHandler) handlePools(w http.ResponseWriter, r *http.Request) {
	pools := h.router.Manager().Pools()
	out := make([]PoolStatus, 0, len(pools))
	for _, p := range pools {
		out = append(out, PoolStatus{
			Code:             p.Code(),
			Concurrency:      p.Concurrency(),
			ActiveWorkers:    p.ActiveWorkers(),
			AvailablePermits: p.AvailablePermits(),
			QueueDepth:       p.QueueDepth(),
			BufferCapacity:   p.BufferCapacity(),
			GroupCount:       p.GroupCount(),
			RateLimited:      p.IsRateLimited(),
		})
	}
	writeJSON(w, out)
}

func (h *MonitoringHandler) handleInFlight(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	messageID := r.URL.Query().Get("messageId")
	var filter func(*pool.Message) bool
	if messageID != "" {
		filter = func(m *pool.Message) bool { return m.ID == messageID }
	}

	snapshot := h.router.Manager().Registry().Snapshot(limit, filter)
	out := make([]InFlightEntry, 0, len(snapshot))
	for _, m := range snapshot {
		out = append(out, InFlightEntry{
			MessageID:  m.ID,
			PoolCode:   m.PoolCode,
			GroupKey:   m.GroupKey,
			Target:     m.MediationTarget,
			ReceivedAt: m.ReceivedAt,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
