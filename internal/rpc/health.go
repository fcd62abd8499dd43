package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Ademola21/nano-automation-suite/internal/observability/metrics"
)

// Node health states.
const (
	NodeHealthy = "healthy"
	NodeDown    = "down"
)

// NodeHealthRecord is the last probe result for one endpoint.
type NodeHealthRecord struct {
	Endpoint  string    `json:"endpoint"`
	Status    string    `json:"status"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthChecker probes every endpoint with block_count on a fixed interval.
// Records are only written by the checker's own loop.
type HealthChecker struct {
	client   *Client
	interval time.Duration
	timeout  time.Duration
	onUpdate func([]NodeHealthRecord)

	mu      sync.RWMutex
	records map[string]NodeHealthRecord
}

// NewHealthChecker builds a checker. onUpdate, if set, receives every
// completed round.
func NewHealthChecker(client *Client, interval time.Duration, onUpdate func([]NodeHealthRecord)) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		client:   client,
		interval: interval,
		timeout:  5 * time.Second,
		onUpdate: onUpdate,
		records:  make(map[string]NodeHealthRecord),
	}
}

// Run probes immediately and then on every tick until ctx ends.
func (h *HealthChecker) Run(ctx context.Context) error {
	h.CheckOnce(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs a single probe round and returns the results in endpoint order.
func (h *HealthChecker) CheckOnce(ctx context.Context) []NodeHealthRecord {
	endpoints := h.client.Endpoints()
	round := make([]NodeHealthRecord, 0, len(endpoints))
	for _, ep := range endpoints {
		start := time.Now()
		_, err := h.client.Call(ctx, ep, "block_count", nil, h.timeout)
		rec := NodeHealthRecord{Endpoint: ep, CheckedAt: time.Now()}
		if err != nil {
			rec.Status = NodeDown
			rec.Error = err.Error()
			metrics.SetNodeHealth(ep, false, 0)
			h.client.logger.Warn("节点健康检查失败", slog.String("endpoint", ep), slog.Any("error", err))
		} else {
			latency := time.Since(start)
			rec.Status = NodeHealthy
			rec.LatencyMs = latency.Milliseconds()
			metrics.SetNodeHealth(ep, true, latency)
		}
		round = append(round, rec)
	}

	h.mu.Lock()
	for _, rec := range round {
		h.records[rec.Endpoint] = rec
	}
	h.mu.Unlock()

	if h.onUpdate != nil {
		h.onUpdate(round)
	}
	return round
}

// Snapshot returns the latest record per endpoint in configured order.
func (h *HealthChecker) Snapshot() []NodeHealthRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]NodeHealthRecord, 0, len(h.records))
	for _, ep := range h.client.endpoints {
		if rec, ok := h.records[ep]; ok {
			out = append(out, rec)
		}
	}
	return out
}
