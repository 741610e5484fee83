// Package httpapi exposes the Runtime Orchestrator's HTTP surface
// (spec.md §4.8/§6): the required `/healthz` and `/tasks/workflow`
// endpoints plus the internal control API the CLI drives, all routed
// with gorilla/mux.
//
// Deep health aggregation (fan out per tracked key, collect
// latency/detail) is grounded on the teacher's parallel DeepHealthChecker
// in infrastructure/service/healthcheck.go, adapted from whole-service
// health to per-(domain,key) candidate health.
package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/lifecycle"
)

// ComponentHealth is one (domain,key) entry's health as reported by
// /healthz.
type ComponentHealth struct {
	Domain  candidate.Domain `json:"domain"`
	Key     string           `json:"key"`
	Status  string           `json:"status"` // "ok", "degraded", "not_ready"
	Detail  string           `json:"detail,omitempty"`
	Since   time.Time        `json:"since"`
	Latency int64            `json:"latency_ms"`
}

// HealthReport is the full /healthz response body.
type HealthReport struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// HealthAggregator fans health checks out across every tracked key in
// parallel and aggregates the result, mirroring the teacher's
// DeepHealthChecker shape.
type HealthAggregator struct {
	lifecycle *lifecycle.Manager
	timeout   time.Duration
}

// NewHealthAggregator builds an aggregator over mgr with a per-component
// timeout.
func NewHealthAggregator(mgr *lifecycle.Manager, timeout time.Duration) *HealthAggregator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthAggregator{lifecycle: mgr, timeout: timeout}
}

// Aggregate runs Health() on every tracked instance concurrently and
// reports the combined status: "ok" only if every component is ok.
func (h *HealthAggregator) Aggregate(ctx context.Context) HealthReport {
	keys := h.lifecycle.AllKeys()
	results := make([]ComponentHealth, len(keys))

	var wg sync.WaitGroup
	for i, k := range keys {
		wg.Add(1)
		go func(i int, k candidate.Key) {
			defer wg.Done()
			results[i] = h.checkOne(ctx, k)
		}(i, k)
	}
	wg.Wait()

	overall := "ok"
	for _, r := range results {
		if r.Status != "ok" {
			overall = "degraded"
			break
		}
	}
	return HealthReport{Status: overall, Components: results}
}

func (h *HealthAggregator) checkOne(ctx context.Context, k candidate.Key) ComponentHealth {
	entry := h.lifecycle.Entry(k.Domain, k.Key)
	result := ComponentHealth{Domain: k.Domain, Key: k.Key}

	if entry.Instance == nil {
		result.Status = "not_ready"
		result.Detail = string(entry.State)
		return result
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	health := entry.Instance.Health(checkCtx)
	result.Latency = time.Since(start).Milliseconds()
	result.Since = health.Timestamp
	result.Detail = health.Detail
	if health.OK {
		result.Status = "ok"
	} else {
		result.Status = "degraded"
	}
	return result
}
