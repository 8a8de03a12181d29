// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package discovery probes the registered backends, scores their health,
// and selects the operating strategy for the coordinator. Snapshots are
// cached for a TTL and replaced by pointer swap, so readers always see a
// whole snapshot.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/telemetry"
)

const (
	// DefaultProbeTimeout is the hard deadline for a single probe.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultCacheTTL is how long a snapshot stays fresh.
	DefaultCacheTTL = 300 * time.Second
)

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// Health is the probe result for one backend.
type Health struct {
	Reachable    bool           `json:"reachable"`
	HealthScore  float64        `json:"health_score"`
	LatencyMS    float64        `json:"latency_ms"`
	LastProbedAt time.Time      `json:"last_probed_at"`
	Details      map[string]any `json:"details,omitempty"`
}

// Availability is one immutable discovery snapshot. It is never mutated
// after publication.
type Availability struct {
	ProbedAt time.Time               `json:"probed_at"`
	Backends map[backend.Kind]Health `json:"backends"`
}

// Reachable reports whether kind probed reachable in this snapshot.
func (a *Availability) Reachable(kind backend.Kind) bool {
	if a == nil {
		return false
	}
	return a.Backends[kind].Reachable
}

// ReachablePrimaries returns the reachable primary kinds in canonical order.
func (a *Availability) ReachablePrimaries() []backend.Kind {
	var out []backend.Kind
	for _, k := range backend.PrimaryKinds() {
		if a.Reachable(k) {
			out = append(out, k)
		}
	}
	return out
}

// healthScore derives the score from probe latency. Sub-millisecond probes
// saturate at 1.0; a probe slower than a second scores under 0.001 per
// additional second.
func healthScore(latency time.Duration) float64 {
	ms := float64(latency) / float64(time.Millisecond)
	if ms <= 0 {
		return 1.0
	}
	score := 1000.0 / ms
	if score > 1.0 {
		return 1.0
	}
	if score < 0 {
		return 0
	}
	return score
}

// -----------------------------------------------------------------------------
// Prober
// -----------------------------------------------------------------------------

// Registry is the slice of the backend manager discovery needs.
type Registry interface {
	Kinds() []backend.Kind
	Healthy(kind backend.Kind) (backend.Adapter, bool)
}

// Prober runs parallel health probes and caches the resulting snapshot.
//
// Thread Safety: Safe for concurrent use. Concurrent Snapshot calls during
// a refresh serialize on the refresh lock; only one probe round runs at a
// time.
type Prober struct {
	registry Registry
	timeout  time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	current atomic.Pointer[Availability]
	refresh sync.Mutex
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout overrides the per-probe deadline.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithCacheTTL overrides the snapshot TTL.
func WithCacheTTL(d time.Duration) ProberOption {
	return func(p *Prober) { p.ttl = d }
}

// WithProberLogger sets the prober logger.
func WithProberLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = logger }
}

// WithProberMetrics sets the metrics sink.
func WithProberMetrics(m *telemetry.Metrics) ProberOption {
	return func(p *Prober) { p.metrics = m }
}

// withClock overrides time for tests.
func withClock(now func() time.Time) ProberOption {
	return func(p *Prober) { p.now = now }
}

// NewProber creates a prober over the given registry.
func NewProber(registry Registry, opts ...ProberOption) *Prober {
	p := &Prober{
		registry: registry,
		timeout:  DefaultProbeTimeout,
		ttl:      DefaultCacheTTL,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "discovery"))
	return p
}

// Snapshot returns the current availability snapshot, probing only when the
// cached one has expired. Within the TTL the exact same snapshot pointer is
// returned unchanged.
func (p *Prober) Snapshot(ctx context.Context) (*Availability, error) {
	if av := p.current.Load(); av != nil && p.now().Sub(av.ProbedAt) < p.ttl {
		return av, nil
	}

	p.refresh.Lock()
	defer p.refresh.Unlock()

	// Another caller may have refreshed while this one waited.
	if av := p.current.Load(); av != nil && p.now().Sub(av.ProbedAt) < p.ttl {
		return av, nil
	}
	return p.Refresh(ctx)
}

// Refresh probes every registered backend in parallel and publishes a new
// snapshot regardless of TTL.
func (p *Prober) Refresh(ctx context.Context) (*Availability, error) {
	kinds := p.registry.Kinds()
	av := &Availability{
		ProbedAt: p.now(),
		Backends: make(map[backend.Kind]Health, len(kinds)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		g.Go(func() error {
			h := p.probeOne(gctx, kind)
			mu.Lock()
			av.Backends[kind] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.current.Store(av)
	p.logger.Info("availability snapshot refreshed",
		slog.Int("backends", len(av.Backends)),
		slog.Int("reachable", countReachable(av)))
	return av, nil
}

// probeOne pings one backend under the probe deadline.
func (p *Prober) probeOne(ctx context.Context, kind backend.Kind) Health {
	h := Health{LastProbedAt: p.now()}

	adapter, ok := p.registry.Healthy(kind)
	if !ok {
		p.recordProbe(ctx, kind, "unregistered")
		return h
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	err := adapter.Ping(probeCtx)
	latency := p.now().Sub(start)

	h.LatencyMS = float64(latency) / float64(time.Millisecond)
	if err != nil {
		p.logger.Warn("probe failed",
			slog.String("backend", kind.String()),
			slog.String("error", err.Error()))
		p.recordProbe(ctx, kind, "unreachable")
		return h
	}

	h.Reachable = true
	h.HealthScore = healthScore(latency)
	h.Details = map[string]any{"descriptor": adapter.Kind().String()}
	p.recordProbe(ctx, kind, "reachable")
	return h
}

func (p *Prober) recordProbe(ctx context.Context, kind backend.Kind, outcome string) {
	if p.metrics == nil || p.metrics.ProbesTotal == nil {
		return
	}
	p.metrics.ProbesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", kind.String()),
		attribute.String("outcome", outcome)))
}

func countReachable(av *Availability) int {
	n := 0
	for _, h := range av.Backends {
		if h.Reachable {
			n++
		}
	}
	return n
}
