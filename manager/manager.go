// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manager owns the adapter registry and its lifecycle: deferred
// construction, bounded parallel startup with per-backend deadlines, health
// tracking, and strict-versus-lenient access for callers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/polystore/backend"
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the per-backend lifecycle state.
type Status int

const (
	// StatusConfigured means registered but never started.
	StatusConfigured Status = iota
	// StatusConnecting means a start attempt is in flight.
	StatusConnecting
	// StatusHealthy means the adapter connected and reported available.
	StatusHealthy
	// StatusError means the last start attempt failed; the backend stays
	// in the pending set for a later retry.
	StatusError
	// StatusStopped means the adapter was explicitly disconnected.
	StatusStopped
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusConfigured:
		return "configured"
	case StatusConnecting:
		return "connecting"
	case StatusHealthy:
		return "healthy"
	case StatusError:
		return "error"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrBackendUnavailable is wrapped by strict-mode getters when the requested
// backend is missing or unhealthy.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Factory defers adapter construction so registration never blocks; the
// manager calls it under the startup executor's timeout.
type Factory func() (backend.Adapter, error)

// entry is the registry record for one kind.
type entry struct {
	factory backend.Adapter // nil until built
	build   Factory
	status  Status
	lastErr error
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager owns every adapter for its full lifetime.
//
// Description:
//
//	A backend is exposed to callers only after its adapter connects and
//	reports healthy. Once exposed it may turn unhealthy, but it never
//	disappears without an explicit StopAll. In strict mode a missing or
//	unhealthy backend is an error; in lenient mode getters return nil and
//	the failure is recorded for later inspection.
//
// Thread Safety: Safe for concurrent use. The registry is mutated only
// under the manager lock; getters see consistent snapshots.
type Manager struct {
	mu      sync.Mutex
	entries map[backend.Kind]*entry
	errs    []error
	strict  bool
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLenient makes getters return nil instead of raising.
func WithLenient() Option {
	return func(m *Manager) { m.strict = false }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates an empty manager in strict mode.
func New(opts ...Option) *Manager {
	m := &Manager{
		entries: make(map[backend.Kind]*entry),
		strict:  true,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "manager"))
	return m
}

// Register adds a constructed adapter for its kind. At most one adapter per
// kind; re-registering replaces a stopped or configured entry only.
func (m *Manager) Register(a backend.Adapter) error {
	return m.register(a.Kind(), &entry{factory: a, status: StatusConfigured})
}

// RegisterFactory adds a deferred adapter. The factory runs during StartAll
// under that backend's timeout, so a slow constructor cannot block others.
func (m *Manager) RegisterFactory(kind backend.Kind, build Factory) error {
	if build == nil {
		return errors.New("factory must not be nil")
	}
	return m.register(kind, &entry{build: build, status: StatusConfigured})
}

func (m *Manager) register(kind backend.Kind, e *entry) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid backend kind %d", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[kind]; ok {
		if existing.status == StatusHealthy || existing.status == StatusConnecting {
			return fmt.Errorf("backend %s already registered and active", kind)
		}
	}
	m.entries[kind] = e
	return nil
}

// Kinds returns the registered kinds.
func (m *Manager) Kinds() []backend.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]backend.Kind, 0, len(m.entries))
	for _, k := range backend.AllKinds() {
		if _, ok := m.entries[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// -----------------------------------------------------------------------------
// Startup / Shutdown
// -----------------------------------------------------------------------------

// StartAll connects the given backends in parallel.
//
// Description:
//
//	Builds deferred adapters and calls Connect, one task per backend, with
//	concurrency capped at min(8, n) and an independent deadline per task.
//	A timeout or connect failure marks that backend StatusError and leaves
//	it registered for a later retry; per-backend failures never propagate.
//
// Inputs:
//
//	subset - Kinds to start; nil starts every registered backend.
//	perBackendTimeout - Deadline for each backend's build+connect.
//
// Outputs:
//
//	map[backend.Kind]bool - Started successfully, per kind.
func (m *Manager) StartAll(ctx context.Context, subset []backend.Kind, perBackendTimeout time.Duration) map[backend.Kind]bool {
	if subset == nil {
		subset = m.Kinds()
	}
	results := make(map[backend.Kind]bool, len(subset))
	var resMu sync.Mutex

	limit := len(subset)
	if limit > 8 {
		limit = 8
	}
	if limit == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, kind := range subset {
		g.Go(func() error {
			ok := m.startOne(gctx, kind, perBackendTimeout)
			resMu.Lock()
			results[kind] = ok
			resMu.Unlock()
			return nil // per-backend failures are reported via the map
		})
	}
	_ = g.Wait() // tasks never return errors
	return results
}

// startOne builds (if deferred) and connects one backend under its deadline.
func (m *Manager) startOne(ctx context.Context, kind backend.Kind, timeout time.Duration) bool {
	m.mu.Lock()
	e, ok := m.entries[kind]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if e.status == StatusHealthy {
		m.mu.Unlock()
		return true
	}
	e.status = StatusConnecting
	build := e.build
	adapter := e.factory
	m.mu.Unlock()

	connCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Run build+connect in a goroutine so a misbehaving adapter cannot
	// outlive its deadline from the manager's point of view.
	type outcome struct {
		adapter backend.Adapter
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		a := adapter
		if a == nil {
			var err error
			a, err = build()
			if err != nil {
				done <- outcome{err: fmt.Errorf("build %s adapter: %w", kind, err)}
				return
			}
		}
		done <- outcome{adapter: a, err: a.Connect(connCtx)}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-connCtx.Done():
		out = outcome{err: fmt.Errorf("start %s: %w", kind, connCtx.Err())}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if out.err != nil {
		e.status = StatusError
		e.lastErr = out.err
		if out.adapter != nil {
			e.factory = out.adapter // keep the built instance for retry
		}
		m.errs = append(m.errs, out.err)
		m.logger.Warn("backend start failed",
			slog.String("backend", kind.String()),
			slog.String("error", out.err.Error()))
		return false
	}
	e.factory = out.adapter
	e.status = StatusHealthy
	e.lastErr = nil
	m.logger.Info("backend started", slog.String("backend", kind.String()))
	return true
}

// StopAll disconnects every adapter, deduplicating by identity. Disconnect
// errors are logged, never raised.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	seen := make(map[backend.Adapter]bool)
	var toStop []backend.Adapter
	for _, e := range m.entries {
		if e.factory != nil && !seen[e.factory] {
			seen[e.factory] = true
			toStop = append(toStop, e.factory)
		}
		e.status = StatusStopped
	}
	m.mu.Unlock()

	for _, a := range toStop {
		if err := a.Disconnect(ctx); err != nil {
			m.logger.Warn("backend disconnect failed",
				slog.String("backend", a.Kind().String()),
				slog.String("error", err.Error()))
		}
	}
}

// -----------------------------------------------------------------------------
// Access
// -----------------------------------------------------------------------------

// Get returns the adapter for kind.
//
// Description:
//
//	Strict mode: a missing or unhealthy backend returns a tagged
//	backend_unavailable error. Lenient mode: returns (nil, nil) and
//	records the miss for Errors().
func (m *Manager) Get(kind backend.Kind) (backend.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[kind]
	if ok && e.status == StatusHealthy && e.factory != nil {
		return e.factory, nil
	}

	err := backend.NewError(backend.ClassUnavailable, kind, "get",
		fmt.Errorf("%w: %s (status %s)", ErrBackendUnavailable, kind, m.statusLocked(kind)))
	if m.strict {
		return nil, err
	}
	m.errs = append(m.errs, err)
	return nil, nil
}

// Healthy returns the adapter for kind without recording a miss. Used by
// discovery, which probes whatever is registered and treats absence as
// unreachable rather than an error.
func (m *Manager) Healthy(kind backend.Kind) (backend.Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[kind]
	if !ok || e.status != StatusHealthy || e.factory == nil {
		return nil, false
	}
	return e.factory, true
}

// statusLocked returns the status string for kind; callers hold m.mu.
func (m *Manager) statusLocked(kind backend.Kind) Status {
	if e, ok := m.entries[kind]; ok {
		return e.status
	}
	return StatusConfigured
}

// Relational returns the relational adapter, typed.
func (m *Manager) Relational() (backend.Relational, error) {
	return typedGet[backend.Relational](m, backend.KindRelational)
}

// Document returns the document adapter, typed.
func (m *Manager) Document() (backend.Document, error) {
	return typedGet[backend.Document](m, backend.KindDocument)
}

// Vector returns the vector adapter, typed.
func (m *Manager) Vector() (backend.Vector, error) {
	return typedGet[backend.Vector](m, backend.KindVector)
}

// Graph returns the graph adapter, typed.
func (m *Manager) Graph() (backend.Graph, error) {
	return typedGet[backend.Graph](m, backend.KindGraph)
}

// File returns the file adapter, typed.
func (m *Manager) File() (backend.File, error) {
	return typedGet[backend.File](m, backend.KindFile)
}

// KeyValue returns the key-value adapter, typed.
func (m *Manager) KeyValue() (backend.KeyValue, error) {
	return typedGet[backend.KeyValue](m, backend.KindKeyValue)
}

// typedGet narrows a Get result to the kind's interface.
func typedGet[T any](m *Manager, kind backend.Kind) (T, error) {
	var zero T
	a, err := m.Get(kind)
	if err != nil || a == nil {
		return zero, err
	}
	typed, ok := a.(T)
	if !ok {
		return zero, fmt.Errorf("adapter for %s does not implement its kind contract", kind)
	}
	return typed, nil
}

// Statuses returns a consistent status snapshot.
func (m *Manager) Statuses() map[backend.Kind]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[backend.Kind]Status, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.status
	}
	return out
}

// Errors returns the recorded failures, oldest first.
func (m *Manager) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, len(m.errs))
	copy(out, m.errs)
	return out
}

// Strict reports whether getters raise on unavailable backends.
func (m *Manager) Strict() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strict
}
