// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool provides a bounded, health-validated connection pool for
// relational adapters whose drivers do not ship one of their own.
//
// Every lease is validated before it is handed out, and every release rolls
// back any transaction the caller left open, so a leaked transaction can
// never poison the next lease.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/telemetry"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrClosed is returned when leasing from a closed pool.
	ErrClosed = errors.New("pool is closed")

	// ErrLeaseTimeout is returned when no connection became available
	// before the caller's deadline.
	ErrLeaseTimeout = errors.New("timed out waiting for a pooled connection")
)

// -----------------------------------------------------------------------------
// Connection Contract
// -----------------------------------------------------------------------------

// Conn is the minimal surface the pool needs from a pooled connection.
type Conn interface {
	// Validate runs the configured validation query ("SELECT 1" class).
	// A failing connection is discarded, never handed out.
	Validate(ctx context.Context) error

	// Reset rolls back any open transaction. Called on every release.
	Reset(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Factory creates a new connection. Called under the pool's connect timeout.
type Factory func(ctx context.Context) (Conn, error)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config sizes and tunes a Pool.
type Config struct {
	// MinSize is the number of connections pre-opened by Warm.
	// Default: 5.
	MinSize int

	// MaxSize bounds the total connections. Default: 50.
	MaxSize int

	// ConnectTimeout bounds each Factory call. Default: 10s.
	ConnectTimeout time.Duration

	// ConnectRetries is the number of Factory attempts per connection,
	// backed off exponentially (1s, 2s, 4s). Auth failures are never
	// retried. Default: 3.
	ConnectRetries int

	// ConnectBackoff is the initial retry delay. Default: 1s.
	ConnectBackoff time.Duration

	// Logger for pool events. Default: slog.Default().
	Logger *slog.Logger

	// Telemetry receives per-lease counters. Default: telemetry.Default().
	Telemetry *telemetry.Metrics
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:        5,
		MaxSize:        50,
		ConnectTimeout: 10 * time.Second,
		ConnectRetries: 3,
		ConnectBackoff: time.Second,
	}
}

// Metrics is a point-in-time snapshot of pool counters.
type Metrics struct {
	Active       int
	Idle         int
	Total        int
	CreatedTotal int64
	ReusedTotal  int64
	ErrorsTotal  int64
}

// -----------------------------------------------------------------------------
// Pool
// -----------------------------------------------------------------------------

// Pool is a bounded connection pool with validation on lease.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	idle    []Conn
	total   int
	closed  bool
	waiters chan struct{} // capacity MaxSize; tokens represent open slots

	created int64
	reused  int64
	errs    int64
}

// New creates a pool around factory. The pool is empty until Warm or the
// first Lease.
func New(cfg Config, factory Factory) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("factory must not be nil")
	}
	def := DefaultConfig()
	if cfg.MinSize <= 0 {
		cfg.MinSize = def.MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("min size %d exceeds max size %d", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = def.ConnectRetries
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = def.ConnectBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Default()
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger.With(slog.String("component", "pool")),
		waiters: make(chan struct{}, cfg.MaxSize),
	}
	// Fill the slot tokens; each token is the right to hold one connection.
	for i := 0; i < cfg.MaxSize; i++ {
		p.waiters <- struct{}{}
	}
	return p, nil
}

// Warm pre-opens MinSize connections. Partial failures are logged and
// reflected in the error count but do not fail the warm-up.
func (p *Pool) Warm(ctx context.Context) {
	for i := 0; i < p.cfg.MinSize; i++ {
		lease, err := p.Lease(ctx)
		if err != nil {
			p.logger.Warn("pool warm-up connection failed", slog.String("error", err.Error()))
			return
		}
		defer lease.Release(ctx)
	}
}

// Lease acquires a validated connection, blocking until one is available or
// ctx expires.
//
// Description:
//
//	An idle connection is validated before hand-out; on validation failure
//	it is discarded and a fresh one is created in its place. New connections
//	are dialed with exponential backoff; auth failures abort immediately.
//
// Outputs:
//
//	*Lease - The held connection. Callers must Release it; Release is tied
//	         to a single call and is idempotent.
//	error - ErrClosed, ErrLeaseTimeout, or a connect failure.
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	// Take a slot token first so total never exceeds MaxSize.
	select {
	case <-p.waiters:
	case <-ctx.Done():
		p.cfg.Telemetry.RecordPoolLease(ctx, "timeout")
		return nil, fmt.Errorf("%w: %v", ErrLeaseTimeout, ctx.Err())
	}

	conn, err := p.takeIdleOrDial(ctx)
	if err != nil {
		p.waiters <- struct{}{} // return the slot
		p.mu.Lock()
		p.errs++
		p.mu.Unlock()
		p.cfg.Telemetry.RecordPoolLease(ctx, "error")
		return nil, err
	}
	p.cfg.Telemetry.RecordPoolLease(ctx, "ok")
	return &Lease{pool: p, conn: conn}, nil
}

// takeIdleOrDial pops a validated idle connection or dials a new one.
func (p *Pool) takeIdleOrDial(ctx context.Context) (Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		var conn Conn
		if n := len(p.idle); n > 0 {
			conn = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if conn == nil {
			return p.dial(ctx)
		}
		if err := conn.Validate(ctx); err != nil {
			p.logger.Warn("discarding failed pooled connection", slog.String("error", err.Error()))
			_ = conn.Close()
			p.mu.Lock()
			p.total--
			p.errs++
			p.mu.Unlock()
			continue // try the next idle conn, or dial
		}
		p.mu.Lock()
		p.reused++
		p.mu.Unlock()
		return conn, nil
	}
}

// dial creates a connection with bounded exponential backoff.
func (p *Pool) dial(ctx context.Context) (Conn, error) {
	var lastErr error
	delay := p.cfg.ConnectBackoff
	for attempt := 1; attempt <= p.cfg.ConnectRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		conn, err := p.factory(dialCtx)
		cancel()
		if err == nil {
			p.mu.Lock()
			p.total++
			p.created++
			p.mu.Unlock()
			return conn, nil
		}
		lastErr = err
		if backend.Classify(err) == backend.ClassAuth {
			return nil, fmt.Errorf("connect aborted, auth failure: %w", err)
		}
		if attempt < p.cfg.ConnectRetries {
			p.logger.Warn("connect failed, backing off",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("connect cancelled: %w", ctx.Err())
			}
			delay *= 2
		}
	}
	return nil, fmt.Errorf("connect failed after %d attempts: %w", p.cfg.ConnectRetries, lastErr)
}

// release returns a connection to the idle set after resetting it.
func (p *Pool) release(ctx context.Context, conn Conn) {
	if err := conn.Reset(ctx); err != nil {
		p.logger.Warn("connection reset failed, discarding", slog.String("error", err.Error()))
		_ = conn.Close()
		p.mu.Lock()
		p.total--
		p.errs++
		closed := p.closed
		p.mu.Unlock()
		if !closed {
			p.waiters <- struct{}{}
		}
		return
	}

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.waiters <- struct{}{}
}

// Close closes every idle connection and fails future leases. In-flight
// leases drain on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		Active:       p.total - len(p.idle),
		Idle:         len(p.idle),
		Total:        p.total,
		CreatedTotal: p.created,
		ReusedTotal:  p.reused,
		ErrorsTotal:  p.errs,
	}
}

// -----------------------------------------------------------------------------
// Lease
// -----------------------------------------------------------------------------

// Lease is a held connection. Release is idempotent and must be called;
// tying it to a defer guarantees the slot returns even on panic.
type Lease struct {
	pool     *Pool
	conn     Conn
	released bool
	mu       sync.Mutex
}

// Conn returns the held connection.
func (l *Lease) Conn() Conn {
	return l.conn
}

// Release resets the connection and returns it to the pool.
func (l *Lease) Release(ctx context.Context) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	l.pool.release(ctx, l.conn)
}
