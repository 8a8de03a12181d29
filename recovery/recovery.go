// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery resumes sagas left non-terminal by a crash or restart.
// The worker is stateless and re-entrant: it never writes saga state
// itself, it only asks the orchestrator to resume.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/AleutianAI/polystore/saga"
)

const (
	// DefaultInterval is the sweep period of the Run loop.
	DefaultInterval = 60 * time.Second

	// DefaultRetries bounds resume attempts per saga within one sweep.
	DefaultRetries = 3

	// retryBackoff is the base delay between resume attempts.
	retryBackoff = 500 * time.Millisecond
)

// Resumer is the orchestrator slice the worker depends on.
type Resumer interface {
	Resume(ctx context.Context, sagaID string) (saga.Result, error)
}

// Outcome is the per-saga result of one sweep.
type Outcome struct {
	SagaID string
	Status saga.Status
	Err    error
}

// Worker sweeps the saga store for non-terminal sagas and resumes them.
type Worker struct {
	store    saga.Store
	resumer  Resumer
	logger   *slog.Logger
	interval time.Duration
	retries  int
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval overrides the sweep period.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) { w.interval = d }
}

// WithRetries overrides per-saga resume attempts.
func WithRetries(n int) Option {
	return func(w *Worker) { w.retries = n }
}

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// withSleep replaces the backoff sleeper in tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) { w.sleep = fn }
}

// New creates a worker over the store and orchestrator.
func New(store saga.Store, resumer Resumer, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		resumer:  resumer,
		logger:   slog.Default(),
		interval: DefaultInterval,
		retries:  DefaultRetries,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("component", "recovery"))
	return w
}

// RunOnce performs one sweep and returns the per-saga outcomes.
//
// Description:
//
//	Queries the store for sagas whose status is non-terminal and resumes
//	each in turn. Lock contention means another executor owns the saga
//	right now; that counts as handled, not failed. Other errors retry with
//	backoff up to the configured attempts.
func (w *Worker) RunOnce(ctx context.Context) ([]Outcome, error) {
	ids, err := w.store.NonTerminal(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	w.logger.Info("recovery sweep", slog.Int("candidates", len(ids)))

	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		outcomes = append(outcomes, w.resumeOne(ctx, id))
	}
	return outcomes, nil
}

// resumeOne resumes a single saga with bounded retries.
func (w *Worker) resumeOne(ctx context.Context, sagaID string) Outcome {
	var last Outcome
	for attempt := 0; attempt < w.retries; attempt++ {
		if attempt > 0 {
			if err := w.sleep(ctx, retryBackoff*time.Duration(1<<(attempt-1))); err != nil {
				last.Err = err
				return last
			}
		}

		result, err := w.resumer.Resume(ctx, sagaID)
		last = Outcome{SagaID: sagaID, Status: result.Status, Err: err}
		if err == nil {
			return last
		}
		if errors.Is(err, saga.ErrLockContended) {
			// Another executor holds the saga; it is in good hands.
			w.logger.Info("saga held elsewhere, skipping",
				slog.String("saga_id", sagaID))
			last.Err = nil
			return last
		}
		if ctx.Err() != nil {
			return last
		}
		w.logger.Warn("resume attempt failed",
			slog.String("saga_id", sagaID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return last
}

// Run sweeps until the context is cancelled. The interval is jittered by
// up to 10 % so multiple workers sharing a store spread their sweeps.
func (w *Worker) Run(ctx context.Context) {
	for {
		jitter := time.Duration(rand.Int63n(int64(w.interval) / 10))
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval + jitter):
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
		}
	}
}
