// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/polystore/backend"
)

// ErrLockContended means another executor holds the saga's advisory lock.
// The call had no side effects.
var ErrLockContended = errors.New("saga lock contended")

const (
	lockAttempts    = 3
	lockBackoff     = 2 * time.Second
	lockTotalBudget = 30 * time.Second
)

// Locker serializes saga execution by saga_id.
type Locker interface {
	// Acquire takes the lock, retrying with backoff inside a 30 s budget.
	// The returned release function is idempotent.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// -----------------------------------------------------------------------------
// Advisory locker
// -----------------------------------------------------------------------------

// AdvisoryLockerAdapter locks through a relational adapter's advisory
// capability: pg_try_advisory_lock on postgres, a locks table claimed in an
// immediate transaction on sqlite. Locks serialize executors globally
// across every process sharing the same store.
type AdvisoryLockerAdapter struct {
	locker backend.AdvisoryLocker
	logger *slog.Logger
}

var _ Locker = (*AdvisoryLockerAdapter)(nil)

// NewAdvisoryLocker wraps the adapter capability.
func NewAdvisoryLocker(locker backend.AdvisoryLocker, logger *slog.Logger) *AdvisoryLockerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLockerAdapter{locker: locker, logger: logger}
}

// Acquire takes the named lock with bounded retries.
func (a *AdvisoryLockerAdapter) Acquire(ctx context.Context, key string) (func(), error) {
	deadline := time.Now().Add(lockTotalBudget)
	for attempt := 0; attempt < lockAttempts; attempt++ {
		if attempt > 0 {
			delay := lockBackoff * time.Duration(1<<(attempt-1))
			if time.Now().Add(delay).After(deadline) {
				break
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ok, err := a.locker.TryAdvisoryLock(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("advisory lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					if err := a.locker.AdvisoryUnlock(context.WithoutCancel(ctx), key); err != nil {
						a.logger.Warn("advisory unlock failed",
							slog.String("key", key),
							slog.String("error", err.Error()))
					}
				})
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLockContended, key)
}

// -----------------------------------------------------------------------------
// Process-local locker
// -----------------------------------------------------------------------------

// LocalLocker is the in-process fallback when the relational adapter has no
// advisory capability. It cannot protect against other processes; the
// orchestrator logs a warning when it falls back here.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// Acquire takes the key if free, retrying with backoff like the advisory
// path so behavior stays comparable in tests.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	for attempt := 0; attempt < lockAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(10 * time.Millisecond << (attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		l.mu.Lock()
		if !l.held[key] {
			l.held[key] = true
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
				})
			}, nil
		}
		l.mu.Unlock()
	}
	return nil, fmt.Errorf("%w: %s", ErrLockContended, key)
}
