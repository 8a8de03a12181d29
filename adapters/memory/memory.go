// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides in-process adapters for every backend kind.
//
// They back tests, and they are the substitution targets the strategy
// selector can fall back on when a remote store is absent. All state lives
// in maps guarded by a mutex; Connect and Disconnect only flip availability.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/polystore/backend"
)

// base carries the shared lifecycle state of the in-memory adapters.
type base struct {
	kind      backend.Kind
	available atomic.Bool
	ops       atomic.Int64
	errs      atomic.Int64

	// failNext, when set, makes the next operation fail with the given
	// class. Test hook.
	failMu   sync.Mutex
	failNext *backend.Error
}

func (b *base) Connect(ctx context.Context) error {
	b.available.Store(true)
	return nil
}

func (b *base) Disconnect(ctx context.Context) error {
	b.available.Store(false)
	return nil
}

func (b *base) Available() bool {
	return b.available.Load()
}

func (b *base) Ping(ctx context.Context) error {
	if !b.available.Load() {
		return backend.NewError(backend.ClassUnavailable, b.kind, "ping", nil)
	}
	return nil
}

func (b *base) Kind() backend.Kind {
	return b.kind
}

func (b *base) Stats() backend.Stats {
	return backend.Stats{
		"operations": b.ops.Load(),
		"errors":     b.errs.Load(),
	}
}

// FailNext arms a one-shot failure for the next operation. Test hook.
func (b *base) FailNext(class backend.ErrorClass, op string) {
	b.failMu.Lock()
	b.failNext = backend.NewError(class, b.kind, op, nil)
	b.failMu.Unlock()
}

// gate returns the failure to inject for this operation, if any, and
// enforces availability.
func (b *base) gate(op string) *backend.CrudResult {
	if !b.available.Load() {
		b.errs.Add(1)
		r := backend.Fail(backend.NewError(backend.ClassUnavailable, b.kind, op, nil))
		return &r
	}
	b.failMu.Lock()
	injected := b.failNext
	b.failNext = nil
	b.failMu.Unlock()
	if injected != nil {
		b.errs.Add(1)
		r := backend.Fail(injected)
		return &r
	}
	b.ops.Add(1)
	return nil
}

// cloneMap deep-copies one level of a payload map.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
