// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/saga"
)

// fakeResumer records calls and serves scripted responses per saga.
type fakeResumer struct {
	calls     map[string]int
	statuses  map[string]saga.Status
	failures  map[string]int // errors to serve before succeeding
	contended map[string]bool
}

func newFakeResumer() *fakeResumer {
	return &fakeResumer{
		calls:     make(map[string]int),
		statuses:  make(map[string]saga.Status),
		failures:  make(map[string]int),
		contended: make(map[string]bool),
	}
}

func (f *fakeResumer) Resume(ctx context.Context, sagaID string) (saga.Result, error) {
	f.calls[sagaID]++
	if f.contended[sagaID] {
		return saga.Result{SagaID: sagaID}, fmt.Errorf("%w: saga:%s", saga.ErrLockContended, sagaID)
	}
	if f.failures[sagaID] > 0 {
		f.failures[sagaID]--
		return saga.Result{SagaID: sagaID}, errors.New("transient store failure")
	}
	status := f.statuses[sagaID]
	if status == "" {
		status = saga.StatusCompleted
	}
	return saga.Result{SagaID: sagaID, Status: status}, nil
}

// seedSaga persists a saga in the given status.
func seedSaga(t *testing.T, store *saga.MemoryStore, id string, status saga.Status) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateSaga(context.Background(), &saga.Saga{
		SagaID: id, Name: "seeded", Status: status, CreatedAt: now, UpdatedAt: now,
	}))
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestRunOnceResumesOnlyNonTerminal(t *testing.T) {
	store := saga.NewMemoryStore()
	seedSaga(t, store, "open-1", saga.StatusRunning)
	seedSaga(t, store, "open-2", saga.StatusCreated)
	seedSaga(t, store, "done", saga.StatusCompleted)
	seedSaga(t, store, "rolled-back", saga.StatusCompensated)

	resumer := newFakeResumer()
	w := New(store, resumer, withSleep(noSleep))

	outcomes, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, 1, resumer.calls["open-1"])
	assert.Equal(t, 1, resumer.calls["open-2"])
	assert.Zero(t, resumer.calls["done"])
	assert.Zero(t, resumer.calls["rolled-back"])
}

func TestRunOnceRetriesTransientFailures(t *testing.T) {
	store := saga.NewMemoryStore()
	seedSaga(t, store, "flaky", saga.StatusRunning)

	resumer := newFakeResumer()
	resumer.failures["flaky"] = 2

	w := New(store, resumer, withSleep(noSleep))
	outcomes, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, saga.StatusCompleted, outcomes[0].Status)
	assert.Equal(t, 3, resumer.calls["flaky"])
}

func TestRunOnceGivesUpAfterRetries(t *testing.T) {
	store := saga.NewMemoryStore()
	seedSaga(t, store, "stuck", saga.StatusRunning)

	resumer := newFakeResumer()
	resumer.failures["stuck"] = 10

	w := New(store, resumer, WithRetries(2), withSleep(noSleep))
	outcomes, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0].Err)
	assert.Equal(t, 2, resumer.calls["stuck"])
}

func TestRunOnceSkipsContendedSagas(t *testing.T) {
	store := saga.NewMemoryStore()
	seedSaga(t, store, "busy", saga.StatusRunning)

	resumer := newFakeResumer()
	resumer.contended["busy"] = true

	// A lock held by another executor is not a failure and is not retried.
	w := New(store, resumer, withSleep(noSleep))
	outcomes, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, 1, resumer.calls["busy"])
}

func TestRunOnceEmptyStore(t *testing.T) {
	w := New(saga.NewMemoryStore(), newFakeResumer(), withSleep(noSleep))
	outcomes, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestRunStopsOnCancel(t *testing.T) {
	w := New(saga.NewMemoryStore(), newFakeResumer(), WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
