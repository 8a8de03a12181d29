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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/adapters/sqlite"
)

// newSQLStore wires a SQLStore over a throwaway sqlite database.
func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	rel := sqlite.New(sqlite.Config{
		Path:           filepath.Join(t.TempDir(), "saga.db"),
		MinConnections: 1,
		MaxConnections: 2,
	})
	require.NoError(t, rel.Connect(ctx))
	t.Cleanup(func() { _ = rel.Disconnect(ctx) })
	require.NoError(t, EnsureSagaSchema(ctx, rel))
	return NewSQLStore(rel)
}

func TestSQLStoreSagaRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	now := time.Now().UTC()
	sg := &Saga{
		SagaID:    "sg-1",
		Name:      "store-document",
		Status:    StatusCreated,
		Steps:     []Step{{StepID: "s1", Backend: "relational", Operation: "create"}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateSaga(ctx, sg))

	loaded, err := store.GetSaga(ctx, "sg-1")
	require.NoError(t, err)
	assert.Equal(t, "store-document", loaded.Name)
	require.Len(t, loaded.Steps, 1)
	assert.Equal(t, "s1", loaded.Steps[0].StepID)

	require.NoError(t, store.UpdateStatus(ctx, "sg-1", StatusRunning, "s1"))
	loaded, err = store.GetSaga(ctx, "sg-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, "s1", loaded.CurrentStep)
}

// TestSQLStoreEventsKeepAppendOrder pins the event order to the per-saga
// sequence. Wall-clock timestamps collide when steps finish within the
// clock's resolution, so identical created_at values must not reshuffle
// the log.
func TestSQLStoreEventsKeepAppendOrder(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	stamp := time.Now().UTC()
	names := []string{"s1", "s2", "s3", "s4"}
	for _, name := range names {
		require.NoError(t, store.AppendEvent(ctx, &Event{
			SagaID:    "sg-1",
			StepName:  name,
			EventType: "create",
			Status:    EventSuccess,
			CreatedAt: stamp,
		}))
	}

	events, err := store.Events(ctx, "sg-1")
	require.NoError(t, err)
	require.Len(t, events, len(names))
	for i, e := range events {
		assert.Equal(t, names[i], e.StepName)
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestSQLStoreSequenceIsPerSaga(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	require.NoError(t, store.AppendEvent(ctx, &Event{SagaID: "a", StepName: "s1", EventType: "create", Status: EventPending}))
	require.NoError(t, store.AppendEvent(ctx, &Event{SagaID: "b", StepName: "s1", EventType: "create", Status: EventPending}))
	require.NoError(t, store.AppendEvent(ctx, &Event{SagaID: "a", StepName: "s1", EventType: "create", Status: EventSuccess}))

	a, err := store.Events(ctx, "a")
	require.NoError(t, err)
	require.Len(t, a, 2)
	assert.Equal(t, int64(1), a[0].Seq)
	assert.Equal(t, int64(2), a[1].Seq)

	b, err := store.Events(ctx, "b")
	require.NoError(t, err)
	require.Len(t, b, 1)
	assert.Equal(t, int64(1), b[0].Seq)
}

func TestSQLStoreHasSuccessUsesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	require.NoError(t, store.AppendEvent(ctx, &Event{
		SagaID: "sg-1", StepName: "s1", EventType: "create",
		Status: EventSuccess, IdempotencyKey: "doc-1-v1",
	}))

	hit, err := store.HasSuccess(ctx, "sg-1", "s1", "doc-1-v1")
	require.NoError(t, err)
	assert.True(t, hit)

	hit, err = store.HasSuccess(ctx, "sg-1", "s1", "doc-1-v2")
	require.NoError(t, err)
	assert.False(t, hit)
}
