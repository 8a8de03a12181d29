// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/backend"
)

// newStore connects an adapter against a throwaway database file.
func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{
		Path:           filepath.Join(t.TempDir(), "test.db"),
		MinConnections: 1,
		MaxConnections: 4,
	})
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func TestUnavailableBeforeConnect(t *testing.T) {
	s := New(DefaultConfig("unused.db"))
	assert.False(t, s.Available())
	err := s.Ping(context.Background())
	assert.Equal(t, backend.ClassUnavailable, backend.Classify(err))
}

func TestInsertSelectRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	res := s.CreateTable(ctx, "cases", map[string]string{
		"title":  "TEXT",
		"status": "TEXT",
	})
	require.True(t, res.Success, res.Message)

	res = s.Insert(ctx, "cases", map[string]any{"title": "first", "status": "open"})
	require.True(t, res.Success, res.Message)
	id := res.GetString("id")
	require.NotEmpty(t, id)

	res = s.Insert(ctx, "cases", map[string]any{"title": "second", "status": "closed"})
	require.True(t, res.Success, res.Message)

	res = s.Select(ctx, "cases", map[string]any{"status": "open"}, "", 0)
	require.True(t, res.Success, res.Message)
	rows := res.Data["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "first", rows[0].(map[string]any)["title"])
}

func TestInsertDuplicateIDIsConstraintViolation(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.True(t, s.CreateTable(ctx, "items", map[string]string{"name": "TEXT"}).Success)

	require.True(t, s.Insert(ctx, "items", map[string]any{"id": "i-1", "name": "a"}).Success)
	res := s.Insert(ctx, "items", map[string]any{"id": "i-1", "name": "b"})
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassConstraintViolation, res.Class())
}

func TestUpdateMissingRowFails(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.True(t, s.CreateTable(ctx, "items", map[string]string{"name": "TEXT"}).Success)

	res := s.Update(ctx, "items", "ghost", map[string]any{"name": "x"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.True(t, s.CreateTable(ctx, "items", map[string]string{"name": "TEXT", "qty": "INTEGER"}).Success)
	require.True(t, s.Insert(ctx, "items", map[string]any{"id": "i-1", "name": "a", "qty": 1}).Success)

	res := s.Update(ctx, "items", "i-1", map[string]any{"qty": 5})
	require.True(t, res.Success, res.Message)

	rows, err := s.Query(ctx, `SELECT qty FROM "items" WHERE id = ?`, "i-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 5, rows[0]["qty"])

	res = s.Delete(ctx, "items", map[string]any{"id": "i-1"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, res.Data["deleted"])
}

func TestSelectOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.True(t, s.CreateTable(ctx, "items", map[string]string{"name": "TEXT"}).Success)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.True(t, s.Insert(ctx, "items", map[string]any{"name": name}).Success)
	}

	res := s.Select(ctx, "items", nil, "name", 2)
	require.True(t, res.Success, res.Message)
	rows := res.Data["rows"].([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "alpha", rows[0].(map[string]any)["name"])
	assert.Equal(t, "bravo", rows[1].(map[string]any)["name"])
}

func TestNestedValuesStoredAsJSON(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.True(t, s.CreateTable(ctx, "items", map[string]string{"tags": "TEXT"}).Success)

	res := s.Insert(ctx, "items", map[string]any{
		"id":   "i-1",
		"tags": map[string]any{"env": "prod"},
	})
	require.True(t, res.Success, res.Message)

	rows, err := s.Query(ctx, `SELECT tags FROM "items" WHERE id = ?`, "i-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"env":"prod"}`, rows[0]["tags"].(string))
}

func TestBadIdentifierRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	res := s.CreateTable(ctx, "items; DROP TABLE x", nil)
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassSyntax, res.Class())

	res = s.Select(ctx, "items", map[string]any{"bad col": 1}, "", 0)
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassSyntax, res.Class())
}

func TestMissingTableIsSyntaxClass(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	res := s.Insert(ctx, "nope", map[string]any{"x": 1})
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassSyntax, res.Class())
}

func TestAdvisoryLockContention(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	got, err := s.TryAdvisoryLock(ctx, "saga:abc")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = s.TryAdvisoryLock(ctx, "saga:abc")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, s.AdvisoryUnlock(ctx, "saga:abc"))
	got, err = s.TryAdvisoryLock(ctx, "saga:abc")
	require.NoError(t, err)
	assert.True(t, got)

	// Releasing an unheld lock is not an error.
	require.NoError(t, s.AdvisoryUnlock(ctx, "never-held"))
}

func TestDisconnectReleasesHeldLocks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locks.db")

	first := New(Config{Path: path, MinConnections: 1, MaxConnections: 2})
	require.NoError(t, first.Connect(ctx))

	got, err := first.TryAdvisoryLock(ctx, "saga:abc")
	require.NoError(t, err)
	require.True(t, got)
	require.NoError(t, first.Disconnect(ctx))

	// A fresh process against the same file must be able to take the lock.
	second := New(Config{Path: path, MinConnections: 1, MaxConnections: 2})
	require.NoError(t, second.Connect(ctx))
	t.Cleanup(func() { _ = second.Disconnect(ctx) })

	got, err = second.TryAdvisoryLock(ctx, "saga:abc")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestExpiredAdvisoryLockIsReclaimed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// A crashed holder leaves its row behind with a stale timestamp.
	stale := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	require.NoError(t, s.Exec(ctx,
		`INSERT INTO saga_locks (lock_key, acquired_at) VALUES (?, ?)`,
		"saga:crashed", stale))

	got, err := s.TryAdvisoryLock(ctx, "saga:crashed")
	require.NoError(t, err)
	assert.True(t, got)

	// The reclaimed lock has a fresh lease and is held again.
	got, err = s.TryAdvisoryLock(ctx, "saga:crashed")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestLiveAdvisoryLockIsNotReclaimed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	got, err := s.TryAdvisoryLock(ctx, "saga:live")
	require.NoError(t, err)
	require.True(t, got)

	// Within the lease the lock stays with its holder.
	got, err = s.TryAdvisoryLock(ctx, "saga:live")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Disconnect(context.Background()))
	require.NoError(t, s.Disconnect(context.Background()))
	assert.False(t, s.Available())
}
