// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/backend"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(InMemoryConfig())
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s
}

func TestUnavailableBeforeConnect(t *testing.T) {
	s := New(InMemoryConfig())
	assert.False(t, s.Available())

	res := s.Put(context.Background(), "k", []byte("v"))
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassUnavailable, res.Class())
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	res := s.Put(ctx, "session:1", []byte(`{"state":"open"}`))
	require.True(t, res.Success, res.Message)

	res = s.Get(ctx, "session:1")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []byte(`{"state":"open"}`), res.Data["value"])

	res = s.DeleteKey(ctx, "session:1")
	require.True(t, res.Success, res.Message)

	res = s.Get(ctx, "session:1")
	require.False(t, res.Success)
	assert.Contains(t, res.Message, "not found")
}

func TestDeleteMissingKeySucceeds(t *testing.T) {
	s := newStore(t)
	res := s.DeleteKey(context.Background(), "never-stored")
	assert.True(t, res.Success, res.Message)
}

func TestOverwriteReplacesValue(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.True(t, s.Put(ctx, "k", []byte("one")).Success)
	require.True(t, s.Put(ctx, "k", []byte("two")).Success)

	res := s.Get(ctx, "k")
	require.True(t, res.Success)
	assert.Equal(t, []byte("two"), res.Data["value"])
}

func TestPersistentModeRequiresPath(t *testing.T) {
	s := New(Config{SyncWrites: true})
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestPersistentRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(t.TempDir())
	cfg.SyncWrites = false
	s := New(cfg)
	require.NoError(t, s.Connect(ctx))

	require.True(t, s.Put(ctx, "k", []byte("durable")).Success)
	require.NoError(t, s.Disconnect(ctx))
	require.NoError(t, s.Disconnect(ctx)) // idempotent

	s2 := New(cfg)
	require.NoError(t, s2.Connect(ctx))
	defer s2.Disconnect(ctx)

	res := s2.Get(ctx, "k")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []byte("durable"), res.Data["value"])
}

func TestPingAfterDisconnectIsUnavailable(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Disconnect(ctx))
	err := s.Ping(ctx)
	assert.Equal(t, backend.ClassUnavailable, backend.Classify(err))
}
