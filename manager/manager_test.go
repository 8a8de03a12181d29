// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/adapters/memory"
	"github.com/AleutianAI/polystore/backend"
)

// slowAdapter blocks in Connect until its context is cancelled.
type slowAdapter struct {
	*memory.DocumentStore
}

func (s *slowAdapter) Connect(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStartAllConnectsRegisteredBackends(t *testing.T) {
	m := New()
	require.NoError(t, m.Register(memory.NewDocumentStore()))
	require.NoError(t, m.Register(memory.NewRelationalStore()))

	results := m.StartAll(context.Background(), nil, time.Second)
	assert.True(t, results[backend.KindDocument])
	assert.True(t, results[backend.KindRelational])

	doc, err := m.Document()
	require.NoError(t, err)
	assert.True(t, doc.Available())

	statuses := m.Statuses()
	assert.Equal(t, StatusHealthy, statuses[backend.KindDocument])
}

func TestStartAllTimeoutLeavesBackendRetryable(t *testing.T) {
	m := New()
	require.NoError(t, m.Register(&slowAdapter{memory.NewDocumentStore()}))

	results := m.StartAll(context.Background(), nil, 20*time.Millisecond)
	assert.False(t, results[backend.KindDocument])
	assert.Equal(t, StatusError, m.Statuses()[backend.KindDocument])

	// The failed backend stays registered; strict Get reports unavailable.
	_, err := m.Get(backend.KindDocument)
	require.Error(t, err)
	assert.Equal(t, backend.ClassUnavailable, backend.Classify(err))
}

func TestRegisterFactoryDefersConstruction(t *testing.T) {
	built := false
	m := New()
	require.NoError(t, m.RegisterFactory(backend.KindVector, func() (backend.Adapter, error) {
		built = true
		return memory.NewVectorStore(), nil
	}))
	assert.False(t, built)

	results := m.StartAll(context.Background(), nil, time.Second)
	assert.True(t, built)
	assert.True(t, results[backend.KindVector])

	vec, err := m.Vector()
	require.NoError(t, err)
	require.NotNil(t, vec)
}

func TestFactoryErrorMarksBackendError(t *testing.T) {
	m := New()
	require.NoError(t, m.RegisterFactory(backend.KindGraph, func() (backend.Adapter, error) {
		return nil, errors.New("driver missing")
	}))

	results := m.StartAll(context.Background(), nil, time.Second)
	assert.False(t, results[backend.KindGraph])
	assert.Equal(t, StatusError, m.Statuses()[backend.KindGraph])
	assert.NotEmpty(t, m.Errors())
}

func TestLenientGetReturnsNilAndRecords(t *testing.T) {
	m := New(WithLenient())

	a, err := m.Get(backend.KindKeyValue)
	assert.NoError(t, err)
	assert.Nil(t, a)
	assert.Len(t, m.Errors(), 1)
}

func TestStrictGetUnregisteredKind(t *testing.T) {
	m := New()
	_, err := m.Get(backend.KindFile)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}

func TestReRegisterActiveBackendRejected(t *testing.T) {
	m := New()
	require.NoError(t, m.Register(memory.NewDocumentStore()))
	m.StartAll(context.Background(), nil, time.Second)

	err := m.Register(memory.NewDocumentStore())
	require.Error(t, err)
}

func TestSubsetStartOnlyTouchesNamedKinds(t *testing.T) {
	m := New()
	require.NoError(t, m.Register(memory.NewDocumentStore()))
	require.NoError(t, m.Register(memory.NewKVStore()))

	results := m.StartAll(context.Background(), []backend.Kind{backend.KindDocument}, time.Second)
	assert.True(t, results[backend.KindDocument])
	_, started := results[backend.KindKeyValue]
	assert.False(t, started)
	assert.Equal(t, StatusConfigured, m.Statuses()[backend.KindKeyValue])
}

func TestStopAllMarksStopped(t *testing.T) {
	m := New()
	require.NoError(t, m.Register(memory.NewDocumentStore()))
	m.StartAll(context.Background(), nil, time.Second)

	m.StopAll(context.Background())
	assert.Equal(t, StatusStopped, m.Statuses()[backend.KindDocument])

	_, err := m.Get(backend.KindDocument)
	require.Error(t, err)
}
