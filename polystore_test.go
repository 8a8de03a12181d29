// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package polystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/config"
	"github.com/AleutianAI/polystore/discovery"
	"github.com/AleutianAI/polystore/saga"
)

// memoryConfig enables every backend kind on the in-memory adapters.
func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Relational = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Document = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Vector = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Graph = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.File = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.KeyValue = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Recovery.Enabled = false
	return cfg
}

func openCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestExecuteBeforeStart(t *testing.T) {
	cfg := memoryConfig()
	cfg.Autostart = false
	c, err := Open(context.Background(), cfg)
	require.NoError(t, err)

	res := c.Execute(context.Background(), backend.KindRelational, backend.OpCreate,
		map[string]any{"table": "t"})
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassUnavailable, res.Class())
}

func TestCrudRoundTripThroughCoordinator(t *testing.T) {
	ctx := context.Background()
	c := openCoordinator(t, memoryConfig())

	res := c.Execute(ctx, backend.KindRelational, backend.OpCreate, map[string]any{
		"table":  "cases",
		"record": map[string]any{"id": "c-1", "title": "first"},
	})
	require.True(t, res.Success, res.Message)

	res = c.Execute(ctx, backend.KindRelational, backend.OpRead, map[string]any{
		"table":  "cases",
		"filter": map[string]any{"id": "c-1"},
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, res.Data["count"])
}

func TestGovernanceBlocksThroughCoordinator(t *testing.T) {
	ctx := context.Background()
	c := openCoordinator(t, memoryConfig())

	res := c.Execute(ctx, backend.KindGraph, backend.OpCreate, map[string]any{
		"label": "Case",
		"match": map[string]any{"id": "c-1"},
		"set":   map[string]any{"content": "full document body"},
	})
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassGovernance, res.Class())
}

func TestPlanSelectsFullPolyglot(t *testing.T) {
	c := openCoordinator(t, memoryConfig())

	plan, err := c.Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, discovery.StrategyFullPolyglot, plan.Selected)
}

func TestSagaEndToEndOnDurableStore(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Relational = config.BackendConfig{
		Enabled:        true,
		Backend:        "sqlite",
		Path:           filepath.Join(t.TempDir(), "saga.db"),
		MinConnections: 1,
		MaxConnections: 4,
	}
	c := openCoordinator(t, cfg)

	// Durable saga state landed on the sqlite store.
	_, isSQL := c.SagaStore().(*saga.SQLStore)
	assert.True(t, isSQL)

	res := c.Execute(ctx, backend.KindRelational, backend.OpCreate,
		map[string]any{"table": "documents", "schema": map[string]any{"title": "TEXT"}})
	require.True(t, res.Success, res.Message)

	sagaID, err := c.CreateSaga(ctx, "ingest", []saga.Step{
		{
			StepID:    "s1",
			Backend:   "relational",
			Operation: "create",
			Payload: map[string]any{
				"table":  "documents",
				"record": map[string]any{"id": "d-1", "title": "report"},
				"id":     "d-1",
			},
			Compensation: "relational_delete",
		},
		{
			StepID:    "s2",
			Backend:   "key_value",
			Operation: "create",
			Payload:   map[string]any{"key": "doc:d-1", "value": "cached"},
		},
	}, "trace-1")
	require.NoError(t, err)

	result, err := c.ExecuteSaga(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, result.Status)
	assert.Len(t, result.ExecutedSteps, 2)

	// State survives in the relational store.
	sg, err := c.SagaStore().GetSaga(ctx, sagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, sg.Status)
}

func TestUnknownImplementationRejected(t *testing.T) {
	cfg := memoryConfig()
	cfg.Vector = config.BackendConfig{Enabled: true, Backend: "faiss"}
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "faiss")
}

func TestStopIsIdempotent(t *testing.T) {
	c := openCoordinator(t, memoryConfig())
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}

func TestDisabledBackendsAreNotRegistered(t *testing.T) {
	cfg := memoryConfig()
	cfg.Graph.Enabled = false
	c := openCoordinator(t, cfg)

	res := c.Execute(context.Background(), backend.KindGraph, backend.OpRead,
		map[string]any{"query": "match"})
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassUnavailable, res.Class())
}
