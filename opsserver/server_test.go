// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package opsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore"
	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/config"
	"github.com/AleutianAI/polystore/saga"
)

func testCoordinator(t *testing.T) *polystore.Coordinator {
	t.Helper()
	cfg := config.Default()
	cfg.Relational = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Document = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Vector = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Graph = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.File = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.KeyValue = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Recovery.Enabled = false

	c, err := polystore.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func serve(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testCoordinator(t), nil)

	w := serve(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestReadyzWithHealthyBackends(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testCoordinator(t), nil)

	w := serve(t, s, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])
}

func TestReadyzBeforeStart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Relational = config.BackendConfig{Enabled: true, Backend: "memory"}
	cfg.Autostart = false
	c, err := polystore.Open(context.Background(), cfg)
	require.NoError(t, err)
	s := New(c, nil)

	w := serve(t, s, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testCoordinator(t), nil)

	w := serve(t, s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
}

func TestStrategyEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testCoordinator(t), nil)

	w := serve(t, s, http.MethodGet, "/v1/strategy")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "full_polyglot", body["strategy"])
	assert.EqualValues(t, 10, body["expected_performance_rating"])

	roles, ok := body["role_map"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, roles, "relational")
}

func TestBackendsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testCoordinator(t), nil)

	w := serve(t, s, http.MethodGet, "/v1/backends")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	require.Contains(t, body, "key_value")
	entry := body["key_value"].(map[string]any)
	assert.Equal(t, "healthy", entry["status"])
}

func TestGetSaga(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	c := testCoordinator(t)
	s := New(c, nil)

	res := c.Execute(ctx, backend.KindRelational, backend.OpCreate,
		map[string]any{"table": "notes", "schema": map[string]any{"body": "TEXT"}})
	require.True(t, res.Success, res.Message)

	sagaID, err := c.CreateSaga(ctx, "note-write", []saga.Step{
		{
			StepID:    "s1",
			Backend:   "relational",
			Operation: "create",
			Payload: map[string]any{
				"table":  "notes",
				"record": map[string]any{"id": "n-1", "body": "hello"},
			},
		},
	}, "trace-ops")
	require.NoError(t, err)
	_, err = c.ExecuteSaga(ctx, sagaID)
	require.NoError(t, err)

	w := serve(t, s, http.MethodGet, "/v1/sagas/"+sagaID)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	sg := body["saga"].(map[string]any)
	assert.Equal(t, "completed", sg["status"])
	events := body["events"].([]any)
	assert.NotEmpty(t, events)
}

func TestGetSagaNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := New(testCoordinator(t), nil)

	w := serve(t, s, http.MethodGet, "/v1/sagas/no-such-saga")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResumeCompletedSaga(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	c := testCoordinator(t)
	s := New(c, nil)

	sagaID, err := c.CreateSaga(ctx, "kv-write", []saga.Step{
		{
			StepID:    "s1",
			Backend:   "key_value",
			Operation: "create",
			Payload:   map[string]any{"key": "k-1", "value": "v"},
		},
	}, "trace-resume")
	require.NoError(t, err)
	_, err = c.ExecuteSaga(ctx, sagaID)
	require.NoError(t, err)

	// Resuming a completed saga is a no-op and reports the terminal state.
	w := serve(t, s, http.MethodPost, "/v1/sagas/"+sagaID+"/resume")
	assert.Equal(t, http.StatusOK, w.Code)
}
