// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/backend"
)

// TestOperationAllowed verifies the allow-list gate.
func TestOperationAllowed(t *testing.T) {
	e := NewEngine()

	violations, err := e.EnsureOperationAllowed(backend.KindRelational, backend.OpCreate)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

// TestOperationBlocked verifies a restricted policy rejects verbs outside
// the allowed set.
func TestOperationBlocked(t *testing.T) {
	e := NewEngine(WithPolicy(backend.KindGraph, Policy{
		AllowedOperations: []backend.Operation{backend.OpRead},
	}))

	violations, err := e.EnsureOperationAllowed(backend.KindGraph, backend.OpDelete)
	require.Error(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, backend.ClassGovernance, backend.Classify(err))
	assert.Contains(t, err.Error(), "delete")
	assert.Contains(t, err.Error(), "graph")
}

// TestGraphForbidsContentField reproduces the canonical block: binary or
// document content must never land in the graph store.
func TestGraphForbidsContentField(t *testing.T) {
	e := NewEngine()

	payload := map[string]any{
		"title":   "doc-1",
		"content": []byte{0x1f, 0x8b},
	}
	violations, err := e.ValidatePayload(backend.KindGraph, backend.OpCreate, payload)
	require.Error(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "content", violations[0].FieldPath)
	assert.Contains(t, err.Error(), "content")
	assert.Contains(t, err.Error(), "graph")
}

// TestFieldMatchIsCaseInsensitive verifies forbidden field matching ignores
// case on the last path segment.
func TestFieldMatchIsCaseInsensitive(t *testing.T) {
	e := NewEngine()

	payload := map[string]any{"node": map[string]any{"RAW_Content": "x"}}
	violations, err := e.ValidatePayload(backend.KindGraph, backend.OpUpdate, payload)
	require.Error(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "node.RAW_Content", violations[0].FieldPath)
}

// TestForbiddenFieldBlocksSubtree verifies a forbidden field name rejects a
// whole container branch with a single violation.
func TestForbiddenFieldBlocksSubtree(t *testing.T) {
	e := NewEngine()

	payload := map[string]any{
		"chunks": []any{
			map[string]any{"text": "a"},
			map[string]any{"text": "b"},
		},
	}
	violations, _ := e.ValidatePayload(backend.KindGraph, backend.OpCreate, payload)
	require.Len(t, violations, 1)
	assert.Equal(t, "chunks", violations[0].FieldPath)
}

// TestRelationalForbidsBinary verifies the blob rule on the relational store.
func TestRelationalForbidsBinary(t *testing.T) {
	e := NewEngine()

	payload := map[string]any{
		"record": map[string]any{
			"id":   "d1",
			"body": []byte("raw bytes"),
		},
	}
	violations, err := e.ValidatePayload(backend.KindRelational, backend.OpCreate, payload)
	require.Error(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "record.body", violations[0].FieldPath)
}

// TestAllViolationsCollected verifies validation does not short-circuit.
func TestAllViolationsCollected(t *testing.T) {
	e := NewEngine()

	payload := map[string]any{
		"content":  "forbidden name",
		"fulltext": "also forbidden",
		"blob":     []byte{1, 2, 3},
	}
	violations, _ := e.ValidatePayload(backend.KindGraph, backend.OpCreate, payload)
	assert.Len(t, violations, 3)
}

// TestValidationIsIdempotent verifies repeated validation returns the
// identical violation set in identical order.
func TestValidationIsIdempotent(t *testing.T) {
	e := NewEngine()

	payload := map[string]any{
		"z_content": map[string]any{"chunks": "x"},
		"a":         []byte{1},
		"content":   "y",
	}
	first, _ := e.ValidatePayload(backend.KindGraph, backend.OpCreate, payload)
	second, _ := e.ValidatePayload(backend.KindGraph, backend.OpCreate, payload)
	assert.Equal(t, first, second)
}

// TestLenientModeReturnsViolationsWithoutError verifies lenient engines
// report but do not raise.
func TestLenientModeReturnsViolationsWithoutError(t *testing.T) {
	e := NewEngine(WithLenient())

	payload := map[string]any{"content": "x"}
	violations, err := e.ValidatePayload(backend.KindGraph, backend.OpCreate, payload)
	assert.NoError(t, err)
	assert.Len(t, violations, 1)
	assert.False(t, e.Strict())
}

// TestCleanPayloadPasses verifies permissive kinds accept anything.
func TestCleanPayloadPasses(t *testing.T) {
	e := NewEngine()

	payload := map[string]any{
		"doc": map[string]any{
			"content": []byte("document stores may hold blobs"),
			"nested":  []any{1, "two", true, nil},
		},
	}
	violations, err := e.ValidatePayload(backend.KindDocument, backend.OpCreate, payload)
	assert.NoError(t, err)
	assert.Empty(t, violations)
}
