// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/backend"
)

// connect is a test helper that connects an adapter or fails the test.
func connect(t *testing.T, a backend.Adapter) {
	t.Helper()
	require.NoError(t, a.Connect(context.Background()))
}

// TestUnavailableBeforeConnect verifies every adapter gates operations on
// connection state.
func TestUnavailableBeforeConnect(t *testing.T) {
	ctx := context.Background()
	doc := NewDocumentStore()

	res := doc.CreateDocument(ctx, map[string]any{"a": 1}, "")
	assert.False(t, res.Success)
	assert.Equal(t, backend.ClassUnavailable, res.Class())
	assert.Error(t, doc.Ping(ctx))

	connect(t, doc)
	assert.NoError(t, doc.Ping(ctx))
}

// TestRelationalInsertDeleteRoundTrip verifies insert-then-delete restores
// the prior state.
func TestRelationalInsertDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	rel := NewRelationalStore()
	connect(t, rel)

	res := rel.Insert(ctx, "documents", map[string]any{"id": "d1", "content": "hello"})
	require.True(t, res.Success)
	assert.Equal(t, "d1", res.GetString("id"))
	assert.Equal(t, 1, rel.RowCount("documents"))

	res = rel.Delete(ctx, "documents", map[string]any{"id": "d1"})
	require.True(t, res.Success)
	assert.Equal(t, 0, rel.RowCount("documents"))
}

// TestRelationalDuplicateInsert verifies duplicate keys surface as
// constraint violations.
func TestRelationalDuplicateInsert(t *testing.T) {
	ctx := context.Background()
	rel := NewRelationalStore()
	connect(t, rel)

	require.True(t, rel.Insert(ctx, "t", map[string]any{"id": "x"}).Success)
	res := rel.Insert(ctx, "t", map[string]any{"id": "x"})
	assert.False(t, res.Success)
	assert.Equal(t, backend.ClassConstraintViolation, res.Class())
}

// TestRelationalSelectOrderAndLimit verifies deterministic ordering.
func TestRelationalSelectOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	rel := NewRelationalStore()
	connect(t, rel)

	for _, id := range []string{"c", "a", "b"} {
		require.True(t, rel.Insert(ctx, "t", map[string]any{"id": id, "group": "g"}).Success)
	}
	res := rel.Select(ctx, "t", map[string]any{"group": "g"}, "id", 2)
	require.True(t, res.Success)
	rows := res.Data["rows"].([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].(map[string]any)["id"])
	assert.Equal(t, "b", rows[1].(map[string]any)["id"])
}

// TestDocumentLifecycle covers create, get, update, delete.
func TestDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	doc := NewDocumentStore()
	connect(t, doc)

	res := doc.CreateDocument(ctx, map[string]any{"title": "one"}, "doc-1")
	require.True(t, res.Success)

	res = doc.UpdateDocument(ctx, "doc-1", map[string]any{"title": "two"})
	require.True(t, res.Success)

	res = doc.GetDocument(ctx, "doc-1")
	require.True(t, res.Success)
	stored := res.Data["document"].(map[string]any)
	assert.Equal(t, "two", stored["title"])

	// Delete is idempotent.
	require.True(t, doc.DeleteDocument(ctx, "doc-1").Success)
	require.True(t, doc.DeleteDocument(ctx, "doc-1").Success)
	assert.Equal(t, 0, doc.Len())
}

// TestVectorAddSearchDelete covers the vector contract including the
// all-or-nothing batch rule.
func TestVectorAddSearchDelete(t *testing.T) {
	ctx := context.Background()
	vec := NewVectorStore()
	connect(t, vec)

	require.True(t, vec.CreateCollection(ctx, "chunks").Success)

	res := vec.Add(ctx, "chunks",
		[]string{"v1", "v2"},
		[][]float32{{1, 0}, {0, 1}},
		[]map[string]any{{"document_id": "d1"}, {"document_id": "d2"}},
		[]string{"alpha", "beta"})
	require.True(t, res.Success)

	// Mismatched batch is rejected before anything lands.
	bad := vec.Add(ctx, "chunks", []string{"v3"}, [][]float32{{1}, {2}}, nil, nil)
	assert.False(t, bad.Success)
	assert.Equal(t, 2, vec.Count("chunks"))

	res = vec.Search(ctx, "chunks", []float32{1, 0.1}, 1)
	require.True(t, res.Success)
	matches := res.Data["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "v1", matches[0].(map[string]any)["id"])

	res = vec.DeleteVectors(ctx, "chunks", nil, map[string]any{"document_id": "d1"})
	require.True(t, res.Success)
	assert.Equal(t, 1, vec.Count("chunks"))
}

// TestGraphMergeIsUpsert verifies MergeNode matches before creating.
func TestGraphMergeIsUpsert(t *testing.T) {
	ctx := context.Background()
	g := NewGraphStore()
	connect(t, g)

	res := g.MergeNode(ctx, "Document", map[string]any{"id": "d1"}, map[string]any{"title": "one"})
	require.True(t, res.Success)
	first := res.GetString("node_id")
	assert.Equal(t, true, res.Data["created"])

	res = g.MergeNode(ctx, "Document", map[string]any{"id": "d1"}, map[string]any{"title": "two"})
	require.True(t, res.Success)
	assert.Equal(t, first, res.GetString("node_id"))
	assert.Equal(t, false, res.Data["created"])
	assert.Equal(t, 1, g.NodeCount())
}

// TestGraphDeleteByPropertyID verifies DeleteNode resolves {id} properties
// and is idempotent.
func TestGraphDeleteByPropertyID(t *testing.T) {
	ctx := context.Background()
	g := NewGraphStore()
	connect(t, g)

	res := g.MergeNode(ctx, "Document", map[string]any{"id": "d1"}, nil)
	require.True(t, res.Success)

	require.True(t, g.DeleteNode(ctx, "d1").Success)
	assert.Equal(t, 0, g.NodeCount())
	require.True(t, g.DeleteNode(ctx, "d1").Success) // already gone
}

// TestFileStoreRoundTrip covers store, get, delete.
func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := NewFileStore()
	connect(t, f)

	res := f.StoreAsset(ctx, backend.AssetPut{Data: []byte("payload"), Metadata: map[string]any{"name": "a.bin"}})
	require.True(t, res.Success)
	id := res.GetString("asset_id")
	require.NotEmpty(t, id)
	assert.Equal(t, int64(7), res.Data["size"])

	res = f.GetAsset(ctx, id)
	require.True(t, res.Success)
	assert.Equal(t, []byte("payload"), res.Data["data"])

	require.True(t, f.DeleteAsset(ctx, id).Success)
	assert.False(t, f.GetAsset(ctx, id).Success)
}

// TestKVRoundTrip covers put, get, delete.
func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := NewKVStore()
	connect(t, kv)

	require.True(t, kv.Put(ctx, "k", []byte("v")).Success)
	res := kv.Get(ctx, "k")
	require.True(t, res.Success)
	assert.Equal(t, []byte("v"), res.Data["value"])
	require.True(t, kv.DeleteKey(ctx, "k").Success)
	assert.False(t, kv.Get(ctx, "k").Success)
}

// TestFailNextInjection verifies the one-shot failure hook used by
// orchestrator tests.
func TestFailNextInjection(t *testing.T) {
	ctx := context.Background()
	rel := NewRelationalStore()
	connect(t, rel)

	rel.FailNext(backend.ClassConnectionLost, "insert")
	res := rel.Insert(ctx, "t", map[string]any{"id": "a"})
	assert.False(t, res.Success)
	assert.Equal(t, backend.ClassConnectionLost, res.Class())

	// The failure was one-shot.
	assert.True(t, rel.Insert(ctx, "t", map[string]any{"id": "a"}).Success)
}
