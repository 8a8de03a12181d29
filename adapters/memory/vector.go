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
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/AleutianAI/polystore/backend"
)

// vectorEntry is one stored embedding.
type vectorEntry struct {
	id       string
	vector   []float32
	metadata map[string]any
	doc      string
}

// VectorStore is an in-memory vector adapter with exact cosine search.
type VectorStore struct {
	base
	mu          sync.RWMutex
	collections map[string][]vectorEntry
}

var _ backend.Vector = (*VectorStore)(nil)

// NewVectorStore creates an empty vector store.
func NewVectorStore() *VectorStore {
	v := &VectorStore{collections: make(map[string][]vectorEntry)}
	v.kind = backend.KindVector
	return v
}

// CreateCollection creates a named collection. Idempotent.
func (v *VectorStore) CreateCollection(ctx context.Context, name string) backend.CrudResult {
	if r := v.gate("create_collection"); r != nil {
		return *r
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.collections[name]; !ok {
		v.collections[name] = nil
	}
	return backend.OK(map[string]any{"collection": name})
}

// Add stores vectors with parallel ids, metadata and documents. The write is
// all-or-nothing: a length mismatch rejects the batch before anything lands.
func (v *VectorStore) Add(ctx context.Context, collection string, ids []string, vectors [][]float32, metadatas []map[string]any, docs []string) backend.CrudResult {
	if r := v.gate("add"); r != nil {
		return *r
	}
	if len(ids) != len(vectors) ||
		(metadatas != nil && len(metadatas) != len(ids)) ||
		(docs != nil && len(docs) != len(ids)) {
		return backend.Failf(backend.ClassSyntax, backend.KindVector, "add",
			"ids, vectors, metadatas and docs must have equal length")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.collections[collection]
	for i, id := range ids {
		e := vectorEntry{id: id, vector: vectors[i]}
		if metadatas != nil {
			e.metadata = cloneMap(metadatas[i])
		}
		if docs != nil {
			e.doc = docs[i]
		}
		entries = append(entries, e)
	}
	v.collections[collection] = entries
	return backend.OK(map[string]any{"added": len(ids)})
}

// Search returns the topK nearest entries by cosine similarity.
func (v *VectorStore) Search(ctx context.Context, collection string, vector []float32, topK int) backend.CrudResult {
	if r := v.gate("search"); r != nil {
		return *r
	}
	v.mu.RLock()
	entries, ok := v.collections[collection]
	v.mu.RUnlock()
	if !ok {
		return backend.Failf(backend.ClassUnknown, backend.KindVector, "search",
			fmt.Sprintf("collection %q not found", collection))
	}

	type scored struct {
		entry vectorEntry
		score float64
	}
	results := make([]scored, 0, len(entries))
	for _, e := range entries {
		results = append(results, scored{entry: e, score: cosine(vector, e.vector)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	matches := make([]any, len(results))
	for i, r := range results {
		matches[i] = map[string]any{
			"id":       r.entry.id,
			"score":    r.score,
			"metadata": cloneMap(r.entry.metadata),
			"document": r.entry.doc,
		}
	}
	return backend.OK(map[string]any{"matches": matches})
}

// DeleteVectors removes entries by id list, or by metadata filter when ids
// is empty. Missing ids succeed.
func (v *VectorStore) DeleteVectors(ctx context.Context, collection string, ids []string, filter map[string]any) backend.CrudResult {
	if r := v.gate("delete"); r != nil {
		return *r
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.collections[collection]

	keep := entries[:0]
	removed := 0
	for _, e := range entries {
		if matchesDelete(e, ids, filter) {
			removed++
			continue
		}
		keep = append(keep, e)
	}
	v.collections[collection] = keep
	return backend.OK(map[string]any{"deleted": removed})
}

// matchesDelete reports whether the entry is targeted by ids or filter.
func matchesDelete(e vectorEntry, ids []string, filter map[string]any) bool {
	if len(ids) > 0 {
		for _, id := range ids {
			if e.id == id {
				return true
			}
		}
		return false
	}
	if len(filter) == 0 {
		return false
	}
	for k, want := range filter {
		if got, ok := e.metadata[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// Count returns the entry count of a collection. Test helper.
func (v *VectorStore) Count(collection string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.collections[collection])
}

// cosine computes cosine similarity; zero vectors score 0.
func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
