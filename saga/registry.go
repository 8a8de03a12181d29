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
	"fmt"
	"sync"

	"github.com/AleutianAI/polystore/backend"
)

// Targets are the typed adapters a compensation handler may touch. Fields
// for backends that are not configured are nil; handlers must check.
type Targets struct {
	Relational backend.Relational
	Graph      backend.Graph
	Vector     backend.Vector
	File       backend.File
}

// Handler reverses one forward step. Handlers must be idempotent: running
// one against already-reversed state succeeds.
type Handler func(ctx context.Context, payload map[string]any, t Targets) error

// registration pairs a handler with the backend kind it writes to, so the
// orchestrator can apply that kind's governance policy before running it.
type registration struct {
	kind    backend.Kind
	handler Handler
}

// Registry maps compensation names to handlers. Populated at startup and
// read-only afterwards; the lock only guards late test registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates a registry pre-loaded with the default handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]registration)}
	r.Register("relational_delete", backend.KindRelational, compensateRelationalDelete)
	r.Register("graph_delete_node", backend.KindGraph, compensateGraphDeleteNode)
	r.Register("vector_delete_chunks", backend.KindVector, compensateVectorDeleteChunks)
	r.Register("file_delete_asset", backend.KindFile, compensateFileDeleteAsset)
	return r
}

// Register adds or replaces a named handler targeting the given kind.
func (r *Registry) Register(name string, kind backend.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = registration{kind: kind, handler: h}
}

// Lookup returns the handler for name and the kind it operates on.
func (r *Registry) Lookup(name string) (Handler, backend.Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg.handler, reg.kind, ok
}

// Names returns the registered handler names. Diagnostic use.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

// -----------------------------------------------------------------------------
// Default handlers
// -----------------------------------------------------------------------------

// compensateRelationalDelete removes the row named by the payload's table
// and id (or document_id). A row that is already gone is success.
func compensateRelationalDelete(ctx context.Context, payload map[string]any, t Targets) error {
	if t.Relational == nil {
		return fmt.Errorf("relational backend not available for compensation")
	}
	table, _ := payload["table"].(string)
	if table == "" {
		return fmt.Errorf("relational_delete needs a table in the payload")
	}
	id := firstString(payload, "id", "document_id")
	if id == "" {
		if record, ok := payload["record"].(map[string]any); ok {
			id = firstString(record, "id", "document_id")
		}
	}
	if id == "" {
		return fmt.Errorf("relational_delete needs an id or document_id in the payload")
	}
	res := t.Relational.Delete(ctx, table, map[string]any{"id": id})
	if !res.Success {
		return fmt.Errorf("relational_delete %s/%s: %s", table, id, res.Message)
	}
	return nil
}

// compensateGraphDeleteNode removes the node named by the payload. Missing
// nodes are success.
func compensateGraphDeleteNode(ctx context.Context, payload map[string]any, t Targets) error {
	if t.Graph == nil {
		return fmt.Errorf("graph backend not available for compensation")
	}
	id := firstString(payload, "node_id", "id", "document_id")
	if id == "" {
		if match, ok := payload["match"].(map[string]any); ok {
			id = firstString(match, "id")
		}
	}
	if id == "" {
		return fmt.Errorf("graph_delete_node needs a node_id or id in the payload")
	}
	res := t.Graph.DeleteNode(ctx, id)
	if !res.Success {
		return fmt.Errorf("graph_delete_node %s: %s", id, res.Message)
	}
	return nil
}

// compensateVectorDeleteChunks removes vectors by id list or document_id
// filter. Missing vectors are success.
func compensateVectorDeleteChunks(ctx context.Context, payload map[string]any, t Targets) error {
	if t.Vector == nil {
		return fmt.Errorf("vector backend not available for compensation")
	}
	collection, _ := payload["collection"].(string)
	if collection == "" {
		return fmt.Errorf("vector_delete_chunks needs a collection in the payload")
	}
	ids := stringList(payload["ids"])
	var filter map[string]any
	if len(ids) == 0 {
		docID := firstString(payload, "document_id", "id")
		if docID == "" {
			return fmt.Errorf("vector_delete_chunks needs ids or a document_id in the payload")
		}
		filter = map[string]any{"document_id": docID}
	}
	res := t.Vector.DeleteVectors(ctx, collection, ids, filter)
	if !res.Success {
		return fmt.Errorf("vector_delete_chunks %s: %s", collection, res.Message)
	}
	return nil
}

// compensateFileDeleteAsset removes the stored blob. Missing assets are
// success.
func compensateFileDeleteAsset(ctx context.Context, payload map[string]any, t Targets) error {
	if t.File == nil {
		return fmt.Errorf("file backend not available for compensation")
	}
	id := firstString(payload, "asset_id", "id")
	if id == "" {
		return fmt.Errorf("file_delete_asset needs an asset_id in the payload")
	}
	res := t.File.DeleteAsset(ctx, id)
	if !res.Success {
		return fmt.Errorf("file_delete_asset %s: %s", id, res.Message)
	}
	return nil
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
