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
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/polystore/backend"
)

// graphNode is one stored node.
type graphNode struct {
	id    string
	label string
	props map[string]any
}

// graphEdge is one stored edge.
type graphEdge struct {
	from, to, edgeType string
	props              map[string]any
}

// GraphStore is an in-memory property-graph adapter.
type GraphStore struct {
	base
	mu    sync.RWMutex
	nodes map[string]*graphNode
	edges []graphEdge
}

var _ backend.Graph = (*GraphStore)(nil)

// NewGraphStore creates an empty graph store.
func NewGraphStore() *GraphStore {
	g := &GraphStore{nodes: make(map[string]*graphNode)}
	g.kind = backend.KindGraph
	return g
}

// MergeNode upserts a node matched by matchProps under label.
func (g *GraphStore) MergeNode(ctx context.Context, label string, matchProps, setProps map[string]any) backend.CrudResult {
	if r := g.gate("merge_node"); r != nil {
		return *r
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, n := range g.nodes {
		if n.label != label {
			continue
		}
		if propsMatch(n.props, matchProps) {
			for k, v := range setProps {
				n.props[k] = v
			}
			return backend.OK(map[string]any{"node_id": n.id, "created": false})
		}
	}

	id := uuid.NewString()
	props := cloneMap(matchProps)
	if props == nil {
		props = make(map[string]any)
	}
	for k, v := range setProps {
		props[k] = v
	}
	g.nodes[id] = &graphNode{id: id, label: label, props: props}
	return backend.OK(map[string]any{"node_id": id, "created": true})
}

// CreateEdge links two existing nodes.
func (g *GraphStore) CreateEdge(ctx context.Context, fromID, toID, edgeType string, props map[string]any) backend.CrudResult {
	if r := g.gate("create_edge"); r != nil {
		return *r
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[fromID]; !ok {
		return backend.Failf(backend.ClassConstraintViolation, backend.KindGraph, "create_edge",
			fmt.Sprintf("source node %q not found", fromID))
	}
	if _, ok := g.nodes[toID]; !ok {
		return backend.Failf(backend.ClassConstraintViolation, backend.KindGraph, "create_edge",
			fmt.Sprintf("target node %q not found", toID))
	}
	g.edges = append(g.edges, graphEdge{from: fromID, to: toID, edgeType: edgeType, props: cloneMap(props)})
	return backend.OK(map[string]any{"from": fromID, "to": toID})
}

// DeleteNode removes a node and its edges, by internal id or {id} property.
// Missing nodes succeed.
func (g *GraphStore) DeleteNode(ctx context.Context, id string) backend.CrudResult {
	if r := g.gate("delete_node"); r != nil {
		return *r
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	target := ""
	if _, ok := g.nodes[id]; ok {
		target = id
	} else {
		for nid, n := range g.nodes {
			if n.props["id"] == id {
				target = nid
				break
			}
		}
	}
	if target == "" {
		return backend.OK(map[string]any{"deleted": 0})
	}

	delete(g.nodes, target)
	keep := g.edges[:0]
	for _, e := range g.edges {
		if e.from != target && e.to != target {
			keep = append(keep, e)
		}
	}
	g.edges = keep
	return backend.OK(map[string]any{"deleted": 1})
}

// GraphQuery is unsupported on the in-memory store; native queries belong
// to real graph implementations.
func (g *GraphStore) GraphQuery(ctx context.Context, query string, params map[string]any) backend.CrudResult {
	if r := g.gate("query"); r != nil {
		return *r
	}
	return backend.Failf(backend.ClassSyntax, backend.KindGraph, "query",
		"the in-memory graph store does not execute native queries")
}

// NodeCount returns the stored node count. Test helper.
func (g *GraphStore) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// propsMatch reports whether node props contain every match prop.
func propsMatch(props, match map[string]any) bool {
	if len(match) == 0 {
		return false
	}
	for k, want := range match {
		if got, ok := props[k]; !ok || got != want {
			return false
		}
	}
	return true
}
