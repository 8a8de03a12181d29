// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend defines the uniform contract every storage adapter
// implements: the backend kind taxonomy, the connection lifecycle, the
// per-kind operation sets, and the tagged error classes the coordinator
// relies on for its retry decisions.
//
// The coordinator never talks to a driver directly. Everything above this
// package (manager, discovery, governance, saga) sees only these interfaces,
// which keeps the peculiarities of each store at the adapter boundary.
package backend

import "fmt"

// -----------------------------------------------------------------------------
// Backend Kind
// -----------------------------------------------------------------------------

// Kind identifies the family of storage a backend belongs to, independent of
// the concrete implementation behind it.
type Kind int

const (
	// KindRelational is a SQL store (sqlite, postgresql).
	KindRelational Kind = iota
	// KindDocument is a document store addressed by document id.
	KindDocument
	// KindVector is an embedding store with similarity search.
	KindVector
	// KindGraph is a property-graph store with nodes and edges.
	KindGraph
	// KindFile is a file or blob store.
	KindFile
	// KindKeyValue is an embedded or remote key-value store.
	KindKeyValue
)

// kindNames is indexed by Kind.
var kindNames = [...]string{
	"relational",
	"document",
	"vector",
	"graph",
	"file",
	"key_value",
}

// String returns the canonical lowercase name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindRelational && k <= KindKeyValue
}

// ParseKind converts a canonical name back into a Kind.
//
// Inputs:
//
//	name - One of "relational", "document", "vector", "graph", "file",
//	       "key_value".
//
// Outputs:
//
//	Kind - The parsed kind.
//	error - Non-nil if name is not a known kind.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown backend kind %q", name)
}

// AllKinds returns every defined kind in declaration order.
func AllKinds() []Kind {
	return []Kind{KindRelational, KindDocument, KindVector, KindGraph, KindFile, KindKeyValue}
}

// PrimaryKinds returns the kinds that count toward strategy selection.
// The file and key-value backends are optional accelerators, not primaries.
func PrimaryKinds() []Kind {
	return []Kind{KindRelational, KindDocument, KindVector, KindGraph}
}

// Operation is a governed CRUD-class operation name.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the four governed verbs.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpRead, OpUpdate, OpDelete:
		return true
	}
	return false
}
