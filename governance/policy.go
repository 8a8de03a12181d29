// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package governance is the declarative gate in front of every adapter.
//
// A policy per backend kind lists the operations that may reach the adapter
// and the payload shapes that may not: forbidden field names (matched on the
// last path segment, case-insensitively) and forbidden value types. The gate
// runs before dispatch; a violation never reaches a store.
package governance

import (
	"strings"

	"github.com/AleutianAI/polystore/backend"
)

// -----------------------------------------------------------------------------
// Value Types
// -----------------------------------------------------------------------------

// ValueType tags the dynamic type of a payload leaf for policy matching.
type ValueType string

const (
	TypeBinary ValueType = "binary"
	TypeString ValueType = "string"
	TypeNumber ValueType = "number"
	TypeBool   ValueType = "bool"
	TypeNull   ValueType = "null"
)

// TypeOf maps a Go payload value onto its ValueType tag.
func TypeOf(v any) ValueType {
	switch v.(type) {
	case nil:
		return TypeNull
	case []byte:
		return TypeBinary
	case string:
		return TypeString
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return TypeNumber
	default:
		// Containers are walked, not matched; anything else is opaque
		// and treated as binary to fail closed.
		return TypeBinary
	}
}

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

// Policy is the declarative rule set for one backend kind.
type Policy struct {
	// AllowedOperations lists the verbs that may reach the adapter.
	AllowedOperations []backend.Operation

	// ForbiddenFields lists field names (case-insensitive, matched against
	// the last path segment) that must not appear in payloads.
	ForbiddenFields []string

	// ForbiddenTypes lists value types that must not appear in payloads.
	ForbiddenTypes []ValueType
}

// allowsOp reports whether op is in the allowed set.
func (p Policy) allowsOp(op backend.Operation) bool {
	for _, allowed := range p.AllowedOperations {
		if allowed == op {
			return true
		}
	}
	return false
}

// forbidsField reports whether the field name is forbidden.
func (p Policy) forbidsField(name string) bool {
	for _, f := range p.ForbiddenFields {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// forbidsType reports whether the value type is forbidden.
func (p Policy) forbidsType(t ValueType) bool {
	for _, ft := range p.ForbiddenTypes {
		if ft == t {
			return true
		}
	}
	return false
}

// allOps is the full verb set used by permissive defaults.
var allOps = []backend.Operation{backend.OpCreate, backend.OpRead, backend.OpUpdate, backend.OpDelete}

// DefaultPolicies returns the rule set the coordinator ships with.
//
// Description:
//
//	The graph store never receives document bodies or binary content: graphs
//	hold structure, not payloads. The relational store refuses raw blobs,
//	which belong in the file store. Everything else is permissive.
func DefaultPolicies() map[backend.Kind]Policy {
	return map[backend.Kind]Policy{
		backend.KindRelational: {
			AllowedOperations: allOps,
			ForbiddenTypes:    []ValueType{TypeBinary},
		},
		backend.KindDocument: {
			AllowedOperations: allOps,
		},
		backend.KindVector: {
			AllowedOperations: allOps,
		},
		backend.KindGraph: {
			AllowedOperations: allOps,
			ForbiddenFields:   []string{"content", "fulltext", "raw_content", "binary_content", "chunks"},
			ForbiddenTypes:    []ValueType{TypeBinary},
		},
		backend.KindFile: {
			AllowedOperations: allOps,
		},
		backend.KindKeyValue: {
			AllowedOperations: allOps,
		},
	}
}
