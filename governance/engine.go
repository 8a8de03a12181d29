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
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/polystore/backend"
)

// -----------------------------------------------------------------------------
// Violations
// -----------------------------------------------------------------------------

// Violation records a single policy rejection.
type Violation struct {
	// Backend is the kind whose policy rejected the input.
	Backend backend.Kind

	// Operation is the verb being attempted.
	Operation backend.Operation

	// FieldPath locates the offending leaf, e.g. "record.chunks". Empty for
	// operation-level violations.
	FieldPath string

	// Message is a human-readable description.
	Message string
}

// Error formats a violation list as a single error. Returns nil for an
// empty list.
func Error(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.Message
	}
	return backend.NewError(backend.ClassGovernance, violations[0].Backend,
		string(violations[0].Operation), fmt.Errorf("%s", strings.Join(msgs, "; ")))
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Engine evaluates governance policies.
//
// Description:
//
//	Policies are fixed at construction. In strict mode (the default) any
//	violation is returned as an error; in lenient mode callers receive the
//	violation list and decide themselves. Validation is deterministic:
//	repeated calls on the same payload yield the same violations in the
//	same order.
//
// Thread Safety: Safe for concurrent use; the engine is read-only after
// construction.
type Engine struct {
	policies map[backend.Kind]Policy
	strict   bool
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLenient switches the engine to lenient mode.
func WithLenient() Option {
	return func(e *Engine) { e.strict = false }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPolicy overrides the policy for one kind.
func WithPolicy(kind backend.Kind, p Policy) Option {
	return func(e *Engine) { e.policies[kind] = p }
}

// NewEngine creates an engine with the default policies and any overrides.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		policies: DefaultPolicies(),
		strict:   true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "governance"))
	return e
}

// Strict reports whether the engine raises on violations.
func (e *Engine) Strict() bool {
	return e.strict
}

// Policy returns the active policy for a kind.
func (e *Engine) Policy(kind backend.Kind) Policy {
	return e.policies[kind]
}

// EnsureOperationAllowed checks the verb against the kind's allowed set.
//
// Outputs:
//
//	[]Violation - Empty when the operation is allowed.
//	error - In strict mode, the violations as a tagged governance error.
func (e *Engine) EnsureOperationAllowed(kind backend.Kind, op backend.Operation) ([]Violation, error) {
	policy, ok := e.policies[kind]
	if !ok || !policy.allowsOp(op) {
		v := Violation{
			Backend:   kind,
			Operation: op,
			Message:   fmt.Sprintf("operation %q is not allowed on %s backend", op, kind),
		}
		e.logger.Warn("operation blocked",
			slog.String("backend", kind.String()),
			slog.String("operation", string(op)))
		return []Violation{v}, e.maybeError([]Violation{v})
	}
	return nil, nil
}

// ValidatePayload walks the payload depth-first and collects every leaf that
// violates the kind's field or type rules.
//
// Description:
//
//	The walk is deterministic: map keys are visited in sorted order so that
//	repeated validation of the same payload reports identical violations.
//	All violations are collected before reporting; nothing short-circuits.
//
// Outputs:
//
//	[]Violation - All violations found, in walk order.
//	error - In strict mode, the violations as a tagged governance error.
func (e *Engine) ValidatePayload(kind backend.Kind, op backend.Operation, payload map[string]any) ([]Violation, error) {
	policy, ok := e.policies[kind]
	if !ok {
		return nil, nil
	}
	if len(policy.ForbiddenFields) == 0 && len(policy.ForbiddenTypes) == 0 {
		return nil, nil
	}

	var violations []Violation
	walkPayload("", payload, func(path, key string, value any, container bool) bool {
		if policy.forbidsField(key) {
			violations = append(violations, Violation{
				Backend:   kind,
				Operation: op,
				FieldPath: path,
				Message:   fmt.Sprintf("field %q is forbidden on %s backend (at %s)", key, kind, path),
			})
			return true
		}
		if container {
			return false
		}
		if t := TypeOf(value); policy.forbidsType(t) {
			violations = append(violations, Violation{
				Backend:   kind,
				Operation: op,
				FieldPath: path,
				Message:   fmt.Sprintf("value type %q is forbidden on %s backend (at %s)", t, kind, path),
			})
		}
		return false
	})

	if len(violations) > 0 {
		e.logger.Warn("payload blocked",
			slog.String("backend", kind.String()),
			slog.String("operation", string(op)),
			slog.Int("violations", len(violations)))
	}
	return violations, e.maybeError(violations)
}

// maybeError converts violations to an error in strict mode.
func (e *Engine) maybeError(violations []Violation) error {
	if !e.strict || len(violations) == 0 {
		return nil
	}
	return Error(violations)
}

// walkPayload visits a nested payload depth-first. fn receives the dotted
// path, the last path segment, the value, and whether the value is a
// container; returning true skips the subtree (used when a forbidden field
// name blocks a whole branch, e.g. "chunks" holding a list). Map keys are
// visited in sorted order so validation is deterministic; list elements
// inherit the parent key so field rules apply to every element.
func walkPayload(prefix string, node any, fn func(path, key string, value any, container bool) bool) {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			child := v[k]
			if isContainer(child) {
				if fn(path, k, child, true) {
					continue
				}
				walkPayload(path, child, fn)
			} else {
				fn(path, k, child, false)
			}
		}
	case []any:
		key := lastSegment(prefix)
		for i, elem := range v {
			path := fmt.Sprintf("%s[%d]", prefix, i)
			if isContainer(elem) {
				if fn(path, key, elem, true) {
					continue
				}
				walkPayload(path, elem, fn)
			} else {
				fn(path, key, elem, false)
			}
		}
	}
}

// isContainer reports whether v is a walkable container.
func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

// lastSegment returns the final dotted segment of a path.
func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
