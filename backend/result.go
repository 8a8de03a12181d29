// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

// CrudResult is the uniform business-level outcome of an adapter operation.
//
// Description:
//
//	Business failures travel in the result, not as Go errors; Go errors are
//	reserved for contract violations and transport plumbing. Err carries the
//	tagged error when the failure came from the adapter boundary, so callers
//	can classify without parsing Message.
type CrudResult struct {
	// Success reports whether the operation took effect.
	Success bool

	// Data holds operation output, keyed per the per-kind contracts.
	Data map[string]any

	// Message is a human-readable failure description. Empty on success.
	Message string

	// Err is the tagged failure, when one exists. Nil on success.
	Err error
}

// OK builds a successful result carrying data. Data may be nil.
func OK(data map[string]any) CrudResult {
	return CrudResult{Success: true, Data: data}
}

// Fail builds a failed result from a tagged error.
func Fail(err error) CrudResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return CrudResult{Success: false, Message: msg, Err: err}
}

// Failf builds a failed result with a synthesized tagged error.
func Failf(class ErrorClass, kind Kind, op, msg string) CrudResult {
	err := NewError(class, kind, op, nil)
	if msg != "" {
		return CrudResult{Success: false, Message: msg, Err: err}
	}
	return Fail(err)
}

// Class returns the error class of a failed result, or ClassUnknown.
func (r CrudResult) Class() ErrorClass {
	if r.Success || r.Err == nil {
		return ClassUnknown
	}
	return Classify(r.Err)
}

// Get returns Data[key] with presence.
func (r CrudResult) Get(key string) (any, bool) {
	if r.Data == nil {
		return nil, false
	}
	v, ok := r.Data[key]
	return v, ok
}

// GetString returns Data[key] as a string, or "" when absent or mistyped.
func (r CrudResult) GetString(key string) string {
	if v, ok := r.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
