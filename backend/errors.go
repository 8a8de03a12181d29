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

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Error Classes
// -----------------------------------------------------------------------------

// ErrorClass categorizes adapter failures so the coordinator can decide
// whether a retry is worthwhile without inspecting driver error strings.
type ErrorClass int

const (
	// ClassUnknown is an unclassified failure. Treated as non-retriable.
	ClassUnknown ErrorClass = iota
	// ClassConnectionLost is a transient network or connection failure.
	ClassConnectionLost
	// ClassConstraintViolation is a unique-key or foreign-key conflict.
	// Retrying is pointless; the idempotency layer may treat it as success.
	ClassConstraintViolation
	// ClassDeadlock is a relational deadlock. Retriable with backoff.
	ClassDeadlock
	// ClassSyntax is a bad query or schema usage error. Fatal.
	ClassSyntax
	// ClassTimeout is a deadline expiry. Retriable.
	ClassTimeout
	// ClassUnavailable means the adapter is missing or unhealthy.
	ClassUnavailable
	// ClassGovernance means policy rejected the operation before dispatch.
	ClassGovernance
	// ClassAuth is an authentication or authorization failure. Fatal;
	// retrying with the same credentials cannot succeed.
	ClassAuth
)

// String returns the canonical name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassConnectionLost:
		return "connection_lost"
	case ClassConstraintViolation:
		return "constraint_violation"
	case ClassDeadlock:
		return "deadlock"
	case ClassSyntax:
		return "syntax_or_usage_error"
	case ClassTimeout:
		return "timeout"
	case ClassUnavailable:
		return "backend_unavailable"
	case ClassGovernance:
		return "governance_violation"
	case ClassAuth:
		return "auth_error"
	default:
		return "unknown"
	}
}

// Retriable reports whether an error of this class is worth retrying.
func (c ErrorClass) Retriable() bool {
	switch c {
	case ClassConnectionLost, ClassDeadlock, ClassTimeout:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Tagged Error
// -----------------------------------------------------------------------------

// Error is the tagged error value adapters surface at the contract boundary.
//
// Description:
//
//	Adapters map driver-specific failures into an Error exactly once, at the
//	boundary. The core only ever looks at Class; the wrapped cause is carried
//	for logs and audit details.
type Error struct {
	// Class is the failure category.
	Class ErrorClass

	// Kind is the backend the failure originated from.
	Kind Kind

	// Op is a short adapter operation name, e.g. "insert" or "search".
	Op string

	// Err is the underlying cause. May be nil for synthesized errors.
	Err error
}

// NewError builds a tagged adapter error.
func NewError(class ErrorClass, kind Kind, op string, err error) *Error {
	return &Error{Class: class, Kind: kind, Op: op, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s %s", e.Kind, e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Class, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify extracts the ErrorClass from any error.
//
// Outputs:
//
//	ErrorClass - The class of the nearest *Error in the chain, or
//	             ClassUnknown when the chain carries no tagged error.
func Classify(err error) ErrorClass {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassUnknown
}

// IsRetriable reports whether the error's class warrants a retry.
func IsRetriable(err error) bool {
	return Classify(err).Retriable()
}
