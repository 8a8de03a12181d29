// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package saga implements persisted, resumable multi-store transactions:
// ordered forward steps, reverse-order compensations, an event-sourced log
// keyed by idempotency, and advisory locking so only one executor touches
// a saga at a time.
package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Saga status
// -----------------------------------------------------------------------------

// Status is the saga lifecycle state.
type Status string

const (
	StatusCreated            Status = "created"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusAborted            Status = "aborted"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
)

// Terminal reports whether no further execution is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusCompensated, StatusCompensationFailed:
		return true
	}
	return false
}

// Event statuses in the saga_events log.
const (
	EventPending     = "PENDING"
	EventSuccess     = "SUCCESS"
	EventFail        = "FAIL"
	EventSkipped     = "SKIPPED"
	EventCompensated = "COMPENSATED"
)

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// Step is one forward action inside a saga. The step list is the commit
// order; it is serialized verbatim into the saga's context_json.
type Step struct {
	// StepID names the step uniquely within its saga.
	StepID string `json:"step_id"`

	// Backend is the canonical kind name, e.g. "relational".
	Backend string `json:"backend"`

	// Operation is the governed verb: create, read, update, delete.
	Operation string `json:"operation"`

	// Payload is handed to the CRUD façade untouched.
	Payload map[string]any `json:"payload"`

	// Compensation names the registered reverse handler. Empty means the
	// step has no reverse action.
	Compensation string `json:"compensation,omitempty"`

	// IdempotencyKey makes re-execution skip a step that already has a
	// SUCCESS event under the same key.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Saga is the durable saga record.
type Saga struct {
	SagaID      string    `json:"saga_id"`
	Name        string    `json:"name"`
	TraceID     string    `json:"trace_id,omitempty"`
	Status      Status    `json:"status"`
	Steps       []Step    `json:"steps"`
	CurrentStep string    `json:"current_step,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ContextJSON serializes the step list for the sagas.context_json column.
func (s *Saga) ContextJSON() (string, error) {
	b, err := json.Marshal(s.Steps)
	if err != nil {
		return "", fmt.Errorf("marshal saga context: %w", err)
	}
	return string(b), nil
}

// ParseContext restores the step list from context_json.
func ParseContext(contextJSON string) ([]Step, error) {
	if contextJSON == "" {
		return nil, nil
	}
	var steps []Step
	if err := json.Unmarshal([]byte(contextJSON), &steps); err != nil {
		return nil, fmt.Errorf("parse saga context: %w", err)
	}
	return steps, nil
}

// Event is one row of the event-sourced saga log. Events for the same saga
// are totally ordered by seq, a per-saga counter assigned on append; they
// are the single source of truth during resume, never in-memory state.
type Event struct {
	EventID        string         `json:"event_id"`
	SagaID         string         `json:"saga_id"`
	Seq            int64          `json:"seq"`
	TraceID        string         `json:"trace_id,omitempty"`
	StepName       string         `json:"step_name"`
	EventType      string         `json:"event_type"`
	Status         string         `json:"status"`
	DurationMS     int64          `json:"duration_ms"`
	Payload        map[string]any `json:"payload,omitempty"`
	Error          string         `json:"error,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Result is the full outcome record of one execute or resume call.
type Result struct {
	SagaID             string   `json:"saga_id"`
	Status             Status   `json:"status"`
	ExecutedSteps      []string `json:"executed_steps"`
	Errors             []string `json:"errors,omitempty"`
	CompensationErrors []string `json:"compensation_errors,omitempty"`
}
