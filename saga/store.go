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
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/polystore/backend"
)

// Store persists sagas and their event log.
//
// Description:
//
//	The SQL store is the production implementation; the memory store keeps
//	the orchestrator usable in tests and in deployments that run without a
//	relational backend, at the cost of losing resumability across restarts.
type Store interface {
	// CreateSaga persists a new saga row.
	CreateSaga(ctx context.Context, s *Saga) error

	// GetSaga loads a saga with its parsed step list.
	GetSaga(ctx context.Context, sagaID string) (*Saga, error)

	// UpdateStatus moves the saga to status and records the current step.
	UpdateStatus(ctx context.Context, sagaID string, status Status, currentStep string) error

	// AppendEvent writes one event row. EventID and CreatedAt are filled
	// when empty.
	AppendEvent(ctx context.Context, e *Event) error

	// Events returns the saga's events oldest first.
	Events(ctx context.Context, sagaID string) ([]Event, error)

	// HasSuccess reports whether a SUCCESS event exists for the triple.
	// The lookup uses the idempotency index.
	HasSuccess(ctx context.Context, sagaID, stepName, idempotencyKey string) (bool, error)

	// NonTerminal returns ids of sagas the recovery worker should resume.
	NonTerminal(ctx context.Context) ([]string, error)
}

// -----------------------------------------------------------------------------
// SQL store
// -----------------------------------------------------------------------------

// SQLStore persists sagas on a relational adapter using ?-placeholders,
// which each adapter rewrites to its native style.
type SQLStore struct {
	rel backend.Relational
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps the relational adapter. Callers run EnsureSagaSchema
// first.
func NewSQLStore(rel backend.Relational) *SQLStore {
	return &SQLStore{rel: rel}
}

// CreateSaga persists a new saga row.
func (s *SQLStore) CreateSaga(ctx context.Context, sg *Saga) error {
	contextJSON, err := sg.ContextJSON()
	if err != nil {
		return err
	}
	return s.rel.Exec(ctx,
		`INSERT INTO sagas (saga_id, name, trace_id, status, context_json, current_step, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.SagaID, sg.Name, sg.TraceID, string(sg.Status), contextJSON, sg.CurrentStep,
		formatTime(sg.CreatedAt), formatTime(sg.UpdatedAt))
}

// GetSaga loads a saga with its parsed step list.
func (s *SQLStore) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	rows, err := s.rel.Query(ctx,
		`SELECT saga_id, name, trace_id, status, context_json, current_step, created_at, updated_at
		 FROM sagas WHERE saga_id = ?`, sagaID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("saga %s not found", sagaID)
	}
	row := rows[0]

	steps, err := ParseContext(asString(row["context_json"]))
	if err != nil {
		return nil, err
	}
	return &Saga{
		SagaID:      asString(row["saga_id"]),
		Name:        asString(row["name"]),
		TraceID:     asString(row["trace_id"]),
		Status:      Status(asString(row["status"])),
		Steps:       steps,
		CurrentStep: asString(row["current_step"]),
		CreatedAt:   parseTime(asString(row["created_at"])),
		UpdatedAt:   parseTime(asString(row["updated_at"])),
	}, nil
}

// UpdateStatus moves the saga to status and records the current step.
func (s *SQLStore) UpdateStatus(ctx context.Context, sagaID string, status Status, currentStep string) error {
	return s.rel.Exec(ctx,
		`UPDATE sagas SET status = ?, current_step = ?, updated_at = ? WHERE saga_id = ?`,
		string(status), currentStep, formatTime(time.Now().UTC()), sagaID)
}

// AppendEvent writes one event row.
func (s *SQLStore) AppendEvent(ctx context.Context, e *Event) error {
	fillEvent(e)
	payloadJSON := ""
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(b)
	}
	// Appends for one saga are serialized under its advisory lock, so the
	// MAX(seq) subselect cannot race with another writer of the same saga.
	return s.rel.Exec(ctx,
		`INSERT INTO saga_events (event_id, saga_id, seq, trace_id, step_name, event_type, status,
		                          duration_ms, payload_json, error, idempotency_key, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM saga_events WHERE saga_id = ?),
		         ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.SagaID, e.SagaID, e.TraceID, e.StepName, e.EventType, e.Status,
		e.DurationMS, payloadJSON, e.Error, e.IdempotencyKey, formatTime(e.CreatedAt))
}

// Events returns the saga's events in append order. The seq column is the
// sort key; wall-clock timestamps can collide within a fast step.
func (s *SQLStore) Events(ctx context.Context, sagaID string) ([]Event, error) {
	rows, err := s.rel.Query(ctx,
		`SELECT event_id, saga_id, seq, trace_id, step_name, event_type, status,
		        duration_ms, payload_json, error, idempotency_key, created_at
		 FROM saga_events WHERE saga_id = ? ORDER BY seq`, sagaID)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		e := Event{
			EventID:        asString(row["event_id"]),
			SagaID:         asString(row["saga_id"]),
			Seq:            asInt64(row["seq"]),
			TraceID:        asString(row["trace_id"]),
			StepName:       asString(row["step_name"]),
			EventType:      asString(row["event_type"]),
			Status:         asString(row["status"]),
			DurationMS:     asInt64(row["duration_ms"]),
			Error:          asString(row["error"]),
			IdempotencyKey: asString(row["idempotency_key"]),
			CreatedAt:      parseTime(asString(row["created_at"])),
		}
		if pj := asString(row["payload_json"]); pj != "" {
			_ = json.Unmarshal([]byte(pj), &e.Payload)
		}
		events = append(events, e)
	}
	return events, nil
}

// HasSuccess reports whether a SUCCESS event exists for the triple.
func (s *SQLStore) HasSuccess(ctx context.Context, sagaID, stepName, idempotencyKey string) (bool, error) {
	rows, err := s.rel.Query(ctx,
		`SELECT 1 AS hit FROM saga_events
		 WHERE saga_id = ? AND step_name = ? AND idempotency_key = ? AND status = ?
		 LIMIT 1`, sagaID, stepName, idempotencyKey, EventSuccess)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// NonTerminal returns ids of sagas eligible for resume.
func (s *SQLStore) NonTerminal(ctx context.Context) ([]string, error) {
	rows, err := s.rel.Query(ctx,
		`SELECT saga_id FROM sagas
		 WHERE status NOT IN (?, ?, ?, ?) ORDER BY created_at`,
		string(StatusCompleted), string(StatusCompensated), string(StatusAborted), string(StatusCompensationFailed))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, asString(row["saga_id"]))
	}
	return ids, nil
}

// -----------------------------------------------------------------------------
// Memory store
// -----------------------------------------------------------------------------

// MemoryStore holds sagas in process memory. Used by tests and as the
// degraded fallback when no relational backend is configured.
type MemoryStore struct {
	mu     sync.Mutex
	sagas  map[string]*Saga
	events map[string][]Event
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:  make(map[string]*Saga),
		events: make(map[string][]Event),
	}
}

func (s *MemoryStore) CreateSaga(ctx context.Context, sg *Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sagas[sg.SagaID]; exists {
		return fmt.Errorf("saga %s already exists", sg.SagaID)
	}
	cp := *sg
	s.sagas[sg.SagaID] = &cp
	return nil
}

func (s *MemoryStore) GetSaga(ctx context.Context, sagaID string) (*Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("saga %s not found", sagaID)
	}
	cp := *sg
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, sagaID string, status Status, currentStep string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.sagas[sagaID]
	if !ok {
		return fmt.Errorf("saga %s not found", sagaID)
	}
	sg.Status = status
	sg.CurrentStep = currentStep
	sg.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	fillEvent(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = int64(len(s.events[e.SagaID]) + 1)
	s.events[e.SagaID] = append(s.events[e.SagaID], *e)
	return nil
}

func (s *MemoryStore) Events(ctx context.Context, sagaID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events[sagaID]))
	copy(out, s.events[sagaID])
	return out, nil
}

func (s *MemoryStore) HasSuccess(ctx context.Context, sagaID, stepName, idempotencyKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[sagaID] {
		if e.StepName == stepName && e.IdempotencyKey == idempotencyKey && e.Status == EventSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) NonTerminal(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sg := range s.sagas {
		if !sg.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// fillEvent assigns the generated columns when the caller left them empty.
func fillEvent(e *Event) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func asString(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case []byte:
		return string(vv)
	case nil:
		return ""
	default:
		return fmt.Sprint(vv)
	}
}

func asInt64(v any) int64 {
	switch vv := v.(type) {
	case int64:
		return vv
	case int:
		return int64(vv)
	case float64:
		return int64(vv)
	}
	return 0
}
