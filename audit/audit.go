// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit is the coordinator's isolated observability write path.
//
// Audit inserts must never break a workflow: the recorder swallows its own
// failures, logging them on a side channel instead of re-raising. Callers
// fire and forget.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/polystore/backend"
)

// Entry is one audit row. Zero-value fields are stored as NULL-equivalent
// empty strings.
type Entry struct {
	SagaID     string
	SagaName   string
	TraceID    string
	CaseID     string
	DocumentID string
	StepName   string
	EventType  string
	Status     string
	DurationMS int64
	Details    map[string]any
	Actor      string
}

// Recorder writes audit entries through a relational adapter.
//
// Description:
//
//	The recorder is constructed with a possibly-nil sink. With no sink (or
//	an unavailable one) entries degrade to log lines, so audit stays useful
//	even while the relational store is down.
//
// Thread Safety: Safe for concurrent use.
type Recorder struct {
	sink   backend.Relational
	logger *slog.Logger
}

// NewRecorder creates a recorder. sink may be nil.
func NewRecorder(sink backend.Relational, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sink:   sink,
		logger: logger.With(slog.String("component", "audit")),
	}
}

// Record persists an entry, best-effort.
//
// Description:
//
//	Marshals details, inserts into audit_log, and on any failure logs and
//	returns. No error surface: audit must not affect workflow outcomes.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	details := "{}"
	if len(e.Details) > 0 {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		} else {
			r.logger.Warn("audit details not serializable", slog.String("error", err.Error()))
		}
	}

	if r.sink == nil || !r.sink.Available() {
		r.logger.Info("audit entry (no sink)",
			slog.String("saga_id", e.SagaID),
			slog.String("step", e.StepName),
			slog.String("event", e.EventType),
			slog.String("status", e.Status))
		return
	}

	err := r.sink.Exec(ctx,
		`INSERT INTO audit_log
		   (audit_id, saga_id, saga_name, trace_id, case_id, document_id,
		    step_name, event_type, status, duration_ms, details_json, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), e.SagaID, e.SagaName, e.TraceID, e.CaseID, e.DocumentID,
		e.StepName, e.EventType, e.Status, e.DurationMS, details, e.Actor,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		r.logger.Warn("audit insert failed",
			slog.String("saga_id", e.SagaID),
			slog.String("step", e.StepName),
			slog.String("error", err.Error()))
	}
}
