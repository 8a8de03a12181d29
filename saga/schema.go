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

	"github.com/AleutianAI/polystore/backend"
)

// schemaStatements create the saga tables and indexes. Every statement is
// idempotent; re-running the migration on an existing database changes
// nothing. Idempotency lookups hit the (saga_id, step_name,
// idempotency_key) index, never a LIKE scan.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sagas (
		saga_id      TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		trace_id     TEXT,
		status       TEXT NOT NULL DEFAULT 'created',
		context_json TEXT,
		current_step TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS saga_events (
		event_id        TEXT PRIMARY KEY,
		saga_id         TEXT NOT NULL,
		seq             INTEGER NOT NULL DEFAULT 0,
		trace_id        TEXT,
		step_name       TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		status          TEXT NOT NULL,
		duration_ms     INTEGER NOT NULL DEFAULT 0,
		payload_json    TEXT,
		error           TEXT,
		idempotency_key TEXT,
		created_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_events_idempotency
		ON saga_events (saga_id, step_name, idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_events_saga
		ON saga_events (saga_id, seq)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		audit_id     TEXT PRIMARY KEY,
		saga_id      TEXT,
		saga_name    TEXT,
		trace_id     TEXT,
		case_id      TEXT,
		document_id  TEXT,
		step_name    TEXT,
		event_type   TEXT,
		status       TEXT,
		duration_ms  INTEGER NOT NULL DEFAULT 0,
		details_json TEXT,
		actor        TEXT,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_saga
		ON audit_log (saga_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS saga_locks (
		lock_key    TEXT PRIMARY KEY,
		acquired_at TEXT NOT NULL
	)`,
}

// EnsureSagaSchema creates the saga tables on the relational store.
//
// Description:
//
//	Runs the idempotent migration statements in order. Safe to call on
//	every startup; existing tables and indexes are left untouched.
func EnsureSagaSchema(ctx context.Context, rel backend.Relational) error {
	for _, stmt := range schemaStatements {
		if err := rel.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure saga schema: %w", err)
		}
	}
	return nil
}
