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
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/polystore/backend"
)

// RelationalStore is an in-memory relational adapter. Tables are row maps
// keyed by the "id" column. Raw SQL is not supported; durable saga state
// belongs on the sqlite or postgres adapters.
type RelationalStore struct {
	base
	mu     sync.RWMutex
	tables map[string]map[string]map[string]any
}

var _ backend.Relational = (*RelationalStore)(nil)

// NewRelationalStore creates an empty relational store.
func NewRelationalStore() *RelationalStore {
	r := &RelationalStore{tables: make(map[string]map[string]map[string]any)}
	r.kind = backend.KindRelational
	return r
}

// CreateTable registers a table. The schema is recorded but not enforced.
func (s *RelationalStore) CreateTable(ctx context.Context, name string, schema map[string]string) backend.CrudResult {
	if r := s.gate("create_table"); r != nil {
		return *r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; !ok {
		s.tables[name] = make(map[string]map[string]any)
	}
	return backend.OK(map[string]any{"table": name})
}

// Insert writes one record, generating an id when absent.
func (s *RelationalStore) Insert(ctx context.Context, table string, record map[string]any) backend.CrudResult {
	if r := s.gate("insert"); r != nil {
		return *r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]map[string]any)
		s.tables[table] = rows
	}
	id, _ := record["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := rows[id]; exists {
		s.errs.Add(1)
		return backend.Fail(backend.NewError(backend.ClassConstraintViolation, backend.KindRelational,
			"insert", fmt.Errorf("duplicate key %q in table %s", id, table)))
	}
	row := cloneMap(record)
	row["id"] = id
	rows[id] = row
	return backend.OK(map[string]any{"id": id})
}

// Update applies fields to the row with the given id.
func (s *RelationalStore) Update(ctx context.Context, table, id string, fields map[string]any) backend.CrudResult {
	if r := s.gate("update"); r != nil {
		return *r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.tables[table][id]
	if !ok {
		return backend.Failf(backend.ClassUnknown, backend.KindRelational, "update",
			fmt.Sprintf("row %q not found in table %s", id, table))
	}
	for k, v := range fields {
		row[k] = v
	}
	return backend.OK(map[string]any{"id": id})
}

// Select returns rows matching filter, optionally ordered by a column name
// and limited.
func (s *RelationalStore) Select(ctx context.Context, table string, filter map[string]any, order string, limit int) backend.CrudResult {
	if r := s.gate("select"); r != nil {
		return *r
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []map[string]any
	for _, row := range s.tables[table] {
		if rowMatches(row, filter) {
			out = append(out, cloneMap(row))
		}
	}
	if order != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return fmt.Sprint(out[i][order]) < fmt.Sprint(out[j][order])
		})
	} else {
		// Deterministic output regardless of map iteration order.
		sort.SliceStable(out, func(i, j int) bool {
			return fmt.Sprint(out[i]["id"]) < fmt.Sprint(out[j]["id"])
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	rows := make([]any, len(out))
	for i, r := range out {
		rows[i] = r
	}
	return backend.OK(map[string]any{"rows": rows, "count": len(rows)})
}

// Delete removes rows matching filter.
func (s *RelationalStore) Delete(ctx context.Context, table string, filter map[string]any) backend.CrudResult {
	if r := s.gate("delete"); r != nil {
		return *r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	deleted := 0
	for id, row := range rows {
		if rowMatches(row, filter) {
			delete(rows, id)
			deleted++
		}
	}
	return backend.OK(map[string]any{"deleted": deleted})
}

// Query is unsupported; the in-memory store holds no SQL engine.
func (s *RelationalStore) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return nil, backend.NewError(backend.ClassSyntax, backend.KindRelational, "query",
		fmt.Errorf("the in-memory relational store does not execute SQL"))
}

// Exec is unsupported; see Query.
func (s *RelationalStore) Exec(ctx context.Context, sql string, args ...any) error {
	return backend.NewError(backend.ClassSyntax, backend.KindRelational, "exec",
		fmt.Errorf("the in-memory relational store does not execute SQL"))
}

// RowCount returns the row count of a table. Test helper.
func (s *RelationalStore) RowCount(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

// rowMatches reports whether the row satisfies every filter column. A nil
// filter matches everything.
func rowMatches(row, filter map[string]any) bool {
	for k, want := range filter {
		if got, ok := row[k]; !ok || got != want {
			return false
		}
	}
	return true
}
