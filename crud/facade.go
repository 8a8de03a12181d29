// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crud is the governed dispatch surface of the coordinator. Every
// operation passes governance, resolves its adapter through the manager,
// dispatches by kind and verb, and records the audit trace and metrics.
// This façade is the only place the core writes observability; adapters
// never write audit.
package crud

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/polystore/audit"
	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/governance"
	"github.com/AleutianAI/polystore/manager"
	"github.com/AleutianAI/polystore/telemetry"
)

// Facade executes governed operations against the registered backends.
//
// Description:
//
//	For each call: governance checks the verb and the payload, the manager
//	resolves the adapter, the payload is dispatched to the kind-specific
//	adapter method, and the outcome lands in the audit trace and metrics.
//	Business failures come back inside the CrudResult; a Go error never
//	crosses this boundary.
//
// Thread Safety: Safe for concurrent use.
type Facade struct {
	manager *manager.Manager
	gov     *governance.Engine
	auditor *audit.Recorder
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New creates a façade. The auditor and metrics may be nil, in which case
// observability degrades to log lines.
func New(m *manager.Manager, gov *governance.Engine, auditor *audit.Recorder, metrics *telemetry.Metrics, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	if auditor == nil {
		auditor = audit.NewRecorder(nil, logger)
	}
	return &Facade{
		manager: m,
		gov:     gov,
		auditor: auditor,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "crud")),
	}
}

// Manager exposes the backing manager for callers that need typed access,
// such as compensation handlers.
func (f *Facade) Manager() *manager.Manager { return f.manager }

// Execute runs one governed operation.
//
// Inputs:
//
//	kind - Target storage family.
//	op - One of create, read, update, delete.
//	payload - Kind-specific operation arguments.
//
// Outputs:
//
//	backend.CrudResult - Success or a classified failure. Never panics.
func (f *Facade) Execute(ctx context.Context, kind backend.Kind, op backend.Operation, payload map[string]any) backend.CrudResult {
	start := time.Now()
	caseID := extractCaseID(payload)

	ctx, span := telemetry.Tracer().Start(ctx, "crud.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", kind.String()),
		attribute.String("operation", string(op)),
	)

	if !op.Valid() {
		return f.finish(ctx, kind, op, caseID, start, payload,
			backend.Failf(backend.ClassSyntax, kind, string(op), fmt.Sprintf("unknown operation %q", op)))
	}

	// Governance: verb first, then payload. A strict engine returns an
	// error; a lenient one returns violations that are logged and waved on.
	if res, blocked := f.checkGovernance(ctx, kind, op, payload, caseID, start); blocked {
		span.SetStatus(codes.Error, "governance_blocked")
		return res
	}

	adapter, err := f.manager.Get(kind)
	if err != nil || adapter == nil {
		if err == nil {
			err = fmt.Errorf("%s backend not configured", kind)
		}
		return f.finish(ctx, kind, op, caseID, start, payload,
			backend.Fail(backend.NewError(backend.ClassUnavailable, kind, string(op), err)))
	}

	res := f.dispatch(ctx, adapter, kind, op, payload)
	if !res.Success {
		span.SetStatus(codes.Error, res.Message)
	}
	return f.finish(ctx, kind, op, caseID, start, payload, res)
}

// checkGovernance applies both governance gates. The bool reports whether
// the operation was blocked.
func (f *Facade) checkGovernance(ctx context.Context, kind backend.Kind, op backend.Operation, payload map[string]any, caseID string, start time.Time) (backend.CrudResult, bool) {
	violations, err := f.gov.EnsureOperationAllowed(kind, op)
	if err == nil {
		var pv []governance.Violation
		pv, err = f.gov.ValidatePayload(kind, op, payload)
		violations = append(violations, pv...)
	}
	if err == nil {
		if len(violations) > 0 {
			f.logger.Warn("governance violations waved through in lenient mode",
				slog.String("backend", kind.String()),
				slog.String("operation", string(op)),
				slog.Int("violations", len(violations)))
		}
		return backend.CrudResult{}, false
	}

	f.recordGovernanceBlock(ctx, kind, op)
	f.auditor.Record(ctx, audit.Entry{
		CaseID:     caseID,
		EventType:  "crud_" + string(op),
		Status:     "governance_blocked",
		DurationMS: time.Since(start).Milliseconds(),
		Details: map[string]any{
			"backend":    kind.String(),
			"violations": violationMessages(violations),
		},
	})
	if f.metrics != nil {
		f.metrics.RecordOperation(ctx, kind.String(), string(op), "governance_blocked", caseID, time.Since(start))
	}
	return backend.Fail(err), true
}

// finish records the audit trace and metrics for a completed dispatch.
func (f *Facade) finish(ctx context.Context, kind backend.Kind, op backend.Operation, caseID string, start time.Time, payload map[string]any, res backend.CrudResult) backend.CrudResult {
	status := "success"
	if !res.Success {
		status = "error"
	}
	d := time.Since(start)

	details := map[string]any{"backend": kind.String()}
	if !res.Success {
		details["error"] = res.Message
		details["class"] = res.Class().String()
	}
	if n := chunkCount(payload); n > 0 {
		details["chunk_count"] = n
	}
	f.auditor.Record(ctx, audit.Entry{
		CaseID:     caseID,
		EventType:  "crud_" + string(op),
		Status:     status,
		DurationMS: d.Milliseconds(),
		Details:    details,
	})
	if f.metrics != nil {
		f.metrics.RecordOperation(ctx, kind.String(), string(op), status, caseID, d)
		if !res.Success {
			f.metrics.RecordError(ctx, "crud", res.Class().String())
		}
	}
	return res
}

func (f *Facade) recordGovernanceBlock(ctx context.Context, kind backend.Kind, op backend.Operation) {
	if f.metrics == nil || f.metrics.GovernanceBlocksTotal == nil {
		return
	}
	f.metrics.GovernanceBlocksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", kind.String()),
		attribute.String("operation", string(op))))
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// dispatch routes the payload to the adapter method for (kind, op).
func (f *Facade) dispatch(ctx context.Context, adapter backend.Adapter, kind backend.Kind, op backend.Operation, payload map[string]any) backend.CrudResult {
	switch kind {
	case backend.KindRelational:
		if rel, ok := adapter.(backend.Relational); ok {
			return f.dispatchRelational(ctx, rel, op, payload)
		}
	case backend.KindDocument:
		if doc, ok := adapter.(backend.Document); ok {
			return f.dispatchDocument(ctx, doc, op, payload)
		}
	case backend.KindVector:
		if vec, ok := adapter.(backend.Vector); ok {
			return f.dispatchVector(ctx, vec, op, payload)
		}
	case backend.KindGraph:
		if g, ok := adapter.(backend.Graph); ok {
			return f.dispatchGraph(ctx, g, op, payload)
		}
	case backend.KindFile:
		if file, ok := adapter.(backend.File); ok {
			return f.dispatchFile(ctx, file, op, payload)
		}
	case backend.KindKeyValue:
		if kv, ok := adapter.(backend.KeyValue); ok {
			return f.dispatchKeyValue(ctx, kv, op, payload)
		}
	}
	return backend.Failf(backend.ClassUnknown, kind, string(op),
		fmt.Sprintf("adapter for %s does not implement its kind contract", kind))
}

func (f *Facade) dispatchRelational(ctx context.Context, rel backend.Relational, op backend.Operation, p map[string]any) backend.CrudResult {
	table := getString(p, "table")
	switch op {
	case backend.OpCreate:
		if schema := getStringMap(p, "schema"); schema != nil {
			return rel.CreateTable(ctx, table, schema)
		}
		return rel.Insert(ctx, table, getMap(p, "record"))
	case backend.OpRead:
		return rel.Select(ctx, table, getMap(p, "filter"), getString(p, "order"), getInt(p, "limit"))
	case backend.OpUpdate:
		return rel.Update(ctx, table, getString(p, "id"), getMap(p, "fields"))
	case backend.OpDelete:
		return rel.Delete(ctx, table, getMap(p, "filter"))
	}
	return unsupported(backend.KindRelational, op)
}

func (f *Facade) dispatchDocument(ctx context.Context, doc backend.Document, op backend.Operation, p map[string]any) backend.CrudResult {
	id := getString(p, "id")
	switch op {
	case backend.OpCreate:
		body := getMap(p, "document")
		if body == nil {
			body = p
		}
		return doc.CreateDocument(ctx, body, id)
	case backend.OpRead:
		return doc.GetDocument(ctx, id)
	case backend.OpUpdate:
		return doc.UpdateDocument(ctx, id, getMap(p, "changes"))
	case backend.OpDelete:
		return doc.DeleteDocument(ctx, id)
	}
	return unsupported(backend.KindDocument, op)
}

func (f *Facade) dispatchVector(ctx context.Context, vec backend.Vector, op backend.Operation, p map[string]any) backend.CrudResult {
	collection := getString(p, "collection")
	switch op {
	case backend.OpCreate:
		ids := toStringSlice(p["ids"])
		if len(ids) == 0 && p["vectors"] == nil {
			return vec.CreateCollection(ctx, collection)
		}
		return vec.Add(ctx, collection, ids, toVectors(p["vectors"]), toMetadatas(p["metadatas"]), toStringSlice(p["documents"]))
	case backend.OpRead:
		return vec.Search(ctx, collection, toVector(p["vector"]), getInt(p, "top_k"))
	case backend.OpDelete:
		return vec.DeleteVectors(ctx, collection, toStringSlice(p["ids"]), getMap(p, "filter"))
	}
	return unsupported(backend.KindVector, op)
}

func (f *Facade) dispatchGraph(ctx context.Context, g backend.Graph, op backend.Operation, p map[string]any) backend.CrudResult {
	switch op {
	case backend.OpCreate, backend.OpUpdate:
		if from := getString(p, "from"); from != "" {
			return g.CreateEdge(ctx, from, getString(p, "to"), getString(p, "edge_type"), getMap(p, "properties"))
		}
		return g.MergeNode(ctx, getString(p, "label"), getMap(p, "match"), getMap(p, "set"))
	case backend.OpRead:
		return g.GraphQuery(ctx, getString(p, "query"), getMap(p, "params"))
	case backend.OpDelete:
		return g.DeleteNode(ctx, getString(p, "id"))
	}
	return unsupported(backend.KindGraph, op)
}

func (f *Facade) dispatchFile(ctx context.Context, file backend.File, op backend.Operation, p map[string]any) backend.CrudResult {
	switch op {
	case backend.OpCreate:
		return file.StoreAsset(ctx, backend.AssetPut{
			Data:       toBytes(p["data"]),
			SourcePath: getString(p, "source_path"),
			Metadata:   getMap(p, "metadata"),
		})
	case backend.OpRead:
		return file.GetAsset(ctx, getString(p, "asset_id"))
	case backend.OpDelete:
		return file.DeleteAsset(ctx, getString(p, "asset_id"))
	}
	return unsupported(backend.KindFile, op)
}

func (f *Facade) dispatchKeyValue(ctx context.Context, kv backend.KeyValue, op backend.Operation, p map[string]any) backend.CrudResult {
	key := getString(p, "key")
	switch op {
	case backend.OpCreate, backend.OpUpdate:
		return kv.Put(ctx, key, toBytes(p["value"]))
	case backend.OpRead:
		return kv.Get(ctx, key)
	case backend.OpDelete:
		return kv.DeleteKey(ctx, key)
	}
	return unsupported(backend.KindKeyValue, op)
}

func unsupported(kind backend.Kind, op backend.Operation) backend.CrudResult {
	return backend.Failf(backend.ClassSyntax, kind, string(op),
		fmt.Sprintf("%s backend does not support %s", kind, op))
}

// -----------------------------------------------------------------------------
// Payload helpers
// -----------------------------------------------------------------------------

// extractCaseID finds a "case_id" key anywhere in the payload with a
// case-insensitive match, depth-first.
func extractCaseID(payload map[string]any) string {
	return findCaseID(payload, 0)
}

func findCaseID(node map[string]any, depth int) string {
	if depth > 4 {
		return ""
	}
	for k, v := range node {
		if strings.EqualFold(k, "case_id") {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	for _, v := range node {
		if m, ok := v.(map[string]any); ok {
			if s := findCaseID(m, depth+1); s != "" {
				return s
			}
		}
	}
	return ""
}

// chunkCount reports the batch size of a vector add, 0 otherwise.
func chunkCount(payload map[string]any) int {
	return len(toStringSlice(payload["ids"]))
}

func getString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func getInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func getMap(p map[string]any, key string) map[string]any {
	m, _ := p[key].(map[string]any)
	return m
}

// getStringMap narrows a map value to map[string]string, for table schemas.
func getStringMap(p map[string]any, key string) map[string]string {
	switch v := p[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return nil
			}
			out[k] = s
		}
		return out
	}
	return nil
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toVector(v any) []float32 {
	switch vv := v.(type) {
	case []float32:
		return vv
	case []float64:
		out := make([]float32, len(vv))
		for i, f := range vv {
			out[i] = float32(f)
		}
		return out
	case []any:
		out := make([]float32, 0, len(vv))
		for _, e := range vv {
			switch f := e.(type) {
			case float64:
				out = append(out, float32(f))
			case float32:
				out = append(out, f)
			case int:
				out = append(out, float32(f))
			}
		}
		return out
	}
	return nil
}

func toVectors(v any) [][]float32 {
	switch vv := v.(type) {
	case [][]float32:
		return vv
	case []any:
		out := make([][]float32, 0, len(vv))
		for _, e := range vv {
			out = append(out, toVector(e))
		}
		return out
	}
	return nil
}

func toMetadatas(v any) []map[string]any {
	switch vv := v.(type) {
	case []map[string]any:
		return vv
	case []any:
		out := make([]map[string]any, 0, len(vv))
		for _, e := range vv {
			m, _ := e.(map[string]any)
			out = append(out, m)
		}
		return out
	}
	return nil
}

func toBytes(v any) []byte {
	switch vv := v.(type) {
	case []byte:
		return vv
	case string:
		return []byte(vv)
	}
	return nil
}

func violationMessages(violations []governance.Violation) []string {
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.Message
	}
	return out
}
