// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry holds the coordinator's pre-defined metrics and the
// tracer handle the CRUD façade records spans with. Wiring an exporter
// (prometheus, OTLP) is the caller's concern; the coordinator only emits.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for coordinator spans.
const TracerName = "github.com/AleutianAI/polystore"

// Tracer returns the coordinator tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Metrics contains the pre-defined metrics for the persistence coordinator.
//
// Description:
//
//	Counters and histograms for CRUD operations, governance blocks, saga
//	outcomes, discovery probes, and pool state. All metrics use the
//	"polystore_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- CRUD Metrics ---

	// OperationsTotal counts operations by backend, operation, and status.
	OperationsTotal metric.Int64Counter

	// OperationDuration records operation duration in seconds.
	OperationDuration metric.Float64Histogram

	// GovernanceBlocksTotal counts operations rejected before dispatch.
	GovernanceBlocksTotal metric.Int64Counter

	// --- Saga Metrics ---

	// SagaStepsTotal counts saga step outcomes by status.
	SagaStepsTotal metric.Int64Counter

	// SagasTotal counts finished sagas by terminal status.
	SagasTotal metric.Int64Counter

	// SagaDuration records end-to-end saga duration in seconds.
	SagaDuration metric.Float64Histogram

	// CompensationsTotal counts compensation outcomes by handler and status.
	CompensationsTotal metric.Int64Counter

	// --- Discovery Metrics ---

	// ProbesTotal counts discovery probes by backend and outcome.
	ProbesTotal metric.Int64Counter

	// StrategySelectionsTotal counts strategy selections by tier.
	StrategySelectionsTotal metric.Int64Counter

	// --- Pool Metrics ---

	// PoolLeases counts pool leases by outcome.
	PoolLeases metric.Int64Counter

	// --- Error Metrics ---

	// ErrorsTotal counts tagged errors by class and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics registers the coordinator metrics with the provided meter.
//
// Inputs:
//
//	meter - The OTel meter to register with.
//
// Outputs:
//
//	*Metrics - The metrics instance with all instruments initialized.
//	error - Non-nil if any registration fails.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.OperationsTotal, err = meter.Int64Counter("polystore_operations_total",
		metric.WithDescription("Total CRUD operations by backend, operation, and status")); err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}
	if m.OperationDuration, err = meter.Float64Histogram("polystore_operation_duration_seconds",
		metric.WithDescription("CRUD operation duration in seconds")); err != nil {
		return nil, fmt.Errorf("create operation duration histogram: %w", err)
	}
	if m.GovernanceBlocksTotal, err = meter.Int64Counter("polystore_governance_blocks_total",
		metric.WithDescription("Operations rejected by governance before dispatch")); err != nil {
		return nil, fmt.Errorf("create governance counter: %w", err)
	}
	if m.SagaStepsTotal, err = meter.Int64Counter("polystore_saga_steps_total",
		metric.WithDescription("Saga step outcomes by status")); err != nil {
		return nil, fmt.Errorf("create saga steps counter: %w", err)
	}
	if m.SagasTotal, err = meter.Int64Counter("polystore_sagas_total",
		metric.WithDescription("Finished sagas by terminal status")); err != nil {
		return nil, fmt.Errorf("create sagas counter: %w", err)
	}
	if m.SagaDuration, err = meter.Float64Histogram("polystore_saga_duration_seconds",
		metric.WithDescription("End-to-end saga duration in seconds")); err != nil {
		return nil, fmt.Errorf("create saga duration histogram: %w", err)
	}
	if m.CompensationsTotal, err = meter.Int64Counter("polystore_compensations_total",
		metric.WithDescription("Compensation outcomes by handler and status")); err != nil {
		return nil, fmt.Errorf("create compensations counter: %w", err)
	}
	if m.ProbesTotal, err = meter.Int64Counter("polystore_probes_total",
		metric.WithDescription("Discovery probes by backend and outcome")); err != nil {
		return nil, fmt.Errorf("create probes counter: %w", err)
	}
	if m.StrategySelectionsTotal, err = meter.Int64Counter("polystore_strategy_selections_total",
		metric.WithDescription("Strategy selections by tier")); err != nil {
		return nil, fmt.Errorf("create strategy counter: %w", err)
	}
	if m.PoolLeases, err = meter.Int64Counter("polystore_pool_leases_total",
		metric.WithDescription("Pool leases by outcome")); err != nil {
		return nil, fmt.Errorf("create pool leases counter: %w", err)
	}
	if m.ErrorsTotal, err = meter.Int64Counter("polystore_errors_total",
		metric.WithDescription("Tagged errors by class and component")); err != nil {
		return nil, fmt.Errorf("create errors counter: %w", err)
	}
	return m, nil
}

// Default creates metrics against the global meter provider. Registration
// against the no-op provider cannot fail, so errors are swallowed by design
// of the otel API; callers wiring a real provider should use NewMetrics.
func Default() *Metrics {
	m, err := NewMetrics(otel.Meter(TracerName))
	if err != nil {
		// The no-op meter never errors; a real provider that does is a
		// wiring bug the caller must surface through NewMetrics.
		return &Metrics{}
	}
	return m
}

// RecordOperation emits the per-operation counter and histogram pair.
//
// Inputs:
//
//	backendName - Backend kind name, e.g. "relational".
//	op - Operation verb.
//	status - "success", "error", or "governance_blocked".
//	caseID - Optional correlation id extracted from the payload.
//	d - Operation duration.
func (m *Metrics) RecordOperation(ctx context.Context, backendName, op, status, caseID string, d time.Duration) {
	if m == nil || m.OperationsTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("backend", backendName),
		attribute.String("operation", op),
		attribute.String("status", status),
	}
	if caseID != "" {
		attrs = append(attrs, attribute.String("case_id", caseID))
	}
	m.OperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.OperationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("backend", backendName),
		attribute.String("operation", op),
	))
}

// RecordPoolLease counts one pool lease attempt.
//
// Inputs:
//
//	outcome - "ok", "timeout", or "error".
func (m *Metrics) RecordPoolLease(ctx context.Context, outcome string) {
	if m == nil || m.PoolLeases == nil {
		return
	}
	m.PoolLeases.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome)))
}

// RecordError counts one classified failure.
//
// Inputs:
//
//	component - Emitting component, e.g. "crud".
//	class - The backend.ErrorClass name.
func (m *Metrics) RecordError(ctx context.Context, component, class string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}
	m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("class", class)))
}
