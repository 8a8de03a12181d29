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
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/polystore/audit"
	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/governance"
	"github.com/AleutianAI/polystore/manager"
	"github.com/AleutianAI/polystore/telemetry"
)

const (
	// DefaultMaxRetries bounds forward-step retry attempts.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the backoff base; attempt n waits base * 2^n.
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultDeadline is the soft budget for one execute call. Exceeding it
	// mid-saga stops forward progress and triggers compensation with a
	// fresh budget.
	DefaultDeadline = 300 * time.Second

	// compensationRetries bounds attempts per compensation handler.
	compensationRetries = 3
)

// Executor runs one governed operation. *crud.Facade satisfies this.
type Executor interface {
	Execute(ctx context.Context, kind backend.Kind, op backend.Operation, payload map[string]any) backend.CrudResult
}

// -----------------------------------------------------------------------------
// Orchestrator
// -----------------------------------------------------------------------------

// Orchestrator drives sagas: ordered forward steps through the CRUD façade,
// reverse-order compensations on failure, everything event-sourced into the
// store.
//
// Description:
//
//	Execution takes an advisory lock on the saga id, so at most one
//	executor (across all processes sharing the relational store) runs a
//	given saga. The event log, not in-memory state, is the source of truth:
//	resume after a crash replays from the first step without a SUCCESS
//	event, and idempotency keys keep re-executed steps from doubling their
//	side effects.
//
// Thread Safety: Safe for concurrent use; per-saga serialization comes from
// the locker.
type Orchestrator struct {
	store    Store
	exec     Executor
	registry *Registry
	locker   Locker
	targets  func() Targets
	gov      *governance.Engine
	auditor  *audit.Recorder
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	maxRetries int
	baseDelay  time.Duration
	deadline   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries bounds forward-step retries. Zero means a first failure
// immediately triggers compensation.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) { o.maxRetries = n }
}

// WithBaseDelay overrides the retry backoff base.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.baseDelay = d }
}

// WithDeadline overrides the soft execution budget.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) { o.deadline = d }
}

// WithLocker overrides the saga locker.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithRegistry overrides the compensation registry.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithTargets sets the provider of compensation targets.
func WithTargets(fn func() Targets) Option {
	return func(o *Orchestrator) { o.targets = fn }
}

// WithGovernance sets the engine that vets compensations. Compensations
// face the same policy as forward actions: the handler's target kind and
// the delete verb are checked, then the step payload. A blocked handler
// never runs and counts as a compensation failure.
func WithGovernance(e *governance.Engine) Option {
	return func(o *Orchestrator) { o.gov = e }
}

// WithAuditor sets the audit recorder.
func WithAuditor(a *audit.Recorder) Option {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// withSleep replaces the backoff sleeper in tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// TargetsFromManager builds a compensation-target provider over the
// manager. Backends that are missing or unhealthy come back nil.
func TargetsFromManager(m *manager.Manager) func() Targets {
	return func() Targets {
		var t Targets
		if rel, err := m.Relational(); err == nil {
			t.Relational = rel
		}
		if g, err := m.Graph(); err == nil {
			t.Graph = g
		}
		if v, err := m.Vector(); err == nil {
			t.Vector = v
		}
		if f, err := m.File(); err == nil {
			t.File = f
		}
		return t
	}
}

// New creates an orchestrator over the store and executor.
func New(store Store, exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		exec:       exec,
		registry:   NewRegistry(),
		locker:     NewLocalLocker(),
		targets:    func() Targets { return Targets{} },
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		deadline:   DefaultDeadline,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "saga"))
	if o.auditor == nil {
		o.auditor = audit.NewRecorder(nil, o.logger)
	}
	return o
}

// Registry exposes the compensation registry for startup registration.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// -----------------------------------------------------------------------------
// Creation
// -----------------------------------------------------------------------------

// CreateSaga persists a new saga in status created and returns its id.
func (o *Orchestrator) CreateSaga(ctx context.Context, name string, steps []Step, traceID string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("saga name must not be empty")
	}
	seen := make(map[string]bool, len(steps))
	for i, step := range steps {
		if step.StepID == "" {
			return "", fmt.Errorf("step %d has no step_id", i)
		}
		if seen[step.StepID] {
			return "", fmt.Errorf("duplicate step_id %q", step.StepID)
		}
		seen[step.StepID] = true
		if _, err := backend.ParseKind(step.Backend); err != nil {
			return "", fmt.Errorf("step %s: %w", step.StepID, err)
		}
	}

	now := time.Now().UTC()
	sg := &Saga{
		SagaID:    uuid.NewString(),
		Name:      name,
		TraceID:   traceID,
		Status:    StatusCreated,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateSaga(ctx, sg); err != nil {
		return "", fmt.Errorf("create saga %s: %w", name, err)
	}

	o.auditor.Record(ctx, audit.Entry{
		SagaID:    sg.SagaID,
		SagaName:  name,
		TraceID:   traceID,
		EventType: "saga_created",
		Status:    string(StatusCreated),
		Details:   map[string]any{"steps": len(steps)},
	})
	o.logger.Info("saga created",
		slog.String("saga_id", sg.SagaID),
		slog.String("name", name),
		slog.Int("steps", len(steps)))
	return sg.SagaID, nil
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// Execute runs the saga from its first step.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string) (Result, error) {
	return o.executeFrom(ctx, sagaID, 0)
}

// Resume continues the saga from the first step without a SUCCESS event.
// A saga whose steps all succeeded is closed out as completed.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (Result, error) {
	sg, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{SagaID: sagaID}, err
	}
	if sg.Status.Terminal() {
		return Result{SagaID: sagaID, Status: sg.Status}, nil
	}

	events, err := o.store.Events(ctx, sagaID)
	if err != nil {
		return Result{SagaID: sagaID}, err
	}
	succeeded := make(map[string]bool)
	for _, e := range events {
		if e.Status == EventSuccess || e.Status == EventSkipped {
			succeeded[e.StepName] = true
		}
	}
	startAt := len(sg.Steps)
	for i, step := range sg.Steps {
		if !succeeded[step.StepID] {
			startAt = i
			break
		}
	}
	return o.executeFrom(ctx, sagaID, startAt)
}

// executeFrom runs steps from startAt under the saga lock.
func (o *Orchestrator) executeFrom(ctx context.Context, sagaID string, startAt int) (Result, error) {
	release, err := o.locker.Acquire(ctx, "saga:"+sagaID)
	if err != nil {
		return Result{SagaID: sagaID}, err
	}
	defer release()

	sg, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{SagaID: sagaID}, err
	}
	if sg.Status.Terminal() {
		return Result{SagaID: sagaID, Status: sg.Status}, nil
	}

	result := Result{SagaID: sagaID, Status: StatusRunning}
	if err := o.store.UpdateStatus(ctx, sagaID, StatusRunning, ""); err != nil {
		return result, err
	}

	start := time.Now()
	for i := startAt; i < len(sg.Steps); i++ {
		step := sg.Steps[i]

		if time.Since(start) > o.deadline {
			msg := fmt.Sprintf("saga deadline %s exceeded before step %s", o.deadline, step.StepID)
			result.Errors = append(result.Errors, msg)
			o.logger.Warn("saga deadline exceeded",
				slog.String("saga_id", sagaID),
				slog.String("step", step.StepID))
			return o.compensate(ctx, sg, result)
		}

		if err := o.store.UpdateStatus(ctx, sagaID, StatusRunning, step.StepID); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return o.compensate(ctx, sg, result)
		}

		ok, stepErr := o.runStep(ctx, sg, step)
		if !ok {
			result.Errors = append(result.Errors, stepErr)
			return o.compensate(ctx, sg, result)
		}
		result.ExecutedSteps = append(result.ExecutedSteps, step.StepID)
	}

	result.Status = StatusCompleted
	if err := o.store.UpdateStatus(ctx, sagaID, StatusCompleted, ""); err != nil {
		return result, err
	}
	o.finishSaga(ctx, sg, result, time.Since(start))
	return result, nil
}

// runStep writes the event trail for one step and executes it with retries.
// The returned string is the final error message when ok is false.
func (o *Orchestrator) runStep(ctx context.Context, sg *Saga, step Step) (bool, string) {
	kind, _ := backend.ParseKind(step.Backend)

	o.appendEvent(ctx, sg, step, EventPending, 0, "")

	// Idempotency: a SUCCESS event under the same key means the side effect
	// already happened in a previous run. Skip, do not re-execute.
	if step.IdempotencyKey != "" {
		hit, err := o.store.HasSuccess(ctx, sg.SagaID, step.StepID, step.IdempotencyKey)
		if err != nil {
			return false, fmt.Sprintf("idempotency check for %s: %v", step.StepID, err)
		}
		if hit {
			o.appendEvent(ctx, sg, step, EventSkipped, 0, "")
			o.recordStep(ctx, step, "skipped")
			o.logger.Info("step skipped by idempotency key",
				slog.String("saga_id", sg.SagaID),
				slog.String("step", step.StepID))
			return true, ""
		}
	}

	attempts := o.maxRetries + 1
	var lastMsg string
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := o.baseDelay * time.Duration(1<<(attempt-1))
			if err := o.sleep(ctx, delay); err != nil {
				lastMsg = err.Error()
				break
			}
		}

		stepStart := time.Now()
		res := o.exec.Execute(ctx, kind, backend.Operation(step.Operation), step.Payload)
		elapsed := time.Since(stepStart)

		if res.Success {
			o.appendEvent(ctx, sg, step, EventSuccess, elapsed.Milliseconds(), "")
			o.recordStep(ctx, step, "success")
			return true, ""
		}

		lastMsg = res.Message
		if !res.Class().Retriable() {
			break
		}
		o.logger.Warn("step failed, retrying",
			slog.String("saga_id", sg.SagaID),
			slog.String("step", step.StepID),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastMsg))
	}

	o.appendEvent(ctx, sg, step, EventFail, 0, lastMsg)
	o.recordStep(ctx, step, "fail")
	return false, fmt.Sprintf("step %s failed: %s", step.StepID, lastMsg)
}

// -----------------------------------------------------------------------------
// Compensation
// -----------------------------------------------------------------------------

// Compensate reverses the saga's successful steps without running any
// forward action. Used for explicit rollback of a partially-executed saga.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string) (Result, error) {
	release, err := o.locker.Acquire(ctx, "saga:"+sagaID)
	if err != nil {
		return Result{SagaID: sagaID}, err
	}
	defer release()

	sg, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return Result{SagaID: sagaID}, err
	}
	if sg.Status == StatusCompensated || sg.Status == StatusCompensationFailed {
		return Result{SagaID: sagaID, Status: sg.Status}, nil
	}
	return o.compensate(ctx, sg, Result{SagaID: sagaID})
}

// compensate walks the successful steps in reverse and runs their handlers
// best-effort. Callers hold the saga lock.
func (o *Orchestrator) compensate(ctx context.Context, sg *Saga, result Result) (Result, error) {
	_ = o.store.UpdateStatus(ctx, sg.SagaID, StatusCompensating, "")

	pending, err := o.compensatableSteps(ctx, sg)
	if err != nil {
		result.Status = StatusCompensationFailed
		result.CompensationErrors = append(result.CompensationErrors, err.Error())
		_ = o.store.UpdateStatus(ctx, sg.SagaID, StatusCompensationFailed, "")
		return result, nil
	}

	targets := o.targets()
	for _, step := range pending {
		if step.Compensation == "" {
			continue
		}
		if err := o.runCompensation(ctx, sg, step, targets); err != nil {
			result.CompensationErrors = append(result.CompensationErrors,
				fmt.Sprintf("%s (%s): %v", step.StepID, step.Compensation, err))
			continue
		}
		o.appendEvent(ctx, sg, step, EventCompensated, 0, "")
	}

	result.Status = StatusCompensated
	if len(result.CompensationErrors) > 0 {
		result.Status = StatusCompensationFailed
	}
	_ = o.store.UpdateStatus(ctx, sg.SagaID, result.Status, "")
	o.finishSaga(ctx, sg, result, 0)
	return result, nil
}

// compensatableSteps returns the steps with a SUCCESS event and no
// COMPENSATED event, newest success first.
func (o *Orchestrator) compensatableSteps(ctx context.Context, sg *Saga) ([]Step, error) {
	events, err := o.store.Events(ctx, sg.SagaID)
	if err != nil {
		return nil, fmt.Errorf("load events for compensation: %w", err)
	}

	byID := make(map[string]Step, len(sg.Steps))
	for _, step := range sg.Steps {
		byID[step.StepID] = step
	}

	var order []string
	succeeded := make(map[string]bool)
	for _, e := range events {
		switch e.Status {
		case EventSuccess:
			if !succeeded[e.StepName] {
				succeeded[e.StepName] = true
				order = append(order, e.StepName)
			}
		case EventCompensated:
			succeeded[e.StepName] = false
		}
	}

	var pending []Step
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if !succeeded[name] {
			continue
		}
		if step, ok := byID[name]; ok {
			pending = append(pending, step)
		}
	}
	return pending, nil
}

// runCompensation executes one handler with bounded retries. Governance
// vets the handler's kind and the payload first, the same gate forward
// actions pass through the façade.
func (o *Orchestrator) runCompensation(ctx context.Context, sg *Saga, step Step, targets Targets) error {
	handler, kind, ok := o.registry.Lookup(step.Compensation)
	if !ok {
		o.recordCompensation(ctx, step.Compensation, "missing")
		return fmt.Errorf("no compensation handler registered under %q", step.Compensation)
	}

	if err := o.vetCompensation(kind, step); err != nil {
		o.recordCompensation(ctx, step.Compensation, "blocked")
		o.logger.Warn("compensation blocked by governance",
			slog.String("saga_id", sg.SagaID),
			slog.String("step", step.StepID),
			slog.String("handler", step.Compensation),
			slog.String("error", err.Error()))
		return fmt.Errorf("compensation %s blocked by governance: %w", step.Compensation, err)
	}

	var lastErr error
	for attempt := 0; attempt < compensationRetries; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.baseDelay*time.Duration(1<<(attempt-1))); err != nil {
				return err
			}
		}
		if lastErr = handler(ctx, step.Payload, targets); lastErr == nil {
			o.recordCompensation(ctx, step.Compensation, "success")
			return nil
		}
		o.logger.Warn("compensation failed",
			slog.String("saga_id", sg.SagaID),
			slog.String("step", step.StepID),
			slog.String("handler", step.Compensation),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()))
	}
	o.recordCompensation(ctx, step.Compensation, "fail")
	return lastErr
}

// vetCompensation applies governance to a compensation before it runs.
// Handlers delete what the forward step wrote, so the policy check is the
// handler kind plus the delete verb against the step's payload. In lenient
// mode violations are logged and the handler still runs.
func (o *Orchestrator) vetCompensation(kind backend.Kind, step Step) error {
	if o.gov == nil {
		return nil
	}
	violations, err := o.gov.EnsureOperationAllowed(kind, backend.OpDelete)
	if err == nil {
		var pv []governance.Violation
		pv, err = o.gov.ValidatePayload(kind, backend.OpDelete, step.Payload)
		violations = append(violations, pv...)
	}
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		o.logger.Warn("governance violations waved through in lenient mode",
			slog.String("step", step.StepID),
			slog.String("handler", step.Compensation),
			slog.Int("violations", len(violations)))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Abort
// -----------------------------------------------------------------------------

// Abort moves a non-terminal saga straight to aborted without running
// compensations.
func (o *Orchestrator) Abort(ctx context.Context, sagaID, reason string) error {
	release, err := o.locker.Acquire(ctx, "saga:"+sagaID)
	if err != nil {
		return err
	}
	defer release()

	sg, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if sg.Status.Terminal() {
		return fmt.Errorf("saga %s is already %s", sagaID, sg.Status)
	}
	if err := o.store.UpdateStatus(ctx, sagaID, StatusAborted, ""); err != nil {
		return err
	}
	o.auditor.Record(ctx, audit.Entry{
		SagaID:    sagaID,
		SagaName:  sg.Name,
		TraceID:   sg.TraceID,
		EventType: "saga_aborted",
		Status:    string(StatusAborted),
		Details:   map[string]any{"reason": reason},
	})
	return nil
}

// -----------------------------------------------------------------------------
// Observability
// -----------------------------------------------------------------------------

func (o *Orchestrator) appendEvent(ctx context.Context, sg *Saga, step Step, status string, durationMS int64, errMsg string) {
	e := &Event{
		SagaID:         sg.SagaID,
		TraceID:        sg.TraceID,
		StepName:       step.StepID,
		EventType:      step.Operation,
		Status:         status,
		DurationMS:     durationMS,
		Payload:        step.Payload,
		Error:          errMsg,
		IdempotencyKey: step.IdempotencyKey,
	}
	if err := o.store.AppendEvent(ctx, e); err != nil {
		// A lost event degrades resumability, never the forward action.
		o.logger.Error("append saga event failed",
			slog.String("saga_id", sg.SagaID),
			slog.String("step", step.StepID),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) finishSaga(ctx context.Context, sg *Saga, result Result, elapsed time.Duration) {
	o.auditor.Record(ctx, audit.Entry{
		SagaID:     sg.SagaID,
		SagaName:   sg.Name,
		TraceID:    sg.TraceID,
		EventType:  "saga_finished",
		Status:     string(result.Status),
		DurationMS: elapsed.Milliseconds(),
		Details: map[string]any{
			"executed_steps":      result.ExecutedSteps,
			"errors":              result.Errors,
			"compensation_errors": result.CompensationErrors,
		},
	})
	o.logger.Info("saga finished",
		slog.String("saga_id", sg.SagaID),
		slog.String("status", string(result.Status)),
		slog.Int("executed", len(result.ExecutedSteps)))

	if o.metrics == nil || o.metrics.SagasTotal == nil {
		return
	}
	o.metrics.SagasTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(result.Status))))
	if elapsed > 0 && o.metrics.SagaDuration != nil {
		o.metrics.SagaDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("status", string(result.Status))))
	}
}

func (o *Orchestrator) recordStep(ctx context.Context, step Step, status string) {
	if o.metrics == nil || o.metrics.SagaStepsTotal == nil {
		return
	}
	o.metrics.SagaStepsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", step.Backend),
		attribute.String("status", status)))
}

func (o *Orchestrator) recordCompensation(ctx context.Context, handler, status string) {
	if o.metrics == nil || o.metrics.CompensationsTotal == nil {
		return
	}
	o.metrics.CompensationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("status", status)))
}
