// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package polystore is the polyglot persistence coordinator: one facade
// over relational, document, vector, graph, file and key-value stores,
// with governance in front of every operation, availability-driven
// strategy selection, and saga orchestration with compensations for
// multi-backend writes.
//
// Typical use:
//
//	cfg, err := config.Load("polystore.yaml")
//	...
//	coord, err := polystore.Open(ctx, cfg)
//	...
//	defer coord.Stop(context.Background())
//	res := coord.Execute(ctx, backend.KindRelational, backend.OpCreate, payload)
package polystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/polystore/adapters/badgerstore"
	"github.com/AleutianAI/polystore/adapters/gcsfile"
	"github.com/AleutianAI/polystore/adapters/localfile"
	"github.com/AleutianAI/polystore/adapters/memory"
	"github.com/AleutianAI/polystore/adapters/postgres"
	"github.com/AleutianAI/polystore/adapters/sqlite"
	"github.com/AleutianAI/polystore/adapters/weaviatevec"
	"github.com/AleutianAI/polystore/audit"
	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/config"
	"github.com/AleutianAI/polystore/crud"
	"github.com/AleutianAI/polystore/discovery"
	"github.com/AleutianAI/polystore/governance"
	"github.com/AleutianAI/polystore/manager"
	"github.com/AleutianAI/polystore/pkg/logging"
	"github.com/AleutianAI/polystore/recovery"
	"github.com/AleutianAI/polystore/saga"
	"github.com/AleutianAI/polystore/telemetry"
)

// ErrNotStarted is returned by operations that need a started coordinator.
var ErrNotStarted = errors.New("coordinator is not started")

// Coordinator owns the subsystems and their lifecycle.
//
// Thread Safety: Safe for concurrent use after Start returns.
type Coordinator struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *telemetry.Metrics

	governance *governance.Engine
	manager    *manager.Manager

	mu         sync.Mutex
	started    bool
	auditor    *audit.Recorder
	strategy   *discovery.Coordinator
	facade     *crud.Facade
	sagas      *saga.Orchestrator
	sagaStore  saga.Store
	worker     *recovery.Worker
	stopWorker context.CancelFunc
	workerDone chan struct{}
}

// New builds a coordinator from config without connecting any backend.
// Call Start to connect, or use Open to do both.
func New(cfg *config.Config) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		Dir:     cfg.Logging.Dir,
		Service: serviceName(cfg),
		JSON:    cfg.Logging.JSON,
	})

	c := &Coordinator{
		cfg:        cfg,
		logger:     logger,
		metrics:    telemetry.Default(),
		governance: buildGovernance(cfg, logger.Slog()),
		manager:    manager.New(manager.WithLogger(logger.Slog())),
	}

	for name, bc := range cfg.Backends() {
		if !bc.Enabled {
			continue
		}
		kind, err := backend.ParseKind(name)
		if err != nil {
			return nil, err
		}
		adapter, err := buildAdapter(kind, bc, logger.Slog())
		if err != nil {
			return nil, fmt.Errorf("configure %s backend: %w", name, err)
		}
		if err := c.manager.Register(adapter); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Open builds a coordinator and, when the config says autostart, starts it.
func Open(ctx context.Context, cfg *config.Config) (*Coordinator, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if c.cfg.Autostart {
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Start connects every enabled backend and wires the operation surface.
//
// Description:
//
//	Backends connect in parallel under the configured per-backend timeout;
//	individual failures leave that backend in error state and do not abort
//	startup. Durable saga state requires a healthy relational backend; when
//	none is up the orchestrator falls back to in-memory state and a
//	process-local lock, which is logged as a warning because crash recovery
//	is lost in that mode.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	results := c.manager.StartAll(ctx, nil, c.cfg.StartupTimeout())
	for kind, ok := range results {
		if !ok {
			c.logger.Warn("backend failed to start", "backend", kind.String())
		}
	}

	rel := c.healthyRelational()
	c.auditor = audit.NewRecorder(rel, c.logger.Slog())

	prober := discovery.NewProber(c.manager,
		discovery.WithCacheTTL(c.cfg.DiscoveryCacheTTL()),
		discovery.WithProberLogger(c.logger.Slog()),
		discovery.WithProberMetrics(c.metrics))
	c.strategy = discovery.NewCoordinator(prober, c.logger.Slog(), c.metrics)

	c.facade = crud.New(c.manager, c.governance, c.auditor, c.metrics, c.logger.Slog())

	c.sagaStore, c.sagas = c.buildSagaLayer(ctx, rel)

	if c.cfg.Recovery.Enabled {
		c.worker = recovery.New(c.sagaStore, c.sagas,
			recovery.WithInterval(c.cfg.RecoveryInterval()),
			recovery.WithRetries(c.cfg.Recovery.Retries),
			recovery.WithLogger(c.logger.Slog()))
		workerCtx, cancel := context.WithCancel(context.Background())
		c.stopWorker = cancel
		c.workerDone = make(chan struct{})
		go func() {
			defer close(c.workerDone)
			c.worker.Run(workerCtx)
		}()
	}

	c.started = true
	c.logger.Info("coordinator started",
		"backends", len(results),
		"governance_strict", c.governance.Strict(),
		"recovery_enabled", c.cfg.Recovery.Enabled)
	return nil
}

// Stop halts the recovery worker, disconnects every backend, and closes
// the logger. Idempotent.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	if c.stopWorker != nil {
		c.stopWorker()
		<-c.workerDone
		c.stopWorker = nil
	}
	c.manager.StopAll(ctx)
	c.started = false
	c.logger.Info("coordinator stopped")
	return c.logger.Close()
}

// -----------------------------------------------------------------------------
// Operation surface
// -----------------------------------------------------------------------------

// Execute routes one governed CRUD operation to a backend.
func (c *Coordinator) Execute(ctx context.Context, kind backend.Kind, op backend.Operation, payload map[string]any) backend.CrudResult {
	f := c.Facade()
	if f == nil {
		return backend.Fail(backend.NewError(backend.ClassUnavailable, kind, string(op), ErrNotStarted))
	}
	return f.Execute(ctx, kind, op, payload)
}

// CreateSaga registers a saga; Execute runs it.
func (c *Coordinator) CreateSaga(ctx context.Context, name string, steps []saga.Step, traceID string) (string, error) {
	s := c.Sagas()
	if s == nil {
		return "", ErrNotStarted
	}
	return s.CreateSaga(ctx, name, steps, traceID)
}

// ExecuteSaga runs a previously created saga to completion or rollback.
func (c *Coordinator) ExecuteSaga(ctx context.Context, sagaID string) (saga.Result, error) {
	s := c.Sagas()
	if s == nil {
		return saga.Result{}, ErrNotStarted
	}
	return s.Execute(ctx, sagaID)
}

// Plan returns the current strategy selection.
func (c *Coordinator) Plan(ctx context.Context) (discovery.Plan, error) {
	s := c.Strategy()
	if s == nil {
		return discovery.Plan{}, ErrNotStarted
	}
	return s.Plan(ctx)
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// Config returns the active configuration.
func (c *Coordinator) Config() *config.Config { return c.cfg }

// Manager returns the backend manager.
func (c *Coordinator) Manager() *manager.Manager { return c.manager }

// Governance returns the policy engine.
func (c *Coordinator) Governance() *governance.Engine { return c.governance }

// Facade returns the CRUD facade, or nil before Start.
func (c *Coordinator) Facade() *crud.Facade {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facade
}

// Sagas returns the orchestrator, or nil before Start.
func (c *Coordinator) Sagas() *saga.Orchestrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sagas
}

// Strategy returns the strategy coordinator, or nil before Start.
func (c *Coordinator) Strategy() *discovery.Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// SagaStore returns the saga state store, or nil before Start.
func (c *Coordinator) SagaStore() saga.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sagaStore
}

// -----------------------------------------------------------------------------
// Wiring
// -----------------------------------------------------------------------------

// healthyRelational returns the relational adapter when it came up.
func (c *Coordinator) healthyRelational() backend.Relational {
	adapter, ok := c.manager.Healthy(backend.KindRelational)
	if !ok {
		return nil
	}
	rel, ok := adapter.(backend.Relational)
	if !ok {
		return nil
	}
	return rel
}

// buildSagaLayer picks durable or in-memory saga state based on what
// actually connected.
func (c *Coordinator) buildSagaLayer(ctx context.Context, rel backend.Relational) (saga.Store, *saga.Orchestrator) {
	var store saga.Store
	var locker saga.Locker

	if rel != nil {
		if err := saga.EnsureSagaSchema(ctx, rel); err != nil {
			c.logger.Error("saga schema creation failed, falling back to in-memory saga state",
				"error", err.Error())
		} else {
			store = saga.NewSQLStore(rel)
			if al, ok := rel.(backend.AdvisoryLocker); ok {
				locker = saga.NewAdvisoryLocker(al, c.logger.Slog())
			}
		}
	}
	if store == nil {
		store = saga.NewMemoryStore()
		c.logger.Warn("saga state is in-memory; sagas will not survive a restart")
	}
	if locker == nil {
		locker = saga.NewLocalLocker()
		c.logger.Warn("saga locking is process-local; concurrent coordinators may collide")
	}

	orch := saga.New(store, c.facade,
		saga.WithMaxRetries(c.cfg.Saga.MaxRetries),
		saga.WithBaseDelay(c.cfg.SagaBaseDelay()),
		saga.WithDeadline(c.cfg.SagaDeadline()),
		saga.WithLocker(locker),
		saga.WithTargets(saga.TargetsFromManager(c.manager)),
		saga.WithGovernance(c.governance),
		saga.WithAuditor(c.auditor),
		saga.WithMetrics(c.metrics),
		saga.WithLogger(c.logger.Slog()))
	return store, orch
}

// buildGovernance merges configured policy overrides over the defaults.
func buildGovernance(cfg *config.Config, logger *slog.Logger) *governance.Engine {
	opts := []governance.Option{governance.WithLogger(logger)}
	if !cfg.GovernanceStrict() {
		opts = append(opts, governance.WithLenient())
	}
	for name, pc := range cfg.Governance.Policies {
		kind, err := backend.ParseKind(name)
		if err != nil {
			logger.Warn("ignoring policy for unknown backend kind", "kind", name)
			continue
		}
		opts = append(opts, governance.WithPolicy(kind, toPolicy(pc)))
	}
	return governance.NewEngine(opts...)
}

func toPolicy(pc config.PolicyConfig) governance.Policy {
	p := governance.Policy{
		ForbiddenFields: pc.ForbiddenFields,
	}
	for _, op := range pc.AllowedOperations {
		p.AllowedOperations = append(p.AllowedOperations, backend.Operation(op))
	}
	for _, t := range pc.ForbiddenTypes {
		p.ForbiddenTypes = append(p.ForbiddenTypes, governance.ValueType(t))
	}
	return p
}

// buildAdapter maps a config section onto a concrete adapter.
func buildAdapter(kind backend.Kind, bc config.BackendConfig, logger *slog.Logger) (backend.Adapter, error) {
	impl := bc.Backend
	if impl == "" {
		impl = "memory"
	}

	switch kind {
	case backend.KindRelational:
		switch impl {
		case "sqlite":
			return sqlite.New(sqlite.Config{
				Path:           bc.Path,
				MinConnections: bc.MinConnections,
				MaxConnections: bc.MaxConnections,
				Logger:         logger,
			}), nil
		case "postgresql", "postgres":
			return postgres.New(postgres.Config{
				Host:           bc.Host,
				Port:           bc.Port,
				User:           bc.User,
				Password:       bc.Password,
				Database:       bc.Database,
				MinConnections: bc.MinConnections,
				MaxConnections: bc.MaxConnections,
				Logger:         logger,
			}), nil
		case "memory":
			return memory.NewRelationalStore(), nil
		}

	case backend.KindDocument:
		if impl == "memory" {
			return memory.NewDocumentStore(), nil
		}

	case backend.KindVector:
		switch impl {
		case "weaviate":
			return weaviatevec.New(weaviatevec.Config{
				Host:   bc.Host,
				Port:   bc.Port,
				Scheme: settingString(bc.Settings, "scheme"),
				APIKey: bc.Password,
				Logger: logger,
			}), nil
		case "memory":
			return memory.NewVectorStore(), nil
		}

	case backend.KindGraph:
		if impl == "memory" {
			return memory.NewGraphStore(), nil
		}

	case backend.KindFile:
		switch impl {
		case "gcs":
			return gcsfile.New(gcsfile.Config{
				Bucket:          bc.Path,
				Prefix:          settingString(bc.Settings, "prefix"),
				CredentialsFile: settingString(bc.Settings, "credentials_file"),
				Logger:          logger,
			}), nil
		case "local":
			return localfile.New(localfile.Config{
				Root:   bc.Path,
				Logger: logger,
			}), nil
		case "memory":
			return memory.NewFileStore(), nil
		}

	case backend.KindKeyValue:
		switch impl {
		case "badger":
			cfg := badgerstore.DefaultConfig(bc.Path)
			cfg.Logger = logger
			return badgerstore.New(cfg), nil
		case "memory":
			return memory.NewKVStore(), nil
		}
	}
	return nil, fmt.Errorf("no %s implementation named %q", kind, impl)
}

func settingString(settings map[string]any, key string) string {
	if settings == nil {
		return ""
	}
	s, _ := settings[key].(string)
	return s
}

func serviceName(cfg *config.Config) string {
	if cfg.Logging.Service != "" {
		return cfg.Logging.Service
	}
	return "polystore"
}
