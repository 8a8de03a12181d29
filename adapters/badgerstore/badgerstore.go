// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore provides the embedded key-value adapter on BadgerDB.
//
// BadgerDB gives low-latency local access (~100µs), which makes this the
// cache tier of the coordinator: session state, hot lookups, anything the
// strategy selector routes at the key_value backend.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/polystore/backend"
)

// Config holds configuration for the badger adapter.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger for adapter and BadgerDB events. If nil, BadgerDB's internal
	// logging is disabled and adapter events go to slog.Default().
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to a negative value to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration optimized for testing: no disk
// I/O, no sync, no GC loop.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		GCInterval: -1,
	}
}

// Store is the BadgerDB key-value adapter.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}

	ops  atomic.Int64
	errs atomic.Int64
}

var _ backend.KeyValue = (*Store)(nil)

// New creates a disconnected badger adapter.
func New(cfg Config) *Store {
	if cfg.GCInterval == 0 {
		cfg.GCInterval = 5 * time.Minute
	}
	if cfg.GCDiscardRatio <= 0 {
		cfg.GCDiscardRatio = 0.5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		logger: logger.With(slog.String("adapter", "badger")),
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Connect opens the database and starts the GC loop.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if !s.cfg.InMemory && s.cfg.Path == "" {
		return backend.NewError(backend.ClassUnknown, backend.KindKeyValue, "connect",
			errors.New("path is required for a persistent database"))
	}

	var opts badger.Options
	if s.cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.cfg.Path, 0750); err != nil {
			return backend.NewError(backend.ClassConnectionLost, backend.KindKeyValue, "connect",
				fmt.Errorf("create database directory %s: %w", s.cfg.Path, err))
		}
		opts = badger.DefaultOptions(s.cfg.Path)
	}
	opts = opts.WithSyncWrites(s.cfg.SyncWrites).WithNumVersionsToKeep(1)
	if s.cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return backend.NewError(backend.ClassConnectionLost, backend.KindKeyValue, "connect",
			fmt.Errorf("open badger database: %w", err))
	}
	s.db = db

	if s.cfg.GCInterval > 0 && !s.cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.gcLoop(db, s.stopGC, s.doneGC)
	}
	s.logger.Info("badger connected",
		slog.String("path", s.cfg.Path),
		slog.Bool("in_memory", s.cfg.InMemory))
	return nil
}

// Disconnect stops GC and closes the database. Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	stop, done := s.stopGC, s.doneGC
	s.stopGC, s.doneGC = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if db != nil {
		if err := db.Close(); err != nil {
			s.logger.Warn("badger close failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Available reports connection state without I/O.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// Ping verifies the database is open and readable.
func (s *Store) Ping(ctx context.Context) error {
	db := s.get()
	if db == nil {
		return backend.NewError(backend.ClassUnavailable, backend.KindKeyValue, "ping", nil)
	}
	err := db.View(func(txn *badger.Txn) error { return nil })
	if err != nil {
		return backend.NewError(backend.ClassConnectionLost, backend.KindKeyValue, "ping", err)
	}
	return nil
}

// Kind returns the key-value family tag.
func (s *Store) Kind() backend.Kind {
	return backend.KindKeyValue
}

// Stats returns adapter counters.
func (s *Store) Stats() backend.Stats {
	return backend.Stats{
		"operations": s.ops.Load(),
		"errors":     s.errs.Load(),
	}
}

// -----------------------------------------------------------------------------
// Key-value operations
// -----------------------------------------------------------------------------

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) backend.CrudResult {
	db := s.get()
	if db == nil {
		return s.unavailable("put")
	}
	err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		s.errs.Add(1)
		return backend.Fail(backend.NewError(classify(err), backend.KindKeyValue, "put", err))
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"key": key})
}

// Get returns the value in Data["value"].
func (s *Store) Get(ctx context.Context, key string) backend.CrudResult {
	db := s.get()
	if db == nil {
		return s.unavailable("get")
	}
	var value []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return backend.Failf(backend.ClassUnknown, backend.KindKeyValue, "get",
			fmt.Sprintf("key %q not found", key))
	}
	if err != nil {
		s.errs.Add(1)
		return backend.Fail(backend.NewError(classify(err), backend.KindKeyValue, "get", err))
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"key": key, "value": value})
}

// DeleteKey removes the key. Missing keys succeed.
func (s *Store) DeleteKey(ctx context.Context, key string) backend.CrudResult {
	db := s.get()
	if db == nil {
		return s.unavailable("delete_key")
	}
	err := db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		s.errs.Add(1)
		return backend.Fail(backend.NewError(classify(err), backend.KindKeyValue, "delete_key", err))
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"key": key})
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (s *Store) get() *badger.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *Store) unavailable(op string) backend.CrudResult {
	s.errs.Add(1)
	return backend.Fail(backend.NewError(backend.ClassUnavailable, backend.KindKeyValue, op, nil))
}

// gcLoop periodically triggers value log garbage collection.
// badger.ErrNoRewrite just means there was nothing worth collecting.
func (s *Store) gcLoop(db *badger.DB, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := db.RunValueLogGC(s.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger gc failed", slog.String("error", err.Error()))
			}
		case <-stop:
			return
		}
	}
}

// classify maps a badger error onto the shared taxonomy.
func classify(err error) backend.ErrorClass {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return backend.ClassTimeout
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrBlockedWrites):
		return backend.ClassUnavailable
	case errors.Is(err, badger.ErrConflict):
		return backend.ClassDeadlock
	}
	return backend.ClassUnknown
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
