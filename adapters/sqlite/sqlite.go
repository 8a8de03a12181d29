// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlite provides the embedded relational adapter on the pure-Go
// sqlite driver.
//
// The adapter leases its connections from the coordinator's bounded pool
// rather than database/sql's built-in one, so every hand-out is validated
// and every release rolls back anything the caller left open. Advisory
// locks map onto a saga_locks table claimed with INSERT OR IGNORE, which
// gives the same try-lock semantics postgres gets from
// pg_try_advisory_lock. Lock rows carry a lease: a row older than
// Config.LockLease is treated as abandoned by a crashed holder and can be
// reclaimed, and Disconnect releases whatever this process still holds.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/pool"
)

// Config configures the sqlite adapter.
type Config struct {
	// Path is the database file. ":memory:" opens a process-private
	// in-memory database shared across the pool's connections.
	Path string

	// MinConnections and MaxConnections size the pool.
	// Defaults: 5 and 50.
	MinConnections int
	MaxConnections int

	// BusyTimeout is how long a connection waits on a locked database
	// before failing. Default: 5s.
	BusyTimeout time.Duration

	// LockLease is how long an advisory lock row may sit before another
	// process may reclaim it. A crashed holder never deletes its rows;
	// the lease is what lets a restarted coordinator take them back.
	// Default: 5m.
	LockLease time.Duration

	// Logger for adapter events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for the given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		MinConnections: 5,
		MaxConnections: 50,
		BusyTimeout:    5 * time.Second,
		LockLease:      5 * time.Minute,
	}
}

// Store is the sqlite relational adapter.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	cfg    Config
	logger *slog.Logger

	db   atomic.Pointer[sql.DB]
	pool atomic.Pointer[pool.Pool]

	// heldLocks tracks the advisory locks this process owns, so Disconnect
	// can release them instead of leaving rows for the lease to expire.
	lockMu    sync.Mutex
	heldLocks map[string]bool

	ops      atomic.Int64
	errs     atomic.Int64
	connects atomic.Int64
}

var (
	_ backend.Relational     = (*Store)(nil)
	_ backend.AdvisoryLocker = (*Store)(nil)
)

// New creates a disconnected sqlite adapter.
func New(cfg Config) *Store {
	def := DefaultConfig(cfg.Path)
	if cfg.MinConnections <= 0 {
		cfg.MinConnections = def.MinConnections
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = def.LockLease
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("adapter", "sqlite")),
		heldLocks: make(map[string]bool),
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Connect opens the database file, builds the connection pool, and creates
// the advisory lock table.
func (s *Store) Connect(ctx context.Context) error {
	if s.db.Load() != nil {
		return nil
	}
	if s.cfg.Path == "" {
		return backend.NewError(backend.ClassUnknown, backend.KindRelational, "connect",
			errors.New("sqlite path must not be empty"))
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return backend.NewError(backend.ClassConnectionLost, backend.KindRelational, "connect", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxConnections)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return s.wrap("connect", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS saga_locks (
			lock_key    TEXT PRIMARY KEY,
			acquired_at TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return s.wrap("connect", err)
	}

	p, err := pool.New(pool.Config{
		MinSize: s.cfg.MinConnections,
		MaxSize: s.cfg.MaxConnections,
		Logger:  s.logger,
	}, func(ctx context.Context) (pool.Conn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, s.wrap("dial", err)
		}
		return &pooledConn{conn: conn}, nil
	})
	if err != nil {
		_ = db.Close()
		return backend.NewError(backend.ClassUnknown, backend.KindRelational, "connect", err)
	}

	s.db.Store(db)
	s.pool.Store(p)
	s.connects.Add(1)
	p.Warm(ctx)
	s.logger.Info("sqlite connected",
		slog.String("path", s.cfg.Path),
		slog.Int("max_connections", s.cfg.MaxConnections))
	return nil
}

// Disconnect releases held advisory locks, then closes the pool and the
// database. Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	s.releaseHeldLocks(ctx)
	p := s.pool.Swap(nil)
	db := s.db.Swap(nil)
	if p != nil {
		_ = p.Close()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			s.logger.Warn("sqlite close failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Available reports connection state without I/O.
func (s *Store) Available() bool {
	return s.db.Load() != nil
}

// Ping runs a round-trip against the database.
func (s *Store) Ping(ctx context.Context) error {
	db := s.db.Load()
	if db == nil {
		return backend.NewError(backend.ClassUnavailable, backend.KindRelational, "ping", nil)
	}
	if err := db.PingContext(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// Kind returns the relational family tag.
func (s *Store) Kind() backend.Kind {
	return backend.KindRelational
}

// Stats returns adapter counters, including the pool's.
func (s *Store) Stats() backend.Stats {
	stats := backend.Stats{
		"operations": s.ops.Load(),
		"errors":     s.errs.Load(),
		"connects":   s.connects.Load(),
	}
	if p := s.pool.Load(); p != nil {
		m := p.Metrics()
		stats["pool_active"] = int64(m.Active)
		stats["pool_idle"] = int64(m.Idle)
		stats["pool_created"] = m.CreatedTotal
		stats["pool_reused"] = m.ReusedTotal
	}
	return stats
}

// dsn builds the modernc driver DSN with the pragmas every connection needs.
func (s *Store) dsn() string {
	busy := int(s.cfg.BusyTimeout / time.Millisecond)
	if s.cfg.Path == ":memory:" {
		// Shared cache keeps the pool's connections on one database.
		return fmt.Sprintf("file:polystore?mode=memory&cache=shared&_pragma=busy_timeout(%d)", busy)
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		s.cfg.Path, busy)
}

// -----------------------------------------------------------------------------
// Relational operations
// -----------------------------------------------------------------------------

// CreateTable creates a table from a column map. An id TEXT PRIMARY KEY
// column is added when the schema does not declare one.
func (s *Store) CreateTable(ctx context.Context, name string, schema map[string]string) backend.CrudResult {
	if err := validIdent(name); err != nil {
		return s.fail("create_table", backend.NewError(backend.ClassSyntax, backend.KindRelational, "create_table", err))
	}

	cols := make([]string, 0, len(schema)+1)
	if _, ok := schema["id"]; !ok {
		cols = append(cols, `"id" TEXT PRIMARY KEY`)
	}
	for _, col := range sortedKeys(schema) {
		if err := validIdent(col); err != nil {
			return s.fail("create_table", backend.NewError(backend.ClassSyntax, backend.KindRelational, "create_table", err))
		}
		typ := schema[col]
		if err := validColumnType(typ); err != nil {
			return s.fail("create_table", backend.NewError(backend.ClassSyntax, backend.KindRelational, "create_table", err))
		}
		if col == "id" {
			cols = append(cols, fmt.Sprintf(`"id" %s PRIMARY KEY`, typ))
			continue
		}
		cols = append(cols, fmt.Sprintf(`"%s" %s`, col, typ))
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, name, strings.Join(cols, ", "))
	if err := s.Exec(ctx, stmt); err != nil {
		return s.fail("create_table", err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"table": name})
}

// Insert writes one record, generating an id when the record carries none.
func (s *Store) Insert(ctx context.Context, table string, record map[string]any) backend.CrudResult {
	if err := validIdent(table); err != nil {
		return s.fail("insert", backend.NewError(backend.ClassSyntax, backend.KindRelational, "insert", err))
	}

	row := make(map[string]any, len(record)+1)
	for k, v := range record {
		row[k] = v
	}
	id, _ := row["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	row["id"] = id

	cols := sortedKeys(row)
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return s.fail("insert", backend.NewError(backend.ClassSyntax, backend.KindRelational, "insert", err))
		}
		quoted[i] = `"` + col + `"`
		marks[i] = "?"
		args[i] = bindValue(row[col])
	}

	stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if err := s.Exec(ctx, stmt, args...); err != nil {
		return s.fail("insert", err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"id": id})
}

// Update applies fields to the row with the given id.
func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any) backend.CrudResult {
	if err := validIdent(table); err != nil {
		return s.fail("update", backend.NewError(backend.ClassSyntax, backend.KindRelational, "update", err))
	}
	if len(fields) == 0 {
		return backend.OK(map[string]any{"id": id})
	}

	cols := sortedKeys(fields)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return s.fail("update", backend.NewError(backend.ClassSyntax, backend.KindRelational, "update", err))
		}
		sets[i] = fmt.Sprintf(`"%s" = ?`, col)
		args = append(args, bindValue(fields[col]))
	}
	args = append(args, id)

	stmt := fmt.Sprintf(`UPDATE "%s" SET %s WHERE "id" = ?`, table, strings.Join(sets, ", "))
	affected, err := s.execAffected(ctx, "update", stmt, args...)
	if err != nil {
		return s.fail("update", err)
	}
	if affected == 0 {
		return backend.Failf(backend.ClassUnknown, backend.KindRelational, "update",
			fmt.Sprintf("row %q not found in table %s", id, table))
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"id": id})
}

// Select returns rows matching filter, optionally ordered and limited.
func (s *Store) Select(ctx context.Context, table string, filter map[string]any, order string, limit int) backend.CrudResult {
	if err := validIdent(table); err != nil {
		return s.fail("select", backend.NewError(backend.ClassSyntax, backend.KindRelational, "select", err))
	}

	where, args, err := buildWhere(filter)
	if err != nil {
		return s.fail("select", backend.NewError(backend.ClassSyntax, backend.KindRelational, "select", err))
	}
	stmt := fmt.Sprintf(`SELECT * FROM "%s"%s`, table, where)
	if order != "" {
		if err := validIdent(order); err != nil {
			return s.fail("select", backend.NewError(backend.ClassSyntax, backend.KindRelational, "select", err))
		}
		stmt += fmt.Sprintf(` ORDER BY "%s"`, order)
	}
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.Query(ctx, stmt, args...)
	if err != nil {
		return s.fail("select", err)
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"rows": out, "count": len(out)})
}

// Delete removes rows matching filter.
func (s *Store) Delete(ctx context.Context, table string, filter map[string]any) backend.CrudResult {
	if err := validIdent(table); err != nil {
		return s.fail("delete", backend.NewError(backend.ClassSyntax, backend.KindRelational, "delete", err))
	}
	where, args, err := buildWhere(filter)
	if err != nil {
		return s.fail("delete", backend.NewError(backend.ClassSyntax, backend.KindRelational, "delete", err))
	}

	stmt := fmt.Sprintf(`DELETE FROM "%s"%s`, table, where)
	affected, err := s.execAffected(ctx, "delete", stmt, args...)
	if err != nil {
		return s.fail("delete", err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"deleted": int(affected)})
}

// Query runs raw SQL with ?-placeholders and returns the rows as maps.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) ([]map[string]any, error) {
	var out []map[string]any
	err := s.withConn(ctx, "query", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanRows(rows)
		return err
	})
	return out, err
}

// Exec runs raw SQL that returns no rows.
func (s *Store) Exec(ctx context.Context, stmt string, args ...any) error {
	return s.withConn(ctx, "exec", func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, stmt, args...)
		return err
	})
}

// -----------------------------------------------------------------------------
// Advisory locking
// -----------------------------------------------------------------------------

// TryAdvisoryLock claims the named lock by inserting its row. A row that is
// already present means another holder owns the lock, unless its lease has
// run out, in which case the row is taken over with a fresh timestamp.
func (s *Store) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC()
	affected, err := s.execAffected(ctx, "advisory_lock",
		`INSERT OR IGNORE INTO saga_locks (lock_key, acquired_at) VALUES (?, ?)`,
		key, now.Format(time.RFC3339Nano))
	if err != nil {
		return false, s.wrap("advisory_lock", err)
	}
	if affected == 0 {
		// The lock row exists. A holder that crashed never deletes it, so
		// an expired acquired_at means nobody owns it anymore. RFC3339
		// timestamps compare lexicographically at the lease's granularity.
		cutoff := now.Add(-s.cfg.LockLease)
		affected, err = s.execAffected(ctx, "advisory_lock",
			`UPDATE saga_locks SET acquired_at = ? WHERE lock_key = ? AND acquired_at < ?`,
			now.Format(time.RFC3339Nano), key, cutoff.Format(time.RFC3339Nano))
		if err != nil {
			return false, s.wrap("advisory_lock", err)
		}
		if affected == 1 {
			s.logger.Warn("reclaimed expired advisory lock", slog.String("key", key))
		}
	}
	if affected != 1 {
		return false, nil
	}
	s.lockMu.Lock()
	s.heldLocks[key] = true
	s.lockMu.Unlock()
	return true, nil
}

// AdvisoryUnlock releases the named lock. Releasing an unheld lock is a
// no-op.
func (s *Store) AdvisoryUnlock(ctx context.Context, key string) error {
	_, err := s.execAffected(ctx, "advisory_unlock",
		`DELETE FROM saga_locks WHERE lock_key = ?`, key)
	if err != nil {
		return s.wrap("advisory_unlock", err)
	}
	s.lockMu.Lock()
	delete(s.heldLocks, key)
	s.lockMu.Unlock()
	return nil
}

// releaseHeldLocks deletes this process's lock rows on shutdown. Failures
// are logged only; the lease reclaims whatever is left behind.
func (s *Store) releaseHeldLocks(ctx context.Context) {
	s.lockMu.Lock()
	keys := make([]string, 0, len(s.heldLocks))
	for k := range s.heldLocks {
		keys = append(keys, k)
	}
	s.heldLocks = make(map[string]bool)
	s.lockMu.Unlock()

	for _, key := range keys {
		if err := s.Exec(ctx, `DELETE FROM saga_locks WHERE lock_key = ?`, key); err != nil {
			s.logger.Warn("releasing advisory lock on disconnect failed",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// withConn leases a pooled connection for the duration of fn.
func (s *Store) withConn(ctx context.Context, op string, fn func(*sql.Conn) error) error {
	p := s.pool.Load()
	if p == nil {
		return backend.NewError(backend.ClassUnavailable, backend.KindRelational, op, nil)
	}
	lease, err := p.Lease(ctx)
	if err != nil {
		return s.wrap(op, err)
	}
	defer lease.Release(ctx)

	conn := lease.Conn().(*pooledConn).conn
	if err := fn(conn); err != nil {
		return s.wrap(op, err)
	}
	return nil
}

// execAffected runs a statement and returns its affected row count.
func (s *Store) execAffected(ctx context.Context, op, stmt string, args ...any) (int64, error) {
	var affected int64
	err := s.withConn(ctx, op, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// fail counts and packages an operation failure.
func (s *Store) fail(op string, err error) backend.CrudResult {
	s.errs.Add(1)
	if backend.Classify(err) == backend.ClassUnknown {
		err = s.wrap(op, err)
	}
	return backend.Fail(err)
}

// wrap tags a driver error with its class. Already-tagged errors pass
// through unchanged.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return err
	}
	return backend.NewError(classify(err), backend.KindRelational, op, err)
}

// classify maps a sqlite driver error onto the shared taxonomy. The modernc
// driver exposes no structured codes, so the mapping goes by message.
func classify(err error) backend.ErrorClass {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return backend.ClassTimeout
	case errors.Is(err, context.Canceled):
		return backend.ClassTimeout
	case errors.Is(err, sql.ErrConnDone):
		return backend.ClassConnectionLost
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		return backend.ClassConstraintViolation
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"):
		return backend.ClassDeadlock
	case strings.Contains(msg, "syntax error"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"):
		return backend.ClassSyntax
	case strings.Contains(msg, "unable to open"), strings.Contains(msg, "disk i/o"):
		return backend.ClassConnectionLost
	}
	return backend.ClassUnknown
}

// identRe is the shape of a safe SQL identifier.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// columnTypeRe allows plain type names with optional size, e.g.
// "TEXT", "INTEGER", "VARCHAR(64)", "TIMESTAMP WITH TIME ZONE".
var columnTypeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 ]*(\([0-9, ]+\))?$`)

func validColumnType(typ string) error {
	if !columnTypeRe.MatchString(typ) {
		return fmt.Errorf("invalid column type %q", typ)
	}
	return nil
}

// buildWhere renders a filter map as an AND-joined WHERE clause. A nil or
// empty filter matches every row.
func buildWhere(filter map[string]any) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	cols := sortedKeys(filter)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return "", nil, err
		}
		conds[i] = fmt.Sprintf(`"%s" = ?`, col)
		args[i] = bindValue(filter[col])
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// bindValue normalizes a payload value into something the driver can bind.
// Nested maps and slices become JSON text.
func bindValue(v any) any {
	switch v.(type) {
	case nil, string, []byte, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// sortedKeys gives deterministic column order for generated SQL.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scanRows converts a result set into generic row maps. Byte slices become
// strings; sqlite has no native distinction worth preserving here.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Pooled connection
// -----------------------------------------------------------------------------

// pooledConn adapts a dedicated *sql.Conn to the pool's contract.
type pooledConn struct {
	conn *sql.Conn
}

func (c *pooledConn) Validate(ctx context.Context) error {
	var one int
	return c.conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (c *pooledConn) Reset(ctx context.Context) error {
	_, err := c.conn.ExecContext(ctx, "ROLLBACK")
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "no transaction") {
		return nil
	}
	return err
}

func (c *pooledConn) Close() error {
	return c.conn.Close()
}
