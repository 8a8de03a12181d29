// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres provides the network relational adapter on pgx.
//
// pgx ships its own pool, so this adapter uses pgxpool directly instead of
// the coordinator's bounded pool. Advisory locks use the server-side
// pg_try_advisory_lock; the session holding the lock is pinned out of the
// pool until the lock is released, because postgres ties advisory locks to
// the session that took them.
package postgres

import (
	"context"
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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AleutianAI/polystore/backend"
)

// Config configures the postgres adapter.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// MinConnections and MaxConnections size the pgx pool.
	// Defaults: 5 and 50.
	MinConnections int
	MaxConnections int

	// ConnectTimeout bounds the initial dial. Default: 10s.
	ConnectTimeout time.Duration

	// Logger for adapter events. Default: slog.Default().
	Logger *slog.Logger
}

// Store is the postgres relational adapter.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	cfg    Config
	logger *slog.Logger

	pool atomic.Pointer[pgxpool.Pool]

	// lockMu guards the advisory lock sessions held out of the pool.
	lockMu sync.Mutex
	locks  map[string]*pgxpool.Conn

	ops      atomic.Int64
	errs     atomic.Int64
	connects atomic.Int64
}

var (
	_ backend.Relational     = (*Store)(nil)
	_ backend.AdvisoryLocker = (*Store)(nil)
)

// New creates a disconnected postgres adapter.
func New(cfg Config) *Store {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.MinConnections <= 0 {
		cfg.MinConnections = 5
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 50
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("adapter", "postgres")),
		locks:  make(map[string]*pgxpool.Conn),
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Connect dials the server and verifies the connection with a ping.
func (s *Store) Connect(ctx context.Context) error {
	if s.pool.Load() != nil {
		return nil
	}

	poolCfg, err := pgxpool.ParseConfig(s.connString())
	if err != nil {
		return backend.NewError(backend.ClassSyntax, backend.KindRelational, "connect", err)
	}
	poolCfg.MinConns = int32(s.cfg.MinConnections)
	poolCfg.MaxConns = int32(s.cfg.MaxConnections)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	p, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return s.wrap("connect", err)
	}
	if err := p.Ping(dialCtx); err != nil {
		p.Close()
		return s.wrap("connect", err)
	}

	s.pool.Store(p)
	s.connects.Add(1)
	s.logger.Info("postgres connected",
		slog.String("host", s.cfg.Host),
		slog.String("database", s.cfg.Database),
		slog.Int("max_connections", s.cfg.MaxConnections))
	return nil
}

// Disconnect releases held advisory lock sessions and closes the pool.
// Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	s.lockMu.Lock()
	for key, conn := range s.locks {
		conn.Release()
		delete(s.locks, key)
	}
	s.lockMu.Unlock()

	if p := s.pool.Swap(nil); p != nil {
		p.Close()
	}
	return nil
}

// Available reports connection state without I/O.
func (s *Store) Available() bool {
	return s.pool.Load() != nil
}

// Ping runs a round-trip against the server.
func (s *Store) Ping(ctx context.Context) error {
	p := s.pool.Load()
	if p == nil {
		return backend.NewError(backend.ClassUnavailable, backend.KindRelational, "ping", nil)
	}
	if err := p.Ping(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// Kind returns the relational family tag.
func (s *Store) Kind() backend.Kind {
	return backend.KindRelational
}

// Stats returns adapter counters, including the pgx pool's.
func (s *Store) Stats() backend.Stats {
	stats := backend.Stats{
		"operations": s.ops.Load(),
		"errors":     s.errs.Load(),
		"connects":   s.connects.Load(),
	}
	if p := s.pool.Load(); p != nil {
		st := p.Stat()
		stats["pool_active"] = int64(st.AcquiredConns())
		stats["pool_idle"] = int64(st.IdleConns())
		stats["pool_total"] = int64(st.TotalConns())
	}
	return stats
}

// connString renders the keyword/value form pgx parses; it tolerates empty
// optional fields better than a URL.
func (s *Store) connString() string {
	parts := []string{
		fmt.Sprintf("host=%s", s.cfg.Host),
		fmt.Sprintf("port=%d", s.cfg.Port),
	}
	if s.cfg.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", s.cfg.User))
	}
	if s.cfg.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", s.cfg.Password))
	}
	if s.cfg.Database != "" {
		parts = append(parts, fmt.Sprintf("dbname=%s", s.cfg.Database))
	}
	return strings.Join(parts, " ")
}

// -----------------------------------------------------------------------------
// Relational operations
// -----------------------------------------------------------------------------

// CreateTable creates a table from a column map. An id TEXT PRIMARY KEY
// column is added when the schema does not declare one.
func (s *Store) CreateTable(ctx context.Context, name string, schema map[string]string) backend.CrudResult {
	if err := validIdent(name); err != nil {
		return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "create_table", err))
	}

	cols := make([]string, 0, len(schema)+1)
	if _, ok := schema["id"]; !ok {
		cols = append(cols, `"id" TEXT PRIMARY KEY`)
	}
	for _, col := range sortedKeys(schema) {
		typ := schema[col]
		if err := validIdent(col); err != nil {
			return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "create_table", err))
		}
		if err := validColumnType(typ); err != nil {
			return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "create_table", err))
		}
		if col == "id" {
			cols = append(cols, fmt.Sprintf(`"id" %s PRIMARY KEY`, typ))
			continue
		}
		cols = append(cols, fmt.Sprintf(`"%s" %s`, col, typ))
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, name, strings.Join(cols, ", "))
	if err := s.Exec(ctx, stmt); err != nil {
		return s.fail(err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"table": name})
}

// Insert writes one record, generating an id when the record carries none.
func (s *Store) Insert(ctx context.Context, table string, record map[string]any) backend.CrudResult {
	if err := validIdent(table); err != nil {
		return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "insert", err))
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
			return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "insert", err))
		}
		quoted[i] = `"` + col + `"`
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = bindValue(row[col])
	}

	stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if err := s.Exec(ctx, stmt, args...); err != nil {
		return s.fail(err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"id": id})
}

// Update applies fields to the row with the given id.
func (s *Store) Update(ctx context.Context, table, id string, fields map[string]any) backend.CrudResult {
	if err := validIdent(table); err != nil {
		return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "update", err))
	}
	if len(fields) == 0 {
		return backend.OK(map[string]any{"id": id})
	}

	cols := sortedKeys(fields)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "update", err))
		}
		sets[i] = fmt.Sprintf(`"%s" = $%d`, col, i+1)
		args = append(args, bindValue(fields[col]))
	}
	args = append(args, id)

	stmt := fmt.Sprintf(`UPDATE "%s" SET %s WHERE "id" = $%d`, table, strings.Join(sets, ", "), len(args))
	affected, err := s.execAffected(ctx, stmt, args...)
	if err != nil {
		return s.fail(err)
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
		return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "select", err))
	}

	where, args, err := buildWhere(filter)
	if err != nil {
		return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "select", err))
	}
	stmt := fmt.Sprintf(`SELECT * FROM "%s"%s`, table, where)
	if order != "" {
		if err := validIdent(order); err != nil {
			return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "select", err))
		}
		stmt += fmt.Sprintf(` ORDER BY "%s"`, order)
	}
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.query(ctx, stmt, args...)
	if err != nil {
		return s.fail(err)
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
		return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "delete", err))
	}
	where, args, err := buildWhere(filter)
	if err != nil {
		return s.fail(backend.NewError(backend.ClassSyntax, backend.KindRelational, "delete", err))
	}

	stmt := fmt.Sprintf(`DELETE FROM "%s"%s`, table, where)
	affected, err := s.execAffected(ctx, stmt, args...)
	if err != nil {
		return s.fail(err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"deleted": int(affected)})
}

// Query runs raw SQL and returns the rows as maps. The shared ?-placeholder
// convention is rewritten to postgres $n numbering first.
func (s *Store) Query(ctx context.Context, stmt string, args ...any) ([]map[string]any, error) {
	return s.query(ctx, rebind(stmt), args...)
}

// Exec runs raw SQL that returns no rows, after placeholder rewriting.
func (s *Store) Exec(ctx context.Context, stmt string, args ...any) error {
	p := s.pool.Load()
	if p == nil {
		return backend.NewError(backend.ClassUnavailable, backend.KindRelational, "exec", nil)
	}
	if _, err := p.Exec(ctx, rebind(stmt), args...); err != nil {
		return s.wrap("exec", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Advisory locking
// -----------------------------------------------------------------------------

// TryAdvisoryLock takes a server-side advisory lock keyed by hashtext(key).
// The session is pinned until AdvisoryUnlock, because the lock dies with it.
func (s *Store) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	p := s.pool.Load()
	if p == nil {
		return false, backend.NewError(backend.ClassUnavailable, backend.KindRelational, "advisory_lock", nil)
	}

	s.lockMu.Lock()
	if _, held := s.locks[key]; held {
		s.lockMu.Unlock()
		return false, nil
	}
	s.lockMu.Unlock()

	conn, err := p.Acquire(ctx)
	if err != nil {
		return false, s.wrap("advisory_lock", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&got); err != nil {
		conn.Release()
		return false, s.wrap("advisory_lock", err)
	}
	if !got {
		conn.Release()
		return false, nil
	}

	s.lockMu.Lock()
	s.locks[key] = conn
	s.lockMu.Unlock()
	return true, nil
}

// AdvisoryUnlock releases the named lock and returns its session to the
// pool. Releasing an unheld lock is a no-op.
func (s *Store) AdvisoryUnlock(ctx context.Context, key string) error {
	s.lockMu.Lock()
	conn, held := s.locks[key]
	delete(s.locks, key)
	s.lockMu.Unlock()
	if !held {
		return nil
	}

	defer conn.Release()
	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key).Scan(&released); err != nil {
		return s.wrap("advisory_unlock", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (s *Store) query(ctx context.Context, stmt string, args ...any) ([]map[string]any, error) {
	p := s.pool.Load()
	if p == nil {
		return nil, backend.NewError(backend.ClassUnavailable, backend.KindRelational, "query", nil)
	}
	rows, err := p.Query(ctx, stmt, args...)
	if err != nil {
		return nil, s.wrap("query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, s.wrap("query", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[fd.Name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("query", err)
	}
	return out, nil
}

func (s *Store) execAffected(ctx context.Context, stmt string, args ...any) (int64, error) {
	p := s.pool.Load()
	if p == nil {
		return 0, backend.NewError(backend.ClassUnavailable, backend.KindRelational, "exec", nil)
	}
	tag, err := p.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, s.wrap("exec", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) fail(err error) backend.CrudResult {
	s.errs.Add(1)
	return backend.Fail(err)
}

// wrap tags a pgx error with its class. Already-tagged errors pass through.
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

// classify maps a postgres error onto the shared taxonomy using SQLSTATE
// class prefixes.
func classify(err error) backend.ErrorClass {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return backend.ClassTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40P01":
			return backend.ClassDeadlock
		case pgErr.Code == "57014": // query_canceled
			return backend.ClassTimeout
		case strings.HasPrefix(pgErr.Code, "23"): // integrity_constraint_violation
			return backend.ClassConstraintViolation
		case strings.HasPrefix(pgErr.Code, "28"): // invalid_authorization
			return backend.ClassAuth
		case strings.HasPrefix(pgErr.Code, "42"): // syntax_or_access_rule
			return backend.ClassSyntax
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return backend.ClassConnectionLost
		case strings.HasPrefix(pgErr.Code, "57"): // operator_intervention
			return backend.ClassUnavailable
		}
		return backend.ClassUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "closed pool"):
		return backend.ClassConnectionLost
	case strings.Contains(msg, "password authentication"):
		return backend.ClassAuth
	case strings.Contains(msg, "timeout"):
		return backend.ClassTimeout
	}
	return backend.ClassUnknown
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

var columnTypeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 ]*(\([0-9, ]+\))?$`)

func validColumnType(typ string) error {
	if !columnTypeRe.MatchString(typ) {
		return fmt.Errorf("invalid column type %q", typ)
	}
	return nil
}

// buildWhere renders a filter map as an AND-joined WHERE clause with $n
// placeholders.
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
		conds[i] = fmt.Sprintf(`"%s" = $%d`, col, i+1)
		args[i] = bindValue(filter[col])
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// bindValue normalizes a payload value for binding. Nested maps and slices
// become JSON text, which postgres accepts into text and jsonb columns.
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

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// rebind rewrites shared ?-placeholders to postgres $n numbering, skipping
// quoted literals.
func rebind(stmt string) string {
	var b strings.Builder
	b.Grow(len(stmt) + 8)
	n := 0
	inQuote := false
	for _, r := range stmt {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
