// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/backend"
)

// The query paths need a live server and are covered by integration runs;
// these tests pin the pure pieces the adapter's correctness hangs on.

func TestRebind(t *testing.T) {
	assert.Equal(t,
		`SELECT * FROM t WHERE a = $1 AND b = $2`,
		rebind(`SELECT * FROM t WHERE a = ? AND b = ?`))
	assert.Equal(t,
		`SELECT '?' AS q, c FROM t WHERE c = $1`,
		rebind(`SELECT '?' AS q, c FROM t WHERE c = ?`))
	assert.Equal(t, `SELECT 1`, rebind(`SELECT 1`))
}

func TestClassifyPgErrorCodes(t *testing.T) {
	cases := map[string]backend.ErrorClass{
		"23505": backend.ClassConstraintViolation,
		"23503": backend.ClassConstraintViolation,
		"40P01": backend.ClassDeadlock,
		"42601": backend.ClassSyntax,
		"42P01": backend.ClassSyntax,
		"28P01": backend.ClassAuth,
		"08006": backend.ClassConnectionLost,
		"57014": backend.ClassTimeout,
		"57P01": backend.ClassUnavailable,
		"22003": backend.ClassUnknown,
	}
	for code, want := range cases {
		got := classify(&pgconn.PgError{Code: code})
		assert.Equal(t, want, got, code)
	}
}

func TestClassifyPlainErrors(t *testing.T) {
	assert.Equal(t, backend.ClassTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, backend.ClassConnectionLost, classify(errors.New("dial tcp: connection refused")))
	assert.Equal(t, backend.ClassAuth, classify(errors.New("failed SASL auth: password authentication failed")))
	assert.Equal(t, backend.ClassUnknown, classify(errors.New("something else")))
}

func TestBuildWhere(t *testing.T) {
	where, args, err := buildWhere(map[string]any{"status": "open", "case_id": "c-1"})
	require.NoError(t, err)
	assert.Equal(t, ` WHERE "case_id" = $1 AND "status" = $2`, where)
	assert.Equal(t, []any{"c-1", "open"}, args)

	where, args, err = buildWhere(nil)
	require.NoError(t, err)
	assert.Empty(t, where)
	assert.Empty(t, args)

	_, _, err = buildWhere(map[string]any{"bad col": 1})
	assert.Error(t, err)
}

func TestConnString(t *testing.T) {
	s := New(Config{Host: "db.internal", Port: 5433, User: "coord", Database: "polystore"})
	assert.Equal(t, "host=db.internal port=5433 user=coord dbname=polystore", s.connString())

	s = New(Config{Host: "localhost"})
	assert.Equal(t, "host=localhost port=5432", s.connString())
}

func TestUnavailableBeforeConnect(t *testing.T) {
	s := New(Config{Host: "localhost"})
	assert.False(t, s.Available())
	assert.Equal(t, backend.KindRelational, s.Kind())

	err := s.Ping(context.Background())
	assert.Equal(t, backend.ClassUnavailable, backend.Classify(err))

	res := s.Insert(context.Background(), "t", map[string]any{"x": 1})
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassUnavailable, res.Class())

	_, err = s.TryAdvisoryLock(context.Background(), "k")
	assert.Equal(t, backend.ClassUnavailable, backend.Classify(err))

	require.NoError(t, s.Disconnect(context.Background()))
}
