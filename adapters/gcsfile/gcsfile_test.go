// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gcsfile

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/backend"
)

// Blob paths need a live bucket and are covered by integration runs; these
// tests pin naming, metadata conversion, and error classification.

func TestObjectName(t *testing.T) {
	s := New(Config{Bucket: "b"})
	assert.Equal(t, "a-1", s.objectName("a-1"))

	s = New(Config{Bucket: "b", Prefix: "assets"})
	assert.Equal(t, "assets/a-1", s.objectName("a-1"))
}

func TestStringifyMetadata(t *testing.T) {
	assert.Nil(t, stringifyMetadata(nil))
	out := stringifyMetadata(map[string]any{"case_id": "c-1", "chunks": 3})
	assert.Equal(t, map[string]string{"case_id": "c-1", "chunks": "3"}, out)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, backend.ClassUnavailable, classify(storage.ErrBucketNotExist))
	assert.Equal(t, backend.ClassAuth,
		classify(errors.New("google: could not find default credentials")))
	assert.Equal(t, backend.ClassConnectionLost,
		classify(errors.New("dial tcp: connection refused")))
	assert.Equal(t, backend.ClassTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, backend.ClassUnknown, classify(errors.New("odd failure")))
}

func TestUnavailableBeforeConnect(t *testing.T) {
	s := New(Config{Bucket: "b"})
	assert.False(t, s.Available())
	assert.Equal(t, backend.KindFile, s.Kind())

	res := s.StoreAsset(context.Background(), backend.AssetPut{Data: []byte("x")})
	require.False(t, res.Success)
	assert.Equal(t, backend.ClassUnavailable, res.Class())

	require.NoError(t, s.Disconnect(context.Background()))
}

func TestConnectRequiresBucket(t *testing.T) {
	s := New(Config{})
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")
}
