// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcsfile provides the blob adapter on Google Cloud Storage.
//
// Assets are objects under an optional prefix; the asset id is the object
// name minus the prefix. Metadata rides on the object's native metadata
// map, stringified, because GCS metadata values are strings.
package gcsfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/AleutianAI/polystore/backend"
)

// Config configures the GCS adapter.
type Config struct {
	// Bucket is the target bucket name. Required.
	Bucket string

	// Prefix namespaces every object, e.g. "assets/". Optional.
	Prefix string

	// CredentialsFile is a service account key path. When empty, the
	// client uses application default credentials.
	CredentialsFile string

	// Logger for adapter events. Default: slog.Default().
	Logger *slog.Logger
}

// Store is the GCS file adapter.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	cfg    Config
	logger *slog.Logger

	client atomic.Pointer[storage.Client]

	ops  atomic.Int64
	errs atomic.Int64
}

var _ backend.File = (*Store)(nil)

// New creates a disconnected GCS adapter.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("adapter", "gcs")),
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Connect builds the client and verifies the bucket is reachable.
func (s *Store) Connect(ctx context.Context) error {
	if s.client.Load() != nil {
		return nil
	}
	if s.cfg.Bucket == "" {
		return backend.NewError(backend.ClassUnknown, backend.KindFile, "connect",
			errors.New("bucket must not be empty"))
	}

	var opts []option.ClientOption
	if s.cfg.CredentialsFile != "" {
		if _, err := os.Stat(s.cfg.CredentialsFile); err != nil {
			return backend.NewError(backend.ClassAuth, backend.KindFile, "connect",
				fmt.Errorf("service account key not found at %s: %w", s.cfg.CredentialsFile, err))
		}
		opts = append(opts, option.WithCredentialsFile(s.cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return s.wrap("connect", err)
	}
	if _, err := client.Bucket(s.cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return s.wrap("connect", err)
	}

	s.client.Store(client)
	s.logger.Info("gcs connected", slog.String("bucket", s.cfg.Bucket))
	return nil
}

// Disconnect closes the client. Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	if client := s.client.Swap(nil); client != nil {
		_ = client.Close()
	}
	return nil
}

// Available reports connection state without I/O.
func (s *Store) Available() bool {
	return s.client.Load() != nil
}

// Ping verifies the bucket is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	client := s.client.Load()
	if client == nil {
		return backend.NewError(backend.ClassUnavailable, backend.KindFile, "ping", nil)
	}
	if _, err := client.Bucket(s.cfg.Bucket).Attrs(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// Kind returns the file family tag.
func (s *Store) Kind() backend.Kind {
	return backend.KindFile
}

// Stats returns adapter counters.
func (s *Store) Stats() backend.Stats {
	return backend.Stats{
		"operations": s.ops.Load(),
		"errors":     s.errs.Load(),
	}
}

// -----------------------------------------------------------------------------
// File operations
// -----------------------------------------------------------------------------

// StoreAsset persists the blob as an object and returns its id, uri and
// size.
func (s *Store) StoreAsset(ctx context.Context, put backend.AssetPut) backend.CrudResult {
	client := s.client.Load()
	if client == nil {
		return s.unavailable("store_asset")
	}
	if put.Data != nil && put.SourcePath != "" {
		return backend.Failf(backend.ClassSyntax, backend.KindFile, "store_asset",
			"inline data and a source path are mutually exclusive")
	}
	if put.Data == nil && put.SourcePath == "" {
		return backend.Failf(backend.ClassSyntax, backend.KindFile, "store_asset",
			"either inline data or a source path is required")
	}

	assetID := uuid.NewString()
	obj := client.Bucket(s.cfg.Bucket).Object(s.objectName(assetID))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = stringifyMetadata(put.Metadata)

	var size int64
	if put.Data != nil {
		n, err := writer.Write(put.Data)
		if err != nil {
			_ = writer.Close()
			return s.fail("store_asset", err)
		}
		size = int64(n)
	} else {
		src, err := os.Open(put.SourcePath)
		if err != nil {
			_ = writer.Close()
			return backend.Fail(backend.NewError(backend.ClassUnknown, backend.KindFile, "store_asset",
				fmt.Errorf("open source %s: %w", put.SourcePath, err)))
		}
		size, err = io.Copy(writer, src)
		_ = src.Close()
		if err != nil {
			_ = writer.Close()
			return s.fail("store_asset", err)
		}
	}
	if err := writer.Close(); err != nil {
		return s.fail("store_asset", err)
	}

	s.ops.Add(1)
	return backend.OK(map[string]any{
		"asset_id": assetID,
		"uri":      fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, s.objectName(assetID)),
		"size":     size,
	})
}

// GetAsset returns the blob bytes and its metadata.
func (s *Store) GetAsset(ctx context.Context, assetID string) backend.CrudResult {
	client := s.client.Load()
	if client == nil {
		return s.unavailable("get_asset")
	}

	obj := client.Bucket(s.cfg.Bucket).Object(s.objectName(assetID))
	reader, err := obj.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return backend.Failf(backend.ClassUnknown, backend.KindFile, "get_asset",
			fmt.Sprintf("asset %q not found", assetID))
	}
	if err != nil {
		return s.fail("get_asset", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return s.fail("get_asset", err)
	}

	result := map[string]any{
		"asset_id": assetID,
		"data":     data,
		"size":     int64(len(data)),
	}
	if attrs, err := obj.Attrs(ctx); err == nil && len(attrs.Metadata) > 0 {
		meta := make(map[string]any, len(attrs.Metadata))
		for k, v := range attrs.Metadata {
			meta[k] = v
		}
		result["metadata"] = meta
	}
	s.ops.Add(1)
	return backend.OK(result)
}

// DeleteAsset removes the blob. Missing assets succeed.
func (s *Store) DeleteAsset(ctx context.Context, assetID string) backend.CrudResult {
	client := s.client.Load()
	if client == nil {
		return s.unavailable("delete_asset")
	}

	err := client.Bucket(s.cfg.Bucket).Object(s.objectName(assetID)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return s.fail("delete_asset", err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"asset_id": assetID})
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (s *Store) objectName(assetID string) string {
	if s.cfg.Prefix == "" {
		return assetID
	}
	return path.Join(s.cfg.Prefix, assetID)
}

func (s *Store) unavailable(op string) backend.CrudResult {
	s.errs.Add(1)
	return backend.Fail(backend.NewError(backend.ClassUnavailable, backend.KindFile, op, nil))
}

func (s *Store) fail(op string, err error) backend.CrudResult {
	s.errs.Add(1)
	return backend.Fail(s.wrap(op, err))
}

// wrap tags a client error with its class.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return err
	}
	return backend.NewError(classify(err), backend.KindFile, op, err)
}

// classify maps a GCS client error onto the shared taxonomy.
func classify(err error) backend.ErrorClass {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return backend.ClassTimeout
	case errors.Is(err, storage.ErrBucketNotExist):
		return backend.ClassUnavailable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "could not find default credentials"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "forbidden"):
		return backend.ClassAuth
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"):
		return backend.ClassConnectionLost
	case strings.Contains(msg, "timeout"):
		return backend.ClassTimeout
	}
	return backend.ClassUnknown
}

// stringifyMetadata renders metadata values as strings, which is all the
// object metadata map can carry.
func stringifyMetadata(meta map[string]any) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = fmt.Sprint(v)
	}
	return out
}
