// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package localfile provides the blob adapter on a local directory.
//
// Each asset is a pair of files under the root: the blob itself and a
// sidecar JSON file carrying its metadata. This is the file backend for
// single-node deployments; GCS covers the cloud case.
package localfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/AleutianAI/polystore/backend"
)

// Config configures the local directory adapter.
type Config struct {
	// Root is the asset directory. Created on Connect. Required.
	Root string

	// Logger for adapter events. Default: slog.Default().
	Logger *slog.Logger
}

// Store is the local-directory file adapter.
//
// Thread Safety: Safe for concurrent use. Distinct assets never collide;
// concurrent writes to the same asset id last-write-win, the same as a
// blob store.
type Store struct {
	cfg    Config
	logger *slog.Logger

	available atomic.Bool

	ops  atomic.Int64
	errs atomic.Int64
}

var _ backend.File = (*Store)(nil)

// New creates a disconnected local file adapter.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("adapter", "localfile")),
	}
}

// Connect creates the root directory.
func (s *Store) Connect(ctx context.Context) error {
	if s.cfg.Root == "" {
		return backend.NewError(backend.ClassUnknown, backend.KindFile, "connect",
			errors.New("root directory must not be empty"))
	}
	if err := os.MkdirAll(s.cfg.Root, 0750); err != nil {
		return backend.NewError(backend.ClassConnectionLost, backend.KindFile, "connect",
			fmt.Errorf("create asset root %s: %w", s.cfg.Root, err))
	}
	s.available.Store(true)
	s.logger.Info("local file store connected", slog.String("root", s.cfg.Root))
	return nil
}

// Disconnect flips availability. Idempotent; the directory stays.
func (s *Store) Disconnect(ctx context.Context) error {
	s.available.Store(false)
	return nil
}

// Available reports connection state without I/O.
func (s *Store) Available() bool {
	return s.available.Load()
}

// Ping verifies the root directory still exists.
func (s *Store) Ping(ctx context.Context) error {
	if !s.available.Load() {
		return backend.NewError(backend.ClassUnavailable, backend.KindFile, "ping", nil)
	}
	if _, err := os.Stat(s.cfg.Root); err != nil {
		return backend.NewError(backend.ClassConnectionLost, backend.KindFile, "ping", err)
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

// StoreAsset writes the blob and its metadata sidecar.
func (s *Store) StoreAsset(ctx context.Context, put backend.AssetPut) backend.CrudResult {
	if !s.available.Load() {
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
	blobPath := s.blobPath(assetID)

	var size int64
	if put.Data != nil {
		if err := os.WriteFile(blobPath, put.Data, 0640); err != nil {
			return s.fail("store_asset", err)
		}
		size = int64(len(put.Data))
	} else {
		n, err := copyFile(put.SourcePath, blobPath)
		if err != nil {
			return s.fail("store_asset", err)
		}
		size = n
	}

	if len(put.Metadata) > 0 {
		raw, err := json.Marshal(put.Metadata)
		if err != nil {
			_ = os.Remove(blobPath)
			return backend.Fail(backend.NewError(backend.ClassSyntax, backend.KindFile, "store_asset",
				fmt.Errorf("metadata is not serializable: %w", err)))
		}
		if err := os.WriteFile(s.metaPath(assetID), raw, 0640); err != nil {
			_ = os.Remove(blobPath)
			return s.fail("store_asset", err)
		}
	}

	s.ops.Add(1)
	return backend.OK(map[string]any{
		"asset_id": assetID,
		"uri":      "file://" + blobPath,
		"size":     size,
	})
}

// GetAsset returns the blob bytes and its metadata.
func (s *Store) GetAsset(ctx context.Context, assetID string) backend.CrudResult {
	if !s.available.Load() {
		return s.unavailable("get_asset")
	}
	if err := validAssetID(assetID); err != nil {
		return backend.Fail(backend.NewError(backend.ClassSyntax, backend.KindFile, "get_asset", err))
	}

	data, err := os.ReadFile(s.blobPath(assetID))
	if errors.Is(err, os.ErrNotExist) {
		return backend.Failf(backend.ClassUnknown, backend.KindFile, "get_asset",
			fmt.Sprintf("asset %q not found", assetID))
	}
	if err != nil {
		return s.fail("get_asset", err)
	}

	result := map[string]any{
		"asset_id": assetID,
		"data":     data,
		"size":     int64(len(data)),
	}
	if raw, err := os.ReadFile(s.metaPath(assetID)); err == nil {
		var meta map[string]any
		if err := json.Unmarshal(raw, &meta); err == nil {
			result["metadata"] = meta
		}
	}
	s.ops.Add(1)
	return backend.OK(result)
}

// DeleteAsset removes the blob and its sidecar. Missing assets succeed.
func (s *Store) DeleteAsset(ctx context.Context, assetID string) backend.CrudResult {
	if !s.available.Load() {
		return s.unavailable("delete_asset")
	}
	if err := validAssetID(assetID); err != nil {
		return backend.Fail(backend.NewError(backend.ClassSyntax, backend.KindFile, "delete_asset", err))
	}

	if err := os.Remove(s.blobPath(assetID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.fail("delete_asset", err)
	}
	if err := os.Remove(s.metaPath(assetID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.fail("delete_asset", err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"asset_id": assetID})
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (s *Store) blobPath(assetID string) string {
	return filepath.Join(s.cfg.Root, assetID)
}

func (s *Store) metaPath(assetID string) string {
	return filepath.Join(s.cfg.Root, assetID+".meta.json")
}

func (s *Store) unavailable(op string) backend.CrudResult {
	s.errs.Add(1)
	return backend.Fail(backend.NewError(backend.ClassUnavailable, backend.KindFile, op, nil))
}

func (s *Store) fail(op string, err error) backend.CrudResult {
	s.errs.Add(1)
	return backend.Fail(backend.NewError(backend.ClassUnknown, backend.KindFile, op, err))
}

// validAssetID keeps lookups inside the root directory.
func validAssetID(assetID string) error {
	if assetID == "" || assetID != filepath.Base(assetID) {
		return fmt.Errorf("invalid asset id %q", assetID)
	}
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
