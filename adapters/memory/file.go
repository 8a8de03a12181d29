// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/polystore/backend"
)

// asset is one stored blob.
type asset struct {
	data     []byte
	metadata map[string]any
}

// FileStore is an in-memory blob adapter.
type FileStore struct {
	base
	mu     sync.RWMutex
	assets map[string]asset
}

var _ backend.File = (*FileStore)(nil)

// NewFileStore creates an empty file store.
func NewFileStore() *FileStore {
	f := &FileStore{assets: make(map[string]asset)}
	f.kind = backend.KindFile
	return f
}

// StoreAsset persists the blob from inline bytes or a source path.
func (f *FileStore) StoreAsset(ctx context.Context, put backend.AssetPut) backend.CrudResult {
	if r := f.gate("store_asset"); r != nil {
		return *r
	}
	data := put.Data
	if data == nil && put.SourcePath != "" {
		b, err := os.ReadFile(put.SourcePath)
		if err != nil {
			return backend.Fail(backend.NewError(backend.ClassUnknown, backend.KindFile, "store_asset",
				fmt.Errorf("read source %s: %w", put.SourcePath, err)))
		}
		data = b
	}
	if data == nil {
		return backend.Failf(backend.ClassSyntax, backend.KindFile, "store_asset",
			"either data or source_path is required")
	}

	id := uuid.NewString()
	f.mu.Lock()
	f.assets[id] = asset{data: data, metadata: cloneMap(put.Metadata)}
	f.mu.Unlock()
	return backend.OK(map[string]any{
		"asset_id": id,
		"uri":      "mem://" + id,
		"size":     int64(len(data)),
	})
}

// DeleteAsset removes the blob. Missing assets succeed.
func (f *FileStore) DeleteAsset(ctx context.Context, assetID string) backend.CrudResult {
	if r := f.gate("delete_asset"); r != nil {
		return *r
	}
	f.mu.Lock()
	delete(f.assets, assetID)
	f.mu.Unlock()
	return backend.OK(map[string]any{"asset_id": assetID})
}

// GetAsset returns the blob bytes and metadata.
func (f *FileStore) GetAsset(ctx context.Context, assetID string) backend.CrudResult {
	if r := f.gate("get_asset"); r != nil {
		return *r
	}
	f.mu.RLock()
	a, ok := f.assets[assetID]
	f.mu.RUnlock()
	if !ok {
		return backend.Failf(backend.ClassUnknown, backend.KindFile, "get_asset",
			fmt.Sprintf("asset %q not found", assetID))
	}
	return backend.OK(map[string]any{
		"asset_id": assetID,
		"data":     a.data,
		"metadata": cloneMap(a.metadata),
		"size":     int64(len(a.data)),
	})
}
