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
	"sync"

	"github.com/AleutianAI/polystore/backend"
)

// KVStore is an in-memory key-value adapter.
type KVStore struct {
	base
	mu   sync.RWMutex
	data map[string][]byte
}

var _ backend.KeyValue = (*KVStore)(nil)

// NewKVStore creates an empty key-value store.
func NewKVStore() *KVStore {
	kv := &KVStore{data: make(map[string][]byte)}
	kv.kind = backend.KindKeyValue
	return kv
}

// Put stores value under key.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) backend.CrudResult {
	if r := kv.gate("put"); r != nil {
		return *r
	}
	kv.mu.Lock()
	kv.data[key] = append([]byte(nil), value...)
	kv.mu.Unlock()
	return backend.OK(map[string]any{"key": key})
}

// Get returns the stored value.
func (kv *KVStore) Get(ctx context.Context, key string) backend.CrudResult {
	if r := kv.gate("get"); r != nil {
		return *r
	}
	kv.mu.RLock()
	v, ok := kv.data[key]
	kv.mu.RUnlock()
	if !ok {
		return backend.Failf(backend.ClassUnknown, backend.KindKeyValue, "get",
			fmt.Sprintf("key %q not found", key))
	}
	return backend.OK(map[string]any{"key": key, "value": append([]byte(nil), v...)})
}

// DeleteKey removes the key. Missing keys succeed.
func (kv *KVStore) DeleteKey(ctx context.Context, key string) backend.CrudResult {
	if r := kv.gate("delete"); r != nil {
		return *r
	}
	kv.mu.Lock()
	delete(kv.data, key)
	kv.mu.Unlock()
	return backend.OK(map[string]any{"key": key})
}
