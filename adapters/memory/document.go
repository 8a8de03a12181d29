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

	"github.com/google/uuid"

	"github.com/AleutianAI/polystore/backend"
)

// DocumentStore is an in-memory document adapter.
type DocumentStore struct {
	base
	mu   sync.RWMutex
	docs map[string]map[string]any
}

var _ backend.Document = (*DocumentStore)(nil)

// NewDocumentStore creates an empty document store.
func NewDocumentStore() *DocumentStore {
	d := &DocumentStore{docs: make(map[string]map[string]any)}
	d.kind = backend.KindDocument
	return d
}

// CreateDocument stores doc under id, generating a UUID when id is empty.
func (d *DocumentStore) CreateDocument(ctx context.Context, doc map[string]any, id string) backend.CrudResult {
	if r := d.gate("create_document"); r != nil {
		return *r
	}
	if id == "" {
		id = uuid.NewString()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.docs[id]; exists {
		d.errs.Add(1)
		return backend.Fail(backend.NewError(backend.ClassConstraintViolation, backend.KindDocument,
			"create_document", fmt.Errorf("document %q already exists", id)))
	}
	d.docs[id] = cloneMap(doc)
	return backend.OK(map[string]any{"id": id})
}

// GetDocument returns the stored document.
func (d *DocumentStore) GetDocument(ctx context.Context, id string) backend.CrudResult {
	if r := d.gate("get_document"); r != nil {
		return *r
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.docs[id]
	if !ok {
		return backend.Failf(backend.ClassUnknown, backend.KindDocument, "get_document",
			fmt.Sprintf("document %q not found", id))
	}
	return backend.OK(map[string]any{"id": id, "document": cloneMap(doc)})
}

// UpdateDocument merges changes into the stored document.
func (d *DocumentStore) UpdateDocument(ctx context.Context, id string, changes map[string]any) backend.CrudResult {
	if r := d.gate("update_document"); r != nil {
		return *r
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[id]
	if !ok {
		return backend.Failf(backend.ClassUnknown, backend.KindDocument, "update_document",
			fmt.Sprintf("document %q not found", id))
	}
	for k, v := range changes {
		doc[k] = v
	}
	return backend.OK(map[string]any{"id": id})
}

// DeleteDocument removes the document. Missing documents succeed.
func (d *DocumentStore) DeleteDocument(ctx context.Context, id string) backend.CrudResult {
	if r := d.gate("delete_document"); r != nil {
		return *r
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.docs, id)
	return backend.OK(map[string]any{"id": id})
}

// Len returns the number of stored documents. Test helper.
func (d *DocumentStore) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}
