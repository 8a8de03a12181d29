// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import "context"

// -----------------------------------------------------------------------------
// Descriptor
// -----------------------------------------------------------------------------

// Descriptor declares a backend to the manager. Immutable after manager
// construction; Settings is opaque to the coordinator and forwarded to the
// adapter untouched.
type Descriptor struct {
	// Kind is the storage family.
	Kind Kind

	// Implementation names the concrete store, e.g. "sqlite", "postgresql",
	// "weaviate", "badger", "gcs".
	Implementation string

	// Host and Port locate network-reachable stores. Empty for embedded ones.
	Host string
	Port int

	// CredentialsRef points at credentials held outside the coordinator
	// (environment variable name, secret path). Never the secret itself.
	CredentialsRef string

	// Settings carries implementation-specific configuration.
	Settings map[string]any

	// Enabled excludes the backend from startup and discovery when false.
	Enabled bool
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

// Stats is the optional counter set an adapter reports. Keys are adapter
// defined; common ones are "operations", "errors", "connects".
type Stats map[string]int64

// -----------------------------------------------------------------------------
// Adapter Contract
// -----------------------------------------------------------------------------

// Adapter is the lifecycle contract every storage adapter implements.
//
// Description:
//
//	Connect establishes the underlying connection; adapters distinguish
//	transient failures (retriable) from auth or config failures (permanent)
//	via the Error taxonomy. Disconnect is idempotent and never fatal.
//	Available must be cheap: it reflects the last known state and performs
//	no network round-trip. Ping is the probe counterpart and may do I/O.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Adapter interface {
	// Connect establishes the connection, leaving the adapter available
	// on success.
	Connect(ctx context.Context) error

	// Disconnect releases all resources. Idempotent; never fatal.
	Disconnect(ctx context.Context) error

	// Available reports the last known connection state without I/O.
	Available() bool

	// Ping performs a cheap liveness round-trip against the store.
	// Used by discovery probes, never on the operation hot path.
	Ping(ctx context.Context) error

	// Kind returns the storage family tag.
	Kind() Kind

	// Stats returns adapter counters. May return nil.
	Stats() Stats
}

// -----------------------------------------------------------------------------
// Per-Kind Operation Sets
// -----------------------------------------------------------------------------

// Relational is the adapter contract for SQL stores.
type Relational interface {
	Adapter

	// CreateTable creates a table from a column-name to column-type map.
	// Idempotent: an existing table with the same name is not an error.
	CreateTable(ctx context.Context, name string, schema map[string]string) CrudResult

	// Insert writes one record and returns its id in Data["id"].
	Insert(ctx context.Context, table string, record map[string]any) CrudResult

	// Update applies fields to the row with the given id.
	Update(ctx context.Context, table, id string, fields map[string]any) CrudResult

	// Select returns rows matching filter in Data["rows"]. Order and limit
	// are optional ("" and 0 disable them).
	Select(ctx context.Context, table string, filter map[string]any, order string, limit int) CrudResult

	// Delete removes rows matching filter; Data["deleted"] is the count.
	Delete(ctx context.Context, table string, filter map[string]any) CrudResult

	// Query runs raw SQL with ?-style placeholders and returns the rows.
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)

	// Exec runs raw SQL that returns no rows.
	Exec(ctx context.Context, sql string, args ...any) error
}

// Document is the adapter contract for document stores.
type Document interface {
	Adapter

	// CreateDocument stores doc, generating an id when id is empty.
	// The assigned id is returned in Data["id"].
	CreateDocument(ctx context.Context, doc map[string]any, id string) CrudResult

	// GetDocument returns the document in Data["document"].
	GetDocument(ctx context.Context, id string) CrudResult

	// UpdateDocument merges changes into the stored document.
	UpdateDocument(ctx context.Context, id string, changes map[string]any) CrudResult

	// DeleteDocument removes the document. Missing documents succeed.
	DeleteDocument(ctx context.Context, id string) CrudResult
}

// Vector is the adapter contract for embedding stores.
type Vector interface {
	Adapter

	// CreateCollection creates a named vector collection. Idempotent.
	CreateCollection(ctx context.Context, name string) CrudResult

	// Add stores vectors with parallel ids, metadata and source documents.
	// The slices must have equal length; adapters reject mismatches before
	// writing anything, so a failed Add leaves the collection unchanged.
	Add(ctx context.Context, collection string, ids []string, vectors [][]float32, metadatas []map[string]any, docs []string) CrudResult

	// Search returns the topK nearest entries in Data["matches"].
	Search(ctx context.Context, collection string, vector []float32, topK int) CrudResult

	// DeleteVectors removes entries by id list, or by metadata filter when
	// ids is empty. Missing ids succeed.
	DeleteVectors(ctx context.Context, collection string, ids []string, filter map[string]any) CrudResult
}

// Graph is the adapter contract for property-graph stores.
type Graph interface {
	Adapter

	// MergeNode upserts a node matched by matchProps under label and applies
	// setProps. The node id is returned in Data["node_id"].
	MergeNode(ctx context.Context, label string, matchProps, setProps map[string]any) CrudResult

	// CreateEdge links two nodes with a typed, property-carrying edge.
	CreateEdge(ctx context.Context, fromID, toID, edgeType string, props map[string]any) CrudResult

	// DeleteNode removes a node and its edges by internal id or by an
	// {id} property. Missing nodes succeed.
	DeleteNode(ctx context.Context, id string) CrudResult

	// GraphQuery runs an implementation-native query with parameters.
	GraphQuery(ctx context.Context, query string, params map[string]any) CrudResult
}

// AssetPut describes a blob to store: either inline bytes or a source path,
// never both.
type AssetPut struct {
	Data       []byte
	SourcePath string
	Metadata   map[string]any
}

// File is the adapter contract for file and blob stores.
type File interface {
	Adapter

	// StoreAsset persists the blob and returns Data["asset_id"],
	// Data["uri"] and Data["size"].
	StoreAsset(ctx context.Context, put AssetPut) CrudResult

	// DeleteAsset removes the blob. Missing assets succeed.
	DeleteAsset(ctx context.Context, assetID string) CrudResult

	// GetAsset returns the blob bytes in Data["data"] and its metadata.
	GetAsset(ctx context.Context, assetID string) CrudResult
}

// KeyValue is the adapter contract for key-value stores.
type KeyValue interface {
	Adapter

	// Put stores value under key.
	Put(ctx context.Context, key string, value []byte) CrudResult

	// Get returns the value in Data["value"].
	Get(ctx context.Context, key string) CrudResult

	// DeleteKey removes the key. Missing keys succeed.
	DeleteKey(ctx context.Context, key string) CrudResult
}

// -----------------------------------------------------------------------------
// Advisory Locking
// -----------------------------------------------------------------------------

// AdvisoryLocker is the optional capability relational adapters expose for
// cross-process serialization. Postgres maps this onto pg_try_advisory_lock;
// sqlite onto a locks table claimed inside an immediate transaction.
type AdvisoryLocker interface {
	// TryAdvisoryLock attempts to take the named lock without blocking.
	TryAdvisoryLock(ctx context.Context, key string) (bool, error)

	// AdvisoryUnlock releases the named lock. Unlocking a lock that is not
	// held is not an error.
	AdvisoryUnlock(ctx context.Context, key string) error
}
