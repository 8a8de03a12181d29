// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviatevec provides the vector adapter on Weaviate.
//
// Collections map onto Weaviate classes with vectorizer "none"; the caller
// always supplies embeddings. External ids are free-form strings, so each
// entry gets a deterministic v5 UUID derived from collection and id, with
// the external id kept as a property. Scalar metadata keys are flattened
// into meta_-prefixed properties so delete-by-filter can use a native
// where clause; the full metadata map travels alongside as JSON for
// lossless read-back.
package weaviatevec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/polystore/backend"
)

// Config configures the weaviate adapter.
type Config struct {
	// Host is the host:port-less hostname; Port completes it.
	Host string
	Port int

	// Scheme is "http" or "https". Default: "http".
	Scheme string

	// APIKey enables bearer authentication when set.
	APIKey string

	// Logger for adapter events. Default: slog.Default().
	Logger *slog.Logger
}

// Store is the Weaviate vector adapter.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	cfg    Config
	logger *slog.Logger

	client atomic.Pointer[weaviate.Client]

	ops  atomic.Int64
	errs atomic.Int64
}

var _ backend.Vector = (*Store)(nil)

// New creates a disconnected weaviate adapter.
func New(cfg Config) *Store {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("adapter", "weaviate")),
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Connect builds the client and verifies liveness.
func (s *Store) Connect(ctx context.Context) error {
	if s.client.Load() != nil {
		return nil
	}

	cfg := weaviate.Config{
		Host:   fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Scheme: s.cfg.Scheme,
	}
	if s.cfg.APIKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + s.cfg.APIKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return backend.NewError(backend.ClassUnknown, backend.KindVector, "connect", err)
	}

	live, err := client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return s.wrap("connect", err)
	}
	if !live {
		return backend.NewError(backend.ClassUnavailable, backend.KindVector, "connect",
			errors.New("weaviate liveness check returned false"))
	}

	s.client.Store(client)
	s.logger.Info("weaviate connected",
		slog.String("host", cfg.Host),
		slog.String("scheme", cfg.Scheme))
	return nil
}

// Disconnect drops the client. Weaviate's client is stateless HTTP, so
// there is nothing to tear down. Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	s.client.Store(nil)
	return nil
}

// Available reports connection state without I/O.
func (s *Store) Available() bool {
	return s.client.Load() != nil
}

// Ping runs the liveness check.
func (s *Store) Ping(ctx context.Context) error {
	client := s.client.Load()
	if client == nil {
		return backend.NewError(backend.ClassUnavailable, backend.KindVector, "ping", nil)
	}
	live, err := client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return s.wrap("ping", err)
	}
	if !live {
		return backend.NewError(backend.ClassUnavailable, backend.KindVector, "ping",
			errors.New("weaviate liveness check returned false"))
	}
	return nil
}

// Kind returns the vector family tag.
func (s *Store) Kind() backend.Kind {
	return backend.KindVector
}

// Stats returns adapter counters.
func (s *Store) Stats() backend.Stats {
	return backend.Stats{
		"operations": s.ops.Load(),
		"errors":     s.errs.Load(),
	}
}

// -----------------------------------------------------------------------------
// Vector operations
// -----------------------------------------------------------------------------

// CreateCollection creates a class with vectorizer "none". Idempotent.
func (s *Store) CreateCollection(ctx context.Context, name string) backend.CrudResult {
	client := s.client.Load()
	if client == nil {
		return s.unavailable("create_collection")
	}
	class := className(name)
	err := client.Schema().ClassCreator().WithClass(&models.Class{
		Class:      class,
		Vectorizer: "none",
	}).Do(ctx)
	if err != nil && !alreadyExists(err) {
		return s.fail("create_collection", err)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"collection": name})
}

// Add stores vectors with parallel ids, metadata and source documents.
// Length mismatches are rejected before anything is written.
func (s *Store) Add(ctx context.Context, collection string, ids []string, vectors [][]float32, metadatas []map[string]any, docs []string) backend.CrudResult {
	client := s.client.Load()
	if client == nil {
		return s.unavailable("add")
	}
	if len(ids) != len(vectors) ||
		(metadatas != nil && len(metadatas) != len(ids)) ||
		(docs != nil && len(docs) != len(ids)) {
		return backend.Failf(backend.ClassSyntax, backend.KindVector, "add",
			"ids, vectors, metadatas and docs must have equal length")
	}
	if len(ids) == 0 {
		return backend.OK(map[string]any{"count": 0})
	}

	class := className(collection)
	objects := make([]*models.Object, len(ids))
	for i, id := range ids {
		props := map[string]any{"external_id": id}
		if docs != nil {
			props["content"] = docs[i]
		}
		if metadatas != nil && metadatas[i] != nil {
			raw, err := json.Marshal(metadatas[i])
			if err != nil {
				return backend.Fail(backend.NewError(backend.ClassSyntax, backend.KindVector, "add",
					fmt.Errorf("metadata for %q is not serializable: %w", id, err)))
			}
			props["metadata"] = string(raw)
			for k, v := range metadatas[i] {
				if scalar(v) {
					props["meta_"+k] = fmt.Sprint(v)
				}
			}
		}
		objects[i] = &models.Object{
			Class:      class,
			ID:         entryID(collection, id),
			Vector:     vectors[i],
			Properties: props,
		}
	}

	resp, err := client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return s.fail("add", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			s.errs.Add(1)
			return backend.Failf(backend.ClassUnknown, backend.KindVector, "add",
				r.Result.Errors.Error[0].Message)
		}
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"count": len(ids)})
}

// Search returns the topK nearest entries in Data["matches"].
func (s *Store) Search(ctx context.Context, collection string, vector []float32, topK int) backend.CrudResult {
	client := s.client.Load()
	if client == nil {
		return s.unavailable("search")
	}
	if topK <= 0 {
		topK = 10
	}
	class := className(collection)

	nearVector := client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	fields := []graphql.Field{
		{Name: "external_id"},
		{Name: "content"},
		{Name: "metadata"},
		{Name: "_additional { distance }"},
	}

	result, err := client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return s.fail("search", err)
	}
	if len(result.Errors) > 0 {
		s.errs.Add(1)
		return backend.Failf(backend.ClassSyntax, backend.KindVector, "search",
			result.Errors[0].Message)
	}

	matches := parseMatches(result, class)
	s.ops.Add(1)
	return backend.OK(map[string]any{"matches": matches})
}

// DeleteVectors removes entries by id list, or by metadata filter when ids
// is empty. Missing ids succeed.
func (s *Store) DeleteVectors(ctx context.Context, collection string, ids []string, filter map[string]any) backend.CrudResult {
	client := s.client.Load()
	if client == nil {
		return s.unavailable("delete_vectors")
	}
	class := className(collection)

	if len(ids) > 0 {
		deleted := 0
		for _, id := range ids {
			err := client.Data().Deleter().
				WithClassName(class).
				WithID(string(entryID(collection, id))).
				Do(ctx)
			if err != nil && !notFound(err) {
				return s.fail("delete_vectors", err)
			}
			if err == nil {
				deleted++
			}
		}
		s.ops.Add(1)
		return backend.OK(map[string]any{"deleted": deleted})
	}

	if len(filter) == 0 {
		return backend.Failf(backend.ClassSyntax, backend.KindVector, "delete_vectors",
			"either ids or a metadata filter is required")
	}

	operands := make([]*filters.WhereBuilder, 0, len(filter))
	for k, v := range filter {
		operands = append(operands, filters.Where().
			WithPath([]string{"meta_" + k}).
			WithOperator(filters.Equal).
			WithValueText(fmt.Sprint(v)))
	}
	where := operands[0]
	if len(operands) > 1 {
		where = filters.Where().WithOperator(filters.And).WithOperands(operands)
	}

	resp, err := client.Batch().ObjectsBatchDeleter().
		WithClassName(class).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return s.fail("delete_vectors", err)
	}
	deleted := 0
	if resp != nil && resp.Results != nil {
		deleted = int(resp.Results.Successful)
	}
	s.ops.Add(1)
	return backend.OK(map[string]any{"deleted": deleted})
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (s *Store) unavailable(op string) backend.CrudResult {
	s.errs.Add(1)
	return backend.Fail(backend.NewError(backend.ClassUnavailable, backend.KindVector, op, nil))
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
	return backend.NewError(classify(err), backend.KindVector, op, err)
}

// classify maps a weaviate client error onto the shared taxonomy.
func classify(err error) backend.ErrorClass {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return backend.ClassTimeout
	}
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) {
		switch {
		case clientErr.StatusCode == 401 || clientErr.StatusCode == 403:
			return backend.ClassAuth
		case clientErr.StatusCode == 422:
			return backend.ClassSyntax
		case clientErr.StatusCode >= 500:
			return backend.ClassUnavailable
		case clientErr.StatusCode == 0:
			return backend.ClassConnectionLost
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return backend.ClassConnectionLost
	case strings.Contains(msg, "timeout"):
		return backend.ClassTimeout
	}
	return backend.ClassUnknown
}

// alreadyExists reports whether a class creation failed only because the
// class is present.
func alreadyExists(err error) bool {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) && clientErr.StatusCode == 422 {
		return strings.Contains(strings.ToLower(clientErr.Error()), "already exists")
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// notFound reports whether a delete failed only because the object is gone.
func notFound(err error) bool {
	var clientErr *fault.WeaviateClientError
	return errors.As(err, &clientErr) && clientErr.StatusCode == 404
}

// scalar reports whether a metadata value can be flattened into a
// meta_-prefixed text property for delete-by-filter.
func scalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// className maps a collection name onto a GraphQL-safe Weaviate class name.
// Weaviate requires a leading capital.
func className(collection string) string {
	if collection == "" {
		return "Default"
	}
	return strings.ToUpper(collection[:1]) + collection[1:]
}

// entryID derives the stable Weaviate UUID for an external id.
func entryID(collection, id string) strfmt.UUID {
	u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(collection+"/"+id))
	return strfmt.UUID(u.String())
}

// parseMatches converts a GraphQL response into the shared match shape.
func parseMatches(result *models.GraphQLResponse, class string) []any {
	data, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return []any{}
	}
	objects, ok := data[class].([]any)
	if !ok {
		return []any{}
	}

	matches := make([]any, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		match := map[string]any{
			"id":       stringProp(m, "external_id"),
			"document": stringProp(m, "content"),
		}
		if raw := stringProp(m, "metadata"); raw != "" {
			var meta map[string]any
			if err := json.Unmarshal([]byte(raw), &meta); err == nil {
				match["metadata"] = meta
			}
		}
		if additional, ok := m["_additional"].(map[string]any); ok {
			if d, ok := additional["distance"].(float64); ok {
				match["score"] = 1 - d
			}
		}
		matches = append(matches, match)
	}
	return matches
}

func stringProp(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
