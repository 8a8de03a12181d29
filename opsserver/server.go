// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package opsserver exposes the coordinator's operational surface over
// HTTP: liveness, readiness, prometheus metrics, the current strategy
// plan, backend status, and saga inspection.
//
// The surface is for operators, not applications; data-plane traffic
// goes through the library API.
package opsserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/polystore"
)

// Server serves the ops endpoints for one coordinator.
type Server struct {
	coord  *polystore.Coordinator
	router *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

// New builds the server and its routes.
func New(coord *polystore.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		coord:  coord,
		router: gin.New(),
		logger: logger.With(slog.String("component", "opsserver")),
	}
	s.routes()
	return s
}

// Router returns the gin engine, for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves on the given address until Shutdown.
func (s *Server) Start(listen string) error {
	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("ops server listening", slog.String("addr", listen))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Use(gin.Recovery())

	s.router.GET("/healthz", s.healthz)
	s.router.GET("/readyz", s.readyz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	v1.GET("/strategy", s.strategy)
	v1.GET("/backends", s.backends)
	v1.GET("/sagas/:id", s.getSaga)
	v1.POST("/sagas/:id/resume", s.resumeSaga)
}

// healthz reports process liveness only.
func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz reports whether the coordinator is started and at least one
// backend is healthy.
func (s *Server) readyz(c *gin.Context) {
	if s.coord.Facade() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	for _, status := range s.coord.Manager().Statuses() {
		if status.String() == "healthy" {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no healthy backends"})
}

// strategy returns the current plan, with the role map keyed by backend
// name for JSON friendliness.
func (s *Server) strategy(c *gin.Context) {
	plan, err := s.coord.Plan(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	roles := make(map[string][]string, len(plan.RoleMap))
	for kind, caps := range plan.RoleMap {
		roles[kind.String()] = caps
	}
	c.JSON(http.StatusOK, gin.H{
		"strategy":                    plan.Selected.String(),
		"expected_performance_rating": plan.Rating,
		"role_map":                    roles,
		"compensation_map":            plan.CompensationMap,
	})
}

// backends returns per-backend status and adapter counters.
func (s *Server) backends(c *gin.Context) {
	statuses := s.coord.Manager().Statuses()
	out := make(map[string]gin.H, len(statuses))
	for kind, status := range statuses {
		entry := gin.H{"status": status.String()}
		if adapter, ok := s.coord.Manager().Healthy(kind); ok {
			if stats := adapter.Stats(); stats != nil {
				entry["stats"] = stats
			}
		}
		out[kind.String()] = entry
	}
	c.JSON(http.StatusOK, out)
}

// getSaga returns one saga and its event log.
func (s *Server) getSaga(c *gin.Context) {
	store := s.coord.SagaStore()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": polystore.ErrNotStarted.Error()})
		return
	}
	sagaID := c.Param("id")

	sg, err := store.GetSaga(c.Request.Context(), sagaID)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	events, err := store.Events(c.Request.Context(), sagaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saga": sg, "events": events})
}

// resumeSaga re-drives a non-terminal saga from its first incomplete step.
func (s *Server) resumeSaga(c *gin.Context) {
	sagas := s.coord.Sagas()
	if sagas == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": polystore.ErrNotStarted.Error()})
		return
	}

	result, err := sagas.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
