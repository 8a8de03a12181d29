// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package discovery

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/polystore/backend"
	"github.com/AleutianAI/polystore/telemetry"
)

// -----------------------------------------------------------------------------
// Strategy types
// -----------------------------------------------------------------------------

// Strategy is the operating mode chosen from backend availability, ordered
// richest first.
type Strategy int

const (
	// StrategyFullPolyglot means all four primary stores are reachable.
	StrategyFullPolyglot Strategy = iota
	// StrategyTriDatabase means exactly one primary store is missing.
	StrategyTriDatabase
	// StrategyDualDatabase means two primary stores carry the load.
	StrategyDualDatabase
	// StrategyRelationalEnhanced means relational plus the file accelerator.
	StrategyRelationalEnhanced
	// StrategyRelationalMonolith is the floor; everything lands relational.
	StrategyRelationalMonolith
)

var strategyNames = map[Strategy]string{
	StrategyFullPolyglot:       "full_polyglot",
	StrategyTriDatabase:        "tri_database",
	StrategyDualDatabase:       "dual_database",
	StrategyRelationalEnhanced: "relational_enhanced",
	StrategyRelationalMonolith: "relational_monolith",
}

// String returns the snake_case strategy name.
func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return "unknown"
}

// rating returns the expected performance rating on the 1-10 scale.
func (s Strategy) rating() int {
	switch s {
	case StrategyFullPolyglot:
		return 10
	case StrategyTriDatabase:
		return 8
	case StrategyDualDatabase:
		return 6
	case StrategyRelationalEnhanced:
		return 7
	default:
		return 4
	}
}

// demote steps one tier down. The floor never demotes further.
func (s Strategy) demote() Strategy {
	if s >= StrategyRelationalMonolith {
		return StrategyRelationalMonolith
	}
	return s + 1
}

// Capability names, as assigned in role maps and referenced by
// compensation recipes.
const (
	CapStructuredRecords = "structured_records"
	CapDocuments         = "documents"
	CapEmbeddings        = "embeddings"
	CapRelationships     = "relationships"
	CapAssets            = "assets"
	CapCache             = "cache"
)

// Substitution recipe names. Recipes are names only; the distributor that
// routes operations decides how to execute them.
const (
	RecipeGraphOnRelational    = "relational_adjacency_recursive"
	RecipeVectorOnRelational   = "relational_vector_extension"
	RecipeDocumentOnRelational = "relational_json_column"
	RecipeEmbeddedRelational   = "embedded_relational_fallback"
)

// primaryCapability maps each primary kind to the capability it provides.
var primaryCapability = map[backend.Kind]string{
	backend.KindRelational: CapStructuredRecords,
	backend.KindDocument:   CapDocuments,
	backend.KindVector:     CapEmbeddings,
	backend.KindGraph:      CapRelationships,
}

// substitution maps a missing primary kind to its recipe.
var substitution = map[backend.Kind]string{
	backend.KindGraph:      RecipeGraphOnRelational,
	backend.KindVector:     RecipeVectorOnRelational,
	backend.KindDocument:   RecipeDocumentOnRelational,
	backend.KindRelational: RecipeEmbeddedRelational,
}

// Plan is the derived operating plan for one availability snapshot.
type Plan struct {
	Selected        Strategy                  `json:"selected"`
	RoleMap         map[backend.Kind][]string `json:"role_map"`
	CompensationMap map[string]string         `json:"compensation_map"`
	Rating          int                       `json:"expected_performance_rating"`
}

// -----------------------------------------------------------------------------
// Selection
// -----------------------------------------------------------------------------

// SelectStrategy derives the plan from a snapshot. The function is pure:
// the same snapshot always yields the same plan.
//
// Description:
//
//	The tier follows the count of reachable primary stores (relational,
//	document, vector, graph). File and key-value backends are accelerators
//	and never counted, but a reachable file store lifts a lone relational
//	store from relational_monolith to relational_enhanced. When the average
//	health score of the backends in the role map falls under 0.3, the plan
//	demotes one tier.
func SelectStrategy(av *Availability) Plan {
	primaries := av.ReachablePrimaries()
	fileUp := av.Reachable(backend.KindFile)

	var selected Strategy
	switch len(primaries) {
	case 4:
		selected = StrategyFullPolyglot
	case 3:
		selected = StrategyTriDatabase
	case 2:
		selected = StrategyDualDatabase
	case 1:
		if primaries[0] == backend.KindRelational && fileUp {
			selected = StrategyRelationalEnhanced
		} else {
			selected = StrategyRelationalMonolith
		}
	default:
		selected = StrategyRelationalMonolith
	}

	roleMap := buildRoleMap(av, primaries)
	if averageHealth(av, roleMap) < 0.3 {
		selected = selected.demote()
	}

	return Plan{
		Selected:        selected,
		RoleMap:         roleMap,
		CompensationMap: buildCompensationMap(primaries),
		Rating:          selected.rating(),
	}
}

// buildRoleMap assigns capabilities to reachable kinds. Capabilities of
// missing primaries fold onto relational when it is reachable; with no
// relational store every role stays unassigned and the compensation map
// alone describes the substitutions.
func buildRoleMap(av *Availability, primaries []backend.Kind) map[backend.Kind][]string {
	roles := make(map[backend.Kind][]string)
	for _, k := range primaries {
		roles[k] = append(roles[k], primaryCapability[k])
	}

	relUp := av.Reachable(backend.KindRelational)
	for _, k := range backend.PrimaryKinds() {
		if av.Reachable(k) || k == backend.KindRelational {
			continue
		}
		if relUp {
			roles[backend.KindRelational] = append(roles[backend.KindRelational], primaryCapability[k])
		}
	}

	if av.Reachable(backend.KindFile) {
		roles[backend.KindFile] = append(roles[backend.KindFile], CapAssets)
	}
	if av.Reachable(backend.KindKeyValue) {
		roles[backend.KindKeyValue] = append(roles[backend.KindKeyValue], CapCache)
	}
	return roles
}

// buildCompensationMap emits a recipe per missing primary capability.
func buildCompensationMap(primaries []backend.Kind) map[string]string {
	up := make(map[backend.Kind]bool, len(primaries))
	for _, k := range primaries {
		up[k] = true
	}
	comp := make(map[string]string)
	for _, k := range backend.PrimaryKinds() {
		if !up[k] {
			comp[primaryCapability[k]] = substitution[k]
		}
	}
	return comp
}

// averageHealth is the mean health score over the kinds in the role map.
func averageHealth(av *Availability, roles map[backend.Kind][]string) float64 {
	if len(roles) == 0 {
		return 1.0
	}
	var sum float64
	for k := range roles {
		sum += av.Backends[k].HealthScore
	}
	return sum / float64(len(roles))
}

// -----------------------------------------------------------------------------
// Coordinator
// -----------------------------------------------------------------------------

// Coordinator ties the prober and selector together. It recomputes the
// plan only when a fresh snapshot differs from the one the current plan
// was derived from.
//
// Thread Safety: Safe for concurrent use.
type Coordinator struct {
	prober  *Prober
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	lastSnap *Availability
	lastPlan *Plan
}

// NewCoordinator creates a coordinator over the prober.
func NewCoordinator(prober *Prober, logger *slog.Logger, metrics *telemetry.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		prober:  prober,
		logger:  logger.With(slog.String("component", "strategy")),
		metrics: metrics,
	}
}

// Prober exposes the underlying prober for forced refreshes.
func (c *Coordinator) Prober() *Prober { return c.prober }

// Plan returns the current strategy plan, probing as needed.
func (c *Coordinator) Plan(ctx context.Context) (Plan, error) {
	av, err := c.prober.Snapshot(ctx)
	if err != nil {
		return Plan{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastPlan != nil && av == c.lastSnap {
		return *c.lastPlan, nil
	}

	plan := SelectStrategy(av)
	c.lastSnap = av
	c.lastPlan = &plan

	c.logger.Info("strategy selected",
		slog.String("strategy", plan.Selected.String()),
		slog.Int("rating", plan.Rating),
		slog.Int("compensations", len(plan.CompensationMap)))
	if c.metrics != nil && c.metrics.StrategySelectionsTotal != nil {
		c.metrics.StrategySelectionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", plan.Selected.String())))
	}
	return plan, nil
}
