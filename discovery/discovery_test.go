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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/polystore/adapters/memory"
	"github.com/AleutianAI/polystore/backend"
)

// fakeRegistry serves adapters to the prober without a full manager.
type fakeRegistry struct {
	adapters map[backend.Kind]backend.Adapter
}

func (f *fakeRegistry) Kinds() []backend.Kind {
	var kinds []backend.Kind
	for _, k := range backend.AllKinds() {
		if _, ok := f.adapters[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func (f *fakeRegistry) Healthy(kind backend.Kind) (backend.Adapter, bool) {
	a, ok := f.adapters[kind]
	return a, ok
}

// registryWith builds a registry with connected adapters for the given
// kinds plus, optionally, disconnected ones that probe unreachable.
func registryWith(t *testing.T, connected []backend.Kind, dead []backend.Kind) *fakeRegistry {
	t.Helper()
	reg := &fakeRegistry{adapters: make(map[backend.Kind]backend.Adapter)}
	build := func(k backend.Kind) backend.Adapter {
		switch k {
		case backend.KindRelational:
			return memory.NewRelationalStore()
		case backend.KindDocument:
			return memory.NewDocumentStore()
		case backend.KindVector:
			return memory.NewVectorStore()
		case backend.KindGraph:
			return memory.NewGraphStore()
		case backend.KindFile:
			return memory.NewFileStore()
		default:
			return memory.NewKVStore()
		}
	}
	for _, k := range connected {
		a := build(k)
		require.NoError(t, a.Connect(context.Background()))
		reg.adapters[k] = a
	}
	for _, k := range dead {
		reg.adapters[k] = build(k)
	}
	return reg
}

// avail builds a snapshot literal for selector tests.
func avail(scores map[backend.Kind]float64) *Availability {
	av := &Availability{ProbedAt: time.Now(), Backends: make(map[backend.Kind]Health)}
	for k, s := range scores {
		av.Backends[k] = Health{Reachable: true, HealthScore: s, LastProbedAt: av.ProbedAt}
	}
	return av
}

func TestHealthScoreClamped(t *testing.T) {
	assert.Equal(t, 1.0, healthScore(0))
	assert.Equal(t, 1.0, healthScore(500*time.Microsecond))
	assert.Equal(t, 1.0, healthScore(time.Millisecond))
	assert.InDelta(t, 0.5, healthScore(2*time.Second), 0.001)
	assert.InDelta(t, 0.1, healthScore(10*time.Second), 0.001)
}

func TestSnapshotCachedWithinTTL(t *testing.T) {
	reg := registryWith(t, []backend.Kind{backend.KindRelational, backend.KindDocument}, nil)
	now := time.Now()
	p := NewProber(reg, WithCacheTTL(time.Minute), withClock(func() time.Time { return now }))

	first, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	second, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)

	now = now.Add(2 * time.Minute)
	third, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestProbeMarksDisconnectedUnreachable(t *testing.T) {
	reg := registryWith(t,
		[]backend.Kind{backend.KindRelational},
		[]backend.Kind{backend.KindGraph})
	p := NewProber(reg)

	av, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, av.Reachable(backend.KindRelational))
	assert.False(t, av.Reachable(backend.KindGraph))
	assert.Zero(t, av.Backends[backend.KindGraph].HealthScore)
	assert.Equal(t, []backend.Kind{backend.KindRelational}, av.ReachablePrimaries())
}

func TestSelectFullPolyglot(t *testing.T) {
	av := avail(map[backend.Kind]float64{
		backend.KindRelational: 1, backend.KindDocument: 1,
		backend.KindVector: 1, backend.KindGraph: 1,
		backend.KindFile: 1, backend.KindKeyValue: 1,
	})
	plan := SelectStrategy(av)
	assert.Equal(t, StrategyFullPolyglot, plan.Selected)
	assert.Equal(t, 10, plan.Rating)
	assert.Empty(t, plan.CompensationMap)
	assert.Equal(t, []string{CapStructuredRecords}, plan.RoleMap[backend.KindRelational])
	assert.Equal(t, []string{CapAssets}, plan.RoleMap[backend.KindFile])
	assert.Equal(t, []string{CapCache}, plan.RoleMap[backend.KindKeyValue])
}

func TestSelectTriDatabaseEmitsRecipeForMissingKind(t *testing.T) {
	av := avail(map[backend.Kind]float64{
		backend.KindRelational: 1, backend.KindDocument: 1, backend.KindVector: 1,
	})
	plan := SelectStrategy(av)
	assert.Equal(t, StrategyTriDatabase, plan.Selected)
	assert.Equal(t, map[string]string{CapRelationships: RecipeGraphOnRelational}, plan.CompensationMap)
	// The missing graph capability folds onto relational.
	assert.Contains(t, plan.RoleMap[backend.KindRelational], CapRelationships)
}

func TestSelectDualDatabase(t *testing.T) {
	av := avail(map[backend.Kind]float64{
		backend.KindRelational: 1, backend.KindVector: 1,
	})
	plan := SelectStrategy(av)
	assert.Equal(t, StrategyDualDatabase, plan.Selected)
	assert.Equal(t, 6, plan.Rating)
	assert.Equal(t, RecipeDocumentOnRelational, plan.CompensationMap[CapDocuments])
	assert.Equal(t, RecipeGraphOnRelational, plan.CompensationMap[CapRelationships])
}

func TestSelectRelationalEnhancedNeedsFile(t *testing.T) {
	withFile := avail(map[backend.Kind]float64{
		backend.KindRelational: 1, backend.KindFile: 1,
	})
	assert.Equal(t, StrategyRelationalEnhanced, SelectStrategy(withFile).Selected)
	assert.Equal(t, 7, SelectStrategy(withFile).Rating)

	withoutFile := avail(map[backend.Kind]float64{backend.KindRelational: 1})
	assert.Equal(t, StrategyRelationalMonolith, SelectStrategy(withoutFile).Selected)
}

func TestSelectNothingReachable(t *testing.T) {
	plan := SelectStrategy(&Availability{Backends: map[backend.Kind]Health{}})
	assert.Equal(t, StrategyRelationalMonolith, plan.Selected)
	assert.Len(t, plan.CompensationMap, 4)
	assert.Empty(t, plan.RoleMap)
}

func TestLowAverageHealthDemotesOneTier(t *testing.T) {
	av := avail(map[backend.Kind]float64{
		backend.KindRelational: 0.1, backend.KindDocument: 0.2,
		backend.KindVector: 0.1, backend.KindGraph: 0.2,
	})
	plan := SelectStrategy(av)
	assert.Equal(t, StrategyTriDatabase, plan.Selected)

	// The floor does not demote further.
	floor := avail(map[backend.Kind]float64{backend.KindDocument: 0.1})
	assert.Equal(t, StrategyRelationalMonolith, SelectStrategy(floor).Selected)
}

func TestSelectionDeterministic(t *testing.T) {
	av := avail(map[backend.Kind]float64{
		backend.KindRelational: 0.9, backend.KindGraph: 0.8,
	})
	first := SelectStrategy(av)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, SelectStrategy(av))
	}
}

func TestCoordinatorReusesPlanForSameSnapshot(t *testing.T) {
	reg := registryWith(t, []backend.Kind{backend.KindRelational, backend.KindDocument}, nil)
	now := time.Now()
	p := NewProber(reg, WithCacheTTL(time.Minute), withClock(func() time.Time { return now }))
	c := NewCoordinator(p, nil, nil)

	first, err := c.Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StrategyDualDatabase, first.Selected)

	second, err := c.Plan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
