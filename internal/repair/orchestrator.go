// Copyright 2025 Intent Hub Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package repair turns detected route overlaps into applied fixes: it asks
// the language model for a disambiguating rewrite of one route and, when the
// caller accepts, persists the rewrite and rebuilds the route's vectors and
// diagnostics.
package repair

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/diagnostic"
	"github.com/your-org/intent-hub/internal/llm"
	"github.com/your-org/intent-hub/internal/resilience"
	"github.com/your-org/intent-hub/internal/route"
)

// DefaultMaxConflictExamples caps how many conflict pairs go into the
// repair prompt when no limit is configured
const DefaultMaxConflictExamples = 5

// RouteStore is the slice of the route store the orchestrator needs
type RouteStore interface {
	Get(id int) (route.Route, error)
	Update(id int, r route.Route) (route.Route, error)
}

// Embedder produces vectors for replacement utterances
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// Index is the slice of the vector index the orchestrator needs
type Index interface {
	UpsertUtterances(ctx context.Context, routeID int, routeName string,
		utterances []string, vectors [][]float32, scoreThreshold float64, routeHash, modelName string) error
	UpsertNegatives(ctx context.Context, routeID int, routeName string,
		negatives []string, vectors [][]float32, negativeThreshold float64) error
	DeleteRoute(ctx context.Context, routeID int) error
	DeleteRouteNegatives(ctx context.Context, routeID int) error
}

// Suggester generates repair suggestions
type Suggester interface {
	GenerateRepair(ctx context.Context, req llm.RepairRequest) (llm.RepairSuggestion, error)
}

// Diagnostics recomputes overlap state after a repair lands
type Diagnostics interface {
	AnalyzeRouteOverlap(ctx context.Context, routeID int) (diagnostic.Result, error)
	UpdateRouteDiagnostics(ctx context.Context, routeID int) error
}

// Suggestion is a repair proposal for a specific overlapping route pair
type Suggestion struct {
	SourceRouteID         int      `json:"source_route_id"`
	TargetRouteID         int      `json:"target_route_id"`
	NewUtterances         []string `json:"new_utterances"`
	NegativeSamples       []string `json:"negative_samples"`
	ConflictingUtterances []string `json:"conflicting_utterances"`
	Rationalization       string   `json:"rationalization"`
}

// Orchestrator coordinates suggestion generation and repair application
type Orchestrator struct {
	routes       RouteStore
	embedder     Embedder
	index        Index
	suggester    Suggester
	diagnostics  Diagnostics
	cache        *diagnostic.Cache
	maxConflicts int
	logger       *zap.Logger

	// locks serializes repairs per route so two concurrent ApplyRepair calls
	// for the same route cannot interleave vector deletion and upsert
	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// NewOrchestrator creates a repair orchestrator. maxConflicts limits how
// many conflict examples reach the model prompt; zero or negative selects
// the default.
func NewOrchestrator(routes RouteStore, embedder Embedder, index Index,
	suggester Suggester, diagnostics Diagnostics, cache *diagnostic.Cache,
	maxConflicts int, logger *zap.Logger) *Orchestrator {

	if maxConflicts <= 0 {
		maxConflicts = DefaultMaxConflictExamples
	}

	return &Orchestrator{
		routes:       routes,
		embedder:     embedder,
		index:        index,
		suggester:    suggester,
		diagnostics:  diagnostics,
		cache:        cache,
		maxConflicts: maxConflicts,
		logger:       logger,
		locks:        make(map[int]*sync.Mutex),
	}
}

func (o *Orchestrator) routeLock(routeID int) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[routeID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[routeID] = l
	}
	return l
}

// GetRepairSuggestions asks the model how to separate the source route from
// the target route. The overlap is taken from the diagnostics cache when
// present and recomputed otherwise; the request fails when the pair does not
// actually overlap.
func (o *Orchestrator) GetRepairSuggestions(ctx context.Context, sourceID, targetID int) (Suggestion, error) {
	source, err := o.routes.Get(sourceID)
	if err != nil {
		return Suggestion{}, err
	}
	target, err := o.routes.Get(targetID)
	if err != nil {
		return Suggestion{}, err
	}

	overlap, err := o.findOverlap(ctx, sourceID, targetID)
	if err != nil {
		return Suggestion{}, err
	}

	conflicts := topConflicts(overlap.InstanceConflicts, o.maxConflicts)

	req := llm.RepairRequest{
		Source: llm.RouteProfile{
			Name:        source.Name,
			Description: source.Description,
			Utterances:  source.Utterances,
		},
		Target: llm.RouteProfile{
			Name:        target.Name,
			Description: target.Description,
			Utterances:  target.Utterances,
		},
		Conflicts: conflicts,
	}

	o.logger.Info("Requesting repair suggestion",
		zap.Int("source_route_id", sourceID),
		zap.Int("target_route_id", targetID),
		zap.Float64("region_similarity", overlap.RegionSimilarity),
		zap.Int("conflict_examples", len(conflicts)))

	generated, err := o.suggester.GenerateRepair(ctx, req)
	if err != nil {
		return Suggestion{}, err
	}

	return Suggestion{
		SourceRouteID:         sourceID,
		TargetRouteID:         targetID,
		NewUtterances:         generated.NewUtterances,
		NegativeSamples:       generated.NegativeSamples,
		ConflictingUtterances: generated.ConflictingUtterances,
		Rationalization:       generated.Rationalization,
	}, nil
}

// findOverlap locates the source route's overlap entry for the target route
func (o *Orchestrator) findOverlap(ctx context.Context, sourceID, targetID int) (diagnostic.RouteOverlap, error) {
	result, cached, err := o.cache.Get(sourceID)
	if err != nil {
		return diagnostic.RouteOverlap{}, err
	}
	if !cached {
		result, err = o.diagnostics.AnalyzeRouteOverlap(ctx, sourceID)
		if err != nil {
			return diagnostic.RouteOverlap{}, err
		}
	}

	for _, overlap := range result.Overlaps {
		if overlap.TargetRouteID == targetID {
			return overlap, nil
		}
	}

	return diagnostic.RouteOverlap{}, resilience.NewBadRequestError(
		"routes have no detected overlap to repair", nil)
}

// ApplyRepair replaces a route's utterances (and optionally its negative
// samples) with the accepted suggestion, re-embeds the route, and updates
// diagnostics before returning. Callers see fresh overlap state on the next
// read.
func (o *Orchestrator) ApplyRepair(ctx context.Context, routeID int, newUtterances, negativeSamples []string) (route.Route, error) {
	if len(newUtterances) == 0 {
		return route.Route{}, resilience.NewBadRequestError("repair must include at least one utterance", nil)
	}

	lock := o.routeLock(routeID)
	lock.Lock()
	defer lock.Unlock()

	r, err := o.routes.Get(routeID)
	if err != nil {
		return route.Route{}, err
	}

	r.Utterances = append([]string(nil), newUtterances...)
	replaceNegatives := negativeSamples != nil
	if replaceNegatives {
		r.NegativeSamples = append([]string(nil), negativeSamples...)
	}
	if err := r.Validate(); err != nil {
		return route.Route{}, resilience.NewBadRequestError("repaired route is invalid", err)
	}

	r, err = o.routes.Update(routeID, r)
	if err != nil {
		return route.Route{}, err
	}

	if err := o.reindexRoute(ctx, r, replaceNegatives); err != nil {
		return route.Route{}, err
	}

	// Synchronous on purpose: the repair response must reflect the repaired
	// overlap state, not the pre-repair cache.
	if err := o.diagnostics.UpdateRouteDiagnostics(ctx, routeID); err != nil {
		return route.Route{}, err
	}

	o.logger.Info("Repair applied",
		zap.Int("route_id", routeID),
		zap.String("route_name", r.Name),
		zap.Int("utterances", len(r.Utterances)),
		zap.Bool("negatives_replaced", replaceNegatives))

	return r, nil
}

// reindexRoute rebuilds a route's vectors after its text changed
func (o *Orchestrator) reindexRoute(ctx context.Context, r route.Route, replaceNegatives bool) error {
	vectors, err := o.embedder.Embed(ctx, r.Utterances)
	if err != nil {
		return err
	}

	if err := o.index.DeleteRoute(ctx, r.ID); err != nil {
		return err
	}
	if err := o.index.UpsertUtterances(ctx, r.ID, r.Name, r.Utterances, vectors,
		r.ScoreThreshold, r.Hash(), o.embedder.ModelName()); err != nil {
		return err
	}

	if !replaceNegatives {
		return nil
	}

	if err := o.index.DeleteRouteNegatives(ctx, r.ID); err != nil {
		return err
	}
	if len(r.NegativeSamples) == 0 {
		return nil
	}
	negVectors, err := o.embedder.Embed(ctx, r.NegativeSamples)
	if err != nil {
		return err
	}
	return o.index.UpsertNegatives(ctx, r.ID, r.Name, r.NegativeSamples, negVectors, r.NegativeThreshold)
}

// topConflicts returns the most similar conflict pairs, capped at max
func topConflicts(conflicts []diagnostic.ConflictPoint, max int) []llm.Conflict {
	sorted := append([]diagnostic.ConflictPoint(nil), conflicts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Similarity > sorted[j].Similarity
	})
	if len(sorted) > max {
		sorted = sorted[:max]
	}

	out := make([]llm.Conflict, len(sorted))
	for i, c := range sorted {
		out[i] = llm.Conflict{
			SourceUtterance: c.SourceUtterance,
			TargetUtterance: c.TargetUtterance,
			Similarity:      c.Similarity,
		}
	}
	return out
}
