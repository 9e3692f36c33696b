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

package diagnostic

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/index"
	"github.com/your-org/intent-hub/internal/route"
)

// Index is the slice of the vector index the engine needs. RouteVectors
// must return only positive (non-negative-tagged) points.
type Index interface {
	RouteVectors(ctx context.Context, routeID int) ([]index.Point, error)
}

// Routes is the slice of the route store the engine needs
type Routes interface {
	Get(id int) (route.Route, error)
	All() []route.Route
}

// Options configures the overlap thresholds
type Options struct {
	// RegionThreshold is the centroid similarity above which a pair is
	// significant on its own
	RegionThreshold float64
	// InstanceThreshold is the utterance-pair similarity above which a pair
	// of utterances counts as a conflict
	InstanceThreshold float64
}

// Engine computes route overlap diagnostics
type Engine struct {
	idx    Index
	routes Routes
	cache  *Cache
	opts   Options
	logger *zap.Logger
}

// NewEngine creates a diagnostic engine
func NewEngine(idx Index, routes Routes, cache *Cache, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		idx:    idx,
		routes: routes,
		cache:  cache,
		opts:   opts,
		logger: logger,
	}
}

// routeCorpus is one route's positive vectors with their utterances
type routeCorpus struct {
	utterances []string
	vectors    [][]float32
	centroid   []float64
}

// corpus fetches a route's positive vectors, dropping any utterance that the
// route also lists as a negative sample: negatives represent deliberately
// excluded meaning, not the route's positive identity.
func (e *Engine) corpus(ctx context.Context, r route.Route) (*routeCorpus, error) {
	points, err := e.idx.RouteVectors(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("route %d: %w", r.ID, err)
	}

	negatives := make(map[string]struct{}, len(r.NegativeSamples))
	for _, n := range r.NegativeSamples {
		negatives[n] = struct{}{}
	}

	c := &routeCorpus{}
	for _, p := range points {
		if _, isNeg := negatives[p.Payload.Utterance]; isNeg {
			continue
		}
		c.utterances = append(c.utterances, p.Payload.Utterance)
		c.vectors = append(c.vectors, p.Vector)
	}
	if len(c.vectors) == 0 {
		return nil, nil
	}
	c.centroid = centroid(c.vectors)
	return c, nil
}

// compare computes the region similarity and instance conflicts between two
// corpora, with a as the source side. Pairwise comparison is O(|a|*|b|),
// acceptable at route corpus sizes of tens to low hundreds of utterances.
func (e *Engine) compare(a, b *routeCorpus) (float64, []ConflictPoint) {
	regionSim := cosine64(a.centroid, b.centroid)

	var conflicts []ConflictPoint
	for i, va := range a.vectors {
		for j, vb := range b.vectors {
			sim := cosine(va, vb)
			if sim >= e.opts.InstanceThreshold {
				conflicts = append(conflicts, ConflictPoint{
					SourceUtterance: a.utterances[i],
					TargetUtterance: b.utterances[j],
					Similarity:      sim,
				})
			}
		}
	}
	return regionSim, conflicts
}

// significant reports whether a pair deserves a RouteOverlap entry: either
// the regions collide, or at least one utterance pair is confusable even
// with low centroid overlap.
func (e *Engine) significant(regionSim float64, conflicts []ConflictPoint) bool {
	return regionSim >= e.opts.RegionThreshold || len(conflicts) > 0
}

// AnalyzeRouteOverlap computes the overlap between one route and every other
// route. A route with no positive vectors has nothing to compare and yields
// an empty overlap list.
func (e *Engine) AnalyzeRouteOverlap(ctx context.Context, routeID int) (Result, error) {
	current, err := e.routes.Get(routeID)
	if err != nil {
		return Result{}, err
	}

	result := Result{RouteID: routeID, RouteName: current.Name, Overlaps: []RouteOverlap{}}

	currentCorpus, err := e.corpus(ctx, current)
	if err != nil {
		return Result{}, err
	}
	if currentCorpus == nil {
		return result, nil
	}

	for _, other := range e.routes.All() {
		if other.ID == routeID {
			continue
		}

		otherCorpus, err := e.corpus(ctx, other)
		if err != nil {
			return Result{}, err
		}
		if otherCorpus == nil {
			continue
		}

		regionSim, conflicts := e.compare(currentCorpus, otherCorpus)
		if e.significant(regionSim, conflicts) {
			result.Overlaps = append(result.Overlaps, RouteOverlap{
				TargetRouteID:     other.ID,
				TargetRouteName:   other.Name,
				RegionSimilarity:  regionSim,
				InstanceConflicts: conflicts,
			})
		}
	}

	sortOverlaps(result.Overlaps)
	return result, nil
}

// AnalyzeAllOverlaps computes (or serves from cache) the overlap picture for
// every route. Recomputation is O(R²·U²) and is deliberately avoided on the
// read path: with useCache and a non-empty cache, cached entries are
// returned as-is. A full recompute persists results for every route,
// including empty ones, so "no conflicts" is itself a cached fact. Only
// entries with at least one overlap are returned.
func (e *Engine) AnalyzeAllOverlaps(ctx context.Context, useCache bool) ([]Result, error) {
	if useCache {
		cached, err := e.cache.All()
		if err != nil {
			return nil, err
		}
		if len(cached) > 0 {
			e.logger.Info("Serving diagnostics from cache", zap.Int("routes", len(cached)))
			return nonEmptyResults(cached), nil
		}
	}

	all := e.routes.All()
	computed := make(map[int]Result, len(all))
	for _, r := range all {
		result, err := e.AnalyzeRouteOverlap(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		computed[r.ID] = result
	}

	if err := e.cache.ReplaceAll(computed); err != nil {
		return nil, err
	}

	e.logger.Info("Full diagnostics recomputed", zap.Int("routes", len(computed)))
	return nonEmptyResults(computed), nil
}

// UpdateRouteDiagnostics incrementally refreshes the cache after one route's
// vectors changed: the route's own entry is recomputed wholesale, and every
// other cached route has only its relationship to this route respliced.
// Pairs not touching the route are untouched. Assumes single-route-at-a-time
// mutation discipline; batch edits should fall back to a full recompute.
func (e *Engine) UpdateRouteDiagnostics(ctx context.Context, routeID int) error {
	e.logger.Info("Incrementally updating diagnostics", zap.Int("route_id", routeID))

	currentResult, err := e.AnalyzeRouteOverlap(ctx, routeID)
	if err != nil {
		return err
	}
	if err := e.cache.Put(currentResult); err != nil {
		return err
	}

	cached, err := e.cache.All()
	if err != nil {
		return err
	}

	current, err := e.routes.Get(routeID)
	if err != nil {
		return err
	}
	currentCorpus, err := e.corpus(ctx, current)
	if err != nil {
		return err
	}

	for otherID, otherResult := range cached {
		if otherID == routeID {
			continue
		}

		// Strip the stale entry for this route before deciding whether a
		// fresh one belongs.
		overlaps := otherResult.Overlaps[:0:0]
		for _, o := range otherResult.Overlaps {
			if o.TargetRouteID != routeID {
				overlaps = append(overlaps, o)
			}
		}
		otherResult.Overlaps = overlaps

		if currentCorpus != nil {
			otherRoute, err := e.routes.Get(otherID)
			if err != nil {
				// cached entry for a route that no longer exists; removal is
				// the deletion path's job
				continue
			}
			otherCorpus, err := e.corpus(ctx, otherRoute)
			if err != nil {
				return err
			}
			if otherCorpus != nil {
				regionSim, conflicts := e.compare(otherCorpus, currentCorpus)
				if e.significant(regionSim, conflicts) {
					otherResult.Overlaps = append(otherResult.Overlaps, RouteOverlap{
						TargetRouteID:     routeID,
						TargetRouteName:   currentResult.RouteName,
						RegionSimilarity:  regionSim,
						InstanceConflicts: conflicts,
					})
					sortOverlaps(otherResult.Overlaps)
				}
			}
		}

		if otherResult.Overlaps == nil {
			otherResult.Overlaps = []RouteOverlap{}
		}
		if err := e.cache.Put(otherResult); err != nil {
			return err
		}
	}

	return nil
}

// RemoveRouteFromCache deletes a route's own cache entry and strips every
// reference to it from other routes' overlap lists. Called on route
// deletion so stale references never surface.
func (e *Engine) RemoveRouteFromCache(routeID int) error {
	e.logger.Info("Removing route from diagnostics cache", zap.Int("route_id", routeID))

	if err := e.cache.Remove(routeID); err != nil {
		return err
	}

	cached, err := e.cache.All()
	if err != nil {
		return err
	}

	for _, res := range cached {
		kept := res.Overlaps[:0:0]
		changed := false
		for _, o := range res.Overlaps {
			if o.TargetRouteID == routeID {
				changed = true
				continue
			}
			kept = append(kept, o)
		}
		if !changed {
			continue
		}
		if kept == nil {
			kept = []RouteOverlap{}
		}
		res.Overlaps = kept
		if err := e.cache.Put(res); err != nil {
			return err
		}
	}

	return nil
}

func sortOverlaps(overlaps []RouteOverlap) {
	sort.SliceStable(overlaps, func(i, j int) bool {
		return overlaps[i].RegionSimilarity > overlaps[j].RegionSimilarity
	})
}

func nonEmptyResults(results map[int]Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if len(r.Overlaps) > 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}
