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

// Package syncer keeps the vector index consistent with the route store.
// Each indexed point carries the hash of its route's defining fields, so the
// engine can tell changed routes from unchanged ones and re-embed only what
// moved.
package syncer

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/diagnostic"
	"github.com/your-org/intent-hub/internal/index"
	"github.com/your-org/intent-hub/internal/route"
)

// RouteSource is the slice of the route store the engine needs
type RouteSource interface {
	Reload() error
	All() []route.Route
	Get(id int) (route.Route, error)
}

// Embedder produces vectors for route utterances
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
}

// Index is the slice of the vector index the engine needs
type Index interface {
	HasData(ctx context.Context) (bool, error)
	IndexState(ctx context.Context) (*index.State, error)
	DeleteAll(ctx context.Context) error
	DeleteRoute(ctx context.Context, routeID int) error
	DeleteRouteNegatives(ctx context.Context, routeID int) error
	UpsertUtterances(ctx context.Context, routeID int, routeName string,
		utterances []string, vectors [][]float32, scoreThreshold float64, routeHash, modelName string) error
	UpsertNegatives(ctx context.Context, routeID int, routeName string,
		negatives []string, vectors [][]float32, negativeThreshold float64) error
}

// Scheduler queues diagnostic recomputes after index changes
type Scheduler interface {
	SubmitFull() (*diagnostic.Handle, error)
	SubmitIncremental(routeID int) (*diagnostic.Handle, error)
}

// OverlapCache removes deleted routes from the diagnostics cache
type OverlapCache interface {
	RemoveRouteFromCache(routeID int) error
}

// FailedRoute records one route that could not be indexed
type FailedRoute struct {
	RouteID   int    `json:"route_id"`
	RouteName string `json:"route_name"`
	Error     string `json:"error"`
}

// Report summarizes one reindex run. SuccessCount and FailedCount always
// sum to RoutesCount.
type Report struct {
	Mode                string        `json:"mode"`
	RoutesCount         int           `json:"routes_count"`
	PointsCount         int           `json:"points_count"`
	NegativePointsCount int           `json:"negative_points_count"`
	NewCount            int           `json:"new_count"`
	UpdatedCount        int           `json:"updated_count"`
	DeletedCount        int           `json:"deleted_count"`
	SkippedCount        int           `json:"skipped_count"`
	SuccessCount        int           `json:"success_count"`
	FailedCount         int           `json:"failed_count"`
	FailedRoutes        []FailedRoute `json:"failed_routes"`

	// Diagnostics is the handle for the recompute queued by this run, nil
	// when nothing changed. Callers that need fresh overlap data wait on it.
	Diagnostics *diagnostic.Handle `json:"-"`
}

// Engine reconciles the vector index with the route store
type Engine struct {
	routes    RouteSource
	embedder  Embedder
	index     Index
	scheduler Scheduler
	cache     OverlapCache
	logger    *zap.Logger
}

// NewEngine creates a sync engine
func NewEngine(routes RouteSource, embedder Embedder, idx Index,
	scheduler Scheduler, cache OverlapCache, logger *zap.Logger) *Engine {

	return &Engine{
		routes:    routes,
		embedder:  embedder,
		index:     idx,
		scheduler: scheduler,
		cache:     cache,
		logger:    logger,
	}
}

// Reindex reconciles the index with the route store. With forceFull, or when
// the index is empty, or when the indexed points were produced by a
// different embedding model, everything is rebuilt from scratch. Otherwise
// only routes whose hash changed are re-embedded. One route's failure never
// aborts the run; failures are reported per route.
func (e *Engine) Reindex(ctx context.Context, forceFull bool) (*Report, error) {
	if err := e.routes.Reload(); err != nil {
		return nil, err
	}

	if forceFull {
		return e.fullSync(ctx)
	}

	hasData, err := e.index.HasData(ctx)
	if err != nil {
		return nil, err
	}
	if !hasData {
		e.logger.Info("Index is empty, running full sync")
		return e.fullSync(ctx)
	}

	state, err := e.index.IndexState(ctx)
	if err != nil {
		return nil, err
	}
	if e.modelChanged(state) {
		e.logger.Info("Embedding model changed, running full sync",
			zap.String("current_model", e.embedder.ModelName()))
		return e.fullSync(ctx)
	}

	return e.incrementalSync(ctx, state)
}

// modelChanged reports whether any indexed point was embedded by a model
// other than the current one. Mixed-model indexes produce incomparable
// similarity scores, so any mismatch forces a rebuild.
func (e *Engine) modelChanged(state *index.State) bool {
	current := e.embedder.ModelName()
	for model := range state.ModelNames {
		if model != current {
			return true
		}
	}
	return false
}

func (e *Engine) fullSync(ctx context.Context) (*Report, error) {
	if err := e.index.DeleteAll(ctx); err != nil {
		return nil, err
	}

	all := e.routes.All()
	report := &Report{
		Mode:         "full",
		RoutesCount:  len(all),
		FailedRoutes: []FailedRoute{},
	}

	for _, r := range all {
		points, negatives, err := e.indexRoute(ctx, r)
		if err != nil {
			e.logger.Error("Failed to index route",
				zap.Int("route_id", r.ID),
				zap.String("route_name", r.Name),
				zap.Error(err))
			report.FailedRoutes = append(report.FailedRoutes, FailedRoute{
				RouteID:   r.ID,
				RouteName: r.Name,
				Error:     err.Error(),
			})
			continue
		}
		report.PointsCount += points
		report.NegativePointsCount += negatives
		report.SuccessCount++
		report.NewCount++
	}
	report.FailedCount = len(report.FailedRoutes)

	if handle, err := e.scheduler.SubmitFull(); err == nil {
		report.Diagnostics = handle
	} else {
		e.logger.Warn("Could not schedule diagnostics recompute", zap.Error(err))
	}

	e.logger.Info("Full sync completed",
		zap.Int("routes", report.RoutesCount),
		zap.Int("points", report.PointsCount),
		zap.Int("negative_points", report.NegativePointsCount),
		zap.Int("failed", report.FailedCount))

	return report, nil
}

func (e *Engine) incrementalSync(ctx context.Context, state *index.State) (*Report, error) {
	all := e.routes.All()
	report := &Report{
		Mode:         "incremental",
		RoutesCount:  len(all),
		FailedRoutes: []FailedRoute{},
	}

	current := make(map[int]struct{}, len(all))
	for _, r := range all {
		current[r.ID] = struct{}{}
	}

	// Routes present in the index but gone from the store.
	var removed []int
	for id := range state.RouteHashes {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Ints(removed)
	for _, id := range removed {
		if err := e.removeRoute(ctx, id); err != nil {
			return nil, err
		}
		report.DeletedCount++
	}

	for _, r := range all {
		oldHash, indexed := state.RouteHashes[r.ID]
		if indexed && oldHash == r.Hash() {
			report.SkippedCount++
			report.SuccessCount++
			continue
		}

		// Delete before reinsert so utterances dropped from the route do
		// not survive as orphan points.
		if err := e.deleteRoutePoints(ctx, r.ID); err != nil {
			return nil, err
		}

		points, negatives, err := e.indexRoute(ctx, r)
		if err != nil {
			e.logger.Error("Failed to index route",
				zap.Int("route_id", r.ID),
				zap.String("route_name", r.Name),
				zap.Error(err))
			report.FailedRoutes = append(report.FailedRoutes, FailedRoute{
				RouteID:   r.ID,
				RouteName: r.Name,
				Error:     err.Error(),
			})
			continue
		}
		report.PointsCount += points
		report.NegativePointsCount += negatives
		report.SuccessCount++
		if indexed {
			report.UpdatedCount++
		} else {
			report.NewCount++
		}
	}
	report.FailedCount = len(report.FailedRoutes)

	if report.NewCount+report.UpdatedCount+report.DeletedCount+report.FailedCount > 0 {
		if handle, err := e.scheduler.SubmitFull(); err == nil {
			report.Diagnostics = handle
		} else {
			e.logger.Warn("Could not schedule diagnostics recompute", zap.Error(err))
		}
	}

	e.logger.Info("Incremental sync completed",
		zap.Int("routes", report.RoutesCount),
		zap.Int("new", report.NewCount),
		zap.Int("updated", report.UpdatedCount),
		zap.Int("deleted", report.DeletedCount),
		zap.Int("skipped", report.SkippedCount),
		zap.Int("failed", report.FailedCount))

	return report, nil
}

// SyncRoute re-embeds a single route and queues an incremental diagnostics
// update for it.
func (e *Engine) SyncRoute(ctx context.Context, routeID int) (*Report, error) {
	r, err := e.routes.Get(routeID)
	if err != nil {
		return nil, err
	}

	if err := e.deleteRoutePoints(ctx, routeID); err != nil {
		return nil, err
	}

	report := &Report{
		Mode:         "route",
		RoutesCount:  1,
		FailedRoutes: []FailedRoute{},
	}

	points, negatives, err := e.indexRoute(ctx, r)
	if err != nil {
		report.FailedCount = 1
		report.FailedRoutes = append(report.FailedRoutes, FailedRoute{
			RouteID:   r.ID,
			RouteName: r.Name,
			Error:     err.Error(),
		})
		return report, nil
	}
	report.PointsCount = points
	report.NegativePointsCount = negatives
	report.SuccessCount = 1
	report.UpdatedCount = 1

	if handle, err := e.scheduler.SubmitIncremental(routeID); err == nil {
		report.Diagnostics = handle
	} else {
		e.logger.Warn("Could not schedule diagnostics update",
			zap.Int("route_id", routeID),
			zap.Error(err))
	}

	return report, nil
}

// SyncRoutes re-embeds a set of routes, isolating per-route failures, then
// queues one full diagnostics recompute for the batch.
func (e *Engine) SyncRoutes(ctx context.Context, routeIDs []int) (*Report, error) {
	report := &Report{
		Mode:         "routes",
		RoutesCount:  len(routeIDs),
		FailedRoutes: []FailedRoute{},
	}

	for _, id := range routeIDs {
		r, err := e.routes.Get(id)
		if err != nil {
			report.FailedRoutes = append(report.FailedRoutes, FailedRoute{
				RouteID: id,
				Error:   err.Error(),
			})
			continue
		}
		if err := e.deleteRoutePoints(ctx, id); err != nil {
			return nil, err
		}
		points, negatives, err := e.indexRoute(ctx, r)
		if err != nil {
			report.FailedRoutes = append(report.FailedRoutes, FailedRoute{
				RouteID:   r.ID,
				RouteName: r.Name,
				Error:     err.Error(),
			})
			continue
		}
		report.PointsCount += points
		report.NegativePointsCount += negatives
		report.SuccessCount++
		report.UpdatedCount++
	}
	report.FailedCount = len(report.FailedRoutes)

	if report.SuccessCount > 0 {
		if handle, err := e.scheduler.SubmitFull(); err == nil {
			report.Diagnostics = handle
		} else {
			e.logger.Warn("Could not schedule diagnostics recompute", zap.Error(err))
		}
	}

	return report, nil
}

// SyncNegatives replaces a single route's negative sample points. Positive
// points and diagnostics are untouched: negatives only gate prediction and
// do not participate in overlap analysis.
func (e *Engine) SyncNegatives(ctx context.Context, routeID int) (*Report, error) {
	r, err := e.routes.Get(routeID)
	if err != nil {
		return nil, err
	}

	if err := e.index.DeleteRouteNegatives(ctx, routeID); err != nil {
		return nil, err
	}

	report := &Report{
		Mode:         "negatives",
		RoutesCount:  1,
		FailedRoutes: []FailedRoute{},
	}

	if len(r.NegativeSamples) > 0 {
		vectors, err := e.embedder.Embed(ctx, r.NegativeSamples)
		if err != nil {
			report.FailedCount = 1
			report.FailedRoutes = append(report.FailedRoutes, FailedRoute{
				RouteID:   r.ID,
				RouteName: r.Name,
				Error:     err.Error(),
			})
			return report, nil
		}
		if err := e.index.UpsertNegatives(ctx, r.ID, r.Name, r.NegativeSamples,
			vectors, r.NegativeThreshold); err != nil {
			report.FailedCount = 1
			report.FailedRoutes = append(report.FailedRoutes, FailedRoute{
				RouteID:   r.ID,
				RouteName: r.Name,
				Error:     err.Error(),
			})
			return report, nil
		}
		report.NegativePointsCount = len(vectors)
	}
	report.SuccessCount = 1
	report.UpdatedCount = 1

	e.logger.Info("Route negative samples synced",
		zap.Int("route_id", routeID),
		zap.Int("negative_points", report.NegativePointsCount))

	return report, nil
}

// RemoveRoute deletes a route's points and purges it from the diagnostics
// cache. Called by the route deletion path after the store commits.
func (e *Engine) RemoveRoute(ctx context.Context, routeID int) error {
	return e.removeRoute(ctx, routeID)
}

func (e *Engine) removeRoute(ctx context.Context, routeID int) error {
	if err := e.deleteRoutePoints(ctx, routeID); err != nil {
		return err
	}
	if err := e.cache.RemoveRouteFromCache(routeID); err != nil {
		return err
	}
	e.logger.Info("Route removed from index", zap.Int("route_id", routeID))
	return nil
}

func (e *Engine) deleteRoutePoints(ctx context.Context, routeID int) error {
	if err := e.index.DeleteRoute(ctx, routeID); err != nil {
		return err
	}
	return e.index.DeleteRouteNegatives(ctx, routeID)
}

// indexRoute embeds and upserts one route's positive and negative points,
// returning the point counts.
func (e *Engine) indexRoute(ctx context.Context, r route.Route) (int, int, error) {
	vectors, err := e.embedder.Embed(ctx, r.Utterances)
	if err != nil {
		return 0, 0, err
	}
	if err := e.index.UpsertUtterances(ctx, r.ID, r.Name, r.Utterances, vectors,
		r.ScoreThreshold, r.Hash(), e.embedder.ModelName()); err != nil {
		return 0, 0, err
	}

	negatives := 0
	if len(r.NegativeSamples) > 0 {
		negVectors, err := e.embedder.Embed(ctx, r.NegativeSamples)
		if err != nil {
			return len(vectors), 0, err
		}
		if err := e.index.UpsertNegatives(ctx, r.ID, r.Name, r.NegativeSamples,
			negVectors, r.NegativeThreshold); err != nil {
			return len(vectors), 0, err
		}
		negatives = len(negVectors)
	}

	return len(vectors), negatives, nil
}
