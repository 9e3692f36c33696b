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

// Package predict routes free-text utterances to the best-matching intent
// using vector similarity with per-route thresholds and negative-sample
// exclusion.
package predict

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/index"
)

// Embedder is the slice of the embedding provider the engine needs
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Index is the slice of the vector index the engine needs
type Index interface {
	Search(ctx context.Context, vector []float32, topK int) ([]index.SearchResult, error)
	SearchNegatives(ctx context.Context, vector []float32, topK int) ([]index.SearchResult, error)
}

// RouteThresholds resolves a route's configured acceptance threshold. The
// route store is authoritative; the payload-embedded threshold is the
// fallback when the store has no entry for the id.
type RouteThresholds interface {
	ScoreThreshold(id int) (float64, bool)
}

// Response is one route match. Score is nil only for the default fallback
// route, which models "no confident match" as a normal outcome.
type Response struct {
	ID    int      `json:"id"`
	Name  string   `json:"name"`
	Score *float64 `json:"score"`
}

// Options configures the prediction engine
type Options struct {
	DefaultRouteID   int
	DefaultRouteName string
	TopK             int
}

// Engine executes predictions against the index
type Engine struct {
	embedder Embedder
	idx      Index
	routes   RouteThresholds
	opts     Options
	logger   *zap.Logger
}

// NewEngine creates a prediction engine
func NewEngine(embedder Embedder, idx Index, routes RouteThresholds, opts Options, logger *zap.Logger) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 20
	}
	return &Engine{
		embedder: embedder,
		idx:      idx,
		routes:   routes,
		opts:     opts,
		logger:   logger,
	}
}

// Predict returns every route whose best-matching utterance clears the
// route's threshold, ordered by score descending, or the default route when
// none does. Embedding and index failures propagate; no retries here.
func (e *Engine) Predict(ctx context.Context, text string) ([]Response, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	excluded, err := e.negativeExclusions(ctx, vector)
	if err != nil {
		return nil, err
	}

	hits, err := e.idx.Search(ctx, vector, e.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("positive search failed: %w", err)
	}

	if len(hits) == 0 {
		e.logger.Warn("Search returned no results, using default route",
			zap.String("query", text))
		return e.defaultResponse(), nil
	}

	// One route can match on several utterances; keep only the best hit per
	// route, skipping routes fenced off by a negative sample.
	best := make(map[int]index.SearchResult)
	var order []int
	for _, hit := range hits {
		rid := hit.Payload.RouteID
		if hit.Payload.IsNegative {
			continue
		}
		if _, fenced := excluded[rid]; fenced {
			e.logger.Debug("Skipping negative-excluded route",
				zap.Int("route_id", rid),
				zap.Float64("score", hit.Score))
			continue
		}
		prev, seen := best[rid]
		if !seen {
			order = append(order, rid)
		}
		if !seen || hit.Score > prev.Score {
			best[rid] = hit
		}
	}

	var matched []Response
	for _, rid := range order {
		hit := best[rid]

		threshold, ok := e.routes.ScoreThreshold(rid)
		if !ok {
			threshold = hit.Payload.ScoreThreshold
		}

		if hit.Score < threshold {
			e.logger.Debug("Below threshold",
				zap.Int("route_id", rid),
				zap.Float64("score", hit.Score),
				zap.Float64("threshold", threshold))
			continue
		}

		score := hit.Score
		matched = append(matched, Response{
			ID:    rid,
			Name:  hit.Payload.RouteName,
			Score: &score,
		})
	}

	if len(matched) == 0 {
		e.logger.Info("No route above threshold, using default route",
			zap.String("query", text))
		return e.defaultResponse(), nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if *matched[i].Score != *matched[j].Score {
			return *matched[i].Score > *matched[j].Score
		}
		return matched[i].ID < matched[j].ID
	})

	e.logger.Info("Prediction completed",
		zap.String("query", text),
		zap.Int("matched_routes", len(matched)),
		zap.Int("top_route_id", matched[0].ID),
		zap.Float64("top_score", *matched[0].Score))

	return matched, nil
}

// negativeExclusions returns the ids of routes whose negative samples sit
// too close to the query. A strong negative hit fences the route off
// regardless of its positive-side score.
func (e *Engine) negativeExclusions(ctx context.Context, vector []float32) (map[int]struct{}, error) {
	hits, err := e.idx.SearchNegatives(ctx, vector, e.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("negative search failed: %w", err)
	}

	excluded := make(map[int]struct{})
	for _, hit := range hits {
		if hit.Score >= hit.Payload.NegativeThreshold {
			excluded[hit.Payload.RouteID] = struct{}{}
			e.logger.Info("Route excluded by negative sample",
				zap.Int("route_id", hit.Payload.RouteID),
				zap.Float64("negative_score", hit.Score),
				zap.Float64("negative_threshold", hit.Payload.NegativeThreshold),
				zap.String("negative_sample", hit.Payload.Utterance))
		}
	}
	return excluded, nil
}

func (e *Engine) defaultResponse() []Response {
	return []Response{{
		ID:    e.opts.DefaultRouteID,
		Name:  e.opts.DefaultRouteName,
		Score: nil,
	}}
}
