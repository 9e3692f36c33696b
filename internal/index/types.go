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

// Package index owns all vector index (Qdrant) operations. Each point is one
// utterance of one route; negative samples are stored as separate points
// tagged is_negative so they can be filtered and deleted independently.
package index

// Payload field names stored with every point.
const (
	KeyRouteID           = "route_id"
	KeyRouteName         = "route_name"
	KeyUtterance         = "utterance"
	KeyScoreThreshold    = "score_threshold"
	KeyIsNegative        = "is_negative"
	KeyNegativeThreshold = "negative_threshold"
	KeyRouteHash         = "route_hash"
	KeyModelName         = "model_name"
)

// Payload is the typed view of a point's stored metadata
type Payload struct {
	RouteID           int
	RouteName         string
	Utterance         string
	ScoreThreshold    float64
	IsNegative        bool
	NegativeThreshold float64
	RouteHash         string
	ModelName         string
}

// Point is a stored vector with its payload
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchResult is one nearest-neighbour hit
type SearchResult struct {
	Score   float64
	Payload Payload
}

// State summarises what the index currently holds, keyed for incremental
// sync: the content hash stored with each route and the set of embedding
// models the points were produced by.
type State struct {
	RouteHashes map[int]string
	ModelNames  map[string]struct{}
}
