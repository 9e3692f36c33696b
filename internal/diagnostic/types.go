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

// Package diagnostic detects semantic overlap between routes at two
// granularities: centroid (region) similarity and utterance-pair (instance)
// conflicts. Results are cached; consumers read the cache, never recompute
// online.
package diagnostic

// ConflictPoint is a pair of utterances, one per route, whose embeddings are
// confusably similar.
type ConflictPoint struct {
	SourceUtterance string  `json:"source_utterance"`
	TargetUtterance string  `json:"target_utterance"`
	Similarity      float64 `json:"similarity"`
}

// RouteOverlap describes how one target route collides with the source route
type RouteOverlap struct {
	TargetRouteID     int             `json:"target_route_id"`
	TargetRouteName   string          `json:"target_route_name"`
	RegionSimilarity  float64         `json:"region_similarity"`
	InstanceConflicts []ConflictPoint `json:"instance_conflicts"`
}

// Result is the full overlap picture for one route
type Result struct {
	RouteID   int            `json:"route_id"`
	RouteName string         `json:"route_name"`
	Overlaps  []RouteOverlap `json:"overlaps"`
}
