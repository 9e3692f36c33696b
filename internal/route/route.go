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

// Package route defines the intent route model and its durable store.
package route

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	// DefaultScoreThreshold is the acceptance threshold applied when a route
	// does not configure its own
	DefaultScoreThreshold = 0.75
	// DefaultNegativeThreshold is the exclusion threshold applied when a route
	// does not configure its own
	DefaultNegativeThreshold = 0.95
)

var (
	defaultScoreThreshold    = float64(DefaultScoreThreshold)
	defaultNegativeThreshold = float64(DefaultNegativeThreshold)
)

// SetDefaultThresholds overrides the thresholds applied to route payloads
// that omit them. Called once at startup from configuration, before any
// payload is decoded.
func SetDefaultThresholds(score, negative float64) {
	defaultScoreThreshold = score
	defaultNegativeThreshold = negative
}

// Route is a named intent with positive example utterances, optional negative
// samples and per-route similarity thresholds. ID 0 is reserved for the
// "unassigned" default route; stored routes are numbered densely from 1.
type Route struct {
	ID                int      `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Utterances        []string `json:"utterances"`
	NegativeSamples   []string `json:"negative_samples"`
	ScoreThreshold    float64  `json:"score_threshold"`
	NegativeThreshold float64  `json:"negative_threshold"`
}

// UnmarshalJSON fills in the threshold defaults for fields absent from the
// payload, so no consumer ever has to guard against zero values.
func (r *Route) UnmarshalJSON(data []byte) error {
	type alias Route
	aux := struct {
		ScoreThreshold    *float64 `json:"score_threshold"`
		NegativeThreshold *float64 `json:"negative_threshold"`
		*alias
	}{
		alias: (*alias)(r),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ScoreThreshold != nil {
		r.ScoreThreshold = *aux.ScoreThreshold
	} else {
		r.ScoreThreshold = defaultScoreThreshold
	}
	if aux.NegativeThreshold != nil {
		r.NegativeThreshold = *aux.NegativeThreshold
	} else {
		r.NegativeThreshold = defaultNegativeThreshold
	}
	if r.Utterances == nil {
		r.Utterances = []string{}
	}
	if r.NegativeSamples == nil {
		r.NegativeSamples = []string{}
	}
	return nil
}

// Validate checks the route's structural invariants
func (r *Route) Validate() error {
	if r.ID < 0 {
		return fmt.Errorf("route id must not be negative, got %d", r.ID)
	}
	if r.Name == "" {
		return fmt.Errorf("route name is required")
	}
	if len(r.Utterances) == 0 {
		return fmt.Errorf("route %q needs at least one utterance", r.Name)
	}
	if r.ScoreThreshold < 0 || r.ScoreThreshold > 1 {
		return fmt.Errorf("score_threshold must be in [0,1], got %v", r.ScoreThreshold)
	}
	if r.NegativeThreshold < 0 || r.NegativeThreshold > 1 {
		return fmt.Errorf("negative_threshold must be in [0,1], got %v", r.NegativeThreshold)
	}
	return nil
}

// canonicalForm is the explicit serialization the route hash is computed
// over. Field order is fixed by the struct, utterances are sorted, and
// negative samples are deliberately excluded: they do not affect the route's
// positive vectors and are re-upserted on every sync regardless.
type canonicalForm struct {
	Description    string   `json:"description"`
	ID             int      `json:"id"`
	Name           string   `json:"name"`
	ScoreThreshold float64  `json:"score_threshold"`
	Utterances     []string `json:"utterances"`
}

// Hash returns the MD5 hex digest of the route's canonical JSON form. It is
// invariant under utterance reordering and is used to decide whether a route
// needs re-embedding during incremental reindex.
func (r *Route) Hash() string {
	sorted := make([]string, len(r.Utterances))
	copy(sorted, r.Utterances)
	sort.Strings(sorted)

	data, err := json.Marshal(canonicalForm{
		Description:    r.Description,
		ID:             r.ID,
		Name:           r.Name,
		ScoreThreshold: r.ScoreThreshold,
		Utterances:     sorted,
	})
	if err != nil {
		// canonicalForm contains only marshalable types
		panic(fmt.Sprintf("route: marshal canonical form: %v", err))
	}

	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy so callers can mutate without aliasing the
// store's cached slices.
func (r *Route) Clone() Route {
	out := *r
	out.Utterances = append([]string(nil), r.Utterances...)
	out.NegativeSamples = append([]string(nil), r.NegativeSamples...)
	return out
}
