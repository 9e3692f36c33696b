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
	"database/sql"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/index"
	"github.com/your-org/intent-hub/internal/route"
)

type fakeIndex struct {
	// vectors maps route id to utterance/vector pairs
	vectors map[int][]index.Point
}

func (f *fakeIndex) RouteVectors(_ context.Context, routeID int) ([]index.Point, error) {
	return f.vectors[routeID], nil
}

func (f *fakeIndex) setRoute(routeID int, utterances []string, vectors [][]float32) {
	points := make([]index.Point, len(utterances))
	for i, u := range utterances {
		points[i] = index.Point{
			Vector:  vectors[i],
			Payload: index.Payload{RouteID: routeID, Utterance: u},
		}
	}
	f.vectors[routeID] = points
}

type fakeRoutes map[int]route.Route

func (f fakeRoutes) Get(id int) (route.Route, error) {
	r, ok := f[id]
	if !ok {
		return route.Route{}, sql.ErrNoRows
	}
	return r, nil
}

func (f fakeRoutes) All() []route.Route {
	out := make([]route.Route, 0, len(f))
	for id := 1; id <= len(f); id++ {
		if r, ok := f[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "diag.db"))
	if err != nil {
		t.Fatalf("failed to open cache db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	c, err := NewCache(db)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c
}

// Three-route fixture: routes 1 and 2 share a semantic region (their unit
// vectors nearly coincide), route 3 points the other way.
func newFixture() (*fakeIndex, fakeRoutes) {
	idx := &fakeIndex{vectors: make(map[int][]index.Point)}
	idx.setRoute(1, []string{"a1", "a2"}, [][]float32{{1, 0}, {0.96, 0.28}})
	idx.setRoute(2, []string{"b1"}, [][]float32{{1, 0}})
	idx.setRoute(3, []string{"c1"}, [][]float32{{0, 1}})

	routes := fakeRoutes{
		1: {ID: 1, Name: "billing", Utterances: []string{"a1", "a2"}},
		2: {ID: 2, Name: "payments", Utterances: []string{"b1"}},
		3: {ID: 3, Name: "weather", Utterances: []string{"c1"}},
	}
	return idx, routes
}

func newTestEngine(t *testing.T, idx Index, routes Routes) *Engine {
	t.Helper()
	return NewEngine(idx, routes, newTestCache(t), Options{
		RegionThreshold:   0.85,
		InstanceThreshold: 0.92,
	}, zap.NewNop())
}

func TestAnalyzeRouteOverlapDetectsCollision(t *testing.T) {
	idx, routes := newFixture()
	e := newTestEngine(t, idx, routes)

	result, err := e.AnalyzeRouteOverlap(context.Background(), 1)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	if len(result.Overlaps) != 1 {
		t.Fatalf("expected exactly one overlap, got %+v", result.Overlaps)
	}
	overlap := result.Overlaps[0]
	if overlap.TargetRouteID != 2 {
		t.Errorf("expected overlap with route 2, got %d", overlap.TargetRouteID)
	}
	if overlap.RegionSimilarity < 0.85 {
		t.Errorf("expected region similarity above threshold, got %v", overlap.RegionSimilarity)
	}
	// a1 and a2 both sit within the instance threshold of b1.
	if len(overlap.InstanceConflicts) != 2 {
		t.Errorf("expected 2 instance conflicts, got %+v", overlap.InstanceConflicts)
	}
}

func TestAnalyzeRouteOverlapSymmetricRegion(t *testing.T) {
	idx, routes := newFixture()
	e := newTestEngine(t, idx, routes)

	a, err := e.AnalyzeRouteOverlap(context.Background(), 1)
	if err != nil {
		t.Fatalf("analyze route 1 failed: %v", err)
	}
	b, err := e.AnalyzeRouteOverlap(context.Background(), 2)
	if err != nil {
		t.Fatalf("analyze route 2 failed: %v", err)
	}

	if len(a.Overlaps) != 1 || len(b.Overlaps) != 1 {
		t.Fatalf("expected one overlap each way, got %d and %d", len(a.Overlaps), len(b.Overlaps))
	}
	if !almostEqual(a.Overlaps[0].RegionSimilarity, b.Overlaps[0].RegionSimilarity) {
		t.Errorf("region similarity not symmetric: %v vs %v",
			a.Overlaps[0].RegionSimilarity, b.Overlaps[0].RegionSimilarity)
	}
	if len(a.Overlaps[0].InstanceConflicts) != len(b.Overlaps[0].InstanceConflicts) {
		t.Errorf("conflict counts not symmetric: %d vs %d",
			len(a.Overlaps[0].InstanceConflicts), len(b.Overlaps[0].InstanceConflicts))
	}
}

func TestAnalyzeRouteOverlapConflictWithoutRegionOverlap(t *testing.T) {
	// Routes mostly apart but sharing one near-identical utterance: the
	// centroids stay below the region threshold, yet the single confusable
	// pair must still surface.
	idx := &fakeIndex{vectors: make(map[int][]index.Point)}
	idx.setRoute(1, []string{"a1", "a2", "a3"}, [][]float32{{1, 0}, {0, 1}, {-0.7, 0.7}})
	idx.setRoute(2, []string{"b1", "b2", "b3"}, [][]float32{{1, 0.01}, {-1, 0}, {0, -1}})
	routes := fakeRoutes{
		1: {ID: 1, Name: "one", Utterances: []string{"a1", "a2", "a3"}},
		2: {ID: 2, Name: "two", Utterances: []string{"b1", "b2", "b3"}},
	}
	e := newTestEngine(t, idx, routes)

	result, err := e.AnalyzeRouteOverlap(context.Background(), 1)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(result.Overlaps) != 1 {
		t.Fatalf("expected conflict-driven overlap, got %+v", result.Overlaps)
	}
	overlap := result.Overlaps[0]
	if overlap.RegionSimilarity >= 0.85 {
		t.Fatalf("fixture broken: region similarity %v should be below threshold", overlap.RegionSimilarity)
	}
	if len(overlap.InstanceConflicts) != 1 {
		t.Errorf("expected exactly one conflict pair, got %+v", overlap.InstanceConflicts)
	}
}

func TestAnalyzeRouteOverlapFiltersNegativeSamples(t *testing.T) {
	idx, routes := newFixture()
	// Mark a1 as a negative sample of route 1: its vector must not count
	// toward route 1's positive identity.
	r := routes[1]
	r.NegativeSamples = []string{"a1", "a2"}
	routes[1] = r
	e := newTestEngine(t, idx, routes)

	result, err := e.AnalyzeRouteOverlap(context.Background(), 1)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(result.Overlaps) != 0 {
		t.Errorf("route with all utterances filtered should have no overlaps, got %+v", result.Overlaps)
	}
}

func TestAnalyzeRouteOverlapEmptyRoute(t *testing.T) {
	idx, routes := newFixture()
	idx.vectors[1] = nil
	e := newTestEngine(t, idx, routes)

	result, err := e.AnalyzeRouteOverlap(context.Background(), 1)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if len(result.Overlaps) != 0 {
		t.Errorf("route without vectors should report no overlaps, got %+v", result.Overlaps)
	}
}

func TestAnalyzeAllOverlapsPopulatesAndUsesCache(t *testing.T) {
	idx, routes := newFixture()
	e := newTestEngine(t, idx, routes)
	ctx := context.Background()

	first, err := e.AnalyzeAllOverlaps(ctx, false)
	if err != nil {
		t.Fatalf("full analyze failed: %v", err)
	}
	// Only routes 1 and 2 overlap; route 3 is cached with an empty entry but
	// not returned.
	if len(first) != 2 {
		t.Fatalf("expected 2 overlapping routes, got %+v", first)
	}

	cached, err := e.cache.All()
	if err != nil {
		t.Fatalf("cache read failed: %v", err)
	}
	if len(cached) != 3 {
		t.Errorf("expected all 3 routes cached (empty entries included), got %d", len(cached))
	}

	// Mutate the index behind the cache's back: a cached read must not see it.
	idx.setRoute(3, []string{"c1"}, [][]float32{{1, 0}})
	second, err := e.AnalyzeAllOverlaps(ctx, true)
	if err != nil {
		t.Fatalf("cached analyze failed: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("cached read returned different results than the original compute")
	}
}

func TestUpdateRouteDiagnosticsMatchesFullRecompute(t *testing.T) {
	idx, routes := newFixture()
	ctx := context.Background()

	incremental := newTestEngine(t, idx, routes)
	if _, err := incremental.AnalyzeAllOverlaps(ctx, false); err != nil {
		t.Fatalf("initial full analyze failed: %v", err)
	}

	// Route 3 swings into the shared region of routes 1 and 2.
	idx.setRoute(3, []string{"c1"}, [][]float32{{1, 0}})
	if err := incremental.UpdateRouteDiagnostics(ctx, 3); err != nil {
		t.Fatalf("incremental update failed: %v", err)
	}
	got, err := incremental.cache.All()
	if err != nil {
		t.Fatalf("cache read failed: %v", err)
	}

	reference := newTestEngine(t, idx, routes)
	if _, err := reference.AnalyzeAllOverlaps(ctx, false); err != nil {
		t.Fatalf("reference full analyze failed: %v", err)
	}
	want, err := reference.cache.All()
	if err != nil {
		t.Fatalf("reference cache read failed: %v", err)
	}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("incremental cache diverged from full recompute:\n got: %+v\nwant: %+v", got, want)
	}
}

func TestUpdateRouteDiagnosticsSplicesOutStaleReference(t *testing.T) {
	idx, routes := newFixture()
	e := newTestEngine(t, idx, routes)
	ctx := context.Background()

	if _, err := e.AnalyzeAllOverlaps(ctx, false); err != nil {
		t.Fatalf("initial analyze failed: %v", err)
	}

	// Route 2 moves away from route 1 entirely.
	idx.setRoute(2, []string{"b1"}, [][]float32{{0, -1}})
	if err := e.UpdateRouteDiagnostics(ctx, 2); err != nil {
		t.Fatalf("incremental update failed: %v", err)
	}

	one, found, err := e.cache.Get(1)
	if err != nil || !found {
		t.Fatalf("route 1 missing from cache: %v", err)
	}
	for _, o := range one.Overlaps {
		if o.TargetRouteID == 2 {
			t.Errorf("stale reference to moved route survived: %+v", o)
		}
	}
}

func TestRemoveRouteFromCache(t *testing.T) {
	idx, routes := newFixture()
	e := newTestEngine(t, idx, routes)
	ctx := context.Background()

	if _, err := e.AnalyzeAllOverlaps(ctx, false); err != nil {
		t.Fatalf("initial analyze failed: %v", err)
	}

	if err := e.RemoveRouteFromCache(2); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if _, found, err := e.cache.Get(2); err != nil || found {
		t.Errorf("removed route still has a cache entry (found=%v, err=%v)", found, err)
	}

	cached, err := e.cache.All()
	if err != nil {
		t.Fatalf("cache read failed: %v", err)
	}
	for id, res := range cached {
		for _, o := range res.Overlaps {
			if o.TargetRouteID == 2 {
				t.Errorf("route %d still references removed route 2", id)
			}
		}
	}
}
