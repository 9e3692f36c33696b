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

package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/diagnostic"
	"github.com/your-org/intent-hub/internal/index"
	"github.com/your-org/intent-hub/internal/resilience"
	"github.com/your-org/intent-hub/internal/route"
)

type fakeRoutes struct {
	routes  map[int]route.Route
	reloads int
}

func (f *fakeRoutes) Reload() error { f.reloads++; return nil }

func (f *fakeRoutes) All() []route.Route {
	out := make([]route.Route, 0, len(f.routes))
	for id := 1; id <= 100; id++ {
		if r, ok := f.routes[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeRoutes) Get(id int) (route.Route, error) {
	r, ok := f.routes[id]
	if !ok {
		return route.Route{}, resilience.RouteNotFound(id)
	}
	return r, nil
}

type fakeEmbedder struct {
	failFor map[string]bool
	model   string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failFor[text] {
			return nil, fmt.Errorf("%w: provider rejected %q", resilience.ErrEmbedding, text)
		}
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) ModelName() string {
	if f.model == "" {
		return "test-model"
	}
	return f.model
}

type fakeIndex struct {
	state      index.State
	hasData    bool
	deletedAll int

	upserted        map[int]int // route id -> positive point count
	upsertedNeg     map[int]int
	deleted         []int
	deletedNegative []int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		state:       index.State{RouteHashes: map[int]string{}, ModelNames: map[string]struct{}{}},
		upserted:    map[int]int{},
		upsertedNeg: map[int]int{},
	}
}

func (f *fakeIndex) HasData(_ context.Context) (bool, error) { return f.hasData, nil }

func (f *fakeIndex) IndexState(_ context.Context) (*index.State, error) { return &f.state, nil }

func (f *fakeIndex) DeleteAll(_ context.Context) error {
	f.deletedAll++
	f.upserted = map[int]int{}
	f.upsertedNeg = map[int]int{}
	return nil
}

func (f *fakeIndex) DeleteRoute(_ context.Context, routeID int) error {
	f.deleted = append(f.deleted, routeID)
	delete(f.upserted, routeID)
	return nil
}

func (f *fakeIndex) DeleteRouteNegatives(_ context.Context, routeID int) error {
	f.deletedNegative = append(f.deletedNegative, routeID)
	delete(f.upsertedNeg, routeID)
	return nil
}

func (f *fakeIndex) UpsertUtterances(_ context.Context, routeID int, _ string,
	utterances []string, _ [][]float32, _ float64, _, _ string) error {
	f.upserted[routeID] = len(utterances)
	return nil
}

func (f *fakeIndex) UpsertNegatives(_ context.Context, routeID int, _ string,
	negatives []string, _ [][]float32, _ float64) error {
	f.upsertedNeg[routeID] = len(negatives)
	return nil
}

type fakeScheduler struct {
	full        int
	incremental []int
}

func (f *fakeScheduler) SubmitFull() (*diagnostic.Handle, error) {
	f.full++
	return completedHandle(), nil
}

func (f *fakeScheduler) SubmitIncremental(routeID int) (*diagnostic.Handle, error) {
	f.incremental = append(f.incremental, routeID)
	return completedHandle(), nil
}

func completedHandle() *diagnostic.Handle {
	h := &diagnostic.Handle{}
	// zero-value handle has no done channel; construct through the runner in
	// real code. Tests only need a non-nil marker.
	return h
}

type fakeOverlapCache struct {
	removed []int
}

func (f *fakeOverlapCache) RemoveRouteFromCache(routeID int) error {
	f.removed = append(f.removed, routeID)
	return nil
}

func testRoute(id int, name string, negatives ...string) route.Route {
	return route.Route{
		ID:                id,
		Name:              name,
		Utterances:        []string{"utterance for " + name},
		NegativeSamples:   negatives,
		ScoreThreshold:    route.DefaultScoreThreshold,
		NegativeThreshold: route.DefaultNegativeThreshold,
	}
}

func newTestEngine(routes *fakeRoutes, idx *fakeIndex) (*Engine, *fakeScheduler, *fakeOverlapCache) {
	sched := &fakeScheduler{}
	cache := &fakeOverlapCache{}
	e := NewEngine(routes, &fakeEmbedder{}, idx, sched, cache, zap.NewNop())
	return e, sched, cache
}

func TestReindexEmptyIndexRunsFullSync(t *testing.T) {
	routes := &fakeRoutes{routes: map[int]route.Route{
		1: testRoute(1, "billing", "not billing"),
		2: testRoute(2, "weather"),
	}}
	idx := newFakeIndex()
	e, sched, _ := newTestEngine(routes, idx)

	report, err := e.Reindex(context.Background(), false)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}

	if report.Mode != "full" {
		t.Errorf("expected full sync on empty index, got %q", report.Mode)
	}
	if routes.reloads != 1 {
		t.Errorf("expected one store reload, got %d", routes.reloads)
	}
	if report.RoutesCount != 2 || report.SuccessCount != 2 || report.FailedCount != 0 {
		t.Errorf("unexpected counts: %+v", report)
	}
	if report.PointsCount != 2 || report.NegativePointsCount != 1 {
		t.Errorf("unexpected point counts: %+v", report)
	}
	if sched.full != 1 {
		t.Errorf("expected one diagnostics recompute, got %d", sched.full)
	}
}

func TestReindexForceFullRebuilds(t *testing.T) {
	routes := &fakeRoutes{routes: map[int]route.Route{1: testRoute(1, "billing")}}
	idx := newFakeIndex()
	idx.hasData = true
	e, _, _ := newTestEngine(routes, idx)

	report, err := e.Reindex(context.Background(), true)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}
	if report.Mode != "full" || idx.deletedAll != 1 {
		t.Errorf("force full did not rebuild: mode=%q deletedAll=%d", report.Mode, idx.deletedAll)
	}
}

func TestReindexPartialFailureIsolation(t *testing.T) {
	routes := &fakeRoutes{routes: map[int]route.Route{
		1: testRoute(1, "billing"),
		2: testRoute(2, "broken"),
		3: testRoute(3, "weather"),
	}}
	idx := newFakeIndex()
	e, _, _ := newTestEngine(routes, idx)
	e.embedder = &fakeEmbedder{failFor: map[string]bool{"utterance for broken": true}}

	report, err := e.Reindex(context.Background(), true)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}

	if report.SuccessCount != 2 || report.FailedCount != 1 {
		t.Fatalf("expected 2 successes and 1 failure, got %+v", report)
	}
	if report.SuccessCount+report.FailedCount != report.RoutesCount {
		t.Errorf("success + failed must equal routes count: %+v", report)
	}
	if len(report.FailedRoutes) != 1 || report.FailedRoutes[0].RouteID != 2 {
		t.Errorf("failed route not reported: %+v", report.FailedRoutes)
	}
	if _, ok := idx.upserted[1]; !ok {
		t.Error("route 1 should have been indexed despite route 2 failing")
	}
	if _, ok := idx.upserted[3]; !ok {
		t.Error("route 3 should have been indexed despite route 2 failing")
	}
}

func TestFullSyncCountsNewFromSuccesses(t *testing.T) {
	routes := &fakeRoutes{routes: map[int]route.Route{
		1: testRoute(1, "billing"),
		2: testRoute(2, "broken"),
		3: testRoute(3, "weather"),
	}}
	idx := newFakeIndex()
	e, _, _ := newTestEngine(routes, idx)
	e.embedder = &fakeEmbedder{failFor: map[string]bool{"utterance for broken": true}}

	report, err := e.Reindex(context.Background(), true)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}

	if report.NewCount != 2 {
		t.Errorf("failed routes must not count as new: NewCount=%d", report.NewCount)
	}
	if report.NewCount != report.SuccessCount {
		t.Errorf("full sync new count must match successes: new=%d success=%d",
			report.NewCount, report.SuccessCount)
	}
	if report.NewCount+report.FailedCount != report.RoutesCount {
		t.Errorf("counters are inconsistent: %+v", report)
	}
}

func TestIncrementalSkipsUnchangedRoutes(t *testing.T) {
	r1 := testRoute(1, "billing")
	r2 := testRoute(2, "weather")
	routes := &fakeRoutes{routes: map[int]route.Route{1: r1, 2: r2}}

	idx := newFakeIndex()
	idx.hasData = true
	idx.state.RouteHashes = map[int]string{1: r1.Hash(), 2: "stale-hash"}
	idx.state.ModelNames = map[string]struct{}{"test-model": {}}

	e, sched, _ := newTestEngine(routes, idx)

	report, err := e.Reindex(context.Background(), false)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}

	if report.Mode != "incremental" {
		t.Fatalf("expected incremental sync, got %q", report.Mode)
	}
	if report.SkippedCount != 1 || report.UpdatedCount != 1 || report.NewCount != 0 {
		t.Errorf("unexpected counts: %+v", report)
	}
	if _, reindexed := idx.upserted[1]; reindexed {
		t.Error("unchanged route 1 was re-embedded")
	}
	if _, ok := idx.upserted[2]; !ok {
		t.Error("changed route 2 was not re-embedded")
	}
	if sched.full != 1 {
		t.Errorf("changed routes should trigger one diagnostics recompute, got %d", sched.full)
	}
}

func TestIncrementalNoChangesSkipsDiagnostics(t *testing.T) {
	r1 := testRoute(1, "billing")
	routes := &fakeRoutes{routes: map[int]route.Route{1: r1}}

	idx := newFakeIndex()
	idx.hasData = true
	idx.state.RouteHashes = map[int]string{1: r1.Hash()}
	idx.state.ModelNames = map[string]struct{}{"test-model": {}}

	e, sched, _ := newTestEngine(routes, idx)

	report, err := e.Reindex(context.Background(), false)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}
	if report.SkippedCount != 1 || sched.full != 0 {
		t.Errorf("no-op sync should skip diagnostics: %+v, submits=%d", report, sched.full)
	}
	if report.Diagnostics != nil {
		t.Error("no-op sync should not return a diagnostics handle")
	}
}

func TestIncrementalRemovesDeletedRoutes(t *testing.T) {
	r1 := testRoute(1, "billing")
	routes := &fakeRoutes{routes: map[int]route.Route{1: r1}}

	idx := newFakeIndex()
	idx.hasData = true
	idx.state.RouteHashes = map[int]string{1: r1.Hash(), 2: "orphan-hash"}
	idx.state.ModelNames = map[string]struct{}{"test-model": {}}

	e, _, cache := newTestEngine(routes, idx)

	report, err := e.Reindex(context.Background(), false)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}

	if report.DeletedCount != 1 {
		t.Errorf("expected one deleted route, got %+v", report)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != 2 {
		t.Errorf("orphan route points not deleted: %v", idx.deleted)
	}
	if len(idx.deletedNegative) != 1 || idx.deletedNegative[0] != 2 {
		t.Errorf("orphan route negatives not deleted: %v", idx.deletedNegative)
	}
	if len(cache.removed) != 1 || cache.removed[0] != 2 {
		t.Errorf("orphan route not purged from diagnostics cache: %v", cache.removed)
	}
}

func TestModelChangeForcesFullSync(t *testing.T) {
	r1 := testRoute(1, "billing")
	routes := &fakeRoutes{routes: map[int]route.Route{1: r1}}

	idx := newFakeIndex()
	idx.hasData = true
	idx.state.RouteHashes = map[int]string{1: r1.Hash()}
	idx.state.ModelNames = map[string]struct{}{"old-model": {}}

	e, _, _ := newTestEngine(routes, idx)

	report, err := e.Reindex(context.Background(), false)
	if err != nil {
		t.Fatalf("reindex failed: %v", err)
	}
	if report.Mode != "full" || idx.deletedAll != 1 {
		t.Errorf("model change must force a full rebuild: mode=%q deletedAll=%d", report.Mode, idx.deletedAll)
	}
}

func TestSyncRouteDeletesBeforeReinsert(t *testing.T) {
	routes := &fakeRoutes{routes: map[int]route.Route{1: testRoute(1, "billing", "negative one")}}
	idx := newFakeIndex()
	e, sched, _ := newTestEngine(routes, idx)

	report, err := e.SyncRoute(context.Background(), 1)
	if err != nil {
		t.Fatalf("sync route failed: %v", err)
	}
	if report.SuccessCount != 1 || report.PointsCount != 1 || report.NegativePointsCount != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(idx.deleted) != 1 || len(idx.deletedNegative) != 1 {
		t.Error("route points were not deleted before reinsert")
	}
	if len(sched.incremental) != 1 || sched.incremental[0] != 1 {
		t.Errorf("expected incremental diagnostics for route 1, got %v", sched.incremental)
	}
}

func TestSyncRouteUnknownID(t *testing.T) {
	e, _, _ := newTestEngine(&fakeRoutes{routes: map[int]route.Route{}}, newFakeIndex())

	_, err := e.SyncRoute(context.Background(), 9)
	if !errors.Is(err, resilience.ErrRouteNotFound) {
		t.Errorf("expected route-not-found, got %v", err)
	}
}

func TestSyncNegativesReplacesPoints(t *testing.T) {
	routes := &fakeRoutes{routes: map[int]route.Route{
		1: testRoute(1, "billing", "cancel my subscription", "close my account"),
	}}
	idx := newFakeIndex()
	e, sched, _ := newTestEngine(routes, idx)

	report, err := e.SyncNegatives(context.Background(), 1)
	if err != nil {
		t.Fatalf("sync negatives failed: %v", err)
	}

	if report.Mode != "negatives" || report.SuccessCount != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.NegativePointsCount != 2 || idx.upsertedNeg[1] != 2 {
		t.Errorf("expected 2 negative points, got report=%d index=%d",
			report.NegativePointsCount, idx.upsertedNeg[1])
	}
	if len(idx.deletedNegative) != 1 || idx.deletedNegative[0] != 1 {
		t.Errorf("old negative points were not deleted first: %v", idx.deletedNegative)
	}
	if len(idx.deleted) != 0 {
		t.Error("positive points must not be touched")
	}
	if sched.full != 0 || len(sched.incremental) != 0 {
		t.Error("negative changes must not trigger a diagnostics recompute")
	}
}

func TestSyncNegativesEmptyClearsPoints(t *testing.T) {
	routes := &fakeRoutes{routes: map[int]route.Route{1: testRoute(1, "billing")}}
	idx := newFakeIndex()
	idx.upsertedNeg[1] = 3
	e, _, _ := newTestEngine(routes, idx)

	report, err := e.SyncNegatives(context.Background(), 1)
	if err != nil {
		t.Fatalf("sync negatives failed: %v", err)
	}

	if report.NegativePointsCount != 0 || report.SuccessCount != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if _, stillThere := idx.upsertedNeg[1]; stillThere {
		t.Error("stale negative points survived an empty sync")
	}
}

func TestSyncNegativesUnknownID(t *testing.T) {
	e, _, _ := newTestEngine(&fakeRoutes{routes: map[int]route.Route{}}, newFakeIndex())

	_, err := e.SyncNegatives(context.Background(), 9)
	if !errors.Is(err, resilience.ErrRouteNotFound) {
		t.Errorf("expected route-not-found, got %v", err)
	}
}

func TestSyncRoutesIsolatesFailures(t *testing.T) {
	routes := &fakeRoutes{routes: map[int]route.Route{
		1: testRoute(1, "billing"),
		2: testRoute(2, "broken"),
	}}
	idx := newFakeIndex()
	e, sched, _ := newTestEngine(routes, idx)
	e.embedder = &fakeEmbedder{failFor: map[string]bool{"utterance for broken": true}}

	report, err := e.SyncRoutes(context.Background(), []int{1, 2, 3})
	if err != nil {
		t.Fatalf("sync routes failed: %v", err)
	}
	if report.SuccessCount != 1 || report.FailedCount != 2 {
		t.Errorf("unexpected counts: %+v", report)
	}
	if sched.full != 1 {
		t.Errorf("partial success should still schedule diagnostics, got %d submits", sched.full)
	}
}
