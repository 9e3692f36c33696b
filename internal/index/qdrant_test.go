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

package index

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/your-org/intent-hub/internal/resilience"
)

// stalledPoints never answers; calls return only when the context expires.
type stalledPoints struct {
	pb.PointsClient
}

func (stalledPoints) Search(ctx context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledPoints) Scroll(ctx context.Context, _ *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledPoints) Upsert(ctx context.Context, _ *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingPoints struct {
	pb.PointsClient
}

func (failingPoints) Search(_ context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	return nil, errors.New("connection reset")
}

func stalledClient() *Client {
	return &Client{
		points:     stalledPoints{},
		collection: "routes",
		dimensions: 2,
		timeout:    20 * time.Millisecond,
		logger:     zap.NewNop(),
	}
}

func assertTimeout(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error from a stalled index")
	}

	var svcErr *resilience.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected a ServiceError, got %T: %v", err, err)
	}
	if svcErr.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("expected status %d, got %d", http.StatusGatewayTimeout, svcErr.StatusCode)
	}
}

func TestSearchTimesOutOnStalledIndex(t *testing.T) {
	c := stalledClient()

	start := time.Now()
	_, err := c.Search(context.Background(), []float32{1, 0}, 5)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("search did not respect the deadline, took %v", elapsed)
	}
	assertTimeout(t, err)
}

func TestScrollTimesOutOnStalledIndex(t *testing.T) {
	c := stalledClient()

	_, err := c.ScrollAll(context.Background(), false, false)
	assertTimeout(t, err)
}

func TestUpsertTimesOutOnStalledIndex(t *testing.T) {
	c := stalledClient()

	err := c.UpsertUtterances(context.Background(), 1, "billing",
		[]string{"why was I charged"}, [][]float32{{1, 0}}, 0.75, "hash", "test-model")
	assertTimeout(t, err)
}

func TestSearchFailureWrapsIndexError(t *testing.T) {
	c := &Client{
		points:     failingPoints{},
		collection: "routes",
		timeout:    time.Second,
		logger:     zap.NewNop(),
	}

	_, err := c.Search(context.Background(), []float32{1, 0}, 5)
	if !errors.Is(err, resilience.ErrIndex) {
		t.Errorf("expected an index error, got %v", err)
	}
	var svcErr *resilience.ServiceError
	if errors.As(err, &svcErr) {
		t.Errorf("non-timeout failures must not surface as timeouts: %v", err)
	}
}

func TestPointIDIsDeterministic(t *testing.T) {
	a := PointID(1, "billing", "why was I charged")
	b := PointID(1, "billing", "why was I charged")
	if a != b {
		t.Errorf("same inputs produced different ids: %s vs %s", a, b)
	}
	if a == PointID(2, "billing", "why was I charged") {
		t.Error("different route ids must produce different point ids")
	}
	if a == NegativePointID(1, "billing", "why was I charged") {
		t.Error("negative points must never collide with positive points")
	}
}
