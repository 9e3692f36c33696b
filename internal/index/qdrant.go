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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/your-org/intent-hub/internal/resilience"
)

const scrollBatchSize = 200

// Client is the sole owner of all Qdrant operations. Every RPC runs under a
// per-call deadline so a hung index surfaces as a timeout error instead of
// stalling the caller.
type Client struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	dimensions  int
	timeout     time.Duration
	logger      *zap.Logger
}

// NewClient connects to Qdrant at the given gRPC address and ensures the
// collection exists with cosine distance and the payload indexes the
// prediction filters rely on.
func NewClient(ctx context.Context, addr, collection string, dimensions int,
	timeout time.Duration, logger *zap.Logger) (*Client, error) {

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: dial qdrant %s: %v", resilience.ErrIndex, addr, err)
	}

	if timeout <= 0 {
		timeout = resilience.DefaultTimeout
	}

	c := &Client{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		dimensions:  dimensions,
		timeout:     timeout,
		logger:      logger,
	}

	if err := c.ensureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the underlying gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// withDeadline bounds one RPC. gRPC reports an expired deadline as a status
// error, which is mapped back to context.DeadlineExceeded so the caller gets
// a distinguishable timeout error instead of a generic index failure.
func (c *Client) withDeadline(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.WithTimeout(ctx, c.timeout, c.logger, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && status.Code(err) == codes.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return err
	})
}

// wrapIndex classifies an RPC failure. Timeout errors pass through unchanged
// so callers can tell a hung index from a broken one.
func wrapIndex(op string, err error) error {
	var svcErr *resilience.ServiceError
	if errors.As(err, &svcErr) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", resilience.ErrIndex, op, err)
}

// ensureCollection creates the collection and payload indexes if missing
func (c *Client) ensureCollection(ctx context.Context) error {
	var list *pb.ListCollectionsResponse
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		var err error
		list, err = c.collections.List(ctx, &pb.ListCollectionsRequest{})
		return err
	})
	if err != nil {
		return wrapIndex("list collections", err)
	}

	exists := false
	for _, col := range list.GetCollections() {
		if col.GetName() == c.collection {
			exists = true
			break
		}
	}

	if !exists {
		err = c.withDeadline(ctx, func(ctx context.Context) error {
			_, err := c.collections.Create(ctx, &pb.CreateCollection{
				CollectionName: c.collection,
				VectorsConfig: &pb.VectorsConfig{
					Config: &pb.VectorsConfig_Params{
						Params: &pb.VectorParams{
							Size:     uint64(c.dimensions),
							Distance: pb.Distance_Cosine,
						},
					},
				},
			})
			return err
		})
		if err != nil {
			return wrapIndex(fmt.Sprintf("create collection %s", c.collection), err)
		}
		c.logger.Info("Collection created",
			zap.String("collection", c.collection),
			zap.Int("dimensions", c.dimensions))
	}

	for field, ft := range map[string]pb.FieldType{
		KeyRouteID:    pb.FieldType_FieldTypeInteger,
		KeyIsNegative: pb.FieldType_FieldTypeBool,
	} {
		fieldType := ft
		err = c.withDeadline(ctx, func(ctx context.Context) error {
			_, err := c.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
				CollectionName: c.collection,
				FieldName:      field,
				FieldType:      &fieldType,
			})
			return err
		})
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			c.logger.Warn("Failed to create payload index",
				zap.String("field", field),
				zap.Error(err))
		}
	}

	return nil
}

// PointID derives the deterministic id for a positive utterance point,
// so re-upserting the same utterance overwrites rather than duplicates.
func PointID(routeID int, routeName, utterance string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS,
		[]byte(fmt.Sprintf("%d:%s:%s", routeID, routeName, utterance))).String()
}

// NegativePointID derives the deterministic id for a negative sample point
func NegativePointID(routeID int, routeName, utterance string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS,
		[]byte(fmt.Sprintf("negative:%d:%s:%s", routeID, routeName, utterance))).String()
}

// UpsertUtterances stores a route's positive utterance vectors
func (c *Client) UpsertUtterances(ctx context.Context, routeID int, routeName string,
	utterances []string, vectors [][]float32, scoreThreshold float64, routeHash, modelName string) error {

	if len(utterances) != len(vectors) {
		return fmt.Errorf("utterance and vector counts do not match: %d vs %d", len(utterances), len(vectors))
	}

	points := make([]*pb.PointStruct, len(utterances))
	for i, u := range utterances {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(routeID, routeName, u)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vectors[i]},
				},
			},
			Payload: map[string]*pb.Value{
				KeyRouteID:        intValue(routeID),
				KeyRouteName:      stringValue(routeName),
				KeyUtterance:      stringValue(u),
				KeyScoreThreshold: doubleValue(scoreThreshold),
				KeyIsNegative:     boolValue(false),
				KeyRouteHash:      stringValue(routeHash),
				KeyModelName:      stringValue(modelName),
			},
		}
	}

	if err := c.upsert(ctx, points); err != nil {
		return wrapIndex(fmt.Sprintf("upsert %d utterances for route %d", len(points), routeID), err)
	}
	c.logger.Info("Route utterances upserted",
		zap.Int("route_id", routeID),
		zap.String("route_name", routeName),
		zap.Int("points", len(points)))
	return nil
}

// UpsertNegatives stores a route's negative sample vectors
func (c *Client) UpsertNegatives(ctx context.Context, routeID int, routeName string,
	negatives []string, vectors [][]float32, negativeThreshold float64) error {

	if len(negatives) != len(vectors) {
		return fmt.Errorf("negative sample and vector counts do not match: %d vs %d", len(negatives), len(vectors))
	}

	points := make([]*pb.PointStruct, len(negatives))
	for i, n := range negatives {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: NegativePointID(routeID, routeName, n)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: vectors[i]},
				},
			},
			Payload: map[string]*pb.Value{
				KeyRouteID:           intValue(routeID),
				KeyRouteName:         stringValue(routeName),
				KeyUtterance:         stringValue(n),
				KeyIsNegative:        boolValue(true),
				KeyNegativeThreshold: doubleValue(negativeThreshold),
			},
		}
	}

	if err := c.upsert(ctx, points); err != nil {
		return wrapIndex(fmt.Sprintf("upsert %d negatives for route %d", len(points), routeID), err)
	}
	c.logger.Info("Route negative samples upserted",
		zap.Int("route_id", routeID),
		zap.Int("points", len(points)))
	return nil
}

func (c *Client) upsert(ctx context.Context, points []*pb.PointStruct) error {
	if len(points) == 0 {
		return nil
	}
	wait := true
	return c.withDeadline(ctx, func(ctx context.Context) error {
		_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: c.collection,
			Wait:           &wait,
			Points:         points,
		})
		return err
	})
}

// DeleteRoute removes a route's positive points
func (c *Client) DeleteRoute(ctx context.Context, routeID int) error {
	filter := &pb.Filter{
		Must:    []*pb.Condition{matchInt(KeyRouteID, routeID)},
		MustNot: []*pb.Condition{matchBool(KeyIsNegative, true)},
	}
	if err := c.deleteByFilter(ctx, filter); err != nil {
		return wrapIndex(fmt.Sprintf("delete route %d", routeID), err)
	}
	return nil
}

// DeleteRouteNegatives removes a route's negative sample points
func (c *Client) DeleteRouteNegatives(ctx context.Context, routeID int) error {
	filter := &pb.Filter{
		Must: []*pb.Condition{
			matchInt(KeyRouteID, routeID),
			matchBool(KeyIsNegative, true),
		},
	}
	if err := c.deleteByFilter(ctx, filter); err != nil {
		return wrapIndex(fmt.Sprintf("delete negatives for route %d", routeID), err)
	}
	return nil
}

// DeleteAll drops and recreates the collection
func (c *Client) DeleteAll(ctx context.Context) error {
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		_, err := c.collections.Delete(ctx, &pb.DeleteCollection{
			CollectionName: c.collection,
		})
		return err
	})
	if err != nil {
		return wrapIndex(fmt.Sprintf("delete collection %s", c.collection), err)
	}
	return c.ensureCollection(ctx)
}

func (c *Client) deleteByFilter(ctx context.Context, filter *pb.Filter) error {
	wait := true
	return c.withDeadline(ctx, func(ctx context.Context) error {
		_, err := c.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: c.collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{
				PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
			},
		})
		return err
	})
}

// Search performs k-NN similarity search over positive points
func (c *Client) Search(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	filter := &pb.Filter{
		MustNot: []*pb.Condition{matchBool(KeyIsNegative, true)},
	}
	return c.search(ctx, vector, topK, filter)
}

// SearchNegatives performs k-NN similarity search restricted to negative points
func (c *Client) SearchNegatives(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	filter := &pb.Filter{
		Must: []*pb.Condition{matchBool(KeyIsNegative, true)},
	}
	return c.search(ctx, vector, topK, filter)
}

func (c *Client) search(ctx context.Context, vector []float32, topK int, filter *pb.Filter) ([]SearchResult, error) {
	var resp *pb.SearchResponse
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.points.Search(ctx, &pb.SearchPoints{
			CollectionName: c.collection,
			Vector:         vector,
			Limit:          uint64(topK),
			Filter:         filter,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
		})
		return err
	})
	if err != nil {
		return nil, wrapIndex("search", err)
	}

	results := make([]SearchResult, len(resp.GetResult()))
	for i, p := range resp.GetResult() {
		results[i] = SearchResult{
			Score:   float64(p.GetScore()),
			Payload: decodePayload(p.GetPayload()),
		}
	}
	return results, nil
}

// RouteVectors returns a route's positive points with vectors, for centroid
// and pairwise conflict computation.
func (c *Client) RouteVectors(ctx context.Context, routeID int) ([]Point, error) {
	filter := &pb.Filter{
		Must:    []*pb.Condition{matchInt(KeyRouteID, routeID)},
		MustNot: []*pb.Condition{matchBool(KeyIsNegative, true)},
	}
	points, err := c.scroll(ctx, filter, true)
	if err != nil {
		return nil, wrapIndex(fmt.Sprintf("fetch vectors for route %d", routeID), err)
	}
	return points, nil
}

// ScrollAll returns every point, optionally without negatives and vectors
func (c *Client) ScrollAll(ctx context.Context, withVectors, excludeNegative bool) ([]Point, error) {
	var filter *pb.Filter
	if excludeNegative {
		filter = &pb.Filter{
			MustNot: []*pb.Condition{matchBool(KeyIsNegative, true)},
		}
	}
	points, err := c.scroll(ctx, filter, withVectors)
	if err != nil {
		return nil, wrapIndex("scroll all points", err)
	}
	return points, nil
}

func (c *Client) scroll(ctx context.Context, filter *pb.Filter, withVectors bool) ([]Point, error) {
	var out []Point
	var offset *pb.PointId
	limit := uint32(scrollBatchSize)

	for {
		var resp *pb.ScrollResponse
		err := c.withDeadline(ctx, func(ctx context.Context) error {
			var err error
			resp, err = c.points.Scroll(ctx, &pb.ScrollPoints{
				CollectionName: c.collection,
				Filter:         filter,
				Limit:          &limit,
				Offset:         offset,
				WithPayload: &pb.WithPayloadSelector{
					SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
				},
				WithVectors: &pb.WithVectorsSelector{
					SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: withVectors},
				},
			})
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, p := range resp.GetResult() {
			point := Point{
				ID:      p.GetId().GetUuid(),
				Payload: decodePayload(p.GetPayload()),
			}
			if withVectors {
				point.Vector = p.GetVectors().GetVector().GetData()
			}
			out = append(out, point)
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	return out, nil
}

// HasData reports whether the collection holds any points
func (c *Client) HasData(ctx context.Context) (bool, error) {
	exact := true
	var resp *pb.CountResponse
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.points.Count(ctx, &pb.CountPoints{
			CollectionName: c.collection,
			Exact:          &exact,
		})
		return err
	})
	if err != nil {
		return false, wrapIndex("count points", err)
	}
	return resp.GetResult().GetCount() > 0, nil
}

// IndexState scans payloads (no vectors) and reports the per-route content
// hashes and the embedding models present, for incremental sync decisions.
func (c *Client) IndexState(ctx context.Context) (*State, error) {
	points, err := c.ScrollAll(ctx, false, false)
	if err != nil {
		return nil, err
	}

	state := &State{
		RouteHashes: make(map[int]string),
		ModelNames:  make(map[string]struct{}),
	}
	for _, p := range points {
		if p.Payload.IsNegative {
			// negatives carry no hash; the positive points are authoritative
			continue
		}
		state.RouteHashes[p.Payload.RouteID] = p.Payload.RouteHash
		if p.Payload.ModelName != "" {
			state.ModelNames[p.Payload.ModelName] = struct{}{}
		}
	}
	return state, nil
}

// Ping reports whether the index is reachable
func (c *Client) Ping(ctx context.Context) error {
	err := c.withDeadline(ctx, func(ctx context.Context) error {
		_, err := c.collections.List(ctx, &pb.ListCollectionsRequest{})
		return err
	})
	if err != nil {
		return wrapIndex("ping", err)
	}
	return nil
}

func decodePayload(payload map[string]*pb.Value) Payload {
	return Payload{
		RouteID:           int(payload[KeyRouteID].GetIntegerValue()),
		RouteName:         payload[KeyRouteName].GetStringValue(),
		Utterance:         payload[KeyUtterance].GetStringValue(),
		ScoreThreshold:    payload[KeyScoreThreshold].GetDoubleValue(),
		IsNegative:        payload[KeyIsNegative].GetBoolValue(),
		NegativeThreshold: payload[KeyNegativeThreshold].GetDoubleValue(),
		RouteHash:         payload[KeyRouteHash].GetStringValue(),
		ModelName:         payload[KeyModelName].GetStringValue(),
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(i int) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(i)}}
}

func boolValue(b bool) *pb.Value {
	return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: b}}
}

func doubleValue(f float64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: f}}
}

func matchInt(key string, value int) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Integer{Integer: int64(value)},
				},
			},
		},
	}
}

func matchBool(key string, value bool) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Boolean{Boolean: value},
				},
			},
		},
	}
}
