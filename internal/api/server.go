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

// Package api exposes the routing service over HTTP
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/diagnostic"
	"github.com/your-org/intent-hub/internal/health"
	"github.com/your-org/intent-hub/internal/predict"
	"github.com/your-org/intent-hub/internal/repair"
	"github.com/your-org/intent-hub/internal/route"
	"github.com/your-org/intent-hub/internal/syncer"
)

// Predictor resolves an utterance to matching routes
type Predictor interface {
	Predict(ctx context.Context, text string) ([]predict.Response, error)
}

// Diagnostics is the slice of the diagnostic engine the API needs
type Diagnostics interface {
	AnalyzeRouteOverlap(ctx context.Context, routeID int) (diagnostic.Result, error)
	AnalyzeAllOverlaps(ctx context.Context, useCache bool) ([]diagnostic.Result, error)
}

// Repairer generates and applies repair suggestions
type Repairer interface {
	GetRepairSuggestions(ctx context.Context, sourceID, targetID int) (repair.Suggestion, error)
	ApplyRepair(ctx context.Context, routeID int, newUtterances, negativeSamples []string) (route.Route, error)
}

// Syncer reconciles the vector index with the route store
type Syncer interface {
	Reindex(ctx context.Context, forceFull bool) (*syncer.Report, error)
	SyncRoute(ctx context.Context, routeID int) (*syncer.Report, error)
	SyncRoutes(ctx context.Context, routeIDs []int) (*syncer.Report, error)
	SyncNegatives(ctx context.Context, routeID int) (*syncer.Report, error)
}

// UtteranceGenerator produces synthetic example utterances for a route
type UtteranceGenerator interface {
	GenerateUtterances(ctx context.Context, name, description string, count int, references []string) ([]string, error)
}

// Dependencies holds the initialized services the API serves
type Dependencies struct {
	Routes      *route.Store
	Predictor   Predictor
	Diagnostics Diagnostics
	Repairer    Repairer
	Syncer      Syncer
	Generator   UtteranceGenerator
	Health      *health.Manager
	Logger      *zap.Logger
}

// NewRouter builds the gin router with all service endpoints
func NewRouter(deps *Dependencies) *gin.Engine {
	router := gin.Default()

	s := &server{deps: deps, logger: deps.Logger}

	router.GET("/health", s.handleHealth)
	router.POST("/predict", s.handlePredict)

	routes := router.Group("/routes")
	{
		routes.GET("", s.handleListRoutes)
		routes.GET("/search", s.handleSearchRoutes)
		routes.GET("/:id", s.handleGetRoute)
		routes.POST("", s.handleCreateRoute)
		routes.PUT("/:id", s.handleUpdateRoute)
		routes.DELETE("/:id", s.handleDeleteRoute)
		routes.POST("/:id/utterances/generate", s.handleGenerateUtterances)
		routes.POST("/:id/negative-samples", s.handleAddNegativeSamples)
		routes.DELETE("/:id/negative-samples", s.handleDeleteNegativeSamples)
	}

	diagnostics := router.Group("/diagnostics")
	{
		diagnostics.GET("", s.handleGetDiagnostics)
		diagnostics.GET("/:id", s.handleGetRouteDiagnostics)
		diagnostics.POST("/analyze", s.handleAnalyze)
		diagnostics.POST("/repair/suggest", s.handleRepairSuggest)
		diagnostics.POST("/repair/apply", s.handleRepairApply)
	}

	sync := router.Group("/sync")
	{
		sync.POST("", s.handleSync)
		sync.POST("/routes", s.handleSyncRoutes)
	}

	return router
}

type server struct {
	deps   *Dependencies
	logger *zap.Logger
}
