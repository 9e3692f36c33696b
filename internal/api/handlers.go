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

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/health"
	"github.com/your-org/intent-hub/internal/resilience"
	"github.com/your-org/intent-hub/internal/route"
)

// PredictRequest is the body of POST /predict
type PredictRequest struct {
	Text string `json:"text" binding:"required"`
}

// RepairSuggestRequest is the body of POST /diagnostics/repair/suggest
type RepairSuggestRequest struct {
	SourceRouteID int `json:"source_route_id" binding:"required"`
	TargetRouteID int `json:"target_route_id" binding:"required"`
}

// RepairApplyRequest is the body of POST /diagnostics/repair/apply
type RepairApplyRequest struct {
	RouteID         int      `json:"route_id" binding:"required"`
	NewUtterances   []string `json:"new_utterances" binding:"required"`
	NegativeSamples []string `json:"negative_samples"`
}

// SyncRequest is the body of POST /sync
type SyncRequest struct {
	ForceFull bool `json:"force_full"`
}

// SyncRoutesRequest is the body of POST /sync/routes
type SyncRoutesRequest struct {
	RouteIDs []int `json:"route_ids" binding:"required"`
}

// GenerateUtterancesRequest is the body of POST /routes/:id/utterances/generate
type GenerateUtterancesRequest struct {
	Count int `json:"count" binding:"required"`
}

// NegativeSamplesRequest is the body of POST /routes/:id/negative-samples
type NegativeSamplesRequest struct {
	NegativeSamples []string `json:"negative_samples" binding:"required"`
}

func (s *server) handleHealth(c *gin.Context) {
	result := s.deps.Health.Check(c.Request.Context())

	statusCode := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, result)
}

func (s *server) handlePredict(c *gin.Context) {
	var req PredictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, resilience.NewBadRequestError("text is required", err))
		return
	}

	matches, err := s.deps.Predictor.Predict(c.Request.Context(), req.Text)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (s *server) handleListRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"routes": s.deps.Routes.All()})
}

func (s *server) handleSearchRoutes(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		s.respondError(c, resilience.NewBadRequestError("query parameter q is required", nil))
		return
	}
	c.JSON(http.StatusOK, gin.H{"routes": s.deps.Routes.Search(query)})
}

func (s *server) handleGetRoute(c *gin.Context) {
	id, ok := s.routeID(c)
	if !ok {
		return
	}

	r, err := s.deps.Routes.Get(id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *server) handleCreateRoute(c *gin.Context) {
	var r route.Route
	if err := c.ShouldBindJSON(&r); err != nil {
		s.respondError(c, resilience.NewBadRequestError("invalid route payload", err))
		return
	}
	if err := r.Validate(); err != nil {
		s.respondError(c, resilience.NewBadRequestError(err.Error(), err))
		return
	}

	saved, err := s.deps.Routes.AddOrUpdate(r)
	if err != nil {
		s.respondError(c, err)
		return
	}

	report, err := s.deps.Syncer.SyncRoute(c.Request.Context(), saved.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"route": saved, "sync": report})
}

func (s *server) handleUpdateRoute(c *gin.Context) {
	id, ok := s.routeID(c)
	if !ok {
		return
	}

	var r route.Route
	if err := c.ShouldBindJSON(&r); err != nil {
		s.respondError(c, resilience.NewBadRequestError("invalid route payload", err))
		return
	}
	r.ID = id
	if err := r.Validate(); err != nil {
		s.respondError(c, resilience.NewBadRequestError(err.Error(), err))
		return
	}

	saved, err := s.deps.Routes.Update(id, r)
	if err != nil {
		s.respondError(c, err)
		return
	}

	report, err := s.deps.Syncer.SyncRoute(c.Request.Context(), saved.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"route": saved, "sync": report})
}

func (s *server) handleDeleteRoute(c *gin.Context) {
	id, ok := s.routeID(c)
	if !ok {
		return
	}

	if err := s.deps.Routes.Delete(id); err != nil {
		s.respondError(c, err)
		return
	}

	// Deletion renumbers the surviving routes, so every shifted id carries a
	// new hash; an incremental reindex reconciles the whole index.
	report, err := s.deps.Syncer.Reindex(c.Request.Context(), false)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": id, "sync": report})
}

func (s *server) handleGenerateUtterances(c *gin.Context) {
	id, ok := s.routeID(c)
	if !ok {
		return
	}

	var req GenerateUtterancesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, resilience.NewBadRequestError("count is required", err))
		return
	}

	r, err := s.deps.Routes.Get(id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	utterances, err := s.deps.Generator.GenerateUtterances(
		c.Request.Context(), r.Name, r.Description, req.Count, r.Utterances)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"route_id": id, "utterances": utterances})
}

func (s *server) handleAddNegativeSamples(c *gin.Context) {
	id, ok := s.routeID(c)
	if !ok {
		return
	}

	var req NegativeSamplesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, resilience.NewBadRequestError("negative_samples is required", err))
		return
	}

	r, err := s.deps.Routes.Get(id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	// Append new samples, skipping ones the route already carries.
	seen := make(map[string]struct{}, len(r.NegativeSamples))
	for _, n := range r.NegativeSamples {
		seen[n] = struct{}{}
	}
	for _, n := range req.NegativeSamples {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		r.NegativeSamples = append(r.NegativeSamples, n)
	}

	saved, err := s.deps.Routes.Update(id, r)
	if err != nil {
		s.respondError(c, err)
		return
	}

	report, err := s.deps.Syncer.SyncNegatives(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"route": saved, "sync": report})
}

func (s *server) handleDeleteNegativeSamples(c *gin.Context) {
	id, ok := s.routeID(c)
	if !ok {
		return
	}

	r, err := s.deps.Routes.Get(id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	r.NegativeSamples = []string{}

	saved, err := s.deps.Routes.Update(id, r)
	if err != nil {
		s.respondError(c, err)
		return
	}

	report, err := s.deps.Syncer.SyncNegatives(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"route": saved, "sync": report})
}

func (s *server) handleGetDiagnostics(c *gin.Context) {
	results, err := s.deps.Diagnostics.AnalyzeAllOverlaps(c.Request.Context(), true)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *server) handleGetRouteDiagnostics(c *gin.Context) {
	id, ok := s.routeID(c)
	if !ok {
		return
	}

	result, err := s.deps.Diagnostics.AnalyzeRouteOverlap(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *server) handleAnalyze(c *gin.Context) {
	results, err := s.deps.Diagnostics.AnalyzeAllOverlaps(c.Request.Context(), false)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *server) handleRepairSuggest(c *gin.Context) {
	var req RepairSuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, resilience.NewBadRequestError("source_route_id and target_route_id are required", err))
		return
	}

	suggestion, err := s.deps.Repairer.GetRepairSuggestions(
		c.Request.Context(), req.SourceRouteID, req.TargetRouteID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, suggestion)
}

func (s *server) handleRepairApply(c *gin.Context) {
	var req RepairApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, resilience.NewBadRequestError("route_id and new_utterances are required", err))
		return
	}

	repaired, err := s.deps.Repairer.ApplyRepair(
		c.Request.Context(), req.RouteID, req.NewUtterances, req.NegativeSamples)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"route": repaired})
}

func (s *server) handleSync(c *gin.Context) {
	var req SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, resilience.NewBadRequestError("invalid sync payload", err))
			return
		}
	}

	report, err := s.deps.Syncer.Reindex(c.Request.Context(), req.ForceFull)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *server) handleSyncRoutes(c *gin.Context) {
	var req SyncRoutesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, resilience.NewBadRequestError("route_ids is required", err))
		return
	}

	report, err := s.deps.Syncer.SyncRoutes(c.Request.Context(), req.RouteIDs)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

func (s *server) routeID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		s.respondError(c, resilience.NewBadRequestError("route id must be an integer", err))
		return 0, false
	}
	return id, true
}

func (s *server) respondError(c *gin.Context, err error) {
	status := resilience.StatusFor(err)

	var svcErr *resilience.ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.Internal != nil {
			s.logger.Error("Request failed",
				zap.String("path", c.FullPath()),
				zap.Int("status", status),
				zap.Error(svcErr.Internal))
		}
		c.JSON(status, svcErr.ToErrorResponse())
		return
	}

	s.logger.Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.Error(err))
	c.JSON(status, resilience.ErrorResponse{
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}
