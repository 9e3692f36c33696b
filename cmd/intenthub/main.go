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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/intent-hub/internal/api"
	"github.com/your-org/intent-hub/internal/config"
	"github.com/your-org/intent-hub/internal/diagnostic"
	"github.com/your-org/intent-hub/internal/embedding"
	"github.com/your-org/intent-hub/internal/health"
	"github.com/your-org/intent-hub/internal/index"
	"github.com/your-org/intent-hub/internal/llm"
	"github.com/your-org/intent-hub/internal/predict"
	"github.com/your-org/intent-hub/internal/repair"
	"github.com/your-org/intent-hub/internal/route"
	"github.com/your-org/intent-hub/internal/syncer"
)

const serviceVersion = "1.0.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "intenthub",
		Short:        "Intent routing service backed by vector similarity",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	rootCmd.AddCommand(serveCommand(&configPath))
	rootCmd.AddCommand(reindexCommand(&configPath))
	rootCmd.AddCommand(predictCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP routing service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, cleanup, err := initializeDependencies(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if deps.cfg.Logging.Level == "debug" {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			router := api.NewRouter(&api.Dependencies{
				Routes:      deps.routes,
				Predictor:   deps.predictor,
				Diagnostics: deps.diagnostics,
				Repairer:    deps.repairer,
				Syncer:      deps.syncer,
				Generator:   deps.generator,
				Health:      deps.healthManager,
				Logger:      deps.logger,
			})

			addr := fmt.Sprintf("%s:%d", deps.cfg.Server.Host, deps.cfg.Server.Port)
			deps.logger.Info("Starting routing service",
				zap.String("address", addr),
				zap.String("qdrant_address", deps.cfg.Qdrant.Address),
				zap.String("collection", deps.cfg.Qdrant.Collection),
				zap.String("embedding_model", deps.cfg.Embedding.Model))

			return router.Run(addr)
		},
	}
}

func reindexCommand(configPath *string) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Reconcile the vector index with the route store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, cleanup, err := initializeDependencies(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := deps.syncer.Reindex(cmd.Context(), full)
			if err != nil {
				return err
			}
			if report.Diagnostics != nil {
				if err := report.Diagnostics.Wait(cmd.Context()); err != nil {
					deps.logger.Warn("Diagnostics recompute failed", zap.Error(err))
				}
			}

			return printJSON(report)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Rebuild the index from scratch")
	return cmd
}

func predictCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "predict [text]",
		Short: "Resolve an utterance to matching routes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, cleanup, err := initializeDependencies(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			matches, err := deps.predictor.Predict(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(matches)
		},
	}
}

// dependencies holds the initialized service graph
type dependencies struct {
	cfg           *config.Config
	logger        *zap.Logger
	routes        *route.Store
	idx           *index.Client
	predictor     *predict.Engine
	diagnostics   *diagnostic.Engine
	runner        *diagnostic.Runner
	repairer      *repair.Orchestrator
	syncer        *syncer.Engine
	generator     *llm.Generator
	healthManager *health.Manager
}

func initializeDependencies(ctx context.Context, configPath string) (*dependencies, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initializeLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	masked := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("qdrant_address", masked.Qdrant.Address),
		zap.String("collection", masked.Qdrant.Collection),
		zap.String("embedding_model", masked.Embedding.Model),
		zap.String("embedding_api_key", masked.Embedding.APIKey),
		zap.String("llm_model", masked.LLM.Model),
		zap.String("db_path", masked.Store.DBPath))

	route.SetDefaultThresholds(cfg.Routing.ScoreThreshold, cfg.Routing.NegativeThreshold)

	routes, err := route.NewStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize route store: %w", err)
	}

	var embedder embedding.Provider
	embedder, err = embedding.NewOpenAIClient(embedding.Options{
		APIKey:     cfg.Embedding.APIKey,
		Endpoint:   cfg.Embedding.Endpoint,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		BatchSize:  cfg.Embedding.BatchSize,
		Timeout:    cfg.Embedding.Timeout,
	}, logger)
	if err != nil {
		_ = routes.Close()
		return nil, nil, fmt.Errorf("failed to initialize embedding client: %w", err)
	}

	idx, err := index.NewClient(ctx, cfg.Qdrant.Address, cfg.Qdrant.Collection,
		embedder.Dimensions(), cfg.Qdrant.Timeout, logger)
	if err != nil {
		_ = routes.Close()
		return nil, nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}

	generator, err := llm.NewGenerator(llm.Options{
		APIKey:      cfg.LLM.APIKey,
		Endpoint:    cfg.LLM.Endpoint,
		Model:       cfg.LLM.Model,
		Temperature: float32(cfg.LLM.Temperature),
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		_ = routes.Close()
		_ = idx.Close()
		return nil, nil, fmt.Errorf("failed to initialize LLM generator: %w", err)
	}

	cache, err := diagnostic.NewCache(routes.DB())
	if err != nil {
		_ = routes.Close()
		_ = idx.Close()
		return nil, nil, fmt.Errorf("failed to initialize diagnostics cache: %w", err)
	}

	diagEngine := diagnostic.NewEngine(idx, routes, cache, diagnostic.Options{
		RegionThreshold:   cfg.Diagnostics.RegionThreshold,
		InstanceThreshold: cfg.Diagnostics.InstanceThreshold,
	}, logger)
	runner := diagnostic.NewRunner(diagEngine, logger)

	predictor := predict.NewEngine(embedder, idx, routes, predict.Options{
		DefaultRouteID:   cfg.Routing.DefaultRouteID,
		DefaultRouteName: cfg.Routing.DefaultRouteName,
		TopK:             cfg.Routing.TopK,
	}, logger)

	repairer := repair.NewOrchestrator(routes, embedder, idx, generator, diagEngine,
		cache, cfg.Diagnostics.MaxConflictExamples, logger)

	syncEngine := syncer.NewEngine(routes, embedder, idx, runner, diagEngine, logger)

	healthManager := health.NewManager("intent-hub", serviceVersion, logger)
	healthManager.AddChecker("vector_index",
		health.VectorIndexChecker(cfg.Qdrant.Address, idx.Ping))
	healthManager.AddChecker("route_store",
		health.RouteStoreChecker(
			func(ctx context.Context) error { return routes.DB().PingContext(ctx) },
			func() int { return len(routes.All()) }))
	healthManager.AddChecker("embedding",
		health.EmbeddingChecker(embedder.ModelName(), func(ctx context.Context) error {
			_, err := embedder.EmbedQuery(ctx, "health check")
			return err
		}))

	logger.Info("Service dependencies initialized successfully")

	deps := &dependencies{
		cfg:           cfg,
		logger:        logger,
		routes:        routes,
		idx:           idx,
		predictor:     predictor,
		diagnostics:   diagEngine,
		runner:        runner,
		repairer:      repairer,
		syncer:        syncEngine,
		generator:     generator,
		healthManager: healthManager,
	}

	cleanup := func() {
		runner.Close()
		if err := idx.Close(); err != nil {
			logger.Warn("Failed to close vector index client", zap.Error(err))
		}
		if err := routes.Close(); err != nil {
			logger.Warn("Failed to close route store", zap.Error(err))
		}
		_ = logger.Sync()
	}

	return deps, cleanup, nil
}

// initializeLogger creates a logger based on configuration settings
func initializeLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{"intenthub.log"}
		zapConfig.ErrorOutputPaths = []string{"intenthub.log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	return zapConfig.Build()
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
