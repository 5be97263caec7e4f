// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package main is the entry point for the recommendation server.
//
// The server wires the stores, the online ranking engine, and the
// coalescing dispatcher under a suture supervision tree, then serves
// the recommendation API until SIGINT or SIGTERM.
//
// Configuration loads via koanf with layered sources (highest wins):
//   - Environment variables (RECURATE_ prefix, __ separates sections)
//   - Config file (config.yaml, or RECURATE_CONFIG)
//   - Built-in defaults
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/finlab/recurate/internal/api"
	"github.com/finlab/recurate/internal/cache"
	"github.com/finlab/recurate/internal/coalesce"
	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/recommend"
	"github.com/finlab/recurate/internal/recommend/rules"
	"github.com/finlab/recurate/internal/store"
	"github.com/finlab/recurate/internal/supervisor"
	"github.com/finlab/recurate/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("mongo_database", cfg.Mongo.Database).
		Int("search_addresses", len(cfg.Search.Addresses)).
		Int("port", cfg.Server.Port).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongo, err := store.NewMongo(ctx, cfg.Mongo)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongo.Close(closeCtx); err != nil {
			logging.Error().Err(err).Msg("Error closing MongoDB client")
		}
	}()

	search, err := store.NewSearch(cfg.Search)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create search client")
	}

	metaCache, err := cache.Open(cfg.Cache)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open cache")
	}
	defer func() {
		if err := metaCache.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing cache")
		}
	}()

	fetcher := recommend.NewContextFetcher(recommend.ContextFetcherConfig{
		SeenDays:     cfg.Online.SeenDays,
		MetaCacheTTL: cfg.Online.MetaCacheTTL,
	}, mongo, search, search, nil, mongo, metaCache)

	engine := recommend.NewEngine(recommend.EngineConfig{
		RecommendationCount: cfg.Online.RecommendationCount,
		CandidateFallback:   cfg.Online.CandidateFallback,
		FallbackLimit:       cfg.Online.FallbackLimit,
	}, mongo, fetcher)
	engine.RegisterPreFilter(rules.NewExcludeSeenItems())
	engine.RegisterPostReorder(
		rules.NewMarketCapRecencyRandom(rules.RerankWeights{
			Original:  cfg.Rules.Rerank.Original,
			MarketCap: cfg.Rules.Rerank.MarketCap,
			Recency:   cfg.Rules.Rerank.Recency,
			Random:    cfg.Rules.Rerank.Random,
		}, nil),
		rules.NewBoostUserStocks(rules.BoostWeights{
			Owned:      cfg.Rules.Boost.Owned,
			Recent:     cfg.Rules.Boost.Recent,
			Group1:     cfg.Rules.Boost.Group1,
			Onboarding: cfg.Rules.Boost.Onboarding,
		}),
		rules.NewBoostTopReturnStock(cfg.Rules.Boost.TopReturn),
		// Noise stays last so every earlier signal is preserved under
		// the perturbation.
		rules.NewAddScoreNoise(cfg.Rules.NoiseLevel, nil),
	)

	dispatcher := coalesce.New(coalesce.Config{
		Interval: cfg.Online.CoalesceInterval,
		Workers:  cfg.Online.CoalesceWorkers,
		Rate:     cfg.Online.DispatchRate,
	}, engine)

	handler := api.NewHandler(cfg.Online, dispatcher, mongo, metaCache, func(ctx context.Context) error {
		return mongo.Ping(ctx)
	})
	router := api.NewRouter(cfg.Server, handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddDispatchService(dispatcher)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", server.Addr).Msg("Starting recommendation server")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("Supervisor tree failed")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop before the shutdown timeout")
		}
	}

	logging.Info().Msg("Server stopped")
}
