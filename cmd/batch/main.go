// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package main is the entry point for the nightly candidate
// generation run. It loads the shared inputs, evaluates the rule
// pools and the CF model for every customer, and upserts the scored
// candidate lists. Intended to run from cron or a scheduler; the exit
// code reports success.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finlab/recurate/internal/batch"
	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/recommend/rules"
	"github.com/finlab/recurate/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongo, err := store.NewMongo(ctx, cfg.Mongo)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to connect to MongoDB")
		return 1
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
		logging.Error().Err(err).Msg("Failed to create search client")
		return 1
	}

	portfolio := store.NewPortfolioClient(cfg.Portfolio)

	pipeline := batch.NewPipeline(batch.Config{
		Batch:   cfg.Batch,
		Scoring: cfg.Scoring,
	}, mongo, mongo, search, mongo, search, portfolio)

	pipeline.RegisterGlobal(rules.NewStockTopReturn(rules.StockTopReturnConfig{
		TopN:             cfg.Rules.StockTopReturn.TopN,
		DaysBack:         cfg.Rules.StockTopReturn.DaysBack,
		MaxRecords:       cfg.Rules.StockTopReturn.MaxRecords,
		AllowedCountries: cfg.Rules.StockTopReturn.AllowedCountries,
		MaxAbsReturn:     cfg.Rules.StockTopReturn.MaxAbsReturn,
	}))
	pipeline.RegisterOther(rules.NewTopLikedContent(rules.TopLikedConfig{
		TopN:    cfg.Rules.TopLiked.TopN,
		MaxTopN: cfg.Rules.TopLiked.MaxTopN,
	}))
	pipeline.RegisterLocal(
		rules.NewMarketTopicContents(cfg.Rules.MarketTopic),
		rules.NewOwnedStockContents(),
		rules.NewSectorContents(),
	)

	summary, err := pipeline.Run(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("Batch run failed")
		return 1
	}

	logging.Info().
		Int("users_processed", summary.UsersProcessed).
		Int("users_skipped", summary.UsersSkipped).
		Int("saved", summary.Saved).
		Bool("degraded", summary.Degraded).
		Str("fallback_path", summary.FallbackPath).
		Dur("duration", summary.Duration).
		Msg("Batch run complete")
	return 0
}
