// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package rules contains the concrete batch and online rules. Batch
// rules produce candidate pools; online rules filter and reorder the
// ranked list. Composition order is wired in the callers.
package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/recommend"
)

// StockTopReturnConfig configures the top-risers pool.
type StockTopReturnConfig struct {
	TopN             int
	DaysBack         int
	MaxRecords       int
	AllowedCountries []string
	MaxAbsReturn     float64
}

// StockTopReturn selects contents about the stocks with the highest
// one-day returns in the latest quote window.
type StockTopReturn struct {
	cfg StockTopReturnConfig
}

// NewStockTopReturn applies defaults for zero config values.
func NewStockTopReturn(cfg StockTopReturnConfig) *StockTopReturn {
	if cfg.TopN < 1 {
		cfg.TopN = 10
	}
	if cfg.DaysBack < 1 {
		cfg.DaysBack = 7
	}
	if cfg.MaxRecords < 1 {
		cfg.MaxRecords = 3000
	}
	if len(cfg.AllowedCountries) == 0 {
		cfg.AllowedCountries = []string{"Korea", "USA"}
	}
	if cfg.MaxAbsReturn <= 0 {
		cfg.MaxAbsReturn = 50.0
	}
	return &StockTopReturn{cfg: cfg}
}

// Name implements recommend.GlobalRule.
func (r *StockTopReturn) Name() string { return "stock_top_return" }

// Apply matches contents labeled with the top-N risers.
func (r *StockTopReturn) Apply(ctx context.Context, bc *recommend.BatchContext) ([]string, error) {
	if bc.Quotes == nil {
		return nil, fmt.Errorf("stock_top_return: no quote source")
	}

	quotes, err := bc.Quotes.LatestQuotes(ctx, r.cfg.DaysBack, r.cfg.MaxRecords, r.cfg.AllowedCountries)
	if err != nil {
		return nil, fmt.Errorf("stock_top_return: fetch quotes: %w", err)
	}
	if len(quotes) == 0 {
		return nil, nil
	}

	sort.SliceStable(quotes, func(i, j int) bool {
		return quotes[i].OneDayReturn > quotes[j].OneDayReturn
	})

	topNames := make(map[string]struct{}, r.cfg.TopN)
	for _, q := range quotes {
		if len(topNames) >= r.cfg.TopN {
			break
		}
		if q.OneDayReturn > r.cfg.MaxAbsReturn || q.OneDayReturn < -r.cfg.MaxAbsReturn {
			continue
		}
		if q.Name != "" {
			topNames[q.Name] = struct{}{}
		}
	}

	var ids []string
	for _, c := range bc.Contents {
		if _, ok := topNames[c.Label]; ok {
			ids = append(ids, c.ItemID)
			continue
		}
		if _, ok := topNames[c.StkName]; ok {
			ids = append(ids, c.ItemID)
		}
	}

	logging.Ctx(ctx).Debug().
		Int("quotes", len(quotes)).
		Int("top_stocks", len(topNames)).
		Int("matched", len(ids)).
		Msg("stock_top_return pool")
	return ids, nil
}

// TopLikedConfig configures the top-liked pool.
type TopLikedConfig struct {
	TopN    int
	MaxTopN int
}

// TopLikedContent selects the contents with the most likes. It feeds
// the "other" pool that every user shares.
type TopLikedContent struct {
	cfg TopLikedConfig
}

// NewTopLikedContent applies defaults and clamps TopN to MaxTopN.
func NewTopLikedContent(cfg TopLikedConfig) *TopLikedContent {
	if cfg.MaxTopN < 1 {
		cfg.MaxTopN = 1000
	}
	if cfg.TopN < 1 {
		cfg.TopN = 50
	}
	if cfg.TopN > cfg.MaxTopN {
		cfg.TopN = cfg.MaxTopN
	}
	return &TopLikedContent{cfg: cfg}
}

// Name implements recommend.GlobalRule.
func (r *TopLikedContent) Name() string { return "top_liked_content" }

// Apply returns the TopN most liked content ids, ties broken by id so
// the pool is stable across runs.
func (r *TopLikedContent) Apply(ctx context.Context, bc *recommend.BatchContext) ([]string, error) {
	if len(bc.Contents) == 0 {
		return nil, nil
	}

	type liked struct {
		id    string
		likes int
	}
	ranked := make([]liked, 0, len(bc.Contents))
	maxLikes := 0
	for _, c := range bc.Contents {
		n := len(c.LikedUsers)
		if n > maxLikes {
			maxLikes = n
		}
		ranked = append(ranked, liked{id: c.ItemID, likes: n})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].likes != ranked[j].likes {
			return ranked[i].likes > ranked[j].likes
		}
		return ranked[i].id < ranked[j].id
	})

	n := r.cfg.TopN
	if n > len(ranked) {
		n = len(ranked)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = ranked[i].id
	}

	logging.Ctx(ctx).Debug().
		Int("contents", len(ranked)).
		Int("max_likes", maxLikes).
		Int("selected", len(ids)).
		Msg("top_liked_content pool")
	return ids, nil
}
