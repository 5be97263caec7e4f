// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package rules

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/finlab/recurate/internal/recommend"
)

// RerankWeights are the component weights of MarketCapRecencyRandom.
type RerankWeights struct {
	Original  float64
	MarketCap float64
	Recency   float64
	Random    float64
}

// DefaultRerankWeights weighs all components equally.
func DefaultRerankWeights() RerankWeights {
	return RerankWeights{Original: 1.0, MarketCap: 1.0, Recency: 1.0, Random: 1.0}
}

// MarketCapRecencyRandom rescores the list by combining the original
// score with the content's market cap, its recency, and a random
// component. Each component is z-score normalized across the list and
// mapped through the standard normal CDF before weighting, so no single
// component's scale dominates.
type MarketCapRecencyRandom struct {
	weights RerankWeights
	now     func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMarketCapRecencyRandom creates the rule. A nil rng is seeded from
// the clock; tests pass a seeded one.
func NewMarketCapRecencyRandom(weights RerankWeights, rng *rand.Rand) *MarketCapRecencyRandom {
	if weights == (RerankWeights{}) {
		weights = DefaultRerankWeights()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MarketCapRecencyRandom{weights: weights, now: time.Now, rng: rng}
}

// Name implements recommend.PostReorderRule.
func (r *MarketCapRecencyRandom) Name() string { return "market_cap_recency_random" }

// Apply replaces each score with the weighted component sum. Missing
// market caps contribute the minimum; missing created_at timestamps
// rank as oldest.
func (r *MarketCapRecencyRandom) Apply(_ context.Context, uc *recommend.UserContext, ranked []recommend.ScoredItem) ([]recommend.ScoredItem, error) {
	n := len(ranked)
	if n == 0 {
		return ranked, nil
	}

	orig := make([]float64, n)
	caps := make([]float64, n)
	recency := make([]float64, n)
	random := make([]float64, n)

	r.mu.Lock()
	for i := range ranked {
		random[i] = r.rng.Float64()
	}
	r.mu.Unlock()

	for i, item := range ranked {
		orig[i] = item.Score
		meta, ok := uc.ContentMeta[item.ItemID]
		if !ok {
			continue
		}
		caps[i] = meta.MarketCap
		if !meta.CreatedAt.IsZero() {
			recency[i] = float64(meta.CreatedAt.Unix())
		}
	}

	origN := normalCDF(zScores(orig))
	capsN := normalCDF(zScores(caps))
	recN := normalCDF(zScores(recency))
	rndN := normalCDF(zScores(random))

	out := make([]recommend.ScoredItem, n)
	for i, item := range ranked {
		out[i] = recommend.ScoredItem{
			ItemID: item.ItemID,
			Score: r.weights.Original*origN[i] +
				r.weights.MarketCap*capsN[i] +
				r.weights.Recency*recN[i] +
				r.weights.Random*rndN[i],
		}
	}
	return out, nil
}

// zScores standardizes the values. A constant series maps to all
// zeros so the CDF lands every entry on 0.5.
func zScores(values []float64) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(n))
	if std == 0 {
		return out
	}

	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

// normalCDF maps z-scores through the standard normal CDF.
func normalCDF(z []float64) []float64 {
	out := make([]float64, len(z))
	for i, v := range z {
		out[i] = 0.5 * (1 + math.Erf(v/math.Sqrt2))
	}
	return out
}

// BoostWeights is the multiplier table for BoostUserStocks.
type BoostWeights struct {
	Owned      float64
	Recent     float64
	Group1     float64
	Onboarding float64
}

// DefaultBoostWeights returns the production multiplier table.
func DefaultBoostWeights() BoostWeights {
	return BoostWeights{Owned: 1.5, Recent: 1.3, Group1: 1.2, Onboarding: 1.1}
}

// BoostUserStocks multiplies the score of items about stocks the
// customer has an affinity to. When several sets match, the largest
// multiplier wins; multipliers never stack.
type BoostUserStocks struct {
	weights BoostWeights
}

// NewBoostUserStocks creates the rule with the given multiplier table.
func NewBoostUserStocks(weights BoostWeights) *BoostUserStocks {
	if weights == (BoostWeights{}) {
		weights = DefaultBoostWeights()
	}
	return &BoostUserStocks{weights: weights}
}

// Name implements recommend.PostReorderRule.
func (r *BoostUserStocks) Name() string { return "boost_user_stocks" }

// Apply boosts items whose label is in one of the affinity sets.
func (r *BoostUserStocks) Apply(_ context.Context, uc *recommend.UserContext, ranked []recommend.ScoredItem) ([]recommend.ScoredItem, error) {
	out := make([]recommend.ScoredItem, len(ranked))
	for i, item := range ranked {
		out[i] = item

		meta, ok := uc.ContentMeta[item.ItemID]
		if !ok || meta.Label == "" {
			continue
		}

		factor := 1.0
		if _, ok := uc.Stocks.Owned[meta.Label]; ok {
			factor = math.Max(factor, r.weights.Owned)
		}
		if _, ok := uc.Stocks.Recent[meta.Label]; ok {
			factor = math.Max(factor, r.weights.Recent)
		}
		if _, ok := uc.Stocks.Group1[meta.Label]; ok {
			factor = math.Max(factor, r.weights.Group1)
		}
		if _, ok := uc.Stocks.Onboarding[meta.Label]; ok {
			factor = math.Max(factor, r.weights.Onboarding)
		}
		out[i].Score = item.Score * factor
	}
	return out, nil
}

// BoostTopReturnStock doubles the score of items about the customer's
// best performing owned stock. Performance is the one-month return,
// falling back to the one-day return when no stock has a one-month
// figure.
type BoostTopReturnStock struct {
	factor float64
}

// NewBoostTopReturnStock creates the rule. Factor defaults to 2.0.
func NewBoostTopReturnStock(factor float64) *BoostTopReturnStock {
	if factor <= 0 {
		factor = 2.0
	}
	return &BoostTopReturnStock{factor: factor}
}

// Name implements recommend.PostReorderRule.
func (r *BoostTopReturnStock) Name() string { return "boost_top_return_stock" }

// Apply is a no-op when the customer owns no stocks or no return
// figures were fetched.
func (r *BoostTopReturnStock) Apply(_ context.Context, uc *recommend.UserContext, ranked []recommend.ScoredItem) ([]recommend.ScoredItem, error) {
	top := topReturnStock(uc.OwnedReturns)
	if top == "" {
		return ranked, nil
	}

	out := make([]recommend.ScoredItem, len(ranked))
	for i, item := range ranked {
		out[i] = item
		meta, ok := uc.ContentMeta[item.ItemID]
		if !ok {
			continue
		}
		if meta.Label == top || meta.StkName == top {
			out[i].Score = item.Score * r.factor
		}
	}
	return out, nil
}

// topReturnStock picks the owned stock with the best one-month return,
// falling back to one-day returns when no one-month figure exists.
func topReturnStock(returns map[string]recommend.StockReturns) string {
	best := ""
	bestVal := math.Inf(-1)
	for stock, ret := range returns {
		if ret.OneMonth == nil {
			continue
		}
		if *ret.OneMonth > bestVal || (*ret.OneMonth == bestVal && stock < best) {
			best, bestVal = stock, *ret.OneMonth
		}
	}
	if best != "" {
		return best
	}

	for stock, ret := range returns {
		if ret.OneDay == nil {
			continue
		}
		if *ret.OneDay > bestVal || (*ret.OneDay == bestVal && stock < best) {
			best, bestVal = stock, *ret.OneDay
		}
	}
	return best
}

// AddScoreNoise adds a small uniform perturbation to every score so
// equal-scored items do not always render in the same order. It must
// run last in the post-reorder chain.
type AddScoreNoise struct {
	level float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAddScoreNoise creates the rule. Level defaults to 0.01; a nil rng
// is seeded from the clock.
func NewAddScoreNoise(level float64, rng *rand.Rand) *AddScoreNoise {
	if level <= 0 {
		level = 0.01
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &AddScoreNoise{level: level, rng: rng}
}

// Name implements recommend.PostReorderRule.
func (r *AddScoreNoise) Name() string { return "add_score_noise" }

// Apply adds uniform(0, level) noise to each score, preserving the
// multiset of item ids.
func (r *AddScoreNoise) Apply(_ context.Context, _ *recommend.UserContext, ranked []recommend.ScoredItem) ([]recommend.ScoredItem, error) {
	out := make([]recommend.ScoredItem, len(ranked))

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range ranked {
		out[i] = recommend.ScoredItem{
			ItemID: item.ItemID,
			Score:  item.Score + r.rng.Float64()*r.level,
		}
	}
	return out, nil
}
