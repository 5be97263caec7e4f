// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package recommend holds the recommendation core: the rule contracts,
// the item-item CF model, the online context fetcher, and the online
// ranking engine. Batch orchestration lives in internal/batch; the
// concrete rules live in internal/recommend/rules.
package recommend

import (
	"context"
	"sync"

	"github.com/finlab/recurate/internal/logging"
)

// GlobalRule produces a customer-independent candidate pool. Evaluated
// once per batch run.
type GlobalRule interface {
	// Name is a stable identifier used in logs and metrics.
	Name() string
	Apply(ctx context.Context, bc *BatchContext) ([]string, error)
}

// LocalRule produces a per-customer candidate pool. Evaluated once per
// user inside the batch worker pool.
type LocalRule interface {
	Name() string
	Apply(ctx context.Context, user *BatchUser, bc *BatchContext) ([]string, error)
}

// PreFilterRule removes candidates before online scoring. Rules must
// only drop ids, never add or reorder.
type PreFilterRule interface {
	Name() string
	Apply(ctx context.Context, uc *UserContext, candidates []string) ([]string, error)
}

// PostReorderRule rescores the ranked list. Rules must preserve the
// multiset of item ids; the engine re-sorts after each rule.
type PostReorderRule interface {
	Name() string
	Apply(ctx context.Context, uc *UserContext, ranked []ScoredItem) ([]ScoredItem, error)
}

// QuoteSource reads the daily quote indices.
type QuoteSource interface {
	LatestQuotes(ctx context.Context, daysBack, maxRecords int, countries []string) ([]Quote, error)
}

// PortfolioSource fetches a customer's portfolio from the external API.
// Implementations return an empty portfolio, not an error, when the
// service is unavailable.
type PortfolioSource interface {
	FetchPortfolio(ctx context.Context, custNo string) (*PortfolioData, error)
}

// StockListSource loads the per-customer stock affinity sets. The
// concrete loader is deployment-specific.
type StockListSource interface {
	StockLists(ctx context.Context, custNo string) (StockLists, error)
}

// BatchContext is the read-only shared input for batch rules. Built
// once per run and read concurrently by all workers.
type BatchContext struct {
	Contents    []ContentMeta
	ContentByID map[string]ContentMeta
	Quotes      QuoteSource
	Portfolio   PortfolioSource
}

// NewBatchContext indexes the content list by id.
func NewBatchContext(contents []ContentMeta) *BatchContext {
	byID := make(map[string]ContentMeta, len(contents))
	for _, c := range contents {
		byID[c.ItemID] = c
	}
	return &BatchContext{Contents: contents, ContentByID: byID}
}

// BatchUser wraps a profile for one worker's rule evaluations. The
// portfolio is fetched at most once per user and shared by every rule
// that asks for it.
type BatchUser struct {
	Profile *UserProfile

	once      sync.Once
	portfolio *PortfolioData
}

// NewBatchUser wraps the profile.
func NewBatchUser(profile *UserProfile) *BatchUser {
	return &BatchUser{Profile: profile}
}

// Portfolio returns the customer's portfolio, fetching it on first use.
// A fetch failure degrades to an empty portfolio.
func (u *BatchUser) Portfolio(ctx context.Context, src PortfolioSource) *PortfolioData {
	u.once.Do(func() {
		if src == nil {
			u.portfolio = &PortfolioData{}
			return
		}
		p, err := src.FetchPortfolio(ctx, u.Profile.CustNo)
		if err != nil || p == nil {
			if err != nil {
				logging.Ctx(ctx).Warn().
					Err(err).
					Str("cust_no", u.Profile.CustNo).
					Msg("portfolio fetch failed, using empty portfolio")
			}
			u.portfolio = &PortfolioData{}
			return
		}
		u.portfolio = p
	})
	return u.portfolio
}

// UnknownStockSource is the shipped StockListSource used when no
// deployment-specific loader is wired. It returns empty sets and logs
// once per process so missing wiring is visible.
type UnknownStockSource struct {
	warnOnce sync.Once
}

// StockLists returns empty affinity sets.
func (s *UnknownStockSource) StockLists(ctx context.Context, custNo string) (StockLists, error) {
	s.warnOnce.Do(func() {
		logging.Ctx(ctx).Warn().
			Msg("no stock list source configured, boost rules see empty stock sets")
	})
	return StockLists{
		Owned:      map[string]struct{}{},
		Recent:     map[string]struct{}{},
		Group1:     map[string]struct{}{},
		Onboarding: map[string]struct{}{},
	}, nil
}
