// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package recommend

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/finlab/recurate/internal/cache"
	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/metrics"
)

// ProfileReader loads one customer profile; (nil, nil) means unknown.
type ProfileReader interface {
	UserProfile(ctx context.Context, custNo string) (*UserProfile, error)
}

// SeenItemsReader collects recently shown item ids.
type SeenItemsReader interface {
	SeenItems(ctx context.Context, custNo string, days int) (map[string]struct{}, error)
}

// ReturnsReader fetches return figures for the given stock names.
type ReturnsReader interface {
	OwnedStockReturns(ctx context.Context, stocks []string) (map[string]StockReturns, error)
}

// MetaReader fetches content metadata by id.
type MetaReader interface {
	ContentMeta(ctx context.Context, ids []string) (map[string]ContentMeta, error)
}

// ContextFetcherConfig holds hydration settings.
type ContextFetcherConfig struct {
	// SeenDays is how many daily partitions feed the seen-items set.
	SeenDays int

	// MetaCacheTTL bounds how long cached content metadata is served.
	MetaCacheTTL time.Duration
}

// ContextFetcher hydrates the per-request UserContext. The independent
// sub-fetches run in parallel; each failure degrades its own field to
// empty so one slow or broken upstream never fails the request.
type ContextFetcher struct {
	cfg      ContextFetcherConfig
	profiles ProfileReader
	seen     SeenItemsReader
	returns  ReturnsReader
	stocks   StockListSource
	meta     MetaReader
	cache    *cache.Cache
}

// NewContextFetcher wires the fetcher. stocks may be nil, in which case
// the UnknownStockSource is used; cache may be nil to disable metadata
// caching.
func NewContextFetcher(
	cfg ContextFetcherConfig,
	profiles ProfileReader,
	seen SeenItemsReader,
	returns ReturnsReader,
	stocks StockListSource,
	meta MetaReader,
	metaCache *cache.Cache,
) *ContextFetcher {
	if cfg.SeenDays < 1 {
		cfg.SeenDays = 7
	}
	if stocks == nil {
		stocks = &UnknownStockSource{}
	}
	return &ContextFetcher{
		cfg:      cfg,
		profiles: profiles,
		seen:     seen,
		returns:  returns,
		stocks:   stocks,
		meta:     meta,
		cache:    metaCache,
	}
}

// Fetch hydrates the context for one request. Never returns an error:
// every sub-fetch degrades independently.
func (f *ContextFetcher) Fetch(ctx context.Context, custNo string) *UserContext {
	uc := NewUserContext(custNo)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		profile, err := f.profiles.UserProfile(ctx, custNo)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("cust_no", custNo).Msg("profile fetch degraded")
			return
		}
		uc.Profile = profile
	}()

	go func() {
		defer wg.Done()
		seen, err := f.seen.SeenItems(ctx, custNo, f.cfg.SeenDays)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("cust_no", custNo).Msg("seen items fetch degraded")
			return
		}
		if seen != nil {
			uc.SeenItems = seen
		}
	}()

	go func() {
		defer wg.Done()
		lists, err := f.stocks.StockLists(ctx, custNo)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("cust_no", custNo).Msg("stock lists fetch degraded")
			return
		}
		mergeStockLists(&uc.Stocks, lists)
	}()

	wg.Wait()

	// Return figures depend on the owned set, so they fetch second.
	if len(uc.Stocks.Owned) > 0 {
		owned := make([]string, 0, len(uc.Stocks.Owned))
		for stock := range uc.Stocks.Owned {
			owned = append(owned, stock)
		}
		returns, err := f.returns.OwnedStockReturns(ctx, owned)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("cust_no", custNo).Msg("owned returns fetch degraded")
		} else if returns != nil {
			uc.OwnedReturns = returns
		}
	}

	return uc
}

// mergeStockLists copies non-nil sets, keeping the pre-allocated empty
// maps for the rest.
func mergeStockLists(dst *StockLists, src StockLists) {
	if src.Owned != nil {
		dst.Owned = src.Owned
	}
	if src.Recent != nil {
		dst.Recent = src.Recent
	}
	if src.Group1 != nil {
		dst.Group1 = src.Group1
	}
	if src.Onboarding != nil {
		dst.Onboarding = src.Onboarding
	}
}

// metaCacheKey namespaces content metadata in the shared cache.
func metaCacheKey(id string) string { return "meta:" + id }

// AttachContentMeta loads metadata for the candidate ids into the
// context, serving from the cache where possible. Store failures leave
// the affected entries absent; post-reorder rules treat missing
// metadata as "no signal".
func (f *ContextFetcher) AttachContentMeta(ctx context.Context, uc *UserContext, ids []string) {
	start := time.Now()
	misses := make([]string, 0, len(ids))

	for _, id := range ids {
		if f.cache == nil {
			misses = append(misses, id)
			continue
		}
		raw, ok, err := f.cache.Get(metaCacheKey(id))
		if err != nil || !ok {
			misses = append(misses, id)
			continue
		}
		var meta ContentMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			misses = append(misses, id)
			continue
		}
		uc.ContentMeta[id] = meta
	}

	if len(misses) > 0 {
		fetched, err := f.meta.ContentMeta(ctx, misses)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Int("ids", len(misses)).Msg("content meta fetch degraded")
		}
		for id, meta := range fetched {
			uc.ContentMeta[id] = meta
			if f.cache == nil {
				continue
			}
			if raw, err := json.Marshal(meta); err == nil {
				_ = f.cache.Set(metaCacheKey(id), raw, f.cfg.MetaCacheTTL)
			}
		}
	}

	metrics.StoreQueryDuration.WithLabelValues("mongo", "content_meta").Observe(time.Since(start).Seconds())
}
