// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"golang.org/x/sync/errgroup"

	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/recommend"
)

// maxHitsPerIndex matches the default index.max_result_window.
const maxHitsPerIndex = 10000

// maxAbsQuoteReturn filters implausible one-day returns at the data
// layer; anything beyond this is treated as a bad tick.
const maxAbsQuoteReturn = 50.0

// errIndexMissing marks a day partition that does not exist (yet).
var errIndexMissing = errors.New("index missing")

// Search reads the day-partitioned interaction and quote indices.
type Search struct {
	client *opensearch.Client
	cfg    config.SearchConfig
	now    func() time.Time
}

// NewSearch builds the OpenSearch client.
func NewSearch(cfg config.SearchConfig) (*Search, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opensearch client: %w", err)
	}
	return &Search{client: client, cfg: cfg, now: time.Now}, nil
}

// dayIndex returns the partition name for the given day.
func dayIndex(prefix string, t time.Time) string {
	return prefix + t.Format("20060102")
}

// searchIndex runs one query against one index and returns raw hit
// sources. A 404 maps to errIndexMissing.
func (s *Search) searchIndex(ctx context.Context, index string, query map[string]any, size int) ([]json.RawMessage, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(index),
		s.client.Search.WithBody(bytes.NewReader(body)),
		s.client.Search.WithSize(size),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, errIndexMissing
	}
	if res.IsError() {
		return nil, fmt.Errorf("search %s: %s", index, res.String())
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", index, err)
	}
	return parseSearchHits(data)
}

// parseSearchHits extracts _source documents from a search response.
func parseSearchHits(data []byte) ([]json.RawMessage, error) {
	var envelope struct {
		Hits struct {
			Hits []struct {
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	sources := make([]json.RawMessage, 0, len(envelope.Hits.Hits))
	for _, hit := range envelope.Hits.Hits {
		sources = append(sources, hit.Source)
	}
	return sources, nil
}

type interactionDoc struct {
	CustNo string `json:"cust_no"`
	ItemID string `json:"curation_id"`
}

// LoadInteractions scans the interaction indices over the last N days
// and returns per-user histories, most recent first. Missing or failing
// day partitions are logged and skipped; the union of what succeeded is
// returned. Only context cancellation aborts the scan.
func (s *Search) LoadInteractions(ctx context.Context, days int) (map[string][]string, error) {
	histories := make(map[string][]string)
	query := map[string]any{
		"query": map[string]any{"match_all": map[string]any{}},
		"sort":  []any{map[string]any{"@timestamp": map[string]any{"order": "desc"}}},
	}

	missing := 0
	today := s.now()
	for d := 0; d < days; d++ {
		if ctx.Err() != nil {
			return histories, ctx.Err()
		}
		index := dayIndex(s.cfg.InteractionIndexPrefix, today.AddDate(0, 0, -d))

		sources, err := s.searchIndex(ctx, index, query, maxHitsPerIndex)
		if err != nil {
			missing++
			if !errors.Is(err, errIndexMissing) {
				logging.Ctx(ctx).Warn().Err(err).Str("index", index).Msg("interaction window unavailable")
			}
			continue
		}

		for _, src := range sources {
			var doc interactionDoc
			if err := json.Unmarshal(src, &doc); err != nil || doc.CustNo == "" || doc.ItemID == "" {
				continue
			}
			histories[doc.CustNo] = append(histories[doc.CustNo], doc.ItemID)
		}
	}

	logging.Ctx(ctx).Info().
		Int("days", days).
		Int("missing_windows", missing).
		Int("users", len(histories)).
		Msg("interaction histories loaded")
	return histories, nil
}

// SeenItems collects the ids shown to the customer over the last N day
// partitions. Each partition is queried concurrently under its own
// timeout; failures shrink the set instead of failing the request.
func (s *Search) SeenItems(ctx context.Context, custNo string, days int) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	var mu sync.Mutex

	query := map[string]any{
		"query": map[string]any{"term": map[string]any{"cust_no": custNo}},
	}

	g, gctx := errgroup.WithContext(ctx)
	today := s.now()
	for d := 0; d < days; d++ {
		index := dayIndex(s.cfg.InteractionIndexPrefix, today.AddDate(0, 0, -d))
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, s.cfg.SeenTimeout)
			defer cancel()

			sources, err := s.searchIndex(fetchCtx, index, query, maxHitsPerIndex)
			if err != nil {
				if !errors.Is(err, errIndexMissing) {
					logging.Ctx(ctx).Warn().Err(err).Str("index", index).Msg("seen items window unavailable")
				}
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, src := range sources {
				var doc interactionDoc
				if err := json.Unmarshal(src, &doc); err != nil || doc.ItemID == "" {
					continue
				}
				seen[doc.ItemID] = struct{}{}
			}
			return nil
		})
	}

	_ = g.Wait()
	return seen, nil
}

type quoteDoc struct {
	Code         string   `json:"shrt_code"`
	Name         string   `json:"stk_name"`
	Country      string   `json:"country"`
	OneDayReturn *float64 `json:"1d_returns"`
	OneMonth     *float64 `json:"1m_returns"`
	MarketCap    float64  `json:"market_cap"`
}

// LatestQuotes queries the daily quote indices newest-first until
// maxRecords unique codes are collected. Non-finite returns and
// implausible moves are filtered out.
func (s *Search) LatestQuotes(ctx context.Context, daysBack, maxRecords int, countries []string) ([]recommend.Quote, error) {
	query := map[string]any{
		"query": map[string]any{"terms": map[string]any{"country": countries}},
	}

	quotes := make([]recommend.Quote, 0, maxRecords)
	seen := make(map[string]struct{}, maxRecords)

	today := s.now()
	for d := 0; d < daysBack && len(quotes) < maxRecords; d++ {
		if ctx.Err() != nil {
			return quotes, ctx.Err()
		}
		index := dayIndex(s.cfg.QuoteIndexPrefix, today.AddDate(0, 0, -d))

		sources, err := s.searchIndex(ctx, index, query, maxHitsPerIndex)
		if err != nil {
			if !errors.Is(err, errIndexMissing) {
				logging.Ctx(ctx).Warn().Err(err).Str("index", index).Msg("quote window unavailable")
			}
			continue
		}

		for _, src := range sources {
			if len(quotes) >= maxRecords {
				break
			}
			var doc quoteDoc
			if err := json.Unmarshal(src, &doc); err != nil || doc.Code == "" {
				continue
			}
			if _, dup := seen[doc.Code]; dup {
				continue
			}
			if doc.OneDayReturn == nil || !validReturn(*doc.OneDayReturn) {
				continue
			}
			seen[doc.Code] = struct{}{}
			quotes = append(quotes, recommend.Quote{
				Code:         doc.Code,
				Name:         doc.Name,
				Country:      doc.Country,
				OneDayReturn: *doc.OneDayReturn,
				MarketCap:    doc.MarketCap,
			})
		}
	}
	return quotes, nil
}

// validReturn rejects NaN, infinities, and moves beyond the plausible
// daily band.
func validReturn(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) <= maxAbsQuoteReturn
}

// OwnedStockReturns fetches the latest return figures for the given
// stock names under the configured budget. Stocks without a quote are
// absent from the result; any failure degrades to an empty map.
func (s *Search) OwnedStockReturns(ctx context.Context, stocks []string) (map[string]recommend.StockReturns, error) {
	returns := make(map[string]recommend.StockReturns, len(stocks))
	if len(stocks) == 0 {
		return returns, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.ReturnsTimeout)
	defer cancel()

	query := map[string]any{
		"query": map[string]any{"terms": map[string]any{"stk_name": stocks}},
	}

	// Walk back a few days so weekends and holidays still resolve.
	today := s.now()
	for d := 0; d < 5 && len(returns) < len(stocks); d++ {
		index := dayIndex(s.cfg.QuoteIndexPrefix, today.AddDate(0, 0, -d))

		sources, err := s.searchIndex(fetchCtx, index, query, len(stocks))
		if err != nil {
			if errors.Is(err, errIndexMissing) {
				continue
			}
			logging.Ctx(ctx).Warn().Err(err).Str("index", index).Msg("owned stock returns unavailable")
			return returns, nil
		}

		for _, src := range sources {
			var doc quoteDoc
			if err := json.Unmarshal(src, &doc); err != nil || doc.Name == "" {
				continue
			}
			if _, dup := returns[doc.Name]; dup {
				continue
			}
			returns[doc.Name] = recommend.StockReturns{
				OneDay:   doc.OneDayReturn,
				OneMonth: doc.OneMonth,
			}
		}
	}
	return returns, nil
}
