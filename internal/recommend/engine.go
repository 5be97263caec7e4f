// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package recommend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/metrics"
)

// CandidateSource loads precomputed candidates and the fallback list.
type CandidateSource interface {
	CandidateRecord(ctx context.Context, custNo string) (*CandidateRecord, error)
	LatestContentIDs(ctx context.Context, limit int) ([]string, error)
}

// EngineConfig holds online ranking settings.
type EngineConfig struct {
	// RecommendationCount is the final list length.
	RecommendationCount int

	// CandidateFallback serves the newest contents at score zero to
	// customers without a batch record.
	CandidateFallback bool
	FallbackLimit     int
}

// Engine is the online ranking pipeline: candidate load and context
// hydration in parallel, then the pre-filter fold, score reattachment,
// metadata fetch, and the post-reorder fold with re-sorting after each
// rule. Rules run in registration order.
type Engine struct {
	cfg        EngineConfig
	candidates CandidateSource
	fetcher    *ContextFetcher

	pre  []PreFilterRule
	post []PostReorderRule
}

// NewEngine creates the engine. Rules are registered separately so the
// caller controls composition order.
func NewEngine(cfg EngineConfig, candidates CandidateSource, fetcher *ContextFetcher) *Engine {
	if cfg.RecommendationCount < 1 {
		cfg.RecommendationCount = 20
	}
	if cfg.FallbackLimit < 1 {
		cfg.FallbackLimit = 100
	}
	return &Engine{cfg: cfg, candidates: candidates, fetcher: fetcher}
}

// RegisterPreFilter appends pre-filter rules in evaluation order.
func (e *Engine) RegisterPreFilter(rules ...PreFilterRule) {
	e.pre = append(e.pre, rules...)
}

// RegisterPostReorder appends post-reorder rules in evaluation order.
func (e *Engine) RegisterPostReorder(rules ...PostReorderRule) {
	e.post = append(e.post, rules...)
}

// Recommend produces the final ranking for one customer. A customer
// with no candidates gets an empty list, not an error; only an internal
// contract violation (a rule changing the list length) is surfaced.
func (e *Engine) Recommend(ctx context.Context, custNo string) ([]ScoredItem, error) {
	start := time.Now()

	record, uc := e.loadInputs(ctx, custNo)

	candidates := make([]string, 0, len(record))
	scores := make(map[string]float64, len(record))
	for _, entry := range record {
		if _, dup := scores[entry.CurationID]; dup {
			continue
		}
		candidates = append(candidates, entry.CurationID)
		scores[entry.CurationID] = entry.Score
	}

	if len(candidates) == 0 {
		e.logSummary(ctx, custNo, "empty", start, 0)
		metrics.EmptyRecommendations.Inc()
		return []ScoredItem{}, nil
	}

	// Pre-filter fold: each rule only drops ids. A failing rule is
	// skipped, leaving the list as it was.
	for _, rule := range e.pre {
		ruleStart := time.Now()
		filtered, err := rule.Apply(ctx, uc, candidates)
		e.observeRule(ctx, "pre_filter", rule.Name(), custNo, len(candidates), len(filtered), ruleStart, err)
		if err != nil {
			continue
		}
		candidates = filtered
	}

	ranked := make([]ScoredItem, len(candidates))
	for i, id := range candidates {
		ranked[i] = ScoredItem{ItemID: id, Score: scores[id]}
	}

	e.fetcher.AttachContentMeta(ctx, uc, candidates)

	// Post-reorder fold: rules rescore, the engine re-sorts. A rule
	// that changes the list length broke its contract.
	for _, rule := range e.post {
		ruleStart := time.Now()
		reordered, err := rule.Apply(ctx, uc, ranked)
		e.observeRule(ctx, "post_reorder", rule.Name(), custNo, len(ranked), len(reordered), ruleStart, err)
		if err != nil {
			continue
		}
		if len(reordered) != len(ranked) {
			e.logSummary(ctx, custNo, "error", start, 0)
			return nil, fmt.Errorf("rule %s changed list length from %d to %d", rule.Name(), len(ranked), len(reordered))
		}
		sortRanked(reordered)
		ranked = reordered
	}

	if len(ranked) > e.cfg.RecommendationCount {
		ranked = ranked[:e.cfg.RecommendationCount]
	}

	e.logSummary(ctx, custNo, "ok", start, len(ranked))
	return ranked, nil
}

// loadInputs runs the candidate load and the context hydration in
// parallel. A failing candidate load degrades to the fallback list.
func (e *Engine) loadInputs(ctx context.Context, custNo string) ([]CurationEntry, *UserContext) {
	var (
		wg      sync.WaitGroup
		entries []CurationEntry
		uc      *UserContext
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		record, err := e.candidates.CandidateRecord(ctx, custNo)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("cust_no", custNo).Msg("candidate record load degraded")
		}
		if record != nil {
			entries = record.CurationList
		}
		if len(entries) == 0 && e.cfg.CandidateFallback {
			entries = e.fallbackEntries(ctx, custNo)
		}
	}()

	go func() {
		defer wg.Done()
		uc = e.fetcher.Fetch(ctx, custNo)
	}()

	wg.Wait()
	return entries, uc
}

// fallbackEntries serves the newest contents at score zero.
func (e *Engine) fallbackEntries(ctx context.Context, custNo string) []CurationEntry {
	ids, err := e.candidates.LatestContentIDs(ctx, e.cfg.FallbackLimit)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("cust_no", custNo).Msg("candidate fallback unavailable")
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	logging.Ctx(ctx).Debug().
		Str("cust_no", custNo).
		Int("count", len(ids)).
		Msg("serving newest contents as candidate fallback")

	entries := make([]CurationEntry, len(ids))
	for i, id := range ids {
		entries[i] = CurationEntry{CurationID: id}
	}
	return entries
}

// observeRule emits the per-invocation debug line and metrics.
func (e *Engine) observeRule(ctx context.Context, stage, rule, custNo string, in, out int, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.RuleDuration.WithLabelValues(stage, rule).Observe(elapsed.Seconds())

	if err != nil {
		metrics.RuleFailures.WithLabelValues(stage, rule).Inc()
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("rule", rule).
			Str("stage", stage).
			Str("cust_no", custNo).
			Msg("rule failed, skipping")
		return
	}

	logging.Ctx(ctx).Debug().
		Str("rule", rule).
		Str("stage", stage).
		Str("cust_no", custNo).
		Int("input_size", in).
		Int("output_size", out).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("rule applied")
}

// logSummary emits the one-line request summary.
func (e *Engine) logSummary(ctx context.Context, custNo, status string, start time.Time, returned int) {
	logging.Ctx(ctx).Info().
		Str("cust_no", custNo).
		Str("status", status).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Int("returned_count", returned).
		Msg("recommendation request")
}

// sortRanked orders by score descending, ties broken by item id
// ascending so rankings are deterministic.
func sortRanked(items []ScoredItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ItemID < items[j].ItemID
	})
}
