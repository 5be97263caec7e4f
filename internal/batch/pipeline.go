// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package batch runs the nightly candidate generation pipeline: shared
// inputs load concurrently, global rules build the customer-independent
// pools, a worker pool evaluates local rules and the CF model per user,
// and the scored candidates upsert into the candidate collection.
package batch

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/metrics"
	"github.com/finlab/recurate/internal/recommend"
	"github.com/finlab/recurate/internal/store"
)

// UserStreamer streams user profiles in chunks.
type UserStreamer interface {
	StreamUsers(ctx context.Context, chunkSize int32, fn func(recommend.UserProfile) error) error
}

// ContentLoader loads the full curation content catalogue.
type ContentLoader interface {
	LoadContents(ctx context.Context) ([]recommend.ContentMeta, error)
}

// InteractionLoader loads recent user interaction histories, newest
// first per user.
type InteractionLoader interface {
	LoadInteractions(ctx context.Context, days int) (map[string][]string, error)
}

// CandidateSaver persists the generated candidate records.
type CandidateSaver interface {
	SaveCandidates(ctx context.Context, records []recommend.CandidateRecord, chunkSize int, fallbackDir string) (store.SaveResult, error)
}

// Config holds the pipeline settings.
type Config struct {
	Batch   config.BatchConfig
	Scoring config.ScoringConfig
}

// Summary is the result of one pipeline run.
type Summary struct {
	UsersProcessed int
	UsersSkipped   int
	Saved          int
	Degraded       bool
	FallbackPath   string
	Duration       time.Duration
}

// Pipeline wires the stores and rules for one batch run. Rules run in
// registration order; a failing rule degrades to an empty pool rather
// than failing the run.
type Pipeline struct {
	cfg Config

	users        UserStreamer
	contents     ContentLoader
	interactions InteractionLoader
	saver        CandidateSaver
	quotes       recommend.QuoteSource
	portfolio    recommend.PortfolioSource

	globalRules []recommend.GlobalRule
	otherRules  []recommend.GlobalRule
	localRules  []recommend.LocalRule
}

// NewPipeline creates the pipeline. quotes and portfolio may be nil
// when no rule needs them.
func NewPipeline(
	cfg Config,
	users UserStreamer,
	contents ContentLoader,
	interactions InteractionLoader,
	saver CandidateSaver,
	quotes recommend.QuoteSource,
	portfolio recommend.PortfolioSource,
) *Pipeline {
	if cfg.Batch.Workers < 1 {
		cfg.Batch.Workers = runtime.NumCPU()
	}
	if cfg.Batch.UserChunkSize < 1 {
		cfg.Batch.UserChunkSize = 1000
	}
	return &Pipeline{
		cfg:          cfg,
		users:        users,
		contents:     contents,
		interactions: interactions,
		saver:        saver,
		quotes:       quotes,
		portfolio:    portfolio,
	}
}

// RegisterGlobal appends rules feeding the global pool.
func (p *Pipeline) RegisterGlobal(rules ...recommend.GlobalRule) {
	p.globalRules = append(p.globalRules, rules...)
}

// RegisterOther appends rules feeding the other pool.
func (p *Pipeline) RegisterOther(rules ...recommend.GlobalRule) {
	p.otherRules = append(p.otherRules, rules...)
}

// RegisterLocal appends per-user rules feeding the local pool.
func (p *Pipeline) RegisterLocal(rules ...recommend.LocalRule) {
	p.localRules = append(p.localRules, rules...)
}

// Run executes one batch run end to end. It returns an error only for
// faults that invalidate the whole run, such as the content catalogue
// being unreadable or the context being cancelled.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	log := logging.Ctx(ctx)

	var (
		contents     []recommend.ContentMeta
		interactions map[string][]string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		contents, err = p.contents.LoadContents(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		interactions, err = p.interactions.LoadInteractions(gctx, p.cfg.Batch.InteractionDays)
		return err
	})
	if err := g.Wait(); err != nil {
		return Summary{Duration: time.Since(start)}, err
	}

	log.Info().
		Int("contents", len(contents)).
		Int("interaction_users", len(interactions)).
		Msg("batch inputs loaded")

	bc := recommend.NewBatchContext(contents)
	bc.Quotes = p.quotes
	bc.Portfolio = p.portfolio

	model := recommend.NewItemSimilarity(recommend.CFConfig{
		MinCoOccurrence: p.cfg.Scoring.CFMinCoOccurrence,
		HistoryLimit:    p.cfg.Scoring.CFUserHistoryLimit,
	})
	if err := model.Build(ctx, interactions); err != nil {
		return Summary{Duration: time.Since(start)}, err
	}

	globalPool := p.runGlobalRules(ctx, bc, "global", p.globalRules)
	otherPool := p.runGlobalRules(ctx, bc, "other", p.otherRules)

	records, processed, skipped, err := p.processUsers(ctx, bc, model, interactions, globalPool, otherPool)
	if err != nil {
		return Summary{UsersProcessed: processed, UsersSkipped: skipped, Duration: time.Since(start)}, err
	}

	result, err := p.saver.SaveCandidates(ctx, records, p.cfg.Batch.SaveBatchSize, p.cfg.Batch.FallbackDir)
	if err != nil {
		return Summary{UsersProcessed: processed, UsersSkipped: skipped, Duration: time.Since(start)}, err
	}
	metrics.CandidatesSaved.Add(float64(result.Saved))
	metrics.BatchRunDuration.Observe(time.Since(start).Seconds())

	summary := Summary{
		UsersProcessed: processed,
		UsersSkipped:   skipped,
		Saved:          result.Saved,
		Degraded:       result.Degraded,
		FallbackPath:   result.FallbackPath,
		Duration:       time.Since(start),
	}
	log.Info().
		Int("users_processed", summary.UsersProcessed).
		Int("users_skipped", summary.UsersSkipped).
		Int("saved", summary.Saved).
		Bool("degraded", summary.Degraded).
		Dur("duration", summary.Duration).
		Msg("batch run finished")
	return summary, nil
}

// runGlobalRules evaluates the rules concurrently and unions their
// outputs in registration order. A failing rule contributes nothing.
func (p *Pipeline) runGlobalRules(ctx context.Context, bc *recommend.BatchContext, stage string, rules []recommend.GlobalRule) []string {
	outputs := make([][]string, len(rules))

	var wg sync.WaitGroup
	for i, rule := range rules {
		wg.Add(1)
		go func(i int, rule recommend.GlobalRule) {
			defer wg.Done()
			ruleStart := time.Now()
			ids, err := rule.Apply(ctx, bc)
			observeBatchRule(ctx, stage, rule.Name(), len(ids), ruleStart, err)
			if err == nil {
				outputs[i] = ids
			}
		}(i, rule)
	}
	wg.Wait()

	seen := make(map[string]struct{})
	var pool []string
	for _, ids := range outputs {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			pool = append(pool, id)
		}
	}
	return pool
}

// processUsers streams profiles through the worker pool and collects
// one candidate record per user. A worker failure skips that user.
func (p *Pipeline) processUsers(
	ctx context.Context,
	bc *recommend.BatchContext,
	model *recommend.ItemSimilarity,
	interactions map[string][]string,
	globalPool, otherPool []string,
) ([]recommend.CandidateRecord, int, int, error) {
	profiles := make(chan recommend.UserProfile, p.cfg.Batch.Workers*2)

	var (
		mu        sync.Mutex
		records   []recommend.CandidateRecord
		processed int
		skipped   int
	)

	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Batch.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for profile := range profiles {
				entries, ok := p.processUser(ctx, bc, model, interactions, globalPool, otherPool, profile)
				mu.Lock()
				if !ok {
					skipped++
					metrics.BatchUsersSkipped.Inc()
				} else {
					processed++
					metrics.BatchUsersProcessed.Inc()
					if len(entries) > 0 {
						records = append(records, recommend.CandidateRecord{
							CustNo:       profile.CustNo,
							CurationList: entries,
						})
					}
				}
				mu.Unlock()
			}
		}()
	}

	streamErr := p.users.StreamUsers(ctx, p.cfg.Batch.UserChunkSize, func(profile recommend.UserProfile) error {
		select {
		case profiles <- profile:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	close(profiles)
	wg.Wait()

	if streamErr != nil {
		return nil, processed, skipped, streamErr
	}
	return records, processed, skipped, nil
}

// processUser evaluates the local rules and scoring for one user.
func (p *Pipeline) processUser(
	ctx context.Context,
	bc *recommend.BatchContext,
	model *recommend.ItemSimilarity,
	interactions map[string][]string,
	globalPool, otherPool []string,
	profile recommend.UserProfile,
) ([]recommend.CurationEntry, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	user := recommend.NewBatchUser(&profile)

	seen := make(map[string]struct{})
	var localPool []string
	for _, rule := range p.localRules {
		ruleStart := time.Now()
		ids, err := rule.Apply(ctx, user, bc)
		observeBatchRule(ctx, "local", rule.Name(), len(ids), ruleStart, err)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			localPool = append(localPool, id)
		}
	}

	pools := Pools{Global: globalPool, Local: localPool, Other: otherPool}

	candidates := make([]string, 0, len(globalPool)+len(localPool)+len(otherPool))
	union := make(map[string]struct{})
	for _, pool := range [][]string{globalPool, localPool, otherPool} {
		for _, id := range pool {
			if _, dup := union[id]; dup {
				continue
			}
			union[id] = struct{}{}
			candidates = append(candidates, id)
		}
	}
	cfScores := model.Score(interactions[profile.CustNo], candidates)

	entries := CombineScores(ScoreConfig{
		Weights:              p.cfg.Scoring.SourceWeights,
		CFWeight:             p.cfg.Scoring.CFWeight,
		MinScoreThreshold:    p.cfg.Scoring.MinScoreThreshold,
		MaxCandidatesPerUser: p.cfg.Scoring.MaxCandidatesPerUser,
	}, pools, cfScores)
	return entries, true
}

// observeBatchRule emits the per-rule metrics and debug line for the
// batch stages.
func observeBatchRule(ctx context.Context, stage, rule string, outputSize int, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.RuleDuration.WithLabelValues(stage, rule).Observe(elapsed.Seconds())

	if err != nil {
		metrics.RuleFailures.WithLabelValues(stage, rule).Inc()
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("rule", rule).
			Str("stage", stage).
			Msg("rule failed, contributing empty pool")
		return
	}

	logging.Ctx(ctx).Debug().
		Str("rule", rule).
		Str("stage", stage).
		Int("output_size", outputSize).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("rule applied")
}
