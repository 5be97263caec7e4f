// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package recommend

import (
	"context"
	"fmt"
	"time"

	"github.com/finlab/recurate/internal/logging"
)

// CFConfig configures the item-item similarity model.
type CFConfig struct {
	// MinCoOccurrence is the minimum number of shared users before a
	// pair is emitted. Default: 2
	MinCoOccurrence int

	// HistoryLimit caps how many recent history items contribute to a
	// user's CF score. Default: 100
	HistoryLimit int
}

// ItemSimilarity is the Jaccard item-item CF artifact. It is rebuilt
// once per batch run and read-only afterwards; Score and Sim are safe
// for concurrent use once Ready reports true.
type ItemSimilarity struct {
	minCoOccurrence int
	historyLimit    int

	sims  map[string]map[string]float64
	ready bool
}

// NewItemSimilarity creates an empty model. Scorers return nothing
// until Build completes.
func NewItemSimilarity(cfg CFConfig) *ItemSimilarity {
	if cfg.MinCoOccurrence < 1 {
		cfg.MinCoOccurrence = 2
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 100
	}
	return &ItemSimilarity{
		minCoOccurrence: cfg.MinCoOccurrence,
		historyLimit:    cfg.HistoryLimit,
	}
}

// Build computes Jaccard similarity over the sets of users that
// interacted with each item. A pair is kept only when the user sets
// share at least MinCoOccurrence members; self-pairs are omitted.
// Build is single-threaded and must complete before scoring starts.
func (m *ItemSimilarity) Build(ctx context.Context, interactions map[string][]string) error {
	start := time.Now()

	// Invert to item -> distinct user count, and count co-occurring
	// users per item pair by enumerating each user's deduped items.
	userCount := make(map[string]int)
	co := make(map[[2]string]int)

	processed := 0
	for user, items := range interactions {
		if processed%1000 == 0 && ctx.Err() != nil {
			return fmt.Errorf("similarity build cancelled: %w", ctx.Err())
		}
		processed++
		_ = user

		seen := make(map[string]struct{}, len(items))
		uniq := make([]string, 0, len(items))
		for _, it := range items {
			if _, dup := seen[it]; dup {
				continue
			}
			seen[it] = struct{}{}
			uniq = append(uniq, it)
			userCount[it]++
		}

		for a := 0; a < len(uniq); a++ {
			for b := a + 1; b < len(uniq); b++ {
				i, j := uniq[a], uniq[b]
				if j < i {
					i, j = j, i
				}
				co[[2]string{i, j}]++
			}
		}
	}

	sims := make(map[string]map[string]float64)
	add := func(i, j string, sim float64) {
		if sims[i] == nil {
			sims[i] = make(map[string]float64)
		}
		sims[i][j] = sim
	}

	pairs := 0
	for pair, inter := range co {
		if inter < m.minCoOccurrence {
			continue
		}
		i, j := pair[0], pair[1]
		union := userCount[i] + userCount[j] - inter
		if union <= 0 {
			continue
		}
		sim := float64(inter) / float64(union)
		add(i, j, sim)
		add(j, i, sim)
		pairs++
	}

	m.sims = sims
	m.ready = true

	logging.Ctx(ctx).Info().
		Int("users", len(interactions)).
		Int("items", len(userCount)).
		Int("pairs", pairs).
		Dur("duration", time.Since(start)).
		Msg("item similarity built")
	return nil
}

// Ready reports whether Build has completed.
func (m *ItemSimilarity) Ready() bool {
	return m.ready
}

// Sim returns the similarity of the pair, zero when not emitted.
func (m *ItemSimilarity) Sim(i, j string) float64 {
	if !m.ready {
		return 0
	}
	return m.sims[i][j]
}

// Score sums similarities between each candidate and the user's recent
// history. History is most recent first; only the first HistoryLimit
// distinct items contribute. Absent candidates mean zero; the result
// is empty when the model is not ready or the history is empty.
func (m *ItemSimilarity) Score(history, candidates []string) map[string]float64 {
	if !m.ready || len(history) == 0 || len(candidates) == 0 {
		return map[string]float64{}
	}

	recent := make([]string, 0, m.historyLimit)
	seen := make(map[string]struct{}, m.historyLimit)
	for _, it := range history {
		if len(recent) >= m.historyLimit {
			break
		}
		if _, dup := seen[it]; dup {
			continue
		}
		seen[it] = struct{}{}
		recent = append(recent, it)
	}

	scores := make(map[string]float64)
	for _, c := range candidates {
		row := m.sims[c]
		if len(row) == 0 {
			continue
		}
		total := 0.0
		for _, h := range recent {
			total += row[h]
		}
		if total > 0 {
			scores[c] = total
		}
	}
	return scores
}
