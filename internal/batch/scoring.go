// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package batch

import (
	"sort"

	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/recommend"
)

// Pools holds one user's candidate pools. Order within a pool is the
// order rules emitted ids; scoring only cares about membership.
type Pools struct {
	Global []string
	Local  []string
	Other  []string
}

// ScoreConfig holds the score combination settings.
type ScoreConfig struct {
	Weights              config.SourceWeights
	CFWeight             float64
	MinScoreThreshold    float64
	MaxCandidatesPerUser int
}

// CombineScores merges the pools into one scored candidate list. A
// candidate's score is the sum of the weights of every pool it belongs
// to plus the weighted CF score. Candidates scoring below the threshold
// are dropped; the rest sort descending by score with ties broken by
// item id ascending, truncated to MaxCandidatesPerUser.
func CombineScores(cfg ScoreConfig, pools Pools, cfScores map[string]float64) []recommend.CurationEntry {
	inGlobal := toSet(pools.Global)
	inLocal := toSet(pools.Local)
	inOther := toSet(pools.Other)

	// Union in pool order so iteration is deterministic before the sort.
	seen := make(map[string]struct{})
	ids := make([]string, 0, len(inGlobal)+len(inLocal)+len(inOther))
	for _, pool := range [][]string{pools.Global, pools.Local, pools.Other} {
		for _, id := range pool {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	entries := make([]recommend.CurationEntry, 0, len(ids))
	for _, id := range ids {
		var score float64
		if _, ok := inGlobal[id]; ok {
			score += cfg.Weights.Global
		}
		if _, ok := inLocal[id]; ok {
			score += cfg.Weights.Local
		}
		if _, ok := inOther[id]; ok {
			score += cfg.Weights.Other
		}
		score += cfg.CFWeight * cfScores[id]

		if score < cfg.MinScoreThreshold {
			continue
		}
		entries = append(entries, recommend.CurationEntry{CurationID: id, Score: score})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].CurationID < entries[j].CurationID
	})

	if cfg.MaxCandidatesPerUser > 0 && len(entries) > cfg.MaxCandidatesPerUser {
		entries = entries[:cfg.MaxCandidatesPerUser]
	}
	return entries
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
