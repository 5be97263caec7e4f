// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package rules

import (
	"context"

	"github.com/finlab/recurate/internal/recommend"
)

// ExcludeSeenItems drops candidates the customer was already shown.
// Idempotent; a no-op when the seen set is empty.
type ExcludeSeenItems struct{}

// NewExcludeSeenItems creates the rule.
func NewExcludeSeenItems() *ExcludeSeenItems { return &ExcludeSeenItems{} }

// Name implements recommend.PreFilterRule.
func (r *ExcludeSeenItems) Name() string { return "exclude_seen_items" }

// Apply preserves candidate order, removing seen ids.
func (r *ExcludeSeenItems) Apply(_ context.Context, uc *recommend.UserContext, candidates []string) ([]string, error) {
	if len(uc.SeenItems) == 0 {
		return candidates, nil
	}

	kept := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if _, seen := uc.SeenItems[id]; !seen {
			kept = append(kept, id)
		}
	}
	return kept, nil
}
