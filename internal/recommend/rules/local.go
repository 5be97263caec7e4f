// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package rules

import (
	"context"

	"github.com/finlab/recurate/internal/recommend"
)

// holdingFillerName marks the synthetic "everything else" row the
// portfolio API pads small portfolios with.
const holdingFillerName = "기타"

// MarketTopicContents selects contents tagged with the market topic.
// Same pool for every user today; kept local because topic selection
// is expected to become profile-dependent.
type MarketTopicContents struct {
	topic string
}

// NewMarketTopicContents uses the default market topic when empty.
func NewMarketTopicContents(topic string) *MarketTopicContents {
	if topic == "" {
		topic = "시장"
	}
	return &MarketTopicContents{topic: topic}
}

// Name implements recommend.LocalRule.
func (r *MarketTopicContents) Name() string { return "market_topic_contents" }

// Apply returns contents whose broad topic equals the market topic.
func (r *MarketTopicContents) Apply(_ context.Context, _ *recommend.BatchUser, bc *recommend.BatchContext) ([]string, error) {
	var ids []string
	for _, c := range bc.Contents {
		if c.BTopic == r.topic {
			ids = append(ids, c.ItemID)
		}
	}
	return ids, nil
}

// OwnedStockContents selects contents about stocks the customer holds.
type OwnedStockContents struct{}

// NewOwnedStockContents creates the rule.
func NewOwnedStockContents() *OwnedStockContents { return &OwnedStockContents{} }

// Name implements recommend.LocalRule.
func (r *OwnedStockContents) Name() string { return "owned_stock_contents" }

// Apply matches content label or stock name against portfolio holdings.
// An empty portfolio (including fetch degradation) yields no candidates.
func (r *OwnedStockContents) Apply(ctx context.Context, user *recommend.BatchUser, bc *recommend.BatchContext) ([]string, error) {
	p := user.Portfolio(ctx, bc.Portfolio)
	if p.Empty() {
		return nil, nil
	}

	names := make(map[string]struct{}, len(p.Holdings))
	for _, h := range p.Holdings {
		if h.KorName == "" || h.KorName == holdingFillerName {
			continue
		}
		names[h.KorName] = struct{}{}
	}
	if len(names) == 0 {
		return nil, nil
	}

	var ids []string
	for _, c := range bc.Contents {
		if _, ok := names[c.Label]; ok {
			ids = append(ids, c.ItemID)
			continue
		}
		if _, ok := names[c.StkName]; ok {
			ids = append(ids, c.ItemID)
		}
	}
	return ids, nil
}

// SectorContents selects contents from the sectors the customer's
// portfolio is weighted toward.
type SectorContents struct{}

// NewSectorContents creates the rule.
func NewSectorContents() *SectorContents { return &SectorContents{} }

// Name implements recommend.LocalRule.
func (r *SectorContents) Name() string { return "sector_contents" }

// Apply matches content topics against portfolio sector weights.
func (r *SectorContents) Apply(ctx context.Context, user *recommend.BatchUser, bc *recommend.BatchContext) ([]string, error) {
	p := user.Portfolio(ctx, bc.Portfolio)
	if len(p.SectorWeight) == 0 {
		return nil, nil
	}

	var ids []string
	for _, c := range bc.Contents {
		if _, ok := p.SectorWeight[c.BTopic]; ok {
			ids = append(ids, c.ItemID)
			continue
		}
		if _, ok := p.SectorWeight[c.STopic]; ok {
			ids = append(ids, c.ItemID)
		}
	}
	return ids, nil
}
