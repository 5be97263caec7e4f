// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package recommend

import "time"

// Pool tags a candidate with the rule pool that produced it. The tag
// selects the source weight applied during batch scoring.
type Pool int

const (
	PoolGlobal Pool = iota
	PoolLocal
	PoolOther
)

// String returns the pool name for logging.
func (p Pool) String() string {
	switch p {
	case PoolGlobal:
		return "global"
	case PoolLocal:
		return "local"
	case PoolOther:
		return "other"
	default:
		return "unknown"
	}
}

// ContentMeta is the curation content document. Item ids are Mongo
// object-id hex strings; MarketCap and CreatedAt may be absent and
// default to zero values.
type ContentMeta struct {
	ItemID     string    `bson:"_id" json:"item_id"`
	Label      string    `bson:"label" json:"label"`
	StkName    string    `bson:"stk_name" json:"stk_name"`
	BTopic     string    `bson:"btopic" json:"btopic"`
	STopic     string    `bson:"stopic" json:"stopic"`
	Sector     string    `bson:"sector" json:"sector"`
	LikedUsers []string  `bson:"liked_users" json:"liked_users,omitempty"`
	MarketCap  float64   `bson:"market_cap" json:"market_cap"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// Concern is a stock a customer has registered interest in.
type Concern struct {
	GICCode string `bson:"gic_code"`
	StkName string `bson:"stk_name"`
}

// UserProfile is the customer document subset the pipelines read.
// Customer numbers are kept as strings to preserve leading zeros.
type UserProfile struct {
	CustNo      string    `bson:"cust_no"`
	Concerns    []Concern `bson:"concerns"`
	LastLoginDT time.Time `bson:"last_login_dt"`
}

// CurationEntry is one persisted candidate with its batch score.
type CurationEntry struct {
	CurationID string  `bson:"curation_id" json:"curation_id"`
	Score      float64 `bson:"score" json:"score"`
}

// CandidateRecord is the persisted batch output, one per customer.
// CurationList is sorted descending by score, ids unique within a
// record, length bounded by the configured candidate cap.
type CandidateRecord struct {
	CustNo       string          `bson:"cust_no" json:"cust_no"`
	CurationList []CurationEntry `bson:"curation_list" json:"curation_list"`
	CreateDT     time.Time       `bson:"create_dt" json:"create_dt"`
	ModiDT       time.Time       `bson:"modi_dt" json:"modi_dt"`
}

// ScoredItem is one ranked item in the online pipeline.
type ScoredItem struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
}

// StockReturns carries the return figures used by boost rules. Nil
// means the figure was missing from the quote index.
type StockReturns struct {
	OneDay   *float64 `json:"1d_returns"`
	OneMonth *float64 `json:"1m_returns"`
}

// Quote is one row of the daily quote index.
type Quote struct {
	Code         string  `json:"shrt_code"`
	Name         string  `json:"stk_name"`
	Country      string  `json:"country"`
	OneDayReturn float64 `json:"1d_returns"`
	MarketCap    float64 `json:"market_cap"`
}

// PortfolioHolding is one position returned by the portfolio API.
type PortfolioHolding struct {
	KorName string  `json:"kor_name"`
	GICCode string  `json:"gic_code"`
	Sector  string  `json:"sector"`
	Weight  float64 `json:"weight"`
}

// PortfolioData is the portfolio API response body. The zero value is
// the documented "empty portfolio" degradation result.
type PortfolioData struct {
	Holdings     []PortfolioHolding `json:"portfolio_info"`
	SectorWeight map[string]float64 `json:"sector_weight"`
}

// Empty reports whether the portfolio carries no positions.
func (p *PortfolioData) Empty() bool {
	return p == nil || (len(p.Holdings) == 0 && len(p.SectorWeight) == 0)
}

// StockLists are the per-customer stock affinity sets consumed by
// BoostUserStocks. Sets hold stock labels.
type StockLists struct {
	Owned      map[string]struct{}
	Recent     map[string]struct{}
	Group1     map[string]struct{}
	Onboarding map[string]struct{}
}

// UserContext is the hydrated realtime context for one online request.
// Failed sub-fetches leave their field empty; rules treat empty as
// "no signal".
type UserContext struct {
	CustNo       string
	Profile      *UserProfile
	SeenItems    map[string]struct{}
	Stocks       StockLists
	OwnedReturns map[string]StockReturns
	ContentMeta  map[string]ContentMeta
}

// NewUserContext returns an empty context for the customer.
func NewUserContext(custNo string) *UserContext {
	return &UserContext{
		CustNo:    custNo,
		SeenItems: make(map[string]struct{}),
		Stocks: StockLists{
			Owned:      make(map[string]struct{}),
			Recent:     make(map[string]struct{}),
			Group1:     make(map[string]struct{}),
			Onboarding: make(map[string]struct{}),
		},
		OwnedReturns: make(map[string]StockReturns),
		ContentMeta:  make(map[string]ContentMeta),
	}
}
