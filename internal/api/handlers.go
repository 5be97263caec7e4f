// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package api

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/finlab/recurate/internal/cache"
	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/recommend"
	"github.com/finlab/recurate/internal/store"
)

const anonymousCacheKey = "anonymous:recs"

// Recommender produces one customer's ranking. The coalescing
// dispatcher implements it in production.
type Recommender interface {
	Recommend(ctx context.Context, custNo string) ([]recommend.ScoredItem, error)
}

// AnonymousSource loads the curated anonymous recommendation list.
type AnonymousSource interface {
	AnonymousRecs(ctx context.Context) ([]string, error)
}

// Handler holds the recommendation endpoints.
type Handler struct {
	cfg         config.OnlineConfig
	recommender Recommender
	anon        AnonymousSource
	cache       *cache.Cache
	readiness   func(ctx context.Context) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewHandler wires the handler. cache may be nil to disable the
// anonymous list cache; readiness may be nil when there is nothing to
// probe.
func NewHandler(cfg config.OnlineConfig, recommender Recommender, anon AnonymousSource, c *cache.Cache, readiness func(ctx context.Context) error) *Handler {
	return &Handler{
		cfg:         cfg,
		recommender: recommender,
		anon:        anon,
		cache:       c,
		readiness:   readiness,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// recommendationList is the payload of both recommendation endpoints.
type recommendationList struct {
	CustNo          string                 `json:"cust_no,omitempty"`
	Recommendations []recommend.ScoredItem `json:"recommendations"`
	Count           int                    `json:"count"`
}

// UserRecommendations serves GET /api/v1/recommendations/user/{custNo}.
func (h *Handler) UserRecommendations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	custNo := chi.URLParam(r, "custNo")
	if !store.ValidCustNo(custNo) {
		rw.Error(http.StatusBadRequest, ErrCodeBadRequest, "customer number must be numeric and at most 20 characters")
		return
	}

	ctx := r.Context()
	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	items, err := h.recommender.Recommend(ctx, custNo)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "recommendation timed out")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Str("cust_no", custNo).Msg("recommendation failed")
		rw.Error(http.StatusInternalServerError, ErrCodeInternalError, "recommendation failed")
		return
	}
	if items == nil {
		items = []recommend.ScoredItem{}
	}

	rw.Success(recommendationList{
		CustNo:          custNo,
		Recommendations: items,
		Count:           len(items),
	})
}

// AnonymousRecommendations serves GET /api/v1/recommendations/anonymous.
// The curated list is cached, then served shuffled and truncated so
// repeat visitors see variety without a store round trip.
func (h *Handler) AnonymousRecommendations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	ids := h.anonymousIDs(r.Context())

	shuffled := make([]string, len(ids))
	copy(shuffled, ids)
	h.rngMu.Lock()
	h.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	h.rngMu.Unlock()

	if len(shuffled) > h.cfg.RecommendationCount {
		shuffled = shuffled[:h.cfg.RecommendationCount]
	}

	items := make([]recommend.ScoredItem, len(shuffled))
	for i, id := range shuffled {
		items[i] = recommend.ScoredItem{ItemID: id}
	}

	rw.Success(recommendationList{
		Recommendations: items,
		Count:           len(items),
	})
}

// anonymousIDs serves the curated list from the cache, falling back to
// the store. A store failure degrades to an empty list.
func (h *Handler) anonymousIDs(ctx context.Context) []string {
	if h.cache != nil {
		if raw, ok, err := h.cache.Get(anonymousCacheKey); err == nil && ok {
			var ids []string
			if err := json.Unmarshal(raw, &ids); err == nil {
				return ids
			}
		}
	}

	ids, err := h.anon.AnonymousRecs(ctx)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("anonymous recommendations unavailable")
		return nil
	}

	if h.cache != nil && len(ids) > 0 {
		if raw, err := json.Marshal(ids); err == nil {
			_ = h.cache.Set(anonymousCacheKey, raw, h.cfg.AnonymousCacheTTL)
		}
	}
	return ids
}

// HealthLive serves GET /api/v1/health/live.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

// HealthReady serves GET /api/v1/health/ready. Readiness fails while
// the stores are unreachable.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.readiness != nil {
		if err := h.readiness(r.Context()); err != nil {
			rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
			return
		}
	}
	rw.Success(map[string]string{"status": "ready"})
}
