// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlab/recurate/internal/cache"
	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/recommend"
)

type fakeRecommender struct {
	items []recommend.ScoredItem
	err   error
	calls int
}

func (f *fakeRecommender) Recommend(_ context.Context, _ string) ([]recommend.ScoredItem, error) {
	f.calls++
	return f.items, f.err
}

type fakeAnon struct {
	ids   []string
	err   error
	calls int
}

func (f *fakeAnon) AnonymousRecs(_ context.Context) ([]string, error) {
	f.calls++
	return f.ids, f.err
}

func testOnlineConfig() config.OnlineConfig {
	return config.OnlineConfig{
		RecommendationCount: 3,
		RequestTimeout:      time.Second,
		AnonymousCacheTTL:   time.Minute,
	}
}

func newTestServer(t *testing.T, rec Recommender, anon AnonymousSource, c *cache.Cache, readiness func(context.Context) error) *httptest.Server {
	t.Helper()
	handler := NewHandler(testOnlineConfig(), rec, anon, c, readiness)
	router := NewRouter(config.ServerConfig{}, handler)
	srv := httptest.NewServer(router.Setup())
	t.Cleanup(srv.Close)
	return srv
}

func decodeResponse(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var out APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUserRecommendations(t *testing.T) {
	rec := &fakeRecommender{items: []recommend.ScoredItem{
		{ItemID: "c1", Score: 2.5},
		{ItemID: "c2", Score: 1.0},
	}}
	srv := newTestServer(t, rec, &fakeAnon{}, nil, nil)

	resp, err := http.Get(srv.URL + "/api/v1/recommendations/user/100001")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	out := decodeResponse(t, resp)
	assert.True(t, out.Success)

	data, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var list recommendationList
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, "100001", list.CustNo)
	assert.Equal(t, 2, list.Count)
	require.Len(t, list.Recommendations, 2)
	assert.Equal(t, "c1", list.Recommendations[0].ItemID)
}

func TestUserRecommendationsInvalidCustNo(t *testing.T) {
	rec := &fakeRecommender{}
	srv := newTestServer(t, rec, &fakeAnon{}, nil, nil)

	for _, custNo := range []string{"abc", "12a34", "123456789012345678901"} {
		resp, err := http.Get(srv.URL + "/api/v1/recommendations/user/" + custNo)
		require.NoError(t, err)
		out := decodeResponse(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, custNo)
		require.NotNil(t, out.Error)
		assert.Equal(t, ErrCodeBadRequest, out.Error.Code)
	}
	assert.Zero(t, rec.calls, "invalid customer numbers never reach the ranker")
}

func TestUserRecommendationsInternalError(t *testing.T) {
	rec := &fakeRecommender{err: errors.New("rule contract violation")}
	srv := newTestServer(t, rec, &fakeAnon{}, nil, nil)

	resp, err := http.Get(srv.URL + "/api/v1/recommendations/user/100001")
	require.NoError(t, err)
	out := decodeResponse(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeInternalError, out.Error.Code)
}

func TestUserRecommendationsTimeout(t *testing.T) {
	rec := &fakeRecommender{err: context.DeadlineExceeded}
	srv := newTestServer(t, rec, &fakeAnon{}, nil, nil)

	resp, err := http.Get(srv.URL + "/api/v1/recommendations/user/100001")
	require.NoError(t, err)
	out := decodeResponse(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeServiceUnavailable, out.Error.Code)
}

func TestUserRecommendationsEmptyList(t *testing.T) {
	srv := newTestServer(t, &fakeRecommender{}, &fakeAnon{}, nil, nil)

	resp, err := http.Get(srv.URL + "/api/v1/recommendations/user/100001")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeResponse(t, resp)
	data, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var list recommendationList
	require.NoError(t, json.Unmarshal(data, &list))
	assert.NotNil(t, list.Recommendations)
	assert.Zero(t, list.Count)
}

func TestAnonymousRecommendations(t *testing.T) {
	anon := &fakeAnon{ids: []string{"a", "b", "c", "d", "e"}}
	srv := newTestServer(t, &fakeRecommender{}, anon, nil, nil)

	resp, err := http.Get(srv.URL + "/api/v1/recommendations/anonymous")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeResponse(t, resp)
	data, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var list recommendationList
	require.NoError(t, json.Unmarshal(data, &list))

	// Truncated to the configured count, drawn from the curated list.
	assert.Equal(t, 3, list.Count)
	valid := map[string]struct{}{"a": {}, "b": {}, "c": {}, "d": {}, "e": {}}
	for _, item := range list.Recommendations {
		_, ok := valid[item.ItemID]
		assert.True(t, ok, "unexpected id %s", item.ItemID)
	}
}

func TestAnonymousRecommendationsCached(t *testing.T) {
	c, err := cache.Open(config.CacheConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	anon := &fakeAnon{ids: []string{"a", "b"}}
	srv := newTestServer(t, &fakeRecommender{}, anon, c, nil)

	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/recommendations/anonymous")
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, 1, anon.calls, "repeat requests should hit the cache")
}

func TestAnonymousRecommendationsDegrades(t *testing.T) {
	anon := &fakeAnon{err: errors.New("mongo down")}
	srv := newTestServer(t, &fakeRecommender{}, anon, nil, nil)

	resp, err := http.Get(srv.URL + "/api/v1/recommendations/anonymous")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeResponse(t, resp)
	assert.True(t, out.Success)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeRecommender{}, &fakeAnon{}, nil, nil)

	resp, err := http.Get(srv.URL + "/api/v1/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthReadyFailsWhenStoreDown(t *testing.T) {
	readiness := func(context.Context) error { return errors.New("mongo unreachable") }
	srv := newTestServer(t, &fakeRecommender{}, &fakeAnon{}, nil, readiness)

	resp, err := http.Get(srv.URL + "/api/v1/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeRecommender{}, &fakeAnon{}, nil, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
