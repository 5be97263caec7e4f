// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package store

import (
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayIndex(t *testing.T) {
	day := time.Date(2026, 8, 24, 13, 45, 0, 0, time.UTC)
	assert.Equal(t, "curation-logs-20260824", dayIndex("curation-logs-", day))
	assert.Equal(t, "screen-20260824", dayIndex("screen-", day))
}

func TestParseSearchHits(t *testing.T) {
	payload := []byte(`{
		"took": 3,
		"hits": {
			"total": {"value": 2},
			"hits": [
				{"_index": "curation-logs-20260824", "_source": {"cust_no": "100001", "curation_id": "c1"}},
				{"_index": "curation-logs-20260824", "_source": {"cust_no": "100002", "curation_id": "c2"}}
			]
		}
	}`)

	sources, err := parseSearchHits(payload)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	var doc interactionDoc
	require.NoError(t, json.Unmarshal(sources[0], &doc))
	assert.Equal(t, "100001", doc.CustNo)
	assert.Equal(t, "c1", doc.ItemID)
}

func TestParseSearchHitsEmpty(t *testing.T) {
	sources, err := parseSearchHits([]byte(`{"hits": {"hits": []}}`))
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestParseSearchHitsMalformed(t *testing.T) {
	_, err := parseSearchHits([]byte(`{"hits": `))
	require.Error(t, err)
}

func TestParseQuoteDoc(t *testing.T) {
	src := []byte(`{
		"shrt_code": "005930",
		"stk_name": "삼성전자",
		"country": "Korea",
		"1d_returns": 2.4,
		"1m_returns": -1.1,
		"market_cap": 4.5e14
	}`)

	var doc quoteDoc
	require.NoError(t, json.Unmarshal(src, &doc))
	assert.Equal(t, "005930", doc.Code)
	require.NotNil(t, doc.OneDayReturn)
	assert.Equal(t, 2.4, *doc.OneDayReturn)
	require.NotNil(t, doc.OneMonth)
	assert.Equal(t, -1.1, *doc.OneMonth)

	// Missing return fields stay nil, distinguishing absent from zero.
	var sparse quoteDoc
	require.NoError(t, json.Unmarshal([]byte(`{"shrt_code": "035720"}`), &sparse))
	assert.Nil(t, sparse.OneDayReturn)
	assert.Nil(t, sparse.OneMonth)
}

func TestValidReturn(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		want  bool
	}{
		{"normal gain", 4.2, true},
		{"normal loss", -7.0, true},
		{"boundary", 50.0, true},
		{"beyond band", 50.1, false},
		{"crash artifact", -300.0, false},
		{"nan", math.NaN(), false},
		{"positive inf", math.Inf(1), false},
		{"negative inf", math.Inf(-1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validReturn(tt.value))
		})
	}
}
