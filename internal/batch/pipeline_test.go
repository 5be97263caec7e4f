// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/recommend"
	"github.com/finlab/recurate/internal/store"
)

type fakeUsers struct {
	profiles []recommend.UserProfile
	err      error
}

func (f *fakeUsers) StreamUsers(_ context.Context, _ int32, fn func(recommend.UserProfile) error) error {
	for _, p := range f.profiles {
		if err := fn(p); err != nil {
			return err
		}
	}
	return f.err
}

type fakeContents struct {
	contents []recommend.ContentMeta
	err      error
}

func (f *fakeContents) LoadContents(_ context.Context) ([]recommend.ContentMeta, error) {
	return f.contents, f.err
}

type fakeInteractions struct {
	data map[string][]string
	err  error
}

func (f *fakeInteractions) LoadInteractions(_ context.Context, _ int) (map[string][]string, error) {
	return f.data, f.err
}

type fakeSaver struct {
	records []recommend.CandidateRecord
	chunk   int
	dir     string
	err     error
}

func (f *fakeSaver) SaveCandidates(_ context.Context, records []recommend.CandidateRecord, chunkSize int, fallbackDir string) (store.SaveResult, error) {
	f.records = records
	f.chunk = chunkSize
	f.dir = fallbackDir
	if f.err != nil {
		return store.SaveResult{}, f.err
	}
	return store.SaveResult{Saved: len(records)}, nil
}

// fixedGlobalRule emits a fixed id list.
type fixedGlobalRule struct {
	name string
	ids  []string
	err  error
}

func (r *fixedGlobalRule) Name() string { return r.name }

func (r *fixedGlobalRule) Apply(_ context.Context, _ *recommend.BatchContext) ([]string, error) {
	return r.ids, r.err
}

// concernLocalRule emits one id per registered concern.
type concernLocalRule struct{}

func (r *concernLocalRule) Name() string { return "concern_contents" }

func (r *concernLocalRule) Apply(_ context.Context, user *recommend.BatchUser, bc *recommend.BatchContext) ([]string, error) {
	var ids []string
	for _, concern := range user.Profile.Concerns {
		for _, c := range bc.Contents {
			if c.StkName == concern.StkName {
				ids = append(ids, c.ItemID)
			}
		}
	}
	return ids, nil
}

func testPipelineConfig() Config {
	return Config{
		Batch: config.BatchConfig{
			InteractionDays: 30,
			Workers:         2,
			SaveBatchSize:   500,
			FallbackDir:     ".",
			UserChunkSize:   1000,
		},
		Scoring: config.ScoringConfig{
			SourceWeights:        config.SourceWeights{Global: 1.0, Local: 1.0, Other: 1.0},
			CFWeight:             1.0,
			MaxCandidatesPerUser: 500,
			CFUserHistoryLimit:   100,
			CFMinCoOccurrence:    2,
		},
	}
}

func TestPipelineRun(t *testing.T) {
	users := &fakeUsers{profiles: []recommend.UserProfile{
		{CustNo: "100001"},
		{CustNo: "100002"},
		{CustNo: "100003"},
	}}
	contents := &fakeContents{contents: []recommend.ContentMeta{
		{ItemID: "c1", StkName: "삼성전자"},
		{ItemID: "c2", StkName: "카카오"},
	}}
	// c1 and c2 share two of three users, so sim(c1, c2) = 2/3.
	interactions := &fakeInteractions{data: map[string][]string{
		"100001": {"c1"},
		"100002": {"c1", "c2"},
		"100003": {"c1", "c2"},
	}}
	saver := &fakeSaver{}

	p := NewPipeline(testPipelineConfig(), users, contents, interactions, saver, nil, nil)
	p.RegisterOther(&fixedGlobalRule{name: "top_liked_content", ids: []string{"c1", "c2"}})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.UsersProcessed)
	assert.Equal(t, 0, summary.UsersSkipped)
	assert.Equal(t, 3, summary.Saved)
	assert.False(t, summary.Degraded)
	assert.Equal(t, 500, saver.chunk)

	byCust := make(map[string][]recommend.CurationEntry)
	for _, r := range saver.records {
		byCust[r.CustNo] = r.CurationList
	}

	// For 100001 the history is [c1], so c2 picks up the CF boost and
	// outranks c1.
	list := byCust["100001"]
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].CurationID)
	assert.InDelta(t, 1.0+2.0/3.0, list[0].Score, 1e-9)
	assert.Equal(t, "c1", list[1].CurationID)
	assert.InDelta(t, 1.0, list[1].Score, 1e-9)
}

func TestPipelineFailingGlobalRuleDegrades(t *testing.T) {
	users := &fakeUsers{profiles: []recommend.UserProfile{{CustNo: "100001"}}}
	contents := &fakeContents{contents: []recommend.ContentMeta{{ItemID: "c1"}}}
	interactions := &fakeInteractions{data: map[string][]string{}}
	saver := &fakeSaver{}

	p := NewPipeline(testPipelineConfig(), users, contents, interactions, saver, nil, nil)
	p.RegisterGlobal(&fixedGlobalRule{name: "stock_top_return", err: errors.New("quotes unavailable")})
	p.RegisterOther(&fixedGlobalRule{name: "top_liked_content", ids: []string{"c1"}})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.UsersProcessed)
	require.Len(t, saver.records, 1)
	require.Len(t, saver.records[0].CurationList, 1)
	assert.Equal(t, "c1", saver.records[0].CurationList[0].CurationID)
}

func TestPipelineLocalRules(t *testing.T) {
	users := &fakeUsers{profiles: []recommend.UserProfile{
		{CustNo: "100001", Concerns: []recommend.Concern{{StkName: "삼성전자"}}},
		{CustNo: "100002"},
	}}
	contents := &fakeContents{contents: []recommend.ContentMeta{
		{ItemID: "c1", StkName: "삼성전자"},
		{ItemID: "c2", StkName: "카카오"},
	}}
	interactions := &fakeInteractions{data: map[string][]string{}}
	saver := &fakeSaver{}

	p := NewPipeline(testPipelineConfig(), users, contents, interactions, saver, nil, nil)
	p.RegisterLocal(&concernLocalRule{})

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	byCust := make(map[string][]recommend.CurationEntry)
	for _, r := range saver.records {
		byCust[r.CustNo] = r.CurationList
	}

	require.Len(t, byCust["100001"], 1)
	assert.Equal(t, "c1", byCust["100001"][0].CurationID)
	// 100002 has no concerns, hence no pools at all and no record.
	_, ok := byCust["100002"]
	assert.False(t, ok)
}

func TestPipelineContentLoadFailureFailsRun(t *testing.T) {
	p := NewPipeline(testPipelineConfig(),
		&fakeUsers{},
		&fakeContents{err: errors.New("mongo down")},
		&fakeInteractions{},
		&fakeSaver{},
		nil, nil)

	_, err := p.Run(context.Background())
	require.Error(t, err)
}

func TestPipelineStreamFailureFailsRun(t *testing.T) {
	p := NewPipeline(testPipelineConfig(),
		&fakeUsers{err: errors.New("cursor broke")},
		&fakeContents{},
		&fakeInteractions{},
		&fakeSaver{},
		nil, nil)

	_, err := p.Run(context.Background())
	require.Error(t, err)
}

func TestPipelineTruncatesPerUser(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Scoring.MaxCandidatesPerUser = 2

	users := &fakeUsers{profiles: []recommend.UserProfile{{CustNo: "100001"}}}
	saver := &fakeSaver{}
	p := NewPipeline(cfg, users, &fakeContents{}, &fakeInteractions{}, saver, nil, nil)
	p.RegisterOther(&fixedGlobalRule{name: "top_liked_content", ids: []string{"c1", "c2", "c3", "c4"}})

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, saver.records, 1)
	assert.Len(t, saver.records[0].CurationList, 2)
}

func TestPipelineWorkerCountDefaults(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Batch.Workers = 0

	p := NewPipeline(cfg, &fakeUsers{}, &fakeContents{}, &fakeInteractions{}, &fakeSaver{}, nil, nil)
	assert.Greater(t, p.cfg.Batch.Workers, 0)
}

func TestPipelineScoreBelowThresholdDropped(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.Scoring.MinScoreThreshold = 1.5

	users := &fakeUsers{profiles: []recommend.UserProfile{{CustNo: "100001"}}}
	saver := &fakeSaver{}
	p := NewPipeline(cfg, users, &fakeContents{}, &fakeInteractions{}, saver, nil, nil)
	p.RegisterOther(&fixedGlobalRule{name: "top_liked_content", ids: []string{"c1"}})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	// The user processed, but every candidate scored below the
	// threshold, so no record is written.
	assert.Equal(t, 1, summary.UsersProcessed)
	assert.Empty(t, saver.records)
}
