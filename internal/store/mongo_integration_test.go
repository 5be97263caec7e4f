// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/recommend"
)

// startMongo spins up a throwaway Mongo container for the test.
func startMongo(t *testing.T) *Mongo {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017")
	require.NoError(t, err)

	cfg := config.MongoConfig{
		URI:                  fmt.Sprintf("mongodb://%s:%s", host, port.Port()),
		Database:             "recurate_test",
		MaxPoolSize:          4,
		Timeout:              20 * time.Second,
		UsersCollection:      "user",
		ContentsCollection:   "curation",
		CandidatesCollection: "user_candidate",
		GlobalDataCollection: "global_data",
	}

	m, err := NewMongo(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestMongoCandidateRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	m := startMongo(t)

	records := []recommend.CandidateRecord{
		{
			CustNo: "100001",
			CurationList: []recommend.CurationEntry{
				{CurationID: "c1", Score: 3.0},
				{CurationID: "c2", Score: 1.5},
			},
		},
		{
			CustNo:       "100002",
			CurationList: []recommend.CurationEntry{{CurationID: "c3", Score: 2.0}},
		},
	}

	result, err := m.SaveCandidates(ctx, records, 1, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Saved)
	assert.False(t, result.Degraded)

	got, err := m.CandidateRecord(ctx, "100001")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.CurationList, 2)
	assert.Equal(t, "c1", got.CurationList[0].CurationID)
	firstCreate := got.CreateDT
	require.False(t, firstCreate.IsZero())

	// Upserting again must refresh modi_dt but keep create_dt.
	time.Sleep(1100 * time.Millisecond)
	records[0].CurationList = records[0].CurationList[:1]
	_, err = m.SaveCandidates(ctx, records[:1], 10, t.TempDir())
	require.NoError(t, err)

	got, err = m.CandidateRecord(ctx, "100001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.CurationList, 1)
	assert.WithinDuration(t, firstCreate, got.CreateDT, time.Second)
	assert.True(t, got.ModiDT.After(got.CreateDT))

	// Unknown customers load as nil, nil.
	missing, err := m.CandidateRecord(ctx, "999999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMongoContentAndGlobalData(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	m := startMongo(t)

	curation := m.db.Collection("curation")
	_, err := curation.InsertMany(ctx, []interface{}{
		bson.M{"_id": "c1", "label": "삼성전자", "btopic": "종목", "created_at": time.Now().UTC()},
		bson.M{"_id": "c2", "label": "카카오", "btopic": "시장", "created_at": time.Now().UTC().Add(-time.Hour)},
	})
	require.NoError(t, err)

	contents, err := m.LoadContents(ctx)
	require.NoError(t, err)
	assert.Len(t, contents, 2)

	meta, err := m.ContentMeta(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Contains(t, meta, "c1")
	assert.Equal(t, "삼성전자", meta["c1"].Label)

	ids, err := m.LatestContentIDs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "c1", ids[0])

	globalData := m.db.Collection("global_data")
	_, err = globalData.InsertOne(ctx, bson.M{"_id": "anonymous_recs", "curation_ids": []string{"c1", "c2"}})
	require.NoError(t, err)

	recs, err := m.AnonymousRecs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, recs)
}

func TestMongoStreamUsers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	m := startMongo(t)

	users := m.db.Collection("user")
	docs := make([]interface{}, 0, 25)
	for i := 0; i < 25; i++ {
		docs = append(docs, bson.M{"cust_no": fmt.Sprintf("10%04d", i)})
	}
	_, err := users.InsertMany(ctx, docs)
	require.NoError(t, err)

	var streamed int
	err = m.StreamUsers(ctx, 10, func(p recommend.UserProfile) error {
		require.NotEmpty(t, p.CustNo)
		streamed++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 25, streamed)
}
