// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

// Package store implements the data access layer: the Mongo document
// store, the OpenSearch index readers, and the portfolio HTTP client.
// External failures degrade to empty results wherever the pipelines
// can proceed without the data.
package store

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/recommend"
)

// anonymousRecsID is the global_data document holding the anonymous
// fallback list.
const anonymousRecsID = "anonymous_recs"

// Mongo wraps the document store collections.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    config.MongoConfig

	closeOnce sync.Once
	closeErr  error
}

// NewMongo connects and pings the document store.
func NewMongo(ctx context.Context, cfg config.MongoConfig) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize)

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	logging.Info().Str("database", cfg.Database).Msg("mongo connected")
	return &Mongo{
		client: client,
		db:     client.Database(cfg.Database),
		cfg:    cfg,
	}, nil
}

// Ping probes the connection; the readiness endpoint uses it.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects exactly once; safe to call from both the signal
// path and the normal teardown path.
func (m *Mongo) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closeErr = m.client.Disconnect(ctx)
	})
	return m.closeErr
}

// StreamUsers iterates user profiles in chunks without materializing
// the whole collection. fn returning an error stops the stream.
func (m *Mongo) StreamUsers(ctx context.Context, chunkSize int32, fn func(recommend.UserProfile) error) error {
	coll := m.db.Collection(m.cfg.UsersCollection)

	opts := options.Find().
		SetBatchSize(chunkSize).
		SetProjection(bson.M{"cust_no": 1, "concerns": 1, "last_login_dt": 1})

	cursor, err := coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return fmt.Errorf("find users: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var profile recommend.UserProfile
		if err := cursor.Decode(&profile); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("skipping undecodable user document")
			continue
		}
		if profile.CustNo == "" {
			continue
		}
		if err := fn(profile); err != nil {
			return err
		}
	}
	return cursor.Err()
}

// LoadContents reads the full curation content catalog.
func (m *Mongo) LoadContents(ctx context.Context) ([]recommend.ContentMeta, error) {
	coll := m.db.Collection(m.cfg.ContentsCollection)

	cursor, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find contents: %w", err)
	}
	defer cursor.Close(ctx)

	var contents []recommend.ContentMeta
	if err := cursor.All(ctx, &contents); err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	return contents, nil
}

// CandidateRecord loads one customer's precomputed candidates.
// Returns (nil, nil) when no record exists.
func (m *Mongo) CandidateRecord(ctx context.Context, custNo string) (*recommend.CandidateRecord, error) {
	coll := m.db.Collection(m.cfg.CandidatesCollection)

	var record recommend.CandidateRecord
	err := coll.FindOne(ctx, bson.M{"cust_no": custNo}).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find candidate record %s: %w", custNo, err)
	}
	return &record, nil
}

// LatestContentIDs returns the ids of the newest contents. Used as the
// candidate fallback for customers without a batch record.
func (m *Mongo) LatestContentIDs(ctx context.Context, limit int) ([]string, error) {
	coll := m.db.Collection(m.cfg.ContentsCollection)

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})

	cursor, err := coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find latest contents: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

// ContentMeta fetches metadata for the given ids.
func (m *Mongo) ContentMeta(ctx context.Context, ids []string) (map[string]recommend.ContentMeta, error) {
	if len(ids) == 0 {
		return map[string]recommend.ContentMeta{}, nil
	}
	coll := m.db.Collection(m.cfg.ContentsCollection)

	cursor, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find content meta: %w", err)
	}
	defer cursor.Close(ctx)

	meta := make(map[string]recommend.ContentMeta, len(ids))
	for cursor.Next(ctx) {
		var c recommend.ContentMeta
		if err := cursor.Decode(&c); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("skipping undecodable content document")
			continue
		}
		meta[c.ItemID] = c
	}
	return meta, cursor.Err()
}

// UserProfile loads one customer profile. Returns (nil, nil) when the
// customer is unknown.
func (m *Mongo) UserProfile(ctx context.Context, custNo string) (*recommend.UserProfile, error) {
	coll := m.db.Collection(m.cfg.UsersCollection)

	var profile recommend.UserProfile
	err := coll.FindOne(ctx, bson.M{"cust_no": custNo}).Decode(&profile)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", custNo, err)
	}
	return &profile, nil
}

// AnonymousRecs reads the curated anonymous fallback list.
func (m *Mongo) AnonymousRecs(ctx context.Context) ([]string, error) {
	coll := m.db.Collection(m.cfg.GlobalDataCollection)

	var doc struct {
		CurationIDs []string `bson:"curation_ids"`
	}
	err := coll.FindOne(ctx, bson.M{"_id": anonymousRecsID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find anonymous recs: %w", err)
	}
	return doc.CurationIDs, nil
}
