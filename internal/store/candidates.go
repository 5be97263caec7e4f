// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/finlab/recurate/internal/logging"
	"github.com/finlab/recurate/internal/recommend"
)

// saveMaxRetries bounds the per-chunk retry attempts.
const saveMaxRetries = 3

// SaveResult reports the outcome of a candidate persist.
type SaveResult struct {
	Saved int
	// Degraded is true when some chunks could not be written and were
	// dumped to FallbackPath instead.
	Degraded     bool
	FallbackPath string
}

// SaveCandidates upserts the records by cust_no in unordered chunks.
// modi_dt is set on every write, create_dt only on insert, so the
// operation is idempotent. Chunks that exhaust their retries are
// written to a timestamped JSON file and reported as degraded success.
func (m *Mongo) SaveCandidates(ctx context.Context, records []recommend.CandidateRecord, chunkSize int, fallbackDir string) (SaveResult, error) {
	if len(records) == 0 {
		return SaveResult{}, nil
	}
	if chunkSize < 1 {
		chunkSize = 500
	}

	coll := m.db.Collection(m.cfg.CandidatesCollection)
	now := time.Now().UTC()

	var result SaveResult
	var failed []recommend.CandidateRecord

	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		models := make([]mongo.WriteModel, 0, len(chunk))
		for _, rec := range chunk {
			models = append(models, mongo.NewUpdateOneModel().
				SetFilter(bson.M{"cust_no": rec.CustNo}).
				SetUpdate(bson.M{
					"$set": bson.M{
						"curation_list": rec.CurationList,
						"modi_dt":       now,
					},
					"$setOnInsert": bson.M{"create_dt": now},
				}).
				SetUpsert(true))
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), saveMaxRetries),
			ctx,
		)
		err := backoff.Retry(func() error {
			_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
			return err
		}, policy)

		if err != nil {
			logging.Ctx(ctx).Warn().
				Err(err).
				Int("chunk_start", start).
				Int("chunk_size", len(chunk)).
				Msg("candidate chunk write failed after retries")
			failed = append(failed, chunk...)
			continue
		}
		result.Saved += len(chunk)
	}

	if len(failed) > 0 {
		path, err := writeFallbackFile(fallbackDir, failed)
		if err != nil {
			return result, fmt.Errorf("persist failed and fallback write failed: %w", err)
		}
		result.Degraded = true
		result.FallbackPath = path
		logging.Ctx(ctx).Error().
			Int("records", len(failed)).
			Str("path", path).
			Msg("candidate persist degraded to file fallback")
	}
	return result, nil
}

// writeFallbackFile dumps unsaved records to a timestamped JSON file.
func writeFallbackFile(dir string, records []recommend.CandidateRecord) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create fallback dir: %w", err)
	}

	name := fmt.Sprintf("candidate_results_%s.json", time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal fallback records: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write fallback file: %w", err)
	}
	return path, nil
}
