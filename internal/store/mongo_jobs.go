package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Job registry operations. Job rows are created by the upstream
// orchestrator; this side mutates only the watermark.

// GetJob looks up a job record by base run ID.
func (m *Mongo) GetJob(ctx context.Context, runID string) (*models.JobRecord, error) {
	var job models.JobRecord
	err := m.jobs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", runID, err)
	}
	return &job, nil
}

// GetWatermark returns the run's watermark, or nil when none is recorded.
func (m *Mongo) GetWatermark(ctx context.Context, runID string) (*time.Time, error) {
	job, err := m.GetJob(ctx, runID)
	if err != nil {
		return nil, err
	}
	return job.LastAnalyzedAt, nil
}

// SetWatermark advances the run's watermark with a compare-and-set: the
// write only lands while the stored value is still <= ts. A run with no
// job row gets a watermark-only row so continuous passes can checkpoint.
func (m *Mongo) SetWatermark(ctx context.Context, runID string, ts time.Time) error {
	ts = ts.UTC()

	filter := bson.M{
		"run_id": runID,
		"$or": []bson.M{
			{"last_analyzed_at": bson.M{"$lte": ts}},
			{"last_analyzed_at": bson.M{"$exists": false}},
			{"last_analyzed_at": nil},
		},
	}
	res, err := m.jobs.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"last_analyzed_at": ts}})
	if err != nil {
		return fmt.Errorf("setting watermark for %s: %w", runID, err)
	}
	if res.MatchedCount == 1 {
		m.logger.Debug("Watermark advanced",
			zap.String("run_id", runID),
			zap.Time("watermark", ts))
		return nil
	}

	// Either the row does not exist yet or the CAS lost to a higher value.
	var job models.JobRecord
	err = m.jobs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Upsert under the same CAS filter so a row created concurrently
		// with a higher watermark is never pulled back. If that row lands
		// between the miss above and this write, the insert trips the
		// run_id unique index instead of matching, and the CAS verdict
		// comes from a re-read.
		_, err = m.jobs.UpdateOne(ctx,
			filter,
			bson.M{
				"$set":         bson.M{"last_analyzed_at": ts},
				"$setOnInsert": bson.M{"run_id": runID},
			},
			options.Update().SetUpsert(true))
		if mongo.IsDuplicateKeyError(err) {
			if rerr := m.jobs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&job); rerr != nil {
				return fmt.Errorf("reading job %s: %w", runID, rerr)
			}
			return watermarkRegress(runID, job.LastAnalyzedAt, ts)
		}
		if err != nil {
			return fmt.Errorf("creating watermark row for %s: %w", runID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading job %s: %w", runID, err)
	}

	return watermarkRegress(runID, job.LastAnalyzedAt, ts)
}

func watermarkRegress(runID string, current *time.Time, attempted time.Time) error {
	cur := time.Time{}
	if current != nil {
		cur = *current
	}
	return &WatermarkRegressError{RunID: runID, Current: cur, Attempted: attempted}
}
