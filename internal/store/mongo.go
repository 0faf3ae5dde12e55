package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Mongo persists issues and job records in MongoDB. The upsert-merge and
// watermark operations rely on the server's conditional writes plus a
// partial unique index to enforce the non-terminal uniqueness invariant.
type Mongo struct {
	client  *mongo.Client
	issues  *mongo.Collection
	jobs    *mongo.Collection
	logger  *zap.Logger
	ttlDays int
}

// issueDoc is the on-disk shape of an issue; the synthetic _id stays a
// Mongo ObjectID and is rendered as hex on the way out.
type issueDoc struct {
	ID primitive.ObjectID `bson:"_id,omitempty"`
	models.Issue `bson:",inline"`
}

// NewMongo connects, pings, and ensures indexes. When certKeyFile is set
// the connection authenticates with X.509.
func NewMongo(uri, database, certKeyFile string, maxPoolSize, ttlDays int, logger *zap.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(uri)
	clientOpts.SetMaxPoolSize(uint64(maxPoolSize))

	if certKeyFile != "" {
		if strings.Contains(uri, "?") {
			uri = uri + "&tlsCertificateKeyFile=" + certKeyFile
		} else {
			uri = uri + "?tlsCertificateKeyFile=" + certKeyFile
		}
		clientOpts.SetAuth(options.Credential{
			AuthMechanism: "MONGODB-X509",
		})
		clientOpts.ApplyURI(uri)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:  client,
		issues:  db.Collection("issues"),
		jobs:    db.Collection("jobs"),
		logger:  logger,
		ttlDays: ttlDays,
	}

	if err := m.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	logger.Info("Connected to MongoDB",
		zap.String("database", database),
		zap.Int("max_pool_size", maxPoolSize))

	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	issueIndexes := []mongo.IndexModel{
		{
			// The concurrency primitive: at most one non-terminal row per
			// (normalized_key, run_id). Racing upserts hit this index and
			// one of them retries into a merge.
			Keys: bson.D{
				{Key: "normalized_key", Value: 1},
				{Key: "run_id", Value: 1},
			},
			Options: options.Index().
				SetName("nonterminal_unique").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"status": bson.M{"$in": []string{string(models.StatusNew), string(models.StatusInvestigating)}},
				}),
		},
		{
			Keys:    bson.D{{Key: "last_seen", Value: -1}},
			Options: options.Index().SetName("last_seen_desc"),
		},
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetName("run_id"),
		},
	}

	// Operator opt-in: expire terminal rows only, keyed on fixed_at so
	// open issues are never reaped.
	if m.ttlDays > 0 {
		ttlSeconds := int32(m.ttlDays * 24 * 60 * 60)
		issueIndexes = append(issueIndexes, mongo.IndexModel{
			Keys: bson.D{{Key: "fixed_at", Value: 1}},
			Options: options.Index().
				SetName("fixed_ttl").
				SetExpireAfterSeconds(ttlSeconds),
		})
	}

	if _, err := m.issues.Indexes().CreateMany(ctx, issueIndexes); err != nil {
		return err
	}

	jobIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetName("run_id_unique").SetUnique(true),
		},
	}
	_, err := m.jobs.Indexes().CreateMany(ctx, jobIndexes)
	return err
}

// Upsert merges the canonical issue into an existing non-terminal row for
// the same (normalized key, run ID) or inserts a fresh NEW row. Losing the
// insert race once falls back to the merge path; losing twice returns
// ErrStoreConflict.
func (m *Mongo) Upsert(ctx context.Context, in models.Issue) (UpsertResult, error) {
	res, err := m.upsertOnce(ctx, in)
	if err != nil && mongo.IsDuplicateKeyError(err) {
		m.logger.Debug("Upsert lost insert race, retrying as merge",
			zap.String("normalized_key", in.NormalizedKey),
			zap.String("run_id", in.RunID))
		res, err = m.upsertOnce(ctx, in)
		if err != nil && mongo.IsDuplicateKeyError(err) {
			return UpsertResult{}, ErrStoreConflict
		}
	}
	return res, err
}

func (m *Mongo) upsertOnce(ctx context.Context, in models.Issue) (UpsertResult, error) {
	filter := bson.M{
		"normalized_key": in.NormalizedKey,
		"run_id":         in.RunID,
		"status":         bson.M{"$in": []string{string(models.StatusNew), string(models.StatusInvestigating)}},
	}
	update := bson.M{
		"$inc": bson.M{"occurrences": in.Occurrences},
		"$min": bson.M{"first_seen": in.FirstSeen},
		"$max": bson.M{"last_seen": in.LastSeen},
		"$setOnInsert": bson.M{
			"normalized_key":         in.NormalizedKey,
			"run_id":                 in.RunID,
			"severity":               in.Severity,
			"pattern_name":           in.PatternName,
			"representative_message": in.RepresentativeMessage,
			"stack_trace":            in.StackTrace,
			"tenant_id":              in.TenantID,
			"job_kind":               in.JobKind,
			"service_symbol":         in.ServiceSymbol,
			"status":                 string(models.StatusNew),
		},
	}

	res, err := m.issues.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return UpsertResult{}, err
	}

	if res.UpsertedID != nil {
		oid := res.UpsertedID.(primitive.ObjectID)
		return UpsertResult{Created: true, IssueID: oid.Hex()}, nil
	}

	// Merged: one more read to report the row's ID.
	var doc issueDoc
	if err := m.issues.FindOne(ctx, filter).Decode(&doc); err != nil {
		return UpsertResult{}, fmt.Errorf("reading merged issue: %w", err)
	}
	return UpsertResult{Created: false, IssueID: doc.ID.Hex()}, nil
}

// Query returns issues matching q, ordered by last-seen descending.
func (m *Mongo) Query(ctx context.Context, q IssueQuery) ([]models.Issue, error) {
	filter := bson.M{}
	if q.Status != "" {
		filter["status"] = string(q.Status)
	}
	if q.Severity != "" {
		filter["severity"] = string(q.Severity)
	}
	if q.RunID != "" {
		filter["run_id"] = q.RunID
	}
	if q.PatternName != "" {
		filter["pattern_name"] = q.PatternName
	}
	if !q.Since.IsZero() {
		filter["last_seen"] = bson.M{"$gte": q.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "last_seen", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := m.issues.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying issues: %w", err)
	}
	defer cur.Close(ctx)

	var out []models.Issue
	for cur.Next(ctx) {
		var doc issueDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding issue: %w", err)
		}
		issue := doc.Issue
		issue.ID = doc.ID.Hex()
		out = append(out, issue)
	}
	return out, cur.Err()
}

// Transition moves every selected non-terminal row to target, recording
// fix metadata when the target is FIXED. Idempotent: rows already at or
// past the target are simply not selected.
func (m *Mongo) Transition(ctx context.Context, sel TransitionSelector, target models.Status, upd TransitionUpdate) (int64, error) {
	from, err := allowedFrom(target)
	if err != nil {
		return 0, err
	}
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	filter := bson.M{"status": bson.M{"$in": fromStrs}}
	switch {
	case len(sel.IssueIDs) > 0:
		oids := make([]primitive.ObjectID, 0, len(sel.IssueIDs))
		for _, id := range sel.IssueIDs {
			oid, err := primitive.ObjectIDFromHex(id)
			if err != nil {
				return 0, fmt.Errorf("invalid issue id %q: %w", id, err)
			}
			oids = append(oids, oid)
		}
		filter["_id"] = bson.M{"$in": oids}
	case sel.MessagePattern != "":
		filter["representative_message"] = bson.M{"$regex": sel.MessagePattern}
	default:
		return 0, errors.New("transition selector is empty")
	}

	set := bson.M{"status": string(target)}
	if target == models.StatusFixed {
		set["fix_commit"] = upd.FixCommit
		set["fix_notes"] = upd.FixNotes
		set["fixed_at"] = time.Now().UTC()
	}

	res, err := m.issues.UpdateMany(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return 0, fmt.Errorf("transitioning issues: %w", err)
	}

	m.logger.Info("Issues transitioned",
		zap.String("target", string(target)),
		zap.Int64("modified", res.ModifiedCount))

	return res.ModifiedCount, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
