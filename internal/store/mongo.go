package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"k8s-bluegreen/internal/gate"
	"k8s-bluegreen/internal/pipeline"
)

const mongoDatabase = "bluegreen"

// MongoStore persists run history and approval decision provenance.
// CI logs rot; this is the durable record of who approved what.
type MongoStore struct {
	client *mongo.Client
	ttl    time.Duration
}

func NewMongoStore(uri string, ttl time.Duration) (*MongoStore, error) {
	clientOptions := options.Client().ApplyURI(uri).
		SetConnectTimeout(5 * time.Second).
		SetMaxPoolSize(10).
		SetMinPoolSize(2)

	client, err := mongo.Connect(context.Background(), clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	s := &MongoStore{client: client, ttl: ttl}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	logrus.Info("mongodb connected")
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	runs := s.runs()
	_, err := runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "started_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(s.ttl.Seconds())),
	})
	if err != nil {
		return fmt.Errorf("creating runs TTL index: %w", err)
	}

	// Decisions are the audit trail; indexed for lookup but never
	// expired.
	decisions := s.decisions()
	_, err = decisions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating decisions index: %w", err)
	}
	return nil
}

func (s *MongoStore) runs() *mongo.Collection {
	return s.client.Database(mongoDatabase).Collection("runs")
}

func (s *MongoStore) decisions() *mongo.Collection {
	return s.client.Database(mongoDatabase).Collection("decisions")
}

// RecordStage upserts the run document with its current stage.
func (s *MongoStore) RecordStage(ctx context.Context, runID, stage string) error {
	_, err := s.runs().UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{
			"$set":         bson.M{"stage": stage, "updated_at": time.Now()},
			"$setOnInsert": bson.M{"run_id": runID, "started_at": time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

// RecordDecision stores who resolved the gate and how, exactly once
// per run.
func (s *MongoStore) RecordDecision(ctx context.Context, runID string, d gate.Decision) error {
	_, err := s.decisions().UpdateOne(ctx,
		bson.M{"run_id": runID},
		bson.M{"$setOnInsert": bson.M{
			"run_id":  runID,
			"outcome": d.Outcome,
			"actor":   d.Actor,
			"at":      d.At,
		}},
		options.Update().SetUpsert(true),
	)
	return err
}

// RecordResult finalizes the run document.
func (s *MongoStore) RecordResult(ctx context.Context, res pipeline.Result) error {
	doc := bson.M{
		"build_id":         res.BuildID,
		"outcome":          res.Outcome,
		"failure":          res.Failure,
		"artifact":         res.Artifact,
		"manifest_changed": res.ManifestChanged,
		"approver":         res.Approver,
		"started_at":       res.StartedAt,
		"finished_at":      res.FinishedAt,
	}
	if res.Err != nil {
		doc["error"] = res.Err.Error()
	}
	_, err := s.runs().UpdateOne(ctx,
		bson.M{"run_id": res.RunID},
		bson.M{"$set": doc, "$setOnInsert": bson.M{"run_id": res.RunID}},
		options.Update().SetUpsert(true),
	)
	return err
}

// RecentRuns returns the latest run documents, newest first.
func (s *MongoStore) RecentRuns(ctx context.Context, limit int64) ([]bson.M, error) {
	cur, err := s.runs().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []bson.M
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
