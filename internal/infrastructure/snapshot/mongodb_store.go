package snapshot

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/infrastructure/mongodb"
)

// snapshotDocument represents a snapshot in MongoDB
type snapshotDocument struct {
	AggregateID   string    `bson:"_id"`
	AggregateType string    `bson:"aggregate_type"`
	Version       int       `bson:"version"`
	SchemaVersion int       `bson:"schema_version"`
	State         []byte    `bson:"state"`
	CapturedAt    time.Time `bson:"captured_at"`
}

// MongoStore keeps one snapshot document per aggregate.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a snapshot store on the snapshots collection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(mongodb.CollectionSnapshots)}
}

// Load returns the stored snapshot or errs.ErrNotFound.
func (s *MongoStore) Load(ctx context.Context, aggregateID string) (appcore.Snapshot, error) {
	var doc snapshotDocument
	if err := s.collection.FindOne(ctx, bson.M{"_id": aggregateID}).Decode(&doc); err != nil {
		return appcore.Snapshot{}, mongodb.HandleMongoError(err, "load snapshot")
	}
	return appcore.Snapshot{
		AggregateID:   doc.AggregateID,
		AggregateType: doc.AggregateType,
		Version:       doc.Version,
		SchemaVersion: doc.SchemaVersion,
		State:         doc.State,
		CapturedAt:    doc.CapturedAt.UTC(),
	}, nil
}

// Save stores snap unless a snapshot with a higher version is already stored.
func (s *MongoStore) Save(ctx context.Context, snap appcore.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}

	filter := bson.M{"_id": snap.AggregateID, "version": bson.M{"$lte": snap.Version}}
	update := bson.M{"$set": bson.M{
		"aggregate_type": snap.AggregateType,
		"version":        snap.Version,
		"schema_version": snap.SchemaVersion,
		"state":          []byte(snap.State),
		"captured_at":    snap.CapturedAt,
	}}

	_, err := s.collection.UpdateOne(ctx, filter, update, mongodb.UpsertOptions())
	if mongo.IsDuplicateKeyError(err) {
		// A newer snapshot exists, so the guarded filter missed and the upsert collided on _id.
		return nil
	}
	return mongodb.HandleMongoError(err, "save snapshot")
}

// Delete removes the snapshot of aggregateID.
func (s *MongoStore) Delete(ctx context.Context, aggregateID string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": aggregateID})
	return mongodb.HandleMongoError(err, "delete snapshot")
}
