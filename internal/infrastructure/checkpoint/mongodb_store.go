package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/infrastructure/mongodb"
)

type checkpointDocument struct {
	Projection   string    `bson:"_id"`
	LastSequence int64     `bson:"last_sequence"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// MongoStore keeps one document per projection.
type MongoStore struct {
	collection *mongo.Collection
	opts       storeOptions
}

// NewMongoStore creates a checkpoint store on the checkpoints collection of db.
func NewMongoStore(db *mongo.Database, opts ...Option) *MongoStore {
	return &MongoStore{
		collection: db.Collection(mongodb.CollectionCheckpoints),
		opts:       newOptions(opts),
	}
}

// Load returns the last applied sequence, 0 when the projection never ran.
func (s *MongoStore) Load(ctx context.Context, projection string) (uint64, error) {
	var doc checkpointDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": projection}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, errs.NewStorageError("load checkpoint", err)
	}
	return uint64(doc.LastSequence), nil //nolint:gosec // never negative
}

// Save advances the checkpoint; $max keeps it from moving backwards.
func (s *MongoStore) Save(ctx context.Context, projection string, sequence uint64) error {
	if err := validateName(projection); err != nil {
		return err
	}

	update := bson.M{
		"$max": bson.M{"last_sequence": int64(sequence)}, //nolint:gosec // sequences stay far below MaxInt64
		"$set": bson.M{"updated_at": s.opts.clock.Now().UTC()},
	}
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": projection}, update, mongodb.UpsertOptions())
	return mongodb.HandleMongoError(err, "save checkpoint")
}

// Reset rewinds the checkpoint to zero.
func (s *MongoStore) Reset(ctx context.Context, projection string) error {
	if err := validateName(projection); err != nil {
		return err
	}

	update := bson.M{"$set": bson.M{
		"last_sequence": int64(0),
		"updated_at":    s.opts.clock.Now().UTC(),
	}}
	_, err := s.collection.UpdateOne(ctx, bson.M{"_id": projection}, update, mongodb.UpsertOptions())
	return mongodb.HandleMongoError(err, "reset checkpoint")
}

// List returns every stored checkpoint ordered by projection name.
func (s *MongoStore) List(ctx context.Context) ([]appcore.Checkpoint, error) {
	cursor, err := s.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errs.NewStorageError("list checkpoints", err)
	}
	defer cursor.Close(ctx)

	var docs []checkpointDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, errs.NewStorageError("list checkpoints", err)
	}

	out := make([]appcore.Checkpoint, 0, len(docs))
	for _, d := range docs {
		out = append(out, appcore.Checkpoint{
			Projection:   d.Projection,
			LastSequence: uint64(d.LastSequence), //nolint:gosec // never negative
			UpdatedAt:    d.UpdatedAt.UTC(),
		})
	}
	return out, nil
}
