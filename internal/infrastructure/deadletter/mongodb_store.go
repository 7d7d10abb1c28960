package deadletter

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/infrastructure/mongodb"
)

// deadLetterDocument represents a dead letter in MongoDB
type deadLetterDocument struct {
	ID             string    `bson:"_id"`
	Projection     string    `bson:"projection"`
	GlobalSequence int64     `bson:"global_sequence"`
	AggregateID    string    `bson:"aggregate_id"`
	EventType      string    `bson:"event_type"`
	Payload        []byte    `bson:"payload,omitempty"`
	Error          string    `bson:"error"`
	Attempts       int       `bson:"attempts"`
	FailedAt       time.Time `bson:"failed_at"`
	Status         string    `bson:"status"`
}

func (d deadLetterDocument) toDeadLetter() appcore.DeadLetter {
	return appcore.DeadLetter{
		ID:             d.ID,
		Projection:     d.Projection,
		GlobalSequence: uint64(d.GlobalSequence), //nolint:gosec // never negative
		AggregateID:    d.AggregateID,
		EventType:      d.EventType,
		Payload:        d.Payload,
		Error:          d.Error,
		Attempts:       d.Attempts,
		FailedAt:       d.FailedAt.UTC(),
		Status:         appcore.DeadLetterStatus(d.Status),
	}
}

// MongoStore keeps dead letters in the dead_letters collection.
// Uniqueness of (projection, global_sequence) is enforced by an index.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a dead letter store on db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(mongodb.CollectionDeadLetters)}
}

// Add records dl, replacing an entry with the same projection and sequence.
func (s *MongoStore) Add(ctx context.Context, dl appcore.DeadLetter) error {
	dl, err := prepare(dl)
	if err != nil {
		return err
	}

	filter := bson.M{
		"projection":      dl.Projection,
		"global_sequence": int64(dl.GlobalSequence), //nolint:gosec // sequences stay far below MaxInt64
	}
	update := bson.M{
		"$set": bson.M{
			"aggregate_id": dl.AggregateID,
			"event_type":   dl.EventType,
			"payload":      []byte(dl.Payload),
			"error":        dl.Error,
			"attempts":     dl.Attempts,
			"failed_at":    dl.FailedAt,
			"status":       string(dl.Status),
		},
		"$setOnInsert": bson.M{"_id": dl.ID},
	}
	_, err = s.collection.UpdateOne(ctx, filter, update, mongodb.UpsertOptions())
	return mongodb.HandleMongoError(err, "add dead letter")
}

// List returns dead letters newest first. Empty projection lists all of them.
func (s *MongoStore) List(ctx context.Context, projection string, limit int) ([]appcore.DeadLetter, error) {
	filter := bson.M{}
	if projection != "" {
		filter["projection"] = projection
	}
	opts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: -1}, {Key: "global_sequence", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.NewStorageError("list dead letters", err)
	}
	defer cursor.Close(ctx)

	var docs []deadLetterDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, errs.NewStorageError("list dead letters", err)
	}

	out := make([]appcore.DeadLetter, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDeadLetter())
	}
	return out, nil
}

// MarkSkipped flags the entry as skipped by an operator.
func (s *MongoStore) MarkSkipped(ctx context.Context, projection string, sequence uint64) error {
	filter := bson.M{
		"projection":      projection,
		"global_sequence": int64(sequence), //nolint:gosec // sequences stay far below MaxInt64
	}
	res, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"status": string(appcore.DeadLetterSkipped)}})
	if err != nil {
		return errs.NewStorageError("skip dead letter", err)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// PendingCount returns the number of entries still waiting for an operator.
func (s *MongoStore) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{"status": string(appcore.DeadLetterPending)})
	if err != nil {
		return 0, errs.NewStorageError("count dead letters", err)
	}
	return n, nil
}
