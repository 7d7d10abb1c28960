package projector

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/project"
	"github.com/lllypuk/eventflow/internal/infrastructure/mongodb"
)

// summaryDocument represents a project summary in MongoDB
type summaryDocument struct {
	ID            string    `bson:"_id"`
	Name          string    `bson:"name"`
	Status        string    `bson:"status"`
	Priority      string    `bson:"priority"`
	Owner         string    `bson:"owner,omitempty"`
	Version       int       `bson:"version"`
	LastSequence  int64     `bson:"last_sequence"`
	StatusChanges int       `bson:"status_changes"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func (d summaryDocument) toSummary() ProjectSummary {
	return ProjectSummary{
		ID:            d.ID,
		Name:          d.Name,
		Status:        project.Status(d.Status),
		Priority:      project.Priority(d.Priority),
		Owner:         d.Owner,
		Version:       d.Version,
		LastSequence:  uint64(d.LastSequence), //nolint:gosec // never negative
		StatusChanges: d.StatusChanges,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

// MongoSummaryRepository stores summaries in the project_summaries collection.
type MongoSummaryRepository struct {
	collection *mongo.Collection
}

// NewMongoSummaryRepository creates a repository on db.
func NewMongoSummaryRepository(db *mongo.Database) *MongoSummaryRepository {
	return &MongoSummaryRepository{collection: db.Collection(mongodb.CollectionProjectSummary)}
}

// FindByID loads one summary.
func (r *MongoSummaryRepository) FindByID(ctx context.Context, id string) (ProjectSummary, error) {
	var doc summaryDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		return ProjectSummary{}, mongodb.HandleMongoError(err, "find summary")
	}
	return doc.toSummary(), nil
}

// List returns summaries ordered by id.
func (r *MongoSummaryRepository) List(ctx context.Context, filter SummaryFilter) ([]ProjectSummary, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.Owner != "" {
		query["owner"] = filter.Owner
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, errs.NewStorageError("list summaries", err)
	}
	defer cursor.Close(ctx)

	var docs []summaryDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, errs.NewStorageError("list summaries", err)
	}

	out := make([]ProjectSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toSummary())
	}
	return out, nil
}

// CountByStatus groups summaries by status.
func (r *MongoSummaryRepository) CountByStatus(ctx context.Context) (map[project.Status]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errs.NewStorageError("count summaries", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, errs.NewStorageError("count summaries", err)
	}

	counts := make(map[project.Status]int64, len(rows))
	for _, row := range rows {
		counts[project.Status(row.Status)] = row.Count
	}
	return counts, nil
}

// Upsert replaces the summary when the stored version is lower. The filter
// only matches older documents, so a newer stored summary makes the upsert
// collide on _id, which means the event was already applied.
func (r *MongoSummaryRepository) Upsert(ctx context.Context, s ProjectSummary) error {
	filter := bson.M{"_id": s.ID, "version": bson.M{"$lt": s.Version}}
	update := bson.M{"$set": bson.M{
		"name":           s.Name,
		"status":         string(s.Status),
		"priority":       string(s.Priority),
		"owner":          s.Owner,
		"version":        s.Version,
		"last_sequence":  int64(s.LastSequence), //nolint:gosec // sequences stay far below MaxInt64
		"status_changes": s.StatusChanges,
		"created_at":     s.CreatedAt,
		"updated_at":     s.UpdatedAt,
	}}

	_, err := r.collection.UpdateOne(ctx, filter, update, mongodb.UpsertOptions())
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return errs.NewStorageError("upsert summary", err)
	}
	return nil
}

// DeleteAll drops every summary.
func (r *MongoSummaryRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.collection.DeleteMany(ctx, bson.M{}); err != nil {
		return errs.NewStorageError("delete summaries", fmt.Errorf("delete many: %w", err))
	}
	return nil
}

var _ SummaryRepository = (*MongoSummaryRepository)(nil)
