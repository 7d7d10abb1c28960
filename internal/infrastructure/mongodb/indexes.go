// Package mongodb provides MongoDB infrastructure components including index management.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names as constants for consistency.
const (
	CollectionEvents          = "events"
	CollectionCounters        = "event_counters"
	CollectionSnapshots       = "snapshots"
	CollectionCheckpoints     = "projection_checkpoints"
	CollectionDeadLetters     = "dead_letters"
	CollectionProjectSummary  = "project_summaries"
	GlobalSequenceCounterName = "global_sequence"
)

// IndexDefinition describes a MongoDB index to be created.
type IndexDefinition struct {
	Collection string
	Name       string
	Keys       bson.D
	Options    *options.IndexOptionsBuilder
}

// CreateAllIndexes creates all necessary indexes for the application.
// This function is idempotent - calling it multiple times is safe.
func CreateAllIndexes(ctx context.Context, db *mongo.Database) error {
	return createIndexes(ctx, db, GetAllIndexDefinitions())
}

func createIndexes(ctx context.Context, db *mongo.Database, indexes []IndexDefinition) error {
	for _, idx := range indexes {
		model := mongo.IndexModel{
			Keys:    idx.Keys,
			Options: idx.Options.SetName(idx.Name),
		}

		if _, err := db.Collection(idx.Collection).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("failed to create index %s on collection %s: %w", idx.Name, idx.Collection, err)
		}
	}
	return nil
}

// GetAllIndexDefinitions returns all index definitions for all collections.
func GetAllIndexDefinitions() []IndexDefinition {
	var indexes []IndexDefinition

	indexes = append(indexes, GetEventIndexes()...)
	indexes = append(indexes, GetDeadLetterIndexes()...)
	indexes = append(indexes, GetProjectSummaryIndexes()...)

	return indexes
}

// GetEventIndexes returns index definitions for the events collection (Event Store).
func GetEventIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			// optimistic locking: one event per aggregate+version
			Collection: CollectionEvents,
			Name:       "idx_events_aggregate_version_unique",
			Keys:       bson.D{{Key: "aggregate_id", Value: 1}, {Key: "version", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},
		{
			// global feed
			Collection: CollectionEvents,
			Name:       "idx_events_global_sequence_unique",
			Keys:       bson.D{{Key: "global_sequence", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},
		{
			Collection: CollectionEvents,
			Name:       "idx_events_idempotency",
			Keys:       bson.D{{Key: "aggregate_id", Value: 1}, {Key: "metadata.idempotency_key", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.D{
				{Key: "metadata.idempotency_key", Value: bson.D{{Key: "$exists", Value: true}}},
			}),
		},
		{
			Collection: CollectionEvents,
			Name:       "idx_events_type_time",
			Keys:       bson.D{{Key: "event_type", Value: 1}, {Key: "committed_at", Value: -1}},
			Options:    options.Index(),
		},
	}
}

// GetDeadLetterIndexes returns index definitions for the dead letter collection.
func GetDeadLetterIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			Collection: CollectionDeadLetters,
			Name:       "idx_dead_letters_projection_sequence_unique",
			Keys:       bson.D{{Key: "projection", Value: 1}, {Key: "global_sequence", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},
		{
			Collection: CollectionDeadLetters,
			Name:       "idx_dead_letters_status_time",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "failed_at", Value: -1}},
			Options:    options.Index(),
		},
	}
}

// GetProjectSummaryIndexes returns index definitions for the project summary read model.
func GetProjectSummaryIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			Collection: CollectionProjectSummary,
			Name:       "idx_project_summaries_status",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: -1}},
			Options:    options.Index(),
		},
		{
			Collection: CollectionProjectSummary,
			Name:       "idx_project_summaries_owner",
			Keys:       bson.D{{Key: "owner", Value: 1}},
			Options:    options.Index().SetSparse(true),
		},
	}
}
