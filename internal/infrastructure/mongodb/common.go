package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// HandleMongoError maps a driver error onto the error taxonomy:
//   - nil if err == nil
//   - errs.ErrNotFound if no document matched
//   - *errs.StorageError for everything else
func HandleMongoError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.ErrNotFound
	}
	return errs.NewStorageError(op, err)
}

// UpsertOptions returns the standard options for an upsert.
//
//	_, err := collection.UpdateOne(ctx, filter, update, UpsertOptions())
func UpsertOptions() *options.UpdateOneOptionsBuilder {
	return options.UpdateOne().SetUpsert(true)
}

// Connect opens a client and verifies the primary is reachable.
func Connect(ctx context.Context, uri string, opts ...*options.ClientOptions) (*mongo.Client, error) {
	clientOpts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, opts...)
	client, err := mongo.Connect(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return client, nil
}
