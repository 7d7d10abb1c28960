package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
	"github.com/lllypuk/eventflow/internal/infrastructure/mongodb"
)

// MongoEventStore реализует EventStore с использованием MongoDB.
// Requires a replica set: every append runs in a multi-document transaction
// that also bumps the global sequence counter document.
type MongoEventStore struct {
	client     *mongo.Client
	database   *mongo.Database
	collection *mongo.Collection
	counters   *mongo.Collection
	cfg        storeConfig
}

// NewMongoEventStore создает новый MongoDB Event Store
func NewMongoEventStore(client *mongo.Client, databaseName string, opts ...Option) *MongoEventStore {
	database := client.Database(databaseName)

	return &MongoEventStore{
		client:     client,
		database:   database,
		collection: database.Collection(mongodb.CollectionEvents),
		counters:   database.Collection(mongodb.CollectionCounters),
		cfg:        newStoreConfig(opts),
	}
}

// Append сохраняет события для агрегата с оптимистичной блокировкой
func (s *MongoEventStore) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	events []event.Pending,
	expectedVersion int,
) (int, error) {
	if err := event.ValidateAppend(aggregateID, aggregateType, events, expectedVersion); err != nil {
		return 0, err
	}

	// Запускаем сессию для транзакции
	session, err := s.client.StartSession()
	if err != nil {
		s.cfg.logger.ErrorContext(ctx, "failed to start MongoDB session for event store",
			slog.String("aggregate_id", aggregateID),
			slog.String("error", err.Error()),
		)
		return 0, errs.NewStorageError("start session", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		// 1. Проверяем текущую версию (оптимистичная блокировка)
		currentVersion, errVersion := s.Version(txCtx, aggregateID)
		if errVersion != nil {
			return nil, errVersion
		}
		if currentVersion != expectedVersion {
			return nil, &errs.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: currentVersion}
		}

		// 2. Резервируем глобальные номера; документ-счетчик сериализует коммиты
		last, errSeq := s.allocateSequence(txCtx, len(events))
		if errSeq != nil {
			return nil, errSeq
		}
		first := uint64(last) - uint64(len(events)) + 1 //nolint:gosec // never negative

		// 3. Вставляем события по одному, чтобы сбой посреди пачки откатывал всю транзакцию
		records := s.cfg.buildRecords(aggregateID, aggregateType, events, expectedVersion, first)
		for _, rec := range records {
			if errFault := s.cfg.injectFault(aggregateID, rec.Version); errFault != nil {
				return nil, errs.NewStorageError("append", errFault)
			}
			if _, errInsert := s.collection.InsertOne(txCtx, toDocument(rec)); errInsert != nil {
				// Проверяем ошибку дублирования ключа (конфликт concurrency)
				if mongo.IsDuplicateKeyError(errInsert) {
					return nil, &errs.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: -1}
				}
				return nil, errs.NewStorageError("insert event", errInsert)
			}
		}

		return records[len(records)-1].Version, nil
	})

	if err != nil {
		if errors.Is(err, errs.ErrConcurrencyConflict) {
			s.cfg.logger.WarnContext(ctx, "concurrency conflict in event store",
				slog.String("aggregate_id", aggregateID),
				slog.Int("expected_version", expectedVersion),
			)
			return 0, err
		}
		if !errors.Is(err, errs.ErrStorage) {
			err = errs.NewStorageError("append transaction", err)
		}
		s.cfg.logger.ErrorContext(ctx, "event store transaction failed",
			slog.String("aggregate_id", aggregateID),
			slog.Int("events_count", len(events)),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	version, _ := result.(int)
	return version, nil
}

func (s *MongoEventStore) allocateSequence(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": mongodb.GlobalSequenceCounterName},
		bson.M{"$inc": bson.M{"value": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, errs.NewStorageError("allocate sequence", err)
	}
	return counter.Value, nil
}

// Load загружает все события для агрегата
func (s *MongoEventStore) Load(ctx context.Context, aggregateID string) ([]event.Record, error) {
	return loadPaged(ctx, s, aggregateID, 0, s.cfg.pageSize)
}

// LoadFrom загружает события после указанной версии
func (s *MongoEventStore) LoadFrom(ctx context.Context, aggregateID string, afterVersion int) ([]event.Record, error) {
	return loadPaged(ctx, s, aggregateID, afterVersion, s.cfg.pageSize)
}

// LoadPage returns at most limit events after afterVersion.
func (s *MongoEventStore) LoadPage(
	ctx context.Context,
	aggregateID string,
	afterVersion, limit int,
) ([]event.Record, error) {
	filter := bson.M{"aggregate_id": aggregateID, "version": bson.M{"$gt": afterVersion}}
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}}).SetLimit(int64(limit))

	return s.find(ctx, "load events", filter, opts)
}

// Version возвращает текущую версию агрегата
func (s *MongoEventStore) Version(ctx context.Context, aggregateID string) (int, error) {
	filter := bson.M{"aggregate_id": aggregateID}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})

	var doc EventDocument
	err := s.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil // Нет событий еще
		}
		return 0, errs.NewStorageError("read version", err)
	}

	return doc.Version, nil
}

// FindByIdempotencyKey returns the highest version committed under key.
func (s *MongoEventStore) FindByIdempotencyKey(ctx context.Context, aggregateID, key string) (int, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	filter := bson.M{"aggregate_id": aggregateID, "metadata.idempotency_key": key}
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})

	var doc EventDocument
	err := s.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, false, nil
		}
		return 0, false, errs.NewStorageError("find idempotency key", err)
	}
	return doc.Version, true, nil
}

// GlobalFeed returns committed events after afterSequence in commit order.
func (s *MongoEventStore) GlobalFeed(ctx context.Context, afterSequence uint64, limit int) ([]event.Record, error) {
	filter := bson.M{"global_sequence": bson.M{"$gt": int64(afterSequence)}} //nolint:gosec // far below MaxInt64
	opts := options.Find().SetSort(bson.D{{Key: "global_sequence", Value: 1}}).SetLimit(int64(limit))

	return s.find(ctx, "read global feed", filter, opts)
}

// HeadSequence returns the last committed global sequence.
func (s *MongoEventStore) HeadSequence(ctx context.Context) (uint64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "global_sequence", Value: -1}}).
		SetProjection(bson.M{"global_sequence": 1})

	var doc EventDocument
	err := s.collection.FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, errs.NewStorageError("read head sequence", err)
	}
	return uint64(doc.GlobalSequence), nil //nolint:gosec // never negative
}

// Ping checks connectivity to the primary.
func (s *MongoEventStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoEventStore) find(
	ctx context.Context,
	op string,
	filter bson.M,
	opts *options.FindOptionsBuilder,
) ([]event.Record, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		s.cfg.logger.ErrorContext(ctx, "failed to find events in event store",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, errs.NewStorageError(op, err)
	}
	defer cursor.Close(ctx)

	var docs []EventDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, errs.NewStorageError(op, fmt.Errorf("decode events: %w", err))
	}

	records := make([]event.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, doc.toRecord())
	}
	return records, nil
}
