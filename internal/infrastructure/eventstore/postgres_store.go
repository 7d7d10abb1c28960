package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
)

const pgUniqueViolation = "23505"

// PostgresEventStore stores events in PostgreSQL using pgx/v5.
// Global sequences come from a single counter row whose lock is held until
// commit, so sequences are gap-free and become visible in order.
type PostgresEventStore struct {
	pool *pgxpool.Pool
	cfg  storeConfig
}

// NewPostgresEventStore creates a store from an existing pool.
func NewPostgresEventStore(pool *pgxpool.Pool, opts ...Option) *PostgresEventStore {
	return &PostgresEventStore{pool: pool, cfg: newStoreConfig(opts)}
}

// OpenPostgres connects to connString, applies migrations and returns the store.
func OpenPostgres(ctx context.Context, connString string, opts ...Option) (*PostgresEventStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewPostgresEventStore(pool, opts...)
	if err = s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *PostgresEventStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS eventflow_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		var applied bool
		if err = s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM eventflow_migrations WHERE filename = $1)`, m.name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied {
			continue
		}
		if _, err = s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("execute migration %s: %w", m.name, err)
		}
		if _, err = s.pool.Exec(ctx, `INSERT INTO eventflow_migrations (filename) VALUES ($1)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		s.cfg.logger.InfoContext(ctx, "applied migration", slog.String("file", m.name))
	}
	return nil
}

// Pool returns the underlying pool so checkpoints can share it.
func (s *PostgresEventStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks database connectivity.
func (s *PostgresEventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresEventStore) Close() error {
	s.pool.Close()
	return nil
}

// Append commits the batch in one transaction.
func (s *PostgresEventStore) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	events []event.Pending,
	expectedVersion int,
) (int, error) {
	if err := event.ValidateAppend(aggregateID, aggregateType, events, expectedVersion); err != nil {
		return 0, err
	}

	var committed int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggregateID,
		).Scan(&current); err != nil {
			return errs.NewStorageError("read version", err)
		}
		if current != expectedVersion {
			return &errs.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
		}

		// Row lock on the allocator is held until commit.
		var last int64
		if err := tx.QueryRow(ctx,
			`UPDATE event_sequence SET value = value + $1 WHERE id RETURNING value`, len(events),
		).Scan(&last); err != nil {
			return errs.NewStorageError("allocate sequence", err)
		}
		first := uint64(last) - uint64(len(events)) + 1 //nolint:gosec // never negative

		records := s.cfg.buildRecords(aggregateID, aggregateType, events, expectedVersion, first)
		for _, rec := range records {
			if err := s.cfg.injectFault(aggregateID, rec.Version); err != nil {
				return errs.NewStorageError("append", err)
			}
			if err := insertPostgresRecord(ctx, tx, rec); err != nil {
				if isUniqueViolation(err) {
					return &errs.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: -1}
				}
				return errs.NewStorageError("insert event", err)
			}
		}
		committed = records[len(records)-1].Version
		return nil
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
			err = errs.NewStorageError("commit append", err)
		}
		s.cfg.logger.ErrorContext(ctx, "event store transaction failed",
			slog.String("aggregate_id", aggregateID),
			slog.Int("events_count", len(events)),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	return committed, nil
}

func insertPostgresRecord(ctx context.Context, tx pgx.Tx, rec event.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO events (
		global_sequence, event_id, aggregate_id, aggregate_type, event_type, schema_version,
		payload, metadata, idempotency_key, version, committed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		int64(rec.GlobalSequence), //nolint:gosec // sequences stay far below MaxInt64
		rec.EventID,
		rec.AggregateID,
		rec.AggregateType,
		rec.EventType,
		rec.SchemaVersion,
		[]byte(rec.Payload),
		meta,
		nullableText(rec.Metadata.IdempotencyKey),
		rec.Version,
		rec.CommittedAt,
	)
	return err
}

const pgSelectColumns = `global_sequence, event_id, aggregate_id, aggregate_type, event_type,
	schema_version, payload, metadata, version, committed_at`

// Load загружает все события для агрегата
func (s *PostgresEventStore) Load(ctx context.Context, aggregateID string) ([]event.Record, error) {
	return loadPaged(ctx, s, aggregateID, 0, s.cfg.pageSize)
}

// LoadFrom загружает события после указанной версии
func (s *PostgresEventStore) LoadFrom(ctx context.Context, aggregateID string, afterVersion int) ([]event.Record, error) {
	return loadPaged(ctx, s, aggregateID, afterVersion, s.cfg.pageSize)
}

// LoadPage returns at most limit events after afterVersion.
func (s *PostgresEventStore) LoadPage(
	ctx context.Context,
	aggregateID string,
	afterVersion, limit int,
) ([]event.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSelectColumns+` FROM events
		 WHERE aggregate_id = $1 AND version > $2 ORDER BY version LIMIT $3`,
		aggregateID, afterVersion, limit,
	)
	if err != nil {
		return nil, errs.NewStorageError("load events", err)
	}
	return collectPostgresRecords(rows)
}

// Version возвращает текущую версию агрегата
func (s *PostgresEventStore) Version(ctx context.Context, aggregateID string) (int, error) {
	var v int
	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggregateID,
	).Scan(&v); err != nil {
		return 0, errs.NewStorageError("read version", err)
	}
	return v, nil
}

// FindByIdempotencyKey returns the highest version committed under key.
func (s *PostgresEventStore) FindByIdempotencyKey(ctx context.Context, aggregateID, key string) (int, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	var v *int
	if err := s.pool.QueryRow(ctx,
		`SELECT MAX(version) FROM events WHERE aggregate_id = $1 AND idempotency_key = $2`, aggregateID, key,
	).Scan(&v); err != nil {
		return 0, false, errs.NewStorageError("find idempotency key", err)
	}
	if v == nil {
		return 0, false, nil
	}
	return *v, true, nil
}

// GlobalFeed returns committed events after afterSequence in commit order.
func (s *PostgresEventStore) GlobalFeed(ctx context.Context, afterSequence uint64, limit int) ([]event.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSelectColumns+` FROM events
		 WHERE global_sequence > $1 ORDER BY global_sequence LIMIT $2`,
		int64(afterSequence), limit, //nolint:gosec // sequences stay far below MaxInt64
	)
	if err != nil {
		return nil, errs.NewStorageError("read global feed", err)
	}
	return collectPostgresRecords(rows)
}

// HeadSequence returns the last committed global sequence.
func (s *PostgresEventStore) HeadSequence(ctx context.Context) (uint64, error) {
	var head int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(global_sequence), 0) FROM events`).Scan(&head); err != nil {
		return 0, errs.NewStorageError("read head sequence", err)
	}
	return uint64(head), nil //nolint:gosec // never negative
}

func collectPostgresRecords(rows pgx.Rows) ([]event.Record, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (event.Record, error) {
		var (
			rec     event.Record
			seq     int64
			payload []byte
			meta    []byte
		)
		if err := row.Scan(
			&seq, &rec.EventID, &rec.AggregateID, &rec.AggregateType, &rec.EventType,
			&rec.SchemaVersion, &payload, &meta, &rec.Version, &rec.CommittedAt,
		); err != nil {
			return rec, err
		}
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return rec, fmt.Errorf("decode metadata: %w", err)
		}
		rec.GlobalSequence = uint64(seq) //nolint:gosec // never negative
		rec.Payload = json.RawMessage(payload)
		rec.CommittedAt = rec.CommittedAt.UTC()
		return rec, nil
	})
	if err != nil {
		return nil, errs.NewStorageError("scan events", err)
	}
	return records, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
