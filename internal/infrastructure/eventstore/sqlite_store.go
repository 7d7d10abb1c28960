package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
)

const sqliteDSNParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

// SQLiteEventStore is a single-node event store on an embedded SQLite database.
// The pool is limited to one connection, which serializes appends.
type SQLiteEventStore struct {
	db  *sql.DB
	cfg storeConfig
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteEventStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}

	sqlDB, err := sql.Open("sqlite", path+"?"+sqliteDSNParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err = sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteEventStore{db: sqlDB, cfg: newStoreConfig(opts)}
	if err = s.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteEventStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS eventflow_migrations (
		filename TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		var applied int
		if err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM eventflow_migrations WHERE filename = ?`, m.name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied > 0 {
			continue
		}
		if _, err = s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("execute migration %s: %w", m.name, err)
		}
		if _, err = s.db.ExecContext(ctx,
			`INSERT INTO eventflow_migrations (filename, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		s.cfg.logger.InfoContext(ctx, "applied migration", slog.String("file", m.name))
	}
	return nil
}

// DB exposes the underlying handle so checkpoints can live in the same file.
func (s *SQLiteEventStore) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *SQLiteEventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteEventStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append commits the batch in one IMMEDIATE transaction.
func (s *SQLiteEventStore) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	events []event.Pending,
	expectedVersion int,
) (int, error) {
	if err := event.ValidateAppend(aggregateID, aggregateType, events, expectedVersion); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.NewStorageError("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&current); err != nil {
		return 0, errs.NewStorageError("read version", err)
	}
	if current != expectedVersion {
		s.cfg.logger.WarnContext(ctx, "concurrency conflict in event store",
			slog.String("aggregate_id", aggregateID),
			slog.Int("expected_version", expectedVersion),
			slog.Int("current_version", current),
		)
		return 0, &errs.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}

	var head uint64
	if err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_sequence), 0) FROM events`).Scan(&head); err != nil {
		return 0, errs.NewStorageError("read head sequence", err)
	}

	records := s.cfg.buildRecords(aggregateID, aggregateType, events, expectedVersion, head+1)
	for _, rec := range records {
		if err = s.cfg.injectFault(aggregateID, rec.Version); err != nil {
			return 0, errs.NewStorageError("append", err)
		}
		if err = insertSQLiteRecord(ctx, tx, rec); err != nil {
			if isSQLiteConstraintError(err) {
				return 0, &errs.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: -1}
			}
			s.cfg.logger.ErrorContext(ctx, "failed to insert event",
				slog.String("aggregate_id", aggregateID),
				slog.Int("version", rec.Version),
				slog.String("error", err.Error()),
			)
			return 0, errs.NewStorageError("insert event", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, errs.NewStorageError("commit append", err)
	}
	return records[len(records)-1].Version, nil
}

func insertSQLiteRecord(ctx context.Context, tx *sql.Tx, rec event.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events (
		global_sequence, event_id, aggregate_id, aggregate_type, event_type, schema_version,
		payload, metadata, idempotency_key, version, committed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.GlobalSequence), //nolint:gosec // sequences stay far below MaxInt64
		rec.EventID,
		rec.AggregateID,
		rec.AggregateType,
		rec.EventType,
		rec.SchemaVersion,
		[]byte(rec.Payload),
		meta,
		nullString(rec.Metadata.IdempotencyKey),
		rec.Version,
		rec.CommittedAt.UnixMilli(),
	)
	return err
}

const sqliteSelectColumns = `global_sequence, event_id, aggregate_id, aggregate_type, event_type,
	schema_version, payload, metadata, version, committed_at`

// Load загружает все события для агрегата
func (s *SQLiteEventStore) Load(ctx context.Context, aggregateID string) ([]event.Record, error) {
	return loadPaged(ctx, s, aggregateID, 0, s.cfg.pageSize)
}

// LoadFrom загружает события после указанной версии
func (s *SQLiteEventStore) LoadFrom(ctx context.Context, aggregateID string, afterVersion int) ([]event.Record, error) {
	return loadPaged(ctx, s, aggregateID, afterVersion, s.cfg.pageSize)
}

// LoadPage returns at most limit events after afterVersion.
func (s *SQLiteEventStore) LoadPage(ctx context.Context, aggregateID string, afterVersion, limit int) ([]event.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSelectColumns+` FROM events
		 WHERE aggregate_id = ? AND version > ? ORDER BY version LIMIT ?`,
		aggregateID, afterVersion, limit,
	)
	if err != nil {
		return nil, errs.NewStorageError("load events", err)
	}
	return scanSQLiteRecords(rows)
}

// Version возвращает текущую версию агрегата
func (s *SQLiteEventStore) Version(ctx context.Context, aggregateID string) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&v); err != nil {
		return 0, errs.NewStorageError("read version", err)
	}
	return v, nil
}

// FindByIdempotencyKey returns the highest version committed under key.
func (s *SQLiteEventStore) FindByIdempotencyKey(ctx context.Context, aggregateID, key string) (int, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE aggregate_id = ? AND idempotency_key = ?`, aggregateID, key,
	).Scan(&v); err != nil {
		return 0, false, errs.NewStorageError("find idempotency key", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return int(v.Int64), true, nil
}

// GlobalFeed returns committed events after afterSequence in commit order.
func (s *SQLiteEventStore) GlobalFeed(ctx context.Context, afterSequence uint64, limit int) ([]event.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSelectColumns+` FROM events
		 WHERE global_sequence > ? ORDER BY global_sequence LIMIT ?`,
		int64(afterSequence), limit, //nolint:gosec // sequences stay far below MaxInt64
	)
	if err != nil {
		return nil, errs.NewStorageError("read global feed", err)
	}
	return scanSQLiteRecords(rows)
}

// HeadSequence returns the last committed global sequence.
func (s *SQLiteEventStore) HeadSequence(ctx context.Context) (uint64, error) {
	var head int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_sequence), 0) FROM events`).Scan(&head); err != nil {
		return 0, errs.NewStorageError("read head sequence", err)
	}
	return uint64(head), nil //nolint:gosec // never negative
}

func scanSQLiteRecords(rows *sql.Rows) ([]event.Record, error) {
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var (
			rec         event.Record
			seq         int64
			payload     []byte
			meta        []byte
			committedAt int64
		)
		if err := rows.Scan(
			&seq, &rec.EventID, &rec.AggregateID, &rec.AggregateType, &rec.EventType,
			&rec.SchemaVersion, &payload, &meta, &rec.Version, &committedAt,
		); err != nil {
			return nil, errs.NewStorageError("scan event", err)
		}
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, errs.NewStorageError("decode metadata", err)
		}
		rec.GlobalSequence = uint64(seq) //nolint:gosec // never negative
		rec.Payload = json.RawMessage(payload)
		rec.CommittedAt = time.UnixMilli(committedAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStorageError("iterate events", err)
	}
	return out, nil
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
