package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// SQLiteStore keeps checkpoints in the projection_checkpoints table of the
// event store database (see eventstore.SQLiteEventStore.DB).
type SQLiteStore struct {
	db   *sql.DB
	opts storeOptions
}

// NewSQLiteStore creates a checkpoint store on db. The table is created by
// the event store migrations.
func NewSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{db: db, opts: newOptions(opts)}
}

// Load returns the last applied sequence, 0 when the projection never ran.
func (s *SQLiteStore) Load(ctx context.Context, projection string) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projection_checkpoints WHERE projection = ?`, projection,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.NewStorageError("load checkpoint", err)
	}
	return uint64(seq), nil //nolint:gosec // never negative
}

// Save advances the checkpoint; it never moves backwards.
func (s *SQLiteStore) Save(ctx context.Context, projection string, sequence uint64) error {
	if err := validateName(projection); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection, last_sequence, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (projection) DO UPDATE SET
			last_sequence = MAX(projection_checkpoints.last_sequence, excluded.last_sequence),
			updated_at = excluded.updated_at`,
		projection,
		int64(sequence), //nolint:gosec // sequences stay far below MaxInt64
		s.opts.clock.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return errs.NewStorageError("save checkpoint", err)
	}
	return nil
}

// Reset rewinds the checkpoint to zero.
func (s *SQLiteStore) Reset(ctx context.Context, projection string) error {
	if err := validateName(projection); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection, last_sequence, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT (projection) DO UPDATE SET
			last_sequence = 0,
			updated_at = excluded.updated_at`,
		projection,
		s.opts.clock.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return errs.NewStorageError("reset checkpoint", err)
	}
	return nil
}

// List returns every stored checkpoint ordered by projection name.
func (s *SQLiteStore) List(ctx context.Context) ([]appcore.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT projection, last_sequence, updated_at FROM projection_checkpoints ORDER BY projection`)
	if err != nil {
		return nil, errs.NewStorageError("list checkpoints", err)
	}
	defer rows.Close()

	var out []appcore.Checkpoint
	for rows.Next() {
		var (
			cp        appcore.Checkpoint
			seq       int64
			updatedAt int64
		)
		if err = rows.Scan(&cp.Projection, &seq, &updatedAt); err != nil {
			return nil, errs.NewStorageError("scan checkpoint", err)
		}
		cp.LastSequence = uint64(seq) //nolint:gosec // never negative
		cp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, cp)
	}
	if err = rows.Err(); err != nil {
		return nil, errs.NewStorageError("list checkpoints", err)
	}
	return out, nil
}
