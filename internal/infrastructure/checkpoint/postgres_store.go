package checkpoint

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// PostgresStore keeps checkpoints in the projection_checkpoints table of the
// event store database (see eventstore.PostgresEventStore.Pool).
type PostgresStore struct {
	pool *pgxpool.Pool
	opts storeOptions
}

// NewPostgresStore creates a checkpoint store on pool. The table is created by
// the event store migrations.
func NewPostgresStore(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	return &PostgresStore{pool: pool, opts: newOptions(opts)}
}

// Load returns the last applied sequence, 0 when the projection never ran.
func (s *PostgresStore) Load(ctx context.Context, projection string) (uint64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT last_sequence FROM projection_checkpoints WHERE projection = $1`, projection,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.NewStorageError("load checkpoint", err)
	}
	return uint64(seq), nil //nolint:gosec // never negative
}

// Save advances the checkpoint; it never moves backwards.
func (s *PostgresStore) Save(ctx context.Context, projection string, sequence uint64) error {
	if err := validateName(projection); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO projection_checkpoints (projection, last_sequence, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (projection) DO UPDATE SET
			last_sequence = GREATEST(projection_checkpoints.last_sequence, EXCLUDED.last_sequence),
			updated_at = EXCLUDED.updated_at`,
		projection,
		int64(sequence), //nolint:gosec // sequences stay far below MaxInt64
		s.opts.clock.Now().UTC(),
	)
	if err != nil {
		return errs.NewStorageError("save checkpoint", err)
	}
	return nil
}

// Reset rewinds the checkpoint to zero.
func (s *PostgresStore) Reset(ctx context.Context, projection string) error {
	if err := validateName(projection); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO projection_checkpoints (projection, last_sequence, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (projection) DO UPDATE SET
			last_sequence = 0,
			updated_at = EXCLUDED.updated_at`,
		projection,
		s.opts.clock.Now().UTC(),
	)
	if err != nil {
		return errs.NewStorageError("reset checkpoint", err)
	}
	return nil
}

// List returns every stored checkpoint ordered by projection name.
func (s *PostgresStore) List(ctx context.Context) ([]appcore.Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT projection, last_sequence, updated_at FROM projection_checkpoints ORDER BY projection`)
	if err != nil {
		return nil, errs.NewStorageError("list checkpoints", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (appcore.Checkpoint, error) {
		var (
			cp  appcore.Checkpoint
			seq int64
		)
		if err := row.Scan(&cp.Projection, &seq, &cp.UpdatedAt); err != nil {
			return cp, err
		}
		cp.LastSequence = uint64(seq) //nolint:gosec // never negative
		cp.UpdatedAt = cp.UpdatedAt.UTC()
		return cp, nil
	})
	if err != nil {
		return nil, errs.NewStorageError("list checkpoints", err)
	}
	return out, nil
}
