// Package checkpoint persists projection cursors into the global feed.
// Backends: in-memory, MongoDB, PostgreSQL and SQLite. The SQL backends share
// the event store's database so a deployment needs a single connection string.
package checkpoint

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// Option configures a checkpoint store.
type Option func(*storeOptions)

type storeOptions struct {
	clock clockwork.Clock
}

// WithClock sets the clock used for UpdatedAt.
func WithClock(clock clockwork.Clock) Option {
	return func(o *storeOptions) {
		o.clock = clock
	}
}

func newOptions(opts []Option) storeOptions {
	o := storeOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateName(projection string) error {
	if strings.TrimSpace(projection) == "" {
		return errs.NewValidationError("projection", "must not be blank")
	}
	return nil
}

// InMemoryStore keeps checkpoints in a map.
type InMemoryStore struct {
	opts storeOptions

	mu          sync.RWMutex
	checkpoints map[string]appcore.Checkpoint
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		opts:        newOptions(opts),
		checkpoints: make(map[string]appcore.Checkpoint),
	}
}

// Load returns the last applied sequence, 0 when the projection never ran.
func (s *InMemoryStore) Load(_ context.Context, projection string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[projection].LastSequence, nil
}

// Save advances the checkpoint; it never moves backwards.
func (s *InMemoryStore) Save(_ context.Context, projection string, sequence uint64) error {
	if err := validateName(projection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[projection]; ok && cp.LastSequence > sequence {
		return nil
	}
	s.checkpoints[projection] = appcore.Checkpoint{
		Projection:   projection,
		LastSequence: sequence,
		UpdatedAt:    s.opts.clock.Now().UTC(),
	}
	return nil
}

// Reset rewinds the checkpoint to zero.
func (s *InMemoryStore) Reset(_ context.Context, projection string) error {
	if err := validateName(projection); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[projection] = appcore.Checkpoint{
		Projection: projection,
		UpdatedAt:  s.opts.clock.Now().UTC(),
	}
	return nil
}

// List returns every stored checkpoint ordered by projection name.
func (s *InMemoryStore) List(context.Context) ([]appcore.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]appcore.Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b appcore.Checkpoint) int {
		return strings.Compare(a.Projection, b.Projection)
	})
	return out, nil
}

var (
	_ appcore.CheckpointStore = (*InMemoryStore)(nil)
	_ appcore.CheckpointStore = (*MongoStore)(nil)
	_ appcore.CheckpointStore = (*PostgresStore)(nil)
	_ appcore.CheckpointStore = (*SQLiteStore)(nil)
)
