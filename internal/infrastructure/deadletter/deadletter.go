// Package deadletter stores events a projection gave up on after retries.
package deadletter

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/uuid"
)

// entryKey identifies a dead letter by projection and global sequence.
func entryKey(projection string, sequence uint64) string {
	return projection + ":" + strconv.FormatUint(sequence, 10)
}

// prepare validates dl and fills the defaults every backend applies.
func prepare(dl appcore.DeadLetter) (appcore.DeadLetter, error) {
	if strings.TrimSpace(dl.Projection) == "" {
		return dl, errs.NewValidationError("projection", "must not be blank")
	}
	if dl.GlobalSequence == 0 {
		return dl, errs.NewValidationError("global_sequence", "must be positive")
	}
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.Status == "" {
		dl.Status = appcore.DeadLetterPending
	}
	dl.FailedAt = dl.FailedAt.UTC()
	return dl, nil
}

// newestFirst orders dead letters by failure time, then by sequence, descending.
func newestFirst(a, b appcore.DeadLetter) int {
	if c := b.FailedAt.Compare(a.FailedAt); c != 0 {
		return c
	}
	switch {
	case a.GlobalSequence > b.GlobalSequence:
		return -1
	case a.GlobalSequence < b.GlobalSequence:
		return 1
	default:
		return 0
	}
}

// InMemoryStore keeps dead letters in a map.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]appcore.DeadLetter
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]appcore.DeadLetter)}
}

// Add records dl, replacing an entry with the same projection and sequence.
func (s *InMemoryStore) Add(_ context.Context, dl appcore.DeadLetter) error {
	dl, err := prepare(dl)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dl.Payload = slices.Clone(dl.Payload)
	s.entries[entryKey(dl.Projection, dl.GlobalSequence)] = dl
	return nil
}

// List returns dead letters newest first. Empty projection lists all of them.
func (s *InMemoryStore) List(_ context.Context, projection string, limit int) ([]appcore.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []appcore.DeadLetter
	for _, dl := range s.entries {
		if projection == "" || dl.Projection == projection {
			out = append(out, dl)
		}
	}
	slices.SortFunc(out, newestFirst)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSkipped flags the entry as skipped by an operator.
func (s *InMemoryStore) MarkSkipped(_ context.Context, projection string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(projection, sequence)
	dl, ok := s.entries[key]
	if !ok {
		return errs.ErrNotFound
	}
	dl.Status = appcore.DeadLetterSkipped
	s.entries[key] = dl
	return nil
}

// PendingCount returns the number of entries still waiting for an operator.
func (s *InMemoryStore) PendingCount(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, dl := range s.entries {
		if dl.Status == appcore.DeadLetterPending {
			n++
		}
	}
	return n, nil
}

var (
	_ appcore.DeadLetterStore = (*InMemoryStore)(nil)
	_ appcore.DeadLetterStore = (*RedisStore)(nil)
	_ appcore.DeadLetterStore = (*MongoStore)(nil)
)
