// Package snapshot provides snapshot stores: in-memory, Redis and MongoDB.
// Snapshots are a cache; every store may lose them without affecting correctness.
package snapshot

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// InMemoryStore keeps snapshots in a map.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]appcore.Snapshot
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snapshots: make(map[string]appcore.Snapshot)}
}

// Load returns the stored snapshot or errs.ErrNotFound.
func (s *InMemoryStore) Load(_ context.Context, aggregateID string) (appcore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return appcore.Snapshot{}, errs.ErrNotFound
	}
	snap.State = slices.Clone(snap.State)
	return snap, nil
}

// Save stores snap unless a snapshot with a higher version is already stored.
func (s *InMemoryStore) Save(_ context.Context, snap appcore.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.snapshots[snap.AggregateID]; ok && current.Version > snap.Version {
		return nil
	}
	snap.State = slices.Clone(snap.State)
	s.snapshots[snap.AggregateID] = snap
	return nil
}

// Delete removes the snapshot of aggregateID.
func (s *InMemoryStore) Delete(_ context.Context, aggregateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, aggregateID)
	return nil
}

// Len returns the number of stored snapshots.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

func validate(snap appcore.Snapshot) error {
	if strings.TrimSpace(snap.AggregateID) == "" {
		return errs.NewValidationError("aggregate_id", "must not be blank")
	}
	if snap.Version <= 0 {
		return errs.NewValidationError("version", "must be positive")
	}
	return nil
}

var (
	_ appcore.SnapshotStore = (*InMemoryStore)(nil)
	_ appcore.SnapshotStore = (*RedisStore)(nil)
	_ appcore.SnapshotStore = (*MongoStore)(nil)
)
