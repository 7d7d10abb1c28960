package eventstore

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/lllypuk/eventflow/internal/domain/errs"
	"github.com/lllypuk/eventflow/internal/domain/event"
)

// InMemoryEventStore реализует EventStore в памяти для тестирования и однопроцессных запусков.
//
// Each stream has its own lock for the version compare-and-swap; the store
// lock is held only while a batch is linked into the global log.
type InMemoryEventStore struct {
	cfg storeConfig

	mu      sync.RWMutex
	streams map[string]*memoryStream
	log     []event.Record // index i holds global sequence i+1
}

type memoryStream struct {
	mu      sync.Mutex
	records []event.Record
}

// NewInMemoryEventStore создает новый in-memory event store
func NewInMemoryEventStore(opts ...Option) *InMemoryEventStore {
	return &InMemoryEventStore{
		cfg:     newStoreConfig(opts),
		streams: make(map[string]*memoryStream),
	}
}

// Append сохраняет события для агрегата
func (s *InMemoryEventStore) Append(
	ctx context.Context,
	aggregateID, aggregateType string,
	events []event.Pending,
	expectedVersion int,
) (int, error) {
	if err := event.ValidateAppend(aggregateID, aggregateType, events, expectedVersion); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	stream := s.stream(aggregateID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	// Проверка optimistic locking
	s.mu.RLock()
	currentVersion := len(stream.records)
	s.mu.RUnlock()
	if currentVersion != expectedVersion {
		s.cfg.logger.WarnContext(ctx, "concurrency conflict in event store",
			slog.String("aggregate_id", aggregateID),
			slog.Int("expected_version", expectedVersion),
			slog.Int("current_version", currentVersion),
		)
		return 0, &errs.ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: currentVersion}
	}

	// Stage the batch first; nothing is visible until it is linked below.
	staged := s.cfg.buildRecords(aggregateID, aggregateType, events, expectedVersion, 0)
	for _, rec := range staged {
		if err := s.cfg.injectFault(aggregateID, rec.Version); err != nil {
			return 0, errs.NewStorageError("append", err)
		}
	}

	s.mu.Lock()
	next := uint64(len(s.log)) + 1
	for i := range staged {
		staged[i].GlobalSequence = next + uint64(i)
	}
	s.log = append(s.log, staged...)
	stream.records = append(stream.records, staged...)
	s.mu.Unlock()

	return staged[len(staged)-1].Version, nil
}

// Load загружает все события для агрегата
func (s *InMemoryEventStore) Load(ctx context.Context, aggregateID string) ([]event.Record, error) {
	return loadPaged(ctx, s, aggregateID, 0, s.cfg.pageSize)
}

// LoadFrom загружает события после указанной версии
func (s *InMemoryEventStore) LoadFrom(ctx context.Context, aggregateID string, afterVersion int) ([]event.Record, error) {
	return loadPaged(ctx, s, aggregateID, afterVersion, s.cfg.pageSize)
}

// LoadPage returns at most limit events after afterVersion.
func (s *InMemoryEventStore) LoadPage(
	_ context.Context,
	aggregateID string,
	afterVersion, limit int,
) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[aggregateID]
	if !ok || afterVersion >= len(stream.records) {
		return nil, nil
	}
	afterVersion = max(afterVersion, 0)
	end := min(afterVersion+limit, len(stream.records))

	// Возвращаем копию чтобы избежать race conditions
	return slices.Clone(stream.records[afterVersion:end]), nil
}

// Version возвращает текущую версию агрегата
func (s *InMemoryEventStore) Version(_ context.Context, aggregateID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[aggregateID]
	if !ok {
		return 0, nil
	}
	return len(stream.records), nil
}

// FindByIdempotencyKey returns the highest version committed under key.
func (s *InMemoryEventStore) FindByIdempotencyKey(_ context.Context, aggregateID, key string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[aggregateID]
	if !ok || key == "" {
		return 0, false, nil
	}
	version, found := latestIdempotentVersion(stream.records, key)
	return version, found, nil
}

// GlobalFeed returns committed events after afterSequence in commit order.
func (s *InMemoryEventStore) GlobalFeed(_ context.Context, afterSequence uint64, limit int) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterSequence >= uint64(len(s.log)) || limit <= 0 {
		return nil, nil
	}
	end := min(afterSequence+uint64(limit), uint64(len(s.log)))
	return slices.Clone(s.log[afterSequence:end]), nil
}

// HeadSequence returns the last committed global sequence.
func (s *InMemoryEventStore) HeadSequence(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.log)), nil
}

// Clear очищает все события (для тестов)
func (s *InMemoryEventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streams = make(map[string]*memoryStream)
	s.log = nil
}

func (s *InMemoryEventStore) stream(aggregateID string) *memoryStream {
	s.mu.RLock()
	stream, ok := s.streams[aggregateID]
	s.mu.RUnlock()
	if ok {
		return stream
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stream, ok = s.streams[aggregateID]; !ok {
		stream = &memoryStream{}
		s.streams[aggregateID] = stream
	}
	return stream
}
