package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
)

const (
	defaultKeyPrefix      = "eventflow:deadletters:"
	defaultMaxDeadLetters = 1000
)

// RedisStore keeps dead letters in a hash indexed by a sorted set of failure
// times. The oldest entries are evicted once MaxEntries is exceeded.
type RedisStore struct {
	client     redis.UniversalClient
	logger     *slog.Logger
	prefix     string
	maxEntries int64
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets a custom key prefix for the dead letter keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger sets the logger for RedisStore.
func WithLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxEntries sets the maximum number of entries to keep.
func WithMaxEntries(maxEntries int64) RedisOption {
	return func(s *RedisStore) {
		if maxEntries > 0 {
			s.maxEntries = maxEntries
		}
	}
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		logger:     slog.Default(),
		prefix:     defaultKeyPrefix,
		maxEntries: defaultMaxDeadLetters,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) entriesKey() string { return s.prefix + "entries" }
func (s *RedisStore) indexKey() string   { return s.prefix + "index" }
func (s *RedisStore) pendingKey() string { return s.prefix + "pending" }

// Add records dl, replacing an entry with the same projection and sequence.
func (s *RedisStore) Add(ctx context.Context, dl appcore.DeadLetter) error {
	dl, err := prepare(dl)
	if err != nil {
		return err
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return errs.NewStorageError("encode dead letter", err)
	}

	member := entryKey(dl.Projection, dl.GlobalSequence)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entriesKey(), member, data)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(dl.FailedAt.UnixMilli()), Member: member})
		if dl.Status == appcore.DeadLetterPending {
			pipe.SAdd(ctx, s.pendingKey(), member)
		} else {
			pipe.SRem(ctx, s.pendingKey(), member)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to store dead letter",
			slog.String("projection", dl.Projection),
			slog.Uint64("global_sequence", dl.GlobalSequence),
			slog.String("error", err.Error()),
		)
		return errs.NewStorageError("add dead letter", err)
	}

	s.evictOldest(ctx)
	return nil
}

// evictOldest trims the index to maxEntries. Failures are only logged.
func (s *RedisStore) evictOldest(ctx context.Context) {
	size, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil || size <= s.maxEntries {
		return
	}
	stale, err := s.client.ZRange(ctx, s.indexKey(), 0, size-s.maxEntries-1).Result()
	if err != nil || len(stale) == 0 {
		return
	}

	members := make([]any, len(stale))
	for i, m := range stale {
		members[i] = m
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.entriesKey(), stale...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		pipe.SRem(ctx, s.pendingKey(), members...)
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to evict old dead letters", slog.String("error", err.Error()))
	}
}

// List returns dead letters newest first. Empty projection lists all of them.
func (s *RedisStore) List(ctx context.Context, projection string, limit int) ([]appcore.DeadLetter, error) {
	members, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errs.NewStorageError("list dead letters", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.entriesKey(), members...).Result()
	if err != nil {
		return nil, errs.NewStorageError("list dead letters", err)
	}

	var out []appcore.DeadLetter
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var dl appcore.DeadLetter
		if err = json.Unmarshal([]byte(raw), &dl); err != nil {
			s.logger.WarnContext(ctx, "skipping unreadable dead letter", slog.String("error", err.Error()))
			continue
		}
		if projection != "" && dl.Projection != projection {
			continue
		}
		out = append(out, dl)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSkipped flags the entry as skipped by an operator.
func (s *RedisStore) MarkSkipped(ctx context.Context, projection string, sequence uint64) error {
	member := entryKey(projection, sequence)
	raw, err := s.client.HGet(ctx, s.entriesKey(), member).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errs.ErrNotFound
		}
		return errs.NewStorageError("load dead letter", err)
	}

	var dl appcore.DeadLetter
	if err = json.Unmarshal(raw, &dl); err != nil {
		return errs.NewStorageError("decode dead letter", err)
	}
	dl.Status = appcore.DeadLetterSkipped
	data, err := json.Marshal(dl)
	if err != nil {
		return errs.NewStorageError("encode dead letter", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entriesKey(), member, data)
		pipe.SRem(ctx, s.pendingKey(), member)
		return nil
	})
	if err != nil {
		return errs.NewStorageError("skip dead letter", err)
	}
	return nil
}

// PendingCount returns the number of entries still waiting for an operator.
func (s *RedisStore) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.pendingKey()).Result()
	if err != nil {
		return 0, errs.NewStorageError("count dead letters", err)
	}
	return n, nil
}
