package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
)

const defaultRedisPrefix = "eventflow:snapshot:"

// saveIfNewer replaces the stored snapshot unless it has a higher version.
// ARGV: encoded snapshot, version, ttl in milliseconds (0 = no expiry).
var saveIfNewer = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
	local stored = cjson.decode(current)
	if tonumber(stored['version']) > tonumber(ARGV[2]) then
		return 0
	end
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// RedisStore keeps snapshots as JSON strings with an optional TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key prefix, "eventflow:snapshot:" by default.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL expires snapshots after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisLogger sets the logger for the Redis snapshot store.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStore creates a snapshot store on client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultRedisPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(aggregateID string) string {
	return s.prefix + aggregateID
}

// Load returns the stored snapshot or errs.ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, aggregateID string) (appcore.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(aggregateID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return appcore.Snapshot{}, errs.ErrNotFound
		}
		return appcore.Snapshot{}, errs.NewStorageError("load snapshot", err)
	}

	var snap appcore.Snapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		// A corrupt cache entry is dropped and reported as missing.
		s.logger.WarnContext(ctx, "discarding unreadable snapshot",
			slog.String("aggregate_id", aggregateID),
			slog.String("error", err.Error()),
		)
		_ = s.client.Del(ctx, s.key(aggregateID)).Err()
		return appcore.Snapshot{}, errs.ErrNotFound
	}
	return snap, nil
}

// Save stores snap unless a snapshot with a higher version is already stored.
func (s *RedisStore) Save(ctx context.Context, snap appcore.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errs.NewStorageError("encode snapshot", err)
	}

	err = saveIfNewer.Run(ctx, s.client,
		[]string{s.key(snap.AggregateID)},
		string(data), snap.Version, s.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errs.NewStorageError("save snapshot", err)
	}
	return nil
}

// Delete removes the snapshot of aggregateID.
func (s *RedisStore) Delete(ctx context.Context, aggregateID string) error {
	if err := s.client.Del(ctx, s.key(aggregateID)).Err(); err != nil {
		return errs.NewStorageError("delete snapshot", err)
	}
	return nil
}
