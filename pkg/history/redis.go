package history

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/metaboflow/metaboflow/pkg/errors"
)

// RedisConfig configures the Redis history store.
type RedisConfig struct {
	// Address is the Redis server address (e.g. "localhost:6379").
	Address string

	// Password for Redis authentication (optional).
	Password string

	// Database number to use (default 0).
	Database int

	// Prefix is prepended to all record keys.
	Prefix string

	// TTL is the time-to-live for records (0 = no expiration).
	TTL time.Duration

	// Timeout for Redis operations.
	Timeout time.Duration

	// PoolSize is the maximum number of connections.
	PoolSize int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:  address,
		Prefix:   "metaboflow:runs:",
		TTL:      7 * 24 * time.Hour,
		Timeout:  5 * time.Second,
		PoolSize: 10,
	}
}

// RedisStore keeps run records in Redis. A sorted set indexed by start
// time backs List, so recent runs come back without a key scan.
type RedisStore struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeHistorySave, "connecting to Redis")
	}

	return &RedisStore{cfg: cfg, client: client}, nil
}

func (s *RedisStore) key(runID string) string {
	return s.cfg.Prefix + runID
}

func (s *RedisStore) indexKey() string {
	return s.cfg.Prefix + "index"
}

func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.CodeHistorySave, "encoding run record")
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(rec.RunID), data, s.cfg.TTL)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(rec.StartedAt.UnixNano()),
		Member: rec.RunID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.CodeHistorySave, "saving run record to Redis").
			WithContext("runId", rec.RunID)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, runID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "loading run record from Redis").
			WithContext("runId", runID)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "decoding run record").
			WithContext("runId", runID)
	}
	return &rec, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeHistoryLoad, "listing run records")
	}

	var recs []*Record
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if err != nil {
			// Record expired out from under the index.
			s.client.ZRem(ctx, s.indexKey(), id)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(runID))
	pipe.ZRem(ctx, s.indexKey(), runID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cutoff := time.Now().Add(-maxAge).UnixNano()
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeHistoryLoad, "scanning old run records")
	}

	removed := 0
	for _, id := range ids {
		if s.Delete(ctx, id) == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) Name() string { return "redis" }

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
