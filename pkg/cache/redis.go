package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/olivpeter/compressorPro/pkg/media"
	"github.com/olivpeter/compressorPro/pkg/metrics"
)

const DefaultVersionTTL = 24 * time.Hour

// RedisStore is a shared version cache. Versions are stored as JSON under
// prefix:version:<key> and expire after ttl.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	logger  hclog.Logger
	metrics *metrics.Metrics
}

func NewRedisStore(url, prefix string, ttl time.Duration, logger hclog.Logger, m *metrics.Metrics) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisStore(client, prefix, ttl, logger, m), nil
}

func newRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger hclog.Logger, m *metrics.Metrics) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultVersionTTL
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger.Named("redis"),
		metrics: m,
	}
}

func (s *RedisStore) Key(parts ...string) string {
	if s.prefix == "" {
		return strings.Join(parts, ":")
	}
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *RedisStore) Get(ctx context.Context, key string) (*media.Version, bool) {
	data, err := s.client.Get(ctx, s.Key("version", key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("version lookup failed", "key", key, "error", err)
		}
		s.metrics.ObserveCache("redis", false)
		return nil, false
	}

	var v media.Version
	if err := json.Unmarshal(data, &v); err != nil {
		s.logger.Warn("dropping unreadable cache entry", "key", key, "error", err)
		_ = s.client.Del(ctx, s.Key("version", key)).Err()
		s.metrics.ObserveCache("redis", false)
		return nil, false
	}

	s.metrics.ObserveCache("redis", true)
	return &v, true
}

func (s *RedisStore) Set(ctx context.Context, key string, v *media.Version) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal version", "key", key, "error", err)
		return
	}
	if err := s.client.Set(ctx, s.Key("version", key), data, s.ttl).Err(); err != nil {
		s.logger.Warn("failed to store version", "key", key, "error", err)
	}
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, s.Key("version", key)).Result()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
