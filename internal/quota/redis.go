package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
	"github.com/redis/go-redis/v9"
)

// incrementPoolScript adds one to a pool counter hash unless it reached its cap.
//
// KEYS[1] counter hash; ARGV: max, credential hash, host, timestamp.
var incrementPoolScript = redis.NewScript(`
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
local max = tonumber(ARGV[1])
redis.call('HSET', KEYS[1], 'max', ARGV[1], 'hash', ARGV[2], 'host', ARGV[3], 'updated', ARGV[4], 'last_attempt', ARGV[4])
if max > 0 and used >= max then
	return {used, 0}
end
used = redis.call('HINCRBY', KEYS[1], 'used', 1)
redis.call('HSET', KEYS[1], 'last_success', ARGV[4])
return {used, 1}
`)

// incrementDailyScript adds one to a daily counter unless it reached its limit.
//
// KEYS[1] counter; ARGV: limit, ttl seconds.
var incrementDailyScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and count >= limit then
	return {count, 0}
end
count = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return {count, 1}
`)

// dailyTTL keeps a day's counter around long enough for status output on the following day.
const dailyTTL = 48 * time.Hour

// NewRedisClient connects to the Redis server named by cfg and verifies it with PING.
func NewRedisClient(ctx context.Context, cfg shared.QuotaConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse Redis URL: %v", shared.ErrInvalidConfig, err)
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisCounterStore keeps pool counters in Redis hashes so several gateway processes share them.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore stores counters under "{prefix}:pool:{usage key}".
func NewRedisCounterStore(client *redis.Client, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "tunegate"
	}
	return &RedisCounterStore{client: client, prefix: prefix + ":pool:"}
}

func (s *RedisCounterStore) key(usageKey string) string {
	return s.prefix + usageKey
}

func (s *RedisCounterStore) Load(ctx context.Context) (map[string]models.PoolUsage, error) {
	usage := make(map[string]models.PoolUsage)

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		fields, err := s.client.HGetAll(ctx, redisKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read pool usage %s: %w", redisKey, err)
		}

		u := models.PoolUsage{
			Key:            redisKey[len(s.prefix):],
			CredentialHash: fields["hash"],
			Host:           fields["host"],
			LastAttemptAt:  parseTime(fields["last_attempt"]),
			LastSuccessAt:  parseTime(fields["last_success"]),
			UpdatedAt:      parseTime(fields["updated"]),
		}
		u.RequestsUsed, _ = strconv.Atoi(fields["used"])
		u.MaxRequests, _ = strconv.Atoi(fields["max"])
		usage[u.Key] = u
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan pool usage: %w", err)
	}
	return usage, nil
}

func (s *RedisCounterStore) Increment(ctx context.Context, u models.PoolUsage, at time.Time) (int, bool, error) {
	res, err := incrementPoolScript.Run(ctx, s.client, []string{s.key(u.Key)},
		u.MaxRequests, u.CredentialHash, u.Host, formatTime(at)).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment pool usage: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected increment reply %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

func (s *RedisCounterStore) Touch(ctx context.Context, u models.PoolUsage, at time.Time) error {
	ts := formatTime(at)
	err := s.client.HSet(ctx, s.key(u.Key),
		"hash", u.CredentialHash,
		"host", u.Host,
		"max", u.MaxRequests,
		"last_attempt", ts,
		"updated", ts,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to touch pool usage: %w", err)
	}
	return nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	ts := formatTime(time.Now().UTC())
	if key != "" {
		if err := s.client.HSet(ctx, s.key(key), "used", 0, "updated", ts).Err(); err != nil {
			return fmt.Errorf("failed to reset pool usage: %w", err)
		}
		return nil
	}

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.HSet(ctx, iter.Val(), "used", 0, "updated", ts).Err(); err != nil {
			return fmt.Errorf("failed to reset pool usage: %w", err)
		}
	}
	return iter.Err()
}

// RedisDailyCounter keeps daily counters in Redis strings that expire after two days.
type RedisDailyCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisDailyCounter stores counters under "{prefix}:daily:{name}:{day}".
func NewRedisDailyCounter(client *redis.Client, prefix string) *RedisDailyCounter {
	if prefix == "" {
		prefix = "tunegate"
	}
	return &RedisDailyCounter{client: client, prefix: prefix + ":daily:"}
}

func (c *RedisDailyCounter) key(name, day string) string {
	return c.prefix + name + ":" + day
}

func (c *RedisDailyCounter) Count(ctx context.Context, name, day string) (int, error) {
	n, err := c.client.Get(ctx, c.key(name, day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily usage: %w", err)
	}
	return n, nil
}

func (c *RedisDailyCounter) Increment(ctx context.Context, name, day string, limit int) (int, bool, error) {
	res, err := incrementDailyScript.Run(ctx, c.client, []string{c.key(name, day)},
		limit, int(dailyTTL.Seconds())).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment daily usage: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected increment reply %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
