// Package cache fronts client summary reads with Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/ehr/summary/internal/domain/summary"
)

var ErrMiss = errors.New("cache miss")

// KV is the subset of Redis the cache needs. Entries carry the summary
// version next to the body so writes can be ordered.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	// SetIfNewer stores value unless the key already holds version or newer.
	SetIfNewer(ctx context.Context, key string, version int, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// setIfNewer keeps an entry as a hash {v, body} and only replaces it with a
// strictly higher version.
var setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'body', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

type RedisKV struct {
	c *redis.Client
}

func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{c: c} }

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.c.HGet(ctx, key, "body").Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKV) SetIfNewer(ctx context.Context, key string, version int, value string, ttl time.Duration) (bool, error) {
	n, err := setIfNewer.Run(ctx, r.c, []string{key}, version, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

// Summaries implements summary.ReadCache. Writes are ordered by summary
// version: the committer publishes each new version, and a reader filling a
// miss with an older version it read before that commit is refused.
type Summaries struct {
	kv     KV
	prefix string
	ttl    time.Duration
}

func NewSummaries(kv KV, prefix string, ttl time.Duration) *Summaries {
	if prefix == "" {
		prefix = "summary:"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Summaries{kv: kv, prefix: prefix, ttl: ttl}
}

func (s *Summaries) key(patientID uuid.UUID) string { return s.prefix + patientID.String() }

func (s *Summaries) Get(ctx context.Context, patientID uuid.UUID) (*summary.PatientSummary, error) {
	val, err := s.kv.Get(ctx, s.key(patientID))
	if errors.Is(err, ErrMiss) {
		return nil, summary.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var ps summary.PatientSummary
	if err := json.Unmarshal([]byte(val), &ps); err != nil {
		// Treat a corrupt entry as a miss; the store is authoritative.
		_ = s.kv.Del(ctx, s.key(patientID))
		return nil, summary.ErrNotFound
	}
	return &ps, nil
}

// Set stores ps unless the cache already holds the same or a newer version.
func (s *Summaries) Set(ctx context.Context, ps *summary.PatientSummary) error {
	body, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if _, err := s.kv.SetIfNewer(ctx, s.key(ps.PatientID), ps.Version, string(body), s.ttl); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (s *Summaries) Invalidate(ctx context.Context, patientID uuid.UUID) error {
	if err := s.kv.Del(ctx, s.key(patientID)); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
