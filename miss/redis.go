package miss

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 200 * time.Millisecond

// RedisRecorder counts misses in a Redis hash and keeps the referers of each path in a set.
//
//	<prefix>:hits               hash  path -> count
//	<prefix>:referers:<path>    set   referers
type RedisRecorder struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// NewRedisRecorder uses the given client. Each Record call is bounded by timeout.
func NewRedisRecorder(client redis.UniversalClient, prefix string, timeout time.Duration) *RedisRecorder {
	if prefix == "" {
		prefix = "always-redirect:misses"
	}
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisRecorder{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
	}
}

func (r *RedisRecorder) Record(path, referer string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, r.hitsKey(), path, 1)
		if referer != "" {
			pipe.SAdd(ctx, r.referersKey(path), referer)
		}
		return nil
	})
	return err
}

// Hits returns the miss count per path.
func (r *RedisRecorder) Hits(ctx context.Context) (map[string]int64, error) {
	values, err := r.client.HGetAll(ctx, r.hitsKey()).Result()
	if err != nil {
		return nil, err
	}
	hits := make(map[string]int64, len(values))
	for path, value := range values {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, err
		}
		hits[path] = n
	}
	return hits, nil
}

// Referers returns the referers seen for a path.
func (r *RedisRecorder) Referers(ctx context.Context, path string) ([]string, error) {
	return r.client.SMembers(ctx, r.referersKey(path)).Result()
}

func (r *RedisRecorder) hitsKey() string {
	return r.prefix + ":hits"
}

func (r *RedisRecorder) referersKey(path string) string {
	return r.prefix + ":referers:" + path
}
