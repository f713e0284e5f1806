package links

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"estimator/api/internal/store"
)

// Cache holds resolved links so share URLs do not hit the database on every
// contractor page load.
type Cache interface {
	Get(ctx context.Context, code string) (store.ContractorLink, bool, error)
	Put(ctx context.Context, link store.ContractorLink) error
	InvalidateJob(ctx context.Context, jobID int64) error
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (store.ContractorLink, bool, error) {
	return store.ContractorLink{}, false, nil
}
func (noopCache) Put(context.Context, store.ContractorLink) error { return nil }
func (noopCache) InvalidateJob(context.Context, int64) error      { return nil }

// RedisCache stores links as JSON under link:<code> and tracks the codes of
// each job in the set linkjob:<id>.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client), nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: "link:",
		ttl:    7 * 24 * time.Hour,
	}
}

func (c *RedisCache) key(code string) string {
	return c.prefix + code
}

func (c *RedisCache) jobKey(jobID int64) string {
	return c.prefix + "job:" + strconv.FormatInt(jobID, 10)
}

func (c *RedisCache) Get(ctx context.Context, code string) (store.ContractorLink, bool, error) {
	raw, err := c.client.Get(ctx, c.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		return store.ContractorLink{}, false, nil
	}
	if err != nil {
		return store.ContractorLink{}, false, fmt.Errorf("get cached link: %w", err)
	}
	var link store.ContractorLink
	if err := json.Unmarshal([]byte(raw), &link); err != nil {
		return store.ContractorLink{}, false, fmt.Errorf("unmarshal cached link: %w", err)
	}
	return link, true, nil
}

func (c *RedisCache) Put(ctx context.Context, link store.ContractorLink) error {
	raw, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key(link.ShortCode), raw, c.ttl)
	pipe.SAdd(ctx, c.jobKey(link.JobID), link.ShortCode)
	pipe.Expire(ctx, c.jobKey(link.JobID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache link: %w", err)
	}
	return nil
}

// InvalidateJob drops every cached link of a deleted job.
func (c *RedisCache) InvalidateJob(ctx context.Context, jobID int64) error {
	codes, err := c.client.SMembers(ctx, c.jobKey(jobID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list cached links: %w", err)
	}
	keys := make([]string, 0, len(codes)+1)
	for _, code := range codes {
		keys = append(keys, c.key(code))
	}
	keys = append(keys, c.jobKey(jobID))
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate cached links: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
