package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisPrefix namespaces cached permission sets
const DefaultRedisPrefix = "warden:perms:"

// genAllField is the generation field advanced by Purge
const genAllField = "all"

// setIfGeneration writes KEYS[1] only while the generation hash KEYS[2]
// still reads ARGV[2] for the pair ("all", ARGV[1]).
var setIfGeneration = redis.NewScript(`
local gen = redis.call('HMGET', KEYS[2], 'all', ARGV[1])
if (gen[1] or '0') .. ':' .. (gen[2] or '0') ~= ARGV[2] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[3], 'PX', ARGV[4])
return 1
`)

// RedisCache is a PermissionCache shared between processes.
//
// Entries live at <prefix><userID>. A hash at <prefix>gen holds one
// generation per user plus a global one; Delete and Purge advance them
// before removing entries, and SetIfGeneration refuses to write a set whose
// load started under an older generation. This keeps a replica that read
// the store before another replica's invalidation from repopulating Redis
// with the pre-mutation set.
type RedisCache struct {
	client *redis.Client
	prefix string
	genKey string
	ttl    time.Duration
}

// NewRedisClient parses url and verifies the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a Redis-backed cache. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, genKey: prefix + "gen", ttl: ttl}
}

func (c *RedisCache) key(userID int64) string {
	return c.prefix + strconv.FormatInt(userID, 10)
}

// Get retrieves a cached set. Corrupt entries are dropped and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, userID int64) (*EffectivePermissionSet, bool, error) {
	key := c.key(userID)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var set EffectivePermissionSet
	if err := json.Unmarshal(data, &set); err != nil {
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return &set, true, nil
}

// Set stores a set with the cache TTL
func (c *RedisCache) Set(ctx context.Context, set *EffectivePermissionSet) error {
	if set == nil {
		return nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal permission set: %w", err)
	}
	if err := c.client.Set(ctx, c.key(set.UserID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Generation returns the token SetIfGeneration compares against. Read it
// before loading the set from the store.
func (c *RedisCache) Generation(ctx context.Context, userID int64) (string, error) {
	vals, err := c.client.HMGet(ctx, c.genKey, genAllField, strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return "", fmt.Errorf("redis generation read failed: %w", err)
	}
	return genPart(vals[0]) + ":" + genPart(vals[1]), nil
}

func genPart(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "0"
}

// SetIfGeneration stores set only if no Delete or Purge touched its user
// since gen was read. It reports whether the set was written.
func (c *RedisCache) SetIfGeneration(ctx context.Context, set *EffectivePermissionSet, gen string) (bool, error) {
	if set == nil {
		return false, nil
	}
	data, err := json.Marshal(set)
	if err != nil {
		return false, fmt.Errorf("failed to marshal permission set: %w", err)
	}
	written, err := setIfGeneration.Run(ctx, c.client,
		[]string{c.key(set.UserID), c.genKey},
		strconv.FormatInt(set.UserID, 10), gen, data, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis conditional set failed: %w", err)
	}
	return written == 1, nil
}

// Delete removes cached sets
func (c *RedisCache) Delete(ctx context.Context, userIDs ...int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, len(userIDs))
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			keys[i] = c.key(id)
			pipe.HIncrBy(ctx, c.genKey, strconv.FormatInt(id, 10), 1)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Purge removes every cached set under the cache prefix. The generation hash
// is kept.
func (c *RedisCache) Purge(ctx context.Context) error {
	if err := c.client.HIncrBy(ctx, c.genKey, genAllField, 1).Err(); err != nil {
		return fmt.Errorf("redis purge failed: %w", err)
	}
	iter := c.client.Scan(ctx, 0, c.prefix+"[0-9]*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 500 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis purge failed: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis purge failed: %w", err)
		}
	}
	return nil
}
