package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

const redisKeyPrefix = "polosync"

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisCheckpoints is a CheckpointStore backed by Redis string keys holding
// the cursor as UNIX seconds.
type RedisCheckpoints struct {
	client redis.Cmdable
}

// NewRedisCheckpoints wraps client.
func NewRedisCheckpoints(client redis.Cmdable) *RedisCheckpoints {
	return &RedisCheckpoints{client: client}
}

func checkpointRedisKey(kind models.Kind, market models.Market) string {
	return fmt.Sprintf("%s:checkpoint:%s:%s", redisKeyPrefix, kind, market)
}

// saveCheckpointScript sets the key only when the new cursor is later.
var saveCheckpointScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or tonumber(ARGV[1]) > tonumber(current) then
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// LoadCheckpoint returns the stored cursor for kind and market.
func (r *RedisCheckpoints) LoadCheckpoint(ctx context.Context, kind models.Kind, market models.Market) (time.Time, bool, error) {
	value, err := r.client.Get(ctx, checkpointRedisKey(kind, market)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, NewQueryError("redis", "GET", err)
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, NewQueryError("redis", "GET", fmt.Errorf("malformed checkpoint %q: %w", value, err))
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

// SaveCheckpoint stores the cursor unless a later one exists.
func (r *RedisCheckpoints) SaveCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	key := checkpointRedisKey(cp.Kind, cp.Market)
	if err := saveCheckpointScript.Run(ctx, r.client, []string{key}, cp.Cursor.Unix()).Err(); err != nil {
		return NewStorageError("upsert", "redis", key, err)
	}
	return nil
}

// RedisTickerCache keeps the latest ticker per market under a TTL so other
// processes can read current prices without touching the database.
type RedisTickerCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisTickerCache wraps client. A non-positive ttl keeps entries forever.
func NewRedisTickerCache(client redis.Cmdable, ttl time.Duration) *RedisTickerCache {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisTickerCache{client: client, ttl: ttl}
}

func tickerRedisKey(market models.Market) string {
	return fmt.Sprintf("%s:ticker:%s", redisKeyPrefix, market)
}

// SetLatest stores each ticker as JSON in one pipeline.
func (c *RedisTickerCache) SetLatest(ctx context.Context, tickers []models.Ticker) error {
	if len(tickers) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, t := range tickers {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode ticker %s: %w", t.Market, err)
		}
		pipe.Set(ctx, tickerRedisKey(t.Market), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return NewStorageError("insert", "redis", "SET", err)
	}
	return nil
}

// GetLatest returns the cached ticker for market, or nil when absent.
func (c *RedisTickerCache) GetLatest(ctx context.Context, market models.Market) (*models.Ticker, error) {
	data, err := c.client.Get(ctx, tickerRedisKey(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("redis", "GET", err)
	}
	var t models.Ticker
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode cached ticker %s: %w", market, err)
	}
	return &t, nil
}
