package storage

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "polosync:checkpoint:trades:BTC_ETH", checkpointRedisKey(models.KindTrades, "BTC_ETH"))
	assert.Equal(t, "polosync:checkpoint:candles:USDT_BTC", checkpointRedisKey(models.KindCandles, "USDT_BTC"))
	assert.Equal(t, "polosync:ticker:BTC_XMR", tickerRedisKey("BTC_XMR"))
}

func TestNewRedisClient(t *testing.T) {
	ctx := context.Background()
	mr, _ := newTestRedis(t)

	client, err := NewRedisClient(ctx, config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	mr.Close()
	_, err = NewRedisClient(ctx, config.RedisConfig{Addr: mr.Addr()})
	assert.Error(t, err)
}

func TestRedisCheckpoints(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewRedisCheckpoints(client)

	_, ok, err := store.LoadCheckpoint(ctx, models.KindTrades, "BTC_ETH")
	require.NoError(t, err)
	assert.False(t, ok)

	later := testEpoch.Add(48 * time.Hour)
	require.NoError(t, store.SaveCheckpoint(ctx, models.Checkpoint{Kind: models.KindTrades, Market: "BTC_ETH", Cursor: later}))
	require.NoError(t, store.SaveCheckpoint(ctx, models.Checkpoint{Kind: models.KindTrades, Market: "BTC_ETH", Cursor: testEpoch}))

	cursor, ok, err := store.LoadCheckpoint(ctx, models.KindTrades, "BTC_ETH")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cursor.Equal(later), "an earlier cursor does not overwrite a later one")

	raw, err := mr.Get(checkpointRedisKey(models.KindTrades, "BTC_ETH"))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(later.Unix(), 10), raw)

	latest := later.Add(24 * time.Hour)
	require.NoError(t, store.SaveCheckpoint(ctx, models.Checkpoint{Kind: models.KindTrades, Market: "BTC_ETH", Cursor: latest}))
	cursor, _, err = store.LoadCheckpoint(ctx, models.KindTrades, "BTC_ETH")
	require.NoError(t, err)
	assert.True(t, cursor.Equal(latest))

	_, ok, err = store.LoadCheckpoint(ctx, models.KindCandles, "BTC_ETH")
	require.NoError(t, err)
	assert.False(t, ok, "kinds are tracked separately")
}

func TestRedisCheckpoints_MalformedValue(t *testing.T) {
	mr, client := newTestRedis(t)
	require.NoError(t, mr.Set(checkpointRedisKey(models.KindCandles, "BTC_ETH"), "yesterday"))

	_, _, err := NewRedisCheckpoints(client).LoadCheckpoint(context.Background(), models.KindCandles, "BTC_ETH")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed checkpoint")
}

func TestRedisTickerCache(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	cache := NewRedisTickerCache(client, 5*time.Minute)

	tickers := []models.Ticker{
		{Market: "BTC_ETH", PolledAt: testEpoch, Last: 0.0251, LowestAsk: 0.0252, HighestBid: 0.025, BaseVolume: 120},
		{Market: "USDT_BTC", PolledAt: testEpoch, Last: 998.5},
	}
	require.NoError(t, cache.SetLatest(ctx, tickers))
	require.NoError(t, cache.SetLatest(ctx, nil))

	got, err := cache.GetLatest(ctx, "BTC_ETH")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.Market("BTC_ETH"), got.Market)
	assert.True(t, got.PolledAt.Equal(testEpoch))
	assert.InDelta(t, 0.0251, got.Last, 1e-12)
	assert.InDelta(t, 120, got.BaseVolume, 1e-12)

	assert.Equal(t, 5*time.Minute, mr.TTL(tickerRedisKey("BTC_ETH")))

	missing, err := cache.GetLatest(ctx, "BTC_XMR")
	require.NoError(t, err)
	assert.Nil(t, missing)

	mr.FastForward(6 * time.Minute)
	expired, err := cache.GetLatest(ctx, "USDT_BTC")
	require.NoError(t, err)
	assert.Nil(t, expired, "entries expire after the TTL")
}

func TestRedisTickerCache_NoTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	cache := NewRedisTickerCache(client, -1)
	assert.Zero(t, cache.ttl)

	require.NoError(t, cache.SetLatest(ctx, []models.Ticker{{Market: "BTC_ETH", PolledAt: testEpoch, Last: 0.0251}}))
	assert.Zero(t, mr.TTL(tickerRedisKey("BTC_ETH")))

	mr.FastForward(24 * time.Hour)
	got, err := cache.GetLatest(ctx, "BTC_ETH")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
