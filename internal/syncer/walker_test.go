package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	apperrors "github.com/johnayoung/go-poloniex-sync/internal/errors"
	"github.com/johnayoung/go-poloniex-sync/internal/metrics"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
	"github.com/johnayoung/go-poloniex-sync/internal/storage"
)

var (
	jan1 = time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	jan2 = time.Date(2017, 1, 2, 0, 0, 0, 0, time.UTC)
	jan3 = time.Date(2017, 1, 3, 0, 0, 0, 0, time.UTC)
)

// fakeClock advances on Sleep instead of blocking.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration) error
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		return hook(d)
	}
	return nil
}

func (c *fakeClock) sleepCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}

type mockChartSource struct {
	mock.Mock
}

func (m *mockChartSource) ReturnChartData(ctx context.Context, market models.Market, start, end time.Time, period models.Period) ([]models.RawCandle, error) {
	args := m.Called(ctx, market, start, end, period)
	raws, _ := args.Get(0).([]models.RawCandle)
	return raws, args.Error(1)
}

type mockTradeSource struct {
	mock.Mock
}

func (m *mockTradeSource) ReturnTradeHistory(ctx context.Context, market models.Market, start, end time.Time) ([]models.RawTrade, error) {
	args := m.Called(ctx, market, start, end)
	raws, _ := args.Get(0).([]models.RawTrade)
	return raws, args.Error(1)
}

// at matches a time.Time argument by instant.
func at(t time.Time) any {
	return mock.MatchedBy(func(v time.Time) bool { return v.Equal(t) })
}

func rawCandle(date time.Time) models.RawCandle {
	return models.RawCandle{
		Date:            date.Unix(),
		High:            decimal.RequireFromString("0.0110"),
		Low:             decimal.RequireFromString("0.0100"),
		Open:            decimal.RequireFromString("0.0102"),
		Close:           decimal.RequireFromString("0.0108"),
		Volume:          decimal.RequireFromString("12.5"),
		QuoteVolume:     decimal.RequireFromString("1190.4"),
		WeightedAverage: decimal.RequireFromString("0.0105"),
	}
}

// oneCandlePerWindow returns a candle at every window start.
func oneCandlePerWindow(calls *int) Fetcher[models.Candle] {
	var mu sync.Mutex
	return func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		return []models.Candle{{
			Market: market, Period: models.Period5m, Date: window.Start,
			High: 2, Low: 1, Open: 1.5, Close: 1.5, Volume: 10,
		}}, nil
	}
}

func testConfig() *Config {
	cfg := DefaultConfig(models.KindCandles)
	cfg.RetryPolicy = config.RetryPolicyConfig{InitialDelay: "1s", MaxDelay: "4s", BackoffStrategy: "fixed"}
	return cfg
}

func newTestWalker[T models.Record](t *testing.T, fetch Fetcher[T], cfg *Config) (*Walker[T], *fakeClock) {
	t.Helper()
	w, err := NewWalker(fetch, cfg)
	require.NoError(t, err)
	clock := &fakeClock{now: jan3.Add(24 * time.Hour)}
	w.WithClock(clock)
	return w, clock
}

func TestWalk_EndToEnd(t *testing.T) {
	ctx := context.Background()
	src := &mockChartSource{}
	src.On("ReturnChartData", mock.Anything, models.Market("BTC_ETH"), at(jan1), at(jan2.Add(-time.Second)), models.Period5m).
		Return([]models.RawCandle{rawCandle(jan1)}, nil).Once()
	src.On("ReturnChartData", mock.Anything, models.Market("BTC_ETH"), at(jan2), at(jan3.Add(-time.Second)), models.Period5m).
		Return([]models.RawCandle{rawCandle(jan2)}, nil).Once()

	store := storage.NewMemoryStorage()
	w, _ := newTestWalker(t, CandleFetcher(src, models.Period5m), testConfig())
	w.WithSink(storage.Candles(store))

	res := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Windows)
	assert.Equal(t, 2, res.Fetched)
	assert.Empty(t, res.Gaps)
	assert.True(t, res.Cursor.Equal(jan3))
	assert.Empty(t, res.Records, "records are not accumulated when a sink is set")

	stored, err := store.FindCandles(ctx, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for i, day := range []time.Time{jan1, jan2} {
		assert.Equal(t, models.Market("BTC_ETH"), stored[i].Market)
		assert.True(t, stored[i].Date.Equal(day))
		assert.InDelta(t, 0.0108, stored[i].Close, 1e-12)
	}
	src.AssertExpectations(t)
}

func TestWalk_SecondRunIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	calls := 0

	cfg := testConfig()
	cfg.Resume = false
	w, _ := newTestWalker(t, oneCandlePerWindow(&calls), cfg)
	w.WithSink(storage.Candles(store)).WithCheckpoints(store)

	first := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	second := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, first.Windows, second.Windows)

	stored, err := store.FindCandles(ctx, storage.Filter{Market: "BTC_ETH"})
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestWalk_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	calls := 0

	w, _ := newTestWalker(t, oneCandlePerWindow(&calls), testConfig())
	w.WithSink(storage.Candles(store)).WithCheckpoints(store)

	first := w.Walk(ctx, "BTC_ETH", jan1, jan2)
	require.NoError(t, first.Err)
	assert.Equal(t, 1, calls)

	cursor, ok, err := store.LoadCheckpoint(ctx, models.KindCandles, "BTC_ETH")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cursor.Equal(jan2))

	second := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	require.NoError(t, second.Err)
	assert.Equal(t, 2, calls, "only the window after the checkpoint is fetched")
	assert.Equal(t, 1, second.Windows)

	third := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	assert.Equal(t, 2, calls)
	assert.Zero(t, third.Windows)
	assert.True(t, third.Cursor.Equal(jan3))
}

func TestWalk_StallForcesAdvanceAndRecordsGap(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	reg := metrics.NewRegistry()
	calls := 0
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		calls++
		return nil, errors.New("503 service unavailable")
	}

	w, clock := newTestWalker[models.Candle](t, fetch, testConfig())
	w.WithSink(storage.Candles(store)).WithGapStorage(store).WithMetrics(reg)

	res := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	require.NoError(t, res.Err)
	assert.Equal(t, 10, calls, "five attempts per window")
	assert.Equal(t, 10, res.Failures)
	assert.Zero(t, res.Windows)
	assert.True(t, res.Cursor.Equal(jan3))
	assert.Equal(t, 8, clock.sleepCount(), "no sleep after the final attempt on a window")
	assert.Equal(t, time.Second, clock.sleeps[0])

	require.Len(t, res.Gaps, 2)
	gaps, err := store.GetGaps(ctx, storage.GapFilter{Market: "BTC_ETH"})
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.True(t, gaps[0].Start.Equal(jan1))
	assert.True(t, gaps[0].End.Equal(jan2))
	assert.Equal(t, models.GapReasonFailed, gaps[0].Reason)
	assert.Equal(t, 5, gaps[0].Attempts)
	assert.Equal(t, "503 service unavailable", gaps[0].ErrorMessage)

	labels := map[string]string{"kind": "candles", "market": "BTC_ETH"}
	assert.Equal(t, 2.0, reg.Value(metrics.ForcedAdvances, labels))
	assert.Equal(t, 10.0, reg.Value(metrics.FetchFailures, labels))
}

func TestWalk_EmptyWindows(t *testing.T) {
	ctx := context.Background()
	empty := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		return nil, nil
	}

	t.Run("retried then skipped", func(t *testing.T) {
		w, _ := newTestWalker[models.Candle](t, empty, testConfig())
		res := w.Walk(ctx, "BTC_ETH", jan1, jan2)
		require.Len(t, res.Gaps, 1)
		assert.Equal(t, models.GapReasonEmpty, res.Gaps[0].Reason)
		assert.Zero(t, res.Failures)
	})

	t.Run("accepted when retry empty is off", func(t *testing.T) {
		cfg := testConfig()
		cfg.RetryEmpty = false
		w, clock := newTestWalker[models.Candle](t, empty, cfg)
		res := w.Walk(ctx, "BTC_ETH", jan1, jan3)
		assert.Empty(t, res.Gaps)
		assert.Equal(t, 2, res.Windows)
		assert.Zero(t, clock.sleepCount())
	})
}

func TestWalk_RetriesSameWindowUntilSuccess(t *testing.T) {
	ctx := context.Background()
	var starts []time.Time
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		starts = append(starts, window.Start)
		if len(starts) <= 2 {
			return nil, errors.New("connection reset by peer")
		}
		return []models.Candle{{Market: market, Period: models.Period5m, Date: window.Start}}, nil
	}

	w, clock := newTestWalker[models.Candle](t, fetch, testConfig())
	res := w.Walk(ctx, "BTC_ETH", jan1, jan2)

	require.Len(t, starts, 3)
	for _, s := range starts {
		assert.True(t, s.Equal(jan1))
	}
	assert.Equal(t, 2, res.Failures)
	assert.Equal(t, 1, res.Windows)
	assert.Empty(t, res.Gaps)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, 2, clock.sleepCount())
}

func TestWalk_SinkErrorCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	calls, inserts := 0, 0
	sink := storage.SinkFunc[models.Candle](func(ctx context.Context, records []models.Candle) error {
		inserts++
		if inserts == 1 {
			return errors.New("database is locked")
		}
		return nil
	})

	w, _ := newTestWalker(t, oneCandlePerWindow(&calls), testConfig())
	w.WithSink(sink)
	res := w.Walk(ctx, "BTC_ETH", jan1, jan2)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, inserts)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 1, res.Windows)
}

func TestWalk_NonRetryableErrorSkipsWindowAtOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	calls := 0
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		calls++
		return nil, fmt.Errorf("fetch: %w", &apperrors.ConfigurationError{Field: "exchange.api_key", Message: "required"})
	}

	classifier := apperrors.NewErrorClassifier(config.ErrorHandlingConfig{}, nil)
	w, clock := newTestWalker[models.Candle](t, fetch, testConfig())
	w.WithGapStorage(store).WithClassifier(classifier)

	res := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	assert.Equal(t, 2, calls, "one attempt per window")
	assert.Zero(t, clock.sleepCount())
	assert.Equal(t, 2, res.Failures)
	assert.True(t, res.Cursor.Equal(jan3))

	require.Len(t, res.Gaps, 2)
	for _, g := range res.Gaps {
		assert.Equal(t, models.GapReasonFailed, g.Reason)
		assert.Equal(t, 1, g.Attempts)
		assert.Contains(t, g.ErrorMessage, "exchange.api_key")
	}
	assert.Equal(t, int64(2), classifier.GetStats()[apperrors.ErrorTypeConfiguration].Count)
}

type tradeHistoryFunc func(start, end time.Time) []models.RawTrade

func (f tradeHistoryFunc) ReturnTradeHistory(ctx context.Context, market models.Market, start, end time.Time) ([]models.RawTrade, error) {
	return f(start, end), nil
}

func TestWalk_SaturatedWindowIsSplit(t *testing.T) {
	// six trades on jan1, four hours apart; the exchange returns at most four
	var rows []models.RawTrade
	for i := 0; i < 6; i++ {
		rows = append(rows, models.RawTrade{
			TradeID: int64(i + 1),
			Date:    jan1.Add(time.Duration(4*i) * time.Hour).Format(models.TradeDateLayout),
			Type:    "buy",
			Rate:    decimal.RequireFromString("0.0102"),
			Amount:  decimal.NewFromInt(1),
			Total:   decimal.RequireFromString("0.0102"),
		})
	}
	var requested []models.TimeWindow
	src := tradeHistoryFunc(func(start, end time.Time) []models.RawTrade {
		requested = append(requested, models.TimeWindow{Start: start, End: end.Add(time.Second)})
		var page []models.RawTrade
		for _, r := range rows {
			at, _ := time.Parse(models.TradeDateLayout, r.Date)
			if !at.Before(start) && !at.After(end) {
				page = append(page, r)
			}
		}
		if len(page) > 4 {
			page = page[len(page)-4:]
		}
		return page
	})

	cfg := DefaultConfig(models.KindTrades)
	cfg.RetryPolicy = testConfig().RetryPolicy
	cfg.RetryEmpty = false
	reg := metrics.NewRegistry()
	w, clock := newTestWalker(t, tradeFetcher(src, 4, nil), cfg)
	w.WithMetrics(reg)

	res := w.Walk(context.Background(), "BTC_ETH", jan1, jan3)
	require.NoError(t, res.Err)
	assert.Empty(t, res.Gaps)
	assert.Zero(t, res.Failures)
	assert.Zero(t, clock.sleepCount())
	assert.Equal(t, 6, res.Fetched)
	assert.Equal(t, 3, res.Windows)
	assert.Len(t, res.Records, 6)

	require.Len(t, requested, 4)
	assert.Equal(t, models.TimeWindow{Start: jan1, End: jan2}, requested[0])
	assert.Equal(t, models.TimeWindow{Start: jan1, End: jan1.Add(12 * time.Hour)}, requested[1])
	assert.Equal(t, models.TimeWindow{Start: jan1.Add(12 * time.Hour), End: jan2}, requested[2])
	assert.Equal(t, models.TimeWindow{Start: jan2, End: jan3}, requested[3], "full span again after the split range")

	labels := map[string]string{"kind": "trades", "market": "BTC_ETH"}
	assert.Equal(t, 1.0, reg.Value(metrics.WindowSplits, labels))
}

func TestWalk_UnsplittableSaturatedWindowRecordsTruncatedGap(t *testing.T) {
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		return []models.Candle{{Market: market, Period: models.Period5m, Date: window.Start}},
			fmt.Errorf("%w: 1 rows", ErrPageSaturated)
	}

	cfg := testConfig()
	cfg.WindowSize = time.Second
	w, clock := newTestWalker[models.Candle](t, fetch, cfg)
	res := w.Walk(context.Background(), "BTC_ETH", jan1, jan1.Add(2*time.Second))

	assert.Zero(t, clock.sleepCount())
	assert.Len(t, res.Records, 2, "records of a truncated window are kept")
	assert.Equal(t, 2, res.Windows)
	require.Len(t, res.Gaps, 2)
	assert.Equal(t, models.GapReasonTruncated, res.Gaps[0].Reason)
	assert.True(t, res.Gaps[0].Start.Equal(jan1))
	assert.True(t, res.Gaps[0].End.Equal(jan1.Add(time.Second)))
	assert.Contains(t, res.Gaps[0].ErrorMessage, "page saturated")
}

func TestWalk_IterationCap(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	calls := 0
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		calls++
		return nil, errors.New("bad gateway")
	}

	cfg := testConfig()
	cfg.MaxIterations = 3
	w, _ := newTestWalker[models.Candle](t, fetch, cfg)
	w.WithGapStorage(store)

	res := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	assert.Equal(t, 3, calls)
	assert.True(t, res.Capped)
	assert.True(t, res.Cursor.Equal(jan1))
	require.Len(t, res.Gaps, 1)
	assert.True(t, res.Gaps[0].Start.Equal(jan1))
	assert.True(t, res.Gaps[0].End.Equal(jan3))
}

func TestWalk_AccumulateMode(t *testing.T) {
	calls := 0
	w, _ := newTestWalker(t, oneCandlePerWindow(&calls), testConfig())
	res := w.Walk(context.Background(), "BTC_ETH", jan1, jan3.Add(12*time.Hour))

	require.Len(t, res.Records, 3)
	assert.True(t, res.Records[0].Date.Equal(jan1))
	assert.True(t, res.Records[2].Date.Equal(jan3))
	assert.True(t, res.Cursor.Equal(jan3.Add(12*time.Hour)))
}

func TestWalk_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		cancel()
		return nil, ctx.Err()
	}
	w, _ := newTestWalker[models.Candle](t, fetch, testConfig())
	res := w.Walk(ctx, "BTC_ETH", jan1, jan3)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Empty(t, res.Gaps)
	assert.True(t, res.Cursor.Equal(jan1))
}

func TestTail_FollowsTheMovingTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var windows []models.TimeWindow
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		windows = append(windows, window)
		return []models.Candle{{Market: market, Period: models.Period5m, Date: window.Start}}, nil
	}

	cfg := testConfig()
	w, clock := newTestWalker[models.Candle](t, fetch, cfg)
	clock.now = jan3.Add(time.Hour)
	liveSleeps := 0
	clock.onSleep = func(d time.Duration) error {
		if d == cfg.LiveInterval {
			liveSleeps++
			if liveSleeps == 2 {
				cancel()
				return ctx.Err()
			}
		}
		return nil
	}

	res, err := w.Tail(ctx, "BTC_ETH", jan1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, liveSleeps)

	require.Len(t, windows, 4)
	assert.True(t, windows[0].Start.Equal(jan1) && windows[0].End.Equal(jan2), windows[0].String())
	assert.True(t, windows[1].Start.Equal(jan2) && windows[1].End.Equal(jan3), windows[1].String())
	assert.True(t, windows[2].End.Equal(jan3.Add(time.Hour)))
	assert.True(t, windows[3].Start.Equal(jan3.Add(time.Hour)))
	assert.True(t, windows[3].End.Equal(jan3.Add(time.Hour+time.Minute)))

	assert.Len(t, res.Records, 4)
	assert.True(t, res.Cursor.Equal(jan3.Add(time.Hour+time.Minute)))
}

func TestTail_EmptyPassesAreNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		calls++
		if window.Start.Before(jan2) {
			return []models.Candle{{Market: market, Period: models.Period5m, Date: window.Start}}, nil
		}
		return nil, nil
	}

	cfg := testConfig()
	w, clock := newTestWalker[models.Candle](t, fetch, cfg)
	clock.now = jan2
	clock.onSleep = func(d time.Duration) error {
		if d == cfg.LiveInterval && clock.sleepCount() >= 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	res, err := w.Tail(ctx, "BTC_ETH", jan1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls, "one catch-up window plus one per live pass")
	assert.Empty(t, res.Gaps)
}

func TestTail_CatchUpAcceptsEmptyWindowAtNow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var windows []models.TimeWindow
	fetch := func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		windows = append(windows, window)
		if window.Start.Before(jan2) {
			return []models.Candle{{Market: market, Period: models.Period5m, Date: window.Start}}, nil
		}
		return nil, nil
	}

	cfg := testConfig()
	w, clock := newTestWalker[models.Candle](t, fetch, cfg)
	clock.now = jan2.Add(10 * time.Minute)
	clock.onSleep = func(d time.Duration) error {
		if d == cfg.LiveInterval {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	res, err := w.Tail(ctx, "BTC_ETH", jan1)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, windows, 2)
	assert.True(t, windows[1].Start.Equal(jan2))
	assert.True(t, windows[1].End.Equal(jan2.Add(10*time.Minute)))
	assert.Empty(t, res.Gaps)
	assert.Equal(t, 1, clock.sleepCount(), "only the live interval sleep")
	assert.True(t, res.Cursor.Equal(jan2.Add(10*time.Minute)))
}

func TestRetriesEmpty(t *testing.T) {
	w, _ := newTestWalker(t, oneCandlePerWindow(new(int)), testConfig())
	inner := models.TimeWindow{Start: jan1, End: jan2}
	last := models.TimeWindow{Start: jan2, End: jan3}

	assert.True(t, w.retriesEmpty(passBackfill, last, jan3))
	assert.True(t, w.retriesEmpty(passCatchUp, inner, jan3))
	assert.False(t, w.retriesEmpty(passCatchUp, last, jan3))
	assert.False(t, w.retriesEmpty(passLive, inner, jan3))

	w.cfg.RetryEmpty = false
	assert.False(t, w.retriesEmpty(passBackfill, inner, jan3))
	assert.False(t, w.retriesEmpty(passCatchUp, inner, jan3))
}

func TestAttemptKey(t *testing.T) {
	assert.Equal(t, "2017-01-01 00:00:00", attemptKey(jan1))
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "2017-01-02 00:00:00", attemptKey(jan2.In(est)))
}

func TestMaxIterations(t *testing.T) {
	w, _ := newTestWalker(t, oneCandlePerWindow(new(int)), testConfig())
	assert.Equal(t, 18, w.maxIterations(jan1, jan3))

	w.cfg.MaxIterations = 7
	assert.Equal(t, 7, w.maxIterations(jan1, jan3))
}

func TestConfig(t *testing.T) {
	cfg := ConfigFromApp(config.DefaultConfig().Sync, models.KindTrades)
	require.NoError(t, ValidateConfig(cfg))
	assert.Equal(t, models.OneDay, cfg.WindowSize)
	assert.Equal(t, 5, cfg.StallLimit)
	assert.True(t, cfg.RetryEmpty)
	assert.Equal(t, time.Minute, cfg.LiveInterval)

	bad := DefaultConfig(models.KindCandles)
	bad.StallLimit = 0
	assert.Error(t, ValidateConfig(bad))

	bad = DefaultConfig("orders")
	assert.Error(t, ValidateConfig(bad))

	_, err := NewWalker[models.Candle](nil, testConfig())
	assert.Error(t, err)
}
