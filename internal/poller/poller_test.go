package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	apperrors "github.com/johnayoung/go-poloniex-sync/internal/errors"
	"github.com/johnayoung/go-poloniex-sync/internal/metrics"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
	"github.com/johnayoung/go-poloniex-sync/internal/signal"
	"github.com/johnayoung/go-poloniex-sync/internal/storage"
)

var pollTime = time.Date(2017, 6, 1, 12, 0, 0, 500_000_000, time.UTC)

func fixedNow() time.Time { return pollTime }

// countingTask records how often it ran and can be told to fail.
type countingTask struct {
	runs atomic.Int32
	err  error
}

func (c *countingTask) RunCycle(ctx context.Context, setState func(State)) (int, error) {
	c.runs.Add(1)
	setState(StateFetching)
	return 1, c.err
}

type fakeTickerSource struct {
	tickers map[models.Market]models.RawTicker
	err     error
}

func (f *fakeTickerSource) ReturnTicker(ctx context.Context) (map[models.Market]models.RawTicker, error) {
	return f.tickers, f.err
}

type fakeCache struct {
	mu     sync.Mutex
	latest []models.Ticker
	err    error
}

func (f *fakeCache) SetLatest(ctx context.Context, tickers []models.Ticker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.latest = tickers
	return nil
}

type fakeChartSource struct {
	candles map[models.Market][]models.RawCandle
	errs    map[models.Market]error
	calls   []time.Time
}

func (f *fakeChartSource) ReturnChartData(ctx context.Context, market models.Market, start, end time.Time, period models.Period) ([]models.RawCandle, error) {
	f.calls = append(f.calls, start, end)
	if err := f.errs[market]; err != nil {
		return nil, err
	}
	return f.candles[market], nil
}

func rawCandle(date time.Time, volume float64) models.RawCandle {
	one := decimal.NewFromInt(1)
	return models.RawCandle{
		Date: date.Unix(), High: one, Low: one, Open: one, Close: one,
		Volume: decimal.NewFromFloat(volume), QuoteVolume: one, WeightedAverage: one,
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "normalizing", StateNormalizing.String())
	assert.Equal(t, "persisting", StatePersisting.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestCycle_StepsInOrder(t *testing.T) {
	var states []State
	cycle := Cycle[[]int, string]{
		Fetch: func(ctx context.Context) ([]int, error) { return []int{1, 2, 3}, nil },
		Normalize: func(raw []int) ([]string, error) {
			return []string{"a", "b", "c"}[:len(raw)], nil
		},
		Persist: func(ctx context.Context, records []string) error { return nil },
	}

	n, err := cycle.RunCycle(context.Background(), func(s State) { states = append(states, s) })
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []State{StateFetching, StateNormalizing, StatePersisting}, states)
}

func TestCycle_StopsAtFailingStep(t *testing.T) {
	boom := errors.New("boom")
	persisted := false
	var states []State
	cycle := Cycle[int, int]{
		Fetch:     func(ctx context.Context) (int, error) { return 0, boom },
		Normalize: func(raw int) ([]int, error) { return []int{raw}, nil },
		Persist: func(ctx context.Context, records []int) error {
			persisted = true
			return nil
		},
	}

	_, err := cycle.RunCycle(context.Background(), func(s State) { states = append(states, s) })
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fetch")
	assert.False(t, persisted)
	assert.Equal(t, []State{StateFetching}, states)
}

func TestPoller_RunOnceResetsState(t *testing.T) {
	registry := metrics.NewRegistry()
	task := &countingTask{}
	p := New(Config{Name: "test", Interval: time.Hour}, task, nil, registry)

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, float64(StateIdle), registry.Value(metrics.PollerState, map[string]string{"poller": "test"}))
}

func TestPoller_StartStop(t *testing.T) {
	registry := metrics.NewRegistry()
	task := &countingTask{}
	p := New(Config{Name: "ticker", Interval: 10 * time.Millisecond, RunImmediately: true}, task, nil, registry)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	assert.ErrorIs(t, p.Start(ctx), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return task.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))

	runs := task.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, task.runs.Load(), "no cycles after Stop")
	assert.GreaterOrEqual(t, registry.Total(metrics.PollCycles), float64(3))
	assert.Zero(t, registry.Total(metrics.PollFailures))

	require.Eventually(t, func() bool { return p.Start(ctx) == nil }, time.Second, 5*time.Millisecond, "poller restarts after Stop")
	require.NoError(t, p.Stop(stopCtx))
}

func TestPoller_FailedCycleIsCounted(t *testing.T) {
	registry := metrics.NewRegistry()
	task := &countingTask{err: errors.New("exchange down")}
	p := New(Config{Name: "ticker", Interval: time.Hour}, task, nil, registry)

	p.poll(context.Background())
	p.poll(context.Background())

	labels := map[string]string{"poller": "ticker"}
	assert.Equal(t, float64(2), registry.Value(metrics.PollCycles, labels))
	assert.Equal(t, float64(2), registry.Value(metrics.PollFailures, labels))
}

func TestPoller_FailedCycleIsClassified(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	classifier := apperrors.NewErrorClassifier(config.ErrorHandlingConfig{}, nil)

	task := &countingTask{err: fmt.Errorf("fetch: %w", &apperrors.CommunicationError{Command: "returnTicker", Method: "GET", StatusCode: 502})}
	p := New(Config{Name: "ticker", Interval: time.Hour}, task, log, nil).WithClassifier(classifier)
	p.poll(context.Background())

	task.err = &apperrors.ConfigurationError{Field: "storage.type", Message: "unsupported"}
	p.poll(context.Background())

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		if m["msg"] == "poll cycle failed" {
			lines = append(lines, m)
		}
	}
	require.Len(t, lines, 2)

	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "server_error", lines[0]["error_type"])
	assert.Equal(t, "ticker", lines[0]["poller"])
	assert.Equal(t, "poll", lines[0]["operation"])

	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "configuration", lines[1]["error_type"])

	stats := classifier.GetStats()
	assert.Equal(t, int64(1), stats[apperrors.ErrorTypeServerError].Count)
	assert.Equal(t, int64(1), stats[apperrors.ErrorTypeConfiguration].Count)
}

func TestPoller_RunReturnsOnCancel(t *testing.T) {
	task := &countingTask{}
	p := New(Config{Interval: time.Hour}, task, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Run(ctx))
	assert.Zero(t, task.runs.Load())
}

func TestTickerTask(t *testing.T) {
	src := &fakeTickerSource{tickers: map[models.Market]models.RawTicker{
		"BTC_ETH": {Last: decimal.RequireFromString("0.0251"), BaseVolume: decimal.NewFromInt(120)},
		"BTC_XMR": {Last: decimal.RequireFromString("0.0131"), BaseVolume: decimal.NewFromInt(45)},
	}}
	store := storage.NewMemoryStorage()
	cache := &fakeCache{}
	task := TickerTask(src, storage.Tickers(store), cache, fixedNow)

	n, err := task.RunCycle(context.Background(), func(State) {})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := store.FindTickers(context.Background(), storage.Filter{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, tk := range stored {
		assert.True(t, tk.PolledAt.Equal(pollTime.Truncate(time.Second)), "every ticker carries the poll time")
	}
	assert.Len(t, cache.latest, 2)
}

func TestTickerTask_Failures(t *testing.T) {
	t.Run("fetch error skips persist", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		task := TickerTask(&fakeTickerSource{err: errors.New("timeout")}, storage.Tickers(store), nil, fixedNow)

		_, err := task.RunCycle(context.Background(), func(State) {})
		require.Error(t, err)
		stored, _ := store.FindTickers(context.Background(), storage.Filter{})
		assert.Empty(t, stored)
	})

	t.Run("cache error fails the cycle after persisting", func(t *testing.T) {
		src := &fakeTickerSource{tickers: map[models.Market]models.RawTicker{"BTC_ETH": {}}}
		store := storage.NewMemoryStorage()
		task := TickerTask(src, storage.Tickers(store), &fakeCache{err: errors.New("redis gone")}, fixedNow)

		_, err := task.RunCycle(context.Background(), func(State) {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache")
		stored, _ := store.FindTickers(context.Background(), storage.Filter{})
		assert.Len(t, stored, 1)
	})
}

func TestSignalTask(t *testing.T) {
	base := pollTime.Add(-time.Hour).Truncate(5 * time.Minute)
	src := &fakeChartSource{
		candles: map[models.Market][]models.RawCandle{
			"BTC_ETH": {
				rawCandle(base, 10),
				rawCandle(base.Add(5*time.Minute), 20),
				rawCandle(base.Add(10*time.Minute), 40),
			},
		},
		errs: map[models.Market]error{"BTC_XMR": errors.New("bad gateway")},
	}
	store := storage.NewMemoryStorage()
	task := NewSignalTask(SignalConfig{
		Markets:  []models.Market{"BTC_ETH", "BTC_XMR"},
		Period:   models.Period5m,
		Lookback: time.Hour,
	}, src, storage.Candles(store), nil, fixedNow, nil)

	n, err := task.RunCycle(context.Background(), func(State) {})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.GreaterOrEqual(t, len(src.calls), 2)
	assert.True(t, src.calls[0].Equal(pollTime.Add(-time.Hour)))
	assert.True(t, src.calls[1].Equal(pollTime))

	decisions := task.Decisions()
	assert.Equal(t, signal.ActionBuy, decisions["BTC_ETH"].Action)
	assert.Equal(t, 2, decisions["BTC_ETH"].Counts.Buy)
	assert.Equal(t, signal.ActionWait, decisions["BTC_XMR"].Action)

	stored, err := store.FindCandles(context.Background(), storage.Filter{Market: "BTC_ETH"})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestSignalTask_AllMarketsFail(t *testing.T) {
	src := &fakeChartSource{errs: map[models.Market]error{"BTC_ETH": errors.New("down")}}
	task := NewSignalTask(SignalConfig{Markets: []models.Market{"BTC_ETH"}}, src,
		storage.Candles(storage.NewMemoryStorage()), nil, fixedNow, nil)

	_, err := task.RunCycle(context.Background(), func(State) {})
	require.Error(t, err)
	assert.Empty(t, task.Decisions())
}
