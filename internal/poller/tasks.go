package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/logger"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
	"github.com/johnayoung/go-poloniex-sync/internal/normalize"
	"github.com/johnayoung/go-poloniex-sync/internal/signal"
	"github.com/johnayoung/go-poloniex-sync/internal/storage"
)

// TickerSource returns the exchange-wide ticker snapshot.
type TickerSource interface {
	ReturnTicker(ctx context.Context) (map[models.Market]models.RawTicker, error)
}

// TickerCache keeps the latest ticker per market.
type TickerCache interface {
	SetLatest(ctx context.Context, tickers []models.Ticker) error
}

// ChartSource returns candles for one market.
type ChartSource interface {
	ReturnChartData(ctx context.Context, market models.Market, start, end time.Time, period models.Period) ([]models.RawCandle, error)
}

type tickerSnapshot struct {
	raws map[models.Market]models.RawTicker
	at   time.Time
}

// TickerTask polls the ticker, stamps every entry with the poll time and
// persists the snapshot. When cache is non-nil the snapshot is also written
// there after the sink accepts it.
func TickerTask(src TickerSource, sink storage.Sink[models.Ticker], cache TickerCache, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return Cycle[tickerSnapshot, models.Ticker]{
		Fetch: func(ctx context.Context) (tickerSnapshot, error) {
			at := now()
			raws, err := src.ReturnTicker(ctx)
			if err != nil {
				return tickerSnapshot{}, err
			}
			return tickerSnapshot{raws: raws, at: at}, nil
		},
		Normalize: func(s tickerSnapshot) ([]models.Ticker, error) {
			return normalize.Tickers(s.raws, s.at), nil
		},
		Persist: func(ctx context.Context, tickers []models.Ticker) error {
			if err := sink.InsertMany(ctx, tickers); err != nil {
				return err
			}
			if cache != nil {
				if err := cache.SetLatest(ctx, tickers); err != nil {
					return fmt.Errorf("cache: %w", err)
				}
			}
			return nil
		},
	}
}

// SignalConfig configures a SignalTask.
type SignalConfig struct {
	Markets  []models.Market
	Period   models.Period
	Lookback time.Duration
}

// SignalTask fetches the recent candles of each market, persists them and
// computes a volume signal per market.
type SignalTask struct {
	Cycle[map[models.Market][]models.RawCandle, models.Candle]

	cfg     SignalConfig
	src     ChartSource
	sink    storage.Sink[models.Candle]
	labeler *signal.Labeler
	now     func() time.Time
	logger  *logger.ComponentLogger

	mu        sync.RWMutex
	decisions map[models.Market]signal.Decision
}

// NewSignalTask creates a SignalTask. A nil labeler uses the default
// thresholds.
func NewSignalTask(cfg SignalConfig, src ChartSource, sink storage.Sink[models.Candle], labeler *signal.Labeler, now func() time.Time, log *slog.Logger) *SignalTask {
	if labeler == nil {
		labeler = &signal.Labeler{BuyThreshold: signal.DefaultBuyThreshold, SellThreshold: signal.DefaultSellThreshold}
	}
	if now == nil {
		now = time.Now
	}
	if cfg.Period == 0 {
		cfg.Period = models.Period5m
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = time.Hour
	}
	t := &SignalTask{
		cfg:       cfg,
		src:       src,
		sink:      sink,
		labeler:   labeler,
		now:       now,
		logger:    logger.NewComponentLogger(log, "signal"),
		decisions: make(map[models.Market]signal.Decision),
	}
	t.Cycle = Cycle[map[models.Market][]models.RawCandle, models.Candle]{
		Fetch:     t.fetch,
		Normalize: t.normalize,
		Persist:   t.persist,
	}
	return t
}

// Decisions returns the latest decision per market.
func (t *SignalTask) Decisions() map[models.Market]signal.Decision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[models.Market]signal.Decision, len(t.decisions))
	for k, v := range t.decisions {
		out[k] = v
	}
	return out
}

// fetch skips markets that fail, and fails only when every market did.
func (t *SignalTask) fetch(ctx context.Context) (map[models.Market][]models.RawCandle, error) {
	end := t.now().UTC()
	start := end.Add(-t.cfg.Lookback)

	out := make(map[models.Market][]models.RawCandle, len(t.cfg.Markets))
	var errs []error
	for _, market := range t.cfg.Markets {
		raws, err := t.src.ReturnChartData(ctx, market, start, end, t.cfg.Period)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			t.logger.WarnWithContext(ctx, "failed to fetch candles", "market", market, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", market, err))
			continue
		}
		out[market] = raws
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (t *SignalTask) normalize(raws map[models.Market][]models.RawCandle) ([]models.Candle, error) {
	var out []models.Candle
	for _, market := range t.cfg.Markets {
		rows, ok := raws[market]
		if !ok {
			continue
		}
		out = append(out, normalize.Candles(rows, market, t.cfg.Period)...)
	}
	return out, nil
}

func (t *SignalTask) persist(ctx context.Context, candles []models.Candle) error {
	if len(candles) > 0 {
		if err := t.sink.InsertMany(ctx, candles); err != nil {
			return err
		}
	}

	byMarket := make(map[models.Market][]models.Candle)
	for _, c := range candles {
		byMarket[c.Market] = append(byMarket[c.Market], c)
	}

	at := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, market := range t.cfg.Markets {
		action, counts := t.labeler.Decide(byMarket[market])
		t.decisions[market] = signal.Decision{Market: market, Action: action, Counts: counts, At: at}
		t.logger.InfoWithContext(ctx, "signal",
			"market", market,
			"action", action,
			"buy", counts.Buy,
			"sell", counts.Sell,
			"wait", counts.Wait)
	}
	return nil
}
