package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/logger"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
	"github.com/johnayoung/go-poloniex-sync/internal/normalize"
)

// TradeHistoryLimit is the most rows a ranged returnTradeHistory call
// returns. A page this full may be missing the oldest trades of its window.
const TradeHistoryLimit = 50000

// ErrPageSaturated is returned, together with the records, by a fetcher
// whose page hit the exchange row cap. The walker narrows the window and
// asks again.
var ErrPageSaturated = errors.New("page saturated")

// Fetcher returns the normalized records of one market inside window.
type Fetcher[T models.Record] func(ctx context.Context, market models.Market, window models.TimeWindow) ([]T, error)

// TradeHistorySource is the part of the exchange client trade sync needs.
type TradeHistorySource interface {
	ReturnTradeHistory(ctx context.Context, market models.Market, start, end time.Time) ([]models.RawTrade, error)
}

// ChartDataSource is the part of the exchange client candle sync needs.
type ChartDataSource interface {
	ReturnChartData(ctx context.Context, market models.Market, start, end time.Time, period models.Period) ([]models.RawCandle, error)
}

// MarketLister resolves the full market set.
type MarketLister interface {
	ListAllMarkets(ctx context.Context) ([]models.Market, error)
}

// TradeFetcher pages public trade history. Rows with unparseable dates are
// logged and dropped; the rest of the window is kept. A page of
// TradeHistoryLimit rows comes back with ErrPageSaturated.
func TradeFetcher(src TradeHistorySource, log *slog.Logger) Fetcher[models.Trade] {
	return tradeFetcher(src, TradeHistoryLimit, log)
}

func tradeFetcher(src TradeHistorySource, limit int, log *slog.Logger) Fetcher[models.Trade] {
	if log == nil {
		log = logger.Discard()
	}
	return func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Trade, error) {
		raws, err := src.ReturnTradeHistory(ctx, market, window.Start, window.InclusiveEnd())
		if err != nil {
			return nil, err
		}
		trades, err := normalize.Trades(raws, market)
		if err != nil {
			log.Warn("dropped malformed trades",
				"market", market,
				"window", window.String(),
				"error", err)
		}
		if len(raws) >= limit {
			return trades, fmt.Errorf("%w: %d rows in %s", ErrPageSaturated, len(raws), window)
		}
		return trades, nil
	}
}

// CandleFetcher pages chart data at period. The placeholder row returned
// for empty ranges is dropped, so such windows come back empty.
func CandleFetcher(src ChartDataSource, period models.Period) Fetcher[models.Candle] {
	return func(ctx context.Context, market models.Market, window models.TimeWindow) ([]models.Candle, error) {
		raws, err := src.ReturnChartData(ctx, market, window.Start, window.InclusiveEnd(), period)
		if err != nil {
			return nil, err
		}
		return normalize.Candles(raws, market, period), nil
	}
}
