// Package normalize converts exchange records into typed records with a
// market tag. Every function here is pure: it reads only its arguments and
// applying it to the Raw() form of its own output returns the same value.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// Candle converts a chart data row. The UNIX date becomes a UTC time and
// every numeric field becomes a float64.
func Candle(raw models.RawCandle, market models.Market) models.Candle {
	return models.Candle{
		Market:          market,
		Date:            time.Unix(raw.Date, 0).UTC(),
		High:            toFloat(raw.High),
		Low:             toFloat(raw.Low),
		Open:            toFloat(raw.Open),
		Close:           toFloat(raw.Close),
		Volume:          toFloat(raw.Volume),
		QuoteVolume:     toFloat(raw.QuoteVolume),
		WeightedAverage: toFloat(raw.WeightedAverage),
	}
}

// Trade converts a public trade. Trades are coerced the same way candles
// are; the date layout is fixed by the exchange and reported in UTC.
func Trade(raw models.RawTrade, market models.Market) (models.Trade, error) {
	date, err := time.ParseInLocation(models.TradeDateLayout, raw.Date, time.UTC)
	if err != nil {
		return models.Trade{}, fmt.Errorf("failed to parse trade date %q: %w", raw.Date, err)
	}
	t := models.Trade{
		Market:        market,
		TradeID:       raw.TradeID,
		GlobalTradeID: raw.GlobalTradeID,
		Date:          date,
		Type:          raw.Type,
		Rate:          toFloat(raw.Rate),
		Amount:        toFloat(raw.Amount),
		Total:         toFloat(raw.Total),
	}
	if err := t.Validate(); err != nil {
		return models.Trade{}, fmt.Errorf("invalid trade at %s: %w", raw.Date, err)
	}
	return t, nil
}

// Ticker converts one market's ticker entry and stamps it with the poll time,
// truncated to the second.
func Ticker(raw models.RawTicker, market models.Market, at time.Time) models.Ticker {
	return models.Ticker{
		Market:        market,
		PolledAt:      at.UTC().Truncate(time.Second),
		Last:          toFloat(raw.Last),
		LowestAsk:     toFloat(raw.LowestAsk),
		HighestBid:    toFloat(raw.HighestBid),
		PercentChange: toFloat(raw.PercentChange),
		BaseVolume:    toFloat(raw.BaseVolume),
		QuoteVolume:   toFloat(raw.QuoteVolume),
	}
}

// Trades normalizes a batch, skipping rows whose date cannot be parsed. The
// returned error joins every skipped row's error and is nil when none were
// skipped.
func Trades(raws []models.RawTrade, market models.Market) ([]models.Trade, error) {
	out := make([]models.Trade, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		t, err := Trade(raw, market)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, t)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("skipped %d of %d trades: %w", len(errs), len(raws), errors.Join(errs...))
	}
	return out, nil
}

// Candles normalizes a batch, dropping the placeholder row the exchange
// returns for ranges without data.
func Candles(raws []models.RawCandle, market models.Market, period models.Period) []models.Candle {
	out := make([]models.Candle, 0, len(raws))
	for _, raw := range raws {
		if raw.IsPlaceholder() {
			continue
		}
		c := Candle(raw, market)
		c.Period = period
		out = append(out, c)
	}
	return out
}

// Tickers normalizes a full ticker snapshot taken at the given time.
func Tickers(raws map[models.Market]models.RawTicker, at time.Time) []models.Ticker {
	out := make([]models.Ticker, 0, len(raws))
	for market, raw := range raws {
		out = append(out, Ticker(raw, market, at))
	}
	models.SortByTime(out)
	return out
}

// toFloat returns the float64 nearest to d, matching strconv.ParseFloat on
// the decimal's string form.
func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
