package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// RawCandle is a candlestick as returned by returnChartData. Numeric fields
// arrive either as JSON numbers or as quoted strings; decimal.Decimal accepts
// both without losing precision.
type RawCandle struct {
	Date            int64           `json:"date"`
	High            decimal.Decimal `json:"high"`
	Low             decimal.Decimal `json:"low"`
	Open            decimal.Decimal `json:"open"`
	Close           decimal.Decimal `json:"close"`
	Volume          decimal.Decimal `json:"volume"`
	QuoteVolume     decimal.Decimal `json:"quoteVolume"`
	WeightedAverage decimal.Decimal `json:"weightedAverage"`
}

// IsPlaceholder reports whether the candle is the all-zero row the exchange
// returns when a range holds no data.
func (r RawCandle) IsPlaceholder() bool {
	return r.Date == 0
}

// Candle is a normalized OHLCV candle for one market and period.
type Candle struct {
	Market          Market    `json:"market" db:"market"`
	Period          Period    `json:"period" db:"period"`
	Date            time.Time `json:"date" db:"date"`
	High            float64   `json:"high" db:"high"`
	Low             float64   `json:"low" db:"low"`
	Open            float64   `json:"open" db:"open"`
	Close           float64   `json:"close" db:"close"`
	Volume          float64   `json:"volume" db:"volume"`
	QuoteVolume     float64   `json:"quoteVolume" db:"quote_volume"`
	WeightedAverage float64   `json:"weightedAverage" db:"weighted_average"`
}

func (c Candle) MarketKey() Market    { return c.Market }
func (c Candle) Timestamp() time.Time { return c.Date }

// Key is market, period and candle open time.
func (c Candle) Key() string {
	return string(c.Market) + "|" + strconv.Itoa(int(c.Period)) + "|" + strconv.FormatInt(c.Date.Unix(), 10)
}

// Raw converts the candle back into the exchange shape. Normalizing the
// result yields the same candle.
func (c Candle) Raw() RawCandle {
	return RawCandle{
		Date:            c.Date.Unix(),
		High:            decimal.NewFromFloat(c.High),
		Low:             decimal.NewFromFloat(c.Low),
		Open:            decimal.NewFromFloat(c.Open),
		Close:           decimal.NewFromFloat(c.Close),
		Volume:          decimal.NewFromFloat(c.Volume),
		QuoteVolume:     decimal.NewFromFloat(c.QuoteVolume),
		WeightedAverage: decimal.NewFromFloat(c.WeightedAverage),
	}
}

// Validate checks that the candle is internally consistent: a market and
// date are present, prices and volumes are non-negative, and high/low bound
// open and close.
func (c Candle) Validate() error {
	if err := c.Market.Validate(); err != nil {
		return err
	}
	if c.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "date cannot be zero"}
	}

	for name, v := range map[string]float64{
		"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close,
		"volume": c.Volume, "quoteVolume": c.QuoteVolume, "weightedAverage": c.WeightedAverage,
	} {
		if v < 0 {
			return &ValidationError{Field: name, Message: fmt.Sprintf("%s cannot be negative, got %v", name, v)}
		}
	}

	if c.High < c.Low {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("high %v is below low %v", c.High, c.Low)}
	}
	if c.High < max(c.Open, c.Close) {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("high %v must be >= max(open, close)", c.High)}
	}
	if c.Low > min(c.Open, c.Close) {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("low %v must be <= min(open, close)", c.Low)}
	}
	return nil
}
