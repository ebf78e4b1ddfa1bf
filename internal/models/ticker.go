package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawTicker is one market's entry in the returnTicker snapshot.
type RawTicker struct {
	Last          decimal.Decimal `json:"last"`
	LowestAsk     decimal.Decimal `json:"lowestAsk"`
	HighestBid    decimal.Decimal `json:"highestBid"`
	PercentChange decimal.Decimal `json:"percentChange"`
	BaseVolume    decimal.Decimal `json:"baseVolume"`
	QuoteVolume   decimal.Decimal `json:"quoteVolume"`
}

// Ticker is a normalized snapshot of a market at poll time.
type Ticker struct {
	Market        Market    `json:"market" db:"market"`
	PolledAt      time.Time `json:"time" db:"polled_at"`
	Last          float64   `json:"last" db:"last"`
	LowestAsk     float64   `json:"lowestAsk" db:"lowest_ask"`
	HighestBid    float64   `json:"highestBid" db:"highest_bid"`
	PercentChange float64   `json:"percentChange" db:"percent_change"`
	BaseVolume    float64   `json:"baseVolume" db:"base_volume"`
	QuoteVolume   float64   `json:"quoteVolume" db:"quote_volume"`
}

func (t Ticker) MarketKey() Market    { return t.Market }
func (t Ticker) Timestamp() time.Time { return t.PolledAt }

func (t Ticker) Key() string {
	return string(t.Market) + "|" + t.PolledAt.UTC().Format(time.RFC3339)
}

// Raw converts the ticker back into the exchange shape. The poll time is not
// part of the exchange payload.
func (t Ticker) Raw() RawTicker {
	return RawTicker{
		Last:          decimal.NewFromFloat(t.Last),
		LowestAsk:     decimal.NewFromFloat(t.LowestAsk),
		HighestBid:    decimal.NewFromFloat(t.HighestBid),
		PercentChange: decimal.NewFromFloat(t.PercentChange),
		BaseVolume:    decimal.NewFromFloat(t.BaseVolume),
		QuoteVolume:   decimal.NewFromFloat(t.QuoteVolume),
	}
}
