package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// TradeDateLayout is the layout of trade dates returned by returnTradeHistory.
// The exchange reports them in UTC.
const TradeDateLayout = "2006-01-02 15:04:05"

// RawTrade is a public trade as returned by returnTradeHistory.
type RawTrade struct {
	GlobalTradeID int64           `json:"globalTradeID"`
	TradeID       int64           `json:"tradeID"`
	Date          string          `json:"date"`
	Type          string          `json:"type"`
	Rate          decimal.Decimal `json:"rate"`
	Amount        decimal.Decimal `json:"amount"`
	Total         decimal.Decimal `json:"total"`
}

// Trade is a normalized public trade.
type Trade struct {
	Market        Market    `json:"market" db:"market"`
	TradeID       int64     `json:"tradeID" db:"trade_id"`
	GlobalTradeID int64     `json:"globalTradeID" db:"global_trade_id"`
	Date          time.Time `json:"date" db:"date"`
	Type          string    `json:"type" db:"type"`
	Rate          float64   `json:"rate" db:"rate"`
	Amount        float64   `json:"amount" db:"amount"`
	Total         float64   `json:"total" db:"total"`
}

func (t Trade) MarketKey() Market    { return t.Market }
func (t Trade) Timestamp() time.Time { return t.Date }

// Key is market plus the exchange trade id, the same key every sink
// deduplicates on.
func (t Trade) Key() string {
	return string(t.Market) + "|" + strconv.FormatInt(t.TradeID, 10)
}

// Validate checks the fields the trade key and range queries depend on.
func (t Trade) Validate() error {
	if err := t.Market.Validate(); err != nil {
		return err
	}
	if t.TradeID <= 0 {
		return &ValidationError{Field: "tradeID", Message: fmt.Sprintf("trade id must be positive, got %d", t.TradeID)}
	}
	if t.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "date cannot be zero"}
	}
	return nil
}

// Raw converts the trade back into the exchange shape.
func (t Trade) Raw() RawTrade {
	return RawTrade{
		GlobalTradeID: t.GlobalTradeID,
		TradeID:       t.TradeID,
		Date:          t.Date.UTC().Format(TradeDateLayout),
		Type:          t.Type,
		Rate:          decimal.NewFromFloat(t.Rate),
		Amount:        decimal.NewFromFloat(t.Amount),
		Total:         decimal.NewFromFloat(t.Total),
	}
}
