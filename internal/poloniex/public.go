package poloniex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// OrderBookLevel is one [price, amount] entry of an order book side.
type OrderBookLevel [2]decimal.Decimal

func (l OrderBookLevel) Price() decimal.Decimal  { return l[0] }
func (l OrderBookLevel) Amount() decimal.Decimal { return l[1] }

// OrderBook is the returnOrderBook response for a single market.
type OrderBook struct {
	Asks     []OrderBookLevel `json:"asks"`
	Bids     []OrderBookLevel `json:"bids"`
	IsFrozen string           `json:"isFrozen"`
	Seq      int64            `json:"seq"`
}

// Currency is one entry of the returnCurrencies response.
type Currency struct {
	ID             int             `json:"id"`
	Name           string          `json:"name"`
	TxFee          decimal.Decimal `json:"txFee"`
	MinConf        int             `json:"minConf"`
	DepositAddress *string         `json:"depositAddress"`
	Disabled       int             `json:"disabled"`
	Delisted       int             `json:"delisted"`
	Frozen         int             `json:"frozen"`
}

// LoanOrder is one offer or demand in the lending book.
type LoanOrder struct {
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
	RangeMin int             `json:"rangeMin"`
	RangeMax int             `json:"rangeMax"`
}

// LoanOrders is the returnLoanOrders response.
type LoanOrders struct {
	Offers  []LoanOrder `json:"offers"`
	Demands []LoanOrder `json:"demands"`
}

// ReturnTicker fetches the ticker snapshot for every market.
func (c *Client) ReturnTicker(ctx context.Context) (map[models.Market]models.RawTicker, error) {
	body, err := c.Public(ctx, CmdReturnTicker, Params{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticker: %w", err)
	}
	var tickers map[models.Market]models.RawTicker
	if err := decode(string(CmdReturnTicker), body, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

// Return24hVolume fetches the 24h volume summary. Market entries are objects
// keyed by currency; the totalXXX entries are plain strings.
func (c *Client) Return24hVolume(ctx context.Context) (map[string]json.RawMessage, error) {
	body, err := c.Public(ctx, CmdReturn24hVolume, Params{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch 24h volume: %w", err)
	}
	var volume map[string]json.RawMessage
	if err := decode(string(CmdReturn24hVolume), body, &volume); err != nil {
		return nil, err
	}
	return volume, nil
}

// ListAllMarkets returns every market known to the exchange, derived from
// the 24h volume summary and sorted by name. Results are cached for a few
// minutes.
func (c *Client) ListAllMarkets(ctx context.Context) ([]models.Market, error) {
	c.marketMu.RLock()
	if len(c.marketCache) > 0 && c.now().Sub(c.marketCacheTime) < marketCacheTTL {
		markets := append([]models.Market(nil), c.marketCache...)
		c.marketMu.RUnlock()
		return markets, nil
	}
	c.marketMu.RUnlock()

	volume, err := c.Return24hVolume(ctx)
	if err != nil {
		return nil, err
	}

	markets := make([]models.Market, 0, len(volume))
	for key, value := range volume {
		trimmed := bytes.TrimSpace(value)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		markets = append(markets, models.Market(key))
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })

	c.marketMu.Lock()
	c.marketCache = markets
	c.marketCacheTime = c.now()
	c.marketMu.Unlock()

	c.logger.Debug("listed markets", "count", len(markets))
	return append([]models.Market(nil), markets...), nil
}

// ListMarketsWithBase returns the markets quoted in base (e.g. "BTC"),
// derived from the ticker and sorted by name.
func (c *Client) ListMarketsWithBase(ctx context.Context, base string) ([]models.Market, error) {
	tickers, err := c.ReturnTicker(ctx)
	if err != nil {
		return nil, err
	}
	base = strings.ToUpper(base)
	var markets []models.Market
	for m := range tickers {
		if m.Base() == base {
			markets = append(markets, m)
		}
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i] < markets[j] })
	return markets, nil
}

// ReturnTradeHistory fetches public trades for market between start and end,
// both inclusive, in UNIX seconds.
func (c *Client) ReturnTradeHistory(ctx context.Context, market models.Market, start, end time.Time) ([]models.RawTrade, error) {
	params := Params{}.
		Set(ParamCurrencyPair, string(market)).
		SetTime(ParamStart, start).
		SetTime(ParamEnd, end)

	body, err := c.Public(ctx, CmdReturnTradeHistory, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trade history for %s: %w", market, err)
	}
	var trades []models.RawTrade
	if err := decode(string(CmdReturnTradeHistory), body, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// ReturnChartData fetches candles for market between start and end at the
// given period. An empty range yields a single placeholder row with date 0,
// which the normalizer drops.
func (c *Client) ReturnChartData(ctx context.Context, market models.Market, start, end time.Time, period models.Period) ([]models.RawCandle, error) {
	if !period.IsValid() {
		return nil, &models.ValidationError{Field: "period", Message: fmt.Sprintf("unsupported period %d", int(period))}
	}
	params := Params{}.
		Set(ParamCurrencyPair, string(market)).
		SetTime(ParamStart, start).
		SetTime(ParamEnd, end).
		SetInt(ParamPeriod, int64(period))

	body, err := c.Public(ctx, CmdReturnChartData, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chart data for %s: %w", market, err)
	}
	var candles []models.RawCandle
	if err := decode(string(CmdReturnChartData), body, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// ReturnOrderBook fetches the order book of market up to depth levels.
func (c *Client) ReturnOrderBook(ctx context.Context, market models.Market, depth int) (*OrderBook, error) {
	params := Params{}.Set(ParamCurrencyPair, string(market))
	if depth > 0 {
		params.SetInt(ParamDepth, int64(depth))
	}
	body, err := c.Public(ctx, CmdReturnOrderBook, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order book for %s: %w", market, err)
	}
	var book OrderBook
	if err := decode(string(CmdReturnOrderBook), body, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

// ReturnCurrencies fetches the currency list keyed by symbol.
func (c *Client) ReturnCurrencies(ctx context.Context) (map[string]Currency, error) {
	body, err := c.Public(ctx, CmdReturnCurrencies, Params{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch currencies: %w", err)
	}
	var currencies map[string]Currency
	if err := decode(string(CmdReturnCurrencies), body, &currencies); err != nil {
		return nil, err
	}
	return currencies, nil
}

// ReturnLoanOrders fetches the lending book for currency.
func (c *Client) ReturnLoanOrders(ctx context.Context, currency string) (*LoanOrders, error) {
	body, err := c.Public(ctx, CmdReturnLoanOrders, Params{}.Set(ParamCurrency, strings.ToUpper(currency)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch loan orders for %s: %w", currency, err)
	}
	var orders LoanOrders
	if err := decode(string(CmdReturnLoanOrders), body, &orders); err != nil {
		return nil, err
	}
	return &orders, nil
}

// HealthCheck performs a lightweight public call.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.Public(ctx, CmdReturnCurrencies, Params{}); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
