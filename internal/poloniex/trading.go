package poloniex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// OrderResult is the response to buy and sell.
type OrderResult struct {
	OrderNumber     json.Number       `json:"orderNumber"`
	ResultingTrades []json.RawMessage `json:"resultingTrades"`
}

// OpenOrder is one entry of returnOpenOrders.
type OpenOrder struct {
	OrderNumber json.Number     `json:"orderNumber"`
	Type        string          `json:"type"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total"`
}

// ReturnBalances fetches available balances keyed by currency.
func (c *Client) ReturnBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := c.Trading(ctx, CmdReturnBalances, Params{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balances: %w", err)
	}
	var balances map[string]decimal.Decimal
	if err := decode(string(CmdReturnBalances), body, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// Buy places a limit buy order.
func (c *Client) Buy(ctx context.Context, market models.Market, rate, amount float64) (*OrderResult, error) {
	return c.placeOrder(ctx, CmdBuy, market, rate, amount)
}

// Sell places a limit sell order.
func (c *Client) Sell(ctx context.Context, market models.Market, rate, amount float64) (*OrderResult, error) {
	return c.placeOrder(ctx, CmdSell, market, rate, amount)
}

func (c *Client) placeOrder(ctx context.Context, cmd TradingCommand, market models.Market, rate, amount float64) (*OrderResult, error) {
	if err := market.Validate(); err != nil {
		return nil, err
	}
	params := Params{}.
		Set(ParamCurrencyPair, string(market)).
		SetFloat(ParamRate, rate).
		SetFloat(ParamAmount, amount)

	body, err := c.Trading(ctx, cmd, params)
	if err != nil {
		return nil, fmt.Errorf("failed to place %s order on %s: %w", cmd, market, err)
	}
	var result OrderResult
	if err := decode(string(cmd), body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOrder cancels an open order and reports whether the exchange
// confirmed it.
func (c *Client) CancelOrder(ctx context.Context, orderNumber string) (bool, error) {
	body, err := c.Trading(ctx, CmdCancelOrder, Params{}.Set(ParamOrderNumber, orderNumber))
	if err != nil {
		return false, fmt.Errorf("failed to cancel order %s: %w", orderNumber, err)
	}
	var result struct {
		Success int `json:"success"`
	}
	if err := decode(string(CmdCancelOrder), body, &result); err != nil {
		return false, err
	}
	return result.Success == 1, nil
}

// ReturnOpenOrders fetches the open orders on market.
func (c *Client) ReturnOpenOrders(ctx context.Context, market models.Market) ([]OpenOrder, error) {
	body, err := c.Trading(ctx, CmdReturnOpenOrders, Params{}.Set(ParamCurrencyPair, string(market)))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders for %s: %w", market, err)
	}
	var orders []OpenOrder
	if err := decode(string(CmdReturnOpenOrders), body, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}
