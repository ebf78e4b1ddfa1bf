// Package signal labels consecutive candles by their volume change and
// reduces a run of labels to a single buy, sell or wait decision.
package signal

import (
	"sort"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// Action is a trading suggestion.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionWait Action = "wait"
)

const (
	// DefaultBuyThreshold is the relative volume increase above which a
	// pair of candles is labelled buy.
	DefaultBuyThreshold = 0.4
	// DefaultSellThreshold is the relative volume change below which a
	// pair of candles is labelled sell.
	DefaultSellThreshold = -0.2
)

// Counts tallies labels.
type Counts struct {
	Buy  int `json:"buy"`
	Sell int `json:"sell"`
	Wait int `json:"wait"`
}

// Total returns the number of labels counted.
func (c Counts) Total() int { return c.Buy + c.Sell + c.Wait }

func (c *Counts) add(a Action) {
	switch a {
	case ActionBuy:
		c.Buy++
	case ActionSell:
		c.Sell++
	default:
		c.Wait++
	}
}

// Decision is the outcome for one market.
type Decision struct {
	Market models.Market `json:"market"`
	Action Action        `json:"action"`
	Counts Counts        `json:"counts"`
	At     time.Time     `json:"at"`
}

// Labeler applies volume-change thresholds.
type Labeler struct {
	BuyThreshold  float64
	SellThreshold float64
}

// NewLabeler builds a labeler from configuration. Thresholds are taken as
// given, zero included; config.DefaultConfig carries the defaults.
func NewLabeler(cfg config.SignalConfig) *Labeler {
	return &Labeler{BuyThreshold: cfg.BuyThreshold, SellThreshold: cfg.SellThreshold}
}

// Label compares the volume of next against prev. A zero previous volume
// has no defined change and yields wait.
func (l *Labeler) Label(prev, next models.Candle) Action {
	if prev.Volume == 0 {
		return ActionWait
	}
	change := (next.Volume - prev.Volume) / prev.Volume
	switch {
	case change > l.BuyThreshold:
		return ActionBuy
	case change < l.SellThreshold:
		return ActionSell
	default:
		return ActionWait
	}
}

// Decide labels every consecutive pair of candles in date order. Buy or
// sell wins only with strictly more votes than both other labels;
// anything else, including fewer than two candles, is wait.
func (l *Labeler) Decide(candles []models.Candle) (Action, Counts) {
	var counts Counts
	if len(candles) < 2 {
		return ActionWait, counts
	}

	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	for i := 1; i < len(sorted); i++ {
		counts.add(l.Label(sorted[i-1], sorted[i]))
	}

	switch {
	case counts.Buy > counts.Sell && counts.Buy > counts.Wait:
		return ActionBuy, counts
	case counts.Sell > counts.Buy && counts.Sell > counts.Wait:
		return ActionSell, counts
	default:
		return ActionWait, counts
	}
}

var defaultLabeler = &Labeler{BuyThreshold: DefaultBuyThreshold, SellThreshold: DefaultSellThreshold}

// Label labels a pair of candles with the default thresholds.
func Label(prev, next models.Candle) Action {
	return defaultLabeler.Label(prev, next)
}

// Decide reduces candles to a decision with the default thresholds.
func Decide(candles []models.Candle) (Action, Counts) {
	return defaultLabeler.Decide(candles)
}
