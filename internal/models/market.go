// Package models provides the data structures shared by the sync engine, the
// exchange client and the storage layer: markets, time windows, raw exchange
// records, their normalized forms, gaps and checkpoints.
package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Market is a currency pair identifier as used by the exchange, e.g. "BTC_ETH".
// It is the partition key of every time-series record.
type Market string

var marketPattern = regexp.MustCompile(`^[A-Z0-9]+_[A-Z0-9]+$`)

// Validate reports whether the market looks like an exchange currency pair.
func (m Market) Validate() error {
	if !marketPattern.MatchString(string(m)) {
		return &ValidationError{Field: "market", Message: fmt.Sprintf("invalid market %q, expected BASE_QUOTE", string(m))}
	}
	return nil
}

// Base returns the currency the market is quoted in (the part before "_").
func (m Market) Base() string {
	base, _, _ := strings.Cut(string(m), "_")
	return base
}

// Quote returns the traded currency (the part after "_").
func (m Market) Quote() string {
	_, quote, _ := strings.Cut(string(m), "_")
	return quote
}

func (m Market) String() string { return string(m) }

// ParseMarkets splits a comma separated list into markets, dropping blanks
// and duplicates while keeping input order.
func ParseMarkets(list string) ([]Market, error) {
	var markets []Market
	seen := make(map[Market]struct{})
	for _, part := range strings.Split(list, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		m := Market(part)
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		markets = append(markets, m)
	}
	return markets, nil
}

// Kind identifies one of the fixed record shapes the system synchronizes.
type Kind string

const (
	KindTrades  Kind = "trades"
	KindCandles Kind = "candles"
	KindTickers Kind = "tickers"
)

// Period is a candlestick period supported by the chart data endpoint.
type Period int

const (
	Period5m  Period = 300
	Period15m Period = 900
	Period30m Period = 1800
	Period2h  Period = 7200
	Period4h  Period = 14400
	Period1d  Period = 86400
)

// ValidPeriods lists the candlestick periods in ascending order.
var ValidPeriods = []Period{Period5m, Period15m, Period30m, Period2h, Period4h, Period1d}

// Duration returns the period as a time.Duration.
func (p Period) Duration() time.Duration {
	return time.Duration(p) * time.Second
}

// Seconds returns the period in seconds.
func (p Period) Seconds() int64 { return int64(p) }

// IsValid reports whether p is accepted by the exchange.
func (p Period) IsValid() bool {
	for _, v := range ValidPeriods {
		if p == v {
			return true
		}
	}
	return false
}

// ParsePeriod accepts either seconds ("300") or a Go duration ("5m", "4h").
func ParsePeriod(s string) (Period, error) {
	s = strings.TrimSpace(s)
	var p Period
	if n, err := strconv.Atoi(s); err == nil {
		p = Period(n)
	} else if d, derr := time.ParseDuration(s); derr == nil {
		p = Period(d / time.Second)
	} else {
		return 0, &ValidationError{Field: "period", Message: fmt.Sprintf("cannot parse period %q", s)}
	}
	if !p.IsValid() {
		return 0, &ValidationError{Field: "period", Message: fmt.Sprintf("unsupported period %d, valid values are 300, 900, 1800, 7200, 14400, 86400", int(p))}
	}
	return p, nil
}

// ValidationError represents a model validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}
