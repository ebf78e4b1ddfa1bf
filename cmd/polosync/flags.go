package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/models"
)

// Flags are the options accepted across commands. Each command accepts
// only the subset listed in commandFlags.
type Flags struct {
	Markets    []models.Market
	Start      time.Time
	End        time.Time
	Live       bool
	Yes        bool
	Accumulate bool
	Store      bool
	Period     models.Period
	Base       string
	Help       bool
}

var commandFlags = map[string][]string{
	"trades":  {"--markets", "--start", "--end", "--live", "--yes", "--accumulate"},
	"candles": {"--markets", "--start", "--end", "--live", "--yes", "--accumulate", "--period"},
	"tickers": {},
	"signal":  {"--markets", "--period"},
	"markets": {"--base"},
	"gaps":    {"--markets", "--start", "--end", "--period", "--store"},
}

var shortFlags = map[string]string{
	"-m": "--markets",
	"-s": "--start",
	"-e": "--end",
	"-l": "--live",
	"-y": "--yes",
	"-a": "--accumulate",
	"-p": "--period",
	"-b": "--base",
}

// parseGlobalFlags consumes leading --config options.
func parseGlobalFlags(args []string) (string, []string, error) {
	configPath := ""
	for len(args) > 0 {
		switch {
		case args[0] == "--config" || args[0] == "-c":
			if len(args) < 2 {
				return "", nil, fmt.Errorf("--config requires a value")
			}
			configPath = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--config="):
			configPath = strings.TrimPrefix(args[0], "--config=")
			args = args[1:]
		default:
			return configPath, args, nil
		}
	}
	return configPath, args, nil
}

// parseFlags parses the arguments of command.
func parseFlags(command string, args []string) (*Flags, error) {
	allowed, ok := commandFlags[command]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", command)
	}
	accepts := func(name string) bool {
		for _, a := range allowed {
			if a == name {
				return true
			}
		}
		return false
	}

	flags := &Flags{}
	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if long, ok := shortFlags[name]; ok {
			name = long
		}
		if name == "--help" || name == "-h" {
			flags.Help = true
			continue
		}
		if !accepts(name) {
			return nil, fmt.Errorf("unknown flag for %s: %s", command, args[i])
		}

		switch name {
		case "--live":
			flags.Live = true
			continue
		case "--yes":
			flags.Yes = true
			continue
		case "--accumulate":
			flags.Accumulate = true
			continue
		case "--store":
			flags.Store = true
			continue
		}

		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}

		var err error
		switch name {
		case "--markets":
			flags.Markets, err = parseMarkets(value)
		case "--start":
			flags.Start, err = parseTime(value)
		case "--end":
			flags.End, err = parseTime(value)
		case "--period":
			flags.Period, err = models.ParsePeriod(value)
		case "--base":
			flags.Base = strings.ToUpper(strings.TrimSpace(value))
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if flags.Live && flags.Accumulate {
		return nil, fmt.Errorf("--live and --accumulate cannot be combined")
	}
	if flags.Live && !flags.End.IsZero() {
		return nil, fmt.Errorf("--live and --end cannot be combined")
	}
	return flags, nil
}

// parseMarkets splits a comma-separated market list, validating each entry.
func parseMarkets(value string) ([]models.Market, error) {
	var markets []models.Market
	for _, part := range strings.Split(value, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		m := models.Market(part)
		if err := m.Validate(); err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("no markets in %q", value)
	}
	return markets, nil
}

// parseTime accepts a date, an RFC 3339 timestamp or Unix seconds, all UTC.
func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q, use YYYY-MM-DD, RFC 3339 or Unix seconds", value)
}
