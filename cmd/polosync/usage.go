package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - Poloniex market data synchronizer v%s

USAGE:
    %s [--config FILE] <command> [options]

COMMANDS:
    trades      Sync public trade history window by window
    candles     Sync chart data (candlesticks) window by window
    tickers     Poll the ticker for every market
    signal      Poll recent candles and log a volume signal
    markets     List markets
    gaps        Scan stored candles for missing periods
    version     Show version information

GLOBAL OPTIONS:
    --config, -c FILE   Configuration file, YAML or JSON (default: defaults + environment)
    --help, -h          Show help information

EXAMPLES:
    # Sync two markets' trades for the first half of 2017
    %s trades --markets BTC_ETH,BTC_XMR --start 2017-01-01 --end 2017-07-01

    # Catch up 5 minute candles for every market, then keep following
    %s candles --period 300 --start 2017-01-01 --live --yes

    # Check BTC_ETH candles for holes and record them
    %s gaps --markets BTC_ETH --start 2017-01-01 --store

CONFIGURATION:
    Configuration can be provided via:
    - Config file: %s
    - A .env file and environment variables (e.g. DATABASE_URL, STORAGE_TYPE)

EXIT CODES:
    0  success
    1  error
    2  configuration error
    3  aborted at the confirmation prompt

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, ConfigFile, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "trades", "candles":
		fmt.Fprintf(w, `%s %s - Sync historical %s

USAGE:
    %s %s [options]

OPTIONS:
    --markets, -m LIST    Comma-separated markets, e.g. BTC_ETH,BTC_XMR.
                          Omit to sync every market after confirmation.
    --start, -s TIME      Start (YYYY-MM-DD, RFC 3339 or Unix seconds, default 2017-01-01)
    --end, -e TIME        Exclusive end (default now)
    --live, -l            After catching up, keep following the present
    --yes, -y             Skip the full-history confirmation
    --accumulate, -a      Keep records in memory instead of persisting them
`, AppName, command, command, AppName, command)
		if command == "candles" {
			fmt.Fprint(w, "    --period, -p SECONDS  Candle period: 300, 900, 1800, 7200, 14400, 86400\n")
		}
	case "tickers":
		fmt.Fprintf(w, `%s tickers - Poll the ticker

USAGE:
    %s tickers

Polls every poller.ticker_interval (default 60s), stamps each entry with the
poll time and stores it. With redis.enabled the latest ticker per market is
cached as well.
`, AppName, AppName)
	case "signal":
		fmt.Fprintf(w, `%s signal - Log a volume signal per market

USAGE:
    %s signal --markets LIST [--period SECONDS]

Every poller.signal_interval the last signal.lookback of candles is fetched,
stored and labelled buy, sell or wait from the change in volume.
`, AppName, AppName)
	case "markets":
		fmt.Fprintf(w, `%s markets - List markets

USAGE:
    %s markets [--base CURRENCY]

OPTIONS:
    --base, -b CURRENCY   Only markets quoted in CURRENCY, e.g. BTC
`, AppName, AppName)
	case "gaps":
		fmt.Fprintf(w, `%s gaps - Scan stored candles for missing periods

USAGE:
    %s gaps --markets LIST [options]

OPTIONS:
    --markets, -m LIST    Comma-separated markets
    --period, -p SECONDS  Candle period (default sync.candle_period)
    --start, -s TIME      Scan start (default 2017-01-01)
    --end, -e TIME        Scan end (default now)
    --store               Record new gaps and mark backfilled ones filled
`, AppName, AppName)
	default:
		printUsage(w)
	}
}
