package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	"github.com/johnayoung/go-poloniex-sync/internal/gaps"
	"github.com/johnayoung/go-poloniex-sync/internal/models"
	"github.com/johnayoung/go-poloniex-sync/internal/poller"
	tradesignal "github.com/johnayoung/go-poloniex-sync/internal/signal"
	"github.com/johnayoung/go-poloniex-sync/internal/storage"
	"github.com/johnayoung/go-poloniex-sync/internal/syncer"
)

// handleTrades syncs public trade history.
func (cli *CLI) handleTrades(ctx context.Context, flags *Flags) error {
	fetch := syncer.TradeFetcher(cli.client, cli.logger)
	return runSync(ctx, cli, syncer.ConfigFromApp(cli.cfg.Sync, models.KindTrades), fetch, storage.Trades, flags)
}

// handleCandles syncs chart data at the requested period.
func (cli *CLI) handleCandles(ctx context.Context, flags *Flags) error {
	period, err := cli.period(flags, cli.cfg.Sync.CandlePeriod)
	if err != nil {
		return err
	}
	fetch := syncer.CandleFetcher(cli.client, period)
	return runSync(ctx, cli, syncer.ConfigFromApp(cli.cfg.Sync, models.KindCandles), fetch, storage.Candles, flags)
}

// runSync wires a walker for one record kind and runs it over the requested
// markets and range.
func runSync[T models.Record, S any](ctx context.Context, cli *CLI, cfg *syncer.Config, fetch syncer.Fetcher[T], sink func(S) storage.Sink[T], flags *Flags) error {
	w, err := syncer.NewWalker(fetch, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}
	w.WithLogger(cli.logs.GetComponentLogger("syncer")).
		WithMetrics(cli.registry).
		WithClassifier(cli.classifier).
		WithMarketDiscovery(cli.client, cli.confirmer(flags))

	if !flags.Accumulate {
		if err := cli.openStorage(ctx); err != nil {
			return err
		}
		target, ok := cli.store.(S)
		if !ok {
			return fmt.Errorf("%w: storage %T cannot hold %s", errConfig, cli.store, cfg.Kind)
		}
		w.WithSink(sink(target)).
			WithGapStorage(cli.store).
			WithCheckpoints(cli.checkpoints)
	}

	req := syncer.Request{
		Markets: cli.markets(flags),
		Start:   flags.Start,
		End:     flags.End,
		Live:    flags.Live,
	}
	if req.Start.IsZero() {
		req.Start = DefaultStart
	}
	if req.End.IsZero() && !req.Live {
		req.End = time.Now().UTC()
	}

	result, err := w.Run(ctx, req)
	if err != nil {
		return err
	}

	printSyncResult(cli.stdout, result, flags.Accumulate)
	return nil
}

// handleTickers polls the ticker until interrupted.
func (cli *CLI) handleTickers(ctx context.Context, flags *Flags) error {
	if err := cli.openStorage(ctx); err != nil {
		return err
	}

	var cache poller.TickerCache
	if cli.tickerCache != nil {
		cache = cli.tickerCache
	}

	p := poller.New(poller.Config{
		Name:           "ticker",
		Interval:       config.Duration(cli.cfg.Poller.TickerInterval, 60*time.Second),
		RunImmediately: cli.cfg.Poller.RunImmediately,
	}, poller.TickerTask(cli.client, storage.Tickers(cli.store), cache, nil), cli.logger, cli.registry).
		WithClassifier(cli.classifier)

	return p.Run(ctx)
}

// handleSignal polls recent candles and logs a volume signal per market
// until interrupted.
func (cli *CLI) handleSignal(ctx context.Context, flags *Flags) error {
	markets := cli.markets(flags)
	if len(markets) == 0 {
		return fmt.Errorf("%w: --markets or sync.markets is required", errConfig)
	}
	period, err := cli.period(flags, cli.cfg.Signal.Period)
	if err != nil {
		return err
	}
	if err := cli.openStorage(ctx); err != nil {
		return err
	}

	task := poller.NewSignalTask(poller.SignalConfig{
		Markets:  markets,
		Period:   period,
		Lookback: config.Duration(cli.cfg.Signal.Lookback, time.Hour),
	}, cli.client, storage.Candles(cli.store), tradesignal.NewLabeler(cli.cfg.Signal), nil, cli.logger)

	p := poller.New(poller.Config{
		Name:           "signal",
		Interval:       config.Duration(cli.cfg.Poller.SignalInterval, 30*time.Minute),
		RunImmediately: cli.cfg.Poller.RunImmediately,
	}, task, cli.logger, cli.registry).
		WithClassifier(cli.classifier)

	return p.Run(ctx)
}

// handleMarkets prints every market, or those quoted in --base.
func (cli *CLI) handleMarkets(ctx context.Context, flags *Flags) error {
	var (
		markets []models.Market
		err     error
	)
	if flags.Base != "" {
		markets, err = cli.client.ListMarketsWithBase(ctx, flags.Base)
	} else {
		markets, err = cli.client.ListAllMarkets(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to list markets: %w", err)
	}
	for _, m := range markets {
		fmt.Fprintln(cli.stdout, m)
	}
	return nil
}

// handleGaps scans stored candles for missing slots.
func (cli *CLI) handleGaps(ctx context.Context, flags *Flags) error {
	markets := cli.markets(flags)
	if len(markets) == 0 {
		return fmt.Errorf("%w: --markets or sync.markets is required", errConfig)
	}
	period, err := cli.period(flags, cli.cfg.Sync.CandlePeriod)
	if err != nil {
		return err
	}
	if err := cli.openStorage(ctx); err != nil {
		return err
	}

	start, end := flags.Start, flags.End
	if start.IsZero() {
		start = DefaultStart
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	detector := gaps.NewDetector(cli.store, cli.logger)
	if flags.Store {
		detector.WithGapStorage(cli.store)
	}

	tw := tabwriter.NewWriter(cli.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MARKET\tSTART\tEND\tDURATION")
	total := 0
	for _, market := range markets {
		if flags.Store {
			filled, err := detector.ReconcileFilled(ctx, market, period)
			if err != nil {
				return err
			}
			if filled > 0 {
				cli.logger.Info("gaps filled since last scan", "market", market, "filled", filled)
			}
		}

		found, err := detector.DetectCandleGaps(ctx, market, period, start, end)
		if err != nil {
			return fmt.Errorf("gap detection failed for %s: %w", market, err)
		}
		for i := range found {
			g := &found[i]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Market,
				g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.Duration())
		}
		total += len(found)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "\n%d gaps across %d markets\n", total, len(markets))
	return nil
}

// markets returns --markets, falling back to sync.markets.
func (cli *CLI) markets(flags *Flags) []models.Market {
	if len(flags.Markets) > 0 {
		return flags.Markets
	}
	out := make([]models.Market, 0, len(cli.cfg.Sync.Markets))
	for _, m := range cli.cfg.Sync.Markets {
		out = append(out, models.Market(m))
	}
	return out
}

// period returns --period, falling back to the configured seconds.
func (cli *CLI) period(flags *Flags, configured int) (models.Period, error) {
	if flags.Period != 0 {
		return flags.Period, nil
	}
	p := models.Period(configured)
	if !p.IsValid() {
		return 0, fmt.Errorf("%w: unsupported candle period %d", errConfig, configured)
	}
	return p, nil
}

func printSyncResult[T models.Record](out io.Writer, result *syncer.Result[T], accumulated bool) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MARKET\tWINDOWS\tFETCHED\tFAILURES\tGAPS\tCURSOR")
	for _, m := range result.Markets {
		cursor := "-"
		if !m.Cursor.IsZero() {
			cursor = m.Cursor.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", m.Market, m.Windows, m.Fetched, m.Failures, len(m.Gaps), cursor)
	}
	_ = tw.Flush()

	fmt.Fprintf(out, "\nrun %s: %d %s from %d markets in %s\n",
		result.RunID, result.Fetched(), result.Kind, len(result.Markets), result.Duration.Round(time.Millisecond))
	if accumulated {
		fmt.Fprintf(out, "%d records kept in memory, nothing persisted\n", len(result.Records()))
	}
	if skipped := result.Gaps(); len(skipped) > 0 {
		fmt.Fprintf(out, "%d windows skipped, see gaps\n", len(skipped))
	}
}
