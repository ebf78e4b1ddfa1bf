// Poloniex market data synchronizer.
// This application walks the public trade history and chart data of
// Poloniex markets window by window into DuckDB or PostgreSQL, and polls the
// live ticker and a volume-based trading signal.
//
// Usage:
//
//	polosync trades --markets BTC_ETH,BTC_XMR --start 2017-01-01 --end 2017-06-22
//	polosync candles --period 300 --start 2017-01-01 --live
//	polosync tickers
//	polosync signal --markets BTC_ETH
//	polosync markets --base BTC
//	polosync gaps --markets BTC_ETH --period 300 --start 2017-01-01
//
// For detailed help on any command, use: polosync <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnayoung/go-poloniex-sync/internal/config"
	apperrors "github.com/johnayoung/go-poloniex-sync/internal/errors"
	"github.com/johnayoung/go-poloniex-sync/internal/logger"
	"github.com/johnayoung/go-poloniex-sync/internal/metrics"
	"github.com/johnayoung/go-poloniex-sync/internal/poloniex"
	"github.com/johnayoung/go-poloniex-sync/internal/storage"
	"github.com/johnayoung/go-poloniex-sync/internal/syncer"
)

// CLI version information
const (
	AppName    = "polosync"
	ConfigFile = "polosync.yaml"
)

// Version is overridden at build time with -ldflags.
var Version = "1.0.0"

// Exit codes
const (
	ExitSuccess     = 0
	ExitError       = 1
	ExitConfigError = 2
	ExitAborted     = 3
)

// DefaultStart is where history syncs begin when --start is omitted.
var DefaultStart = time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)

// CLI holds the resources shared by every command.
type CLI struct {
	configPath string
	cfg        *config.AppConfig
	logs       *logger.LoggerManager
	logger     *slog.Logger
	client     *poloniex.Client
	registry   *metrics.Registry
	classifier *apperrors.ErrorClassifier

	store       storage.FullStorage
	redis       *redis.Client
	checkpoints storage.CheckpointStore
	tickerCache *storage.RedisTickerCache
	metricsSrv  *metrics.Server

	stdin  io.Reader
	stdout io.Writer
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	configPath, args, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitError
	}
	if len(args) == 0 {
		printUsage(os.Stderr)
		return ExitError
	}

	command, args := args[0], args[1:]
	switch command {
	case "--help", "-h", "help":
		printUsage(os.Stdout)
		return ExitSuccess
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return ExitSuccess
	}

	flags, err := parseFlags(command, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printCommandHelp(os.Stderr, command)
		return ExitError
	}
	if flags.Help {
		printCommandHelp(os.Stdout, command)
		return ExitSuccess
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{configPath: configPath, stdin: os.Stdin, stdout: os.Stdout}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return ExitConfigError
	}
	defer cli.close()

	if err := cli.dispatch(ctx, command, flags); err != nil {
		return cli.exitCode(command, err)
	}
	return ExitSuccess
}

func (cli *CLI) exitCode(command string, err error) int {
	switch {
	case errors.Is(err, syncer.ErrAborted):
		fmt.Fprintln(os.Stderr, "Aborted.")
		return ExitAborted
	case errors.Is(err, errConfig):
		cli.logger.Error("invalid configuration", "command", command, "error", err)
		return ExitConfigError
	default:
		cli.logger.Error("command failed", "command", command, "error", err)
		return ExitError
	}
}

// errConfig marks failures caused by configuration rather than the run.
var errConfig = errors.New("configuration error")

func (cli *CLI) dispatch(ctx context.Context, command string, flags *Flags) error {
	switch command {
	case "trades":
		return cli.handleTrades(ctx, flags)
	case "candles":
		return cli.handleCandles(ctx, flags)
	case "tickers":
		return cli.handleTickers(ctx, flags)
	case "signal":
		return cli.handleSignal(ctx, flags)
	case "markets":
		return cli.handleMarkets(ctx, flags)
	case "gaps":
		return cli.handleGaps(ctx, flags)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// initialize loads configuration, logging, the exchange client and the
// metrics registry. Storage is opened lazily by the commands that need it.
func (cli *CLI) initialize(ctx context.Context) error {
	cfg, err := config.NewConfigManager(cli.configPath, logger.Discard()).LoadConfig(ctx)
	if err != nil {
		return err
	}
	cli.cfg = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()

	cli.client = poloniex.NewClient(cfg.Exchange, cli.logger)
	cli.registry = metrics.NewRegistry()
	cli.classifier = apperrors.NewErrorClassifier(cfg.ErrorHandling, cli.logger)
	return nil
}

// openStorage connects the configured backend, the optional Redis store
// and the metrics endpoint.
func (cli *CLI) openStorage(ctx context.Context) error {
	store, err := createStorage(ctx, cli.cfg.Storage, cli.logger)
	if err != nil {
		return fmt.Errorf("%w: failed to open storage: %v", errConfig, err)
	}
	cli.store = store

	err = cli.logs.GetComponentLogger("storage").TimedOperation(ctx, "initialize", func() error {
		return cli.classifier.Retry(ctx, "storage", "initialize", func() error {
			return store.Initialize(ctx)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}

	checkers := map[string]metrics.HealthChecker{
		"storage":  store,
		"exchange": cli.client,
	}

	if cli.cfg.Redis.Enabled {
		client, err := storage.NewRedisClient(ctx, cli.cfg.Redis)
		if err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}
		cli.redis = client
		cli.checkpoints = storage.NewRedisCheckpoints(client)
		cli.tickerCache = storage.NewRedisTickerCache(client, config.Duration(cli.cfg.Redis.TickerTTL, 5*time.Minute))
		checkers["redis"] = redisHealth{client}
	} else {
		cli.checkpoints = store
	}

	cli.metricsSrv = metrics.NewServer(cli.cfg.Metrics, cli.registry, checkers, cli.logs.GetComponentLogger("metrics"))
	return cli.metricsSrv.Start(ctx)
}

func (cli *CLI) close() {
	if cli.classifier != nil {
		for errorType, stats := range cli.classifier.GetStats() {
			cli.logger.Info("error summary", "error_type", errorType, "count", stats.Count, "last_seen", stats.LastSeen)
		}
	}
	if cli.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = cli.metricsSrv.Stop(ctx)
		cancel()
	}
	if cli.redis != nil {
		_ = cli.redis.Close()
	}
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}
	if cli.logs != nil {
		_ = cli.logs.Close()
	}
}

// createStorage opens the backend named by cfg.Type.
func createStorage(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (storage.FullStorage, error) {
	switch cfg.Type {
	case "duckdb":
		if cfg.DatabaseURL != "" && cfg.DatabaseURL != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DatabaseURL), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return storage.NewDuckDBStorage(cfg.DatabaseURL, log)
	case "postgres", "postgresql":
		return storage.NewPostgresStorage(ctx, cfg.DatabaseURL, cfg.MaxConns, log)
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

type redisHealth struct{ client *redis.Client }

func (r redisHealth) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
