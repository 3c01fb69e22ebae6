package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fix_provider/internal/fix"
	"fix_provider/internal/infra"
	"fix_provider/internal/simulator"
	"fix_provider/internal/ticksync"
	"fix_provider/internal/transport"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		slog.Error("❌ Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	cfg.Logging.File = "simulator.log"
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("❌ Simulator stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("👋 Simulator shut down")
}

func run(cfg *infra.Config, logger *slog.Logger) error {
	dialect, err := fix.NewDialect(cfg.FIX.Dialect)
	if err != nil {
		return err
	}
	faults, err := simulator.NewFaults(cfg.Simulator.Faults)
	if err != nil {
		return err
	}
	history, err := fix.OpenBoltHistory(cfg.Simulator.HistoryPath)
	if err != nil {
		return err
	}
	defer history.Close()

	srv, err := simulator.NewServer(dialect, history, simulator.NewMatcher(), faults, simulator.Options{
		SenderCompID: cfg.FIX.TargetCompID,
		TargetCompID: cfg.FIX.SenderCompID,
		Account:      cfg.FIX.Account,
		QueueLimit:   cfg.FIX.ResendQueueLimit,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	listener, err := transport.ListenWebSocket(cfg.Simulator.Listen, "/fix", logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	symbols := cfg.Simulator.Symbols
	if len(symbols) == 0 {
		symbols = cfg.Strategy.Symbols
	}
	opts := simulator.FeedOptions{
		Symbols:  symbols,
		Start:    decimal.RequireFromString(cfg.Simulator.StartPrice),
		Interval: time.Duration(cfg.Simulator.TickIntervalMS) * time.Millisecond,
		Count:    cfg.Simulator.TickCount,
		Seed:     cfg.Simulator.Seed,
		Logger:   logger,
	}
	var sink simulator.QuoteSink = srv

	// With a shared TickSync directory the provider process sees matches in
	// progress, and quotes wait until it has drained the symbol.
	if shared := cfg.TickSync.SharedMemoryDir; shared != "" {
		dir, err := ticksync.NewDirectory(ticksync.Options{PageSize: cfg.TickSync.PageSize, SharedDir: shared, Logger: logger})
		if err != nil {
			return err
		}
		defer dir.Close()
		matching := simulator.NewMatchingSink(srv, dir, simulator.SinkOptions{Logger: logger})
		opts.Gate = matching.Drained
		sink = matching
		slog.Info("✅ Shared TickSync attached", slog.String("dir", shared))
	}
	feed := simulator.NewQuoteFeed(opts, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("✨ Broker simulator operational", slog.String("url", listener.Addr()), slog.String("dialect", dialect.Name()))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, listener) })
	g.Go(func() error { return feed.Run(gctx) })
	return g.Wait()
}
