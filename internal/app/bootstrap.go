package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/engine"
	"fix_provider/internal/fix"
	"fix_provider/internal/infra"
	"fix_provider/internal/infra/storage"
	"fix_provider/internal/provider"
	"fix_provider/internal/reconcile"
	"fix_provider/internal/simulator"
	"fix_provider/internal/strategy"
	"fix_provider/internal/ticksync"
	"fix_provider/internal/transport"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// terminalRetention is how long filled, canceled and rejected orders stay
// in the database.
const terminalRetention = 24 * time.Hour

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string
	Config     *infra.Config
	Logger     *slog.Logger

	Storage   *storage.Storage
	Directory *ticksync.Directory
	History   *fix.BoltHistory
	Store     *reconcile.Store
	Positions *domain.PositionBook
	Scheduler *engine.Scheduler
	Provider  *provider.Provider
	Engine    *reconcile.Engine
	Session   *fix.Session
	Feed      *simulator.QuoteFeed

	// Broker is the embedded simulator, set when no fix.address is configured.
	Broker         *simulator.Server
	brokerListener *transport.MemoryListener

	Strategies []*strategy.SMACrossStrategy
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize builds every component. Nothing runs until Run.
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping FIX provider...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	// 3. Initialize Storage (DB)
	b.Storage, err = storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	if n, err := b.Storage.PurgeTerminal(time.Now().Add(-terminalRetention)); err != nil {
		slog.Warn("Failed to purge terminal orders", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("Purged terminal orders", slog.Int64("count", n))
	}
	slog.Info("✅ Database initialized", slog.String("path", cfg.Storage.Path))

	// 4. TickSync directory, created before any session
	b.Directory, err = ticksync.NewDirectory(ticksync.Options{
		PageSize:  cfg.TickSync.PageSize,
		SharedDir: cfg.TickSync.SharedMemoryDir,
		Logger:    b.Logger,
	})
	if err != nil {
		return fmt.Errorf("ticksync directory: %w", err)
	}

	// 5. Order store, reconciliation and provider
	dialect, err := fix.NewDialect(cfg.FIX.Dialect)
	if err != nil {
		return &domain.ConfigError{Field: "fix.dialect", Err: err}
	}
	classifier, err := fix.NewRejectClassifier(cfg.FIX.RejectPatterns)
	if err != nil {
		return &domain.ConfigError{Field: "fix.reject_patterns", Err: err}
	}

	b.Store = reconcile.NewStore()
	b.Positions = domain.NewPositionBook()
	b.Scheduler = engine.NewScheduler(b.Logger, cfg.Logging.Dir+"/panic_dump.json")
	b.Provider = provider.New(b.Directory, b.Scheduler, b.Store, provider.Options{
		Account: cfg.FIX.Account,
		Allow:   cfg.SymbolAllowed,
		Logger:  b.Logger,
	})
	b.Engine = reconcile.NewEngine(b.Store, b.Positions, b.Provider, reconcile.Options{
		Account:          cfg.FIX.Account,
		UseLocalFillTime: cfg.FIX.UseLocalFillTime,
		Classifier:       classifier,
		Snapshots:        b.Storage,
		Logger:           b.Logger,
	})
	orders, err := b.Storage.LoadOpenOrders()
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	positions, err := b.Storage.LoadPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	b.Engine.Restore(orders, positions)

	// 6. FIX session
	dialer, err := b.dialer(dialect)
	if err != nil {
		return err
	}
	b.History, err = fix.OpenBoltHistory(cfg.FIX.HistoryPath)
	if err != nil {
		return err
	}
	b.Session, err = fix.NewSession(fix.SessionConfigFrom(cfg), dialect, dialer, b.History, b.Engine, b.Logger)
	if err != nil {
		return err
	}
	b.Engine.Attach(b.Session)
	b.Provider.Attach(b.Session)
	slog.Info("✅ FIX session ready", slog.String("dialect", dialect.Name()))

	// 7. Strategies
	qty, err := decimal.NewFromString(cfg.Strategy.Quantity)
	if err != nil {
		return &domain.ConfigError{Field: "strategy.quantity", Err: err}
	}
	for _, sym := range cfg.Strategy.Symbols {
		strat := strategy.NewSMACrossStrategy(sym, cfg.Strategy.ShortPeriod, cfg.Strategy.LongPeriod, qty, b.Provider, b.Logger)
		if _, err := b.Provider.Register(sym, strat); err != nil {
			slog.Warn("Strategy not registered", slog.String("symbol", sym), slog.Any("error", err))
			continue
		}
		b.Strategies = append(b.Strategies, strat)
	}
	slog.Info("✅ Strategies registered", slog.Int("count", len(b.Strategies)))

	// 8. Quote feed, gated on each symbol's TickSync
	var sink simulator.QuoteSink = b.Provider
	if b.Broker != nil {
		sink = simulator.NewMatchingSink(b.Broker, b.Directory, simulator.SinkOptions{
			Next:    b.Provider,
			Applied: b.Session.AppliedInbound,
			Timeout: cfg.HeartbeatInterval(),
			Logger:  b.Logger,
		})
	}
	b.Feed = simulator.NewQuoteFeed(simulator.FeedOptions{
		Symbols:  cfg.Strategy.Symbols,
		Start:    decimal.RequireFromString(cfg.Simulator.StartPrice),
		Interval: time.Duration(cfg.Simulator.TickIntervalMS) * time.Millisecond,
		Count:    cfg.Simulator.TickCount,
		Seed:     cfg.Simulator.Seed,
		Gate:     b.Provider.Ready,
		Logger:   b.Logger,
	}, sink)

	return nil
}

// dialer connects to fix.address, or to an embedded simulator when the
// address is empty.
func (b *Bootstrap) dialer(dialect fix.Dialect) (transport.Dialer, error) {
	cfg := b.Config
	if cfg.FIX.Address != "" {
		return &transport.WebSocketDialer{URL: cfg.FIX.Address}, nil
	}
	faults, err := simulator.NewFaults(cfg.Simulator.Faults)
	if err != nil {
		return nil, &domain.ConfigError{Field: "simulator.faults", Err: err}
	}
	b.Broker, err = simulator.NewServer(dialect, fix.NewMemoryHistory(), simulator.NewMatcher(), faults, simulator.Options{
		SenderCompID: cfg.FIX.TargetCompID,
		TargetCompID: cfg.FIX.SenderCompID,
		Account:      cfg.FIX.Account,
		QueueLimit:   cfg.FIX.ResendQueueLimit,
		Logger:       b.Logger,
	})
	if err != nil {
		return nil, err
	}
	b.brokerListener = transport.NewMemoryListener()
	slog.Info("✅ Embedded broker simulator enabled", slog.Int("faults", len(cfg.Simulator.Faults)))
	return b.brokerListener, nil
}

// Run starts the scheduler, the session, the quote feed and the embedded
// broker, and blocks until ctx ends or one of them fails.
func (b *Bootstrap) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Scheduler.Run(gctx) })
	if b.Broker != nil {
		g.Go(func() error { return b.Broker.Serve(gctx, b.brokerListener) })
	}
	g.Go(func() error { return b.Session.Run(gctx) })
	g.Go(func() error { return b.Feed.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the strategies' tasks and releases storage.
func (b *Bootstrap) Close() {
	if b.Provider != nil {
		b.Provider.Close()
	}
	if b.brokerListener != nil {
		b.brokerListener.Close()
	}
	if b.History != nil {
		b.History.Close()
	}
	if b.Directory != nil {
		b.Directory.Close()
	}
	if b.Storage != nil {
		b.Storage.Close()
	}
	for _, s := range b.Strategies {
		slog.Info("Strategy final position", slog.String("position", s.Position().String()))
	}
}
