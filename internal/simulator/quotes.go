package simulator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/infra"

	"github.com/shopspring/decimal"
)

// QuoteSink receives generated quotes.
type QuoteSink interface {
	OnQuote(t domain.Tick)
	OnEndOfData(symbol string)
}

// GateFunc reports whether symbol may receive its next quote. A closed gate
// holds the symbol's quote until a later interval.
type GateFunc func(symbol string) bool

// FeedOptions configures a QuoteFeed.
type FeedOptions struct {
	Symbols  []string
	Start    decimal.Decimal
	Interval time.Duration
	// Count ends each symbol's feed after that many quotes; 0 runs forever.
	Count  int
	Seed   int64
	Gate   GateFunc
	Logger *slog.Logger
}

var pip = decimal.New(1, -4)

// QuoteFeed produces a reproducible random walk of quotes per symbol.
type QuoteFeed struct {
	opts    FeedOptions
	sinks   []QuoteSink
	rng     *rand.Rand
	mids    map[string]decimal.Decimal
	emitted map[string]int
	log     *slog.Logger
}

// NewQuoteFeed creates a feed that delivers every quote to sinks in order.
func NewQuoteFeed(opts FeedOptions, sinks ...QuoteSink) *QuoteFeed {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if !opts.Start.IsPositive() {
		opts.Start = decimal.NewFromInt(1)
	}
	if opts.Logger == nil {
		opts.Logger = infra.Discard()
	}
	f := &QuoteFeed{
		opts:    opts,
		sinks:   sinks,
		rng:     rand.New(rand.NewPCG(uint64(opts.Seed), uint64(opts.Seed)^0x9e3779b97f4a7c15)),
		mids:    make(map[string]decimal.Decimal, len(opts.Symbols)),
		emitted: make(map[string]int, len(opts.Symbols)),
		log:     opts.Logger.With(slog.String("component", "quotes")),
	}
	for _, s := range opts.Symbols {
		f.mids[s] = opts.Start
	}
	return f
}

// Next advances symbol's walk by one step and returns the quote.
func (f *QuoteFeed) Next(symbol string) domain.Tick {
	mid, ok := f.mids[symbol]
	if !ok {
		mid = f.opts.Start
	}
	mid = mid.Add(pip.Mul(decimal.NewFromInt(int64(f.rng.IntN(3) - 1))))
	if mid.LessThanOrEqual(pip) {
		mid = pip.Mul(decimal.NewFromInt(2))
	}
	f.mids[symbol] = mid
	return domain.Tick{
		Symbol: symbol,
		Time:   time.Now(),
		Bid:    mid.Sub(pip),
		Ask:    mid.Add(pip),
		Price:  mid,
		Size:   decimal.NewFromInt(int64(1+f.rng.IntN(10)) * 100000),
	}
}

// Run emits one quote per open symbol each interval until every symbol
// reaches Count or ctx ends.
func (f *QuoteFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	open := len(f.opts.Symbols)
	done := make(map[string]bool, open)
	held := 0
	for open > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, sym := range f.opts.Symbols {
			if done[sym] {
				continue
			}
			if f.opts.Gate != nil && !f.opts.Gate(sym) {
				held++
				continue
			}
			t := f.Next(sym)
			for _, s := range f.sinks {
				s.OnQuote(t)
			}
			f.emitted[sym]++
			if f.opts.Count > 0 && f.emitted[sym] >= f.opts.Count {
				done[sym] = true
				open--
				for _, s := range f.sinks {
					s.OnEndOfData(sym)
				}
			}
		}
	}
	f.log.Info("Quote feed finished", slog.Int("symbols", len(f.opts.Symbols)), slog.Int("held", held))
	return nil
}

// Emitted returns the number of quotes sent for symbol. Only safe once Run returned.
func (f *QuoteFeed) Emitted(symbol string) int {
	return f.emitted[symbol]
}
