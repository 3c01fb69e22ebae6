package simulator

import (
	"log/slog"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/infra"
	"fix_provider/internal/ticksync"
)

// SinkOptions configures a MatchingSink.
type SinkOptions struct {
	// Next receives every quote after the broker has matched it.
	Next QuoteSink
	// Applied returns the inbound sequence number the client session has
	// processed up to. Nil when the client runs in another process.
	Applied func() int
	// Timeout bounds the wait for Applied (5s if zero).
	Timeout time.Duration
	Logger  *slog.Logger
}

// MatchingSink hands each quote to the broker before passing it on. The
// symbol's WaitingMatch stays raised while the broker matches and, with
// Applied set, until the client has processed the last fill report the
// match wrote, so the symbol never reads as drained with a fill on the wire.
type MatchingSink struct {
	broker *Server
	dir    *ticksync.Directory
	opts   SinkOptions
	log    *slog.Logger
}

// NewMatchingSink creates a sink matching quotes on broker.
func NewMatchingSink(broker *Server, dir *ticksync.Directory, opts SinkOptions) *MatchingSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = infra.Discard()
	}
	return &MatchingSink{
		broker: broker,
		dir:    dir,
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "matching_sink")),
	}
}

func (m *MatchingSink) OnQuote(t domain.Tick) {
	ts, err := m.dir.GetOrCreate(ticksync.SymbolID(t.Symbol))
	if err != nil {
		m.log.Warn("Quote matched without TickSync", slog.String("symbol", t.Symbol), slog.Any("error", err))
		ts = nil
	}
	if ts != nil {
		ts.AddWaitingMatch()
	}
	if last := m.broker.Match(t); last > 0 && m.opts.Applied != nil {
		m.await(last)
	}
	if ts != nil {
		ts.RemoveWaitingMatch()
	}
	if m.opts.Next != nil {
		m.opts.Next.OnQuote(t)
	}
}

func (m *MatchingSink) OnEndOfData(symbol string) {
	m.broker.OnEndOfData(symbol)
	if m.opts.Next != nil {
		m.opts.Next.OnEndOfData(symbol)
	}
}

// Drained reports whether symbol has nothing outstanding on its TickSync.
// Symbols never seen count as drained.
func (m *MatchingSink) Drained(symbol string) bool {
	ts, ok := m.dir.Lookup(ticksync.SymbolID(symbol))
	return !ok || ts.Completed()
}

func (m *MatchingSink) await(seq int) {
	deadline := time.Now().Add(m.opts.Timeout)
	for m.opts.Applied() < seq {
		if time.Now().After(deadline) {
			m.log.Warn("Fill reports not applied in time",
				slog.Int("seq", seq),
				slog.Int("applied", m.opts.Applied()))
			return
		}
		time.Sleep(time.Millisecond)
	}
}
