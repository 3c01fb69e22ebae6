package strategy

import (
	"log/slog"
	"sync"

	"fix_provider/internal/domain"

	"github.com/shopspring/decimal"
)

// SMACrossStrategy implements a simple SMA Crossover strategy.
// It is stateful and deterministic: a golden cross buys, a dead cross sells,
// each with a market order of the configured size while the broker is up.
// OPTIMIZED: Uses a Ring Buffer so the tick path does not allocate.
type SMACrossStrategy struct {
	symbol      string
	shortPeriod int
	longPeriod  int
	qty         decimal.Decimal
	orders      OrderEntry
	log         *slog.Logger

	// State (Ring Buffer)
	prices []decimal.Decimal
	head   int             // Current write position
	count  int             // Number of elements filled
	sum    decimal.Decimal // Running sum for the longest period

	prevShortSMA decimal.Decimal
	prevLongSMA  decimal.Decimal
	primed       bool

	mu       sync.Mutex
	online   bool
	position decimal.Decimal
	rejects  int
	ended    bool
	retry    *domain.CreateOrChangeOrder // rejected entry awaiting ProcessOrders
}

// NewSMACrossStrategy creates a new instance.
func NewSMACrossStrategy(symbol string, shortPeriod, longPeriod int, qty decimal.Decimal, orders OrderEntry, log *slog.Logger) *SMACrossStrategy {
	if shortPeriod >= longPeriod {
		panic("SMACrossStrategy: shortPeriod must be less than longPeriod")
	}
	return &SMACrossStrategy{
		symbol:      symbol,
		shortPeriod: shortPeriod,
		longPeriod:  longPeriod,
		qty:         qty,
		orders:      orders,
		log:         log.With(slog.String("component", "strategy"), slog.String("symbol", symbol)),
		prices:      make([]decimal.Decimal, longPeriod), // Fixed size allocation
	}
}

// Signal is the outcome of one price update.
type Signal int

const (
	SignalNone Signal = iota
	SignalBuy
	SignalSell
)

// Update pushes a price and reports a crossover, if any.
func (s *SMACrossStrategy) Update(price decimal.Decimal) Signal {
	// If full, subtract the oldest value from sum before overwriting
	if s.count == s.longPeriod {
		s.sum = s.sum.Sub(s.prices[s.head]) // s.head points to the oldest value when full
	}

	s.prices[s.head] = price
	s.sum = s.sum.Add(price)
	s.head = (s.head + 1) % s.longPeriod
	if s.count < s.longPeriod {
		s.count++
	}
	if s.count < s.longPeriod {
		return SignalNone
	}

	currLongSMA := s.sum.Div(decimal.NewFromInt(int64(s.longPeriod)))
	currShortSMA := s.calculateShortSMA()

	signal := SignalNone
	if s.primed {
		// Golden Cross: Short goes above Long
		if s.prevShortSMA.LessThanOrEqual(s.prevLongSMA) && currShortSMA.GreaterThan(currLongSMA) {
			signal = SignalBuy
		}
		// Dead Cross: Short goes below Long
		if s.prevShortSMA.GreaterThanOrEqual(s.prevLongSMA) && currShortSMA.LessThan(currLongSMA) {
			signal = SignalSell
		}
	}

	s.prevShortSMA = currShortSMA
	s.prevLongSMA = currLongSMA
	s.primed = true
	return signal
}

// calculateShortSMA calculates the SMA for the short period using the ring buffer.
func (s *SMACrossStrategy) calculateShortSMA() decimal.Decimal {
	sum := decimal.Zero
	// Walk backwards from current head (which points to next write slot, so head-1 is latest)
	idx := s.head
	for i := 0; i < s.shortPeriod; i++ {
		idx--
		if idx < 0 {
			idx = s.longPeriod - 1
		}
		sum = sum.Add(s.prices[idx])
	}
	return sum.Div(decimal.NewFromInt(int64(s.shortPeriod)))
}

// OnTick feeds the mid price into the averages and trades on a crossover.
func (s *SMACrossStrategy) OnTick(_ int64, symbol string, tick domain.Tick) {
	if symbol != s.symbol {
		return
	}
	price := tick.Price
	if !tick.Bid.IsZero() && !tick.Ask.IsZero() {
		price = tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	}

	var side domain.Side
	switch s.Update(price) {
	case SignalBuy:
		side = domain.SideBuy
	case SignalSell:
		side = domain.SideSell
	default:
		return
	}

	s.mu.Lock()
	online := s.online
	s.retry = nil // a fresh signal supersedes a pending retry
	s.mu.Unlock()
	if !online || s.orders == nil {
		s.log.Debug("Signal ignored, broker offline", slog.String("side", side.String()))
		return
	}
	o := &domain.CreateOrChangeOrder{
		Side:   side,
		Type:   domain.TypeMarket,
		Size:   s.qty,
		Symbol: s.symbol,
	}
	if !s.orders.CreateOrder(o) {
		s.log.Warn("Order not accepted", slog.String("side", side.String()))
		return
	}
	s.log.Info("STRATEGY_ACTION", slog.String("side", side.String()), slog.String("order", o.BrokerOrder))
}

func (s *SMACrossStrategy) OnEndTick(int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *SMACrossStrategy) OnPhysicalFill(fill domain.PhysicalFill, _ *domain.CreateOrChangeOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = s.position.Add(fill.Size)
}

func (s *SMACrossStrategy) OnRejectOrder(o *domain.CreateOrChangeOrder, reason string) {
	s.mu.Lock()
	s.rejects++
	if o.Action == domain.ActionCreate {
		s.retry = &domain.CreateOrChangeOrder{Side: o.Side, Type: o.Type, Size: o.Size, Symbol: o.Symbol}
	}
	s.mu.Unlock()
	s.log.Warn("Order rejected", slog.String("order", o.BrokerOrder), slog.String("reason", reason))
}

// ProcessOrders resubmits the last rejected entry order.
func (s *SMACrossStrategy) ProcessOrders(string) {
	s.mu.Lock()
	o, online := s.retry, s.online
	s.retry = nil
	s.mu.Unlock()
	if o == nil || !online || s.orders == nil {
		return
	}
	if !s.orders.CreateOrder(o) {
		s.log.Warn("Retry not accepted", slog.String("side", o.Side.String()))
		return
	}
	s.log.Info("STRATEGY_RETRY", slog.String("side", o.Side.String()), slog.String("order", o.BrokerOrder))
}

func (s *SMACrossStrategy) OnStartBroker(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = true
}

func (s *SMACrossStrategy) OnEndBroker(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = false
}

// Position returns the net position built from fills.
func (s *SMACrossStrategy) Position() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Ended reports whether the quote source signalled end of data.
func (s *SMACrossStrategy) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
