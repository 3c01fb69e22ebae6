package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/engine"
	"fix_provider/internal/event"
	"fix_provider/internal/fix"
	"fix_provider/internal/infra"
	"fix_provider/internal/reconcile"
	"fix_provider/internal/strategy"
	"fix_provider/internal/ticksync"

	"github.com/google/uuid"
	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
)

// Session is the part of fix.Session the provider sends orders through.
type Session interface {
	SendApp(qm *quickfix.Message, onSeq func(seq int)) (int, error)
	State() fix.State
	Dialect() fix.Dialect
}

// Options configures a Provider.
type Options struct {
	Account string
	// Allow filters which symbols may be registered; nil admits all.
	Allow  func(symbol string) bool
	Logger *slog.Logger
}

// Provider is the order-entry API and the callback plumbing between the
// reconciliation engine, TickSync and the strategy receivers. It implements
// reconcile.Sink and strategy.OrderEntry.
type Provider struct {
	dir   *ticksync.Directory
	sched *engine.Scheduler
	store *reconcile.Store
	opts  Options
	log   *slog.Logger

	mu       sync.RWMutex
	session  Session
	handlers map[string]*SymbolHandler

	serial atomic.Int64
}

// New creates a provider. Attach a session before placing orders.
func New(dir *ticksync.Directory, sched *engine.Scheduler, store *reconcile.Store, opts Options) *Provider {
	if opts.Logger == nil {
		opts.Logger = infra.Discard()
	}
	return &Provider{
		dir:      dir,
		sched:    sched,
		store:    store,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "provider")),
		handlers: make(map[string]*SymbolHandler),
	}
}

// Attach binds the FIX session orders are sent through.
func (p *Provider) Attach(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
}

// Register creates the symbol handler task delivering callbacks for symbol
// to r and schedules it.
func (p *Provider) Register(symbol string, r strategy.Receiver) (*SymbolHandler, error) {
	if p.opts.Allow != nil && !p.opts.Allow(symbol) {
		return nil, fmt.Errorf("symbol %s excluded by session filter", symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handlers[symbol]; ok {
		return nil, fmt.Errorf("symbol %s already registered", symbol)
	}
	ts, err := p.dir.GetOrCreate(ticksync.SymbolID(symbol))
	if err != nil {
		return nil, fmt.Errorf("ticksync for %s: %w", symbol, err)
	}
	h := newSymbolHandler(symbol, ts, r, p.log)
	h.handle = p.sched.Add(h)
	h.unsubscribe = ts.OnChange(h.handle.Wake)
	p.handlers[symbol] = h
	p.log.Info("Symbol registered", slog.String("symbol", symbol), slog.Int64("id", ts.Symbol()))
	return h, nil
}

func (p *Provider) handler(symbol string) (*SymbolHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[symbol]
	return h, ok
}

func (p *Provider) eachHandler(fn func(h *SymbolHandler)) {
	p.mu.RLock()
	hs := make([]*SymbolHandler, 0, len(p.handlers))
	for _, h := range p.handlers {
		hs = append(hs, h)
	}
	p.mu.RUnlock()
	for _, h := range hs {
		fn(h)
	}
}

// recovered returns the session if it may carry orders.
func (p *Provider) recovered() (Session, bool) {
	p.mu.RLock()
	s := p.session
	p.mu.RUnlock()
	if s == nil || s.State() != fix.StateRecovered {
		return nil, false
	}
	return s, true
}

// DeliverTick queues a tick for symbol. It returns false for symbols with
// no registered handler.
func (p *Provider) DeliverTick(symbol string, tick domain.Tick) bool {
	h, ok := p.handler(symbol)
	if !ok {
		return false
	}
	ev := event.Acquire(event.KindTick)
	ev.Symbol = symbol
	ev.Tick = tick
	h.ticks.Push(ev)
	h.handle.Wake()
	return true
}

// OnQuote lets the provider consume a quote feed directly.
func (p *Provider) OnQuote(t domain.Tick) { p.DeliverTick(t.Symbol, t) }

// OnEndOfData is EndOfData for quote feeds.
func (p *Provider) OnEndOfData(symbol string) { p.EndOfData(symbol) }

// Ready reports whether symbol has no queued ticks and nothing outstanding
// on its TickSync, so the next quote can be handed over.
func (p *Provider) Ready(symbol string) bool {
	h, ok := p.handler(symbol)
	if !ok {
		return false
	}
	return h.ticks.Len() == 0 && h.ts.Completed()
}

// EndOfData queues the end-of-data callback behind any pending ticks.
func (p *Provider) EndOfData(symbol string) bool {
	h, ok := p.handler(symbol)
	if !ok {
		return false
	}
	ev := event.Acquire(event.KindEndOfData)
	ev.Symbol = symbol
	h.ticks.Push(ev)
	h.handle.Wake()
	return true
}

// Pending returns the number of ticks queued but not yet delivered.
func (p *Provider) Pending(symbol string) int {
	h, ok := p.handler(symbol)
	if !ok {
		return 0
	}
	return h.ticks.Len()
}

// TickSync returns the handle of a registered symbol.
func (p *Provider) TickSync(symbol string) (*ticksync.TickSync, bool) {
	h, ok := p.handler(symbol)
	if !ok {
		return nil, false
	}
	return h.ts, true
}

// CreateOrder submits o as a new order. It fills in BrokerOrder,
// SerialNumber, Sequence and State on o.
func (p *Provider) CreateOrder(o *domain.CreateOrChangeOrder) bool {
	s, ok := p.recovered()
	if !ok {
		p.log.Debug("CreateOrder ignored, session not recovered", slog.String("symbol", o.Symbol))
		return false
	}
	h, ok := p.handler(o.Symbol)
	if !ok {
		p.log.Warn("CreateOrder for unregistered symbol", slog.String("symbol", o.Symbol))
		return false
	}

	o.Action = domain.ActionCreate
	o.State = domain.StatePendingNew
	o.BrokerOrder = uuid.NewString()
	o.SerialNumber = p.serial.Add(1)
	if o.LogicalOrderID == 0 {
		o.LogicalOrderID = o.SerialNumber
	}
	o.CumQty = decimal.Zero
	o.UpdatedAt = time.Now()
	rec := o.Clone()

	qm, err := s.Dialect().BuildOrder(rec, p.opts.Account)
	if err != nil {
		p.log.Warn("CreateOrder invalid", slog.Any("error", err))
		return false
	}
	p.store.Add(rec)
	h.ts.AddPhysicalOrder()

	seq, err := s.SendApp(qm, func(seq int) { p.store.SetSequence(rec.BrokerOrder, seq) })
	if err != nil && seq == 0 {
		p.abandon(rec.BrokerOrder, "")
		h.ts.RemovePhysicalOrder()
		p.logSendFailure("CreateOrder", rec, err)
		return false
	}
	o.Sequence = seq
	if err != nil {
		p.logInterrupted("CreateOrder", rec, seq, err)
		return true
	}
	p.log.Info("Order sent",
		slog.String("order", rec.BrokerOrder),
		slog.String("symbol", rec.Symbol),
		slog.String("side", rec.Side.String()),
		slog.String("size", rec.Size.String()),
		slog.Int("seq", seq))
	return true
}

// ChangeOrder sends a cancel/replace for o.OriginalOrder with o's price and
// size. Side, type and symbol default to the original's.
func (p *Provider) ChangeOrder(o *domain.CreateOrChangeOrder) bool {
	return p.request(o, domain.ActionChange)
}

// CancelOrder sends a cancel request for an open order.
func (p *Provider) CancelOrder(brokerOrder string) bool {
	return p.request(&domain.CreateOrChangeOrder{OriginalOrder: brokerOrder}, domain.ActionCancel)
}

func (p *Provider) request(o *domain.CreateOrChangeOrder, action domain.OrderAction) bool {
	s, ok := p.recovered()
	if !ok {
		p.log.Debug("Order request ignored, session not recovered", slog.String("action", action.String()))
		return false
	}

	var (
		rec *domain.CreateOrChangeOrder
		qm  *quickfix.Message
		err error
	)
	p.store.Update(func(tx *reconcile.Tx) {
		orig, found := tx.Get(o.OriginalOrder)
		if !found {
			err = domain.ErrOrderNotFound
			return
		}
		if orig.State != domain.StateActive && orig.State != domain.StateSuspended {
			err = fmt.Errorf("order %s is %s", orig.BrokerOrder, orig.State)
			return
		}
		rec = &domain.CreateOrChangeOrder{
			Action:         action,
			State:          domain.StatePendingNew,
			Side:           orig.Side,
			Type:           orig.Type,
			Price:          orig.Price,
			Size:           orig.Size,
			Symbol:         orig.Symbol,
			BrokerOrder:    uuid.NewString(),
			LogicalOrderID: orig.LogicalOrderID,
			SerialNumber:   p.serial.Add(1),
			OriginalOrder:  orig.BrokerOrder,
			CumQty:         orig.CumQty,
			UpdatedAt:      time.Now(),
		}
		if action == domain.ActionChange {
			if o.Type != 0 {
				rec.Type = o.Type
			}
			if !o.Price.IsZero() {
				rec.Price = o.Price
			}
			if !o.Size.IsZero() {
				rec.Size = o.Size
			}
		}
		if qm, err = s.Dialect().BuildOrder(rec, p.opts.Account); err != nil {
			return
		}
		orig.State = domain.StatePending
		if action == domain.ActionChange {
			orig.ReplacedBy = rec.BrokerOrder
		}
		tx.Add(rec)
	})
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrOrderNotFound) {
			level = slog.LevelInfo
		}
		p.log.Log(context.Background(), level, "Order request refused", slog.String("action", action.String()), slog.Any("error", err))
		return false
	}

	h, ok := p.handler(rec.Symbol)
	if !ok {
		p.abandon(rec.BrokerOrder, rec.OriginalOrder)
		return false
	}
	h.ts.AddOrderChange()
	seq, err := s.SendApp(qm, func(seq int) { p.store.SetSequence(rec.BrokerOrder, seq) })
	if err != nil && seq == 0 {
		p.abandon(rec.BrokerOrder, rec.OriginalOrder)
		h.ts.RemoveOrderChange()
		p.logSendFailure(action.String(), rec, err)
		return false
	}
	o.BrokerOrder = rec.BrokerOrder
	o.SerialNumber = rec.SerialNumber
	o.Sequence = seq
	if err != nil {
		p.logInterrupted(action.String(), rec, seq, err)
		return true
	}
	p.log.Info("Order request sent",
		slog.String("action", action.String()),
		slog.String("order", rec.BrokerOrder),
		slog.String("original", rec.OriginalOrder),
		slog.Int("seq", seq))
	return true
}

// abandon drops a request that was never stamped and puts its original
// back. A stamped request sits in the outbound archive and reaches the
// broker through the resend after the reconnect, so it is never abandoned.
func (p *Provider) abandon(id, original string) {
	p.store.Update(func(tx *reconcile.Tx) {
		if rec, ok := tx.Get(id); ok {
			rec.State = domain.StateRejected
			tx.Purge(id)
		}
		if orig, ok := tx.Get(original); ok && orig.State == domain.StatePending {
			orig.State = domain.StateActive
			if orig.ReplacedBy == id {
				orig.ReplacedBy = ""
			}
		}
	})
}

// logInterrupted records a request whose write failed after it was stamped.
// The record and its TickSync count stay until the broker answers the resend.
func (p *Provider) logInterrupted(op string, o *domain.CreateOrChangeOrder, seq int, err error) {
	p.log.Warn("Order write interrupted, pending resend",
		slog.String("op", op),
		slog.String("order", o.BrokerOrder),
		slog.Int("seq", seq),
		slog.Any("error", err))
}

func (p *Provider) logSendFailure(op string, o *domain.CreateOrChangeOrder, err error) {
	p.log.Warn("Order send failed",
		slog.String("op", op),
		slog.String("order", o.BrokerOrder),
		slog.Any("error", err))
}

// GetOrderByID returns a copy of the order record.
func (p *Provider) GetOrderByID(brokerOrder string) (*domain.CreateOrChangeOrder, bool) {
	if _, ok := p.recovered(); !ok {
		return nil, false
	}
	var out *domain.CreateOrChangeOrder
	p.store.Update(func(tx *reconcile.Tx) {
		if o, ok := tx.Get(brokerOrder); ok {
			out = o.Clone()
		}
	})
	return out, out != nil
}

// OnOrderConfirmed releases the TickSync count taken when the request was sent.
func (p *Provider) OnOrderConfirmed(o *domain.CreateOrChangeOrder) {
	h, ok := p.handler(o.Symbol)
	if !ok {
		return
	}
	switch o.Action {
	case domain.ActionCreate:
		h.ts.RemovePhysicalOrder()
	default:
		h.ts.RemoveOrderChange()
	}
}

// OnFill counts the fill and the position change it causes and queues the
// callback for the symbol handler.
func (p *Provider) OnFill(fill domain.PhysicalFill, o *domain.CreateOrChangeOrder) {
	h, ok := p.handler(fill.Symbol)
	if !ok {
		p.log.Warn("Fill for unregistered symbol", slog.String("symbol", fill.Symbol))
		return
	}
	h.ts.AddPhysicalFill()
	h.ts.AddPositionChange()
	ev := event.Acquire(event.KindFill)
	ev.Symbol = fill.Symbol
	ev.Fill = fill
	ev.Order = o
	h.control.Push(ev)
	h.handle.Wake()
}

// OnReject queues the reject callback. A reject that retries the order on a
// recovered session also asks the symbol handler to reprocess orders.
func (p *Provider) OnReject(o *domain.CreateOrChangeOrder, text string, class domain.RejectClass) {
	h, ok := p.handler(o.Symbol)
	if !ok {
		return
	}
	if _, recovered := p.recovered(); recovered && class.RetriesOrder() {
		h.ts.SetReprocessPhysicalOrders()
	}
	ev := event.Acquire(event.KindReject)
	ev.Symbol = o.Symbol
	ev.Order = o
	ev.Text = text
	ev.Class = class
	h.control.Push(ev)
	h.handle.Wake()
}

// OnBrokerState fans the broker start/end signal out to every symbol.
func (p *Provider) OnBrokerState(online bool) {
	kind := event.KindEndBroker
	if online {
		kind = event.KindStartBroker
	}
	p.eachHandler(func(h *SymbolHandler) {
		h.ts.SetSwitchBrokerState()
		ev := event.Acquire(kind)
		ev.Symbol = h.symbol
		h.control.Push(ev)
		h.handle.Wake()
	})
}

// Close stops every symbol handler; their TickSync records are force-cleared.
func (p *Provider) Close() {
	p.eachHandler(func(h *SymbolHandler) {
		h.stop()
	})
}
