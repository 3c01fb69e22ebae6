package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/fix"
	"fix_provider/internal/infra"

	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"
)

// Sink receives the outcome of reconciliation. Callbacks run on the session
// task after the order store has been updated and unlocked.
type Sink interface {
	// OnOrderConfirmed runs once per record when the broker first answers the
	// request that created it (accepted, replaced, canceled or rejected).
	OnOrderConfirmed(o *domain.CreateOrChangeOrder)
	OnFill(fill domain.PhysicalFill, o *domain.CreateOrChangeOrder)
	OnReject(o *domain.CreateOrChangeOrder, text string, class domain.RejectClass)
	// OnBrokerState reports that orders can (true) or can no longer (false)
	// be placed.
	OnBrokerState(online bool)
}

// Requester is the part of the session the engine sends through.
type Requester interface {
	SendRequest(qm *quickfix.Message) (int, error)
	Dialect() fix.Dialect
}

// Snapshotter persists order and position snapshots.
type Snapshotter interface {
	SaveOrders(orders []*domain.CreateOrChangeOrder) error
	SavePositions(positions []domain.Position) error
}

// Options configures an Engine.
type Options struct {
	Account          string
	UseLocalFillTime bool
	Classifier       *fix.RejectClassifier
	Snapshots        Snapshotter
	Logger           *slog.Logger
	Now              func() time.Time
}

// Engine reconciles broker execution reports against the order store and
// the position book. It implements fix.Handler.
type Engine struct {
	store      *Store
	positions  *domain.PositionBook
	classifier *fix.RejectClassifier
	sink       Sink
	opts       Options
	log        *slog.Logger

	mu  sync.Mutex
	req Requester

	recovered atomic.Bool
	online    atomic.Bool

	// position request in flight, session task only
	posReqID   string
	posCount   int
	posTotal   int
	posReports map[string]decimal.Decimal
	reqSerial  int
}

// NewEngine creates an engine over store and positions.
func NewEngine(store *Store, positions *domain.PositionBook, sink Sink, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = infra.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Classifier == nil {
		opts.Classifier, _ = fix.NewRejectClassifier(nil)
	}
	return &Engine{
		store:      store,
		positions:  positions,
		classifier: opts.Classifier,
		sink:       sink,
		opts:       opts,
		log:        opts.Logger.With(slog.String("component", "reconcile")),
	}
}

// Attach sets the session used for position requests and reconstruction.
func (e *Engine) Attach(r Requester) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req = r
}

func (e *Engine) requester() Requester {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req
}

// IsRecovered reports whether the session finished recovery.
func (e *Engine) IsRecovered() bool { return e.recovered.Load() }

// IsBrokerOnline reports whether orders may be placed.
func (e *Engine) IsBrokerOnline() bool { return e.online.Load() }

// Store returns the order store.
func (e *Engine) Store() *Store { return e.store }

// Positions returns the position book.
func (e *Engine) Positions() *domain.PositionBook { return e.positions }

// Reconstruct rebuilds an archived order request from the current record so
// a resend reflects what the order is now. Orders no longer open are replayed
// verbatim by the caller.
func (e *Engine) Reconstruct(archived *fix.Message) (*quickfix.Message, bool) {
	r := e.requester()
	if r == nil {
		return nil, false
	}
	switch archived.Type {
	case fix.MsgTypeNewOrderSingle, fix.MsgTypeOrderCancelReplace, fix.MsgTypeOrderCancelRequest:
	default:
		return nil, false
	}
	o, ok := e.store.GetBySequence(archived.SeqNum)
	if !ok {
		o, ok = e.store.GetByBroker(archived.String(fix.TagClOrdID))
	}
	if !ok || !o.IsOpen() {
		return nil, false
	}
	var (
		qm  *quickfix.Message
		err error
	)
	e.store.Update(func(*Tx) {
		qm, err = r.Dialect().BuildOrder(o, e.opts.Account)
	})
	if err != nil {
		e.log.Warn("Order reconstruction failed", slog.String("order", o.BrokerOrder), slog.Any("error", err))
		return nil, false
	}
	return qm, true
}

// OnLogon resets per-connection state.
func (e *Engine) OnLogon() {
	e.recovered.Store(false)
	e.posReqID = ""
}

// OnOrderServer ends trading when the order server goes offline.
func (e *Engine) OnOrderServer(online bool) {
	if !online {
		e.recovered.Store(false)
		e.setOnline(false)
	}
}

// OnDisconnected ends trading until the next recovery.
func (e *Engine) OnDisconnected() {
	e.recovered.Store(false)
	e.posReqID = ""
	e.setOnline(false)
}

// OnRecovered requests broker positions when the dialect supports it and
// starts trading once they are reconciled.
func (e *Engine) OnRecovered() {
	e.recovered.Store(true)
	r := e.requester()
	if r == nil || !r.Dialect().SupportsPositions() {
		e.setOnline(true)
		return
	}

	e.reqSerial++
	e.posReqID = fmt.Sprintf("pos-%d-%d", e.opts.Now().UnixMilli(), e.reqSerial)
	e.posCount, e.posTotal = 0, -1
	e.posReports = make(map[string]decimal.Decimal)
	if _, err := r.SendRequest(r.Dialect().BuildPositionRequest(e.posReqID, e.opts.Account)); err != nil {
		e.log.Warn("Position request failed, trading without broker positions", slog.Any("error", err))
		e.posReqID = ""
		e.setOnline(true)
	}
}

func (e *Engine) setOnline(online bool) {
	if e.online.Swap(online) == online {
		return
	}
	e.log.Info("Broker state", slog.Bool("online", online))
	if !online {
		e.snapshot(nil)
	}
	e.sink.OnBrokerState(online)
}

// OnApplicationMessage dispatches one in-order application message.
func (e *Engine) OnApplicationMessage(m *fix.Message) error {
	switch m.Type {
	case fix.MsgTypeExecutionReport:
		return e.onExecutionReport(m)
	case fix.MsgTypeOrderCancelReject:
		return e.onCancelReject(m)
	case fix.MsgTypeBusinessReject:
		return e.onBusinessReject(m)
	case fix.MsgTypePositionReport:
		e.onPositionReport(m)
	default:
		e.log.Debug("Application message ignored", slog.String("msg", m.Ident()))
	}
	return nil
}

// event is a sink callback collected while the store is locked.
type event struct {
	confirmed *domain.CreateOrChangeOrder
	fill      *domain.PhysicalFill
	order     *domain.CreateOrChangeOrder
}

type pendingReject struct {
	order *domain.CreateOrChangeOrder
	text  string
}

func (e *Engine) onExecutionReport(m *fix.Message) error {
	clOrdID := m.String(fix.TagClOrdID)
	origID := m.String(fix.TagOrigClOrdID)
	status := m.String(fix.TagOrdStatus)
	execID := m.String(fix.TagExecID)

	var (
		events  []event
		rejects []pendingReject
		changed []*domain.CreateOrChangeOrder
		found   = true
		dup     bool
	)

	e.store.Update(func(tx *Tx) {
		o, ok := tx.Get(clOrdID)
		if !ok {
			found = false
			return
		}
		if !tx.MarkExec(execID, clOrdID) {
			dup = true
			return
		}
		if id := m.String(fix.TagOrderID); id != "" {
			o.ExchangeOrderID = id
		}
		o.UpdatedAt = e.opts.Now()

		var original *domain.CreateOrChangeOrder
		if origID != "" {
			original, _ = tx.Get(origID)
		}
		confirm := func(to domain.OrderState) {
			if o.State == domain.StatePendingNew {
				o.State = to
				events = append(events, event{confirmed: o.Clone()})
			}
		}

		switch status {
		case fix.OrdStatusPendingNew:

		case fix.OrdStatusNew:
			// A market order is settled by its fill, not by its acceptance.
			if o.Type != domain.TypeMarket {
				confirm(domain.StateActive)
			}

		case fix.OrdStatusPartiallyFilled:
			confirm(domain.StateActive)
			if o.State == domain.StatePending || o.State == domain.StateSuspended {
				o.State = domain.StateActive
			}
			events = e.applyFill(m, o, events)

		case fix.OrdStatusFilled:
			confirm(domain.StateFilled)
			events = e.applyFill(m, o, events)
			o.State = domain.StateFilled

		case fix.OrdStatusReplaced:
			if original != nil {
				if original.CumQty.GreaterThan(o.CumQty) {
					o.CumQty = original.CumQty
				}
				original.State = domain.StateCanceled
				original.ReplacedBy = o.BrokerOrder
				changed = append(changed, original)
			}
			confirm(domain.StateActive)
			events = e.applyFill(m, o, events)
			if original != nil {
				tx.Purge(original.BrokerOrder)
			}

		case fix.OrdStatusCanceled, fix.OrdStatusExpired:
			confirm(domain.StateCanceled)
			o.State = domain.StateCanceled
			if o.Action == domain.ActionCancel && original != nil {
				original.State = domain.StateCanceled
				changed = append(changed, original)
			}

		case fix.OrdStatusPendingCancel, fix.OrdStatusPendingReplace:
			target := o
			if original != nil {
				target = original
			}
			if target.IsOpen() && target.State != domain.StatePendingNew {
				target.State = domain.StatePending
			}
			events = e.applyFill(m, target, events)

		case fix.OrdStatusRejected:
			confirm(domain.StateRejected)
			o.State = domain.StateRejected
			if original != nil && original.State == domain.StatePending {
				restore(original)
				original.ReplacedBy = ""
			}
			rejects = append(rejects, pendingReject{order: o.Clone(), text: m.String(fix.TagText)})

		case fix.OrdStatusSuspended:
			confirm(domain.StateSuspended)
			o.State = domain.StateSuspended

		case fix.OrdStatusResumed:
			if o.State == domain.StateSuspended {
				o.State = domain.StateActive
			}

		default:
			e.log.Debug("Unhandled order status", slog.String("status", status), slog.String("order", clOrdID))
		}

		changed = append(changed, o)
		if !o.IsOpen() {
			if original != nil && !original.IsOpen() {
				tx.Purge(original.BrokerOrder)
			}
			tx.Purge(o.BrokerOrder)
		}
		for i, c := range changed {
			changed[i] = c.Clone()
		}
	})

	if !found {
		e.logUnknown(m, clOrdID)
		return nil
	}
	if dup {
		e.log.Debug("Duplicate execution ignored", slog.String("exec_id", execID), slog.String("order", clOrdID))
		return nil
	}

	e.emit(events)
	e.snapshot(changed)
	for _, r := range rejects {
		if err := e.reject(r.order, r.text); err != nil {
			return err
		}
	}
	return nil
}

// restore returns an order out of Pending after its cancel/replace failed.
func restore(o *domain.CreateOrChangeOrder) {
	if o.State != domain.StatePending {
		return
	}
	if o.CumQty.GreaterThanOrEqual(o.Size) && o.Size.IsPositive() {
		o.State = domain.StateFilled
		return
	}
	o.State = domain.StateActive
}

// applyFill turns LastQty into a fill on target. A report whose CumQty does
// not advance the order's cumulative quantity was already counted.
func (e *Engine) applyFill(m *fix.Message, target *domain.CreateOrChangeOrder, events []event) []event {
	lastQty := m.Decimal(fix.TagLastQty)
	if !lastQty.IsPositive() {
		return events
	}
	cum := target.CumQty.Add(lastQty)
	if m.Has(fix.TagCumQty) {
		reported := m.Decimal(fix.TagCumQty)
		if reported.LessThanOrEqual(target.CumQty) {
			e.log.Debug("Fill already applied",
				slog.String("order", target.BrokerOrder),
				slog.String("cum_qty", reported.String()))
			return events
		}
		cum = reported
	}
	target.CumQty = cum

	fill := domain.PhysicalFill{
		Symbol:      target.Symbol,
		Side:        target.Side,
		Size:        lastQty.Mul(decimal.NewFromInt(target.Side.Sign())),
		Price:       m.Decimal(fix.TagLastPx),
		Time:        e.fillTime(m),
		BrokerOrder: target.BrokerOrder,
		ExecID:      m.String(fix.TagExecID),
		CumQty:      cum,
		Partial:     cum.LessThan(target.Size),
	}
	net := e.positions.Apply(fill, m.SeqNum)
	e.log.Info("Fill",
		slog.String("order", target.BrokerOrder),
		slog.String("symbol", fill.Symbol),
		slog.String("size", fill.Size.String()),
		slog.String("price", fill.Price.String()),
		slog.String("position", net.String()))
	return append(events, event{fill: &fill, order: target.Clone()})
}

func (e *Engine) fillTime(m *fix.Message) time.Time {
	if e.opts.UseLocalFillTime {
		return e.opts.Now()
	}
	if v := m.String(fix.TagTransactTime); v != "" {
		for _, layout := range []string{fix.SendingTimeFormat, "20060102-15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	}
	if !m.SendingTime.IsZero() {
		return m.SendingTime
	}
	return e.opts.Now()
}

func (e *Engine) onCancelReject(m *fix.Message) error {
	clOrdID := m.String(fix.TagClOrdID)
	origID := m.String(fix.TagOrigClOrdID)
	text := m.String(fix.TagText)

	var (
		events  []event
		changed []*domain.CreateOrChangeOrder
		request *domain.CreateOrChangeOrder
		found   bool
	)
	e.store.Update(func(tx *Tx) {
		o, ok := tx.Get(clOrdID)
		if !ok {
			return
		}
		found = true
		if o.State == domain.StatePendingNew {
			o.State = domain.StateRejected
			events = append(events, event{confirmed: o.Clone()})
		}
		if original, ok := tx.Get(origID); ok {
			restore(original)
			if original.ReplacedBy == o.BrokerOrder {
				original.ReplacedBy = ""
			}
			changed = append(changed, original.Clone())
		}
		request = o.Clone()
		changed = append(changed, request)
		tx.Purge(o.BrokerOrder)
	})
	if !found {
		e.logUnknown(m, clOrdID)
		return nil
	}
	e.emit(events)
	e.snapshot(changed)
	return e.reject(request, text)
}

func (e *Engine) onBusinessReject(m *fix.Message) error {
	ref := m.String(fix.TagBusinessRejectRef)
	text := m.String(fix.TagText)

	var (
		events []event
		o      *domain.CreateOrChangeOrder
	)
	e.store.Update(func(tx *Tx) {
		rec, ok := tx.Get(ref)
		if !ok {
			return
		}
		if rec.State == domain.StatePendingNew {
			rec.State = domain.StateRejected
			events = append(events, event{confirmed: rec.Clone()})
		}
		if original, ok := tx.Get(rec.OriginalOrder); ok {
			restore(original)
		}
		o = rec.Clone()
		tx.Purge(rec.BrokerOrder)
	})
	if o == nil {
		e.log.Warn("Business reject", slog.String("ref", ref), slog.String("text", text))
		return nil
	}
	e.emit(events)
	e.snapshot([]*domain.CreateOrChangeOrder{o})
	return e.reject(o, text)
}

// reject classifies broker reject text. Rejects replayed during recovery are
// informational; afterwards unknown text ends the session task and a resync
// class forces a reconnect.
func (e *Engine) reject(o *domain.CreateOrChangeOrder, text string) error {
	class := e.classifier.Classify(text)
	infra.Rejects.WithLabelValues(class.String()).Inc()
	e.sink.OnReject(o, text, class)

	if !e.recovered.Load() {
		e.log.Info("Reject during recovery",
			slog.String("order", o.BrokerOrder),
			slog.String("class", class.String()),
			slog.String("text", text))
		return nil
	}
	rerr := &domain.RejectError{Class: class, BrokerOrder: o.BrokerOrder, Text: text}
	switch class {
	case domain.RejectUnknown:
		e.log.Error("Unrecognized broker reject", slog.String("order", o.BrokerOrder), slog.String("text", text))
		return &domain.UnrecoverableError{Err: rerr}
	case domain.RejectResync:
		return rerr
	default:
		e.log.Warn("Broker reject",
			slog.String("order", o.BrokerOrder),
			slog.String("class", class.String()),
			slog.String("text", text))
		return nil
	}
}

func (e *Engine) onPositionReport(m *fix.Message) {
	if e.posReqID == "" || m.String(fix.TagPosReqID) != e.posReqID {
		e.log.Debug("Stale position report", slog.String("req", m.String(fix.TagPosReqID)))
		return
	}
	if total, ok := m.Int(fix.TagTotalNumPosReports); ok {
		e.posTotal = total
	}
	if symbol := m.String(fix.TagSymbol); symbol != "" {
		net := m.Decimal(fix.TagLongQty).Sub(m.Decimal(fix.TagShortQty))
		e.posReports[symbol] = e.posReports[symbol].Add(net)
		e.posCount++
	}
	if e.posTotal < 0 || e.posCount < e.posTotal {
		return
	}

	mismatches := e.positions.Compare(e.posReports)
	for _, mm := range mismatches {
		infra.PositionMismatches.Inc()
		e.log.Warn("Position mismatch",
			slog.String("symbol", mm.Symbol),
			slog.String("local", mm.Local.String()),
			slog.String("broker", mm.Broker.String()))
	}
	e.log.Info("Positions reconciled", slog.Int("reports", e.posCount), slog.Int("mismatches", len(mismatches)))
	e.posReqID = ""
	if e.recovered.Load() {
		e.setOnline(true)
	}
}

func (e *Engine) logUnknown(m *fix.Message, clOrdID string) {
	level := slog.LevelWarn
	if !e.recovered.Load() || m.PossDup {
		level = slog.LevelInfo
	}
	e.log.Log(context.Background(), level, "Report for unknown order", slog.String("order", clOrdID), slog.String("msg", m.Ident()))
}

// emit hands fills to the sink before confirmations, so a fill is counted
// before the count of the request that produced it is released.
func (e *Engine) emit(events []event) {
	for _, ev := range events {
		if ev.fill != nil {
			infra.Fills.Inc()
			e.sink.OnFill(*ev.fill, ev.order)
		}
	}
	for _, ev := range events {
		if ev.confirmed != nil {
			e.sink.OnOrderConfirmed(ev.confirmed)
		}
	}
}

// snapshot persists changed records and the position book.
func (e *Engine) snapshot(changed []*domain.CreateOrChangeOrder) {
	if e.opts.Snapshots == nil {
		return
	}
	if len(changed) > 0 {
		if err := e.opts.Snapshots.SaveOrders(changed); err != nil {
			e.log.Error("Save orders failed", slog.Any("error", err))
		}
	}
	if err := e.opts.Snapshots.SavePositions(e.positions.Snapshot()); err != nil {
		e.log.Error("Save positions failed", slog.Any("error", err))
	}
}

// Restore loads persisted open orders and positions before the session starts.
func (e *Engine) Restore(orders []*domain.CreateOrChangeOrder, positions []domain.Position) {
	for _, o := range orders {
		if o.IsOpen() {
			e.store.Add(o)
		}
	}
	for _, p := range positions {
		e.positions.Set(p.Symbol, p.Net)
	}
	e.log.Info("Restored state", slog.Int("orders", e.store.Len()), slog.Int("positions", len(positions)))
}
