package provider

import (
	"context"
	"log/slog"
	"sync/atomic"

	"fix_provider/internal/engine"
	"fix_provider/internal/event"
	"fix_provider/internal/strategy"
	"fix_provider/internal/ticksync"
)

// SymbolHandler is the per-symbol task that delivers callbacks to one
// receiver. Fills, rejects and broker state changes are delivered as soon
// as the drain lock is free; a tick is delivered only when the previous
// one has completed.
type SymbolHandler struct {
	symbol   string
	ts       *ticksync.TickSync
	receiver strategy.Receiver
	log      *slog.Logger

	ticks   event.Queue
	control event.Queue

	handle      *engine.Handle
	unsubscribe func()
	stopped     atomic.Bool
	delivered   atomic.Int64
	reprocessed atomic.Int64
}

func newSymbolHandler(symbol string, ts *ticksync.TickSync, r strategy.Receiver, log *slog.Logger) *SymbolHandler {
	return &SymbolHandler{
		symbol:   symbol,
		ts:       ts,
		receiver: r,
		log:      log.With(slog.String("symbol", symbol)),
	}
}

func (h *SymbolHandler) Name() string { return "symbol:" + h.symbol }

// Delivered returns the number of ticks handed to the receiver.
func (h *SymbolHandler) Delivered() int64 { return h.delivered.Load() }

// Reprocessed returns the number of order reprocessing passes run.
func (h *SymbolHandler) Reprocessed() int64 { return h.reprocessed.Load() }

func (h *SymbolHandler) Invoke(context.Context) (engine.Yield, error) {
	if h.stopped.Load() {
		return engine.Terminate, nil
	}
	if !h.ts.TryLock() {
		return engine.Wait, nil
	}
	defer h.ts.Unlock()

	for ev, ok := h.control.Pop(); ok; ev, ok = h.control.Pop() {
		h.deliverControl(ev)
		event.Release(ev)
	}
	if h.ts.OnlyReprocessingOrders() {
		h.reprocess()
	}

	ev, ok := h.ticks.Peek()
	if !ok || !h.ts.Completed() {
		return engine.Wait, nil
	}
	h.ticks.Pop()
	defer event.Release(ev)

	if ev.Kind == event.KindEndOfData {
		h.receiver.OnEndTick(h.ts.Symbol())
		return engine.Repeat, nil
	}
	h.ts.AddTick()
	h.receiver.OnTick(h.ts.Symbol(), h.symbol, ev.Tick)
	h.ts.RemoveTick()
	h.delivered.Add(1)
	return engine.Repeat, nil
}

// reprocess runs the receiver's order algorithm without a tick. If other
// work raced in after the request was taken, the request is put back for
// the next pass.
func (h *SymbolHandler) reprocess() {
	h.ts.AddProcessPhysicalOrders()
	defer h.ts.RemoveProcessPhysicalOrders()
	h.ts.ClearReprocessPhysicalOrders()
	if !h.ts.OnlyProcessingOrders() {
		h.ts.SetReprocessPhysicalOrders()
		return
	}
	if p, ok := h.receiver.(strategy.OrderProcessor); ok {
		p.ProcessOrders(h.symbol)
	}
	h.reprocessed.Add(1)
}

func (h *SymbolHandler) deliverControl(ev *event.Event) {
	switch ev.Kind {
	case event.KindFill:
		h.ts.RemoveWaitingFill()
		h.receiver.OnPhysicalFill(ev.Fill, ev.Order)
		h.ts.RemovePhysicalFill()
		h.ts.RemovePositionChange()
	case event.KindReject:
		h.receiver.OnRejectOrder(ev.Order, ev.Text)
	case event.KindStartBroker:
		h.receiver.OnStartBroker(h.symbol)
		h.ts.ClearSwitchBrokerState()
	case event.KindEndBroker:
		h.receiver.OnEndBroker(h.symbol)
		h.ts.ClearSwitchBrokerState()
	default:
		h.log.Warn("Unexpected event", slog.String("kind", ev.Kind.String()))
	}
}

func (h *SymbolHandler) stop() {
	if h.stopped.CompareAndSwap(false, true) && h.handle != nil {
		h.handle.Wake()
	}
}

// Dispose releases queued events and force-clears the TickSync record.
func (h *SymbolHandler) Dispose() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	for _, q := range []*event.Queue{&h.ticks, &h.control} {
		for ev, ok := q.Pop(); ok; ev, ok = q.Pop() {
			event.Release(ev)
		}
	}
	h.ts.ForceClear()
	h.log.Info("Symbol handler disposed")
}
