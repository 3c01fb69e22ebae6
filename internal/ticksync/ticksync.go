package ticksync

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"fix_provider/internal/domain"
	"fix_provider/internal/infra"
)

// TickSync is a handle on one symbol's Record. Handles are cheap views; any
// number of them may refer to the same record from different tasks.
type TickSync struct {
	rec    *Record
	handle Handle
	symbol int64
	dir    *Directory
}

// Handle locates a record inside the directory arena.
type Handle struct {
	Page int
	Slot int
}

// Symbol returns the symbol id this handle is bound to.
func (ts *TickSync) Symbol() int64 {
	return ts.symbol
}

// Handle returns the arena position of the record.
func (ts *TickSync) Handle() Handle {
	return ts.handle
}

// AddTick marks one tick in flight. A second tick before RemoveTick is a
// scheduling bug and panics with *domain.InvariantViolation.
func (ts *TickSync) AddTick() {
	if v := atomic.AddInt32(&ts.rec.Ticks, 1); v > 1 {
		atomic.AddInt32(&ts.rec.Ticks, -1)
		panic(&domain.InvariantViolation{
			Symbol: ts.symbol,
			Reason: fmt.Sprintf("tick counter would be %d; only one tick may be in flight", v),
		})
	}
	ts.changed()
}

// RemoveTick releases the in-flight tick.
func (ts *TickSync) RemoveTick() { ts.dec(&ts.rec.Ticks, "ticks") }

func (ts *TickSync) AddPhysicalOrder()    { ts.inc(&ts.rec.PhysicalOrders) }
func (ts *TickSync) RemovePhysicalOrder() { ts.dec(&ts.rec.PhysicalOrders, "physicalOrders") }

func (ts *TickSync) AddOrderChange()    { ts.inc(&ts.rec.OrderChange) }
func (ts *TickSync) RemoveOrderChange() { ts.dec(&ts.rec.OrderChange, "orderChange") }

func (ts *TickSync) AddPositionChange()    { ts.inc(&ts.rec.PositionChange) }
func (ts *TickSync) RemovePositionChange() { ts.dec(&ts.rec.PositionChange, "positionChange") }

func (ts *TickSync) AddWaitingMatch()    { ts.inc(&ts.rec.WaitingMatch) }
func (ts *TickSync) RemoveWaitingMatch() { ts.dec(&ts.rec.WaitingMatch, "waitingMatch") }

func (ts *TickSync) AddProcessPhysicalOrders() { ts.inc(&ts.rec.ProcessPhysical) }
func (ts *TickSync) RemoveProcessPhysicalOrders() {
	ts.dec(&ts.rec.ProcessPhysical, "processPhysical")
}

// AddPhysicalFill counts a fill that was created and is waiting for delivery.
func (ts *TickSync) AddPhysicalFill() {
	atomic.AddInt32(&ts.rec.PhysicalFillsCreated, 1)
	atomic.AddInt32(&ts.rec.PhysicalFillsWaiting, 1)
	ts.changed()
}

// RemoveWaitingFill marks a created fill as picked up for delivery.
func (ts *TickSync) RemoveWaitingFill() {
	ts.dec(&ts.rec.PhysicalFillsWaiting, "physicalFillsWaiting")
}

// RemovePhysicalFill marks a fill as fully processed by the strategy layer.
func (ts *TickSync) RemovePhysicalFill() {
	ts.dec(&ts.rec.PhysicalFillsCreated, "physicalFillsCreated")
}

// SetSwitchBrokerState flags a pending broker online/offline switch. Idempotent.
func (ts *TickSync) SetSwitchBrokerState() { ts.set(&ts.rec.SwitchBrokerState) }

// ClearSwitchBrokerState clears the switch flag. Idempotent.
func (ts *TickSync) ClearSwitchBrokerState() { ts.clear(&ts.rec.SwitchBrokerState) }

// SetReprocessPhysicalOrders asks the consumer to run order processing again. Idempotent.
func (ts *TickSync) SetReprocessPhysicalOrders() { ts.set(&ts.rec.ReprocessPhysical) }

// ClearReprocessPhysicalOrders clears the reprocess flag. Idempotent.
func (ts *TickSync) ClearReprocessPhysicalOrders() { ts.clear(&ts.rec.ReprocessPhysical) }

// TryLock claims the advisory drain lock for this cycle.
func (ts *TickSync) TryLock() bool {
	return atomic.CompareAndSwapInt32(&ts.rec.IsLocked, 0, 1)
}

// Unlock releases the advisory drain lock.
func (ts *TickSync) Unlock() {
	if !atomic.CompareAndSwapInt32(&ts.rec.IsLocked, 1, 0) {
		ts.dir.log.Warn("TickSync unlock without lock", slog.Int64("symbol", ts.symbol))
		return
	}
	ts.changed()
}

// IsLocked reports whether the drain lock is held.
func (ts *TickSync) IsLocked() bool {
	return atomic.LoadInt32(&ts.rec.IsLocked) == 1
}

// Snapshot reads every counter atomically (each individually).
func (ts *TickSync) Snapshot() Counters {
	r := ts.rec
	return Counters{
		Ticks:                atomic.LoadInt32(&r.Ticks),
		PositionChange:       atomic.LoadInt32(&r.PositionChange),
		WaitingMatch:         atomic.LoadInt32(&r.WaitingMatch),
		ProcessPhysical:      atomic.LoadInt32(&r.ProcessPhysical),
		ReprocessPhysical:    atomic.LoadInt32(&r.ReprocessPhysical),
		PhysicalFillsCreated: atomic.LoadInt32(&r.PhysicalFillsCreated),
		PhysicalFillsWaiting: atomic.LoadInt32(&r.PhysicalFillsWaiting),
		PhysicalOrders:       atomic.LoadInt32(&r.PhysicalOrders),
		OrderChange:          atomic.LoadInt32(&r.OrderChange),
		SwitchBrokerState:    atomic.LoadInt32(&r.SwitchBrokerState),
	}
}

// Completed is true iff every counter is zero: the current tick has fully
// drained through order, fill and position-change processing.
func (ts *TickSync) Completed() bool {
	return ts.Snapshot().IsZero()
}

// OnlyProcessingOrders is true when nothing but physical order processing is
// pending: no tick, fill, position change or match outstanding.
func (ts *TickSync) OnlyProcessingOrders() bool {
	c := ts.Snapshot()
	if c.ProcessPhysical == 0 {
		return false
	}
	c.ProcessPhysical, c.PhysicalOrders, c.OrderChange = 0, 0, 0
	return c.IsZero()
}

// OnlyReprocessingOrders is true when a reprocess request is the only pending
// work besides in-flight order confirmations.
func (ts *TickSync) OnlyReprocessingOrders() bool {
	c := ts.Snapshot()
	if c.ReprocessPhysical == 0 {
		return false
	}
	c.ReprocessPhysical, c.PhysicalOrders, c.OrderChange = 0, 0, 0
	return c.IsZero()
}

// ForceClear resets the record in place. Non-zero counters mean an incomplete
// cycle and are logged.
func (ts *TickSync) ForceClear() {
	if c := ts.Snapshot(); !c.IsZero() {
		ts.dir.log.Warn("TickSync force clear with pending work",
			slog.Int64("symbol", ts.symbol),
			slog.Any("counters", c))
	}
	r := ts.rec
	for _, p := range []*int32{
		&r.Ticks, &r.PositionChange, &r.WaitingMatch, &r.ProcessPhysical,
		&r.ReprocessPhysical, &r.PhysicalFillsCreated, &r.PhysicalFillsWaiting,
		&r.PhysicalOrders, &r.OrderChange, &r.SwitchBrokerState, &r.IsLocked,
	} {
		atomic.StoreInt32(p, 0)
	}
	ts.changed()
}

// OnChange registers fn to run after every mutation of this symbol's record,
// from any handle in this process. The returned func unregisters it.
func (ts *TickSync) OnChange(fn func()) (unregister func()) {
	return ts.dir.subscribe(ts.symbol, fn)
}

func (ts *TickSync) String() string {
	return fmt.Sprintf("TickSync(%d) %+v locked=%v", ts.symbol, ts.Snapshot(), ts.IsLocked())
}

func (ts *TickSync) inc(p *int32) {
	atomic.AddInt32(p, 1)
	ts.changed()
}

// dec decrements and corrects a negative result back up. Duplicate removes
// are expected during recovery replay, so they are logged and counted, not fatal.
func (ts *TickSync) dec(p *int32, name string) {
	if v := atomic.AddInt32(p, -1); v < 0 {
		atomic.AddInt32(p, 1)
		infra.TickSyncAnomalies.WithLabelValues(name).Inc()
		ts.dir.log.Warn("TickSync counter below zero corrected",
			slog.Int64("symbol", ts.symbol),
			slog.String("counter", name),
			slog.Int("value", int(v)))
	}
	ts.changed()
}

func (ts *TickSync) set(p *int32) {
	if atomic.CompareAndSwapInt32(p, 0, 1) {
		ts.changed()
	}
}

func (ts *TickSync) clear(p *int32) {
	if atomic.CompareAndSwapInt32(p, 1, 0) {
		ts.changed()
	}
}

func (ts *TickSync) changed() {
	ts.dir.notify(ts.symbol)
}
