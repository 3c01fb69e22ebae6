package simulator

import (
	"errors"
	"fmt"
	"sync"

	"fix_provider/internal/domain"
	"fix_provider/internal/fix"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

var (
	errUnknownOrder = errors.New("no such order")
	errOrderClosed  = errors.New("order already filled or canceled")
)

// Order is an order as the simulated exchange sees it.
type Order struct {
	ClOrdID     string
	OrigClOrdID string
	OrderID     string
	Symbol      string
	Side        domain.Side
	Type        domain.OrderType
	Price       decimal.Decimal
	Size        decimal.Decimal
	CumQty      decimal.Decimal
	AvgPx       decimal.Decimal
	Status      string
	serial      int64
}

// Leaves returns the unfilled quantity.
func (o *Order) Leaves() decimal.Decimal {
	return o.Size.Sub(o.CumQty)
}

// Fill is one execution produced by the matcher.
type Fill struct {
	Order Order // state after the fill
	Qty   decimal.Decimal
	Price decimal.Decimal
}

// Matcher keeps resting orders per symbol in arrival order and fills them
// in full against the latest quote.
type Matcher struct {
	mu        sync.Mutex
	serial    int64
	books     map[string]*btree.Map[int64, *Order]
	byID      map[string]*Order
	last      map[string]domain.Tick
	positions map[string]decimal.Decimal
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{
		books:     make(map[string]*btree.Map[int64, *Order]),
		byID:      make(map[string]*Order),
		last:      make(map[string]domain.Tick),
		positions: make(map[string]decimal.Decimal),
	}
}

func (m *Matcher) book(symbol string) *btree.Map[int64, *Order] {
	b, ok := m.books[symbol]
	if !ok {
		b = &btree.Map[int64, *Order]{}
		m.books[symbol] = b
	}
	return b
}

// Submit accepts a new order and fills it at once when the latest quote
// crosses it.
func (m *Matcher) Submit(o Order) (Order, []Fill, error) {
	if !o.Size.IsPositive() {
		return Order{}, nil, fmt.Errorf("order %s: size must be positive", o.ClOrdID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byID[o.ClOrdID]; dup {
		return Order{}, nil, fmt.Errorf("duplicate ClOrdID %s", o.ClOrdID)
	}
	rec := o
	rec.OrderID = uuid.NewString()
	rec.Status = fix.OrdStatusNew
	m.rest(&rec)
	fills := m.matchOne(&rec)
	return rec, fills, nil
}

// Replace moves a resting order to newID with a new price and size.
func (m *Matcher) Replace(origID, newID string, price, size decimal.Decimal) (Order, []Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, err := m.open(origID)
	if err != nil {
		return Order{}, nil, err
	}
	if size.IsPositive() && size.LessThanOrEqual(orig.CumQty) {
		return Order{}, nil, errOrderClosed
	}
	m.remove(orig)
	rec := *orig
	rec.OrigClOrdID = origID
	rec.ClOrdID = newID
	if !price.IsZero() {
		rec.Price = price
	}
	if size.IsPositive() {
		rec.Size = size
	}
	rec.Status = fix.OrdStatusReplaced
	m.rest(&rec)
	fills := m.matchOne(&rec)
	return rec, fills, nil
}

// Cancel removes a resting order.
func (m *Matcher) Cancel(origID, newID string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orig, err := m.open(origID)
	if err != nil {
		return Order{}, err
	}
	m.remove(orig)
	rec := *orig
	rec.OrigClOrdID = origID
	rec.ClOrdID = newID
	rec.Status = fix.OrdStatusCanceled
	return rec, nil
}

// OnTick records the quote and fills every resting order it crosses.
func (m *Matcher) OnTick(t domain.Tick) []Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[t.Symbol] = t
	b, ok := m.books[t.Symbol]
	if !ok {
		return nil
	}
	var crossed []*Order
	b.Scan(func(_ int64, o *Order) bool {
		if _, ok := m.price(o, t); ok {
			crossed = append(crossed, o)
		}
		return true
	})
	var fills []Fill
	for _, o := range crossed {
		fills = append(fills, m.matchOne(o)...)
	}
	return fills
}

// Last returns the latest quote of symbol.
func (m *Matcher) Last(symbol string) (domain.Tick, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.last[symbol]
	return t, ok
}

// Positions returns the net filled quantity per symbol.
func (m *Matcher) Positions() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.positions))
	for k, v := range m.positions {
		out[k] = v
	}
	return out
}

// Resting returns the number of open orders.
func (m *Matcher) Resting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *Matcher) open(id string) (*Order, error) {
	o, ok := m.byID[id]
	if !ok {
		return nil, errUnknownOrder
	}
	return o, nil
}

func (m *Matcher) rest(o *Order) {
	m.serial++
	o.serial = m.serial
	m.book(o.Symbol).Set(o.serial, o)
	m.byID[o.ClOrdID] = o
}

func (m *Matcher) remove(o *Order) {
	if b, ok := m.books[o.Symbol]; ok {
		b.Delete(o.serial)
	}
	delete(m.byID, o.ClOrdID)
}

// price returns the execution price of o against t, if t crosses o.
func (m *Matcher) price(o *Order, t domain.Tick) (decimal.Decimal, bool) {
	px := t.Ask
	if o.Side != domain.SideBuy {
		px = t.Bid
	}
	if px.IsZero() {
		px = t.Price
	}
	if px.IsZero() {
		return decimal.Zero, false
	}
	switch o.Type {
	case domain.TypeMarket:
		return px, true
	case domain.TypeLimit:
		if o.Side == domain.SideBuy && px.LessThanOrEqual(o.Price) {
			return px, true
		}
		if o.Side != domain.SideBuy && px.GreaterThanOrEqual(o.Price) {
			return px, true
		}
	case domain.TypeStop:
		if o.Side == domain.SideBuy && px.GreaterThanOrEqual(o.Price) {
			return px, true
		}
		if o.Side != domain.SideBuy && px.LessThanOrEqual(o.Price) {
			return px, true
		}
	}
	return decimal.Zero, false
}

// matchOne fills the remainder of o against the latest quote of its symbol.
func (m *Matcher) matchOne(o *Order) []Fill {
	t, ok := m.last[o.Symbol]
	if !ok {
		return nil
	}
	px, ok := m.price(o, t)
	if !ok {
		return nil
	}
	qty := o.Leaves()
	if !qty.IsPositive() {
		return nil
	}
	notional := o.AvgPx.Mul(o.CumQty).Add(px.Mul(qty))
	o.CumQty = o.CumQty.Add(qty)
	o.AvgPx = notional.Div(o.CumQty)
	o.Status = fix.OrdStatusFilled
	m.remove(o)

	signed := qty
	if o.Side != domain.SideBuy {
		signed = qty.Neg()
	}
	m.positions[o.Symbol] = m.positions[o.Symbol].Add(signed)
	return []Fill{{Order: *o, Qty: qty, Price: px}}
}
