package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderAction says what a CreateOrChangeOrder asks the broker to do.
type OrderAction int

const (
	ActionCreate OrderAction = iota + 1
	ActionChange
	ActionCancel
)

func (a OrderAction) String() string {
	switch a {
	case ActionCreate:
		return "Create"
	case ActionChange:
		return "Change"
	case ActionCancel:
		return "Cancel"
	default:
		return "Unknown"
	}
}

// OrderState is the lifecycle state of a broker order as confirmed by execution reports.
type OrderState int

const (
	StatePendingNew OrderState = iota + 1
	StatePending               // cancel/replace outstanding
	StateActive
	StateFilled
	StateCanceled
	StateRejected
	StateSuspended
)

func (s OrderState) String() string {
	switch s {
	case StatePendingNew:
		return "PendingNew"
	case StatePending:
		return "Pending"
	case StateActive:
		return "Active"
	case StateFilled:
		return "Filled"
	case StateCanceled:
		return "Canceled"
	case StateRejected:
		return "Rejected"
	case StateSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further execution reports can change the order.
func (s OrderState) IsTerminal() bool {
	return s == StateFilled || s == StateCanceled || s == StateRejected
}

// Side of an order.
type Side int

const (
	SideBuy Side = iota + 1
	SideSell
	SideSellShort
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "Buy"
	case SideSell:
		return "Sell"
	case SideSellShort:
		return "SellShort"
	default:
		return "Unknown"
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType of an order.
type OrderType int

const (
	TypeMarket OrderType = iota + 1
	TypeLimit
	TypeStop
)

func (t OrderType) String() string {
	switch t {
	case TypeMarket:
		return "Market"
	case TypeLimit:
		return "Limit"
	case TypeStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// CreateOrChangeOrder is the logical record of one request sent to the broker.
// A cancel/replace creates a second record; the two are linked by broker id
// through ReplacedBy and OriginalOrder rather than by pointer, so a purged
// record never pins its neighbour.
type CreateOrChangeOrder struct {
	Action OrderAction
	State  OrderState
	Side   Side
	Type   OrderType
	Price  decimal.Decimal
	Size   decimal.Decimal
	Symbol string

	BrokerOrder     string // ClOrdID
	ExchangeOrderID string // OrderID assigned by the broker
	LogicalOrderID  int64
	SerialNumber    int64

	ReplacedBy    string
	OriginalOrder string

	CumQty    decimal.Decimal
	Sequence  int // outbound sequence number of the request that created this record
	UpdatedAt time.Time
}

// Remaining returns the unfilled size.
func (o *CreateOrChangeOrder) Remaining() decimal.Decimal {
	r := o.Size.Sub(o.CumQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// IsOpen checks if the order can still trade.
func (o *CreateOrChangeOrder) IsOpen() bool {
	return !o.State.IsTerminal()
}

// Clone returns a copy safe to hand to another goroutine.
func (o *CreateOrChangeOrder) Clone() *CreateOrChangeOrder {
	c := *o
	return &c
}
