package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one quote/trade update for a symbol.
type Tick struct {
	Symbol string
	Time   time.Time
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Price  decimal.Decimal // last trade
	Size   decimal.Decimal
}

// PhysicalFill is a confirmed execution against a broker order.
type PhysicalFill struct {
	Symbol      string
	Side        Side
	Size        decimal.Decimal // signed: positive buys, negative sells
	Price       decimal.Decimal
	Time        time.Time
	BrokerOrder string
	ExecID      string
	CumQty      decimal.Decimal
	Partial     bool
}
