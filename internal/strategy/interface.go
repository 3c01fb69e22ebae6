package strategy

import (
	"fix_provider/internal/domain"
)

// Receiver is the callback interface a strategy exposes to the provider.
// Callbacks for one symbol are delivered from a single task, one at a time,
// and a new tick is never delivered before the previous one has drained.
type Receiver interface {
	OnTick(symbolID int64, symbol string, tick domain.Tick)
	OnEndTick(symbolID int64)
	OnPhysicalFill(fill domain.PhysicalFill, order *domain.CreateOrChangeOrder)
	OnRejectOrder(order *domain.CreateOrChangeOrder, reason string)
	// OnStartBroker signals that orders for symbol may be placed.
	OnStartBroker(symbol string)
	// OnEndBroker signals that the broker went away; pause order submission.
	OnEndBroker(symbol string)
}

// OrderProcessor is implemented by receivers whose order algorithm can run
// without a new tick. ProcessOrders is called after a retryable reject once
// nothing but order processing is pending for the symbol.
type OrderProcessor interface {
	ProcessOrders(symbol string)
}

// OrderEntry is the order API the provider offers to strategies. Every call
// returns false without side effects unless the session is recovered.
type OrderEntry interface {
	// CreateOrder submits a new order. The provider assigns BrokerOrder and
	// SerialNumber on o.
	CreateOrder(o *domain.CreateOrChangeOrder) bool
	// ChangeOrder replaces the order named by o.OriginalOrder with o's
	// price and size.
	ChangeOrder(o *domain.CreateOrChangeOrder) bool
	// CancelOrder cancels an open order by broker id.
	CancelOrder(brokerOrder string) bool
	// GetOrderByID returns a copy of the current record.
	GetOrderByID(brokerOrder string) (*domain.CreateOrChangeOrder, bool)
}
