package event

import (
	"sync"

	"fix_provider/internal/domain"
)

// Kind identifies what a strategy Event carries.
type Kind int

const (
	KindTick Kind = iota + 1
	KindEndOfData
	KindFill
	KindReject
	KindStartBroker
	KindEndBroker
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "Tick"
	case KindEndOfData:
		return "EndOfData"
	case KindFill:
		return "Fill"
	case KindReject:
		return "Reject"
	case KindStartBroker:
		return "StartBroker"
	case KindEndBroker:
		return "EndBroker"
	default:
		return "Unknown"
	}
}

// Event is one callback queued for a symbol handler.
type Event struct {
	Kind   Kind
	Symbol string
	Tick   domain.Tick
	Fill   domain.PhysicalFill
	Order  *domain.CreateOrChangeOrder
	Text   string
	Class  domain.RejectClass
}

// EventPool provides sync.Pool for high-frequency event allocation.
// Use this to reduce GC pressure in the hotpath.
//
// Usage:
//
//	ev := Acquire(KindTick)
//	ev.Tick = tick
//	// ... deliver ...
//	Release(ev)  // Return to pool after processing
var eventPool = sync.Pool{
	New: func() interface{} {
		return &Event{}
	},
}

// Acquire gets an Event of kind from the pool. All other fields are zero.
func Acquire(kind Kind) *Event {
	ev := eventPool.Get().(*Event)
	ev.Kind = kind
	return ev
}

// Release returns an Event to the pool.
// The event is reset to zero values before being pooled.
func Release(ev *Event) {
	if ev == nil {
		return
	}
	*ev = Event{}
	eventPool.Put(ev)
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
// It acquires and releases a batch of events.
func Warmup() {
	const batchSize = 1000

	evs := make([]*Event, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, Acquire(KindTick))
	}
	for _, ev := range evs {
		Release(ev)
	}
}
