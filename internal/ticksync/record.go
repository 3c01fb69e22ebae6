package ticksync

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Record is the per-symbol counter block. It is plain old data with a fixed
// field order so that pages of records can live in shared memory; every field
// is only ever touched through sync/atomic.
type Record struct {
	SymbolID             int64 // 0 marks a free slot
	IsLocked             int32
	Ticks                int32
	PositionChange       int32
	WaitingMatch         int32
	ProcessPhysical      int32
	ReprocessPhysical    int32
	PhysicalFillsCreated int32
	PhysicalFillsWaiting int32
	PhysicalOrders       int32
	OrderChange          int32
	SwitchBrokerState    int32
	_                    int32
}

// RecordSize is the size in bytes of one Record.
const RecordSize = int(unsafe.Sizeof(Record{}))

// Counters is a point-in-time copy of a Record's counters.
type Counters struct {
	Ticks                int32 `json:"ticks"`
	PositionChange       int32 `json:"position_change"`
	WaitingMatch         int32 `json:"waiting_match"`
	ProcessPhysical      int32 `json:"process_physical"`
	ReprocessPhysical    int32 `json:"reprocess_physical"`
	PhysicalFillsCreated int32 `json:"physical_fills_created"`
	PhysicalFillsWaiting int32 `json:"physical_fills_waiting"`
	PhysicalOrders       int32 `json:"physical_orders"`
	OrderChange          int32 `json:"order_change"`
	SwitchBrokerState    int32 `json:"switch_broker_state"`
}

// IsZero reports whether every counter is zero.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// SymbolID derives the stable identifier used to key a symbol's record.
// The hash is seedless so every process sharing a directory agrees on it.
func SymbolID(symbol string) int64 {
	id := int64(xxhash.Sum64String(symbol) & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return id
}
