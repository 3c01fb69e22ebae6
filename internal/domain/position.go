package domain

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Position is the signed net position held in one symbol.
type Position struct {
	Symbol  string          `json:"symbol"`
	Net     decimal.Decimal `json:"net"`
	LastSeq int             `json:"last_seq"` // inbound sequence of the last fill applied
}

// PositionBook tracks per-symbol net positions built from confirmed fills.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewPositionBook creates an empty position book.
func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[string]*Position),
	}
}

// get returns the position for a symbol, creating it if missing. Caller holds mu.
func (pb *PositionBook) get(symbol string) *Position {
	p, ok := pb.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol, Net: decimal.Zero}
		pb.positions[symbol] = p
	}
	return p
}

// Apply adds a fill to the position. Size is signed (positive buys, negative sells).
func (pb *PositionBook) Apply(fill PhysicalFill, seq int) decimal.Decimal {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	p := pb.get(fill.Symbol)
	p.Net = p.Net.Add(fill.Size)
	p.LastSeq = seq
	return p.Net
}

// Set overwrites a position, used when restoring from a snapshot.
func (pb *PositionBook) Set(symbol string, net decimal.Decimal) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.get(symbol).Net = net
}

// Net returns the net position for a symbol (zero if never traded).
func (pb *PositionBook) Net(symbol string) decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	if p, ok := pb.positions[symbol]; ok {
		return p.Net
	}
	return decimal.Zero
}

// Snapshot returns a copy of all positions sorted by symbol.
func (pb *PositionBook) Snapshot() []Position {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	result := make([]Position, 0, len(pb.positions))
	for _, p := range pb.positions {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

// Mismatch describes a difference between local and broker positions.
type Mismatch struct {
	Symbol string
	Local  decimal.Decimal
	Broker decimal.Decimal
}

// Compare checks broker-reported positions against the book. Symbols absent on
// one side count as zero there.
func (pb *PositionBook) Compare(broker map[string]decimal.Decimal) []Mismatch {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	seen := make(map[string]bool, len(broker))
	var out []Mismatch
	for symbol, net := range broker {
		seen[symbol] = true
		local := decimal.Zero
		if p, ok := pb.positions[symbol]; ok {
			local = p.Net
		}
		if !local.Equal(net) {
			out = append(out, Mismatch{Symbol: symbol, Local: local, Broker: net})
		}
	}
	for symbol, p := range pb.positions {
		if seen[symbol] || p.Net.IsZero() {
			continue
		}
		out = append(out, Mismatch{Symbol: symbol, Local: p.Net, Broker: decimal.Zero})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
