// Package simulator is the broker side of a FIX session for tests and
// local runs: it accepts connections, mirrors the session state machine,
// matches orders against generated quotes and injects faults on demand.
package simulator

import (
	"fmt"
	"sync"

	"fix_provider/internal/infra"
)

// FaultKind selects which failure a fault descriptor injects.
type FaultKind int

const (
	// ReceiveDisconnect drops the connection instead of processing an inbound order message.
	ReceiveDisconnect FaultKind = iota + 1
	// SendDisconnect archives an outbound report, then drops the connection without sending it.
	SendDisconnect
	// BlackHole archives an outbound report and silently never sends it.
	BlackHole
	// ServerOffline takes the order server offline and rejects the order.
	ServerOffline
	// RejectSymbol rejects new orders for one symbol.
	RejectSymbol
	// SkipSequence leaves a hole in the outbound sequence.
	SkipSequence
	// CancelReject refuses cancel and cancel/replace requests.
	CancelReject
)

var faultNames = map[FaultKind]string{
	ReceiveDisconnect: "ReceiveDisconnect",
	SendDisconnect:    "SendDisconnect",
	BlackHole:         "BlackHole",
	ServerOffline:     "ServerOffline",
	RejectSymbol:      "RejectSymbol",
	SkipSequence:      "SkipSequence",
	CancelReject:      "CancelReject",
}

func (k FaultKind) String() string {
	if n, ok := faultNames[k]; ok {
		return n
	}
	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// ParseFaultKind maps a configuration name onto a FaultKind.
func ParseFaultKind(name string) (FaultKind, error) {
	for k, n := range faultNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown fault kind %q", name)
}

// Info describes one injectable fault. It fires on the first eligible
// message at or after NextSequence, then re-arms Frequency messages later,
// until Counter reaches MaxFailures (0 means unlimited).
type Info struct {
	Kind         FaultKind
	Enabled      bool
	Frequency    int
	NextSequence int
	Counter      int
	MaxFailures  int
	Symbol       string
	Text         string
}

// Trigger reports whether the fault fires for a message with sequence seq
// about symbol ("" matches any fault symbol).
func (i *Info) Trigger(seq int, symbol string) bool {
	if !i.Enabled {
		return false
	}
	if i.MaxFailures > 0 && i.Counter >= i.MaxFailures {
		return false
	}
	if i.Symbol != "" && symbol != "" && i.Symbol != symbol {
		return false
	}
	if seq < i.NextSequence {
		return false
	}
	i.Counter++
	freq := i.Frequency
	if freq < 1 {
		freq = 1
	}
	i.NextSequence = seq + freq
	return true
}

// Faults is the set of fault descriptors of one simulator.
type Faults struct {
	mu    sync.Mutex
	infos map[FaultKind]*Info
}

// NewFaults builds descriptors from configuration. A fault first fires at
// its Frequency-th eligible message.
func NewFaults(cfgs []infra.FaultConfig) (*Faults, error) {
	f := &Faults{infos: make(map[FaultKind]*Info)}
	for _, c := range cfgs {
		kind, err := ParseFaultKind(c.Kind)
		if err != nil {
			return nil, err
		}
		f.infos[kind] = &Info{
			Kind:         kind,
			Enabled:      true,
			Frequency:    c.Frequency,
			NextSequence: c.Frequency,
			MaxFailures:  c.MaxFailures,
			Symbol:       c.Symbol,
			Text:         c.Text,
		}
	}
	return f, nil
}

// Fire evaluates the descriptor of kind, if configured.
func (f *Faults) Fire(kind FaultKind, seq int, symbol string) (Info, bool) {
	if f == nil {
		return Info{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.infos[kind]
	if !ok || !i.Trigger(seq, symbol) {
		return Info{}, false
	}
	return *i, true
}

// Snapshot returns copies of every descriptor.
func (f *Faults) Snapshot() []Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Info, 0, len(f.infos))
	for _, i := range f.infos {
		out = append(out, *i)
	}
	return out
}

// SetEnabled switches a configured fault on or off.
func (f *Faults) SetEnabled(kind FaultKind, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.infos[kind]
	if ok {
		i.Enabled = enabled
	}
	return ok
}
