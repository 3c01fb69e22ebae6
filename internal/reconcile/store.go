package reconcile

import (
	"sync"

	"fix_provider/internal/domain"

	"github.com/tidwall/btree"
)

// Store indexes order records by broker id, serial number and the outbound
// sequence number of the request that created them. Records returned by the
// getters are shared; mutate them only inside Update.
type Store struct {
	mu       sync.RWMutex
	byBroker map[string]*domain.CreateOrChangeOrder
	bySerial btree.Map[int64, *domain.CreateOrChangeOrder]
	bySeq    map[int]*domain.CreateOrChangeOrder
	execs    map[string]string // ExecID -> broker order
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byBroker: make(map[string]*domain.CreateOrChangeOrder),
		bySeq:    make(map[int]*domain.CreateOrChangeOrder),
		execs:    make(map[string]string),
	}
}

// Add inserts a record. An existing record with the same broker id is replaced.
func (s *Store) Add(o *domain.CreateOrChangeOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(o)
}

func (s *Store) addLocked(o *domain.CreateOrChangeOrder) {
	if old, ok := s.byBroker[o.BrokerOrder]; ok {
		s.removeLocked(old)
	}
	s.byBroker[o.BrokerOrder] = o
	if o.SerialNumber != 0 {
		s.bySerial.Set(o.SerialNumber, o)
	}
	if o.Sequence != 0 {
		s.bySeq[o.Sequence] = o
	}
}

// GetByBroker looks up a record by ClOrdID.
func (s *Store) GetByBroker(id string) (*domain.CreateOrChangeOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byBroker[id]
	return o, ok
}

// GetBySerial looks up a record by serial number.
func (s *Store) GetBySerial(serial int64) (*domain.CreateOrChangeOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bySerial.Get(serial)
}

// GetBySequence looks up the record created by the request sent with seq.
func (s *Store) GetBySequence(seq int) (*domain.CreateOrChangeOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.bySeq[seq]
	return o, ok
}

// SetSequence binds an outbound sequence number to a record.
func (s *Store) SetSequence(brokerOrder string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byBroker[brokerOrder]
	if !ok {
		return
	}
	if o.Sequence != 0 {
		delete(s.bySeq, o.Sequence)
	}
	o.Sequence = seq
	s.bySeq[seq] = o
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byBroker)
}

// Open returns clones of every non-terminal record ordered by serial number.
func (s *Store) Open() []*domain.CreateOrChangeOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.CreateOrChangeOrder
	s.bySerial.Scan(func(_ int64, o *domain.CreateOrChangeOrder) bool {
		if o.IsOpen() {
			out = append(out, o.Clone())
		}
		return true
	})
	return out
}

// Update runs fn with the store locked so multi-record changes (a replace
// touching both the original and the replacement) are applied atomically.
func (s *Store) Update(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Tx{s: s})
}

// Tx is the view of the store inside Update.
type Tx struct {
	s *Store
}

// Get looks up a record by broker id.
func (tx *Tx) Get(id string) (*domain.CreateOrChangeOrder, bool) {
	o, ok := tx.s.byBroker[id]
	return o, ok
}

// Add inserts a record.
func (tx *Tx) Add(o *domain.CreateOrChangeOrder) {
	tx.s.addLocked(o)
}

// MarkExec records an ExecID. It returns false if the id was seen before.
func (tx *Tx) MarkExec(execID, brokerOrder string) bool {
	if execID == "" {
		return true
	}
	if _, seen := tx.s.execs[execID]; seen {
		return false
	}
	tx.s.execs[execID] = brokerOrder
	return true
}

// Purge removes a terminal record unless a pending cancel/replace still
// refers to it as its original. It reports whether the record was removed.
func (tx *Tx) Purge(id string) bool {
	o, ok := tx.s.byBroker[id]
	if !ok || o.IsOpen() {
		return false
	}
	for _, other := range tx.s.byBroker {
		if other.OriginalOrder == id && other.State == domain.StatePendingNew {
			return false
		}
	}
	tx.s.removeLocked(o)
	return true
}

func (s *Store) removeLocked(o *domain.CreateOrChangeOrder) {
	delete(s.byBroker, o.BrokerOrder)
	if cur, ok := s.bySerial.Get(o.SerialNumber); ok && cur == o {
		s.bySerial.Delete(o.SerialNumber)
	}
	if cur, ok := s.bySeq[o.Sequence]; ok && cur == o {
		delete(s.bySeq, o.Sequence)
	}
	for id, owner := range s.execs {
		if owner == o.BrokerOrder {
			delete(s.execs, id)
		}
	}
}
