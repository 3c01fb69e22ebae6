package fix

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/btree"
	bolt "go.etcd.io/bbolt"
)

const (
	messagesBucket = "messages"
	metaBucket     = "meta"
)

// Entry is one archived outbound message.
type Entry struct {
	Seq     int    `json:"seq"`
	MsgType string `json:"msg_type"`
	Raw     []byte `json:"raw"`
	SentAt  int64  `json:"sent_at"`
}

// Sequences are the persisted next-to-send and next-expected numbers.
type Sequences struct {
	Local  int `json:"local"`
	Remote int `json:"remote"`
}

// History is the sequence-indexed archive of outbound messages used to
// answer resend requests, plus the persisted sequence numbers.
type History interface {
	Put(e Entry) error
	Get(seq int) (Entry, bool, error)
	Sequences() (Sequences, error)
	SaveSequences(s Sequences) error
	Reset() error
	Close() error
}

// BoltHistory keeps the archive in a bbolt file keyed by big-endian sequence.
type BoltHistory struct {
	db *bolt.DB
}

// OpenBoltHistory opens (or creates) the archive at path.
func OpenBoltHistory(path string) (*BoltHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir history path: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltHistory{db: db}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, name := range []string{messagesBucket, metaBucket} {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return err
		}
	}
	return nil
}

func seqKey(seq int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

func (h *BoltHistory) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(messagesBucket)).Put(seqKey(e.Seq), data)
	})
}

func (h *BoltHistory) Get(seq int) (Entry, bool, error) {
	var e Entry
	found := false
	err := h.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(messagesBucket)).Get(seqKey(seq))
		if len(data) == 0 {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	return e, found, err
}

func (h *BoltHistory) Sequences() (Sequences, error) {
	s := Sequences{Local: 1, Remote: 1}
	err := h.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(metaBucket)).Get([]byte("sequences"))
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, &s)
	})
	return s, err
}

func (h *BoltHistory) SaveSequences(s Sequences) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte("sequences"), data)
	})
}

// Reset drops every archived message and the stored sequences.
func (h *BoltHistory) Reset() error {
	return h.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{messagesBucket, metaBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return createBuckets(tx)
	})
}

func (h *BoltHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// MemoryHistory is an in-process History for tests and the simulator.
type MemoryHistory struct {
	mu   sync.Mutex
	msgs btree.Map[int, Entry]
	seqs Sequences
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{seqs: Sequences{Local: 1, Remote: 1}}
}

func (h *MemoryHistory) Put(e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs.Set(e.Seq, e)
	return nil
}

func (h *MemoryHistory) Get(seq int) (Entry, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.msgs.Get(seq)
	return e, ok, nil
}

func (h *MemoryHistory) Sequences() (Sequences, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seqs, nil
}

func (h *MemoryHistory) SaveSequences(s Sequences) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seqs = s
	return nil
}

func (h *MemoryHistory) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = btree.Map[int, Entry]{}
	h.seqs = Sequences{Local: 1, Remote: 1}
	return nil
}

func (h *MemoryHistory) Close() error { return nil }

// Len returns the number of archived messages.
func (h *MemoryHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msgs.Len()
}
