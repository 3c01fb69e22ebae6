package ticksync

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"fix_provider/internal/infra"
)

// DefaultPageSize is the number of records per page.
const DefaultPageSize = 1000

// header is the directory record shared by every process attached to the
// same directory: page count, page size and the sync-test flags.
type header struct {
	PageCount int32
	PageSize  int32
	SyncTest  int32
	_         int32
}

type page struct {
	records []Record
	closer  io.Closer
}

// allocator provides storage for the header and the record pages.
type allocator interface {
	header() (*header, io.Closer, error)
	page(index, size int) ([]Record, io.Closer, error)
}

// Options configures a Directory.
type Options struct {
	// PageSize is the number of records per page (DefaultPageSize if zero).
	PageSize int
	// SharedDir, when set, backs header and pages with memory-mapped files in
	// that directory so several processes see the same counters.
	SharedDir string
	Logger    *slog.Logger
}

// Directory allocates and locates per-symbol records. It is the single
// process-wide registry of TickSync state; construct it once before any
// session starts and pass it to every component that needs it.
type Directory struct {
	log      *slog.Logger
	alloc    allocator
	hdr      *header
	hdrClose io.Closer
	pageSize int

	growMu sync.Mutex
	pages  atomic.Pointer[[]*page]

	subMu  sync.RWMutex
	subs   map[int64]map[uint64]func()
	nextID uint64
}

// NewDirectory creates a directory and maps any pages already recorded in a
// shared header.
func NewDirectory(opts Options) (*Directory, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = infra.Discard()
	}

	var alloc allocator = heapAllocator{}
	if opts.SharedDir != "" {
		a, err := newMmapAllocator(opts.SharedDir)
		if err != nil {
			return nil, fmt.Errorf("shared memory directory: %w", err)
		}
		alloc = a
	}

	hdr, closer, err := alloc.header()
	if err != nil {
		return nil, fmt.Errorf("map directory header: %w", err)
	}
	if ps := atomic.LoadInt32(&hdr.PageSize); ps == 0 {
		atomic.CompareAndSwapInt32(&hdr.PageSize, 0, int32(opts.PageSize))
	}

	d := &Directory{
		log:      opts.Logger.With(slog.String("component", "ticksync")),
		alloc:    alloc,
		hdr:      hdr,
		hdrClose: closer,
		pageSize: int(atomic.LoadInt32(&hdr.PageSize)),
		subs:     make(map[int64]map[uint64]func()),
	}
	empty := make([]*page, 0)
	d.pages.Store(&empty)

	d.growMu.Lock()
	err = d.attachLocked()
	d.growMu.Unlock()
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// GetOrCreate returns the handle for symbolID, claiming a free slot on first
// reference. Lookup is a linear scan; claiming is a compare-and-swap on the
// slot's symbol id, so concurrent callers for one symbol agree on one slot.
func (d *Directory) GetOrCreate(symbolID int64) (*TickSync, error) {
	if symbolID == 0 {
		return nil, errors.New("symbol id 0 is reserved")
	}
	for {
		pages := *d.pages.Load()
		for pi, p := range pages {
			for si := range p.records {
				r := &p.records[si]
				cur := atomic.LoadInt64(&r.SymbolID)
				if cur == 0 && atomic.CompareAndSwapInt64(&r.SymbolID, 0, symbolID) {
					d.log.Debug("TickSync slot claimed", slog.Int64("symbol", symbolID), slog.Int("page", pi), slog.Int("slot", si))
					return d.handle(r, pi, si), nil
				}
				if atomic.LoadInt64(&r.SymbolID) == symbolID {
					return d.handle(r, pi, si), nil
				}
			}
		}
		if err := d.grow(len(pages)); err != nil {
			return nil, err
		}
	}
}

// Lookup finds an existing record without claiming one.
func (d *Directory) Lookup(symbolID int64) (*TickSync, bool) {
	for pi, p := range *d.pages.Load() {
		for si := range p.records {
			r := &p.records[si]
			switch atomic.LoadInt64(&r.SymbolID) {
			case symbolID:
				return d.handle(r, pi, si), true
			case 0:
				return nil, false
			}
		}
	}
	return nil, false
}

// PageCount returns the number of pages currently attached.
func (d *Directory) PageCount() int {
	return len(*d.pages.Load())
}

// SetSyncTest sets the sync-test flags word in the directory header.
func (d *Directory) SetSyncTest(flags int32) {
	atomic.StoreInt32(&d.hdr.SyncTest, flags)
}

// SyncTest returns the sync-test flags word.
func (d *Directory) SyncTest() int32 {
	return atomic.LoadInt32(&d.hdr.SyncTest)
}

// ForEach visits every claimed record.
func (d *Directory) ForEach(fn func(ts *TickSync)) {
	for pi, p := range *d.pages.Load() {
		for si := range p.records {
			r := &p.records[si]
			if atomic.LoadInt64(&r.SymbolID) == 0 {
				return
			}
			fn(d.handle(r, pi, si))
		}
	}
}

// Close unmaps shared pages. Heap-backed directories need no cleanup.
func (d *Directory) Close() error {
	var errs []error
	for _, p := range *d.pages.Load() {
		if p.closer != nil {
			errs = append(errs, p.closer.Close())
		}
	}
	if d.hdrClose != nil {
		errs = append(errs, d.hdrClose.Close())
	}
	return errors.Join(errs...)
}

func (d *Directory) handle(r *Record, pi, si int) *TickSync {
	return &TickSync{rec: r, handle: Handle{Page: pi, Slot: si}, symbol: atomic.LoadInt64(&r.SymbolID), dir: d}
}

// grow appends a page unless another goroutine (or process) already did.
func (d *Directory) grow(seen int) error {
	d.growMu.Lock()
	defer d.growMu.Unlock()

	if len(*d.pages.Load()) > seen {
		return nil
	}
	if int(atomic.LoadInt32(&d.hdr.PageCount)) > seen {
		return d.attachLocked()
	}
	atomic.AddInt32(&d.hdr.PageCount, 1)
	if err := d.attachLocked(); err != nil {
		atomic.AddInt32(&d.hdr.PageCount, -1)
		return err
	}
	d.log.Info("TickSync page added", slog.Int("pages", d.PageCount()))
	return nil
}

// attachLocked maps every page recorded in the header that is not yet attached.
func (d *Directory) attachLocked() error {
	current := *d.pages.Load()
	want := int(atomic.LoadInt32(&d.hdr.PageCount))
	if want <= len(current) {
		return nil
	}
	next := make([]*page, len(current), want)
	copy(next, current)
	for i := len(current); i < want; i++ {
		records, closer, err := d.alloc.page(i, d.pageSize)
		if err != nil {
			return fmt.Errorf("allocate page %d: %w", i, err)
		}
		next = append(next, &page{records: records, closer: closer})
	}
	d.pages.Store(&next)
	return nil
}

func (d *Directory) subscribe(symbolID int64, fn func()) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	d.nextID++
	id := d.nextID
	m, ok := d.subs[symbolID]
	if !ok {
		m = make(map[uint64]func())
		d.subs[symbolID] = m
	}
	m[id] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.subs[symbolID], id)
	}
}

func (d *Directory) notify(symbolID int64) {
	d.subMu.RLock()
	m := d.subs[symbolID]
	fns := make([]func(), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	d.subMu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

type heapAllocator struct{}

func (heapAllocator) header() (*header, io.Closer, error) {
	return &header{}, nil, nil
}

func (heapAllocator) page(_, size int) ([]Record, io.Closer, error) {
	return make([]Record, size), nil, nil
}
