package ticksync

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLayout(t *testing.T) {
	assert.Equal(t, 56, RecordSize)
}

func TestSymbolID(t *testing.T) {
	assert.Equal(t, SymbolID("EUR/USD"), SymbolID("EUR/USD"))
	assert.NotEqual(t, SymbolID("EUR/USD"), SymbolID("USD/JPY"))
	assert.Positive(t, SymbolID(""))
}

func TestDirectory_GetOrCreate(t *testing.T) {
	dir, err := NewDirectory(Options{PageSize: 2})
	require.NoError(t, err)
	defer dir.Close()

	a, err := dir.GetOrCreate(10)
	require.NoError(t, err)
	b, err := dir.GetOrCreate(10)
	require.NoError(t, err)
	assert.Equal(t, a.Handle(), b.Handle(), "same symbol must resolve to the same slot")

	// Fill the first page and spill into a second.
	_, err = dir.GetOrCreate(11)
	require.NoError(t, err)
	c, err := dir.GetOrCreate(12)
	require.NoError(t, err)
	assert.Equal(t, Handle{Page: 1, Slot: 0}, c.Handle())
	assert.Equal(t, 2, dir.PageCount())

	found, ok := dir.Lookup(12)
	require.True(t, ok)
	assert.Equal(t, c.Handle(), found.Handle())
	_, ok = dir.Lookup(99)
	assert.False(t, ok)

	_, err = dir.GetOrCreate(0)
	assert.Error(t, err)
}

func TestDirectory_ConcurrentClaim(t *testing.T) {
	dir, err := NewDirectory(Options{PageSize: 3})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	handles := make([]Handle, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every worker claims symbols 1..8 and records where symbol 5 landed.
			for id := int64(1); id <= 8; id++ {
				ts, err := dir.GetOrCreate(id)
				if err != nil {
					t.Error(err)
					return
				}
				if id == 5 {
					handles[i] = ts.Handle()
				}
				runtime.Gosched()
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, handles[0], handles[i])
	}
	seen := map[int64]int{}
	dir.ForEach(func(ts *TickSync) { seen[ts.Symbol()]++ })
	assert.Len(t, seen, 8)
	for id, n := range seen {
		assert.Equal(t, 1, n, "symbol %d claimed more than once", id)
	}
}

func TestDirectory_SyncTestFlag(t *testing.T) {
	dir, err := NewDirectory(Options{})
	require.NoError(t, err)
	dir.SetSyncTest(3)
	assert.Equal(t, int32(3), dir.SyncTest())
}
