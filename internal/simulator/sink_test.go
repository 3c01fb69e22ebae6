package simulator_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fix_provider/internal/domain"
	"fix_provider/internal/fix"
	"fix_provider/internal/infra"
	"fix_provider/internal/simulator"
	"fix_provider/internal/ticksync"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quoteLog struct {
	mu     sync.Mutex
	quotes []domain.Tick
}

func (q *quoteLog) OnQuote(t domain.Tick) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotes = append(q.quotes, t)
}

func (q *quoteLog) OnEndOfData(string) {}

func (q *quoteLog) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.quotes)
}

func TestMatchingSink_HoldsMatchUntilFillApplied(t *testing.T) {
	h := start(t, nil)
	require.Eventually(t, func() bool { return h.srv.State() == fix.StateRecovered }, 3*time.Second, 5*time.Millisecond)

	dir, err := ticksync.NewDirectory(ticksync.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })

	var applied atomic.Int64
	next := &quoteLog{}
	sink := simulator.NewMatchingSink(h.srv, dir, simulator.SinkOptions{
		Next:    next,
		Applied: func() int { return int(applied.Load()) },
		Timeout: 5 * time.Second,
		Logger:  infra.Discard(),
	})

	// nothing rests yet, so the quote passes straight through
	sink.OnQuote(quote("1.1000", "1.1002"))
	assert.Equal(t, 1, next.count())
	assert.True(t, sink.Drained(symbol))

	h.send(t, newOrder("O1", "1.1001"))
	h.waitReports(t, fix.MsgTypeExecutionReport, fix.OrdStatusNew, 1)

	done := make(chan struct{})
	go func() {
		sink.OnQuote(quote("1.0998", "1.1000"))
		close(done)
	}()

	ts, err := dir.GetOrCreate(ticksync.SymbolID(symbol))
	require.NoError(t, err)
	fills := h.waitReports(t, fix.MsgTypeExecutionReport, fix.OrdStatusFilled, 1)
	assert.Equal(t, int32(1), ts.Snapshot().WaitingMatch)
	assert.False(t, sink.Drained(symbol))
	assert.Equal(t, 1, next.count(), "quote is held while the fill is unapplied")

	applied.Store(int64(fills[0].SeqNum) - 1)
	select {
	case <-done:
		t.Fatal("released before the fill report was applied")
	case <-time.After(50 * time.Millisecond):
	}

	applied.Store(int64(fills[0].SeqNum))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("match not released")
	}
	assert.True(t, ts.Completed())
	assert.Equal(t, 2, next.count())
}
