package event

import (
	"testing"

	"fix_provider/internal/domain"

	"github.com/shopspring/decimal"
)

func TestReleaseResets(t *testing.T) {
	ev := Acquire(KindFill)
	ev.Symbol = "EUR/USD"
	ev.Fill = domain.PhysicalFill{Size: decimal.NewFromInt(3)}
	ev.Text = "x"
	Release(ev)

	got := Acquire(KindTick)
	if got.Kind != KindTick || got.Symbol != "" || got.Text != "" || !got.Fill.Size.IsZero() {
		t.Errorf("Expected a clean event, got %+v", got)
	}
	Release(got)
	Release(nil)
}

func TestQueueFIFO(t *testing.T) {
	var q Queue
	for i := 0; i < 3; i++ {
		ev := Acquire(KindTick)
		ev.Tick.Size = decimal.NewFromInt(int64(i))
		q.Push(ev)
	}
	if q.Len() != 3 {
		t.Fatalf("Expected 3 events, got %d", q.Len())
	}
	head, ok := q.Peek()
	if !ok || head.Tick.Size.IntPart() != 0 {
		t.Fatalf("Unexpected head %+v", head)
	}
	for i := 0; i < 3; i++ {
		ev, ok := q.Pop()
		if !ok || ev.Tick.Size.IntPart() != int64(i) {
			t.Errorf("Pop %d: got %+v", i, ev)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Expected empty queue")
	}
	if q.Len() != 0 {
		t.Errorf("Expected length 0, got %d", q.Len())
	}
}

func BenchmarkAcquireRelease(b *testing.B) {
	Warmup()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Release(Acquire(KindTick))
	}
}
