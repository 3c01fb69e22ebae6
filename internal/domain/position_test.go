package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPositionBook_Apply(t *testing.T) {
	pb := NewPositionBook()

	pb.Apply(PhysicalFill{Symbol: "EUR/USD", Size: decimal.NewFromInt(1000)}, 10)
	pb.Apply(PhysicalFill{Symbol: "EUR/USD", Size: decimal.NewFromInt(-400)}, 11)

	if got := pb.Net("EUR/USD"); !got.Equal(decimal.NewFromInt(600)) {
		t.Errorf("Expected net 600, got %s", got)
	}
	if got := pb.Net("USD/JPY"); !got.IsZero() {
		t.Errorf("Expected zero for untouched symbol, got %s", got)
	}

	snap := pb.Snapshot()
	if len(snap) != 1 || snap[0].LastSeq != 11 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestPositionBook_Compare(t *testing.T) {
	pb := NewPositionBook()
	pb.Set("EUR/USD", decimal.NewFromInt(1000))
	pb.Set("GBP/USD", decimal.NewFromInt(-200))

	broker := map[string]decimal.Decimal{
		"EUR/USD": decimal.NewFromInt(1000),
		"USD/JPY": decimal.NewFromInt(50),
	}

	mismatches := pb.Compare(broker)
	if len(mismatches) != 2 {
		t.Fatalf("Expected 2 mismatches, got %d: %+v", len(mismatches), mismatches)
	}
	if mismatches[0].Symbol != "GBP/USD" || !mismatches[0].Broker.IsZero() {
		t.Errorf("unexpected first mismatch %+v", mismatches[0])
	}
	if mismatches[1].Symbol != "USD/JPY" || !mismatches[1].Local.IsZero() {
		t.Errorf("unexpected second mismatch %+v", mismatches[1])
	}
}
