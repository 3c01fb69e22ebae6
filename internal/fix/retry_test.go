package fix

import (
	"log/slog"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 2*time.Second, 6*time.Second)

	want := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second, 6 * time.Second, 6 * time.Second}
	for i, w := range want {
		d, attempt := b.Next()
		if d != w {
			t.Errorf("attempt %d: delay %v, want %v", i+1, d, w)
		}
		if attempt != i+1 {
			t.Errorf("attempt number %d, want %d", attempt, i+1)
		}
	}

	b.Reset()
	if d, attempt := b.Next(); d != time.Second || attempt != 1 {
		t.Errorf("after reset got %v/%d", d, attempt)
	}
}

func TestRetryLevel(t *testing.T) {
	tests := []struct {
		attempt int
		want    slog.Level
	}{
		{1, slog.LevelWarn},
		{3, slog.LevelWarn},
		{4, slog.LevelInfo},
		{10, slog.LevelInfo},
		{11, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := retryLevel(tt.attempt); got != tt.want {
			t.Errorf("retryLevel(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
