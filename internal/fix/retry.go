package fix

import (
	"log/slog"
	"time"
)

// Backoff produces reconnect delays: start, start+increase, ... capped at
// maximum. Reset returns to start after a successful logon.
type Backoff struct {
	start    time.Duration
	increase time.Duration
	maximum  time.Duration
	delay    time.Duration
	attempt  int
}

func NewBackoff(start, increase, maximum time.Duration) *Backoff {
	if maximum < start {
		maximum = start
	}
	return &Backoff{start: start, increase: increase, maximum: maximum, delay: start}
}

// Next returns the delay before the next attempt and the attempt number (1-based).
func (b *Backoff) Next() (time.Duration, int) {
	d := b.delay
	b.attempt++
	b.delay += b.increase
	if b.delay > b.maximum {
		b.delay = b.maximum
	}
	return d, b.attempt
}

func (b *Backoff) Reset() {
	b.delay = b.start
	b.attempt = 0
}

// Attempt returns the number of attempts since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

// retryLevel lowers the log severity as reconnect attempts pile up.
func retryLevel(attempt int) slog.Level {
	switch {
	case attempt <= 3:
		return slog.LevelWarn
	case attempt <= 10:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
