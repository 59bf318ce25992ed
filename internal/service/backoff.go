package service

import (
	"math/rand"
	"time"
)

// Backoff yields exponentially growing reconnect delays with optional jitter.
// It is not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter spreads each delay by up to ±Jitter of its value.
	Jitter float64
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64

	current time.Duration
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Initial
	}
	d := b.current

	next := time.Duration(float64(b.current) * b.factor())
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	b.current = next

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d = time.Duration(float64(d) * (1 + b.Jitter*(2*r()-1)))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Reset starts the schedule over at Initial.
func (b *Backoff) Reset() { b.current = 0 }

func (b *Backoff) factor() float64 {
	if b.Factor < 1 {
		return 1
	}
	return b.Factor
}
