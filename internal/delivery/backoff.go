package delivery

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before retry n (1-based):
// Initial × Multiplier^(n-1), clamped to Max, then jittered by ±Jitter.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    30 * time.Second,
		Multiplier: 2.0,
		Max:        time.Hour,
		Jitter:     0.1,
	}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Max > 0 && base > float64(b.Max) {
		base = float64(b.Max)
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		base += base * b.Jitter * (2*r() - 1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
