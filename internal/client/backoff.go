package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff defaults.
const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitter         = 0.1
)

// Backoff computes reconnect delays. A Multiplier of 1 gives a fixed delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64

	attempt int
	rand    func() float64
}

// NewBackoff returns an exponential backoff with the default settings.
func NewBackoff() *Backoff {
	return &Backoff{
		Initial:    DefaultInitialBackoff,
		Max:        DefaultMaxBackoff,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

// Next returns the delay before the next attempt and advances the state.
func (b *Backoff) Next() time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := time.Duration(float64(initial) * math.Pow(mult, float64(b.attempt)))
	if b.Max > 0 && (delay > b.Max || delay <= 0) {
		delay = b.Max
	}
	b.attempt++

	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		delay += time.Duration(r() * b.Jitter * float64(delay))
	}
	return delay
}

// Reset starts over from the initial delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt is the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
