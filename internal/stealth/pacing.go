package stealth

import (
	"math/rand/v2"
	"time"
)

// Pacer computes jittered delays around a provider's minimum delay so fetch
// timing does not form a detectable pattern.
type Pacer struct {
	random func() float64
}

// NewPacer creates a Pacer backed by the shared math/rand/v2 source.
func NewPacer() *Pacer {
	return &Pacer{random: rand.Float64}
}

// NewPacerWithSource creates a Pacer with a custom random source in [0,1).
func NewPacerWithSource(random func() float64) *Pacer {
	return &Pacer{random: random}
}

// Delay returns minDelay jittered by ±20%. A zero or negative minDelay
// short-circuits to zero without consuming randomness.
func (p *Pacer) Delay(minDelay time.Duration) time.Duration {
	if minDelay <= 0 {
		return 0
	}
	jitter := 0.8 + p.random()*0.4
	return time.Duration(float64(minDelay) * jitter)
}
