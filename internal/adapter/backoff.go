package adapter

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential from Base, capped at
// Cap, with half the delay fixed and half jittered so a fleet of
// clients does not reconnect in lockstep.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Rand returns a non-negative value below n. Defaults to
	// rand.Int63n; tests inject a deterministic one.
	Rand func(n int64) int64
}

// DefaultBackoff is the reconnect schedule streams use unless
// configured otherwise: 1s doubling up to 5m.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 5 * time.Minute}
}

// Next returns the delay before retry number attempt (1-based). The
// attempt counter is unbounded; the delay is not.
func (b Backoff) Next(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceil := b.Cap
	if ceil <= 0 {
		ceil = 5 * time.Minute
	}
	d := base
	for i := 1; i < attempt && d < ceil; i++ {
		d *= 2
	}
	if d > ceil {
		d = ceil
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	intn := b.Rand
	if intn == nil {
		intn = rand.Int63n
	}
	return half + time.Duration(intn(int64(half)))
}
