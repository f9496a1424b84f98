package async

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes the delay before retry attempt n (0-based):
// Base * Factor^n, plus up to Jitter*delay of random spread, capped at Max.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64 // 0..1

	rand func() float64
}

// DefaultBackoff is used when no policy is configured
var DefaultBackoff = BackoffPolicy{Base: 5 * time.Second, Factor: 2, Max: 10 * time.Minute, Jitter: 0.1}

// Delay returns the wait before retry attempt n.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 {
		return 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d += d * b.Jitter * r()
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// WithoutJitter returns a copy that always yields the deterministic delay.
func (b BackoffPolicy) WithoutJitter() BackoffPolicy {
	b.Jitter = 0
	return b
}
