// Package backoff holds the reconnect delay policies shared by the channel
// supervisors. Both are pure given an explicit random sample, so tests can
// pin the jitter.
package backoff

import (
	"math/rand"
	"time"
)

// Exponential doubles the delay per attempt from Base up to Max, then applies
// ±Jitter uniform jitter. The result never drops below Base.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // e.g. 0.2 for ±20%
}

// DefaultExponential matches the stream supervisor tuning: 1s base, 60s cap,
// ±20% jitter.
func DefaultExponential() Exponential {
	return Exponential{
		Base:   time.Second,
		Max:    60 * time.Second,
		Jitter: 0.2,
	}
}

// Delay computes the delay for the given 1-based attempt using r in [0, 1)
// as the jitter sample. r = 0.5 yields the unjittered midpoint.
func (e Exponential) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := e.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.Max {
			d = e.Max
			break
		}
	}

	// jitter in [-Jitter, +Jitter)
	factor := 1 + e.Jitter*(2*r-1)
	d = time.Duration(float64(d) * factor)

	if d < e.Base {
		d = e.Base
	}
	return d
}

// DelayAt is Delay with a fresh random jitter sample.
func (e Exponential) DelayAt(attempt int) time.Duration {
	return e.Delay(attempt, rand.Float64())
}

// Ladder is a fixed delay ladder indexed by attempt; the last step repeats.
// The QQ gateway uses this because the vendor expects bounded reconnect
// latency rather than exponential growth.
type Ladder struct {
	Steps []time.Duration
}

func DefaultLadder() Ladder {
	return Ladder{Steps: []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		30 * time.Second,
	}}
}

// Delay returns the ladder step for the 1-based attempt.
func (l Ladder) Delay(attempt int) time.Duration {
	if len(l.Steps) == 0 {
		return time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(l.Steps) {
		return l.Steps[len(l.Steps)-1]
	}
	return l.Steps[attempt-1]
}
