// ABOUTME: Capped exponential backoff for the reconnect loop
// ABOUTME: Delay doubles per attempt from Base up to Max

package agentd

import "time"

// Backoff yields reconnect delays. It is not safe for concurrent use.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// NewBackoff returns a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Max
	// Past 30 doublings the shift overflows long before any sane Max.
	if b.attempt < 30 {
		d = min(b.Base<<b.attempt, b.Max)
	}
	b.attempt++
	return d
}

// Reset starts the sequence over from Base.
func (b *Backoff) Reset() {
	b.attempt = 0
}
