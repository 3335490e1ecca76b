package session

import "time"

// Backoff computes reconnect delays: exponential from Base, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (1-based). The
// sequence is non-decreasing: base, 2*base, 4*base, ... up to Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return b.Base
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}
