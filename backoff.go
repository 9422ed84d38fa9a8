package sandbox

import "time"

// Backoff is the exponential retry policy shared by RPC login retry and
// console respawn. It is deliberately jitter-free:
// delay(k+1) >= delay(k) and delay(k) <= Max always hold.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay before retry attempt n (1-indexed):
// delay(n) = min(base * 2^(n-1), max).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
