package conn

import "time"

// Backoff returns the delay before the Nth reconnect attempt:
// min(base * 2^(attempt-1), cap). Attempt numbering starts at 1.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
