package manager

import "time"

// backoffDelay computes the wait required after attemptCount failed
// attempts: base * 2^(attemptCount-1), capped at max. Zero attempts means no
// wait.
func backoffDelay(attemptCount int, base, max time.Duration) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attemptCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
