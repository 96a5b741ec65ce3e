package reconcile

import "time"

// Backoff is the exponential retry schedule of pending mirror jobs.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff waits 1 minute after the first failure, doubling up to an
// hour.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Minute, Max: time.Hour}
}

// Delay returns min(2^retryCount * Base, Max).
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := b.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// ShouldRetryNow reports whether a job that last failed at lastAttempt has
// waited out its delay. A job that never failed is always due.
func (b Backoff) ShouldRetryNow(retryCount int, lastAttempt *time.Time, now time.Time) bool {
	if lastAttempt == nil {
		return true
	}
	return !now.Before(lastAttempt.Add(b.Delay(retryCount)))
}
