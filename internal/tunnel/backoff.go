package tunnel

import (
	"math/rand"
	"time"
)

// RetryStrategy spaces out retries of a failed round-trip: the delay grows by
// Step per attempt up to Max, and a transfer gets at most MaxRetries retries
// on one worker before it is handed back to the session.
type RetryStrategy struct {
	Step          time.Duration
	Max           time.Duration
	MaxRetries    int
	JitterPercent float64
}

func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		Step:          1 * time.Second,
		Max:           5 * time.Second,
		MaxRetries:    3,
		JitterPercent: 0.1,
	}
}

// Backoff returns the delay before retry number attempt (starting at 1).
func (r RetryStrategy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := r.Step * time.Duration(attempt)
	if r.Max > 0 && d > r.Max {
		d = r.Max
	}
	if r.JitterPercent > 0 {
		d += time.Duration(float64(d) * r.JitterPercent * (rand.Float64()*2 - 1))
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after attempt
// failures.
func (r RetryStrategy) ShouldRetry(attempt int) bool {
	return attempt <= r.MaxRetries
}

// sleep waits for d or until quit closes, reporting whether d elapsed.
func sleep(d time.Duration, quit <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-quit:
		return false
	}
}
