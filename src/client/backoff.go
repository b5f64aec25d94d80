package client

import "time"

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base*2^(n-1), limit).
func Backoff(base time.Duration, n int64, limit time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := int64(1); i < n; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// isStale reports whether the connection has been silent for strictly more
// than two heartbeat periods.
func isStale(lastActivity, now time.Time, period time.Duration) bool {
	return now.Sub(lastActivity) > 2*period
}
