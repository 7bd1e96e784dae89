package session

import "time"

// Policy bounds reconnection after transient failures.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy waits 5s, 10s, 15s... capped at 30s, and gives up after the
// fifth consecutive failed attempt.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   5 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before reconnect attempt n (1-indexed).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return min(p.BaseDelay*time.Duration(n), p.MaxDelay)
}
