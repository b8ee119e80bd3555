package syncer

import "time"

const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// NextAttemptDelay computes the backoff before another delivery attempt:
// 30s doubling per prior attempt, capped at one hour. attempts is the number
// of delivery attempts already made (the entry's counter before MarkFailed
// increments it), so the first failure waits 30s, the second 60s, and so on.
func NextAttemptDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}

	// Shifting past the cap would overflow long before attempts gets there.
	if attempts > 12 {
		return backoffCap
	}

	delay := backoffBase << attempts
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}
