package webhook

import "time"

// backoffSeconds is indexed by attempt number, 1-based. The last entry
// repeats for attempts beyond the table.
var backoffSeconds = [...]int{15, 60, 300, 3600, 10800, 21600, 43200, 86400}

const DefaultMaxAttempts = 8

// Backoff returns the delay before attempt number attempt.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSeconds) {
		attempt = len(backoffSeconds)
	}
	return time.Duration(backoffSeconds[attempt-1]) * time.Second
}

// RetryDecision is the outcome of a failed attempt.
type RetryDecision struct {
	Attempts int
	Terminal bool
	// NextAttemptAt is zero when Terminal.
	NextAttemptAt time.Time
}

// ScheduleRetry decides what happens after a failed attempt for a
// delivery that had made attemptCount attempts before it.
func ScheduleRetry(attemptCount, maxAttempts int, now time.Time) RetryDecision {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	next := attemptCount + 1
	if next >= maxAttempts {
		return RetryDecision{Attempts: next, Terminal: true}
	}
	return RetryDecision{Attempts: next, NextAttemptAt: now.Add(Backoff(next))}
}
