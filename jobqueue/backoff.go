package jobqueue

import "time"

// DefaultMaxAttempts is the teacher's ShouldRetry hard cap of 10 attempts,
// generalized into RetryAfter's default policy.
const DefaultMaxAttempts = 10

// DefaultMaxBackoff is the teacher's CalculateBackoff cap of 300 seconds.
const DefaultMaxBackoff = 300 * time.Second

// CalculateBackoff returns an exponential backoff delay, 2^attempt
// seconds, capped at DefaultMaxBackoff — generalized from
// QueueService.CalculateBackoff.
func CalculateBackoff(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= DefaultMaxBackoff {
			return DefaultMaxBackoff
		}
	}
	return d
}

// DefaultRetryAfter builds a RetryAfter policy using CalculateBackoff's
// delay for attempt 0 and the default 10-attempt cap — most tasks that
// want exponential backoff should compute their own delay per attempt
// instead (the scheduler only reads the delay configured on enqueue/
// reschedule), but this constructor matches the teacher's defaults for
// callers that don't need anything fancier.
func DefaultRetryAfter() RetryMode {
	max := DefaultMaxAttempts
	return RetryAfter(int64(CalculateBackoff(0)), &max)
}
