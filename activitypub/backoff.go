package activitypub

import "time"

// Backoff is the single retry policy of the delivery queue, shared by
// single items and follower batches.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns min(Base * 2^attempts, Cap).
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := b.Base
	for i := 0; i < attempts; i++ {
		if delay >= b.Cap || delay > b.Cap/2 {
			return b.Cap
		}
		delay *= 2
	}
	if delay > b.Cap {
		return b.Cap
	}
	return delay
}

// Next is the next_attempt_at of an item that has been attempted attempts
// times, the last time at now.
func (b Backoff) Next(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}
