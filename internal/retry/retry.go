// Package retry decides what happens to a task after a failed dispatch.
//
// The decision is pure: it neither sleeps nor dispatches. A retried task is
// requeued at a future due time and picked up by a later scheduler tick, so
// a misbehaving connector can never stall the loop.
package retry

import "time"

// Policy holds the retry parameters. The delay is fixed, not exponential.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
}

// DefaultPolicy returns the stock policy: three retries, one minute apart.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Delay: time.Minute}
}

type Action int

const (
	// ActionRetry requeues the task at Decision.NextDue with the incremented
	// retry count.
	ActionRetry Action = iota
	// ActionFail terminalizes the task; it stays in the durable store for
	// audit and leaves the due-time index permanently.
	ActionFail
)

// Decision is the outcome of applying the policy to one failed attempt.
type Decision struct {
	Action     Action
	RetryCount int
	NextDue    time.Time
}

// Decide applies the policy to a task that failed with the given current
// retry count, at instant now.
func (p Policy) Decide(retryCount int, now time.Time) Decision {
	if retryCount+1 <= p.MaxRetries {
		return Decision{
			Action:     ActionRetry,
			RetryCount: retryCount + 1,
			NextDue:    now.Add(p.Delay),
		}
	}
	return Decision{Action: ActionFail, RetryCount: retryCount}
}
