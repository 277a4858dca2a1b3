package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Tick loop metrics
	TickStarted()
	TickCompleted(duration time.Duration, processed int, err error)

	// Execution outcome metrics
	MessageOutcome(outcome string)
	EntryOutcome(outcome string)

	// Rederivation metrics
	RederiveCompleted(created int, err error)

	// Reclamation metrics
	ReclaimCompleted(requeued int, err error)

	// Dispatch metrics
	DispatchCompleted(service string, duration time.Duration, err error)
}

// Outcome constants for MessageOutcome.
const (
	OutcomeSent    = "sent"
	OutcomeRetried = "retried"
	OutcomeFailed  = "failed"
)

// Outcome constants for EntryOutcome.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
)
