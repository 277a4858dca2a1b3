package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                       {}
func (n *NoopSink) TickCompleted(duration time.Duration, processed int, err error)     {}
func (n *NoopSink) MessageOutcome(outcome string)                                      {}
func (n *NoopSink) EntryOutcome(outcome string)                                        {}
func (n *NoopSink) RederiveCompleted(created int, err error)                           {}
func (n *NoopSink) ReclaimCompleted(requeued int, err error)                           {}
func (n *NoopSink) DispatchCompleted(service string, d time.Duration, err error)       {}
