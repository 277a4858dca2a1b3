// Package circuitbreaker trips a per-service breaker after consecutive
// connector failures. An open breaker fails dispatches fast; the ordinary
// retry policy requeues them, so a flapping vendor API never ties up a tick.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type serviceState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type Breaker struct {
	mu        sync.Mutex
	services  map[string]*serviceState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// admits a single probe call per cooldown once open.
func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		services:  make(map[string]*serviceState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a call to service may proceed. In the open state one
// probe is admitted after the cooldown; further calls are rejected until the
// probe reports an outcome.
func (b *Breaker) Allow(service string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.services[service]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if b.clock().Sub(s.openedAt) >= b.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess closes the breaker for service.
func (b *Breaker) RecordSuccess(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.services[service]; ok {
		s.state = stateClosed
		s.consecutiveFailures = 0
	}
}

// RecordFailure counts a failure for service, opening the breaker at the
// threshold. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.services[service]
	if !ok {
		s = &serviceState{}
		b.services[service] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= b.threshold || s.state == stateHalfOpen {
		s.state = stateOpen
		s.openedAt = b.clock()
	}
}
