// Package dispatch routes a (service, action) pair to the connector that can
// execute it. All failures propagate to the caller for retry bookkeeping;
// dispatch never swallows an execution error.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrUnknownService = errors.New("dispatch: unknown service")
	ErrUnknownAction  = errors.New("dispatch: unknown action")
)

// ExecutionError wraps a connector failure. Permanent errors (unknown action,
// malformed params) still flow through the retry policy; they are simply
// expected to exhaust retries, since the condition will not change.
type ExecutionError struct {
	Service   string
	Action    string
	Permanent bool
	Err       error
}

func (e *ExecutionError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("dispatch: %s/%s: %s failure: %v", e.Service, e.Action, kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Request carries one execution to a connector. TaskID travels with the call
// so connectors can de-duplicate under the at-least-once delivery contract.
type Request struct {
	TaskID     string
	Service    string
	Action     string
	Credential string
	Params     map[string]any
}

// Connector executes actions against one external service. Per-call timeouts
// are the connector's responsibility, not the scheduler's.
type Connector interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// Breaker gates calls per service. Satisfied by circuitbreaker.Breaker.
type Breaker interface {
	Allow(service string) error
	RecordSuccess(service string)
	RecordFailure(service string)
}

// MetricsSink records dispatch latency. Non-blocking, fire-and-forget.
type MetricsSink interface {
	DispatchCompleted(service string, duration time.Duration, err error)
}

// Registry is the capability-indexed connector lookup.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	breaker    Breaker     // optional, nil = disabled
	metrics    MetricsSink // optional, nil = disabled
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// WithBreaker attaches a circuit breaker to the registry.
func (r *Registry) WithBreaker(b Breaker) *Registry {
	r.breaker = b
	return r
}

// WithMetrics attaches a metrics sink to the registry.
func (r *Registry) WithMetrics(sink MetricsSink) *Registry {
	r.metrics = sink
	return r
}

// Register binds service to a connector, replacing any previous binding.
func (r *Registry) Register(service string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[service] = c
}

// Services returns the registered service names.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	return names
}

// Dispatch routes req to its connector and returns the result payload.
func (r *Registry) Dispatch(ctx context.Context, req Request) (json.RawMessage, error) {
	r.mu.RLock()
	conn, ok := r.connectors[req.Service]
	r.mu.RUnlock()

	if !ok {
		return nil, &ExecutionError{
			Service:   req.Service,
			Action:    req.Action,
			Permanent: true,
			Err:       fmt.Errorf("%w: %q", ErrUnknownService, req.Service),
		}
	}

	if r.breaker != nil {
		if err := r.breaker.Allow(req.Service); err != nil {
			return nil, &ExecutionError{Service: req.Service, Action: req.Action, Err: err}
		}
	}

	start := time.Now()
	result, err := conn.Execute(ctx, req)
	if r.metrics != nil {
		r.metrics.DispatchCompleted(req.Service, time.Since(start), err)
	}
	if err != nil {
		if r.breaker != nil {
			r.breaker.RecordFailure(req.Service)
		}
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, &ExecutionError{Service: req.Service, Action: req.Action, Err: err}
	}

	if r.breaker != nil {
		r.breaker.RecordSuccess(req.Service)
	}
	return result, nil
}

// MergeParams overlays trigger-time values on an automation's static action
// parameters. Neither input map is mutated.
func MergeParams(static, override map[string]any) map[string]any {
	merged := make(map[string]any, len(static)+len(override))
	for k, v := range static {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
