package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// stubConnector returns a canned result or error.
type stubConnector struct {
	result json.RawMessage
	err    error
	calls  int
	last   Request
}

func (c *stubConnector) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	c.calls++
	c.last = req
	return c.result, c.err
}

// stubBreaker records interactions.
type stubBreaker struct {
	allowErr  error
	successes []string
	failures  []string
}

func (b *stubBreaker) Allow(service string) error    { return b.allowErr }
func (b *stubBreaker) RecordSuccess(service string)  { b.successes = append(b.successes, service) }
func (b *stubBreaker) RecordFailure(service string)  { b.failures = append(b.failures, service) }

func TestDispatch_RoutesToRegisteredConnector(t *testing.T) {
	reg := NewRegistry()
	conn := &stubConnector{result: json.RawMessage(`{"ok":true}`)}
	reg.Register("telegram", conn)

	result, err := reg.Dispatch(context.Background(), Request{
		TaskID:  "m1",
		Service: "telegram",
		Action:  "message.send",
		Params:  map[string]any{"recipient": "+15550100", "content": "ping"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s", result)
	}
	if conn.last.Action != "message.send" {
		t.Errorf("connector saw action %q", conn.last.Action)
	}
}

func TestDispatch_UnknownService(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Dispatch(context.Background(), Request{Service: "uber", Action: "ride.book"})
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatal("expected ExecutionError wrapper")
	}
	if !execErr.Permanent {
		t.Error("unknown service should be a permanent failure")
	}
}

func TestDispatch_ConnectorErrorPropagates(t *testing.T) {
	reg := NewRegistry()
	sentinel := errors.New("vendor exploded")
	reg.Register("spotify", &stubConnector{err: sentinel})

	_, err := reg.Dispatch(context.Background(), Request{Service: "spotify", Action: "playback.start"})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped connector error, got %v", err)
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatal("expected ExecutionError wrapper")
	}
	if execErr.Permanent {
		t.Error("plain connector error should be transient")
	}
}

func TestDispatch_BreakerGatesCalls(t *testing.T) {
	breaker := &stubBreaker{allowErr: errors.New("circuit breaker is open")}
	reg := NewRegistry().WithBreaker(breaker)
	conn := &stubConnector{}
	reg.Register("email", conn)

	_, err := reg.Dispatch(context.Background(), Request{Service: "email", Action: "message.send"})
	if err == nil {
		t.Fatal("expected open-circuit error")
	}
	if conn.calls != 0 {
		t.Errorf("connector was called %d times through an open breaker", conn.calls)
	}
}

func TestDispatch_BreakerRecordsOutcomes(t *testing.T) {
	breaker := &stubBreaker{}
	reg := NewRegistry().WithBreaker(breaker)
	reg.Register("ok", &stubConnector{result: json.RawMessage(`{}`)})
	reg.Register("bad", &stubConnector{err: errors.New("boom")})

	reg.Dispatch(context.Background(), Request{Service: "ok", Action: "a"})
	reg.Dispatch(context.Background(), Request{Service: "bad", Action: "a"})

	if len(breaker.successes) != 1 || breaker.successes[0] != "ok" {
		t.Errorf("successes = %v", breaker.successes)
	}
	if len(breaker.failures) != 1 || breaker.failures[0] != "bad" {
		t.Errorf("failures = %v", breaker.failures)
	}
}

func TestMergeParams(t *testing.T) {
	static := map[string]any{"recipient": "+15550100", "content": "static"}
	override := map[string]any{"content": "from trigger"}

	merged := MergeParams(static, override)

	if merged["recipient"] != "+15550100" {
		t.Errorf("recipient = %v", merged["recipient"])
	}
	if merged["content"] != "from trigger" {
		t.Errorf("trigger payload must win: content = %v", merged["content"])
	}
	if static["content"] != "static" {
		t.Error("MergeParams mutated the static map")
	}
}

func TestMergeParams_NilInputs(t *testing.T) {
	if got := MergeParams(nil, nil); len(got) != 0 {
		t.Errorf("got %v, want empty map", got)
	}
	if got := MergeParams(nil, map[string]any{"a": 1}); got["a"] != 1 {
		t.Errorf("got %v", got)
	}
}
