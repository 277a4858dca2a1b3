package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_TickStarted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()

	val := getCounterValue(t, reg, "conatus_scheduler_ticks_total")
	if val != 2 {
		t.Errorf("ticks_total = %v, want 2", val)
	}
}

func TestPrometheusSink_TickCompleted_WithError(t *testing.T) {
	sink, reg := newTestSink(t)

	// No error
	sink.TickCompleted(100*time.Millisecond, 5, nil)
	errCount := getCounterValue(t, reg, "conatus_scheduler_tick_errors_total")
	if errCount != 0 {
		t.Errorf("tick_errors_total = %v after success, want 0", errCount)
	}

	// With error
	sink.TickCompleted(100*time.Millisecond, 0, errors.New("db error"))
	errCount = getCounterValue(t, reg, "conatus_scheduler_tick_errors_total")
	if errCount != 1 {
		t.Errorf("tick_errors_total = %v after error, want 1", errCount)
	}

	processed := getCounterValue(t, reg, "conatus_scheduler_tasks_processed_total")
	if processed != 5 {
		t.Errorf("tasks_processed_total = %v, want 5", processed)
	}
}

func TestPrometheusSink_MessageOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.MessageOutcome(OutcomeSent)
	sink.MessageOutcome(OutcomeSent)
	sink.MessageOutcome(OutcomeFailed)

	sentVal := getCounterVecValue(t, reg, "conatus_scheduler_message_outcomes_total",
		map[string]string{"outcome": "sent"})
	if sentVal != 2 {
		t.Errorf("outcome=sent = %v, want 2", sentVal)
	}

	failedVal := getCounterVecValue(t, reg, "conatus_scheduler_message_outcomes_total",
		map[string]string{"outcome": "failed"})
	if failedVal != 1 {
		t.Errorf("outcome=failed = %v, want 1", failedVal)
	}
}

func TestPrometheusSink_EntryOutcomes(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EntryOutcome(OutcomeCompleted)
	sink.EntryOutcome(OutcomeSkipped)

	val := getCounterVecValue(t, reg, "conatus_scheduler_entry_outcomes_total",
		map[string]string{"outcome": "completed"})
	if val != 1 {
		t.Errorf("outcome=completed = %v, want 1", val)
	}
}

func TestPrometheusSink_RederiveCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RederiveCompleted(3, nil)
	sink.RederiveCompleted(0, errors.New("list error"))

	cycles := getCounterValue(t, reg, "conatus_scheduler_rederive_cycles_total")
	if cycles != 2 {
		t.Errorf("rederive_cycles_total = %v, want 2", cycles)
	}
	created := getCounterValue(t, reg, "conatus_scheduler_rederive_entries_created_total")
	if created != 3 {
		t.Errorf("rederive_entries_created_total = %v, want 3", created)
	}
	errs := getCounterValue(t, reg, "conatus_scheduler_rederive_errors_total")
	if errs != 1 {
		t.Errorf("rederive_errors_total = %v, want 1", errs)
	}
}

func TestPrometheusSink_ReclaimCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ReclaimCompleted(2, nil)
	sink.ReclaimCompleted(0, errors.New("list error"))

	cycles := getCounterValue(t, reg, "conatus_scheduler_reclaim_cycles_total")
	if cycles != 2 {
		t.Errorf("reclaim_cycles_total = %v, want 2", cycles)
	}
	requeued := getCounterValue(t, reg, "conatus_scheduler_reclaim_requeued_total")
	if requeued != 2 {
		t.Errorf("reclaim_requeued_total = %v, want 2", requeued)
	}
	errs := getCounterValue(t, reg, "conatus_scheduler_reclaim_errors_total")
	if errs != 1 {
		t.Errorf("reclaim_errors_total = %v, want 1", errs)
	}
}

func TestPrometheusSink_DispatchCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DispatchCompleted("gmail", 50*time.Millisecond, nil)
	sink.DispatchCompleted("gmail", 50*time.Millisecond, errors.New("timeout"))
	sink.DispatchCompleted("slack", 10*time.Millisecond, nil)

	gmailErrs := getCounterVecValue(t, reg, "conatus_scheduler_dispatch_errors_total",
		map[string]string{"service": "gmail"})
	if gmailErrs != 1 {
		t.Errorf("dispatch_errors service=gmail = %v, want 1", gmailErrs)
	}

	slackErrs := getCounterVecValue(t, reg, "conatus_scheduler_dispatch_errors_total",
		map[string]string{"service": "slack"})
	if slackErrs != 0 {
		t.Errorf("dispatch_errors service=slack = %v, want 0", slackErrs)
	}
}

func TestPrometheusSink_DuplicateRegistration(t *testing.T) {
	// Registering twice on the same registry logs and keeps going.
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg)
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
	sink.TickStarted() // must not panic
}
