package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/conatusassistant/conatus-scheduler/internal/dispatch"
	"github.com/conatusassistant/conatus-scheduler/internal/domain"
	"github.com/conatusassistant/conatus-scheduler/internal/index/memory"
	"github.com/conatusassistant/conatus-scheduler/internal/reclaim"
	"github.com/conatusassistant/conatus-scheduler/internal/retry"
	"github.com/conatusassistant/conatus-scheduler/internal/testutil"
)

// mockStore holds messages, entries and automations in maps and implements
// the conditional claim transitions the way the Postgres store does.
type mockStore struct {
	mu          sync.Mutex
	messages    map[uuid.UUID]*domain.ScheduledMessage
	entries     map[uuid.UUID]*domain.ScheduleEntry
	automations map[uuid.UUID]*domain.Automation
	getMsgErr   error
	markSentErr error // one-shot
}

func newMockStore() *mockStore {
	return &mockStore{
		messages:    make(map[uuid.UUID]*domain.ScheduledMessage),
		entries:     make(map[uuid.UUID]*domain.ScheduleEntry),
		automations: make(map[uuid.UUID]*domain.Automation),
	}
}

func (s *mockStore) GetMessage(ctx context.Context, id uuid.UUID) (domain.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getMsgErr != nil {
		return domain.ScheduledMessage{}, s.getMsgErr
	}
	msg, ok := s.messages[id]
	if !ok {
		return domain.ScheduledMessage{}, ErrRecordNotFound
	}
	return *msg, nil
}

func (s *mockStore) ClaimMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return false, nil
	}
	if msg.Status != domain.MessageStatusScheduled && msg.Status != domain.MessageStatusRetry {
		return false, nil
	}
	msg.Status = domain.MessageStatusProcessing
	return true, nil
}

func (s *mockStore) MarkMessageSent(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markSentErr != nil {
		err := s.markSentErr
		s.markSentErr = nil
		return err
	}
	msg := s.messages[id]
	msg.Status = domain.MessageStatusSent
	msg.Result = result
	msg.ExecutedAt = &executedAt
	return nil
}

func (s *mockStore) MarkMessageRetry(ctx context.Context, id uuid.UUID, retryCount int, dueAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	msg.Status = domain.MessageStatusRetry
	msg.RetryCount = retryCount
	msg.DueAt = dueAt
	msg.LastError = lastError
	return nil
}

func (s *mockStore) MarkMessageFailed(ctx context.Context, id uuid.UUID, lastError string, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	msg.Status = domain.MessageStatusFailed
	msg.LastError = lastError
	msg.ExecutedAt = &executedAt
	return nil
}

func (s *mockStore) DueEntries(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.ScheduleEntry
	for _, e := range s.entries {
		if e.Status == domain.EntryStatusScheduled && !e.DueAt.After(now) {
			due = append(due, *e)
			if len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}

func (s *mockStore) ClaimEntry(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.Status != domain.EntryStatusScheduled {
		return false, nil
	}
	e.Status = domain.EntryStatusProcessing
	return true, nil
}

func (s *mockStore) MarkEntryCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	e.Status = domain.EntryStatusCompleted
	e.Result = result
	e.ExecutedAt = &executedAt
	return nil
}

func (s *mockStore) MarkEntryFailed(ctx context.Context, id uuid.UUID, errText string, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	e.Status = domain.EntryStatusFailed
	e.Error = errText
	e.ExecutedAt = &executedAt
	return nil
}

func (s *mockStore) MarkEntrySkipped(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	e.Status = domain.EntryStatusSkipped
	e.Error = reason
	return nil
}

func (s *mockStore) GetAutomation(ctx context.Context, id uuid.UUID) (domain.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auto, ok := s.automations[id]
	if !ok {
		return domain.Automation{}, ErrRecordNotFound
	}
	return *auto, nil
}

func (s *mockStore) RecordAutomationRun(ctx context.Context, id uuid.UUID, ranAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	auto := s.automations[id]
	auto.RunCount++
	auto.LastRunAt = &ranAt
	return nil
}

// Reclaim-side methods, so sweep recovery can be exercised against the same
// store the worker runs on.

func (s *mockStore) ListOverdueMessages(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.ScheduledMessage
	for _, msg := range s.messages {
		pending := msg.Status == domain.MessageStatusScheduled || msg.Status == domain.MessageStatusRetry
		if pending && !msg.DueAt.After(olderThan) {
			result = append(result, *msg)
		}
	}
	return result, nil
}

func (s *mockStore) ListStuckMessages(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.ScheduledMessage
	for _, msg := range s.messages {
		if msg.Status == domain.MessageStatusProcessing && !msg.UpdatedAt.After(olderThan) {
			result = append(result, *msg)
		}
	}
	return result, nil
}

func (s *mockStore) ReclaimMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok || msg.Status != domain.MessageStatusProcessing {
		return false, nil
	}
	msg.Status = domain.MessageStatusScheduled
	return true, nil
}

func (s *mockStore) ListStuckEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleEntry, error) {
	return nil, nil
}

func (s *mockStore) ReclaimEntry(ctx context.Context, id uuid.UUID) (bool, error) {
	return false, nil
}

func (s *mockStore) message(id uuid.UUID) domain.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func (s *mockStore) entry(id uuid.UUID) domain.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

func (s *mockStore) automation(id uuid.UUID) domain.Automation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.automations[id]
}

// mockDispatcher records requests and returns a configurable outcome.
type mockDispatcher struct {
	mu     sync.Mutex
	result json.RawMessage
	err    error
	calls  []dispatch.Request
}

func (d *mockDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	return d.result, d.err
}

func (d *mockDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *mockDispatcher) lastCall() dispatch.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

var testNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestWorker(store *mockStore, idx DueIndex, disp Dispatcher) *Worker {
	w := New(Config{
		TickInterval: time.Second,
		BatchSize:    10,
		RetryPolicy:  retry.Policy{MaxRetries: 3, Delay: time.Minute},
	}, store, idx, disp)
	return w.WithClock(testutil.ClockAt(testNow))
}

func addMessage(store *mockStore, idx *memory.Index, status domain.MessageStatus, retryCount int, dueAt time.Time) uuid.UUID {
	id := uuid.New()
	store.mu.Lock()
	store.messages[id] = &domain.ScheduledMessage{
		ID:         id,
		Service:    "telegram",
		Recipient:  "+15550100",
		Content:    "ping",
		DueAt:      dueAt,
		RetryCount: retryCount,
		Status:     status,
	}
	store.mu.Unlock()
	idx.Enqueue(context.Background(), id.String(), dueAt)
	return id
}

func TestTick_DueMessageIsSent(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{result: json.RawMessage(`{"delivered":true}`)}
	w := newTestWorker(store, idx, disp)

	id := addMessage(store, idx, domain.MessageStatusScheduled, 0, testNow.Add(-time.Second))

	w.Tick(context.Background())

	msg := store.message(id)
	if msg.Status != domain.MessageStatusSent {
		t.Errorf("status = %s, want sent", msg.Status)
	}
	if msg.ExecutedAt == nil {
		t.Error("executedAt not set")
	}
	if string(msg.Result) != `{"delivered":true}` {
		t.Errorf("result = %s", msg.Result)
	}
	if idx.Contains(id.String()) {
		t.Error("sent message still present in due-time index")
	}

	if disp.callCount() != 1 {
		t.Fatalf("dispatch calls = %d, want 1", disp.callCount())
	}
	req := disp.lastCall()
	if req.Service != "telegram" || req.Action != ActionSendMessage {
		t.Errorf("dispatched %s/%s", req.Service, req.Action)
	}
	if req.Params["content"] != "ping" {
		t.Errorf("params = %v", req.Params)
	}
}

func TestTick_FutureMessageIsNotDispatched(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{}
	w := newTestWorker(store, idx, disp)

	addMessage(store, idx, domain.MessageStatusScheduled, 0, testNow.Add(time.Hour))

	w.Tick(context.Background())

	if disp.callCount() != 0 {
		t.Errorf("future message dispatched %d times", disp.callCount())
	}
}

func TestTick_FailureWithRetriesRemaining(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{err: errors.New("vendor down")}
	w := newTestWorker(store, idx, disp)

	id := addMessage(store, idx, domain.MessageStatusScheduled, 0, testNow.Add(-time.Second))

	w.Tick(context.Background())

	msg := store.message(id)
	if msg.Status != domain.MessageStatusRetry {
		t.Errorf("status = %s, want retry", msg.Status)
	}
	if msg.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", msg.RetryCount)
	}
	if want := testNow.Add(time.Minute); !msg.DueAt.Equal(want) {
		t.Errorf("dueAt = %s, want %s", msg.DueAt, want)
	}
	if msg.LastError == "" {
		t.Error("lastError not recorded")
	}
	if !idx.Contains(id.String()) {
		t.Error("retry message missing from due-time index")
	}

	// The requeued message must not fire before its new due time even if a
	// tick runs sooner.
	disp.mu.Lock()
	disp.calls = nil
	disp.mu.Unlock()
	w.Tick(context.Background())
	if disp.callCount() != 0 {
		t.Errorf("retry dispatched before its due time")
	}
}

func TestTick_FailureWithRetriesExhausted(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{err: errors.New("vendor down")}
	w := newTestWorker(store, idx, disp)

	id := addMessage(store, idx, domain.MessageStatusRetry, 3, testNow.Add(-time.Second))

	w.Tick(context.Background())

	msg := store.message(id)
	if msg.Status != domain.MessageStatusFailed {
		t.Errorf("status = %s, want failed", msg.Status)
	}
	if idx.Contains(id.String()) {
		t.Error("failed message still present in due-time index")
	}

	// Removal is idempotent: removing again is a no-op.
	if err := idx.Remove(context.Background(), id.String()); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestTick_RecordNotFoundRemovesIndexEntry(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{}
	w := newTestWorker(store, idx, disp)

	orphan := uuid.New()
	idx.Enqueue(context.Background(), orphan.String(), testNow.Add(-time.Second))

	w.Tick(context.Background())

	if disp.callCount() != 0 {
		t.Error("orphaned id was dispatched")
	}
	if idx.Contains(orphan.String()) {
		t.Error("orphaned id still present in index")
	}
}

func TestTick_StoreErrorRequeuesMessage(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{}
	w := newTestWorker(store, idx, disp)

	id := addMessage(store, idx, domain.MessageStatusScheduled, 0, testNow.Add(-time.Second))
	store.mu.Lock()
	store.getMsgErr = errors.New("connection reset")
	store.mu.Unlock()

	w.Tick(context.Background())

	if disp.callCount() != 0 {
		t.Error("message dispatched despite store error")
	}
	// The id goes back into the index so a later tick can retry it.
	if !idx.Contains(id.String()) {
		t.Error("message lost from index after store error")
	}
	if store.message(id).Status != domain.MessageStatusScheduled {
		t.Error("record mutated during infrastructure error")
	}
}

func TestTick_TerminalMessageIsNotRedispatched(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{}
	w := newTestWorker(store, idx, disp)

	// Simulates a crash after dispatch but before index removal: the durable
	// record is already sent while the index still holds the id.
	id := addMessage(store, idx, domain.MessageStatusSent, 0, testNow.Add(-time.Second))

	w.Tick(context.Background())

	if disp.callCount() != 0 {
		t.Error("terminal message was re-dispatched")
	}
	if store.message(id).Status != domain.MessageStatusSent {
		t.Error("terminal status mutated")
	}
}

func addEntry(store *mockStore, auto *domain.Automation, dueAt time.Time, payload map[string]any) uuid.UUID {
	id := uuid.New()
	store.mu.Lock()
	store.automations[auto.ID] = auto
	store.entries[id] = &domain.ScheduleEntry{
		ID:           id,
		AutomationID: auto.ID,
		DueAt:        dueAt,
		Payload:      payload,
		Status:       domain.EntryStatusScheduled,
	}
	store.mu.Unlock()
	return id
}

func testAutomation(enabled bool) *domain.Automation {
	return &domain.Automation{
		ID:      uuid.New(),
		Enabled: enabled,
		Trigger: domain.TriggerConfig{Type: domain.TriggerTypeRecurring, Cadence: domain.CadenceDaily, TimeOfDay: "09:00"},
		Action: domain.ActionConfig{
			Service:    "calendar",
			ActionType: "event.create",
			Params:     map[string]any{"title": "standup", "length": "15m"},
		},
	}
}

func TestTick_DueEntryExecutes(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{result: json.RawMessage(`{"event_id":"e1"}`)}
	w := newTestWorker(store, idx, disp)

	auto := testAutomation(true)
	id := addEntry(store, auto, testNow.Add(-time.Second), map[string]any{"title": "retro"})

	w.Tick(context.Background())

	entry := store.entry(id)
	if entry.Status != domain.EntryStatusCompleted {
		t.Errorf("status = %s, want completed", entry.Status)
	}
	if string(entry.Result) != `{"event_id":"e1"}` {
		t.Errorf("result = %s", entry.Result)
	}

	// Trigger payload wins over static params; untouched params carry over.
	req := disp.lastCall()
	if req.Params["title"] != "retro" {
		t.Errorf("title = %v, want trigger payload to win", req.Params["title"])
	}
	if req.Params["length"] != "15m" {
		t.Errorf("length = %v", req.Params["length"])
	}

	got := store.automation(auto.ID)
	if got.RunCount != 1 {
		t.Errorf("runCount = %d, want 1", got.RunCount)
	}
	if got.LastRunAt == nil {
		t.Error("lastRunAt not set")
	}
}

func TestTick_DisabledAutomationIsSkipped(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{}
	w := newTestWorker(store, idx, disp)

	auto := testAutomation(false)
	id := addEntry(store, auto, testNow.Add(-time.Second), nil)

	w.Tick(context.Background())

	if disp.callCount() != 0 {
		t.Error("disabled automation was dispatched")
	}
	entry := store.entry(id)
	if entry.Status != domain.EntryStatusSkipped {
		t.Errorf("status = %s, want skipped", entry.Status)
	}
	if store.automation(auto.ID).RunCount != 0 {
		t.Error("run counter incremented for skipped entry")
	}
}

func TestTick_EntryDispatchFailureIsTerminal(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{err: errors.New("ride service down")}
	w := newTestWorker(store, idx, disp)

	auto := testAutomation(true)
	id := addEntry(store, auto, testNow.Add(-time.Second), nil)

	w.Tick(context.Background())

	entry := store.entry(id)
	if entry.Status != domain.EntryStatusFailed {
		t.Errorf("status = %s, want failed", entry.Status)
	}
	if entry.Error == "" {
		t.Error("error text not recorded")
	}
	if store.automation(auto.ID).RunCount != 0 {
		t.Error("run counter incremented for failed entry")
	}
}

func TestTick_MissingAutomationFailsEntry(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{}
	w := newTestWorker(store, idx, disp)

	id := uuid.New()
	store.mu.Lock()
	store.entries[id] = &domain.ScheduleEntry{
		ID:           id,
		AutomationID: uuid.New(), // no such automation
		DueAt:        testNow.Add(-time.Second),
		Status:       domain.EntryStatusScheduled,
	}
	store.mu.Unlock()

	w.Tick(context.Background())

	if disp.callCount() != 0 {
		t.Error("entry with missing automation was dispatched")
	}
	if store.entry(id).Status != domain.EntryStatusFailed {
		t.Errorf("status = %s, want failed", store.entry(id).Status)
	}
}

func TestTick_OneFailingTaskDoesNotAbortBatch(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	// Dispatcher fails every call; every due message should still be
	// processed and transitioned independently.
	disp := &mockDispatcher{err: errors.New("boom")}
	w := newTestWorker(store, idx, disp)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, addMessage(store, idx, domain.MessageStatusScheduled, 0, testNow.Add(-time.Second)))
	}

	w.Tick(context.Background())

	if disp.callCount() != 5 {
		t.Errorf("dispatch calls = %d, want 5", disp.callCount())
	}
	for _, id := range ids {
		if store.message(id).Status != domain.MessageStatusRetry {
			t.Errorf("message %s status = %s, want retry", id, store.message(id).Status)
		}
	}
}

func TestTick_FailedTerminalWriteIsRecoveredBySweep(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &mockDispatcher{result: json.RawMessage(`{"delivered":true}`)}
	w := newTestWorker(store, idx, disp)

	id := addMessage(store, idx, domain.MessageStatusScheduled, 0, testNow.Add(-time.Second))
	store.mu.Lock()
	store.markSentErr = errors.New("connection reset")
	store.mu.Unlock()

	w.Tick(context.Background())

	// The dispatch went out but the terminal write failed: the row is parked
	// in processing and the id is gone from the index, so no later tick will
	// pick it up on its own.
	if store.message(id).Status != domain.MessageStatusProcessing {
		t.Fatalf("status = %s, want processing", store.message(id).Status)
	}
	if idx.Contains(id.String()) {
		t.Fatal("id still present in index")
	}
	if disp.callCount() != 1 {
		t.Fatalf("dispatch calls = %d, want 1", disp.callCount())
	}

	// Age the claim past the sweep threshold, then sweep.
	store.mu.Lock()
	store.messages[id].UpdatedAt = testNow.Add(-10 * time.Minute)
	store.mu.Unlock()

	sweeper := reclaim.New(reclaim.Config{Threshold: 5 * time.Minute}, store, idx).
		WithClock(testutil.ClockAt(testNow))
	sweeper.RunCycle(context.Background())

	if store.message(id).Status != domain.MessageStatusScheduled {
		t.Fatalf("status after sweep = %s, want scheduled", store.message(id).Status)
	}
	if !idx.Contains(id.String()) {
		t.Fatal("swept message not re-enqueued")
	}

	// The next tick redelivers and the terminal write sticks.
	w.Tick(context.Background())

	if store.message(id).Status != domain.MessageStatusSent {
		t.Errorf("status = %s, want sent", store.message(id).Status)
	}
	if disp.callCount() != 2 {
		t.Errorf("dispatch calls = %d, want 2 (duplicate delivery, never zero)", disp.callCount())
	}
}

// blockingDispatcher holds every call until released or the call context is
// cancelled.
type blockingDispatcher struct {
	mu      sync.Mutex
	release chan struct{}
	ctxErrs []error
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (json.RawMessage, error) {
	select {
	case <-d.release:
		return json.RawMessage(`{"delivered":true}`), nil
	case <-ctx.Done():
		d.mu.Lock()
		d.ctxErrs = append(d.ctxErrs, ctx.Err())
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (d *blockingDispatcher) cancellations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ctxErrs)
}

func newGraceTestWorker(store *mockStore, idx DueIndex, disp Dispatcher) *Worker {
	w := New(Config{
		TickInterval: time.Second,
		BatchSize:    10,
		GraceTimeout: 20 * time.Millisecond,
		RetryPolicy:  retry.Policy{MaxRetries: 3, Delay: time.Minute},
	}, store, idx, disp)
	return w.WithClock(testutil.ClockAt(testNow))
}

func TestTick_HealthyTickIsNotBoundByGraceTimeout(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	disp := &blockingDispatcher{release: make(chan struct{})}
	w := newGraceTestWorker(store, idx, disp)

	id := addMessage(store, idx, domain.MessageStatusScheduled, 0, testNow.Add(-time.Second))

	done := make(chan struct{})
	go func() {
		w.Tick(context.Background())
		close(done)
	}()

	// Hold the dispatch well past the grace timeout before letting it finish.
	time.Sleep(10 * w.config.GraceTimeout)
	close(disp.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not finish")
	}

	if n := disp.cancellations(); n != 0 {
		t.Fatalf("dispatch cancelled %d times on a healthy tick", n)
	}
	if store.message(id).Status != domain.MessageStatusSent {
		t.Errorf("status = %s, want sent", store.message(id).Status)
	}
}

func TestTick_ShutdownBoundsTickWithGraceTimeout(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	// Never released: only the armed grace timeout can end the call.
	disp := &blockingDispatcher{release: make(chan struct{})}
	w := newGraceTestWorker(store, idx, disp)

	id := addMessage(store, idx, domain.MessageStatusScheduled, 0, testNow.Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // shutdown already requested when the tick starts

	done := make(chan struct{})
	go func() {
		w.Tick(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tick not bounded by the grace timeout during shutdown")
	}

	if n := disp.cancellations(); n != 1 {
		t.Fatalf("dispatch cancellations = %d, want 1", n)
	}
	// The interrupted dispatch flows through the ordinary retry policy.
	if store.message(id).Status != domain.MessageStatusRetry {
		t.Errorf("status = %s, want retry", store.message(id).Status)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	store := newMockStore()
	idx := memory.New()
	w := newTestWorker(store, idx, &mockDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
