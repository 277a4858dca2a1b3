package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conatusassistant/conatus-scheduler/internal/dispatch"
	"github.com/conatusassistant/conatus-scheduler/internal/domain"
	"github.com/conatusassistant/conatus-scheduler/internal/retry"
)

// ErrRecordNotFound is returned by Store implementations when a due id has
// no backing durable record. Such ids are logged and removed from the index
// without retry; retrying a non-existent record cannot succeed.
var ErrRecordNotFound = errors.New("record not found")

// ActionSendMessage is the connector action used for scheduled messages.
const ActionSendMessage = "message.send"

type Store interface {
	GetMessage(ctx context.Context, id uuid.UUID) (domain.ScheduledMessage, error)
	// ClaimMessage transitions scheduled|retry -> processing and reports
	// whether this caller won the claim.
	ClaimMessage(ctx context.Context, id uuid.UUID) (bool, error)
	MarkMessageSent(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) error
	MarkMessageRetry(ctx context.Context, id uuid.UUID, retryCount int, dueAt time.Time, lastError string) error
	MarkMessageFailed(ctx context.Context, id uuid.UUID, lastError string, executedAt time.Time) error

	DueEntries(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleEntry, error)
	// ClaimEntry transitions scheduled -> processing and reports whether
	// this caller won the claim.
	ClaimEntry(ctx context.Context, id uuid.UUID) (bool, error)
	MarkEntryCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, executedAt time.Time) error
	MarkEntryFailed(ctx context.Context, id uuid.UUID, errText string, executedAt time.Time) error
	MarkEntrySkipped(ctx context.Context, id uuid.UUID, reason string) error

	GetAutomation(ctx context.Context, id uuid.UUID) (domain.Automation, error)
	RecordAutomationRun(ctx context.Context, id uuid.UUID, ranAt time.Time) error
}

// DueIndex is the low-latency ordered index over message due times.
type DueIndex interface {
	Enqueue(ctx context.Context, id string, dueAt time.Time) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	Remove(ctx context.Context, id string) error
}

// Dispatcher routes an execution to its connector. Satisfied by
// dispatch.Registry.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (json.RawMessage, error)
}

// MetricsSink records worker metrics. All methods must be non-blocking and
// fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, processed int, err error)
	MessageOutcome(outcome string)
	EntryOutcome(outcome string)
}

type Config struct {
	// TickInterval is the cadence of the due-task pass.
	TickInterval time.Duration

	// BatchSize bounds how many messages and how many entries one tick
	// drains.
	BatchSize int

	// Concurrency bounds parallel dispatches within a batch.
	// 0 means full fan-out (concurrency = batch size).
	Concurrency int

	// GraceTimeout caps a tick during shutdown: in-flight dispatches are
	// never cancelled, but the batch stops waiting after this long.
	GraceTimeout time.Duration

	RetryPolicy retry.Policy
}

// Worker drives the periodic tick. It owns its whole lifecycle: construct,
// Run until the context is cancelled, no ambient globals.
type Worker struct {
	config     Config
	store      Store
	index      DueIndex
	dispatcher Dispatcher
	metrics    MetricsSink // optional, nil = disabled
	clock      func() time.Time
}

func New(config Config, store Store, index DueIndex, dispatcher Dispatcher) *Worker {
	if config.BatchSize <= 0 {
		config.BatchSize = 25
	}
	if config.Concurrency <= 0 {
		config.Concurrency = config.BatchSize
	}
	if config.GraceTimeout <= 0 {
		config.GraceTimeout = 30 * time.Second
	}
	return &Worker{
		config:     config,
		store:      store,
		index:      index,
		dispatcher: dispatcher,
		clock:      time.Now,
	}
}

// WithMetrics attaches a metrics sink to the worker.
func (w *Worker) WithMetrics(sink MetricsSink) *Worker {
	w.metrics = sink
	return w
}

// WithClock overrides the time source. Tests only.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Run executes ticks until ctx is cancelled. Cancellation stops new ticks;
// the tick in flight completes on its own grace-bounded context.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.TickInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started (tick=%s, batch=%d, concurrency=%d)",
		w.config.TickInterval, w.config.BatchSize, w.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// tickStats counts outcomes across one tick's goroutines.
type tickStats struct {
	processed int64
	sent      int64
	completed int64
	retried   int64
	failed    int64
	skipped   int64
}

// Tick runs one batch-processing pass: drain due messages from the index,
// then due automation entries from the durable store. Exported for tests and
// for the run-once path.
func (w *Worker) Tick(ctx context.Context) {
	// The tick runs free of the parent context: in-flight dispatches are
	// never cancelled during normal operation (the connector owns its own
	// per-call timeout). Only once shutdown begins does the grace timeout
	// arm, bounding the remainder of the batch.
	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stopWatch := context.AfterFunc(ctx, func() {
		time.AfterFunc(w.config.GraceTimeout, cancel)
	})
	defer stopWatch()

	if w.metrics != nil {
		w.metrics.TickStarted()
	}

	start := w.clock().UTC()
	var stats tickStats
	var tickErr error

	if err := w.processDueMessages(tickCtx, start, &stats); err != nil {
		// Infrastructure error: nothing was mutated, the next tick retries.
		log.Printf("scheduler: message pass error: %v", err)
		tickErr = err
	}

	if err := w.processDueEntries(tickCtx, start, &stats); err != nil {
		log.Printf("scheduler: entry pass error: %v", err)
		tickErr = err
	}

	duration := w.clock().UTC().Sub(start)
	if stats.processed > 0 || tickErr != nil {
		log.Printf("scheduler: tick complete processed=%d sent=%d completed=%d retried=%d failed=%d skipped=%d duration=%s",
			stats.processed, stats.sent, stats.completed, stats.retried, stats.failed, stats.skipped,
			duration.Round(time.Millisecond))
	}
	if w.metrics != nil {
		w.metrics.TickCompleted(duration, int(stats.processed), tickErr)
	}
}

func (w *Worker) processDueMessages(ctx context.Context, now time.Time, stats *tickStats) error {
	ids, err := w.index.PopDue(ctx, now, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("pop due: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	w.fanOut(len(ids), func(i int) {
		atomic.AddInt64(&stats.processed, 1)
		w.processMessage(ctx, ids[i], now, stats)
	})
	return nil
}

func (w *Worker) processDueEntries(ctx context.Context, now time.Time, stats *tickStats) error {
	entries, err := w.store.DueEntries(ctx, now, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("due entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	w.fanOut(len(entries), func(i int) {
		atomic.AddInt64(&stats.processed, 1)
		w.processEntry(ctx, entries[i], now, stats)
	})
	return nil
}

// fanOut runs fn(0..n-1) with bounded parallelism and waits for completion.
func (w *Worker) fanOut(n int, fn func(i int)) {
	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) processMessage(ctx context.Context, rawID string, now time.Time, stats *tickStats) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		log.Printf("scheduler: dropping malformed index id %q", rawID)
		return
	}

	msg, err := w.store.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			// A due id with no durable record cannot succeed on retry.
			log.Printf("scheduler: message=%s has no durable record, removed from index", id)
			if remErr := w.index.Remove(ctx, rawID); remErr != nil {
				log.Printf("scheduler: message=%s index remove error: %v", id, remErr)
			}
			return
		}
		// Store unreachable mid-tick: put the id back so the next tick
		// retries it. No record is mutated.
		log.Printf("scheduler: message=%s fetch error, requeueing: %v", id, err)
		if enqErr := w.index.Enqueue(ctx, rawID, now); enqErr != nil {
			log.Printf("scheduler: message=%s requeue error: %v", id, enqErr)
		}
		return
	}

	if msg.Status != domain.MessageStatusScheduled && msg.Status != domain.MessageStatusRetry {
		// Stale index entry for a terminal or in-flight record.
		log.Printf("scheduler: message=%s status=%s not dispatchable, skipping", id, msg.Status)
		return
	}

	claimed, err := w.store.ClaimMessage(ctx, id)
	if err != nil {
		log.Printf("scheduler: message=%s claim error: %v", id, err)
		return
	}
	if !claimed {
		return
	}

	result, err := w.dispatcher.Dispatch(ctx, dispatch.Request{
		TaskID:     id.String(),
		Service:    msg.Service,
		Action:     ActionSendMessage,
		Credential: msg.CredentialRef,
		Params: map[string]any{
			"recipient": msg.Recipient,
			"subject":   msg.Subject,
			"content":   msg.Content,
		},
	})
	executedAt := w.clock().UTC()

	if err == nil {
		// Durable write first; the index entry was already popped, so the
		// ordering contract (durable before index) holds.
		if markErr := w.store.MarkMessageSent(ctx, id, result, executedAt); markErr != nil {
			log.Printf("scheduler: message=%s sent but durable update failed: %v", id, markErr)
			return
		}
		atomic.AddInt64(&stats.sent, 1)
		w.recordMessageOutcome("sent")
		log.Printf("scheduler: message=%s sent service=%s", id, msg.Service)
		return
	}

	w.failMessage(ctx, msg, rawID, err, executedAt, stats)
}

// failMessage applies the retry policy to a failed dispatch.
func (w *Worker) failMessage(ctx context.Context, msg domain.ScheduledMessage, rawID string, dispatchErr error, now time.Time, stats *tickStats) {
	id := msg.ID
	decision := w.config.RetryPolicy.Decide(msg.RetryCount, now)

	switch decision.Action {
	case retry.ActionRetry:
		if err := w.store.MarkMessageRetry(ctx, id, decision.RetryCount, decision.NextDue, dispatchErr.Error()); err != nil {
			log.Printf("scheduler: message=%s retry update error: %v", id, err)
			return
		}
		if err := w.index.Enqueue(ctx, rawID, decision.NextDue); err != nil {
			log.Printf("scheduler: message=%s retry enqueue error: %v", id, err)
			return
		}
		atomic.AddInt64(&stats.retried, 1)
		w.recordMessageOutcome("retried")
		log.Printf("scheduler: message=%s retry=%d/%d due=%s err=%v",
			id, decision.RetryCount, w.config.RetryPolicy.MaxRetries,
			decision.NextDue.Format(time.RFC3339), dispatchErr)

	case retry.ActionFail:
		if err := w.store.MarkMessageFailed(ctx, id, dispatchErr.Error(), now); err != nil {
			log.Printf("scheduler: message=%s failed update error: %v", id, err)
			return
		}
		// Removing an already-popped id is a no-op; the call keeps the
		// invariant explicit.
		if err := w.index.Remove(ctx, rawID); err != nil {
			log.Printf("scheduler: message=%s index remove error: %v", id, err)
		}
		atomic.AddInt64(&stats.failed, 1)
		w.recordMessageOutcome("failed")
		log.Printf("scheduler: message=%s failed after %d retries: %v", id, msg.RetryCount, dispatchErr)
	}
}

func (w *Worker) processEntry(ctx context.Context, entry domain.ScheduleEntry, now time.Time, stats *tickStats) {
	claimed, err := w.store.ClaimEntry(ctx, entry.ID)
	if err != nil {
		log.Printf("scheduler: entry=%s claim error: %v", entry.ID, err)
		return
	}
	if !claimed {
		// Another worker, or a duplicate entry, got here first.
		return
	}

	auto, err := w.store.GetAutomation(ctx, entry.AutomationID)
	if err != nil {
		executedAt := w.clock().UTC()
		if markErr := w.store.MarkEntryFailed(ctx, entry.ID, fmt.Sprintf("fetch automation: %v", err), executedAt); markErr != nil {
			log.Printf("scheduler: entry=%s failed update error: %v", entry.ID, markErr)
		}
		atomic.AddInt64(&stats.failed, 1)
		w.recordEntryOutcome("failed")
		log.Printf("scheduler: entry=%s automation=%s fetch error: %v", entry.ID, entry.AutomationID, err)
		return
	}

	if !auto.Enabled {
		if err := w.store.MarkEntrySkipped(ctx, entry.ID, "automation disabled"); err != nil {
			log.Printf("scheduler: entry=%s skip update error: %v", entry.ID, err)
			return
		}
		atomic.AddInt64(&stats.skipped, 1)
		w.recordEntryOutcome("skipped")
		log.Printf("scheduler: entry=%s skipped, automation=%s disabled", entry.ID, auto.ID)
		return
	}

	result, err := w.dispatcher.Dispatch(ctx, dispatch.Request{
		TaskID:     entry.ID.String(),
		Service:    auto.Action.Service,
		Action:     auto.Action.ActionType,
		Credential: auto.Action.CredentialRef,
		Params:     dispatch.MergeParams(auto.Action.Params, entry.Payload),
	})
	executedAt := w.clock().UTC()

	if err != nil {
		if markErr := w.store.MarkEntryFailed(ctx, entry.ID, err.Error(), executedAt); markErr != nil {
			log.Printf("scheduler: entry=%s failed update error: %v", entry.ID, markErr)
		}
		atomic.AddInt64(&stats.failed, 1)
		w.recordEntryOutcome("failed")
		log.Printf("scheduler: entry=%s automation=%s dispatch error: %v", entry.ID, auto.ID, err)
		return
	}

	if err := w.store.MarkEntryCompleted(ctx, entry.ID, result, executedAt); err != nil {
		log.Printf("scheduler: entry=%s completed update error: %v", entry.ID, err)
		return
	}
	if err := w.store.RecordAutomationRun(ctx, auto.ID, executedAt); err != nil {
		log.Printf("scheduler: automation=%s run counter update error: %v", auto.ID, err)
	}
	atomic.AddInt64(&stats.completed, 1)
	w.recordEntryOutcome("completed")
	log.Printf("scheduler: entry=%s completed automation=%s service=%s action=%s",
		entry.ID, auto.ID, auto.Action.Service, auto.Action.ActionType)
}

func (w *Worker) recordMessageOutcome(outcome string) {
	if w.metrics != nil {
		w.metrics.MessageOutcome(outcome)
	}
}

func (w *Worker) recordEntryOutcome(outcome string) {
	if w.metrics != nil {
		w.metrics.EntryOutcome(outcome)
	}
}
