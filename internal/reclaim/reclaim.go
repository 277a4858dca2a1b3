// Package reclaim returns stranded tasks to the schedulable states.
//
// A task sits in processing only while a dispatch is actually in flight. If
// the process crashes between claim and terminal write, or the terminal
// write itself fails, the row stays in processing and no tick selects it
// again. The sweeper periodically returns processing rows older than a
// threshold to scheduled and re-enqueues them; the terminal-state guards on
// the mark queries make a duplicate delivery safe to record.
//
// The same pass re-enqueues long-overdue scheduled and retry messages: a row
// whose due time passed more than a threshold ago can only still be pending
// because its index entry was lost (a failed enqueue on the producer path,
// an index restart). Enqueue replaces the score of an existing member, so
// re-indexing a message that is still indexed is a no-op.
package reclaim

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/conatusassistant/conatus-scheduler/internal/domain"
)

type Store interface {
	// ListOverdueMessages returns scheduled|retry messages whose due time is
	// at or before olderThan.
	ListOverdueMessages(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduledMessage, error)
	// ListStuckMessages returns processing messages untouched since olderThan.
	ListStuckMessages(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduledMessage, error)
	// ReclaimMessage transitions processing -> scheduled and reports whether
	// the transition happened; false means a terminal write landed first.
	ReclaimMessage(ctx context.Context, id uuid.UUID) (bool, error)

	// ListStuckEntries returns processing entries untouched since olderThan.
	ListStuckEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleEntry, error)
	// ReclaimEntry transitions processing -> scheduled, same contract as
	// ReclaimMessage.
	ReclaimEntry(ctx context.Context, id uuid.UUID) (bool, error)
}

// DueIndex is the enqueue side of the due-time index.
type DueIndex interface {
	Enqueue(ctx context.Context, id string, dueAt time.Time) error
}

// MetricsSink records sweep metrics. Non-blocking, fire-and-forget.
type MetricsSink interface {
	ReclaimCompleted(requeued int, err error)
}

type Config struct {
	// Interval is how often the sweep runs. Default: 1 minute.
	Interval time.Duration

	// Threshold is the age after which a processing row counts as stranded
	// and an undispatched due row counts as lost from the index. It must
	// exceed the longest legitimate dispatch (connector timeout plus the
	// shutdown grace). Default: 5 minutes.
	Threshold time.Duration

	// BatchSize bounds each scan. Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Threshold: 5 * time.Minute,
		BatchSize: 100,
	}
}

// Sweeper owns the reclamation loop.
type Sweeper struct {
	config  Config
	store   Store
	index   DueIndex
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store, index DueIndex) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Threshold <= 0 {
		config.Threshold = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Sweeper{
		config: config,
		store:  store,
		index:  index,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the sweeper.
func (s *Sweeper) WithMetrics(sink MetricsSink) *Sweeper {
	s.metrics = sink
	return s
}

// WithClock overrides the time source. Tests only.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run starts the reclamation loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	log.Printf("reclaim: started (interval=%s, threshold=%s, batch=%d)",
		s.config.Interval, s.config.Threshold, s.config.BatchSize)

	// Run immediately on startup: a crash-restart must not wait a full
	// interval to recover its own stranded rows.
	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reclaim: stopped")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle executes one sweep. Exported for tests and for the run-once path.
func (s *Sweeper) RunCycle(ctx context.Context) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.config.Threshold)

	requeued := 0
	var cycleErr error

	n, err := s.reindexOverdueMessages(ctx, cutoff)
	requeued += n
	if err != nil {
		cycleErr = err
	}

	n, err = s.reclaimStuckMessages(ctx, cutoff)
	requeued += n
	if err != nil {
		cycleErr = err
	}

	n, err = s.reclaimStuckEntries(ctx, cutoff)
	requeued += n
	if err != nil {
		cycleErr = err
	}

	if requeued > 0 || cycleErr != nil {
		log.Printf("reclaim: cycle complete requeued=%d", requeued)
	}
	if s.metrics != nil {
		s.metrics.ReclaimCompleted(requeued, cycleErr)
	}
}

// reindexOverdueMessages repairs index entries lost while the process stayed
// up, where the startup rebuild never runs.
func (s *Sweeper) reindexOverdueMessages(ctx context.Context, cutoff time.Time) (int, error) {
	msgs, err := s.store.ListOverdueMessages(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		log.Printf("reclaim: list overdue messages: %v", err)
		return 0, err
	}

	count := 0
	var lastErr error
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if err := s.index.Enqueue(ctx, msg.ID.String(), msg.DueAt); err != nil {
			log.Printf("reclaim: message=%s reindex error: %v", msg.ID, err)
			lastErr = err
			continue
		}
		count++
		log.Printf("reclaim: message=%s reindexed due=%s", msg.ID, msg.DueAt.Format(time.RFC3339))
	}
	return count, lastErr
}

func (s *Sweeper) reclaimStuckMessages(ctx context.Context, cutoff time.Time) (int, error) {
	msgs, err := s.store.ListStuckMessages(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		log.Printf("reclaim: list stuck messages: %v", err)
		return 0, err
	}

	count := 0
	var lastErr error
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		ok, err := s.store.ReclaimMessage(ctx, msg.ID)
		if err != nil {
			log.Printf("reclaim: message=%s reclaim error: %v", msg.ID, err)
			lastErr = err
			continue
		}
		if !ok {
			// A terminal write landed between the scan and the reclaim.
			continue
		}
		if err := s.index.Enqueue(ctx, msg.ID.String(), msg.DueAt); err != nil {
			// The row is back in scheduled; the overdue pass re-indexes it
			// next cycle.
			log.Printf("reclaim: message=%s enqueue error: %v", msg.ID, err)
			lastErr = err
			continue
		}
		count++
		log.Printf("reclaim: message=%s returned to scheduled (stuck since %s)",
			msg.ID, msg.UpdatedAt.Format(time.RFC3339))
	}
	return count, lastErr
}

func (s *Sweeper) reclaimStuckEntries(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := s.store.ListStuckEntries(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		log.Printf("reclaim: list stuck entries: %v", err)
		return 0, err
	}

	count := 0
	var lastErr error
	for _, entry := range entries {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		// Entries are picked up by the tick's store scan directly, so the
		// status transition alone makes them due again.
		ok, err := s.store.ReclaimEntry(ctx, entry.ID)
		if err != nil {
			log.Printf("reclaim: entry=%s reclaim error: %v", entry.ID, err)
			lastErr = err
			continue
		}
		if !ok {
			continue
		}
		count++
		log.Printf("reclaim: entry=%s automation=%s returned to scheduled", entry.ID, entry.AutomationID)
	}
	return count, lastErr
}
