// Package rederive keeps recurring automations scheduled.
//
// A pass scans enabled automations with a recurring trigger and, for each
// one with no pending schedule entry, computes the next occurrence and
// inserts a fresh scheduled entry. The pass runs on its own slow timer,
// independent of the tick loop: it only ever inserts new scheduled entries
// and never mutates in-flight ones, so the two need no locking against each
// other.
package rederive

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/conatusassistant/conatus-scheduler/internal/domain"
	"github.com/conatusassistant/conatus-scheduler/internal/recurrence"
)

// ErrDuplicateEntry is returned by Store implementations when an entry for
// the same automation and due time already exists. The deriver treats it as
// success: someone else derived first.
var ErrDuplicateEntry = errors.New("schedule entry already exists")

type Store interface {
	// ListRecurringEnabled returns enabled automations with a recurring
	// trigger, paginated by limit and offset.
	ListRecurringEnabled(ctx context.Context, limit, offset int) ([]domain.Automation, error)
	// HasPendingEntry reports whether automation id has a scheduled entry
	// due at or after the given instant.
	HasPendingEntry(ctx context.Context, automationID uuid.UUID, after time.Time) (bool, error)
	InsertEntry(ctx context.Context, entry domain.ScheduleEntry) error
}

// MetricsSink records rederive metrics. Non-blocking, fire-and-forget.
type MetricsSink interface {
	RederiveCompleted(created int, err error)
}

type Config struct {
	// Interval is how often the pass runs. Default: 1 hour.
	Interval time.Duration

	// BatchSize is the page size for the automation scan. Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Hour,
		BatchSize: 100,
	}
}

// Deriver owns the re-derivation loop.
type Deriver struct {
	config  Config
	store   Store
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store) *Deriver {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Deriver{
		config: config,
		store:  store,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the deriver.
func (d *Deriver) WithMetrics(sink MetricsSink) *Deriver {
	d.metrics = sink
	return d
}

// WithClock overrides the time source. Tests only.
func (d *Deriver) WithClock(clock func() time.Time) *Deriver {
	d.clock = clock
	return d
}

// Run starts the re-derivation loop. It blocks until ctx is cancelled.
func (d *Deriver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	log.Printf("rederive: started (interval=%s, batch=%d)", d.config.Interval, d.config.BatchSize)

	// Run immediately on startup, then on ticker.
	d.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("rederive: stopped")
			return
		case <-ticker.C:
			d.RunCycle(ctx)
		}
	}
}

// RunCycle executes one re-derivation pass over all recurring automations.
// Exported for tests and for the run-once path.
func (d *Deriver) RunCycle(ctx context.Context) {
	now := d.clock().UTC()

	created := 0
	scanned := 0
	var cycleErr error

	for offset := 0; ; offset += d.config.BatchSize {
		autos, err := d.store.ListRecurringEnabled(ctx, d.config.BatchSize, offset)
		if err != nil {
			// DB error: log and abort cycle. Will retry next interval.
			log.Printf("rederive: list automations: %v", err)
			cycleErr = err
			break
		}
		if len(autos) == 0 {
			break
		}

		for _, auto := range autos {
			if ctx.Err() != nil {
				log.Printf("rederive: cycle interrupted after %d automations", scanned)
				return
			}
			scanned++
			ok, err := d.deriveOne(ctx, auto, now)
			if err != nil {
				cycleErr = err
				continue
			}
			if ok {
				created++
			}
		}

		if len(autos) < d.config.BatchSize {
			break
		}
	}

	if created > 0 || cycleErr != nil {
		log.Printf("rederive: cycle complete scanned=%d created=%d", scanned, created)
	}
	if d.metrics != nil {
		d.metrics.RederiveCompleted(created, cycleErr)
	}
}

// deriveOne inserts the next occurrence for one automation if it has no
// pending entry. Returns true when an entry was created.
func (d *Deriver) deriveOne(ctx context.Context, auto domain.Automation, now time.Time) (bool, error) {
	pending, err := d.store.HasPendingEntry(ctx, auto.ID, now)
	if err != nil {
		log.Printf("rederive: automation=%s pending check: %v", auto.ID, err)
		return false, err
	}
	if pending {
		return false, nil
	}

	next, err := recurrence.NextOccurrence(auto.Trigger, now)
	if err != nil {
		// A malformed rule is a warning, not a cycle failure: the automation
		// stays without a next occurrence until its trigger is corrected.
		log.Printf("rederive: automation=%s unschedulable: %v", auto.ID, err)
		return false, nil
	}

	entry := domain.ScheduleEntry{
		ID:           uuid.New(),
		AutomationID: auto.ID,
		DueAt:        next,
		Status:       domain.EntryStatusScheduled,
		CreatedAt:    now,
	}

	if err := d.store.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			return false, nil // derived concurrently elsewhere
		}
		log.Printf("rederive: automation=%s insert entry: %v", auto.ID, err)
		return false, err
	}

	log.Printf("rederive: automation=%s scheduled entry=%s due=%s",
		auto.ID, entry.ID, next.Format(time.RFC3339))
	return true, nil
}
